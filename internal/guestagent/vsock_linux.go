//go:build linux

package guestagent

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
)

// DefaultPort is the vsock port vminitd listens on inside the guest (spec
// §6 "VM socket").
const DefaultPort = 10000

// VsockListener accepts AF_VSOCK connections, grounded on the teacher's
// receiveUffdAndRegions/connectVsock raw-socket handling (internal/vm/
// uffd_linux.go, internal/vm/pool_linux.go), which already drives
// golang.org/x/sys/unix at this level for the host side of the same
// transport. The host never listens on vsock itself, so this mirror exists
// only on the guest side.
type VsockListener struct {
	fd int
}

// ListenVsock binds to VMADDR_CID_ANY on port, the host-assigned guest CID
// being irrelevant from inside the guest.
func ListenVsock(port uint32) (*VsockListener, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "guestagent.ListenVsock", "", err)
	}
	sa := &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, ctrmerr.New(ctrmerr.KindIO, "guestagent.ListenVsock", fmt.Sprintf("vsock:%d", port), err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return nil, ctrmerr.New(ctrmerr.KindIO, "guestagent.ListenVsock", fmt.Sprintf("vsock:%d", port), err)
	}
	return &VsockListener{fd: fd}, nil
}

// Accept blocks for the next guest-agent connection and returns the accepted
// fd as a plain *os.File. net.FileConn only recognizes AF_INET/AF_INET6/
// AF_UNIX sockaddr families (see newFileFD in the standard library's
// net/file_unix.go) and returns EPROTONOSUPPORT for anything else, including
// AF_VSOCK, so it cannot be used here. Instead this mirrors dial.go's receiveFD,
// which hands back a raw *os.File for its own SCM_RIGHTS-received fd rather
// than wrapping it in net.FileConn; guestproto.Encode/Decode already work
// against io.Writer/io.Reader, so the raw file is all the frame loop needs.
func (l *VsockListener) Accept() (*os.File, error) {
	nfd, _, err := unix.Accept(l.fd)
	if err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "guestagent.Accept", "", err)
	}
	return os.NewFile(uintptr(nfd), "vsock-conn"), nil
}

// Close shuts down the listening socket.
func (l *VsockListener) Close() error {
	return unix.Close(l.fd)
}
