package helper

import (
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
	"github.com/ctrm-project/ctrm-core/internal/sidecarproto"
	"github.com/ctrm-project/ctrm-core/internal/wireframe"
)

// Dial asks the sidecar for a vsock connection to port and returns the
// resulting fd as an owned stream handle (spec §4.8 "Dial-through").
// connectVsock responses travel on their own ephemeral connection: a 1-byte
// marker precedes the JSON response, with the ancillary SCM_RIGHTS fd (if
// any) sent between them — the receive side is grounded on the teacher's
// receiveUffdAndRegions (internal/vm/uffd_linux.go).
func Dial(socketPath string, port uint32) (*os.File, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "helper.Dial", socketPath, err)
	}
	defer conn.Close()
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, ctrmerr.New(ctrmerr.KindProtocol, "helper.Dial", socketPath, fmt.Errorf("not a unix connection"))
	}

	req := sidecarproto.Request{Kind: sidecarproto.KindRequest, RequestID: uuid.NewString(), Method: sidecarproto.MethodConnectVsock, Port: int(port)}
	if err := sidecarproto.WriteRequest(unixConn, req); err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "helper.Dial", socketPath, err)
	}

	marker := make([]byte, 1)
	if _, err := readFullFrom(unixConn, marker); err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "helper.Dial", socketPath, fmt.Errorf("reading marker: %w", err))
	}

	var fd *os.File
	if marker[0] == 1 {
		f, err := receiveFD(unixConn)
		if err != nil {
			return nil, err
		}
		fd = f
	}

	raw, err := wireframe.ReadFrame(unixConn)
	if err != nil {
		if fd != nil {
			fd.Close()
		}
		return nil, ctrmerr.New(ctrmerr.KindIO, "helper.Dial", socketPath, fmt.Errorf("reading response: %w", err))
	}
	resp, err := sidecarproto.DecodeResponse(raw)
	if err != nil {
		if fd != nil {
			fd.Close()
		}
		return nil, ctrmerr.New(ctrmerr.KindFormat, "helper.Dial", socketPath, err)
	}
	if !resp.OK || fd == nil {
		if fd != nil {
			fd.Close()
		}
		msg := "vm.connectVsock failed"
		kind := ctrmerr.KindProtocol
		if resp.Error != nil {
			msg = resp.Error.Message
			kind = kindFromString(resp.Error.Kind)
		}
		return nil, ctrmerr.New(kind, "helper.Dial", socketPath, fmt.Errorf("%s", msg))
	}
	return fd, nil
}

func receiveFD(conn *net.UnixConn) (*os.File, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "helper.receiveFD", "", err)
	}

	oob := make([]byte, unix.CmsgSpace(4))
	var oobn int
	var recvErr error
	controlErr := rawConn.Read(func(fd uintptr) bool {
		_, oobn, _, _, recvErr = unix.Recvmsg(int(fd), nil, oob, 0)
		return true
	})
	if controlErr != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "helper.receiveFD", "", controlErr)
	}
	if recvErr != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "helper.receiveFD", "", recvErr)
	}
	if oobn == 0 {
		return nil, ctrmerr.New(ctrmerr.KindProtocol, "helper.receiveFD", "", fmt.Errorf("marker announced fd but none arrived"))
	}
	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, ctrmerr.New(ctrmerr.KindProtocol, "helper.receiveFD", "", err)
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err == nil && len(fds) > 0 {
			return os.NewFile(uintptr(fds[0]), "vsock"), nil
		}
	}
	return nil, ctrmerr.New(ctrmerr.KindProtocol, "helper.receiveFD", "", fmt.Errorf("no fd in ancillary data"))
}

func readFullFrom(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
