package sidecar

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/ctrm-project/ctrm-core/internal/wireframe"
)

// sendMarkerAndFD writes the 1-byte marker (0 = no fd, 1 = fd follows) and,
// if fd is non-nil, the ancillary SCM_RIGHTS fd, then the JSON response
// payload — in that order, per spec §4.7. The caller's fd is duplicated
// before sending and closed afterward so its lifetime passes entirely to the
// receiver (spec §9 "Ownership for late fds"), grounded on the skopeo-proxy
// reply.send pattern of copying the fd number into the ancillary buffer.
func sendMarkerAndFD(conn *net.UnixConn, fd *os.File, payload []byte) error {
	marker := []byte{0}
	var oob []byte
	if fd != nil {
		marker[0] = 1
		oob = syscall.UnixRights(int(fd.Fd()))
	}

	if _, err := conn.Write(marker); err != nil {
		return fmt.Errorf("sidecar: writing marker byte: %w", err)
	}

	if fd != nil {
		defer fd.Close()
		n, oobn, err := conn.WriteMsgUnix(nil, oob, nil)
		if err != nil {
			return fmt.Errorf("sidecar: sending fd via SCM_RIGHTS: %w", err)
		}
		if n != 0 || oobn != len(oob) {
			return fmt.Errorf("sidecar: short ancillary write sending fd")
		}
	}

	return wireframe.WriteFrame(conn, payload)
}

// fdFromConn duplicates conn's underlying file descriptor into an owned
// *os.File suitable for SCM_RIGHTS transfer. The returned File and the
// original conn refer to the same underlying socket but have independent
// descriptor lifetimes, so the caller is free to close conn immediately
// after this call without affecting the duplicate (spec §9 "duplicate-then-
// close its own copy").
func fdFromConn(conn net.Conn) (*os.File, error) {
	syscallConn, ok := conn.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, fmt.Errorf("sidecar: connection type %T has no File()", conn)
	}
	f, err := syscallConn.File()
	if err != nil {
		return nil, fmt.Errorf("sidecar: duplicating connection fd: %w", err)
	}
	return f, nil
}
