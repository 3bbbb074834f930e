// Package sidecar implements the host process that owns the VM and brokers
// vsock dialing and process streams for the container helper (spec §4.7).
// The accept loop and Unix-socket lifecycle are grounded on the teacher's
// Pool.acceptLoop/handleConnection (internal/vm/pool_linux.go); vsock dialing
// is grounded on the teacher's connectVsock, and fd passing on the
// SCM_RIGHTS send pattern from the retrieval pack's skopeo proxy.
package sidecar

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
	"github.com/ctrm-project/ctrm-core/internal/guestproto"
	"github.com/ctrm-project/ctrm-core/internal/sidecarproto"
)

// Engine abstracts the VM lifecycle operations the sidecar needs. The
// concrete implementation (internal/vmhost) wraps the virtualization host;
// this package never constructs or tears down VMs directly.
type Engine interface {
	Start(ctx context.Context) (vsockUDSPath string, err error)
	Stop(ctx context.Context, timeout time.Duration) error
	Destroy() error
}

const (
	connectVsockTimeout = 3 * time.Second
	readyFrameTimeout   = 3 * time.Second
)

// Server is the sidecar control process for one sandbox.
type Server struct {
	socketPath string
	engine     Engine

	log *logrus.Entry

	mu          sync.Mutex
	listener    net.Listener
	vsockPath   string
	controlConn net.Conn
	quit        chan struct{}

	// controlWriteMu serializes writes to controlConn: dispatch() replies
	// from the handler goroutine and readAgentFrames' emitEvent calls from
	// per-session reader goroutines would otherwise interleave their frames
	// on the wire (spec §5 "one accept loop, one handler thread per
	// accepted connection, one reader thread per active process-stream
	// session" — all three can target the same control connection).
	controlWriteMu sync.Mutex

	sessions *sessionTable
}

// New creates a sidecar server listening at
// /tmp/ctrm-sidecar-<sandboxID>.sock (spec §4.7, §6).
func New(sandboxID string, engine Engine, log *logrus.Entry) *Server {
	return &Server{
		socketPath: fmt.Sprintf("/tmp/ctrm-sidecar-%s.sock", sandboxID),
		engine:     engine,
		log:        log,
		sessions:   newSessionTable(),
		quit:       make(chan struct{}),
	}
}

// Serve unlinks any stale socket, listens with owner-only permissions, and
// accepts connections until a sidecar.quit request is handled or ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	os.Remove(s.socketPath)
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return ctrmerr.New(ctrmerr.KindIO, "listen", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return ctrmerr.New(ctrmerr.KindIO, "chmod", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer os.Remove(s.socketPath)

	var wg sync.WaitGroup
	acceptErr := make(chan error, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.quit:
					acceptErr <- nil
				default:
					acceptErr <- err
				}
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleConnection(ctx, conn)
			}()
		}
	}()

	select {
	case <-ctx.Done():
	case <-s.quit:
	case err := <-acceptErr:
		wg.Wait()
		return err
	}
	listener.Close()
	wg.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	kind, raw, err := sidecarproto.PeekKind(conn)
	if err != nil {
		conn.Close()
		return
	}
	if kind != sidecarproto.KindRequest {
		conn.Close()
		return
	}
	req, err := sidecarproto.DecodeRequest(raw)
	if err != nil {
		conn.Close()
		return
	}

	if req.Method == sidecarproto.MethodConnectVsock {
		s.handleConnectVsock(conn, req)
		conn.Close()
		return
	}

	// Any other method arrives on the persistent control connection; it
	// stays open for the lifetime of the helper and also carries events.
	s.mu.Lock()
	s.controlConn = conn
	s.mu.Unlock()
	defer conn.Close()

	s.dispatch(ctx, conn, req)
	for {
		kind, raw, err := sidecarproto.PeekKind(conn)
		if err != nil {
			return
		}
		if kind != sidecarproto.KindRequest {
			continue
		}
		req, err := sidecarproto.DecodeRequest(raw)
		if err != nil {
			continue
		}
		s.dispatch(ctx, conn, req)
	}
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, req sidecarproto.Request) {
	switch req.Method {
	case sidecarproto.MethodBootstrapStart:
		s.handleBootstrapStart(ctx, conn, req)
	case sidecarproto.MethodProcessStart:
		s.handleProcessStart(conn, req)
	case sidecarproto.MethodProcessStdin:
		s.handleProcessFrame(conn, req, guestproto.Frame{Type: guestproto.TypeStdin, Data: req.Data})
	case sidecarproto.MethodProcessSignal:
		s.handleProcessFrame(conn, req, guestproto.Frame{Type: guestproto.TypeSignal, Signal: req.Signal})
	case sidecarproto.MethodProcessResize:
		s.handleProcessFrame(conn, req, guestproto.Frame{Type: guestproto.TypeResize, Width: req.Width, Height: req.Height})
	case sidecarproto.MethodProcessClose:
		s.handleProcessFrame(conn, req, guestproto.Frame{Type: guestproto.TypeClose})
	case sidecarproto.MethodVMStop:
		s.handleVMStop(ctx, conn, req)
	case sidecarproto.MethodSidecarQuit:
		s.handleQuit(conn, req)
	default:
		s.reply(conn, req.RequestID, false, false, ctrmerr.New(ctrmerr.KindProtocol, "dispatch", req.Method, fmt.Errorf("unknown method")))
	}
}

func (s *Server) handleBootstrapStart(ctx context.Context, conn net.Conn, req sidecarproto.Request) {
	vsockPath, err := s.engine.Start(ctx)
	if err != nil {
		s.reply(conn, req.RequestID, false, false, err)
		return
	}
	s.mu.Lock()
	s.vsockPath = vsockPath
	s.mu.Unlock()
	s.reply(conn, req.RequestID, true, false, nil)
}

func (s *Server) handleVMStop(ctx context.Context, conn net.Conn, req sidecarproto.Request) {
	timeout := time.Duration(req.Timeout) * time.Second
	err := s.engine.Stop(ctx, timeout)
	s.reply(conn, req.RequestID, err == nil, false, err)
}

func (s *Server) handleQuit(conn net.Conn, req sidecarproto.Request) {
	s.reply(conn, req.RequestID, true, false, nil)
	s.engine.Destroy()
	close(s.quit)
}

func (s *Server) reply(conn net.Conn, requestID string, ok, fdAttached bool, err error) {
	resp := sidecarproto.Response{Kind: sidecarproto.KindResponse, RequestID: requestID, OK: ok, FDAttached: fdAttached}
	if err != nil {
		resp.Error = &sidecarproto.ErrorInfo{Kind: ctrmerr.KindOf(err).String(), Message: err.Error()}
	}
	s.mu.Lock()
	isControlConn := conn == s.controlConn
	s.mu.Unlock()
	if isControlConn {
		s.controlWriteMu.Lock()
		defer s.controlWriteMu.Unlock()
	}
	sidecarproto.WriteResponse(conn, resp)
}

func (s *Server) emitEvent(ev sidecarproto.Event) {
	s.mu.Lock()
	conn := s.controlConn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.controlWriteMu.Lock()
	defer s.controlWriteMu.Unlock()
	sidecarproto.WriteEvent(conn, ev)
}
