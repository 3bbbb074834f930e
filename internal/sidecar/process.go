package sidecar

import (
	"net"
	"time"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
	"github.com/ctrm-project/ctrm-core/internal/guestproto"
	"github.com/ctrm-project/ctrm-core/internal/sidecarproto"
)

// handleConnectVsock dials the guest on the requested port and passes the
// resulting fd to the helper via SCM_RIGHTS. The wait is capped at 3s so a
// stuck dial cannot deadlock the helper (spec §4.7).
func (s *Server) handleConnectVsock(conn net.Conn, req sidecarproto.Request) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		s.replyVsockError(conn, req.RequestID, ctrmerr.New(ctrmerr.KindProtocol, "connectVsock", "", errNotUnixConn{}))
		return
	}

	s.mu.Lock()
	vsockPath := s.vsockPath
	s.mu.Unlock()

	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		c, err := dialVsock(vsockPath, uint32(req.Port), connectVsockTimeout)
		resultCh <- dialResult{c, err}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			s.replyVsockError(unixConn, req.RequestID, ctrmerr.New(ctrmerr.KindTimeout, "connectVsock", "", result.err))
			return
		}
		fd, ferr := fdFromConn(result.conn)
		result.conn.Close() // our copy; the duplicate travels to the receiver
		if ferr != nil {
			s.replyVsockError(unixConn, req.RequestID, ctrmerr.New(ctrmerr.KindIO, "connectVsock", "", ferr))
			return
		}
		resp := sidecarproto.Response{Kind: sidecarproto.KindResponse, RequestID: req.RequestID, OK: true, FDAttached: true}
		raw, err := sidecarproto.MarshalResponse(resp)
		if err != nil {
			fd.Close()
			return
		}
		if err := sendMarkerAndFD(unixConn, fd, raw); err != nil {
			s.log.WithError(err).Warn("sidecar: failed to send vsock fd to helper")
		}
	case <-time.After(connectVsockTimeout):
		s.replyVsockError(unixConn, req.RequestID, ctrmerr.New(ctrmerr.KindTimeout, "connectVsock", "", errVsockTimeout{}))
		// Discard a late-arriving fd so it cannot leak (spec §9).
		go func() {
			result := <-resultCh
			if result.conn != nil {
				result.conn.Close()
			}
		}()
	}
}

func (s *Server) replyVsockError(conn *net.UnixConn, requestID string, err error) {
	resp := sidecarproto.Response{
		Kind:      sidecarproto.KindResponse,
		RequestID: requestID,
		OK:        false,
		Error:     &sidecarproto.ErrorInfo{Kind: ctrmerr.KindOf(err).String(), Message: err.Error()},
	}
	raw, merr := sidecarproto.MarshalResponse(resp)
	if merr != nil {
		return
	}
	sendMarkerAndFD(conn, nil, raw)
}

// handleProcessStart dials a fresh vsock connection to the guest agent,
// awaits its ready frame, sends the exec frame, and registers a stream
// session that forwards guest frames as events on the control connection.
func (s *Server) handleProcessStart(conn net.Conn, req sidecarproto.Request) {
	s.mu.Lock()
	vsockPath := s.vsockPath
	s.mu.Unlock()

	agentConn, err := dialVsock(vsockPath, uint32(req.Port), connectVsockTimeout)
	if err != nil {
		s.reply(conn, req.RequestID, false, false, ctrmerr.New(ctrmerr.KindTimeout, "process.start", "", err))
		return
	}

	agentConn.SetReadDeadline(time.Now().Add(readyFrameTimeout))
	ready, err := guestproto.Decode(agentConn)
	if err != nil || ready.Type != guestproto.TypeReady {
		agentConn.Close()
		s.reply(conn, req.RequestID, false, false, ctrmerr.New(ctrmerr.KindTimeout, "process.start", "", errNoReadyFrame{}))
		return
	}
	agentConn.SetReadDeadline(time.Time{})

	execFrame := guestproto.Frame{Type: guestproto.TypeExec}
	if req.Exec != nil {
		execFrame.Executable = req.Exec.Executable
		execFrame.Arguments = req.Exec.Arguments
		execFrame.Environment = req.Exec.Environment
		execFrame.WorkingDirectory = req.Exec.WorkingDirectory
		execFrame.Terminal = req.Exec.Terminal
	}
	if err := guestproto.Encode(agentConn, execFrame); err != nil {
		agentConn.Close()
		s.reply(conn, req.RequestID, false, false, ctrmerr.New(ctrmerr.KindIO, "process.start", "", err))
		return
	}

	session := &processSession{processID: req.ProcessID, agentConn: agentConn}
	s.sessions.put(session)
	go s.readAgentFrames(session)

	s.reply(conn, req.RequestID, true, false, nil)
}

// readAgentFrames relays guest-agent frames as sidecar events until the
// connection closes, then synthesizes an exit event if the agent never sent
// one (spec §4.7, "At-most-one-exit").
func (s *Server) readAgentFrames(session *processSession) {
	defer s.sessions.remove(session.processID)
	defer session.agentConn.Close()

	exitSent := false
	for {
		frame, err := guestproto.Decode(session.agentConn)
		if err != nil {
			break
		}
		switch frame.Type {
		case guestproto.TypeStdout:
			s.emitEvent(sidecarproto.Event{Kind: sidecarproto.KindEvent, EventType: sidecarproto.EventProcessStdout, ProcessID: session.processID, Data: frame.Data})
		case guestproto.TypeStderr:
			s.emitEvent(sidecarproto.Event{Kind: sidecarproto.KindEvent, EventType: sidecarproto.EventProcessStderr, ProcessID: session.processID, Data: frame.Data})
		case guestproto.TypeError:
			s.emitEvent(sidecarproto.Event{Kind: sidecarproto.KindEvent, EventType: sidecarproto.EventProcessError, ProcessID: session.processID, Message: frame.Message})
		case guestproto.TypeExit:
			code := 0
			if frame.ExitCode != nil {
				code = *frame.ExitCode
			}
			s.emitEvent(sidecarproto.Event{Kind: sidecarproto.KindEvent, EventType: sidecarproto.EventProcessExit, ProcessID: session.processID, ExitCode: &code})
			exitSent = true
		}
	}
	if !exitSent {
		code := 1
		s.emitEvent(sidecarproto.Event{Kind: sidecarproto.KindEvent, EventType: sidecarproto.EventProcessExit, ProcessID: session.processID, ExitCode: &code})
	}
}

// handleProcessFrame locates the session and forwards frame, serializing
// per-session writes (spec §4.7, §5).
func (s *Server) handleProcessFrame(conn net.Conn, req sidecarproto.Request, frame guestproto.Frame) {
	session, ok := s.sessions.get(req.ProcessID)
	if !ok {
		s.reply(conn, req.RequestID, false, false, ctrmerr.New(ctrmerr.KindNotFound, "process frame", req.ProcessID, errUnknownSession{}))
		return
	}
	err := session.writeLocked(func(c net.Conn) error {
		return guestproto.Encode(c, frame)
	})
	s.reply(conn, req.RequestID, err == nil, false, err)
}

type errNotUnixConn struct{}

func (errNotUnixConn) Error() string { return "sidecar: connection is not a unix socket" }

type errVsockTimeout struct{}

func (errVsockTimeout) Error() string { return "sidecar: vsock connect timed out" }

type errNoReadyFrame struct{}

func (errNoReadyFrame) Error() string { return "sidecar: guest agent did not send ready frame in time" }

type errUnknownSession struct{}

func (errUnknownSession) Error() string { return "sidecar: no such process session" }
