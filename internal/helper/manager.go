package helper

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
	"github.com/ctrm-project/ctrm-core/internal/sidecarproto"
)

// Manager is the host helper session manager for one sandbox (spec §4.8).
// All session/waiter state is owned by a single actor goroutine; every
// public method posts a closure onto that goroutine and blocks for its
// result, so callers never need their own locking.
type Manager struct {
	client *sidecarClient
	log    *logrus.Entry

	ops chan func()

	sessions  map[string]*session
	terminal  bool
	closeOnce chan struct{}
}

// New dials the sidecar's control socket and starts the manager's actor
// loop. socketPath is /tmp/ctrm-sidecar-<sandbox-id>.sock (spec §4.7).
func New(socketPath string, log *logrus.Entry) (*Manager, error) {
	m := &Manager{
		log:       log,
		ops:       make(chan func()),
		sessions:  make(map[string]*session),
		closeOnce: make(chan struct{}),
	}
	client, err := dialSidecar(socketPath, m.handleEvent, m.handleDisconnect)
	if err != nil {
		return nil, err
	}
	m.client = client
	go m.run()
	return m, nil
}

func (m *Manager) run() {
	for op := range m.ops {
		op()
	}
}

// do posts fn onto the actor loop and waits for it to run.
func (m *Manager) do(fn func()) {
	done := make(chan struct{})
	m.ops <- func() {
		fn()
		close(done)
	}
	<-done
}

// Bootstrap starts the VM, retrying vm.bootstrapStart up to 120x/500ms.
func (m *Manager) Bootstrap() error {
	return m.client.bootstrapStart()
}

// CreateProcess registers a new session (spec §4.8 "createProcess").
func (m *Manager) CreateProcess(id string, port uint32, exec Exec, stdio Stdio) error {
	var outErr error
	m.do(func() {
		if m.terminal {
			outErr = ctrmerr.New(ctrmerr.KindInvalidState, "helper.CreateProcess", id, fmt.Errorf("manager is shut down"))
			return
		}
		if _, exists := m.sessions[id]; exists {
			outErr = ctrmerr.New(ctrmerr.KindExists, "helper.CreateProcess", id, fmt.Errorf("process already registered"))
			return
		}
		m.sessions[id] = &session{id: id, port: port, exec: exec, stdio: stdio}
	})
	return outErr
}

// StartProcess connects through the sidecar to the guest agent and sends
// the exec frame, retrying process.start up to 240x/500ms across the VM
// boot window (spec §4.7, §4.8 "startProcess").
func (m *Manager) StartProcess(id string) error {
	var sess *session
	var outErr error
	m.do(func() {
		s, ok := m.sessions[id]
		if !ok {
			outErr = ctrmerr.New(ctrmerr.KindNotFound, "helper.StartProcess", id, fmt.Errorf("no such process"))
			return
		}
		sess = s
	})
	if outErr != nil {
		return outErr
	}

	req := sidecarproto.Request{
		Method:    sidecarproto.MethodProcessStart,
		Port:      int(sess.port),
		ProcessID: id,
		Exec: &sidecarproto.Exec{
			Executable:       sess.exec.Executable,
			Arguments:        sess.exec.Arguments,
			Environment:      sess.exec.Environment,
			WorkingDirectory: sess.exec.WorkingDirectory,
			Terminal:         sess.exec.Terminal,
		},
	}

	var lastErr error
	for attempt := 0; attempt < processStartRetries; attempt++ {
		if _, err := m.client.call(req); err == nil {
			m.do(func() { sess.started = true })
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(processStartSpacing)
	}
	return fmt.Errorf("helper: process.start did not succeed after %d attempts: %w", processStartRetries, lastErr)
}

// Wait blocks until the process exits or timeout elapses. On timeout, the
// waiter is removed from the session's table so no dangling reference
// remains (spec §4.8).
func (m *Manager) Wait(id string, timeout time.Duration) (ExitResult, error) {
	ch := make(chan ExitResult, 1)
	var outErr error
	m.do(func() {
		sess, ok := m.sessions[id]
		if !ok {
			outErr = ctrmerr.New(ctrmerr.KindNotFound, "helper.Wait", id, fmt.Errorf("no such process"))
			return
		}
		if sess.exitStatus != nil {
			ch <- ExitResult{Code: *sess.exitStatus}
			return
		}
		sess.waiters = append(sess.waiters, ch)
	})
	if outErr != nil {
		return ExitResult{}, outErr
	}

	if timeout <= 0 {
		return <-ch, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		m.do(func() {
			sess, ok := m.sessions[id]
			if !ok {
				return
			}
			for i, w := range sess.waiters {
				if w == ch {
					sess.waiters = append(sess.waiters[:i], sess.waiters[i+1:]...)
					break
				}
			}
		})
		return ExitResult{}, ctrmerr.New(ctrmerr.KindTimeout, "helper.Wait", id, fmt.Errorf("wait timed out after %s", timeout))
	}
}

// Stdin forwards data as a process.stdin frame.
func (m *Manager) Stdin(id string, data []byte) error {
	_, err := m.client.call(sidecarproto.Request{Method: sidecarproto.MethodProcessStdin, ProcessID: id, Data: data})
	return err
}

// CloseStdin forwards EOF on host stdin exactly once per process (spec §4.8
// "stdinClosed guard").
func (m *Manager) CloseStdin(id string) error {
	var alreadyClosed bool
	m.do(func() {
		sess, ok := m.sessions[id]
		if !ok {
			alreadyClosed = true
			return
		}
		if sess.stdinClosed {
			alreadyClosed = true
			return
		}
		sess.stdinClosed = true
	})
	if alreadyClosed {
		return nil
	}
	_, err := m.client.call(sidecarproto.Request{Method: sidecarproto.MethodProcessClose, ProcessID: id})
	return err
}

// Signal forwards a process.signal frame.
func (m *Manager) Signal(id string, signal int) error {
	_, err := m.client.call(sidecarproto.Request{Method: sidecarproto.MethodProcessSignal, ProcessID: id, Signal: signal})
	return err
}

// Resize forwards a process.resize frame.
func (m *Manager) Resize(id string, width, height int) error {
	_, err := m.client.call(sidecarproto.Request{Method: sidecarproto.MethodProcessResize, ProcessID: id, Width: width, Height: height})
	return err
}

// Stop signals the init process, waits up to timeoutSeconds, then tears
// down the sidecar regardless (spec §5 "Cancellation"). Every pending
// waiter is resolved the same way Shutdown resolves them (spec §4.8 "On
// stop/shutdown/stream disconnect, all pending waiters are resolved"),
// since none of their processes will ever report a real exit once the VM
// is gone.
func (m *Manager) Stop(timeoutSeconds int) error {
	_, err := m.client.call(sidecarproto.Request{Method: sidecarproto.MethodVMStop, Timeout: timeoutSeconds})
	m.do(func() {
		m.drainSessions(ExitResult{Code: 1, Err: fmt.Errorf("helper: stopped before exit")})
	})
	return err
}

// Shutdown transitions the manager to a terminal state, failing every
// pending waiter, rejecting new work, and releasing the sidecar's VM
// resources (spec §4.8, §5).
func (m *Manager) Shutdown() error {
	m.do(func() {
		if m.terminal {
			return
		}
		m.terminal = true
		m.drainSessions(ExitResult{Code: 1, Err: fmt.Errorf("helper: shutdown before exit")})
	})
	_, callErr := m.client.call(sidecarproto.Request{Method: sidecarproto.MethodSidecarQuit})
	closeErr := m.client.close()
	// The actor goroutine is left running (it will simply see no further
	// work); closing m.ops here would race handleEvent calls still in
	// flight from the client's read loop as it unwinds from closeErr.
	if callErr != nil {
		return callErr
	}
	return closeErr
}

// drainSessions resolves every still-pending waiter across all sessions with
// result and clears the session table. Must run on the actor goroutine.
func (m *Manager) drainSessions(result ExitResult) {
	for _, sess := range m.sessions {
		if sess.exitStatus == nil {
			sess.resolve(result)
		}
	}
	m.sessions = make(map[string]*session)
}

// handleDisconnect runs on the client's read goroutine once its connection
// to the sidecar has failed; it drains sessions exactly like Shutdown, but
// only the first caller (whichever of Shutdown/handleDisconnect gets there
// first) actually drains, since Shutdown's own client.close() is what
// triggers this path during a normal shutdown.
func (m *Manager) handleDisconnect(err error) {
	m.do(func() {
		if m.terminal {
			return
		}
		m.terminal = true
		m.drainSessions(ExitResult{Code: 1, Err: fmt.Errorf("helper: sidecar stream disconnected: %w", err)})
	})
}

// handleEvent demultiplexes a sidecar event by processID and applies it to
// the owning session (spec §4.8). It runs on the client's read goroutine
// and posts the mutation onto the actor loop.
func (m *Manager) handleEvent(ev sidecarproto.Event) {
	m.do(func() {
		sess, ok := m.sessions[ev.ProcessID]
		if !ok {
			return
		}
		switch ev.EventType {
		case sidecarproto.EventProcessStdout:
			sess.stdio.writeStdout(ev.Data)
		case sidecarproto.EventProcessStderr:
			sess.stdio.writeStderr(ev.Data)
		case sidecarproto.EventProcessError:
			sess.lastAgentError = ev.Message
		case sidecarproto.EventProcessExit:
			if sess.exitStatus != nil {
				return
			}
			code := 0
			if ev.ExitCode != nil {
				code = *ev.ExitCode
			}
			sess.exitStatus = &code
			sess.resolve(ExitResult{Code: code})
		}
	})
}
