package helper

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ctrm-project/ctrm-core/internal/sidecarproto"
)

// fakeSidecar answers control-socket requests according to a per-method
// handler, mimicking sidecar.Server's dispatch loop closely enough to drive
// Manager through its public API without a real VM.
type fakeSidecar struct {
	t        *testing.T
	listener net.Listener

	mu      sync.Mutex
	conn    net.Conn
	methods map[string]func(sidecarproto.Request) sidecarproto.Response
	calls   map[string]int

	writeMu sync.Mutex
}

func newFakeSidecar(t *testing.T) (*fakeSidecar, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "sidecar.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeSidecar{
		t:        t,
		listener: listener,
		methods:  make(map[string]func(sidecarproto.Request) sidecarproto.Response),
		calls:    make(map[string]int),
	}
	go f.acceptLoop()
	return f, socketPath
}

func (f *fakeSidecar) on(method string, handler func(sidecarproto.Request) sidecarproto.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods[method] = handler
}

func (f *fakeSidecar) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeSidecar) acceptLoop() {
	conn, err := f.listener.Accept()
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
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
		f.mu.Lock()
		f.calls[req.Method]++
		handler := f.methods[req.Method]
		f.mu.Unlock()

		resp := sidecarproto.Response{Kind: sidecarproto.KindResponse, RequestID: req.RequestID, OK: true}
		if handler != nil {
			resp = handler(req)
			resp.RequestID = req.RequestID
			resp.Kind = sidecarproto.KindResponse
		}
		f.writeMu.Lock()
		sidecarproto.WriteResponse(conn, resp)
		f.writeMu.Unlock()
	}
}

func (f *fakeSidecar) emit(ev sidecarproto.Event) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	ev.Kind = sidecarproto.KindEvent
	f.writeMu.Lock()
	sidecarproto.WriteEvent(conn, ev)
	f.writeMu.Unlock()
}

func (f *fakeSidecar) close() {
	f.listener.Close()
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return logrus.NewEntry(log)
}

func TestCreateProcessStartWaitExit(t *testing.T) {
	fake, socketPath := newFakeSidecar(t)
	defer fake.close()

	m, err := New(socketPath, testLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fake.on(sidecarproto.MethodProcessStart, func(req sidecarproto.Request) sidecarproto.Response {
		go fake.emit(sidecarproto.Event{EventType: sidecarproto.EventProcessExit, ProcessID: req.ProcessID, ExitCode: intPtr(7)})
		return sidecarproto.Response{OK: true}
	})

	if err := m.CreateProcess("p1", 1000, Exec{Executable: "/bin/true"}, Stdio{}); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	if err := m.StartProcess("p1"); err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	result, err := m.Wait("p1", 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Code != 7 {
		t.Errorf("exit code = %d, want 7", result.Code)
	}
}

func TestWaitTimeoutRemovesWaiter(t *testing.T) {
	fake, socketPath := newFakeSidecar(t)
	defer fake.close()

	m, err := New(socketPath, testLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.CreateProcess("p1", 1000, Exec{Executable: "/bin/sleep"}, Stdio{}); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	_, err = m.Wait("p1", 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}

	var remaining int
	m.do(func() { remaining = len(m.sessions["p1"].waiters) })
	if remaining != 0 {
		t.Errorf("waiters left after timeout = %d, want 0", remaining)
	}
}

func TestCloseStdinGuard(t *testing.T) {
	fake, socketPath := newFakeSidecar(t)
	defer fake.close()

	m, err := New(socketPath, testLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.CreateProcess("p1", 1000, Exec{Executable: "/bin/cat"}, Stdio{}); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	if err := m.CloseStdin("p1"); err != nil {
		t.Fatalf("first CloseStdin: %v", err)
	}
	if err := m.CloseStdin("p1"); err != nil {
		t.Fatalf("second CloseStdin: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // let the first frame land
	if got := fake.callCount(sidecarproto.MethodProcessClose); got != 1 {
		t.Errorf("process.close calls = %d, want 1", got)
	}
}

func TestShutdownResolvesPendingWaiters(t *testing.T) {
	fake, socketPath := newFakeSidecar(t)
	defer fake.close()

	m, err := New(socketPath, testLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.CreateProcess("p1", 1000, Exec{Executable: "/bin/sleep"}, Stdio{}); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	waitDone := make(chan ExitResult, 1)
	go func() {
		result, _ := m.Wait("p1", 0)
		waitDone <- result
	}()
	time.Sleep(20 * time.Millisecond) // ensure Wait has registered its waiter

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case result := <-waitDone:
		if result.Err == nil {
			t.Error("expected synthesized error on shutdown, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Shutdown")
	}
}

func TestStopResolvesPendingWaiters(t *testing.T) {
	fake, socketPath := newFakeSidecar(t)
	defer fake.close()

	m, err := New(socketPath, testLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.CreateProcess("p1", 1000, Exec{Executable: "/bin/sleep"}, Stdio{}); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	waitDone := make(chan ExitResult, 1)
	go func() {
		result, _ := m.Wait("p1", 0)
		waitDone <- result
	}()
	time.Sleep(20 * time.Millisecond) // ensure Wait has registered its waiter

	if err := m.Stop(5); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case result := <-waitDone:
		if result.Err == nil {
			t.Error("expected synthesized error on stop, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
}

func intPtr(v int) *int { return &v }
