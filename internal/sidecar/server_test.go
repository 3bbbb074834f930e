package sidecar

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ctrm-project/ctrm-core/internal/sidecarproto"
)

type fakeEngine struct {
	startCalled bool
}

func (e *fakeEngine) Start(ctx context.Context) (string, error) {
	e.startCalled = true
	return "/tmp/fake-vsock.sock", nil
}
func (e *fakeEngine) Stop(ctx context.Context, timeout time.Duration) error { return nil }
func (e *fakeEngine) Destroy() error                                       { return nil }

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return logrus.NewEntry(log)
}

func TestServeBootstrapAndQuit(t *testing.T) {
	engine := &fakeEngine{}
	srv := New("test-sandbox", engine, testLog())
	srv.socketPath = filepath.Join(t.TempDir(), "sidecar.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", srv.socketPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial sidecar socket: %v", err)
	}
	defer conn.Close()

	if err := sidecarproto.WriteRequest(conn, sidecarproto.Request{
		Kind: sidecarproto.KindRequest, RequestID: "1", Method: sidecarproto.MethodBootstrapStart,
	}); err != nil {
		t.Fatalf("WriteRequest bootstrapStart: %v", err)
	}
	_, raw, err := sidecarproto.PeekKind(conn)
	if err != nil {
		t.Fatalf("PeekKind: %v", err)
	}
	resp, err := sidecarproto.DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !resp.OK {
		t.Fatalf("bootstrapStart response not OK: %+v", resp)
	}
	if !engine.startCalled {
		t.Error("expected engine.Start to have been called")
	}

	if err := sidecarproto.WriteRequest(conn, sidecarproto.Request{
		Kind: sidecarproto.KindRequest, RequestID: "2", Method: sidecarproto.MethodSidecarQuit,
	}); err != nil {
		t.Fatalf("WriteRequest sidecar.quit: %v", err)
	}
	_, raw, err = sidecarproto.PeekKind(conn)
	if err != nil {
		t.Fatalf("PeekKind quit response: %v", err)
	}
	quitResp, err := sidecarproto.DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !quitResp.OK {
		t.Fatalf("sidecar.quit response not OK: %+v", quitResp)
	}
	// The server's per-connection reader stays blocked until the client
	// side closes, mirroring helper.Manager.Shutdown's real sequence of
	// closing its client right after sidecar.quit is acknowledged.
	conn.Close()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after sidecar.quit")
	}
}
