// Package helper implements the host-side session manager that the
// container runtime embeds: it dials the sidecar's control socket, drives
// process lifecycle, and demultiplexes events back to per-process waiters
// (spec.md §4.8). The request/response correlation and retry loop are
// grounded on the teacher's tryPoolExec/PoolExec client
// (internal/exec/exec_vm_linux.go, internal/vm/pool_linux.go): each request
// gets its own result channel, and a cold path retries with fixed spacing
// across a bounded window. A single call has no timeout of its own; it waits
// until the matching response arrives or the control connection fails.
package helper

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
	"github.com/ctrm-project/ctrm-core/internal/sidecarproto"
)

const (
	bootstrapStartRetries = 120
	bootstrapStartSpacing = 500 * time.Millisecond

	processStartRetries = 240
	processStartSpacing = 500 * time.Millisecond
)

// sidecarClient owns the persistent control connection to one sidecar and
// multiplexes request/response pairs by requestID while forwarding events
// to the manager's actor loop.
type sidecarClient struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan sidecarproto.Response

	onEvent      func(sidecarproto.Event)
	onDisconnect func(error)
}

func dialSidecar(socketPath string, onEvent func(sidecarproto.Event), onDisconnect func(error)) (*sidecarClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, ctrmerr.New(ctrmerr.KindIO, "helper.dialSidecar", socketPath, err)
	}
	c := &sidecarClient{
		conn:         conn,
		pending:      make(map[string]chan sidecarproto.Response),
		onEvent:      onEvent,
		onDisconnect: onDisconnect,
	}
	go c.readLoop()
	return c, nil
}

func (c *sidecarClient) readLoop() {
	for {
		kind, raw, err := sidecarproto.PeekKind(c.conn)
		if err != nil {
			c.failAllPending(err)
			// The control connection is gone: resolve in-flight RPCs above,
			// then let the manager drain its own per-process waiters the
			// same way Stop/Shutdown do (spec §4.8 "stream disconnect").
			if c.onDisconnect != nil {
				c.onDisconnect(err)
			}
			return
		}
		switch kind {
		case sidecarproto.KindResponse:
			resp, err := sidecarproto.DecodeResponse(raw)
			if err != nil {
				continue
			}
			c.deliver(resp)
		case sidecarproto.KindEvent:
			ev, err := sidecarproto.DecodeEvent(raw)
			if err != nil {
				continue
			}
			if c.onEvent != nil {
				c.onEvent(ev)
			}
		}
	}
}

func (c *sidecarClient) deliver(resp sidecarproto.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *sidecarClient) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- sidecarproto.Response{
			Kind:      sidecarproto.KindResponse,
			RequestID: id,
			OK:        false,
			Error:     &sidecarproto.ErrorInfo{Kind: ctrmerr.KindIO.String(), Message: err.Error()},
		}
		delete(c.pending, id)
	}
}

// call sends req and blocks until the matching response arrives.
func (c *sidecarClient) call(req sidecarproto.Request) (sidecarproto.Response, error) {
	req.RequestID = uuid.NewString()
	req.Kind = sidecarproto.KindRequest
	c.mu.Lock()
	ch := make(chan sidecarproto.Response, 1)
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := sidecarproto.WriteRequest(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return sidecarproto.Response{}, ctrmerr.New(ctrmerr.KindIO, "helper.call", req.Method, err)
	}

	resp := <-ch
	if !resp.OK {
		msg := "request failed"
		kind := ctrmerr.KindUnknown
		if resp.Error != nil {
			msg = resp.Error.Message
			kind = kindFromString(resp.Error.Kind)
		}
		return resp, ctrmerr.New(kind, req.Method, "", fmt.Errorf("%s", msg))
	}
	return resp, nil
}

func (c *sidecarClient) close() error {
	return c.conn.Close()
}

func kindFromString(s string) ctrmerr.Kind {
	for k := ctrmerr.KindUnknown; k <= ctrmerr.KindInterrupted; k++ {
		if k.String() == s {
			return k
		}
	}
	return ctrmerr.KindUnknown
}

// bootstrapStart retries vm.bootstrapStart up to 120x/500ms (spec §4.7).
func (c *sidecarClient) bootstrapStart() error {
	var lastErr error
	for attempt := 0; attempt < bootstrapStartRetries; attempt++ {
		_, err := c.call(sidecarproto.Request{Method: sidecarproto.MethodBootstrapStart})
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(bootstrapStartSpacing)
	}
	return fmt.Errorf("helper: vm.bootstrapStart did not succeed after %d attempts: %w", bootstrapStartRetries, lastErr)
}
