// Package guestagent implements the in-guest side of the guest-agent wire
// protocol (spec §4.6): a single-threaded per-connection frame parser that
// drives at most one child process at a time. PTY allocation follows the
// creack/pty pattern used by the teacher's terminal-session server
// (pty.StartWithSize / pty.Setsize); pipe-based stdio covers the non-TTY
// case the teacher never needed.
package guestagent

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"github.com/ctrm-project/ctrm-core/internal/guestproto"
)

// state is the per-connection lifecycle (spec §4.6).
type state int

const (
	stateInitial state = iota
	stateReady
	stateActive
	stateTerminal
)

// Connection owns one accepted socket and at most one child process.
type Connection struct {
	conn    io.ReadWriteCloser
	log     *logrus.Entry
	writeMu sync.Mutex
	state   state

	procMu sync.Mutex
	cmd    *exec.Cmd
	ptmx   *os.File
	stdin  io.WriteCloser
	// generation is bumped each time a child is successfully started, so a
	// waitLoop goroutine belonging to a superseded process can tell it no
	// longer owns procMu's fields before nil-ing them.
	generation int
	// doneCh is closed by waitLoop once the current process's Wait has
	// returned and its fields have been cleared; handleExec blocks on it
	// after killing an old process so the new exec never installs state the
	// old waitLoop could still race to nil out.
	doneCh chan struct{}
}

// IgnoreSIGPIPE masks SIGPIPE process-wide so a peer closing mid-write never
// kills the agent (spec §4.6 "Signal handling"). Call once at program start.
func IgnoreSIGPIPE() {
	signalIgnore(syscall.SIGPIPE)
}

// Serve runs the frame loop for one accepted connection until Terminal.
func Serve(conn io.ReadWriteCloser, log *logrus.Entry) {
	c := &Connection{conn: conn, log: log, state: stateInitial}
	c.run()
}

func (c *Connection) run() {
	defer c.terminate()

	if err := c.send(guestproto.Frame{Type: guestproto.TypeReady}); err != nil {
		c.log.WithError(err).Warn("guestagent: failed to send ready frame")
		return
	}
	c.state = stateReady

	for {
		frame, err := guestproto.Decode(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.WithError(err).Warn("guestagent: frame decode error, terminating connection")
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *Connection) dispatch(f guestproto.Frame) {
	switch f.Type {
	case guestproto.TypeExec:
		c.handleExec(f)
	case guestproto.TypeStdin:
		c.handleStdin(f)
	case guestproto.TypeSignal:
		c.handleSignal(f)
	case guestproto.TypeResize:
		c.handleResize(f)
	case guestproto.TypeClose:
		c.handleClose()
	default:
		// Non-management frames in Ready, or anything unrecognized, are
		// ignored (spec §4.6).
	}
}

func (c *Connection) handleExec(f guestproto.Frame) {
	c.procMu.Lock()
	if c.cmd != nil {
		c.killLocked()
		done := c.doneCh
		c.procMu.Unlock()
		// Wait for the superseded process's waitLoop to finish clearing
		// procMu's fields before installing the new one, so the two
		// goroutines never race to set/nil cmd/ptmx/stdin out of order.
		if done != nil {
			<-done
		}
	} else {
		c.procMu.Unlock()
	}

	cmd := exec.Command(f.Executable, f.Arguments...)
	if f.WorkingDirectory != "" {
		cmd.Dir = f.WorkingDirectory
	}
	if len(f.Environment) > 0 {
		env := os.Environ()
		for k, v := range f.Environment {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	if f.Terminal {
		c.startTTY(cmd)
	} else {
		c.startPipes(cmd)
	}
	c.state = stateActive
}

func (c *Connection) startTTY(cmd *exec.Cmd) {
	size := &pty.Winsize{Cols: 80, Rows: 24}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		c.emitExecFailure(err)
		return
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	c.procMu.Lock()
	c.generation++
	gen := c.generation
	c.cmd = cmd
	c.ptmx = ptmx
	c.stdin = ptmx
	c.doneCh = done
	c.procMu.Unlock()

	go func() {
		defer wg.Done()
		c.readLoop(ptmx, guestproto.TypeStdout)
	}()
	go c.waitLoop(cmd, gen, done, &wg)
}

func (c *Connection) startPipes(cmd *exec.Cmd) {
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		c.emitExecFailure(err)
		return
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		c.emitExecFailure(err)
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		c.emitExecFailure(err)
		return
	}

	// StdinPipe/StdoutPipe/StderrPipe must be obtained before Start, but
	// c.cmd/c.stdin are only published once Start has actually succeeded so
	// a failed spawn never leaves stale process state installed for the
	// next exec to trip over.
	if err := cmd.Start(); err != nil {
		c.emitExecFailure(err)
		return
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	c.procMu.Lock()
	c.generation++
	gen := c.generation
	c.cmd = cmd
	c.stdin = stdinPipe
	c.doneCh = done
	c.procMu.Unlock()

	go func() {
		defer wg.Done()
		c.readLoop(stdoutPipe, guestproto.TypeStdout)
	}()
	go func() {
		defer wg.Done()
		c.readLoop(stderrPipe, guestproto.TypeStderr)
	}()
	go c.waitLoop(cmd, gen, done, &wg)
}

func (c *Connection) emitExecFailure(err error) {
	c.send(guestproto.ErrorFrame(err.Error()))
	c.send(guestproto.ExitFrame(1))
}

func (c *Connection) readLoop(r io.Reader, frameType guestproto.FrameType) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.send(guestproto.Frame{Type: frameType, Data: data})
		}
		if err != nil {
			return
		}
	}
}

// waitLoop waits for every reader goroutine spawned alongside cmd to finish
// draining stdout/stderr/ptmx before calling cmd.Wait, per exec.Cmd's
// StdoutPipe/StderrPipe contract ("it is incorrect to call Wait before all
// reads from the pipe have completed") and the ordering guarantee that an
// exit frame never precedes the output it followed (spec §4.6, §8).
func (c *Connection) waitLoop(cmd *exec.Cmd, gen int, done chan struct{}, wg *sync.WaitGroup) {
	wg.Wait()
	err := cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}

	c.procMu.Lock()
	// Only clear the fields if they still belong to this process: handleExec
	// may already have killed and replaced it, in which case a later
	// generation owns procMu now and this goroutine must not touch it.
	if c.generation == gen {
		if c.ptmx != nil {
			c.ptmx.Close()
		}
		c.cmd = nil
		c.ptmx = nil
		c.stdin = nil
		c.doneCh = nil
	}
	c.procMu.Unlock()

	close(done)
	c.send(guestproto.ExitFrame(code))
}

func (c *Connection) handleStdin(f guestproto.Frame) {
	c.procMu.Lock()
	stdin := c.stdin
	c.procMu.Unlock()
	if stdin == nil {
		c.send(guestproto.ErrorFrame("stdin: no active process"))
		return
	}
	if _, err := stdin.Write(f.Data); err != nil {
		c.send(guestproto.ErrorFrame("stdin write failed: " + err.Error()))
	}
}

func (c *Connection) handleSignal(f guestproto.Frame) {
	c.procMu.Lock()
	cmd := c.cmd
	c.procMu.Unlock()
	if cmd == nil || cmd.Process == nil {
		c.send(guestproto.ErrorFrame("signal: no active process"))
		return
	}
	if err := cmd.Process.Signal(syscall.Signal(f.Signal)); err != nil {
		c.send(guestproto.ErrorFrame("signal failed: " + err.Error()))
	}
}

func (c *Connection) handleResize(f guestproto.Frame) {
	c.procMu.Lock()
	ptmx := c.ptmx
	c.procMu.Unlock()
	if ptmx == nil {
		c.send(guestproto.ErrorFrame("resize: no active pty"))
		return
	}
	size := &pty.Winsize{Cols: uint16(f.Width), Rows: uint16(f.Height)}
	if err := pty.Setsize(ptmx, size); err != nil {
		c.send(guestproto.ErrorFrame("resize failed: " + err.Error()))
	}
}

// handleClose forwards EOF-of-stdin semantics. Closing a pty's write side
// has no clean PTY-level equivalent for signaling EOF to the foreground
// program; left as a no-op against a TTY child (spec §9, known issue).
func (c *Connection) handleClose() {
	c.procMu.Lock()
	stdin := c.stdin
	isTTY := c.ptmx != nil
	c.procMu.Unlock()
	if stdin == nil || isTTY {
		return
	}
	if closer, ok := stdin.(io.Closer); ok {
		closer.Close()
	}
}

func (c *Connection) killLocked() {
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
}

func (c *Connection) terminate() {
	c.procMu.Lock()
	c.killLocked()
	if c.ptmx != nil {
		c.ptmx.Close()
	}
	c.procMu.Unlock()
	c.state = stateTerminal
	c.conn.Close()
}

// send serializes writes so stdout/stderr fragments and the terminating
// exit frame never interleave across goroutines (spec §4.6 "Ordering
// guarantees").
func (c *Connection) send(f guestproto.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return guestproto.Encode(c.conn, f)
}
