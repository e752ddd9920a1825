//go:build windows

package winpty

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"

	"github.com/ptysession/ptysession/internal/ptyengine"
)

// ErrUnsupported indicates winpty.dll could not be located.
var ErrUnsupported = errors.New("winpty: winpty.dll is not available")

const dialTimeout = 3 * time.Second

// conn adapts the conin/conout named-pipe connections (dialed with
// github.com/Microsoft/go-winio, spec §4.4) to ptyengine.Conn. WinPTY is
// always Sync mode, so Write never returns pending and WriteWait is a
// no-op.
//
// Peek always reports data as available: the agent closes conout when the
// child exits, so a blocking ReadChunk unblocks with EOF on its own: there
// is no raw handle available through the go-winio net.Conn surface to call
// PeekNamedPipe against, and none is needed for correctness here.
type conn struct {
	mu  sync.Mutex
	in  net.Conn
	out net.Conn
}

func (c *conn) Peek() (int, error) { return 1, nil }

func (c *conn) ReadChunk(buf []byte) (int, error) {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return 0, net.ErrClosed
	}
	n, err := out.Read(buf)
	return n, err
}

func (c *conn) Cancel() error {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return nil
	}
	return out.SetReadDeadline(time.Unix(0, 1))
}

func (c *conn) Write(buf []byte) (int, bool, error) {
	c.mu.Lock()
	in := c.in
	c.mu.Unlock()
	if in == nil {
		return 0, false, net.ErrClosed
	}
	n, err := in.Write(buf)
	return n, false, err
}

func (c *conn) WriteWait() (int, error) { return 0, nil }

func (c *conn) CloseIn() error {
	c.mu.Lock()
	in := c.in
	c.in = nil
	c.mu.Unlock()
	if in == nil {
		return nil
	}
	return in.Close()
}

func (c *conn) CloseOut() error {
	c.mu.Lock()
	out := c.out
	c.out = nil
	c.mu.Unlock()
	if out == nil {
		return nil
	}
	return out.Close()
}

// processHandle adapts a raw child process handle (returned by
// winpty_spawn) to ptyengine.ProcessHandle.
type processHandle struct {
	handle windows.Handle
	pid    uint32
}

func (p *processHandle) Pid() uint32 { return p.pid }
func (p *processHandle) Fd() uintptr { return uintptr(p.handle) }

func (p *processHandle) Alive() (bool, error) {
	var code uint32
	if err := windows.GetExitCodeProcess(p.handle, &code); err != nil {
		return false, err
	}
	return code == uint32(windows.STATUS_PENDING), nil
}

func (p *processHandle) ExitCode() (uint32, bool, error) {
	var code uint32
	if err := windows.GetExitCodeProcess(p.handle, &code); err != nil {
		return 0, false, err
	}
	if code == uint32(windows.STATUS_PENDING) {
		return 0, false, nil
	}
	return code, true, nil
}

func (p *processHandle) Wait() error {
	_, err := windows.WaitForSingleObject(p.handle, windows.INFINITE)
	return err
}

func (p *processHandle) Close() error {
	return windows.CloseHandle(p.handle)
}

// Backend is the WinPTY implementation of the Session's internal
// ptyBackend dispatch interface.
type Backend struct {
	agent  uintptr
	engine *ptyengine.Engine

	closeOnce sync.Once
	closeErr  error
}

// Options carries the WinPTY-specific configuration (mouse mode, agent
// flags/timeout) that ConPTY has no equivalent for (spec §3).
type Options struct {
	Cols, Rows   int
	MouseMode    int
	AgentFlags   uint32
	AgentTimeout time.Duration
}

// New builds the agent config, opens the agent, and dials its conin/conout
// named pipes (spec §4.4 "At construction").
func New(opts Options) (*Backend, error) {
	if !isAvailable() {
		return nil, ErrUnsupported
	}
	if opts.Cols <= 0 || opts.Rows <= 0 {
		return nil, fmt.Errorf("winpty: invalid dimensions %dx%d", opts.Cols, opts.Rows)
	}

	timeoutMS := uint32(opts.AgentTimeout / time.Millisecond)
	cfg, err := newConfig(opts.AgentFlags, uint32(opts.Cols), uint32(opts.Rows), mouseModeCode(opts.MouseMode), timeoutMS)
	if err != nil {
		return nil, err
	}
	agent, coninName, conoutName, err := openAgent(cfg)
	if err != nil {
		return nil, err
	}

	in, err := winio.DialPipe(coninName, durationPtr(dialTimeout))
	if err != nil {
		free(agent)
		return nil, fmt.Errorf("winpty: dial conin: %w", err)
	}
	out, err := winio.DialPipe(conoutName, durationPtr(dialTimeout))
	if err != nil {
		in.Close()
		free(agent)
		return nil, fmt.Errorf("winpty: dial conout: %w", err)
	}

	c := &conn{in: in, out: out}
	b := &Backend{
		agent:  agent,
		engine: ptyengine.New(c, ptyengine.Sync, "[winpty]"),
	}
	return b, nil
}

func durationPtr(d time.Duration) *time.Duration { return &d }

// Spawn calls winpty_spawn and transfers ownership of the resulting
// process handle to the engine (spec §4.4 "At spawn": closeProcess=true).
func (b *Backend) Spawn(appName, cmdLine, cwd string, env []string) error {
	handle, err := spawn(b.agent, appName, cmdLine, cwd, env)
	if err != nil {
		return err
	}
	proc := &processHandle{handle: handle, pid: windows.GetProcessId(handle)}
	b.engine.Activate(proc, true)
	return nil
}

func (b *Backend) Read(blocking bool) ([]byte, error)   { return b.engine.Read(blocking) }
func (b *Backend) Write(p []byte) (int, error)           { return b.engine.Write(p) }
func (b *Backend) IsAlive() (bool, error)                { return b.engine.IsAlive() }
func (b *Backend) IsEOF() bool                           { return b.engine.IsEOF() }
func (b *Backend) Pid() uint32                           { return b.engine.Pid() }
func (b *Backend) Fd() uintptr                            { return b.engine.Fd() }
func (b *Backend) ExitStatus() (uint32, bool, error)      { return b.engine.ExitStatus() }
func (b *Backend) WaitForExit() (bool, error)              { return b.engine.WaitForExit() }
func (b *Backend) CancelIO() error                        { return b.engine.CancelIO() }

// SetSize calls winpty_set_size, safe to call concurrently with reads and
// writes (spec §4.2 "Resize").
func (b *Backend) SetSize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("winpty: invalid dimensions %dx%d", cols, rows)
	}
	setSize(b.agent, uint32(cols), uint32(rows))
	return nil
}

// Close joins the engine, then frees the agent exactly once.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.engine.Close()
		free(b.agent)
	})
	return b.closeErr
}
