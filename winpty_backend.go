package ptysession

import (
	"errors"
	"fmt"
	"io"

	"github.com/ptysession/ptysession/internal/winpty"
)

// winPTYBackend adapts internal/winpty.Backend to the package-private
// ptyBackend dispatch interface.
type winPTYBackend struct {
	*winpty.Backend
}

func newWinPTYBackend(opts Options) (ptyBackend, error) {
	timeout := opts.AgentTimeout
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}
	b, err := winpty.New(winpty.Options{
		Cols:         opts.Cols,
		Rows:         opts.Rows,
		MouseMode:    int(opts.MouseMode),
		AgentFlags:   uint32(opts.AgentFlags),
		AgentTimeout: timeout,
	})
	if err != nil {
		if errors.Is(err, winpty.ErrUnsupported) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
		return nil, osFailure("winpty agent open", err)
	}
	return &winPTYBackend{Backend: b}, nil
}

func (b *winPTYBackend) spawn(appName, cmdLine, cwd string, env []string) error {
	if err := b.Backend.Spawn(appName, cmdLine, cwd, env); err != nil {
		return spawnFailure("winpty_spawn", err)
	}
	return nil
}

func (b *winPTYBackend) read(blocking bool) ([]byte, error) {
	data, err := b.Backend.Read(blocking)
	if errors.Is(err, io.EOF) {
		return data, ErrEOF
	}
	return data, err
}

func (b *winPTYBackend) write(p []byte) (int, error) {
	n, err := b.Backend.Write(p)
	return n, osFailure("conin write", err)
}
func (b *winPTYBackend) setSize(cols, rows int) error {
	return osFailure("winpty_set_size", b.Backend.SetSize(cols, rows))
}
func (b *winPTYBackend) isAlive() (bool, error)               { return b.Backend.IsAlive() }
func (b *winPTYBackend) isEOF() bool                          { return b.Backend.IsEOF() }
func (b *winPTYBackend) pid() uint32                          { return b.Backend.Pid() }
func (b *winPTYBackend) fd() uintptr                          { return b.Backend.Fd() }
func (b *winPTYBackend) exitStatus() (uint32, bool, error)    { return b.Backend.ExitStatus() }
func (b *winPTYBackend) waitForExit() (bool, error)           { return b.Backend.WaitForExit() }
func (b *winPTYBackend) cancelIO() error                      { return b.Backend.CancelIO() }
func (b *winPTYBackend) close() error                         { return b.Backend.Close() }
