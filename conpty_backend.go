package ptysession

import (
	"errors"
	"fmt"
	"io"

	"github.com/ptysession/ptysession/internal/conpty"
)

// conPTYBackend adapts internal/conpty.Backend to the package-private
// ptyBackend dispatch interface.
type conPTYBackend struct {
	*conpty.Backend
}

func newConPTYBackend(opts Options) (ptyBackend, error) {
	b, err := conpty.New(opts.Cols, opts.Rows)
	if err != nil {
		if errors.Is(err, conpty.ErrUnsupported) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
		return nil, osFailure("conpty handshake", err)
	}
	return &conPTYBackend{Backend: b}, nil
}

func (b *conPTYBackend) spawn(appName, cmdLine, cwd string, env []string) error {
	if err := b.Backend.Spawn(appName, cmdLine, cwd, env); err != nil {
		return spawnFailure("CreateProcess", err)
	}
	return nil
}

func (b *conPTYBackend) read(blocking bool) ([]byte, error) {
	data, err := b.Backend.Read(blocking)
	if errors.Is(err, io.EOF) {
		return data, ErrEOF
	}
	return data, err
}
func (b *conPTYBackend) write(p []byte) (int, error) {
	n, err := b.Backend.Write(p)
	return n, osFailure("WriteFile", err)
}
func (b *conPTYBackend) setSize(cols, rows int) error {
	return osFailure("ResizePseudoConsole", b.Backend.SetSize(cols, rows))
}
func (b *conPTYBackend) isAlive() (bool, error)               { return b.Backend.IsAlive() }
func (b *conPTYBackend) isEOF() bool                          { return b.Backend.IsEOF() }
func (b *conPTYBackend) pid() uint32                          { return b.Backend.Pid() }
func (b *conPTYBackend) fd() uintptr                          { return b.Backend.Fd() }
func (b *conPTYBackend) exitStatus() (uint32, bool, error)    { return b.Backend.ExitStatus() }
func (b *conPTYBackend) waitForExit() (bool, error)           { return b.Backend.WaitForExit() }
func (b *conPTYBackend) cancelIO() error                      { return b.Backend.CancelIO() }
func (b *conPTYBackend) close() error                         { return b.Backend.Close() }
