//go:build !windows

package winpty

import (
	"errors"
	"time"
)

// ErrUnsupported indicates the WinPTY backend is unavailable on this
// platform. Like ConPTY, WinPTY is Windows-only by construction.
var ErrUnsupported = errors.New("winpty: not supported on this platform")

// Options mirrors the Windows build's configuration surface so callers
// compile unconditionally.
type Options struct {
	Cols, Rows   int
	MouseMode    int
	AgentFlags   uint32
	AgentTimeout time.Duration
}

// Backend is an unusable placeholder on non-Windows hosts.
type Backend struct{}

// New always fails on non-Windows hosts.
func New(opts Options) (*Backend, error) {
	return nil, ErrUnsupported
}

func (b *Backend) Spawn(appName, cmdLine, cwd string, env []string) error { return ErrUnsupported }
func (b *Backend) Read(blocking bool) ([]byte, error)                     { return nil, ErrUnsupported }
func (b *Backend) Write(p []byte) (int, error)                            { return 0, ErrUnsupported }
func (b *Backend) SetSize(cols, rows int) error                           { return ErrUnsupported }
func (b *Backend) IsAlive() (bool, error)                                 { return false, ErrUnsupported }
func (b *Backend) IsEOF() bool                                            { return true }
func (b *Backend) Pid() uint32                                            { return 0 }
func (b *Backend) Fd() uintptr                                            { return 0 }
func (b *Backend) ExitStatus() (uint32, bool, error)                      { return 0, false, ErrUnsupported }
func (b *Backend) WaitForExit() (bool, error)                             { return false, ErrUnsupported }
func (b *Backend) CancelIO() error                                        { return ErrUnsupported }
func (b *Backend) Close() error                                           { return nil }
