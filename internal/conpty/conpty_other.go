//go:build !windows

package conpty

import "errors"

// ErrUnsupported indicates ConPTY is not available on this platform. The
// ConPTY backend is Windows-only by construction (spec Non-goals: no
// production cross-platform PTY backend); non-Windows hosts build this
// package only so the rest of the module compiles for development and CI.
var ErrUnsupported = errors.New("conpty: not supported on this platform")

// Backend is an unusable placeholder on non-Windows hosts.
type Backend struct{}

// New always fails on non-Windows hosts.
func New(cols, rows int) (*Backend, error) {
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
