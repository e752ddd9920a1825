package ptysession

// ptyBackend is the internal tagged-variant interface (design note "Tagged
// variant", SPEC_FULL.md §9) that both the ConPTY and WinPTY backends
// satisfy. Session stores exactly one implementation and dispatches every
// public method to it; there is no shared base-class state, only the
// composed I/O Engine each backend builds on top of.
type ptyBackend interface {
	// spawn starts appName with the given command line, working
	// directory, and environment, and activates the I/O engine.
	spawn(appName, cmdLine, cwd string, env []string) error

	// read/write/resize/query operations, forwarded from Session.
	read(blocking bool) ([]byte, error)
	write(p []byte) (int, error)
	setSize(cols, rows int) error
	isAlive() (bool, error)
	isEOF() bool
	pid() uint32
	fd() uintptr
	exitStatus() (uint32, bool, error)
	waitForExit() (bool, error)
	cancelIO() error

	// close performs the backend's full teardown: engine close, handle
	// release in the documented order, and (ConPTY only) HPCON release.
	close() error
}

// newBackend constructs the backend selected by opts.Backend. It is a
// package-level function variable so platform build files and tests can
// override it; the real implementations live in package-specific files
// guarded by build tags (internal/conpty, internal/winpty, wired in via
// thin adapters in conpty_backend.go / winpty_backend.go).
var newBackend = func(opts Options) (ptyBackend, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch opts.Backend {
	case ConPTY:
		return newConPTYBackend(opts)
	case WinPTY:
		return newWinPTYBackend(opts)
	default:
		return nil, ErrInvalidConfiguration
	}
}
