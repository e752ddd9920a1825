package ptysession

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Session is the backend-independent facade for a single PTY-hosted child
// process (spec §4.1). Create one with New, start the child with Spawn,
// then read/write/resize/query it concurrently from any number of
// goroutines; Close tears everything down exactly once.
type Session struct {
	id      uuid.UUID
	opts    Options
	backend ptyBackend

	mu      sync.Mutex
	spawned bool
	closed  bool
}

// New validates opts and constructs the selected backend's handshake
// (console allocation, pipe/named-pipe construction, HPCON or agent
// creation) without yet spawning a child. It fails with
// ErrInvalidConfiguration for bad geometry or an unsupported backend, or an
// ErrOSFailure-wrapped error if the platform handshake itself fails.
func New(opts Options) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	b, err := newBackend(opts)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:      uuid.New(),
		opts:    opts,
		backend: b,
	}
	slog.Debug("[session] created", "session_id", s.id, "backend", opts.Backend, "cols", opts.Cols, "rows", opts.Rows)
	return s, nil
}

// ID returns the session's correlation UUID, attached to every log line
// this package emits for this session and suitable for correlating with a
// host process's own session-history record.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Spawn starts appName as the PTY-attached child. cmdLine is appended to
// appName with a single separating space to form the process's mutable
// command line; cwd may be empty (inherit); env, if non-nil, is a slice of
// "VAR=VALUE" entries forming the child's environment (nil inherits the
// current process's environment).
func (s *Session) Spawn(appName, cmdLine, cwd string, env []string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.spawned {
		s.mu.Unlock()
		return ErrAlreadySpawned
	}
	s.spawned = true
	s.mu.Unlock()

	err := s.backend.spawn(appName, cmdLine, cwd, env)
	if err != nil {
		slog.Warn("[session] spawn failed", "session_id", s.id, "app", appName, "error", err)
		return err
	}
	slog.Debug("[session] spawned", "session_id", s.id, "app", appName, "pid", s.backend.pid())
	return nil
}

// Read returns the next chunk of VT-encoded output bytes. If blocking is
// true it waits for data, an error, or EOF; if false it returns
// immediately with an empty (non-nil) slice when nothing is available.
func (s *Session) Read(blocking bool) ([]byte, error) {
	return s.backend.read(blocking)
}

// Write submits p to the child's input stream in chunks of at most 8 KiB,
// returning the number of bytes actually submitted to the kernel.
func (s *Session) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return s.backend.write(p)
}

// SetSize resizes the pseudo-console or WinPTY agent. Safe to call
// concurrently with Read/Write.
func (s *Session) SetSize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return ErrInvalidConfiguration
	}
	if cols > maxDimension || rows > maxDimension {
		return ErrInvalidConfiguration
	}
	return s.backend.setSize(cols, rows)
}

// IsAlive reports whether the child process has not yet exited.
func (s *Session) IsAlive() (bool, error) {
	return s.backend.isAlive()
}

// IsEOF reports whether the output stream is fully drained (state machine
// Eof or Closed, spec §4.2).
func (s *Session) IsEOF() bool {
	return s.backend.isEOF()
}

// Pid returns the child's process id, or 0 before Spawn succeeds.
func (s *Session) Pid() uint32 {
	return s.backend.pid()
}

// Fd returns the raw process handle as a uintptr, or 0 before Spawn
// succeeds.
func (s *Session) Fd() uintptr {
	return s.backend.fd()
}

// ExitStatus reports the child's exit code once it has exited.
func (s *Session) ExitStatus() (uint32, bool, error) {
	return s.backend.exitStatus()
}

// WaitForExit blocks until the child terminates.
func (s *Session) WaitForExit() (bool, error) {
	return s.backend.waitForExit()
}

// CancelIO aborts any in-flight read, unblocking a goroutine parked in
// Read(true).
func (s *Session) CancelIO() error {
	return s.backend.cancelIO()
}

// Close tears the session down: it stops the reader, joins the liveness
// watcher, closes handles in the documented order, and releases the
// pseudo-console or agent exactly once. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	slog.Debug("[session] closing", "session_id", s.id)
	return s.backend.close()
}
