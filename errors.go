package ptysession

import (
	"errors"
	"fmt"
	"io"
)

// Sentinel error taxonomy (spec §7). Use errors.Is to classify; OS-call
// failures are wrapped with the operation name via fmt.Errorf("%w: ...").
var (
	// ErrInvalidConfiguration covers non-positive geometry, an unsupported
	// backend at build time, or a required API missing on the host OS.
	ErrInvalidConfiguration = errors.New("ptysession: invalid configuration")

	// ErrOSFailure wraps any failing Windows API call.
	ErrOSFailure = errors.New("ptysession: operating system call failed")

	// ErrEOF is returned by Read once the output stream is fully drained.
	// Wrapping io.EOF means errors.Is(err, io.EOF) still holds, so callers
	// written against the standard io contract work unmodified.
	ErrEOF = fmt.Errorf("ptysession: end of file: %w", io.EOF)

	// ErrChildSpawnFailure is distinct from ErrOSFailure so callers can
	// special-case "failed to start the child" vs. other OS failures.
	ErrChildSpawnFailure = errors.New("ptysession: failed to spawn child process")

	// ErrInternalInvariant is reached only when ownership invariants
	// (single-close, single-owner handles) are violated; it indicates a
	// bug in this package rather than caller misuse.
	ErrInternalInvariant = errors.New("ptysession: internal invariant violated")

	// ErrClosed is returned by Spawn when called after Close. Other Session
	// methods do not check for Close and report the closed backend's own
	// error.
	ErrClosed = errors.New("ptysession: session closed")

	// ErrNotSpawned names the state of a Session whose child has not been
	// spawned. No Session method returns it: before Spawn succeeds, Read,
	// Write, ExitStatus and WaitForExit are forwarded to the backend
	// unchecked.
	ErrNotSpawned = errors.New("ptysession: child process not spawned")

	// ErrAlreadySpawned is returned by a second call to Spawn on the same
	// Session; a Session hosts exactly one child for its lifetime.
	ErrAlreadySpawned = errors.New("ptysession: child process already spawned")
)

// osFailure wraps err as an ErrOSFailure, naming the failing operation.
func osFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrOSFailure, op, err)
}

// spawnFailure wraps err as an ErrChildSpawnFailure, naming the failing
// operation (CreateProcess, winpty_spawn, ...).
func spawnFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrChildSpawnFailure, op, err)
}
