//go:build windows

package conpty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/ptysession/ptysession/internal/ptyengine"
)

// ErrUnsupported indicates ConPTY is not available on this Windows version
// (CreatePseudoConsole missing, pre-1809 host).
var ErrUnsupported = errors.New("conpty: ConPTY is not available on this version of Windows")

const (
	gracePeriodMS   = 500
	terminateWaitMS = 100
	maxDimension    = 32767
)

var (
	waitForSingleObjectFn = windows.WaitForSingleObject
	terminateProcessFn    = windows.TerminateProcess
)

// pipeHandle wraps one end of a pipe. Reads/writes copy the raw handle
// under lock, then perform the syscall unlocked, so Close can invalidate
// the handle without deadlocking a goroutine parked in I/O.
type pipeHandle struct {
	mu     sync.Mutex
	handle windows.Handle
}

func (h *pipeHandle) read(p []byte) (int, error) {
	h.mu.Lock()
	handle := h.handle
	h.mu.Unlock()
	if handle == 0 || handle == windows.InvalidHandle {
		return 0, io.EOF
	}
	var n uint32
	err := windows.ReadFile(handle, p, &n, nil)
	return int(n), normalizeReadError(err)
}

func (h *pipeHandle) write(p []byte) (int, error) {
	h.mu.Lock()
	handle := h.handle
	h.mu.Unlock()
	if handle == 0 || handle == windows.InvalidHandle {
		return 0, io.ErrClosedPipe
	}
	var n uint32
	err := windows.WriteFile(handle, p, &n, nil)
	return int(n), normalizeWriteError(err)
}

// readOverlapped performs one OVERLAPPED ReadFile and blocks on its event
// until the read completes or is cancelled (spec §4.3 step 3, async
// configuration). It is the overlapped counterpart to read, used by
// asyncDuplexConn instead of the blocking method above.
func (h *pipeHandle) readOverlapped(p []byte, op *overlappedOp) (int, error) {
	h.mu.Lock()
	handle := h.handle
	h.mu.Unlock()
	if handle == 0 || handle == windows.InvalidHandle {
		return 0, io.EOF
	}
	var n uint32
	err := windows.ReadFile(handle, p, &n, &op.o)
	if err == nil {
		return int(n), nil
	}
	if errors.Is(err, windows.ERROR_IO_PENDING) {
		var done uint32
		waitErr := windows.GetOverlappedResult(handle, &op.o, &done, true)
		return int(done), normalizeReadError(waitErr)
	}
	return int(n), normalizeReadError(err)
}

// writeOverlappedStart issues an OVERLAPPED WriteFile without blocking. A
// pending result (ERROR_IO_PENDING) must later be reaped with
// writeOverlappedWait before the same overlappedOp is reused.
func (h *pipeHandle) writeOverlappedStart(p []byte, op *overlappedOp) (n int, pending bool, err error) {
	h.mu.Lock()
	handle := h.handle
	h.mu.Unlock()
	if handle == 0 || handle == windows.InvalidHandle {
		return 0, false, io.ErrClosedPipe
	}
	var done uint32
	werr := windows.WriteFile(handle, p, &done, &op.o)
	if werr == nil {
		return int(done), false, nil
	}
	if errors.Is(werr, windows.ERROR_IO_PENDING) {
		return 0, true, nil
	}
	return int(done), false, normalizeWriteError(werr)
}

func (h *pipeHandle) writeOverlappedWait(op *overlappedOp) (int, error) {
	h.mu.Lock()
	handle := h.handle
	h.mu.Unlock()
	if handle == 0 || handle == windows.InvalidHandle {
		return 0, io.ErrClosedPipe
	}
	var n uint32
	err := windows.GetOverlappedResult(handle, &op.o, &n, true)
	return int(n), normalizeWriteError(err)
}

func (h *pipeHandle) peek() (int, error) {
	h.mu.Lock()
	handle := h.handle
	h.mu.Unlock()
	if handle == 0 || handle == windows.InvalidHandle {
		return 0, io.EOF
	}
	var avail uint32
	if err := windows.PeekNamedPipe(handle, nil, 0, nil, &avail, nil); err != nil {
		return 0, normalizeReadError(err)
	}
	return int(avail), nil
}

func (h *pipeHandle) close() error {
	h.mu.Lock()
	handle := h.handle
	if handle == 0 || handle == windows.InvalidHandle {
		h.mu.Unlock()
		return nil
	}
	h.handle = windows.InvalidHandle
	h.mu.Unlock()
	return windows.CloseHandle(handle)
}

func normalizeReadError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, windows.ERROR_BROKEN_PIPE) ||
		errors.Is(err, windows.ERROR_HANDLE_EOF) ||
		errors.Is(err, windows.ERROR_INVALID_HANDLE) ||
		errors.Is(err, windows.ERROR_NO_DATA) ||
		errors.Is(err, windows.ERROR_OPERATION_ABORTED) {
		return io.EOF
	}
	return err
}

func normalizeWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, windows.ERROR_BROKEN_PIPE) ||
		errors.Is(err, windows.ERROR_NO_DATA) ||
		errors.Is(err, windows.ERROR_INVALID_HANDLE) {
		return io.ErrClosedPipe
	}
	return err
}

// overlappedOp owns the OVERLAPPED structure and manual-reset event backing
// one outstanding async I/O operation. Read and write each get their own, so
// a read and a write can be outstanding on the duplex pipe at once.
type overlappedOp struct {
	o windows.Overlapped
}

func newOverlappedOp() (*overlappedOp, error) {
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("CreateEvent: %w", err)
	}
	return &overlappedOp{o: windows.Overlapped{HEvent: ev}}, nil
}

func (op *overlappedOp) close() error {
	ev := op.o.HEvent
	if ev == 0 || ev == windows.InvalidHandle {
		return nil
	}
	op.o.HEvent = windows.InvalidHandle
	return windows.CloseHandle(ev)
}

// asyncDuplexConn adapts the single overlapped named pipe backing ConPTY's
// async configuration (spec §4.3 step 3) to ptyengine.Conn. conin and
// conout are the same underlying pipe handle, grounded on
// original_source/src/pty/conpty/pty_impl.rs's
// PTYProcess::new(server_pipe, server_pipe, true, true, ...): writes on one
// end of a connected PIPE_ACCESS_DUPLEX pipe are read from the other
// independently of reads, so one handle serves both directions as long as
// reads and writes use distinct OVERLAPPED structures.
type asyncDuplexConn struct {
	pipe    *pipeHandle
	readOp  *overlappedOp
	writeOp *overlappedOp
}

func newAsyncDuplexConn(server windows.Handle) (*asyncDuplexConn, error) {
	readOp, err := newOverlappedOp()
	if err != nil {
		return nil, err
	}
	writeOp, err := newOverlappedOp()
	if err != nil {
		readOp.close()
		return nil, err
	}
	return &asyncDuplexConn{
		pipe:    &pipeHandle{handle: server},
		readOp:  readOp,
		writeOp: writeOp,
	}, nil
}

func (c *asyncDuplexConn) Peek() (int, error) { return c.pipe.peek() }
func (c *asyncDuplexConn) ReadChunk(buf []byte) (int, error) {
	return c.pipe.readOverlapped(buf, c.readOp)
}
func (c *asyncDuplexConn) Cancel() error { return cancelPendingIO(c.pipe) }
func (c *asyncDuplexConn) Write(buf []byte) (int, bool, error) {
	return c.pipe.writeOverlappedStart(buf, c.writeOp)
}
func (c *asyncDuplexConn) WriteWait() (int, error) { return c.pipe.writeOverlappedWait(c.writeOp) }

// CloseIn closes the single duplex pipe handle; CloseOut is a no-op since
// there is nothing separate to close (the engine never calls CloseOut for
// Async-mode connections anyway, see ptyengine.Engine.Close step 5).
func (c *asyncDuplexConn) CloseIn() error  { return c.pipe.close() }
func (c *asyncDuplexConn) CloseOut() error { return nil }

func (c *asyncDuplexConn) closeEvents() error {
	var firstErr error
	if err := c.readOp.close(); err != nil {
		firstErr = err
	}
	if err := c.writeOp.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func cancelPendingIO(h *pipeHandle) error {
	h.mu.Lock()
	handle := h.handle
	h.mu.Unlock()
	if handle == 0 || handle == windows.InvalidHandle {
		return nil
	}
	return windows.CancelIoEx(handle, nil)
}

// processHandle adapts windows.ProcessInformation to ptyengine.ProcessHandle.
type processHandle struct {
	pi *windows.ProcessInformation
}

func (p *processHandle) Pid() uint32 { return p.pi.ProcessId }
func (p *processHandle) Fd() uintptr { return uintptr(p.pi.Process) }

func (p *processHandle) Alive() (bool, error) {
	var code uint32
	if err := windows.GetExitCodeProcess(p.pi.Process, &code); err != nil {
		return false, err
	}
	return code == uint32(windows.STATUS_PENDING), nil
}

func (p *processHandle) ExitCode() (uint32, bool, error) {
	var code uint32
	if err := windows.GetExitCodeProcess(p.pi.Process, &code); err != nil {
		return 0, false, err
	}
	if code == uint32(windows.STATUS_PENDING) {
		return 0, false, nil
	}
	return code, true, nil
}

func (p *processHandle) Wait() error {
	_, err := waitForSingleObjectFn(p.pi.Process, windows.INFINITE)
	return err
}

func (p *processHandle) Close() error {
	var firstErr error
	if err := windows.CloseHandle(p.pi.Thread); err != nil {
		firstErr = err
	}
	if err := windows.CloseHandle(p.pi.Process); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Backend is the ConPTY implementation of the Session's internal
// ptyBackend dispatch interface. It is always built in the async
// configuration (spec §4.3): ConPTY, the newer variant, uses Async with
// overlapped writes and an event-based overlapped read; only WinPTY uses
// Sync.
type Backend struct {
	stateMu sync.RWMutex
	h       hpcon

	cols, rows int

	// consoleAllocated records whether New allocated a console of its own
	// (spec §4.3 step 1, Data Model "consoleAllocated"); if so Close (or an
	// unprompted child exit) must FreeConsole it.
	consoleAllocated bool

	engine *ptyengine.Engine
	conn   *asyncDuplexConn
	proc   *processHandle
	pi     *windows.ProcessInformation

	closeOnce sync.Once
	closeErr  error
}

// New performs the ConPTY handshake (spec §4.3 "Steps performed at
// construction"): allocate/redirect a console (steps 1-2), build the async
// overlapped duplex pipe and create the pseudo-console over it (step 3),
// and wire the retained endpoint into a fresh Async-mode Engine. Spawning
// the child is a separate step (Spawn).
func New(cols, rows int) (*Backend, error) {
	if !isConPtyAvailable() {
		return nil, ErrUnsupported
	}
	if cols <= 0 || rows <= 0 || cols > maxDimension || rows > maxDimension {
		return nil, fmt.Errorf("conpty: invalid dimensions %dx%d", cols, rows)
	}

	consoleAllocated, err := allocHiddenConsoleAndRedirectStdHandles()
	if err != nil {
		return nil, fmt.Errorf("conpty: console handshake: %w", err)
	}

	server, hInput, hOutput, err := createAsyncDuplexPipe()
	if err != nil {
		if consoleAllocated {
			freeConsole()
		}
		return nil, fmt.Errorf("conpty: %w", err)
	}

	size := &coord{X: int16(cols), Y: int16(rows)}
	h, err := createPseudoConsole(size, hInput, hOutput)
	if err != nil {
		closeHandles(server, hInput, hOutput)
		if consoleAllocated {
			freeConsole()
		}
		return nil, fmt.Errorf("conpty: %w", err)
	}
	// CreatePseudoConsole takes ownership of hInput/hOutput; close our local
	// duplicates immediately so a broken pipe is detected promptly.
	closeHandles(hInput, hOutput)

	c, err := newAsyncDuplexConn(server)
	if err != nil {
		closePseudoConsole(h)
		closeHandles(server)
		if consoleAllocated {
			freeConsole()
		}
		return nil, fmt.Errorf("conpty: %w", err)
	}

	b := &Backend{
		h:                h,
		cols:             cols,
		rows:             rows,
		consoleAllocated: consoleAllocated,
		conn:             c,
		engine:           ptyengine.New(c, ptyengine.Async, "[conpty]"),
	}
	go b.watchCleanup()
	return b, nil
}

func closeHandles(handles ...windows.Handle) {
	for _, h := range handles {
		if h == 0 || h == windows.InvalidHandle {
			continue
		}
		if err := windows.CloseHandle(h); err != nil {
			slog.Debug("[conpty] CloseHandle failed", "error", err)
		}
	}
}

// watchCleanup mirrors pty_impl.rs's background cleanup thread: once the
// engine's liveness watcher observes the child has exited and confirms the
// pending read has been cancelled, the pseudo-console (and this process's
// own console, if it allocated one) is released even if the caller never
// calls Close explicitly.
func (b *Backend) watchCleanup() {
	if _, ok := <-b.engine.CleanupSignal(); !ok {
		return
	}
	b.releasePseudoConsole()
}

func (b *Backend) releasePseudoConsole() {
	b.stateMu.Lock()
	h := b.h
	b.h = 0
	consoleAllocated := b.consoleAllocated
	b.consoleAllocated = false
	b.stateMu.Unlock()

	if h != 0 {
		closePseudoConsole(h)
	}
	if consoleAllocated {
		if err := freeConsole(); err != nil {
			slog.Debug("[conpty] FreeConsole failed", "error", err)
		}
	}
}

// Spawn performs spec §4.3 "At spawn": build the attribute list, attach the
// HPCON, and CreateProcess. The backend owns the resulting process/thread
// handles (closeProcess = false on the engine; the backend itself closes
// them during Close).
func (b *Backend) Spawn(appName, cmdLine, cwd string, env []string) error {
	full := appName
	if cmdLine != "" {
		full = appName + " " + cmdLine
	}
	cmdLinePtr, err := windows.UTF16PtrFromString(full)
	if err != nil {
		return fmt.Errorf("conpty: %w", err)
	}
	var workDirPtr *uint16
	if cwd != "" {
		workDirPtr, err = windows.UTF16PtrFromString(cwd)
		if err != nil {
			return fmt.Errorf("conpty: %w", err)
		}
	}

	attrList, err := windows.NewProcThreadAttributeList(1)
	if err != nil {
		return fmt.Errorf("conpty: NewProcThreadAttributeList: %w", err)
	}
	defer attrList.Delete()
	if err := attrList.Update(
		procThreadAttributePseudoconsole,
		unsafe.Pointer(b.h),
		unsafe.Sizeof(b.h),
	); err != nil {
		return fmt.Errorf("conpty: UpdateProcThreadAttribute: %w", err)
	}

	si := &windows.StartupInfoEx{
		ProcThreadAttributeList: attrList.List(),
	}
	si.Cb = uint32(unsafe.Sizeof(*si))
	si.Flags |= windows.STARTF_USESTDHANDLES

	var pi windows.ProcessInformation
	envBlock := createEnvBlock(env)
	var flags uint32 = windows.EXTENDED_STARTUPINFO_PRESENT
	if envBlock != nil {
		flags |= windows.CREATE_UNICODE_ENVIRONMENT
	}

	err = windows.CreateProcess(
		nil, cmdLinePtr, nil, nil, false,
		flags, envBlock, workDirPtr,
		&si.StartupInfo, &pi,
	)
	runtime.KeepAlive(envBlock)
	if err != nil {
		return fmt.Errorf("conpty: CreateProcess: %w", err)
	}

	b.stateMu.Lock()
	b.pi = &pi
	b.proc = &processHandle{pi: &pi}
	b.stateMu.Unlock()

	b.engine.Activate(b.proc, false)
	return nil
}

func (b *Backend) Read(blocking bool) ([]byte, error) { return b.engine.Read(blocking) }
func (b *Backend) Write(p []byte) (int, error)         { return b.engine.Write(p) }
func (b *Backend) IsAlive() (bool, error)              { return b.engine.IsAlive() }
func (b *Backend) IsEOF() bool                         { return b.engine.IsEOF() }
func (b *Backend) Pid() uint32                         { return b.engine.Pid() }
func (b *Backend) Fd() uintptr                         { return b.engine.Fd() }
func (b *Backend) ExitStatus() (uint32, bool, error)   { return b.engine.ExitStatus() }
func (b *Backend) WaitForExit() (bool, error)          { return b.engine.WaitForExit() }
func (b *Backend) CancelIO() error                     { return b.engine.CancelIO() }

// SetSize implements spec §4.2 "Resize": safe to call concurrently with
// reads/writes, ResizePseudoConsole is thread-safe by design.
func (b *Backend) SetSize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > maxDimension || rows > maxDimension {
		return fmt.Errorf("conpty: invalid dimensions %dx%d", cols, rows)
	}
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.h == 0 {
		return errors.New("conpty: Resize called on closed pseudo console")
	}
	size := &coord{X: int16(cols), Y: int16(rows)}
	return resizePseudoConsole(b.h, size)
}

// Close implements spec §4.2 "Teardown" for the ConPTY backend. The child
// is terminated (with a grace period) before the engine is joined, so the
// Async-mode liveness watcher's blocking Wait for process exit does not
// stall Close waiting on a process Close itself just asked to die.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.doClose()
	})
	return b.closeErr
}

func (b *Backend) doClose() error {
	var firstErr error

	b.stateMu.Lock()
	pi := b.pi
	b.stateMu.Unlock()

	if pi != nil {
		ret, waitErr := waitForSingleObjectFn(pi.Process, gracePeriodMS)
		if waitErr != nil {
			firstErr = fmt.Errorf("conpty: WaitForSingleObject: %w", waitErr)
		}
		if ret != windows.WAIT_OBJECT_0 {
			if termErr := terminateProcessFn(pi.Process, 0); termErr != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("conpty: TerminateProcess: %w", termErr)
				}
			} else {
				if _, err := waitForSingleObjectFn(pi.Process, terminateWaitMS); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("conpty: post-terminate wait: %w", err)
				}
			}
		}
	}

	if err := b.engine.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if b.conn != nil {
		if err := b.conn.closeEvents(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	b.releasePseudoConsole()

	b.stateMu.Lock()
	b.pi = nil
	b.stateMu.Unlock()

	if pi != nil {
		closeHandles(pi.Process, pi.Thread)
	}

	return firstErr
}
