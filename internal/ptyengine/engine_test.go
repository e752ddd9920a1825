package ptyengine

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConn is a deterministic, platform-independent double for Conn. It
// lets tests drive "child output" by pushing chunks onto outbox and
// observe writes via the writes slice, without needing a real ConPTY or
// WinPTY handle (mirrors the cross-platform engine-test double named in
// SPEC_FULL.md §8, simplified here to plain channels rather than
// creack/pty since the engine only depends on the Conn contract).
type fakeConn struct {
	mu        sync.Mutex
	outbox    chan []byte
	queued    atomic.Int32 // approximate count of items in outbox, for Peek
	eof       chan struct{}
	eofOnce   sync.Once
	canceled  chan struct{}
	closedIn  bool
	closedOut bool

	writes [][]byte

	writePending bool
	writeWaitN   int
	writeWaitErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		outbox:   make(chan []byte, 64),
		eof:      make(chan struct{}),
		canceled: make(chan struct{}, 1),
	}
}

func (f *fakeConn) pushOutput(b []byte) {
	f.queued.Add(1)
	f.outbox <- b
}

func (f *fakeConn) pushEOF() {
	f.eofOnce.Do(func() { close(f.eof) })
}

// Peek reports the approximate queued-item count without consuming
// anything, matching PeekNamedPipe's non-consuming contract.
func (f *fakeConn) Peek() (int, error) {
	return int(f.queued.Load()), nil
}

func (f *fakeConn) ReadChunk(buf []byte) (int, error) {
	select {
	case b := <-f.outbox:
		f.queued.Add(-1)
		n := copy(buf, b)
		return n, nil
	case <-f.eof:
		return 0, io.EOF
	case <-f.canceled:
		return 0, io.ErrClosedPipe
	}
}

func (f *fakeConn) Cancel() error {
	select {
	case f.canceled <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeConn) Write(buf []byte) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), buf...)
	f.writes = append(f.writes, cp)
	if f.writePending {
		return len(buf), true, nil
	}
	return len(buf), false, nil
}

func (f *fakeConn) WriteWait() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeWaitN, f.writeWaitErr
}

func (f *fakeConn) CloseIn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedIn = true
	return nil
}

func (f *fakeConn) CloseOut() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedOut = true
	return nil
}

// fakeProcess is a deterministic ProcessHandle double.
type fakeProcess struct {
	mu      sync.Mutex
	alive   bool
	exited  chan struct{}
	code    uint32
	pid     uint32
	closed  bool
	closeN  int
}

func newFakeProcess(pid uint32) *fakeProcess {
	return &fakeProcess{alive: true, exited: make(chan struct{}), pid: pid}
}

func (p *fakeProcess) exit(code uint32) {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return
	}
	p.alive = false
	p.code = code
	p.mu.Unlock()
	close(p.exited)
}

func (p *fakeProcess) Pid() uint32 { return p.pid }
func (p *fakeProcess) Fd() uintptr { return uintptr(p.pid) }

func (p *fakeProcess) Alive() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive, nil
}

func (p *fakeProcess) ExitCode() (uint32, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.alive {
		return 0, false, nil
	}
	return p.code, true, nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeN++
	return nil
}

func TestReadRoundTrip(t *testing.T) {
	conn := newFakeConn()
	proc := newFakeProcess(42)
	e := New(conn, Sync, "[test]")
	e.Activate(proc, true)

	conn.pushOutput([]byte("hello"))
	out, err := e.Read(true)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(out) != "hello" {
		t.Fatalf("got %q, want %q", out, "hello")
	}

	proc.exit(0)
	conn.pushEOF()

	for {
		out, err := e.Read(true)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("expected io.EOF-compatible error, got %v", err)
			}
			break
		}
		if len(out) != 0 {
			t.Fatalf("unexpected data after EOF push: %q", out)
		}
	}

	// Property 5: at-most-once EOF keeps returning EOF without blocking.
	if _, err := e.Read(true); !errors.Is(err, io.EOF) {
		t.Fatalf("second Read after EOF: expected EOF, got %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNonBlockingReadEmptyWhenIdle(t *testing.T) {
	conn := newFakeConn()
	proc := newFakeProcess(1)
	e := New(conn, Sync, "[test]")
	e.Activate(proc, true)

	buf, err := e.Read(false)
	if err != nil {
		t.Fatalf("Read(false): %v", err)
	}
	if len(buf) != 0 {
		t.Fatalf("expected empty slice, got %q", buf)
	}

	proc.exit(0)
	conn.pushEOF()
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWriteChunking(t *testing.T) {
	conn := newFakeConn()
	proc := newFakeProcess(7)
	e := New(conn, Sync, "[test]")
	e.Activate(proc, true)

	payload := make([]byte, writeChunkSize*2+10)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := e.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d, want %d", n, len(payload))
	}

	conn.mu.Lock()
	chunks := len(conn.writes)
	conn.mu.Unlock()
	if chunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", chunks)
	}

	proc.exit(0)
	conn.pushEOF()
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	proc := newFakeProcess(9)
	e := New(conn, Sync, "[test]")
	e.Activate(proc, true)
	proc.exit(0)
	conn.pushEOF()

	if err := e.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	conn.mu.Lock()
	closedIn, closedOut := conn.closedIn, conn.closedOut
	conn.mu.Unlock()
	if !closedIn || !closedOut {
		t.Fatalf("expected both ends closed, in=%v out=%v", closedIn, closedOut)
	}
	if proc.closeN != 1 {
		t.Fatalf("expected process Close exactly once, got %d", proc.closeN)
	}
}

func TestCloseWhileReaderParkedOnHandoff(t *testing.T) {
	conn := newFakeConn()
	e := New(conn, Sync, "[test]")
	// Close before Activate: the reader never leaves the handoff channel.
	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return within bound while reader parked on handoff")
	}
}

func TestMonotoneExit(t *testing.T) {
	conn := newFakeConn()
	proc := newFakeProcess(3)
	e := New(conn, Sync, "[test]")
	e.Activate(proc, true)

	alive, err := e.IsAlive()
	if err != nil || !alive {
		t.Fatalf("expected alive, got alive=%v err=%v", alive, err)
	}

	proc.exit(5)
	for i := 0; i < 3; i++ {
		alive, err := e.IsAlive()
		if err != nil || alive {
			t.Fatalf("expected not alive after exit, got alive=%v err=%v", alive, err)
		}
		code, exited, err := e.ExitStatus()
		if err != nil || !exited || code != 5 {
			t.Fatalf("expected (5,true,nil), got (%d,%v,%v)", code, exited, err)
		}
	}

	conn.pushEOF()
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestAsyncReaderForwardsHandleToWatcher(t *testing.T) {
	conn := newFakeConn()
	proc := newFakeProcess(11)
	e := New(conn, Async, "[test]")
	e.Activate(proc, true)

	conn.pushOutput([]byte("async"))
	out, err := e.Read(true)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(out) != "async" {
		t.Fatalf("got %q", out)
	}

	proc.exit(0)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
