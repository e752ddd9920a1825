//go:build windows

package winpty

import (
	"net"
	"testing"
	"time"
)

func TestDurationPtrReturnsPointerToSameValue(t *testing.T) {
	d := 250 * time.Millisecond
	p := durationPtr(d)
	if p == nil {
		t.Fatal("durationPtr() = nil")
	}
	if *p != d {
		t.Fatalf("*durationPtr(%v) = %v", d, *p)
	}
}

func TestConnReadChunkOnNilOutReturnsErrClosed(t *testing.T) {
	c := &conn{}
	n, err := c.ReadChunk(make([]byte, 16))
	if n != 0 || err != net.ErrClosed {
		t.Fatalf("ReadChunk() = (%d, %v), want (0, net.ErrClosed)", n, err)
	}
}

func TestConnWriteOnNilInReturnsErrClosed(t *testing.T) {
	c := &conn{}
	n, pending, err := c.Write([]byte("x"))
	if n != 0 || pending || err != net.ErrClosed {
		t.Fatalf("Write() = (%d, %v, %v), want (0, false, net.ErrClosed)", n, pending, err)
	}
}

func TestConnWriteWaitIsNoop(t *testing.T) {
	c := &conn{}
	n, err := c.WriteWait()
	if n != 0 || err != nil {
		t.Fatalf("WriteWait() = (%d, %v), want (0, nil)", n, err)
	}
}

func TestConnPeekAlwaysReportsDataAvailable(t *testing.T) {
	c := &conn{}
	n, err := c.Peek()
	if n != 1 || err != nil {
		t.Fatalf("Peek() = (%d, %v), want (1, nil)", n, err)
	}
}

func TestConnCancelOnNilOutIsNoop(t *testing.T) {
	c := &conn{}
	if err := c.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
}

func TestConnCloseInAndCloseOutAreIdempotentOnNilConns(t *testing.T) {
	c := &conn{}
	if err := c.CloseIn(); err != nil {
		t.Fatalf("CloseIn() error = %v", err)
	}
	if err := c.CloseIn(); err != nil {
		t.Fatalf("second CloseIn() error = %v", err)
	}
	if err := c.CloseOut(); err != nil {
		t.Fatalf("CloseOut() error = %v", err)
	}
	if err := c.CloseOut(); err != nil {
		t.Fatalf("second CloseOut() error = %v", err)
	}
}
