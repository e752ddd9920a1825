package wsbridge

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ptysession/ptysession"
)

const testListenAddr = "127.0.0.1:0"

func dialBridge(t *testing.T, b *Bridge) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(b.URL())
	if err != nil {
		t.Fatalf("parse bridge URL: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	return conn
}

func TestStartAssignsURL(t *testing.T) {
	b := NewBridge(BridgeOptions{Addr: testListenAddr}, func() (*ptysession.Session, error) {
		return nil, errors.New("factory should not be called before a client dials")
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	if b.URL() == "" || !strings.HasPrefix(b.URL(), "ws://127.0.0.1:") {
		t.Fatalf("URL() = %q, want ws://127.0.0.1:<port>/ws", b.URL())
	}
}

func TestStartTwiceFails(t *testing.T) {
	b := NewBridge(BridgeOptions{Addr: testListenAddr}, func() (*ptysession.Session, error) {
		return nil, errors.New("unused")
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected error starting an already-started bridge")
	}
}

func TestFactoryFailureClosesConnectionWithError(t *testing.T) {
	b := NewBridge(BridgeOptions{Addr: testListenAddr}, func() (*ptysession.Session, error) {
		return nil, errors.New("no backend available on this host")
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	conn := dialBridge(t, b)
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}

	msgType, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected an error frame before close, got read error: %v", err)
	}
	if msgType != websocket.TextMessage || !strings.Contains(string(payload), "failed to start session") {
		t.Fatalf("got frame type=%d payload=%q, want a text error frame mentioning session startup failure", msgType, payload)
	}

	// The server must then close the connection since no Session exists to
	// bridge to.
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection close after factory failure")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	b := NewBridge(BridgeOptions{Addr: testListenAddr}, func() (*ptysession.Session, error) {
		return nil, errors.New("unused")
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestValidateResizeRejectsNonPositiveDimensions(t *testing.T) {
	tests := []struct {
		name    string
		msg     resizeMsg
		wantErr bool
	}{
		{name: "valid", msg: resizeMsg{Cols: 80, Rows: 24}},
		{name: "zero cols", msg: resizeMsg{Cols: 0, Rows: 24}, wantErr: true},
		{name: "negative rows", msg: resizeMsg{Cols: 80, Rows: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateResize(tt.msg)
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
