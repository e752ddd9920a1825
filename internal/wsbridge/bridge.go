package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ptysession/ptysession"
)

// writeDeadline is the maximum time allowed for a single WebSocket write to
// complete before the connection is considered dead.
const writeDeadline = 5 * time.Second

// readDeadline is the maximum time the server waits for any read activity
// (including pong responses) before considering the connection dead.
// 90 seconds allows for ~3 missed pings (pingInterval=30s) before timeout.
const readDeadline = 90 * time.Second

// pingInterval is the interval between server-initiated WebSocket pings.
const pingInterval = 30 * time.Second

// maxReadMessageSize limits the maximum size of an incoming WebSocket
// message (child input or a resize control message).
const maxReadMessageSize = 32 * 1024

var wsUpgrader = websocket.Upgrader{
	// Binds to 127.0.0.1 by default (see BridgeOptions.Addr); origin check
	// is kept permissive for local client compatibility.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 32 * 1024,
}

// SessionFactory constructs and spawns the Session a new connection will
// bridge to. Each call must return a fresh Session: the bridge owns exactly
// one Session per connection and closes it when the connection ends.
type SessionFactory func() (*ptysession.Session, error)

// BridgeOptions configures the WebSocket server.
type BridgeOptions struct {
	// Addr is the listen address. Use "127.0.0.1:0" for OS-assigned port.
	Addr string
}

// Bridge serves one ptysession.Session per accepted WebSocket connection.
type Bridge struct {
	opts    BridgeOptions
	factory SessionFactory

	listener net.Listener
	server   *http.Server
	url      string

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBridge creates a Bridge that spawns sessions via factory. The bridge
// is not started until Start is called.
func NewBridge(opts BridgeOptions, factory SessionFactory) *Bridge {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	return &Bridge{opts: opts, factory: factory}
}

// Start begins listening and serving WebSocket connections. The context is
// used for the server's BaseContext; the server itself must be stopped
// explicitly via Stop.
func (b *Bridge) Start(ctx context.Context) error {
	if b.server != nil {
		return fmt.Errorf("wsbridge: already started")
	}

	ln, err := net.Listen("tcp", b.opts.Addr)
	if err != nil {
		return fmt.Errorf("wsbridge: listen: %w", err)
	}
	b.listener = ln

	port := ln.Addr().(*net.TCPAddr).Port
	b.url = fmt.Sprintf("ws://127.0.0.1:%d/ws", port)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)

	b.server = &http.Server{
		Handler: mux,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if serveErr := b.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Error("[wsbridge] server error", "error", serveErr)
		}
	}()

	slog.Info("[wsbridge] server started", "url", b.url)
	return nil
}

// Stop shuts down the HTTP server (bounded by a 5-second timeout), then
// waits for every active connection's handler to return; each handler
// closes its own Session on exit. The shutdown does not close hijacked
// WebSocket connections, so that wait is not bounded: it ends when each
// client disconnects or its read deadline expires.
func (b *Bridge) Stop() error {
	var stopErr error
	b.closeOnce.Do(func() {
		if b.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.server.Shutdown(shutdownCtx); err != nil {
				stopErr = fmt.Errorf("wsbridge: shutdown: %w", err)
			}
		}
		b.wg.Wait()
		slog.Info("[wsbridge] server stopped")
	})
	return stopErr
}

// URL returns the WebSocket URL for client connection, e.g.
// "ws://127.0.0.1:54321/ws". Empty until Start has run.
func (b *Bridge) URL() string {
	return b.url
}

// bridgeConn holds the per-connection state pairing one WebSocket with one
// Session.
type bridgeConn struct {
	conn    *websocket.Conn
	session *ptysession.Session

	writeMu sync.Mutex
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[wsbridge] upgrade failed", "error", err)
		return
	}

	session, err := b.factory()
	if err != nil {
		slog.Warn("[wsbridge] session factory failed", "error", err)
		bc := &bridgeConn{conn: conn}
		bc.sendError(fmt.Sprintf("failed to start session: %v", err))
		conn.Close()
		return
	}

	bc := &bridgeConn{conn: conn, session: session}

	conn.SetReadLimit(maxReadMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		slog.Warn("[wsbridge] SetReadDeadline failed", "error", err)
		session.Close()
		conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	slog.Info("[wsbridge] client connected", "session_id", session.ID(), "remoteAddr", conn.RemoteAddr())

	b.wg.Add(1)
	defer b.wg.Done()

	pingDone := make(chan struct{})
	go bc.pingLoop(pingDone)

	outputDone := make(chan struct{})
	go bc.outputPump(outputDone)

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[DEBUG-PANIC] wsbridge handleWS recovered",
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
		close(pingDone)
		session.Close()
		conn.Close()
		<-outputDone
		slog.Info("[wsbridge] client disconnected", "session_id", session.ID())
	}()

	bc.readPump()
}

// readPump handles child input (binary frames) and resize control messages
// (text frames) from the client until the connection errors or closes.
func (bc *bridgeConn) readPump() {
	for {
		msgType, msg, readErr := bc.conn.ReadMessage()
		if readErr != nil {
			if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[wsbridge] read error", "error", readErr)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if _, err := bc.session.Write(msg); err != nil {
				slog.Warn("[wsbridge] session write failed", "session_id", bc.session.ID(), "error", err)
				return
			}
		case websocket.TextMessage:
			var resize resizeMsg
			if err := json.Unmarshal(msg, &resize); err != nil {
				bc.sendError(fmt.Sprintf("invalid JSON: %s", err))
				continue
			}
			if err := validateResize(resize); err != nil {
				bc.sendError(err.Error())
				continue
			}
			if err := bc.session.SetSize(resize.Cols, resize.Rows); err != nil {
				slog.Warn("[wsbridge] resize failed", "session_id", bc.session.ID(), "error", err)
				bc.sendError(fmt.Sprintf("resize failed: %s", err))
			}
		}
	}
}

// outputPump forwards Session output to the client as binary frames until
// EOF or a write failure, then closes done.
func (bc *bridgeConn) outputPump(done chan<- struct{}) {
	defer close(done)
	for {
		data, err := bc.session.Read(true)
		if len(data) > 0 {
			if !bc.writeBinary(data) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, ptysession.ErrEOF) {
				slog.Warn("[wsbridge] session read failed", "session_id", bc.session.ID(), "error", err)
			}
			return
		}
	}
}

func (bc *bridgeConn) pingLoop(done <-chan struct{}) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[DEBUG-PANIC] wsbridge pingLoop recovered",
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bc.writeMu.Lock()
			if !bc.setWriteDeadlineOrClose(writeDeadline) {
				bc.writeMu.Unlock()
				return
			}
			err := bc.conn.WriteMessage(websocket.PingMessage, nil)
			bc.clearWriteDeadline()
			bc.writeMu.Unlock()
			if err != nil {
				slog.Debug("[wsbridge] ping failed, connection likely dead", "error", err)
				return
			}
		}
	}
}

func (bc *bridgeConn) writeBinary(data []byte) bool {
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	if !bc.setWriteDeadlineOrClose(writeDeadline) {
		return false
	}
	err := bc.conn.WriteMessage(websocket.BinaryMessage, data)
	bc.clearWriteDeadline()
	if err != nil {
		slog.Warn("[wsbridge] write failed", "session_id", bc.session.ID(), "error", err)
		return false
	}
	return true
}

func (bc *bridgeConn) sendError(message string) {
	payload, err := json.Marshal(errorMsg{Type: "error", Message: message})
	if err != nil {
		slog.Debug("[wsbridge] failed to marshal error message", "error", err)
		return
	}
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	if !bc.setWriteDeadlineOrClose(writeDeadline) {
		return
	}
	if writeErr := bc.conn.WriteMessage(websocket.TextMessage, payload); writeErr != nil {
		slog.Debug("[wsbridge] failed to send error to client", "error", writeErr)
	}
	bc.clearWriteDeadline()
}

// setWriteDeadlineOrClose must be called with writeMu held.
func (bc *bridgeConn) setWriteDeadlineOrClose(d time.Duration) bool {
	if err := bc.conn.SetWriteDeadline(time.Now().Add(d)); err != nil {
		slog.Warn("[wsbridge] SetWriteDeadline failed", "error", err)
		return false
	}
	return true
}

func (bc *bridgeConn) clearWriteDeadline() {
	if err := bc.conn.SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("[wsbridge] clearWriteDeadline failed (non-fatal)", "error", err)
	}
}
