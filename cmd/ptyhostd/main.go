// Command ptyhostd is a thin demonstration host for the ptysession library.
// It exposes two control surfaces over a locally spawned set of Sessions:
// a Named Pipe control plane (spawn/read/write/resize/status/close, one
// command per connection) and an optional WebSocket remote-attach bridge
// that streams exactly one Session's byte stream per connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/ptysession/ptysession"
	"github.com/ptysession/ptysession/internal/config"
	"github.com/ptysession/ptysession/internal/historylog"
	"github.com/ptysession/ptysession/internal/ipc"
	"github.com/ptysession/ptysession/internal/wsbridge"
)

const shutdownWaitTimeout = 10 * time.Second

func main() {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(args.logLevel),
	})))

	path := args.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	watcher, err := config.NewWatcher(path)
	if err != nil {
		slog.Error("[ptyhostd] failed to start config watcher", "path", path, "error", err)
		os.Exit(1)
	}
	defer watcher.Close()

	historyPath := filepath.Join(filepath.Dir(path), "history.db")
	history, err := historylog.Open(historyPath)
	if err != nil {
		slog.Error("[ptyhostd] failed to open session history ledger", "path", historyPath, "error", err)
		os.Exit(1)
	}
	defer history.Close()

	registry := newSessionRegistry(watcher, history)

	name := args.pipeName
	if name == "" {
		name = ipc.DefaultPipeName()
	}
	pipeServer := ipc.NewPipeServer(name, registry)
	if err := pipeServer.Start(); err != nil {
		slog.Error("[ptyhostd] pipe server failed to start", "pipe", name, "error", err)
		os.Exit(1)
	}
	slog.Info("[ptyhostd] pipe server listening", "pipe", pipeServer.PipeName())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var bridge *wsbridge.Bridge
	if args.wsAddr != "" {
		bridge = wsbridge.NewBridge(wsbridge.BridgeOptions{Addr: args.wsAddr}, registry.spawnBridgeSession)
		if err := bridge.Start(ctx); err != nil {
			slog.Error("[ptyhostd] websocket bridge failed to start", "addr", args.wsAddr, "error", err)
		} else {
			slog.Info("[ptyhostd] websocket bridge listening", "url", bridge.URL())
		}
	}

	<-ctx.Done()
	slog.Info("[ptyhostd] shutting down")

	if bridge != nil {
		if err := bridge.Stop(); err != nil {
			slog.Warn("[ptyhostd] websocket bridge stop failed", "error", err)
		}
	}
	if err := pipeServer.Stop(); err != nil {
		slog.Warn("[ptyhostd] pipe server stop failed", "error", err)
	}
	registry.closeAll()
}

func parseLogLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sessionRegistry tracks live Sessions by ID and implements ipc.CommandExecutor
// for the Named Pipe control plane. It is the only component in ptyhostd that
// holds Session references across multiple requests.
type sessionRegistry struct {
	watcher *config.Watcher
	history *historylog.Log

	mu       sync.Mutex
	sessions map[string]*ptysession.Session
}

func newSessionRegistry(watcher *config.Watcher, history *historylog.Log) *sessionRegistry {
	return &sessionRegistry{
		watcher:  watcher,
		history:  history,
		sessions: map[string]*ptysession.Session{},
	}
}

// Execute implements ipc.CommandExecutor.
func (r *sessionRegistry) Execute(req ipc.ControlRequest) ipc.ControlResponse {
	switch req.Command {
	case ipc.CmdSpawn:
		return r.spawn(req)
	case ipc.CmdRead:
		return r.read(req)
	case ipc.CmdWrite:
		return r.write(req)
	case ipc.CmdResize:
		return r.resize(req)
	case ipc.CmdStatus:
		return r.status(req)
	case ipc.CmdClose:
		return r.closeSession(req)
	default:
		return ipc.ControlResponse{ExitCode: 1, Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func (r *sessionRegistry) spawn(req ipc.ControlRequest) ipc.ControlResponse {
	opts, err := config.ToOptions(r.watcher.Current())
	if err != nil {
		return ipc.ControlResponse{ExitCode: 1, Error: fmt.Sprintf("resolve options: %v", err)}
	}
	if req.Cols > 0 {
		opts.Cols = req.Cols
	}
	if req.Rows > 0 {
		opts.Rows = req.Rows
	}

	session, err := ptysession.New(opts)
	if err != nil {
		return ipc.ControlResponse{ExitCode: 1, Error: fmt.Sprintf("create session: %v", err)}
	}

	env := envSliceFromMap(req.Env)
	if err := session.Spawn(req.AppName, req.CmdLine, req.Cwd, env); err != nil {
		session.Close()
		return ipc.ControlResponse{ExitCode: 1, Error: fmt.Sprintf("spawn: %v", err)}
	}

	id := session.ID().String()
	r.mu.Lock()
	r.sessions[id] = session
	r.mu.Unlock()

	r.history.RecordSpawn(id, opts.Backend.String(), req.CmdLine, session.Pid(), time.Now())

	return ipc.ControlResponse{SessionID: id, Alive: true}
}

func (r *sessionRegistry) read(req ipc.ControlRequest) ipc.ControlResponse {
	session, ok := r.lookup(req.SessionID)
	if !ok {
		return unknownSessionResponse(req.SessionID)
	}

	data, err := session.Read(req.Blocking)
	if err != nil {
		if errors.Is(err, ptysession.ErrEOF) {
			return ipc.ControlResponse{SessionID: req.SessionID, Data: data, EOF: true}
		}
		return ipc.ControlResponse{ExitCode: 1, SessionID: req.SessionID, Error: err.Error()}
	}
	return ipc.ControlResponse{SessionID: req.SessionID, Data: data}
}

func (r *sessionRegistry) write(req ipc.ControlRequest) ipc.ControlResponse {
	session, ok := r.lookup(req.SessionID)
	if !ok {
		return unknownSessionResponse(req.SessionID)
	}
	n, err := session.Write(req.Data)
	if err != nil {
		return ipc.ControlResponse{ExitCode: 1, SessionID: req.SessionID, Error: err.Error()}
	}
	return ipc.ControlResponse{SessionID: req.SessionID, Data: []byte(fmt.Sprintf("%d", n))}
}

func (r *sessionRegistry) resize(req ipc.ControlRequest) ipc.ControlResponse {
	session, ok := r.lookup(req.SessionID)
	if !ok {
		return unknownSessionResponse(req.SessionID)
	}
	if err := session.SetSize(req.Cols, req.Rows); err != nil {
		return ipc.ControlResponse{ExitCode: 1, SessionID: req.SessionID, Error: err.Error()}
	}
	return ipc.ControlResponse{SessionID: req.SessionID, Alive: true}
}

func (r *sessionRegistry) status(req ipc.ControlRequest) ipc.ControlResponse {
	session, ok := r.lookup(req.SessionID)
	if !ok {
		return unknownSessionResponse(req.SessionID)
	}
	alive, err := session.IsAlive()
	if err != nil {
		return ipc.ControlResponse{ExitCode: 1, SessionID: req.SessionID, Error: err.Error()}
	}
	return ipc.ControlResponse{SessionID: req.SessionID, Alive: alive, EOF: session.IsEOF()}
}

func (r *sessionRegistry) closeSession(req ipc.ControlRequest) ipc.ControlResponse {
	r.mu.Lock()
	session, ok := r.sessions[req.SessionID]
	if ok {
		delete(r.sessions, req.SessionID)
	}
	r.mu.Unlock()
	if !ok {
		return unknownSessionResponse(req.SessionID)
	}

	exitCode, ok, _ := session.ExitStatus()
	closeErr := session.Close()
	r.history.RecordExit(req.SessionID, time.Now(), exitCode, ok)
	if closeErr != nil {
		return ipc.ControlResponse{ExitCode: 1, SessionID: req.SessionID, Error: closeErr.Error()}
	}
	return ipc.ControlResponse{SessionID: req.SessionID}
}

func (r *sessionRegistry) lookup(id string) (*ptysession.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	return session, ok
}

// spawnBridgeSession is the wsbridge.SessionFactory for the optional
// WebSocket remote-attach surface: every accepted connection gets its own
// Session, spawned with the current config defaults and the host's shell.
func (r *sessionRegistry) spawnBridgeSession() (*ptysession.Session, error) {
	opts, err := config.ToOptions(r.watcher.Current())
	if err != nil {
		return nil, fmt.Errorf("resolve options: %w", err)
	}

	session, err := ptysession.New(opts)
	if err != nil {
		return nil, err
	}

	shell := os.Getenv("COMSPEC")
	if shell == "" {
		shell = "cmd.exe"
	}
	if err := session.Spawn(shell, "", "", nil); err != nil {
		session.Close()
		return nil, err
	}

	id := session.ID().String()
	r.history.RecordSpawn(id, opts.Backend.String(), shell, session.Pid(), time.Now())
	return session, nil
}

func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	sessions := make(map[string]*ptysession.Session, len(r.sessions))
	for id, session := range r.sessions {
		sessions[id] = session
	}
	r.sessions = map[string]*ptysession.Session{}
	r.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(sessions))
	for id, session := range sessions {
		go func(id string, session *ptysession.Session) {
			defer wg.Done()
			exitCode, ok, _ := session.ExitStatus()
			if err := session.Close(); err != nil {
				slog.Warn("[ptyhostd] session close failed during shutdown", "session_id", id, "error", err)
			}
			r.history.RecordExit(id, time.Now(), exitCode, ok)
		}(id, session)
	}
	waitWithTimeout(wg.Wait, shutdownWaitTimeout)
}

func waitWithTimeout(wait func(), timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func envSliceFromMap(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func unknownSessionResponse(id string) ipc.ControlResponse {
	return ipc.ControlResponse{ExitCode: 1, SessionID: id, Error: fmt.Sprintf("unknown session %q", id)}
}
