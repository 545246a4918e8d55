// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/lintbridge/services/engine"
	"github.com/AleutianAI/lintbridge/services/engine/finding"
)

// =============================================================================
// STATE
// =============================================================================

// State is the lifecycle state of an engine session.
type State int32

const (
	// StateIdle is the state before Start.
	StateIdle State = iota

	// StatePortNegotiating means a free port is being chosen.
	StatePortNegotiating

	// StateSpawning means the engine process is being launched.
	StateSpawning

	// StateAwaitingReady means the session is dialing the engine and
	// running the initialize handshake.
	StateAwaitingReady

	// StateConnected means the channel is usable.
	StateConnected

	// StateDegraded means the channel failed while the engine may still be
	// running. Requires Terminate and a new session to recover.
	StateDegraded

	// StateCrashed means the engine process exited on its own.
	StateCrashed

	// StateTerminated means Terminate completed.
	StateTerminated

	// StateFailed means Start failed. Nothing is left running.
	StateFailed
)

func (s State) String() string {
	names := []string{
		"idle", "port_negotiating", "spawning", "awaiting_ready",
		"connected", "degraded", "crashed", "terminated", "failed",
	}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures a Session.
type Config struct {
	// Executable is the resolved engine binary. Required.
	Executable string

	// ExtraArgs are placed before "lsp --port N".
	ExtraArgs []string

	// Env is the engine environment. Nil inherits ours.
	Env []string

	// Dir is the engine working directory.
	Dir string

	// Ports chooses the listening port.
	Ports PortPicker

	// Ready controls the post-spawn connect loop.
	Ready ReadyConfig

	// RequestTimeout bounds each request and write.
	// Default: 10s
	RequestTimeout time.Duration

	// ShutdownTimeout bounds each graceful step of Terminate before the
	// engine is killed.
	// Default: 5s
	ShutdownTimeout time.Duration

	// RootURI is sent in initialize. Empty sends null.
	RootURI string

	// ClientName and ClientVersion are sent in initialize.
	ClientName    string
	ClientVersion string
}

// DefaultConfig returns a Config for executable with default timeouts.
func DefaultConfig(executable string) Config {
	return Config{
		Executable:      executable,
		Ports:           DefaultPortPicker(),
		Ready:           DefaultReadyConfig(),
		RequestTimeout:  10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		ClientName:      "lintbridge",
	}
}

// StateObserver is told about every state change.
type StateObserver func(from, to State)

// DiagnosticsHandler receives converted diagnostics for one document. The
// issues replace any previous set for uri. Called on the read goroutine.
type DiagnosticsHandler func(uri string, version *int, issues []*finding.Issue)

// FailureHandler receives the first fatal error of the session.
type FailureHandler func(err error)

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the TCP dialer.
func WithDialer(d DialFunc) Option {
	return func(s *Session) { s.dial = d }
}

// WithStateObserver installs a state change callback.
func WithStateObserver(fn StateObserver) Option {
	return func(s *Session) { s.onState = fn }
}

// WithDiagnosticsHandler installs the diagnostics callback.
func WithDiagnosticsHandler(fn DiagnosticsHandler) Option {
	return func(s *Session) { s.onDiag = fn }
}

// WithFailureHandler installs the failure callback.
func WithFailureHandler(fn FailureHandler) Option {
	return func(s *Session) { s.onFail = fn }
}

// =============================================================================
// SESSION
// =============================================================================

// Session owns one engine process running in server mode and the socket
// connected to it.
//
// Description:
//
//	Start negotiates a port, spawns "<engine> lsp --port N", dials with
//	backoff until the engine accepts, and runs the initialize handshake.
//	A transport failure moves the session to Degraded and an engine exit
//	moves it to Crashed. Neither is retried: the owner must Terminate and
//	create a new Session.
//
// Thread Safety:
//
//	Safe for concurrent use. Start and Terminate serialize with each other.
type Session struct {
	cfg     Config
	id      string
	dial    DialFunc
	onState StateObserver
	onDiag  DiagnosticsHandler
	onFail  FailureHandler

	lifeMu      sync.Mutex
	started     atomic.Bool
	terminating atomic.Bool
	failOnce    sync.Once

	mu       sync.RWMutex
	state    State
	port     int
	err      error
	exitErr  error
	server   *ServerInfo
	cmd      *exec.Cmd
	conn     net.Conn
	protocol *Protocol
	readDone chan struct{}
	exited   chan struct{}
}

// NewSession creates an idle session.
func NewSession(cfg Config, opts ...Option) *Session {
	def := DefaultConfig(cfg.Executable)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = def.ClientName
	}
	if cfg.Ports.RangeStart == 0 && cfg.Ports.RangeEnd == 0 && cfg.Ports.Preferred == 0 {
		cfg.Ports = def.Ports
	}

	var d net.Dialer
	s := &Session{
		cfg:    cfg,
		id:     uuid.NewString(),
		dial:   d.DialContext,
		state:  StateIdle,
		exited: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start brings the session from Idle to Connected.
//
// Inputs:
//
//	ctx - Bounds port negotiation, readiness and the handshake.
//
// Outputs:
//
//	error - ErrSessionStarted on a second call. Otherwise a failure that
//	        wraps ErrPortExhausted, ErrSpawnFailed, ErrReadyTimeout,
//	        ErrEngineExited or ErrInitializeFailed. On failure the session
//	        is Failed and nothing is left running.
func (s *Session) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrSessionStarted
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	ctx, span := startSessionSpan(ctx, "Session.Start", s.id)
	defer span.End()

	s.transition(StatePortNegotiating)
	port, err := s.cfg.Ports.Pick(ctx)
	if err != nil {
		return s.startFailed(err)
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	s.transition(StateSpawning)
	if err := s.spawn(port); err != nil {
		return s.startFailed(err)
	}

	s.transition(StateAwaitingReady)
	host := s.cfg.Ports.Host
	if host == "" {
		host = DefaultHost
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	res, err := waitReady(ctx, s.cfg.Ready, s.dial, addr, s.exited)
	if err != nil {
		if errors.Is(err, ErrEngineExited) {
			err = s.exitError()
		}
		s.release(0)
		return s.startFailed(err)
	}

	slog.Debug("Engine accepted connection",
		slog.String("session_id", s.id),
		slog.Int("attempts", res.attempts),
		slog.Duration("waited", res.waited),
	)

	p := NewProtocol(res.conn, deadlineWriter{conn: res.conn, timeout: s.cfg.RequestTimeout})
	p.OnNotification(s.handleNotification)
	p.OnDrop(s.handleDrop)
	readDone := make(chan struct{})

	s.mu.Lock()
	s.conn = res.conn
	s.protocol = p
	s.readDone = readDone
	s.mu.Unlock()

	go s.readLoop(p, readDone)

	info, err := s.initialize(ctx, p)
	if err != nil {
		s.release(0)
		return s.startFailed(fmt.Errorf("%w: %v", ErrInitializeFailed, err))
	}

	s.mu.Lock()
	s.server = info
	s.mu.Unlock()

	if !s.transitionFrom(StateConnected, StateAwaitingReady) {
		// The engine died between the handshake and here.
		s.release(0)
		return s.startFailed(s.exitError())
	}

	attrs := []any{
		slog.String("session_id", s.id),
		slog.Int("port", port),
		slog.Int("pid", s.PID()),
	}
	if info != nil {
		attrs = append(attrs, slog.String("engine", info.Name), slog.String("engine_version", info.Version))
	}
	slog.Info("Engine session connected", attrs...)
	return nil
}

func (s *Session) spawn(port int) error {
	if s.cfg.Executable == "" {
		return fmt.Errorf("%w: no executable configured", ErrSpawnFailed)
	}

	args := make([]string, 0, len(s.cfg.ExtraArgs)+3)
	args = append(args, s.cfg.ExtraArgs...)
	args = append(args, "lsp", "--port", strconv.Itoa(port))

	cmd := exec.Command(s.cfg.Executable, args...)
	cmd.Env = s.cfg.Env
	cmd.Dir = s.cfg.Dir
	cmd.Stderr = &stderrLogger{sessionID: s.id}
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawnFailed, s.cfg.Executable, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	slog.Info("Engine spawned",
		slog.String("session_id", s.id),
		slog.String("executable", s.cfg.Executable),
		slog.Int("port", port),
		slog.Int("pid", cmd.Process.Pid),
	)

	go s.waitProcess(cmd)
	return nil
}

// waitProcess reaps the engine and reacts to unexpected exits.
func (s *Session) waitProcess(cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	s.exitErr = err
	p := s.protocol
	s.mu.Unlock()
	close(s.exited)

	if s.terminating.Load() {
		return
	}

	if s.transitionFrom(StateCrashed, StateConnected, StateDegraded) {
		exitErr := s.exitError()
		slog.Error("Engine exited unexpectedly",
			slog.String("session_id", s.id),
			slog.String("error", exitErr.Error()),
		)
		if p != nil {
			p.Close()
		}
		s.reportFailure(exitErr)
	}
}

func (s *Session) exitError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.exitErr != nil {
		return fmt.Errorf("%w: %v", ErrEngineExited, s.exitErr)
	}
	return ErrEngineExited
}

func (s *Session) initialize(ctx context.Context, p *Protocol) (*ServerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	var root *string
	if s.cfg.RootURI != "" {
		root = &s.cfg.RootURI
	}
	params := InitializeParams{
		ProcessID:  os.Getpid(),
		ClientInfo: &ClientInfo{Name: s.cfg.ClientName, Version: s.cfg.ClientVersion},
		RootURI:    root,
		Capabilities: ClientCapabilities{
			TextDocument: TextDocumentClientCapabilities{
				Synchronization:    &SynchronizationCapabilities{DidSave: true},
				PublishDiagnostics: &PublishDiagnosticsCapabilities{VersionSupport: true},
			},
		},
	}

	resp, err := p.SendRequest(ctx, MethodInitialize, params)
	if err != nil {
		return nil, fmt.Errorf("initialize request: %w", err)
	}

	var result InitializeResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("parse initialize result: %w", err)
		}
	}

	if err := p.SendNotification(MethodInitialized, struct{}{}); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return result.ServerInfo, nil
}

// =============================================================================
// READ SIDE
// =============================================================================

func (s *Session) readLoop(p *Protocol, done chan struct{}) {
	defer close(done)

	err := p.ReadLoop(context.Background())
	if s.terminating.Load() {
		return
	}
	p.Close()
	if err == nil {
		return
	}

	select {
	case <-s.exited:
		if s.transitionFrom(StateCrashed, StateConnected) {
			s.reportFailure(s.exitError())
		}
		return
	default:
	}

	if s.transitionFrom(StateDegraded, StateConnected) {
		slog.Error("Engine connection lost",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()),
		)
		s.reportFailure(err)
	}
}

func (s *Session) handleNotification(method string, params json.RawMessage) {
	switch method {
	case MethodPublishDiagnostics:
		var pd PublishDiagnosticsParams
		if err := json.Unmarshal(params, &pd); err != nil {
			s.handleDrop("invalid_params", err)
			return
		}
		if pd.URI == "" {
			s.handleDrop("invalid_params", fmt.Errorf("publishDiagnostics without uri"))
			return
		}
		issues, err := ConvertDiagnostics(pd.Diagnostics)
		if err != nil {
			s.handleDrop("invalid_diagnostic", err)
			return
		}
		recordPublish(len(issues))
		if s.onDiag != nil {
			s.onDiag(pd.URI, pd.Version, issues)
		}

	case MethodLogMessage, MethodShowMessage:
		var lm LogMessageParams
		if err := json.Unmarshal(params, &lm); err != nil {
			s.handleDrop("invalid_params", err)
			return
		}
		slog.Log(context.Background(), logLevel(lm.Type), "Engine message",
			slog.String("session_id", s.id),
			slog.String("message", lm.Message),
		)

	default:
		slog.Debug("Ignoring engine notification",
			slog.String("session_id", s.id),
			slog.String("method", method),
		)
	}
}

func (s *Session) handleDrop(reason string, err error) {
	recordDrop(reason)
	attrs := []any{
		slog.String("session_id", s.id),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	slog.Warn("Dropped engine message", attrs...)
}

// logLevel maps window/logMessage types to slog levels.
func logLevel(t int) slog.Level {
	switch t {
	case 1:
		return slog.LevelError
	case 2:
		return slog.LevelWarn
	case 3:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// =============================================================================
// DOCUMENT SYNC
// =============================================================================

// DidOpen sends the full text of a newly opened document.
func (s *Session) DidOpen(uri string, version int, text string) error {
	return s.notify(MethodDidOpen, DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: "dockerfile",
			Version:    version,
			Text:       text,
		},
	})
}

// DidChange sends the full new text of a document.
func (s *Session) DidChange(uri string, version int, text string) error {
	return s.notify(MethodDidChange, DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{URI: uri, Version: version},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: text}},
	})
}

// DidSave tells the engine a document was saved.
func (s *Session) DidSave(uri string, text string) error {
	return s.notify(MethodDidSave, DidSaveTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Text:         &text,
	})
}

// DidClose tells the engine a document was closed.
func (s *Session) DidClose(uri string) error {
	return s.notify(MethodDidClose, DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// notify sends a notification on a connected session. A write failure
// degrades the session.
func (s *Session) notify(method string, params interface{}) error {
	s.mu.RLock()
	st, p, conn := s.state, s.protocol, s.conn
	s.mu.RUnlock()

	if st != StateConnected || p == nil {
		return fmt.Errorf("%w: state %s", ErrNotConnected, st)
	}

	err := p.SendNotification(method, params)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotConnected) {
		return err
	}

	werr := fmt.Errorf("%w: %s: %v", engine.ErrTransport, method, err)
	if s.transitionFrom(StateDegraded, StateConnected) {
		slog.Error("Engine write failed",
			slog.String("session_id", s.id),
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		p.Close()
		_ = conn.Close()
		s.reportFailure(werr)
	}
	return werr
}

// =============================================================================
// TERMINATION
// =============================================================================

// Terminate stops the session.
//
// Description:
//
//	Sends shutdown and exit, closes the write side of the socket, and waits
//	for the read goroutine to drain so in-flight publishes are delivered.
//	Only then is the socket closed and the engine process waited on. An
//	engine still running after ShutdownTimeout is killed.
//
//	Terminate on an Idle or Failed session does nothing. Calling it again
//	after it returned is a no-op.
//
// Outputs:
//
//	error - Always nil today; reserved for shutdown failures.
func (s *Session) Terminate(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	switch s.State() {
	case StateIdle, StateFailed, StateTerminated:
		return nil
	}

	_, span := startSessionSpan(ctx, "Session.Terminate", s.id)
	defer span.End()

	s.terminating.Store(true)

	s.mu.RLock()
	p, conn, readDone := s.protocol, s.conn, s.readDone
	s.mu.RUnlock()

	var grace time.Duration
	if p != nil && !p.Closed() {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		if _, err := p.SendRequest(shutdownCtx, MethodShutdown, nil); err != nil {
			slog.Debug("Engine shutdown request failed",
				slog.String("session_id", s.id),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		if err := p.SendNotification(MethodExit, nil); err == nil {
			grace = s.cfg.ShutdownTimeout
		}
	}

	if conn != nil {
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		if readDone != nil {
			select {
			case <-readDone:
			case <-time.After(s.cfg.ShutdownTimeout):
				slog.Warn("Engine did not close connection in time",
					slog.String("session_id", s.id),
				)
			}
		}
	}

	s.release(grace)
	s.transition(StateTerminated)

	slog.Info("Engine session terminated", slog.String("session_id", s.id))
	return nil
}

// release closes the channel and then stops the process. The engine gets
// grace to exit on its own before it is killed.
func (s *Session) release(grace time.Duration) {
	s.terminating.Store(true)

	s.mu.RLock()
	p, conn, readDone, cmd := s.protocol, s.conn, s.readDone, s.cmd
	s.mu.RUnlock()

	if p != nil {
		p.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if readDone != nil {
		<-readDone
	}

	if cmd == nil {
		return
	}

	if grace > 0 {
		select {
		case <-s.exited:
			return
		case <-time.After(grace):
		}
	}

	select {
	case <-s.exited:
		return
	default:
	}
	if err := killProcess(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("Failed to kill engine",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()),
		)
	}
	<-s.exited
}

// =============================================================================
// STATE HELPERS
// =============================================================================

func (s *Session) transition(to State) {
	s.transitionFrom(to)
}

// transitionFrom moves to `to` if the current state is one of from (or from
// is empty). Reports whether a change happened.
func (s *Session) transitionFrom(to State, from ...State) bool {
	s.mu.Lock()
	cur := s.state
	if (len(from) > 0 && !slices.Contains(from, cur)) || cur == to {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	recordTransition(cur, to)
	slog.Debug("Engine session state changed",
		slog.String("session_id", s.id),
		slog.String("from", cur.String()),
		slog.String("to", to.String()),
	)
	if s.onState != nil {
		s.onState(cur, to)
	}
	return true
}

func (s *Session) startFailed(err error) error {
	s.terminating.Store(true)
	s.transition(StateFailed)
	slog.Error("Engine session failed to start",
		slog.String("session_id", s.id),
		slog.String("kind", engine.Kind(err)),
		slog.String("error", err.Error()),
	)
	s.reportFailure(err)
	return err
}

func (s *Session) reportFailure(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.onFail != nil {
			s.onFail(err)
		}
	})
}

// =============================================================================
// ACCESSORS
// =============================================================================

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Port returns the negotiated port, or 0 before negotiation.
func (s *Session) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// PID returns the engine process ID, or 0 if none was spawned.
func (s *Session) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Err returns the first fatal error, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Exited is closed once the engine process has been reaped.
func (s *Session) Exited() <-chan struct{} { return s.exited }

// Info is a point-in-time view of a session.
type Info struct {
	ID            string `json:"id"`
	State         State  `json:"state"`
	Port          int    `json:"port,omitempty"`
	PID           int    `json:"pid,omitempty"`
	Engine        string `json:"engine,omitempty"`
	EngineVersion string `json:"engine_version,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Info returns a snapshot for status reporting.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		ID:    s.id,
		State: s.state,
		Port:  s.port,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
	}
	if s.server != nil {
		info.Engine = s.server.Name
		info.EngineVersion = s.server.Version
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

// =============================================================================
// I/O HELPERS
// =============================================================================

// deadlineWriter bounds every write so a stalled engine cannot block the
// caller forever.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(b []byte) (int, error) {
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.Write(b)
}

// stderrLogger logs engine stderr line by line.
type stderrLogger struct {
	sessionID string
	buf       bytes.Buffer
}

func (l *stderrLogger) Write(b []byte) (int, error) {
	l.buf.Write(b)
	for {
		data := l.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(data[:i], "\r"))
		l.buf.Next(i + 1)
		if line != "" {
			slog.Debug("Engine stderr",
				slog.String("session_id", l.sessionID),
				slog.String("line", line),
			)
		}
	}
	return len(b), nil
}
