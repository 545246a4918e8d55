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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/AleutianAI/lintbridge/services/engine"
	"github.com/AleutianAI/lintbridge/services/engine/finding"
)

// =============================================================================
// FAKE ENGINE
// =============================================================================

const (
	helperEnv     = "LINTBRIDGE_HELPER_ENGINE"
	helperModeEnv = "LINTBRIDGE_HELPER_MODE"
)

// TestHelperEngine is not a real test. Sessions in this file run the test
// binary with helperEnv set, and it then acts as "<engine> lsp --port N".
//
// Modes:
//   - normal: answers initialize and publishes after didOpen/didChange,
//     preceded by an unparsable body and an invalid diagnostic.
//   - slow-listen: normal, but binds its port late.
//   - crash-after-open: exits with status 7 on didOpen.
//   - close-after-open: drops the connection on didOpen and stays alive.
//   - exit-immediately: exits with status 3 before listening.
func TestHelperEngine(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	mode := os.Getenv(helperModeEnv)

	port := ""
	for i, arg := range os.Args {
		if arg == "--port" && i+1 < len(os.Args) {
			port = os.Args[i+1]
		}
	}
	if port == "" {
		os.Exit(2)
	}

	switch mode {
	case "exit-immediately":
		os.Exit(3)
	case "slow-listen":
		time.Sleep(300 * time.Millisecond)
	}

	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		os.Exit(4)
	}
	conn, err := l.Accept()
	_ = l.Close()
	if err != nil {
		os.Exit(5)
	}
	serveFakeEngine(conn, mode)
	os.Exit(0)
}

func serveFakeEngine(conn net.Conn, mode string) {
	p := NewProtocol(conn, conn)
	for {
		msg, err := p.readMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}

		switch env.Method {
		case MethodInitialize:
			_ = p.writeMessage(reply{
				JSONRPC: JSONRPCVersion,
				ID:      env.ID,
				Result:  json.RawMessage(`{"capabilities":{"textDocumentSync":1},"serverInfo":{"name":"whalelint","version":"0.0.8"}}`),
			})

		case MethodDidOpen, MethodDidChange:
			switch mode {
			case "crash-after-open":
				os.Exit(7)
			case "close-after-open":
				_ = conn.Close()
				time.Sleep(time.Minute)
				return
			}
			var params struct {
				TextDocument VersionedTextDocumentIdentifier `json:"textDocument"`
			}
			_ = json.Unmarshal(env.Params, &params)
			publishFake(conn, p, params.TextDocument.URI, params.TextDocument.Version)

		case MethodShutdown:
			_ = p.writeMessage(reply{JSONRPC: JSONRPCVersion, ID: env.ID, Result: json.RawMessage("null")})

		case MethodExit:
			_ = conn.Close()
			os.Exit(0)
		}
	}
}

func publishFake(conn net.Conn, p *Protocol, uri string, version int) {
	garbage := `{"jsonrpc":"2.0","method":`
	_, _ = fmt.Fprintf(conn, "Content-Length: %d\r\n\r\n%s", len(garbage), garbage)

	_ = p.writeMessage(Notification{
		JSONRPC: JSONRPCVersion,
		Method:  MethodPublishDiagnostics,
		Params: PublishDiagnosticsParams{
			URI:         uri,
			Diagnostics: []Diagnostic{{Message: "no code"}},
		},
	})

	_ = p.writeMessage(Notification{
		JSONRPC: JSONRPCVersion,
		Method:  MethodPublishDiagnostics,
		Params: PublishDiagnosticsParams{
			URI:     uri,
			Version: &version,
			Diagnostics: []Diagnostic{{
				Range: Range{
					Start: Position{Line: 2, Character: 2},
					End:   Position{Line: 2, Character: 10},
				},
				Severity: 2,
				Code:     json.RawMessage(`"STL001"`),
				Source:   "WhaleLint",
				Message:  "Stage name should be lowercase",
			}},
		},
	})
}

// =============================================================================
// HELPERS
// =============================================================================

type published struct {
	uri     string
	version *int
	issues  []*finding.Issue
}

type recorder struct {
	mu       sync.Mutex
	states   []State
	failures []error
	diags    chan published
}

func newRecorder() *recorder {
	return &recorder{diags: make(chan published, 8)}
}

func (r *recorder) options() []Option {
	return []Option{
		WithStateObserver(func(from, to State) {
			r.mu.Lock()
			r.states = append(r.states, to)
			r.mu.Unlock()
		}),
		WithFailureHandler(func(err error) {
			r.mu.Lock()
			r.failures = append(r.failures, err)
			r.mu.Unlock()
		}),
		WithDiagnosticsHandler(func(uri string, version *int, issues []*finding.Issue) {
			r.diags <- published{uri: uri, version: version, issues: issues}
		}),
	}
}

func (r *recorder) seen(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st == s {
			return true
		}
	}
	return false
}

func (r *recorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func helperConfig(t *testing.T, mode string) Config {
	t.Helper()
	port := freePort(t)
	cfg := DefaultConfig(os.Args[0])
	cfg.ExtraArgs = []string{"-test.run=^TestHelperEngine$", "--"}
	cfg.Env = append(os.Environ(), helperEnv+"=1", helperModeEnv+"="+mode)
	cfg.Ports = PortPicker{Host: "127.0.0.1", Preferred: port, RangeStart: 20000, RangeEnd: 60000}
	cfg.Ready = ReadyConfig{
		Timeout:        10 * time.Second,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}
	cfg.RequestTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func terminate(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Terminate(ctx); err != nil {
		t.Errorf("Terminate: %v", err)
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:            "idle",
		StatePortNegotiating: "port_negotiating",
		StateConnected:       "connected",
		StateFailed:          "failed",
		State(99):            "unknown",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", st, got, want)
		}
	}
}

func TestSession_Lifecycle(t *testing.T) {
	rec := newRecorder()
	s := NewSession(helperConfig(t, "slow-listen"), rec.options()...)

	invalidJSON := testutil.ToFloat64(droppedMessages.WithLabelValues("invalid_json"))
	invalidDiag := testutil.ToFloat64(droppedMessages.WithLabelValues("invalid_diagnostic"))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("state = %s, want connected", s.State())
	}

	info := s.Info()
	if info.Engine != "whalelint" || info.EngineVersion != "0.0.8" {
		t.Errorf("Info() engine = %q %q", info.Engine, info.EngineVersion)
	}
	if info.Port == 0 || info.PID == 0 || info.ID == "" {
		t.Errorf("Info() = %+v", info)
	}

	uri := "file:///work/Dockerfile"
	if err := s.DidOpen(uri, 1, "FROM golang:1.22 AS Build\n"); err != nil {
		t.Fatalf("DidOpen: %v", err)
	}

	select {
	case got := <-rec.diags:
		if got.uri != uri {
			t.Errorf("uri = %q", got.uri)
		}
		if got.version == nil || *got.version != 1 {
			t.Errorf("version = %v, want 1", got.version)
		}
		if len(got.issues) != 1 {
			t.Fatalf("issues = %d, want 1", len(got.issues))
		}
		is := got.issues[0]
		if is.RuleID() != "STL001" || is.Location.Start.LineNumber != 3 || is.Location.End.CharNumber != 10 {
			t.Errorf("issue = %+v rule %s", is.Location, is.RuleID())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no diagnostics published")
	}

	// The bad messages before the good one were dropped, not fatal.
	if s.State() != StateConnected {
		t.Errorf("state = %s after malformed messages, want connected", s.State())
	}
	if d := testutil.ToFloat64(droppedMessages.WithLabelValues("invalid_json")) - invalidJSON; d < 1 {
		t.Errorf("invalid_json drops = %v, want >= 1", d)
	}
	if d := testutil.ToFloat64(droppedMessages.WithLabelValues("invalid_diagnostic")) - invalidDiag; d < 1 {
		t.Errorf("invalid_diagnostic drops = %v, want >= 1", d)
	}

	if err := s.DidSave(uri, "FROM golang:1.22 AS Build\n"); err != nil {
		t.Errorf("DidSave: %v", err)
	}
	if err := s.DidClose(uri); err != nil {
		t.Errorf("DidClose: %v", err)
	}

	terminate(t, s)
	if s.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", s.State())
	}
	select {
	case <-s.Exited():
	default:
		t.Error("engine still running after Terminate")
	}

	if err := s.DidChange(uri, 2, ""); !errors.Is(err, ErrNotConnected) {
		t.Errorf("DidChange after Terminate = %v, want ErrNotConnected", err)
	}
	terminate(t, s)

	for _, want := range []State{StatePortNegotiating, StateSpawning, StateAwaitingReady, StateConnected, StateTerminated} {
		if !rec.seen(want) {
			t.Errorf("state %s never observed", want)
		}
	}
	if n := rec.failureCount(); n != 0 {
		t.Errorf("failures = %d, want 0", n)
	}
}

func TestSession_EngineCrash(t *testing.T) {
	rec := newRecorder()
	s := NewSession(helperConfig(t, "crash-after-open"), rec.options()...)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = s.DidOpen("file:///work/Dockerfile", 1, "FROM scratch\n")

	waitState(t, s, StateCrashed)
	if n := rec.failureCount(); n != 1 {
		t.Errorf("failures = %d, want exactly 1", n)
	}
	if !engine.IsFatal(s.Err()) {
		t.Errorf("Err() = %v, want a fatal error", s.Err())
	}

	// No restart happens on its own.
	time.Sleep(100 * time.Millisecond)
	if s.State() != StateCrashed {
		t.Errorf("state = %s, want crashed", s.State())
	}

	terminate(t, s)
	if s.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", s.State())
	}
}

func TestSession_ConnectionLost(t *testing.T) {
	rec := newRecorder()
	s := NewSession(helperConfig(t, "close-after-open"), rec.options()...)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = s.DidOpen("file:///work/Dockerfile", 1, "FROM scratch\n")

	waitState(t, s, StateDegraded)
	if !errors.Is(s.Err(), engine.ErrTransport) {
		t.Errorf("Err() = %v, want ErrTransport", s.Err())
	}
	if err := s.DidChange("file:///work/Dockerfile", 2, ""); !errors.Is(err, ErrNotConnected) {
		t.Errorf("DidChange on degraded session = %v, want ErrNotConnected", err)
	}

	// The engine is still alive; Terminate must kill it.
	terminate(t, s)
	select {
	case <-s.Exited():
	default:
		t.Error("engine still running after Terminate")
	}
	if s.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", s.State())
	}
}

func TestSession_StartFailures(t *testing.T) {
	t.Run("port exhaustion never reaches connected", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		defer l.Close()
		busy := l.Addr().(*net.TCPAddr).Port

		cfg := helperConfig(t, "normal")
		cfg.Ports = PortPicker{Host: "127.0.0.1", Preferred: busy, RangeStart: busy, RangeEnd: busy}

		rec := newRecorder()
		s := NewSession(cfg, rec.options()...)

		err = s.Start(context.Background())
		if !errors.Is(err, ErrPortExhausted) {
			t.Fatalf("Start() = %v, want ErrPortExhausted", err)
		}
		if !errors.Is(err, engine.ErrConfiguration) {
			t.Errorf("Start() = %v, want ErrConfiguration", err)
		}
		if s.State() != StateFailed {
			t.Errorf("state = %s, want failed", s.State())
		}
		if rec.seen(StateConnected) || rec.seen(StateSpawning) {
			t.Error("session progressed past port negotiation")
		}
		if s.PID() != 0 {
			t.Errorf("PID() = %d, want no process", s.PID())
		}
		if n := rec.failureCount(); n != 1 {
			t.Errorf("failures = %d, want 1", n)
		}
	})

	t.Run("missing binary is a configuration error", func(t *testing.T) {
		cfg := helperConfig(t, "normal")
		cfg.Executable = "/nonexistent/whalelint"
		s := NewSession(cfg)

		err := s.Start(context.Background())
		if !errors.Is(err, ErrSpawnFailed) || !errors.Is(err, engine.ErrConfiguration) {
			t.Errorf("Start() = %v, want ErrSpawnFailed", err)
		}
		if s.State() != StateFailed {
			t.Errorf("state = %s, want failed", s.State())
		}
	})

	t.Run("engine exiting before listening", func(t *testing.T) {
		s := NewSession(helperConfig(t, "exit-immediately"))

		err := s.Start(context.Background())
		if !errors.Is(err, ErrEngineExited) || !errors.Is(err, engine.ErrProcessExit) {
			t.Errorf("Start() = %v, want ErrEngineExited", err)
		}
		if s.State() != StateFailed {
			t.Errorf("state = %s, want failed", s.State())
		}
	})

	t.Run("second Start is rejected", func(t *testing.T) {
		cfg := helperConfig(t, "normal")
		cfg.Executable = "/nonexistent/whalelint"
		s := NewSession(cfg)
		_ = s.Start(context.Background())

		if err := s.Start(context.Background()); !errors.Is(err, ErrSessionStarted) {
			t.Errorf("second Start() = %v, want ErrSessionStarted", err)
		}
	})

	t.Run("nil context", func(t *testing.T) {
		s := NewSession(DefaultConfig("whalelint"))
		if err := s.Start(nil); err == nil { //nolint:staticcheck
			t.Error("expected error for nil context")
		}
	})
}

func TestSession_TerminateIdle(t *testing.T) {
	s := NewSession(DefaultConfig("whalelint"))
	terminate(t, s)
	if s.State() != StateIdle {
		t.Errorf("state = %s, want idle", s.State())
	}
	if err := s.DidOpen("file:///x", 1, ""); !errors.Is(err, ErrNotConnected) {
		t.Errorf("DidOpen on idle session = %v, want ErrNotConnected", err)
	}
}

func TestStderrLogger(t *testing.T) {
	l := &stderrLogger{sessionID: "s"}
	n, err := l.Write([]byte("partial"))
	if err != nil || n != 7 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	_, _ = l.Write([]byte(" line\r\nnext"))
	if got := l.buf.String(); got != "next" {
		t.Errorf("buffered = %q, want %q", got, "next")
	}
}
