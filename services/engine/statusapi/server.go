// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statusapi serves a read-only HTTP view of the engine bridge:
// session state, published diagnostics, recent notifications and metrics,
// plus a websocket stream of diagnostic changes.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/lintbridge/services/engine/lsp"
	"github.com/AleutianAI/lintbridge/services/engine/notify"
	"github.com/AleutianAI/lintbridge/services/engine/publish"
)

// DefaultAddr is the default listen address.
const DefaultAddr = "127.0.0.1:18890"

// SessionSource exposes the current engine session. *workspace.Workspace
// implements it.
type SessionSource interface {
	Session() *lsp.Session
}

// Deps are the components the API reads from.
type Deps struct {
	Sessions      SessionSource
	Store         *publish.Store
	Notifications *notify.Buffer

	// Metrics serves /metrics. Nil uses promhttp.Handler().
	Metrics http.Handler
}

// Config configures the server.
type Config struct {
	Addr    string
	Version string

	// StreamBuffer is the per-client event buffer of the stream endpoint.
	// Default: 64
	StreamBuffer int
}

// Server is the status HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	router *gin.Engine
}

var upgrader = websocket.Upgrader{
	// Local tooling only; the server binds to loopback by default.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewServer builds the router.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}

	s := &Server{cfg: cfg, deps: deps}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("lintbridge-status"))
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))

	v1 := s.router.Group("/v1")
	v1.GET("/session", s.handleSession)
	v1.GET("/diagnostics", s.handleDiagnostics)
	v1.GET("/diagnostics/stream", s.handleStream)
	v1.GET("/notifications", s.handleNotifications)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Status API listening", slog.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}

func (s *Server) handleSession(c *gin.Context) {
	var sess *lsp.Session
	if s.deps.Sessions != nil {
		sess = s.deps.Sessions.Session()
	}
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"state": lsp.StateIdle})
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	if s.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no diagnostics store"})
		return
	}

	uri := c.Query("uri")
	if uri == "" {
		c.JSON(http.StatusOK, gin.H{"uris": s.deps.Store.URIs()})
		return
	}

	diags, ok := s.deps.Store.Get(uri)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no diagnostics for uri", "uri": uri})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uri": uri, "diagnostics": diags})
}

func (s *Server) handleNotifications(c *gin.Context) {
	items := []notify.Notification{}
	if s.deps.Notifications != nil {
		items = s.deps.Notifications.Items()
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items})
}

// handleStream pushes every publish.Event as JSON until the client goes
// away.
func (s *Server) handleStream(c *gin.Context) {
	if s.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no diagnostics store"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Failed to upgrade diagnostics stream", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	events, cancel := s.deps.Store.Subscribe(s.cfg.StreamBuffer)
	defer cancel()

	// Reads only detect the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Debug("Diagnostics stream client connected", slog.String("remote", c.Request.RemoteAddr))

	for {
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := ws.WriteJSON(ev); err != nil {
				slog.Debug("Diagnostics stream write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
