// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads lintbridge settings from YAML, a .env file and
// LINTBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/lintbridge/services/engine"
	"github.com/AleutianAI/lintbridge/services/engine/lsp"
	"github.com/AleutianAI/lintbridge/services/engine/notify"
	"github.com/AleutianAI/lintbridge/services/engine/oneshot"
	"github.com/AleutianAI/lintbridge/services/engine/publish"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LINTBRIDGE_"

// =============================================================================
// TYPES
// =============================================================================

// Config is the full lintbridge configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Session   SessionConfig   `yaml:"session"`
	Publish   PublishConfig   `yaml:"publish"`
	Notify    NotifyConfig    `yaml:"notify"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Status    StatusConfig    `yaml:"status"`
}

// EngineConfig locates the bundled whalelint binary.
type EngineConfig struct {
	ExtensionDir string        `yaml:"extension_dir"`
	Binary       string        `yaml:"binary" validate:"required"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
}

// SessionConfig tunes the long-lived LSP session.
type SessionConfig struct {
	Host            string        `yaml:"host" validate:"required"`
	PreferredPort   int           `yaml:"preferred_port" validate:"min=1,max=65535"`
	PortRangeStart  int           `yaml:"port_range_start" validate:"min=1,max=65535"`
	PortRangeEnd    int           `yaml:"port_range_end" validate:"min=1,max=65535,gtefield=PortRangeStart"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout" validate:"gt=0"`
	InitialBackoff  time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff      time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// PublishConfig controls how diagnostics are labeled.
type PublishConfig struct {
	DocsBaseURL string `yaml:"docs_base_url" validate:"required,url"`
	Source      string `yaml:"source" validate:"required"`
}

// NotifyConfig bounds user-visible error notifications.
type NotifyConfig struct {
	Burst    int           `yaml:"burst" validate:"min=1"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig selects OpenTelemetry exporters.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
}

// StatusConfig configures the status HTTP server.
type StatusConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// Default returns the built-in configuration.
func Default() Config {
	inv := oneshot.DefaultConfig()
	ready := lsp.DefaultReadyConfig()
	notes := notify.DefaultConfig()
	return Config{
		Engine: EngineConfig{
			Binary:  inv.Binary,
			Timeout: inv.Timeout,
		},
		Session: SessionConfig{
			Host:            lsp.DefaultHost,
			PreferredPort:   lsp.DefaultPreferredPort,
			PortRangeStart:  lsp.DefaultPortRangeStart,
			PortRangeEnd:    lsp.DefaultPortRangeEnd,
			ReadyTimeout:    ready.Timeout,
			InitialBackoff:  ready.InitialBackoff,
			MaxBackoff:      ready.MaxBackoff,
			ShutdownTimeout: 5 * time.Second,
		},
		Publish: PublishConfig{
			DocsBaseURL: publish.DefaultDocsBaseURL,
			Source:      publish.DefaultSource,
		},
		Notify: NotifyConfig{
			Burst:    notes.Burst,
			Interval: notes.Interval,
		},
		Log: LogConfig{
			Level: "info",
			Dir:   "~/.lintbridge/logs",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:18890",
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// DefaultPath returns ~/.lintbridge/lintbridge.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".lintbridge", "lintbridge.yaml"), nil
}

// Load reads the configuration.
//
// Description:
//
//	Starts from Default, overlays the YAML file at path (empty means
//	DefaultPath; a missing file keeps the defaults), loads a .env file from
//	the working directory if one exists, applies LINTBRIDGE_* overrides and
//	validates the result.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Wraps engine.ErrConfiguration on any failure.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", engine.ErrConfiguration, err)
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parsing %s: %v", engine.ErrConfiguration, path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("%w: reading %s: %v", engine.ErrConfiguration, path, err)
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup LookupFunc) error {
	if v, ok := lookup(EnvPrefix + "ENGINE_DIR"); ok {
		cfg.Engine.ExtensionDir = v
	}
	if v, ok := lookup(EnvPrefix + "ENGINE_BINARY"); ok {
		cfg.Engine.Binary = v
	}
	if v, ok := lookup(EnvPrefix + "DOCS_BASE_URL"); ok {
		cfg.Publish.DocsBaseURL = v
	}
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvPrefix + "PREFERRED_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sPREFERRED_PORT=%q is not a number", engine.ErrConfiguration, EnvPrefix, v)
		}
		cfg.Session.PreferredPort = port
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", engine.ErrConfiguration, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", engine.ErrConfiguration, err)
	}
	return nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// Invoker returns the one-shot invoker configuration.
func (c Config) Invoker() oneshot.Config {
	inv := oneshot.DefaultConfig()
	inv.ExtensionDir = expandHome(c.Engine.ExtensionDir)
	inv.Binary = c.Engine.Binary
	inv.Timeout = c.Engine.Timeout
	return inv
}

// SessionFor returns the session configuration for the resolved executable.
func (c Config) SessionFor(executable string) lsp.Config {
	sc := lsp.DefaultConfig(executable)
	sc.Ports.Host = c.Session.Host
	sc.Ports.Preferred = c.Session.PreferredPort
	sc.Ports.RangeStart = c.Session.PortRangeStart
	sc.Ports.RangeEnd = c.Session.PortRangeEnd
	sc.Ready.Timeout = c.Session.ReadyTimeout
	sc.Ready.InitialBackoff = c.Session.InitialBackoff
	sc.Ready.MaxBackoff = c.Session.MaxBackoff
	sc.ShutdownTimeout = c.Session.ShutdownTimeout
	return sc
}

// Notifier returns the notifier configuration.
func (c Config) Notifier() notify.Config {
	nc := notify.DefaultConfig()
	nc.Burst = c.Notify.Burst
	nc.Interval = c.Notify.Interval
	return nc
}

// Publisher returns the publisher options.
func (c Config) Publisher() []publish.Option {
	return []publish.Option{
		publish.WithDocsBaseURL(c.Publish.DocsBaseURL),
		publish.WithSource(c.Publish.Source),
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
