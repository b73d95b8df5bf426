// Package config loads server configuration from an optional YAML file
// overridden by CES_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// WorkspaceRoot holds one working directory per session.
	WorkspaceRoot string `yaml:"workspace_root"`
	// APIKey enables authentication when non-empty.
	APIKey string `yaml:"api_key"`
	// AllowLoopback lets loopback requests bypass the API key check.
	AllowLoopback bool `yaml:"allow_loopback"`
	// Interpreter is the interpreter command, e.g. "python3".
	Interpreter string `yaml:"interpreter"`
	// CORSOrigins is the allowed-origins list; "*" allows all.
	CORSOrigins []string `yaml:"cors_origins"`

	StartupTimeout time.Duration `yaml:"startup_timeout"`
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	KillGrace      time.Duration `yaml:"kill_grace"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	SweepPeriod    time.Duration `yaml:"sweep_period"`

	// HubBufferCap bounds the retained events per execution stream;
	// HubQueueCap bounds each subscriber's queue.
	HubBufferCap int `yaml:"hub_buffer_cap"`
	HubQueueCap  int `yaml:"hub_queue_cap"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:           ":8000",
		WorkspaceRoot:  "/tmp/ces-workspaces",
		Interpreter:    "python3",
		CORSOrigins:    []string{"*"},
		StartupTimeout: 30 * time.Second,
		ExecTimeout:    300 * time.Second,
		KillGrace:      5 * time.Second,
		IdleTimeout:    0,
		SweepPeriod:    60 * time.Second,
		HubBufferCap:   10000,
		HubQueueCap:    256,
	}
}

// Load builds the configuration: defaults, then the YAML file at path if
// non-empty, then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Addr, "CES_ADDR")
	setString(&c.WorkspaceRoot, "CES_WORKSPACE_ROOT")
	setString(&c.APIKey, "CES_API_KEY")
	setString(&c.Interpreter, "CES_INTERPRETER")
	setBool(&c.AllowLoopback, "CES_ALLOW_LOOPBACK")
	setDuration(&c.StartupTimeout, "CES_STARTUP_TIMEOUT")
	setDuration(&c.ExecTimeout, "CES_EXEC_TIMEOUT")
	setDuration(&c.KillGrace, "CES_KILL_GRACE")
	setDuration(&c.IdleTimeout, "CES_IDLE_TIMEOUT")
	setDuration(&c.SweepPeriod, "CES_SWEEP_PERIOD")
	setInt(&c.HubBufferCap, "CES_HUB_BUFFER_CAP")
	setInt(&c.HubQueueCap, "CES_HUB_QUEUE_CAP")
	if v := os.Getenv("CES_CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		c.CORSOrigins = parts
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
