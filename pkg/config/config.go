// Copyright 2026 © The Agora Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the Agora runtime configuration from defaults,
// an optional YAML file, and AGORA_-prefixed environment variables, in
// that order of precedence.
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Bus       BusConfig       `koanf:"bus"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Knowledge KnowledgeConfig `koanf:"knowledge"`
	Worker    WorkerConfig    `koanf:"worker"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Exporter     string `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
	ServiceName  string `koanf:"service_name"`
}

type BusConfig struct {
	Capacity int `koanf:"capacity"`
}

type SchedulerConfig struct {
	MaxRetries             int     `koanf:"max_retries"`
	DispatchTimeoutSeconds int     `koanf:"dispatch_timeout_seconds"`
	TickIntervalMillis     int     `koanf:"tick_interval_millis"`
	StarvationThreshold    int     `koanf:"starvation_threshold"`
	ShutdownGraceSeconds   int     `koanf:"shutdown_grace_seconds"`
	RetryInitialMillis     int     `koanf:"retry_initial_millis"`
	RetryMaxMillis         int     `koanf:"retry_max_millis"`
	RetryMultiplier        float64 `koanf:"retry_multiplier"`
	RetryJitter            float64 `koanf:"retry_jitter"`
}

type KnowledgeConfig struct {
	Backend string `koanf:"backend"` // memory, sqlite
	Path    string `koanf:"path"`    // sqlite file path
}

type WorkerConfig struct {
	ReceivePollMillis  int  `koanf:"receive_poll_millis"`
	TaskTimeoutSeconds int  `koanf:"task_timeout_seconds"`
	DrainOnRetire      bool `koanf:"drain_on_retire"`
}

// Global k instance
var k = koanf.New(".")

func Load(path string) (*Config, error) {
	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.enabled", false)
	k.Set("telemetry.exporter", "stdout")
	k.Set("telemetry.otlp_endpoint", "localhost:4317")
	k.Set("telemetry.otlp_insecure", true)
	k.Set("telemetry.service_name", "agora")

	k.Set("bus.capacity", 64)

	k.Set("scheduler.max_retries", 2)
	k.Set("scheduler.dispatch_timeout_seconds", 30)
	k.Set("scheduler.tick_interval_millis", 250)
	k.Set("scheduler.starvation_threshold", 20)
	k.Set("scheduler.shutdown_grace_seconds", 10)
	k.Set("scheduler.retry_initial_millis", 100)
	k.Set("scheduler.retry_max_millis", 5000)
	k.Set("scheduler.retry_multiplier", 2.0)
	k.Set("scheduler.retry_jitter", 0.1)

	k.Set("knowledge.backend", "memory")
	k.Set("knowledge.path", "agora.db")

	k.Set("worker.receive_poll_millis", 100)
	k.Set("worker.task_timeout_seconds", 25)
	k.Set("worker.drain_on_retire", false)

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV. Sections are single words and leaf keys keep their
	// underscores, so only the first "_" becomes a separator:
	// AGORA_SCHEDULER_MAX_RETRIES -> scheduler.max_retries.
	if err := k.Load(env.Provider("AGORA_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "AGORA_"))
		section, field, ok := strings.Cut(key, "_")
		if !ok {
			return key
		}
		return section + "." + field
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadWithCLI loads configuration honoring --config <path> and repeated
// --set key=value flags. Overrides land after file and environment, so
// the command line always wins.
func LoadWithCLI(args []string) (*Config, error) {
	var path string
	var overrides []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a path")
			}
			i++
			path = args[i]
		case "--set":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--set requires key=value")
			}
			i++
			overrides = append(overrides, args[i])
		}
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if len(overrides) == 0 {
		return cfg, nil
	}

	for _, kv := range overrides {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		k.Set(key, parseOverride(raw))
	}

	var out Config
	if err := k.Unmarshal("", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// parseOverride interprets the value as JSON when possible so booleans,
// numbers, and objects survive, falling back to the raw string.
func parseOverride(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
