// Copyright 2025 The Njord Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the service configuration from a config root
// directory and watches it for changes. The root holds base.yaml (parsed)
// and secrets.enc (opaque; only its bytes participate in change hashing —
// decryption happens in whatever consumes the secret, never here).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"njord/internal/telemetry/aggregator"
	"njord/internal/telemetry/retention"
	"njord/internal/telemetry/scrape"
)

// Tracked filenames under the config root.
const (
	BaseFile    = "base.yaml"
	SecretsFile = "secrets.enc"
)

// Config is the parsed base.yaml.
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BusConfig selects the bus backend.
type BusConfig struct {
	Kind      string `yaml:"kind"` // "memory" or "redis"
	RedisAddr string `yaml:"redis_addr"`
}

// TelemetryConfig groups the telemetry pipeline settings.
type TelemetryConfig struct {
	Scrape              scrape.ServerConfig `yaml:"scrape"`
	Aggregator          aggregator.Config   `yaml:"aggregator"`
	Retention           retention.Policy    `yaml:"retention"`
	AlertRulesFile      string              `yaml:"alert_rules_file"`
	PollIntervalSeconds int                 `yaml:"poll_interval_seconds"`
}

// Load errors.
var (
	ErrBadConfig = errors.New("config: malformed base.yaml")
)

// Load reads and validates base.yaml from root. The retention policy is
// validated only when tiers are present, so a telemetry-less config file
// still loads.
func Load(root string) (*Config, error) {
	raw, err := os.ReadFile(filepath.Join(root, BaseFile))
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", BaseFile, err)
	}
	return Parse(raw)
}

// Parse parses and validates base.yaml bytes.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if len(cfg.Telemetry.Retention.Tiers) > 0 {
		if err := cfg.Telemetry.Retention.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
		}
	}
	switch cfg.Bus.Kind {
	case "", "memory", "redis":
	default:
		return nil, fmt.Errorf("%w: unknown bus kind %q", ErrBadConfig, cfg.Bus.Kind)
	}
	if cfg.Telemetry.PollIntervalSeconds == 0 {
		cfg.Telemetry.PollIntervalSeconds = 5
	}
	return &cfg, nil
}
