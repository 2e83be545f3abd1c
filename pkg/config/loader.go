/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads the engine configuration from a JSON file and
// KNOCKSEQ_-prefixed environment variables, over the built-in defaults.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/knockseq/pkg/logger"
	"github.com/carverauto/knockseq/pkg/models"
)

// EnvPrefix is prepended to every recognized environment variable.
const EnvPrefix = "KNOCKSEQ_"

// Load builds a config: defaults, then the JSON file at path (if any), then
// environment overrides. Validation is left to the caller so CLI flags can
// still be layered on top.
func Load(ctx context.Context, path string, log logger.Logger) (*models.Config, error) {
	cfg := models.DefaultConfig()

	if path != "" {
		if err := (&FileLoader{}).Load(ctx, path, cfg); err != nil {
			return nil, err
		}

		log.Debug().Str("path", path).Msg("loaded config file")
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FileLoader loads configuration from a local JSON file.
type FileLoader struct{}

// Load reads and unmarshals a JSON file over dst.
func (*FileLoader) Load(_ context.Context, path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file '%s': %w", path, err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal JSON from '%s': %w", path, err)
	}

	return nil
}

// applyEnv overlays KNOCKSEQ_* variables onto cfg. KNOCKSEQ_CONFIG_JSON
// replaces the whole config; otherwise individual fields are applied.
func applyEnv(cfg *models.Config) error {
	if raw := os.Getenv(EnvPrefix + "CONFIG_JSON"); raw != "" {
		if err := json.Unmarshal([]byte(raw), cfg); err != nil {
			return fmt.Errorf("failed to unmarshal %sCONFIG_JSON: %w", EnvPrefix, err)
		}

		return nil
	}

	if v := os.Getenv(EnvPrefix + "HOST"); v != "" {
		cfg.Host = v
	}

	if v := os.Getenv(EnvPrefix + "PROTOCOL"); v != "" {
		proto, err := models.ParseProtocol(v)
		if err != nil {
			return err
		}

		cfg.Protocol = proto
	}

	if v := os.Getenv(EnvPrefix + "SEQUENCE"); v != "" {
		seq, err := ParseSequence(v)
		if err != nil {
			return err
		}

		cfg.Sequence = seq
	}

	for _, d := range []struct {
		name string
		dst  *models.Duration
	}{
		{"TIMEOUT", &cfg.Timeout},
		{"DELAY", &cfg.Delay},
		{"JITTER", &cfg.Jitter},
		{"BACKOFF", &cfg.Backoff},
	} {
		v := os.Getenv(EnvPrefix + d.name)
		if v == "" {
			continue
		}

		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, d.name, err)
		}

		*d.dst = models.Duration(dur)
	}

	for _, n := range []struct {
		name string
		dst  *int
	}{
		{"CONCURRENCY", &cfg.Concurrency},
		{"RETRIES", &cfg.Retries},
	} {
		v := os.Getenv(EnvPrefix + n.name)
		if v == "" {
			continue
		}

		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, n.name, err)
		}

		*n.dst = i
	}

	if v := os.Getenv(EnvPrefix + "PAYLOAD"); v != "" {
		cfg.Payload = v
	}

	if v := os.Getenv(EnvPrefix + "FAMILY"); v != "" {
		cfg.Family = v
	}

	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return nil
}

// ParseSequence parses a comma-separated port list like "7000,8000,9000".
func ParseSequence(s string) ([]uint16, error) {
	parts := strings.Split(s, ",")
	seq := make([]uint16, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)

		port, err := strconv.ParseUint(part, 10, 16)
		if err != nil || port == 0 {
			return nil, fmt.Errorf("%w: %q is not a valid port", models.ErrInvalidConfig, part)
		}

		seq = append(seq, uint16(port))
	}

	return seq, nil
}
