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

package models

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	errInvalidDuration = errors.New("invalid duration")
)

// Duration wraps time.Duration so JSON config can carry either a Go duration
// string ("500ms") or raw nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		// parse numeric as nanoseconds
		*d = Duration(time.Duration(value))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: %w", errInvalidDuration, err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config defines one knock run. It is immutable once validated; the engine
// never writes back into it.
type Config struct {
	Host        string   `json:"host"`
	Protocol    Protocol `json:"protocol"`
	Sequence    []uint16 `json:"sequence"`
	Timeout     Duration `json:"timeout"`     // per-attempt timeout
	Delay       Duration `json:"delay"`       // inter-knock dispatch delay
	Jitter      Duration `json:"jitter"`      // upper bound on random delay added per dispatch
	Concurrency int      `json:"concurrency"` // max in-flight knocks
	Retries     int      `json:"retries"`     // extra attempts beyond the first
	Backoff     Duration `json:"backoff"`     // base backoff unit between retries
	Payload     string   `json:"payload,omitempty"` // hex-encoded UDP datagram body
	Family      string   `json:"family,omitempty"`  // "", "4" or "6"
	LogLevel    string   `json:"log_level,omitempty"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Protocol:    ProtoTCP,
		Timeout:     Duration(500 * time.Millisecond),
		Concurrency: 1,
		Backoff:     Duration(100 * time.Millisecond),
	}
}

// Validate checks the configuration before the engine starts. All failures
// wrap ErrInvalidConfig and are fatal: nothing is dispatched on a bad config.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}

	if _, err := ParseProtocol(string(c.Protocol)); err != nil {
		return err
	}

	if len(c.Sequence) == 0 {
		return fmt.Errorf("%w: sequence must not be empty", ErrInvalidConfig)
	}

	for i, port := range c.Sequence {
		if port == 0 {
			return fmt.Errorf("%w: sequence position %d: port must be in 1-65535", ErrInvalidConfig, i)
		}
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidConfig)
	}

	if c.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative", ErrInvalidConfig)
	}

	if c.Timeout < 0 || c.Delay < 0 || c.Jitter < 0 || c.Backoff < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}

	if c.Payload != "" {
		if c.Protocol != ProtoUDP {
			return fmt.Errorf("%w: payload is only valid with UDP", ErrInvalidConfig)
		}

		if _, err := hex.DecodeString(c.Payload); err != nil {
			return fmt.Errorf("%w: payload is not valid hex: %w", ErrInvalidConfig, err)
		}
	}

	switch c.Family {
	case "", "4", "6":
	default:
		return fmt.Errorf("%w: family must be empty, \"4\" or \"6\"", ErrInvalidConfig)
	}

	return nil
}

// PayloadBytes decodes the hex payload. Returns nil for an empty payload.
func (c *Config) PayloadBytes() ([]byte, error) {
	if c.Payload == "" {
		return nil, nil
	}

	data, err := hex.DecodeString(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not valid hex: %w", ErrInvalidConfig, err)
	}

	return data, nil
}
