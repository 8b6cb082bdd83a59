// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config loads a RuntimeConfig of runtime tunables from a YAML
// document, the way sneller's command-line tools load their yaml-tagged
// config structs via sigs.k8s.io/yaml.
package config

import (
	"time"

	"sigs.k8s.io/yaml"

	"github.com/archlayer/recompose/rtlog"
)

// RuntimeConfig holds the parts of the runtime that are policy, not
// algorithm: a per-frame time budget, a fixpoint round cap, a
// concurrent worker count, and read-retry backoff bounds. Only Log is
// consumed inside this module (cmd/recompose-demo passes it to
// rtlog.New); the Recomposer, the slot table and snapshotapi do not
// read FrameBudget, MaxFixpointRounds, ConcurrentWorkers or ReadRetry.
type RuntimeConfig struct {
	// FrameBudget is a wall-clock budget for a single withFrameNanos
	// tick. Zero means unbounded (the default for tests).
	FrameBudget time.Duration `json:"frameBudget"`

	// MaxFixpointRounds is a cap on the repeat{...}until(toRecompose
	// and toInsert both empty) loop of spec.md §4.7.
	MaxFixpointRounds int `json:"maxFixpointRounds"`

	// ConcurrentWorkers is a worker count for concurrent recomposition.
	// Zero stands for serial recomposition on the caller goroutine.
	ConcurrentWorkers int `json:"concurrentWorkers"`

	// ReadRetry holds retry bounds for a read that races a commit.
	ReadRetry RetryConfig `json:"readRetry"`

	// Log configures the ambient structured logger.
	Log rtlog.Config `json:"log"`
}

// RetryConfig configures exponential backoff, grounded on
// slotcache.Cache's readBackoff (50µs initial, 1ms cap, 10 attempts).
type RetryConfig struct {
	MaxAttempts     int           `json:"maxAttempts"`
	InitialBackoff  time.Duration `json:"initialBackoff"`
	MaxBackoff      time.Duration `json:"maxBackoff"`
}

// Default returns the configuration used when no YAML document is
// supplied: unbounded frame budget, 1000 fixpoint rounds, no concurrent
// workers, and slotcache-style retry bounds.
func Default() RuntimeConfig {
	return RuntimeConfig{
		FrameBudget:       0,
		MaxFixpointRounds: 1000,
		ConcurrentWorkers: 0,
		ReadRetry: RetryConfig{
			MaxAttempts:    10,
			InitialBackoff: 50 * time.Microsecond,
			MaxBackoff:     1 * time.Millisecond,
		},
		Log: rtlog.Config{Level: "info", Encoding: "console", Sink: "stdout"},
	}
}

// Load parses a YAML document into a RuntimeConfig, starting from
// Default() so a partial document only overrides what it specifies.
func Load(doc []byte) (RuntimeConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}
