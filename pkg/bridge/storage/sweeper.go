// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically purges expired records from a Sweepable backend so
// that superseded sessions and abandoned codes do not accumulate.
type Sweeper struct {
	target   Sweepable
	interval time.Duration
}

// NewSweeper creates a sweeper. A non-positive interval falls back to
// DefaultCleanupInterval.
func NewSweeper(target Sweepable, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Sweeper{target: target, interval: interval}
}

// Interval returns the time between sweeps.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Run sweeps once immediately and then on every tick until ctx is done.
// It always returns nil so it can run inside an errgroup next to the server.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Debug("storage sweeper started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-ctx.Done():
			slog.Debug("storage sweeper stopped")
			return nil
		}
	}
}

// SweepOnce runs a single purge. Failures are logged; the next tick retries.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	removed, err := s.target.DeleteExpired(ctx)
	if err != nil {
		slog.Error("failed to delete expired records", "error", err)
		return 0
	}
	if removed > 0 {
		slog.Debug("deleted expired records", "count", removed)
	}
	return removed
}
