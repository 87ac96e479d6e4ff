// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "k8s.io/utils/clock"

// Option configures a storage backend.
type Option func(*options)

type options struct {
	clock clock.PassiveClock
}

// WithClock sets the time source used for expiry decisions.
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func applyOptions(opts []Option) *options {
	o := &options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
