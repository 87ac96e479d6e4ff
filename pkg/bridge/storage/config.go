// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"time"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses a Redis server, optionally behind Sentinel.
	TypeRedis Type = "redis"

	// TypeSQLite uses a local SQLite database file.
	TypeSQLite Type = "sqlite"
)

const (
	// DefaultAuthCodeTTL is the fixed lifetime of an authorization code.
	DefaultAuthCodeTTL = 10 * time.Minute

	// DefaultCleanupInterval is how often expired records are swept.
	DefaultCleanupInterval = 5 * time.Minute
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces every Redis key written by the bridge.
const DefaultKeyPrefix = "oauthbridge:"

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type

	// SQLitePath is the database file for TypeSQLite.
	SQLitePath string

	// Redis is used for TypeRedis.
	Redis RedisConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}

// New creates the backend selected by cfg.
func New(ctx context.Context, cfg *Config, opts ...Option) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryStorage(opts...), nil
	case TypeSQLite:
		s, err := NewSQLiteStorage(ctx, cfg.SQLitePath, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeRedis:
		redisCfg := cfg.Redis
		if redisCfg.KeyPrefix == "" {
			redisCfg.KeyPrefix = DefaultKeyPrefix
		}
		s, err := NewRedisStorage(ctx, redisCfg, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %q", cfg.Type)
	}
}
