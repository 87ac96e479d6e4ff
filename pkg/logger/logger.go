// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger configures process-wide logging for the bridge.
//
// Packages log through log/slog directly; Initialize builds the handler with
// toolhive-core/logging and installs it as the slog default.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// UnstructuredLogsEnv switches the output to plain text when "true".
const UnstructuredLogsEnv = "UNSTRUCTURED_LOGS"

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(logging.New())
}

// Get returns the configured logger.
func Get() *slog.Logger {
	return singleton.Load()
}

// Set replaces the logger and the slog default. Tests use it to capture
// output.
func Set(l *slog.Logger) {
	singleton.Store(l)
	slog.SetDefault(l)
}

// Initialize configures logging from the environment and the "debug" viper
// key.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv is Initialize with an injected environment reader.
func InitializeWithEnv(envReader env.Reader) {
	var opts []logging.Option

	if unstructuredLogsWithEnv(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}
	if viper.GetBool("debug") {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}

	Set(logging.New(opts...))
}

// unstructuredLogsWithEnv defaults to JSON: the bridge normally runs as a
// service whose output is collected.
func unstructuredLogsWithEnv(envReader env.Reader) bool {
	unstructured, err := strconv.ParseBool(envReader.Getenv(UnstructuredLogsEnv))
	if err != nil {
		return false
	}
	return unstructured
}

// Fatalf logs at error level and exits.
func Fatalf(msg string, args ...any) {
	Get().Error(fmt.Sprintf(msg, args...))
	os.Exit(1)
}
