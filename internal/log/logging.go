// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package log is the leveled logger used inside the profiler core. It wraps
// a swappable slog.Logger so embedders can redirect or silence the output.
package log // import "github.com/pulseprof/pulseprof/internal/log"

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// globalLogger holds the slog.Logger used within the module. The default
// logs to stderr at Info level.
var globalLogger = func() *atomic.Pointer[slog.Logger] {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	p := new(atomic.Pointer[slog.Logger])
	p.Store(l)
	return p
}()

// SetLogger sets the global logger to l.
func SetLogger(l *slog.Logger) {
	globalLogger.Store(l)
}

// SetDebugLogger configures the global logger to write debug-level logs
// to stderr.
func SetDebugLogger() {
	SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))
}

func getLogger() *slog.Logger {
	return globalLogger.Load()
}

// Debugf logs detailed debugging information about internal behavior.
func Debugf(msg string, args ...any) {
	if getLogger().Enabled(context.Background(), slog.LevelDebug) {
		getLogger().Debug(fmt.Sprintf(msg, args...))
	}
}

// Infof logs informational messages about the general state of the profiler.
func Infof(msg string, args ...any) {
	if getLogger().Enabled(context.Background(), slog.LevelInfo) {
		getLogger().Info(fmt.Sprintf(msg, args...))
	}
}

// Warnf logs conditions that are not errors but likely more important than
// informational messages.
func Warnf(msg string, args ...any) {
	if getLogger().Enabled(context.Background(), slog.LevelWarn) {
		getLogger().Warn(fmt.Sprintf(msg, args...))
	}
}

// Errorf logs error messages about exceptional states.
func Errorf(msg string, args ...any) {
	if getLogger().Enabled(context.Background(), slog.LevelError) {
		getLogger().Error(fmt.Sprintf(msg, args...))
	}
}
