// Package logging wires zap into a small component-logger registry.
// Components ask for a named logger once (logging.Named("search")) and the
// process controls level and encoding globally from configuration.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component names used across the codebase. Free-form names are allowed;
// these constants keep the common ones greppable.
const (
	ComponentStore     = "store"
	ComponentSearch    = "search"
	ComponentEnrich    = "enrich"
	ComponentJobs      = "jobs"
	ComponentNotify    = "notify"
	ComponentGroup     = "group"
	ComponentAgent     = "agent"
	ComponentProvider  = "provider"
	ComponentBreaker   = "breaker"
	ComponentMCP       = "mcp"
	ComponentTelemetry = "telemetry"
)

var (
	mu    sync.RWMutex
	root  = zap.NewNop()
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init builds the process-wide root logger. Level is one of debug, info,
// warn, error; format is "json" or "console". Safe to call more than once;
// the last call wins.
func Init(lvl, format string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(lvl)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", lvl, err)
	}

	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	level.SetLevel(parsed)
	cfg.Level = level

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	mu.Lock()
	root = logger
	mu.Unlock()
	return logger, nil
}

// SetLevel adjusts the root level at runtime (config hot-reload path).
// Works in both directions, unlike wrapping with zap.IncreaseLevel.
func SetLevel(lvl string) error {
	parsed, err := zapcore.ParseLevel(lvl)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", lvl, err)
	}
	level.SetLevel(parsed)
	return nil
}

// L returns the root logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Named returns a component-scoped logger.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// Sync flushes buffered entries. Called on shutdown; the error is ignorable
// on platforms where stderr does not support fsync.
func Sync() {
	_ = L().Sync()
}

// Timer measures one operation and logs its duration at debug level when
// stopped.
//
// Usage:
//
//	defer logging.StartTimer(log, "vector_search").Stop()
type Timer struct {
	log   *zap.Logger
	op    string
	start time.Time
}

// StartTimer begins timing the named operation.
func StartTimer(log *zap.Logger, op string) *Timer {
	return &Timer{log: log, op: op, start: time.Now()}
}

// Stop logs the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	if t.log != nil {
		t.log.Debug("operation complete",
			zap.String("op", t.op),
			zap.Duration("elapsed", d))
	}
	return d
}
