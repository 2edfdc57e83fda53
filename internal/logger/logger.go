// Package logger wraps zap with the small configuration surface the
// coordinator needs: a level, a format, and a process-wide default.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level and output format.
type Config struct {
	Level  string // debug, info, warn, error (default info)
	Format string // json or console (default console)
}

// Logger is a thin alias over *zap.Logger so call sites import one package.
type Logger = zap.Logger

var (
	defaultMu sync.RWMutex
	defaultL  = zap.NewNop()
)

// New builds a logger from cfg.
func New(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true

	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return log, nil
}

// SetDefault installs log as the process default returned by [Default].
func SetDefault(log *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultL = log
}

// Default returns the process default logger. Never nil.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultL
}
