package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu          sync.Mutex
	globalBase  *zap.Logger
	globalSugar *zap.SugaredLogger
)

// Init initializes the global zap logger. env is "production" or
// "development" (default); level overrides the config default when set
// (debug/info/warn/error). Stdlib log output is redirected to zap so
// existing log.Printf calls are captured.
func Init(env, level string) (*zap.Logger, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalBase != nil {
		return globalBase, nil
	}

	var cfg zap.Config
	if strings.EqualFold(env, "prod") || strings.EqualFold(env, "production") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	if level != "" {
		if lvl, err := zapcore.ParseLevel(strings.ToLower(level)); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(base)
	_ = zap.RedirectStdLog(base)

	globalBase = base
	globalSugar = base.Sugar()
	return globalBase, nil
}

// Base returns the global base logger, initializing it on first use.
func Base() *zap.Logger {
	if globalBase == nil {
		if _, err := Init(os.Getenv("ENVIRONMENT"), os.Getenv("LOG_LEVEL")); err != nil {
			mu.Lock()
			base, _ := zap.NewDevelopment()
			globalBase = base
			globalSugar = base.Sugar()
			mu.Unlock()
		}
	}
	return globalBase
}

// L returns the global sugared logger.
func L() *zap.SugaredLogger {
	Base()
	return globalSugar
}

// Sync flushes any buffered log entries.
func Sync() {
	if globalBase != nil {
		_ = globalBase.Sync()
	}
}

// GORMWriter adapts zap to gorm's logger.Writer interface.
type GORMWriter struct{}

// Printf implements gorm.io/gorm/logger.Writer.
func (w GORMWriter) Printf(format string, v ...interface{}) {
	Base().Sugar().Warnf(strings.TrimRight(format, "\r\n"), v...)
}

// NewGORMWriter creates a GORM writer adapter.
func NewGORMWriter() GORMWriter {
	return GORMWriter{}
}
