// Package logging builds the zap loggers handed to every component constructor.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type Options struct {
	// Level is a zap level name; empty reads LOG_LEVEL and falls back to info.
	Level string
	// Pretty selects the colored console encoder. Nil means pretty unless YARDKIT_ENV=production.
	Pretty *bool
}

func New(opts Options) (*zap.Logger, error) {
	levelName := opts.Level
	if levelName == "" {
		levelName = os.Getenv("LOG_LEVEL")
	}
	if levelName == "" {
		levelName = "info"
	}
	level, err := zapcore.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", levelName, err)
	}

	pretty := os.Getenv("YARDKIT_ENV") != "production"
	if opts.Pretty != nil {
		pretty = *opts.Pretty
	}

	var cfg zap.Config
	if pretty {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
		cfg.DisableStacktrace = true
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// NewObserved returns a logger that records every entry, for tests.
func NewObserved() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}
