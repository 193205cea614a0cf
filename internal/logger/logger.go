// Package logger builds the zap logger shared by every pfviz component.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger level and encoding.
type Config struct {
	ServiceName string
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "console" or "json".
	Format        string
	InitialFields []zap.Field
}

// New builds a logger writing to stderr, keeping stdout free for reports.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(defaultString(cfg.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoding := defaultString(cfg.Format, "console")
	if encoding != "console" && encoding != "json" {
		return nil, fmt.Errorf("invalid log format %q: must be console or json", cfg.Format)
	}

	config := zap.Config{
		Level:             level,
		Development:       false,
		DisableStacktrace: true,
		Sampling:          nil,
		Encoding:          encoding,
		EncoderConfig:     EncoderConfig(zapcore.DefaultLineEnding),
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}

	logger, err := config.Build(
		zap.Fields(
			zap.String("service", defaultString(cfg.ServiceName, "pfviz")),
			zap.Int("pid", os.Getpid()),
		),
		zap.Fields(cfg.InitialFields...),
	)
	if err != nil {
		return nil, fmt.Errorf("error building logger: %w", err)
	}

	return logger, nil
}

// EncoderConfig returns the encoder settings used by New.
func EncoderConfig(lineEnding string) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "message",
		LevelKey:      "level",
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		NameKey:       "logger",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339TimeEncoder,
		LineEnding:    lineEnding,
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
