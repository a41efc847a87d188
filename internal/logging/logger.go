// Package logging builds the gateway's zap loggers and carries
// request-scoped fields through context.Context.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Rotation limits for file output.
const (
	DefaultMaxFileSize = 10 * 1024 * 1024
	DefaultMaxBackups  = 5
)

// NewLogger creates a zap.Logger with the specified level, format, and optional file output.
// level can be debug, info, warn, or error. format can be json or console.
// If filePath is empty, logs are written to stdout; otherwise the file is
// rotated once it reaches DefaultMaxFileSize.
func NewLogger(level, format, filePath string) (*zap.Logger, error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var ws = zapcore.AddSync(os.Stdout)
	if filePath != "" {
		rw, err := newRotateWriter(filePath, DefaultMaxFileSize, DefaultMaxBackups)
		if err != nil {
			return nil, err
		}
		ws = rw
	}

	core := zapcore.NewCore(encoder, ws, ParseLevel(level))
	return zap.New(core, zap.AddCaller()), nil
}

// ParseLevel maps a level name to a zapcore.Level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewComponentLogger returns a child logger tagged with a component name.
func NewComponentLogger(base *zap.Logger, component string) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.With(zap.String(FieldComponent, component))
}
