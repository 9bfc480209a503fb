// Package logging builds the zap loggers used by the client and the relay.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewConsole returns a human-readable stderr logger for the CLIs.
func NewConsole(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// NewRolling returns a JSON logger writing to a size-rotated file. Used
// for long-running relay deployments where stderr is not collected.
func NewRolling(path string, maxSizeMB, maxBackups, maxAgeDays int) *zap.Logger {
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(sink),
		zapcore.InfoLevel,
	)
	return zap.New(core)
}

// Tee combines a console logger with an optional rolling file logger.
func Tee(console *zap.Logger, file *zap.Logger) *zap.Logger {
	if file == nil {
		return console
	}
	return zap.New(zapcore.NewTee(console.Core(), file.Core()))
}
