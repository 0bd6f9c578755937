package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger is the process-wide zap logger
var logger *zap.Logger

// Init initializes the logger with the given level and format
func Init(level, format string) error {
	var config zap.Config

	// Set base config based on format
	if format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.Encoding = "console"
		config.DisableStacktrace = true
	}

	zapLevel, err := parseLevel(level)
	if err != nil {
		return err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.LevelKey = "level"
	config.EncoderConfig.MessageKey = "msg"
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err = config.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	return nil
}

// parseLevel converts string log level to zapcore.Level
func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// Sync flushes any buffered log entries
func Sync() error {
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// GetZapLogger returns the underlying zap.Logger, or a no-op logger before Init
func GetZapLogger() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// Named returns a child logger for one component, e.g. "fetch" or "pipeline"
func Named(name string) *zap.Logger {
	return GetZapLogger().Named(name)
}

// With returns a child logger that adds fields to every entry
func With(fields ...zap.Field) *zap.Logger {
	return GetZapLogger().With(fields...)
}
