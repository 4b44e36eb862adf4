// Package obs is structured logging for the ingestion server: a package
// level *zap.Logger, env-driven level, silent by default.
package obs

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// LogLevelEnvVar controls logging verbosity. When unset, logging is silent.
// Valid values: "debug", "info", "warn", "error".
const LogLevelEnvVar = "LOG_LEVEL"

// Initialize creates the global logger at the given level. If level is
// empty, LOG_LEVEL is consulted; if that's also empty, logging is silent.
func Initialize(level string) error {
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}
	if level == "" {
		logger = zap.NewNop()
		return nil
	}

	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	var err error
	logger, err = config.Build()
	if err != nil {
		return fmt.Errorf("obs: initialize logger: %w", err)
	}
	return nil
}

// InitializeFromEnv is the recommended way to initialize logging for
// commands that want silent output unless LOG_LEVEL is set.
func InitializeFromEnv() error {
	return Initialize("")
}

func GetLogger() *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

func Info(msg string, fields ...zap.Field)  { GetLogger().Info(msg, fields...) }
func Debug(msg string, fields ...zap.Field) { GetLogger().Debug(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetLogger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetLogger().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { GetLogger().Fatal(msg, fields...) }

// LogConnection logs a connection lifecycle event (accepted, closed, capped).
func LogConnection(remoteAddr, event string) {
	Info("connection event",
		zap.String("remote_addr", remoteAddr),
		zap.String("event", event),
	)
}

// LogFrame logs a decoded or dropped frame.
func LogFrame(remoteAddr, protocol, messageType string, recordCount int) {
	Debug("frame processed",
		zap.String("remote_addr", remoteAddr),
		zap.String("protocol", protocol),
		zap.String("message_type", messageType),
		zap.Int("record_count", recordCount),
	)
}

// LogPersist logs the outcome of a registry or sink call.
func LogPersist(remoteAddr, deviceID string, recordCount int, err error) {
	if err != nil {
		Error("persistence failed",
			zap.String("remote_addr", remoteAddr),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return
	}
	Info("persisted telemetry",
		zap.String("remote_addr", remoteAddr),
		zap.String("device_id", deviceID),
		zap.Int("record_count", recordCount),
	)
}

// Sync flushes any buffered log entries.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
