// Package logger provides the global structured logger for ClinicalGenius.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance
	Logger *zap.SugaredLogger
	// JSONOutput tracks whether JSON output is enabled
	JSONOutput bool
)

func init() {
	// Initialize with a safe no-op logger at package load time.
	// This prevents nil pointer panics if the logger is used before
	// Initialize() is called (e.g., in tests).
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger based on the JSON output preference.
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		// JSON structured output for machine consumption
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = config.Build()
		if err != nil {
			return err
		}
	} else {
		// Human-readable console output
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderCfg),
				zapcore.AddSync(os.Stdout),
				zap.InfoLevel,
			),
		)
	}

	Logger = zapLogger.Sugar()
	return nil
}

// Named returns a child of the global logger with the given name.
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	_ = Logger.Sync()
}
