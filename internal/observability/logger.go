// File: internal/observability/logger.go
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/formrelay/formrelay-cli/internal/config"
)

// The process-wide logger is initialized at most once; every later call
// to Initialize is a no-op regardless of its arguments.
var (
	globalLogger atomic.Pointer[zap.Logger]
	initOnce     sync.Once
)

// Initialize builds the global Zap logger from cfg and installs it. Console
// output goes to consoleWriter; if cfg.LogFile is set, a rotating JSON file
// sink is teed in alongside it.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) {
	initOnce.Do(func() {
		logger := build(cfg, consoleWriter)
		globalLogger.Store(logger)
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger is the production entry point: console output to a
// locked Stdout.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stdout))
}

func build(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) *zap.Logger {
	level := parseLevel(cfg.Level)

	cores := []zapcore.Core{
		zapcore.NewCore(encoderFor(cfg.Format), consoleWriter, level),
	}
	if cfg.LogFile != "" {
		cores = append(cores, zapcore.NewCore(encoderFor("json"), fileSink(cfg), level))
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(zapcore.NewTee(cores...), opts...).Named(cfg.ServiceName)
}

// parseLevel maps a config string to an atomic level, falling back to info
// on unrecognized input rather than failing startup.
func parseLevel(s string) zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(s)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// fileSink wraps the configured log file in a lumberjack writer, which
// handles rotation and serializes concurrent writes.
func fileSink(cfg config.LoggerConfig) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})
}

// encoderFor returns a colorized single-line encoder for "console" and a
// JSON encoder for everything else.
func encoderFor(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	if format != "console" {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}

	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	// Trailing dot separates the logger name from the message on a
	// single console line.
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	return zapcore.NewConsoleEncoder(ec)
}

// GetLogger returns the global logger. Before Initialize has run it hands
// out a named development fallback so early code paths stay loggable.
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	fallback, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	fallback.Warn("Global logger requested before initialization; using fallback.")
	return fallback.Named("fallback")
}

// Sync flushes buffered entries. Call before process exit.
func Sync() {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	err := logger.Sync()
	if err == nil {
		return
	}
	// Stdout is not syncable on every platform; suppress that noise.
	msg := err.Error()
	if strings.Contains(msg, "sync /dev/stdout") ||
		strings.Contains(msg, "invalid argument") ||
		strings.Contains(msg, "operation not supported") {
		return
	}
	fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
}

// ResetForTest clears the global logger and re-arms initialization. Test
// use only.
func ResetForTest() {
	globalLogger.Store(nil)
	initOnce = sync.Once{}
}
