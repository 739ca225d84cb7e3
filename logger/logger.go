// Package logger provides leveled logging for the warp engine.
//
// The logger supports TRACE, DEBUG, INFO, WARN and ERROR levels with
// printf-style formatting, plus per-subsystem trace gating so that noisy
// subsystems (wal, cache, prefetch, locks) can be inspected in isolation.
// Output is produced through a zap core; level checks are atomic so a
// disabled level costs a single load on the hot path.
//
// The package-level functions are safe for concurrent use.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity level of log messages.
// Higher values are more severe; setting a level suppresses everything
// below it.
type LogLevel int32

const (
	TRACE LogLevel = iota // subsystem-level debugging, gated by EnableTrace
	DEBUG                 // diagnostic detail for troubleshooting
	INFO                  // normal operation events
	WARN                  // recoverable anomalies
	ERROR                 // failures requiring attention
)

var levelNames = map[LogLevel]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	// currentLevel is the minimum level that will be emitted. Stored as
	// int32 so the hot-path check is a single atomic load.
	currentLevel atomic.Int32

	// traceSubsystems tracks which trace subsystems are enabled.
	// Common subsystems: "wal", "shard", "cache", "prefetch", "locks".
	traceSubsystems = make(map[string]bool)
	traceMutex      sync.RWMutex

	// zlog is the underlying zap logger. TRACE rides on zap's DebugLevel;
	// our own level gate runs first, so the zap core is left wide open.
	zlog   *zap.SugaredLogger
	zlogMu sync.RWMutex
)

func init() {
	zlog = newSugared(zapcore.Lock(os.Stdout), true)
	currentLevel.Store(int32(INFO))
}

func newSugared(ws zapcore.WriteSyncer, withCaller bool) *zap.SugaredLogger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		CallerKey:      "caller",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000"),
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, zapcore.DebugLevel)
	opts := []zap.Option{}
	if withCaller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}
	return zap.New(core, opts...).Sugar()
}

func sugared() *zap.SugaredLogger {
	zlogMu.RLock()
	l := zlog
	zlogMu.RUnlock()
	return l
}

// SetOutput replaces the logger's sink. Intended for tests and tools that
// need to capture or silence output.
func SetOutput(ws zapcore.WriteSyncer) {
	zlogMu.Lock()
	zlog = newSugared(ws, false)
	zlogMu.Unlock()
}

// SetLogLevel sets the minimum log level from its string name.
func SetLogLevel(level string) error {
	name := strings.ToUpper(strings.TrimSpace(level))
	switch name {
	case "TRACE":
		currentLevel.Store(int32(TRACE))
	case "DEBUG":
		currentLevel.Store(int32(DEBUG))
	case "INFO":
		currentLevel.Store(int32(INFO))
	case "WARN":
		currentLevel.Store(int32(WARN))
	case "ERROR":
		currentLevel.Store(int32(ERROR))
	default:
		return fmt.Errorf("invalid log level: %s", level)
	}
	Info("log level changed to %s", name)
	return nil
}

// GetLogLevel returns the current log level name.
func GetLogLevel() string {
	return levelNames[LogLevel(currentLevel.Load())]
}

// EnableTrace enables trace logging for specific subsystems.
func EnableTrace(subsystems ...string) {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	for _, subsystem := range subsystems {
		traceSubsystems[subsystem] = true
	}
}

// DisableTrace disables trace logging for specific subsystems.
func DisableTrace(subsystems ...string) {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	for _, subsystem := range subsystems {
		delete(traceSubsystems, subsystem)
	}
}

// ClearTrace disables all trace subsystems.
func ClearTrace() {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	traceSubsystems = make(map[string]bool)
}

// GetTraceSubsystems returns the currently enabled trace subsystems.
func GetTraceSubsystems() []string {
	traceMutex.RLock()
	defer traceMutex.RUnlock()
	subsystems := make([]string, 0, len(traceSubsystems))
	for subsystem := range traceSubsystems {
		subsystems = append(subsystems, subsystem)
	}
	return subsystems
}

func isTraceEnabled(subsystem string) bool {
	traceMutex.RLock()
	defer traceMutex.RUnlock()
	return traceSubsystems[subsystem]
}

func enabled(level LogLevel) bool {
	return int32(level) >= currentLevel.Load()
}

// Trace logs at TRACE level. Emitted only when the global level is TRACE.
func Trace(format string, args ...interface{}) {
	if enabled(TRACE) {
		sugared().Debugf("[TRACE] "+format, args...)
	}
}

// TraceIf logs at TRACE level when the named subsystem has been enabled
// via EnableTrace, regardless of the global level.
func TraceIf(subsystem, format string, args ...interface{}) {
	if enabled(TRACE) || isTraceEnabled(subsystem) {
		sugared().Debugf("[TRACE:"+subsystem+"] "+format, args...)
	}
}

// Debug logs at DEBUG level.
func Debug(format string, args ...interface{}) {
	if enabled(DEBUG) {
		sugared().Debugf(format, args...)
	}
}

// Info logs at INFO level.
func Info(format string, args ...interface{}) {
	if enabled(INFO) {
		sugared().Infof(format, args...)
	}
}

// Warn logs at WARN level.
func Warn(format string, args ...interface{}) {
	if enabled(WARN) {
		sugared().Warnf(format, args...)
	}
}

// Error logs at ERROR level.
func Error(format string, args ...interface{}) {
	if enabled(ERROR) {
		sugared().Errorf(format, args...)
	}
}

// Sync flushes buffered log output. Call on shutdown.
func Sync() {
	_ = sugared().Sync()
}
