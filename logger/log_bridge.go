package logger

import (
	"log"
	"strings"
)

// logWriter redirects standard library log output into this package so
// that collaborator components (http.Server, database/sql drivers) share
// one log stream.
type logWriter struct{}

func (lw *logWriter) Write(p []byte) (n int, err error) {
	message := strings.TrimSpace(string(p))
	if message == "" {
		return len(p), nil
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "tls"):
		Warn("http server: %s", message)
	case strings.Contains(lower, "error"):
		Error("http server: %s", message)
	default:
		Info("http server: %s", message)
	}
	return len(p), nil
}

// InitLogBridge redirects standard library log output to this logger.
func InitLogBridge() {
	log.SetOutput(&logWriter{})
	log.SetFlags(0)
	Debug("standard library log output redirected")
}

// HTTPServerErrorLog returns a *log.Logger suitable for http.Server.ErrorLog.
func HTTPServerErrorLog() *log.Logger {
	return log.New(&logWriter{}, "", 0)
}
