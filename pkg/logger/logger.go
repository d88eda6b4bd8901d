package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a text slog logger writing to w at the given level
// (debug, info, warn, error). Unknown levels fall back to info.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Global logger instance
var GlobalLogger = New(os.Stderr, "info")

// SetLevel replaces the global logger with one at the given level.
func SetLevel(level string) {
	GlobalLogger = New(os.Stderr, level)
}

// Convenience functions
func Info(format string, v ...interface{}) {
	GlobalLogger.Info(fmt.Sprintf(format, v...))
}

func Error(format string, v ...interface{}) {
	GlobalLogger.Error(fmt.Sprintf(format, v...))
}

func Debug(format string, v ...interface{}) {
	GlobalLogger.Debug(fmt.Sprintf(format, v...))
}

func Fatal(format string, v ...interface{}) {
	GlobalLogger.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}
