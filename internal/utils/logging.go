package utils

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Verbose enables diagnostic logging across the manager.
var Verbose bool

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stderr)
)

func newLogger(w io.Writer) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:           log.InfoLevel,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
}

// ConfigureLogging updates the process-global logger settings.
// Call this early from the CLI and again whenever a command flag changes it.
func ConfigureLogging(verbose bool) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	Verbose = verbose
	if verbose {
		logger.SetLevel(log.DebugLevel)
		logger.SetReportCaller(true)
	} else {
		logger.SetLevel(log.InfoLevel)
		logger.SetReportCaller(false)
	}
	logger.SetReportTimestamp(true)
	logger.SetTimeFormat(time.RFC3339)
}

// SetOutput redirects the shared logger, mostly so tests can keep stderr quiet.
func SetOutput(w io.Writer) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger.SetOutput(w)
}

// L returns the shared logger instance. Prefer the package helpers (`Info`, `Warn`, ...)
// unless you need `.With(...)` for a component-scoped logger.
func L() *log.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Logf only shows up with `--verbose`.
func Logf(format string, args ...any) { L().Debugf(format, args...) }

func Debug(msg any, keyvals ...any) { L().Debug(msg, keyvals...) }
func Info(msg any, keyvals ...any)  { L().Info(msg, keyvals...) }
func Warn(msg any, keyvals ...any)  { L().Warn(msg, keyvals...) }
func Error(msg any, keyvals ...any) { L().Error(msg, keyvals...) }
