package app

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Logger is the leveled logger used below the CLI layer
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// defaultLogger writes to stderr without level control until the CLI
// installs its own logger.
type defaultLogger struct {
	mu     sync.Mutex
	output io.Writer
}

func (l *defaultLogger) log(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.output, level+": "+format+"\n", args...)
}

func (l *defaultLogger) Debug(format string, args ...interface{}) { l.log("DEBUG", format, args...) }
func (l *defaultLogger) Info(format string, args ...interface{})  { l.log("INFO", format, args...) }
func (l *defaultLogger) Warn(format string, args ...interface{})  { l.log("WARN", format, args...) }
func (l *defaultLogger) Error(format string, args ...interface{}) { l.log("ERROR", format, args...) }

// NopLogger discards everything; handy in tests
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

var (
	loggerMu     sync.RWMutex
	globalLogger Logger = &defaultLogger{output: os.Stderr}
)

// SetLogger sets the global logger for the app layer
func SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	loggerMu.Lock()
	globalLogger = logger
	loggerMu.Unlock()
}

// GetLogger returns the current logger
func GetLogger() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return globalLogger
}

// LoggerOr returns l, or the global logger when l is nil
func LoggerOr(l Logger) Logger {
	if l != nil {
		return l
	}
	return GetLogger()
}
