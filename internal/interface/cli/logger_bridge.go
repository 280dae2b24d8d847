package cli

import (
	"github.com/YoshitsuguKoike/storyflow/internal/app"
)

// loggerBridge adapts CLI logger to app.Logger interface
type loggerBridge struct {
	cliLogger *Logger
}

func (b *loggerBridge) Debug(format string, args ...interface{}) {
	b.cliLogger.Debug(format, args...)
}

func (b *loggerBridge) Info(format string, args ...interface{}) {
	b.cliLogger.Info(format, args...)
}

func (b *loggerBridge) Warn(format string, args ...interface{}) {
	b.cliLogger.Warn(format, args...)
}

func (b *loggerBridge) Error(format string, args ...interface{}) {
	b.cliLogger.Error(format, args...)
}

// InitializeLoggers installs logger as the app layer logger and returns
// the bridged value for components that take one explicitly
func InitializeLoggers(logger *Logger) app.Logger {
	appLogger := &loggerBridge{cliLogger: logger}
	app.SetLogger(appLogger)
	return appLogger
}
