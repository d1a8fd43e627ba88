// Package applog builds the pion/logging.LeveledLogger used by the
// signaling service (internal/app, started from cmd/signald), extracted
// from the teacher's createLogger.
package applog

import "github.com/pion/logging"

// New builds a leveled logger named scope, with its level selected by the
// given string (debug|info|warn|error; unrecognized values fall back to
// info), the way the teacher's internal/app.createLogger does.
func New(scope, level string) logging.LeveledLogger {
	factory := logging.NewDefaultLoggerFactory()

	switch level {
	case "debug":
		factory.DefaultLogLevel = logging.LogLevelDebug
	case "info":
		factory.DefaultLogLevel = logging.LogLevelInfo
	case "warn":
		factory.DefaultLogLevel = logging.LogLevelWarn
	case "error":
		factory.DefaultLogLevel = logging.LogLevelError
	default:
		factory.DefaultLogLevel = logging.LogLevelInfo
	}

	return factory.NewLogger(scope)
}
