// Package recovery contains the panic-containment helpers the gateway and
// app packages use to keep one failing session, or one failing cleanup
// step, from taking down the rest of the process. The teacher's
// RecoveryMiddleware (a net/http panic-recovery wrapper) is not carried
// here: the HTTP surface already gets equivalent coverage from
// negroni.NewRecovery() in internal/app, so a second unused copy of the
// same concern would just be dead code (see DESIGN.md).
package recovery

import (
	"runtime/debug"

	"github.com/pion/logging"
)

// SafeCloser runs fn, recovering from and logging any panic it triggers,
// so a failing close of one resource never takes down a caller's own
// cleanup sequence.
func SafeCloser(logger logging.LeveledLogger, fn func() error, name string) {
	defer func() {
		if err := recover(); err != nil {
			logger.Errorf("PANIC during %s close: %v", name, err)
		}
	}()
	if err := fn(); err != nil {
		logger.Errorf("Error closing %s: %v", name, err)
	}
}

// Guard recovers from a panic inside a single session's dispatch loop,
// logging it and invoking onPanic (typically closing that session's
// socket) without taking down the server process or any other session.
func Guard(logger logging.LeveledLogger, clientID string, onPanic func()) {
	if err := recover(); err != nil {
		logger.Errorf("PANIC in session %s dispatch: %v\nStack trace:\n%s", clientID, err, debug.Stack())
		if onPanic != nil {
			onPanic()
		}
	}
}
