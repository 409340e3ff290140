package observability

import "runtime/debug"

// RecoverPanic recovers from a panic and logs it with its stack trace.
// Call it directly in a defer statement:
//
//	defer observability.RecoverPanic(logger, "sync job")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", where).
			Error("PANIC recovered")
	}
}
