// Package recovery turns goroutine panics into logged errors.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError wraps a recovered panic value together with its stack.
type PanicError struct {
	Task  string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Task, e.Value)
}

// RecoverWithLog recovers from a panic in the named task and logs it.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "injector")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, task string) {
	if r := recover(); r != nil {
		logPanic(logger, newPanicError(task, r))
	}
}

// RecoverWithCallback recovers from a panic, logs it, and hands the
// resulting *PanicError to onPanic. Callers use this to escalate a crashed
// task into a fatal service error.
func RecoverWithCallback(logger *slog.Logger, task string, onPanic func(*PanicError)) {
	if r := recover(); r != nil {
		pe := newPanicError(task, r)
		logPanic(logger, pe)
		if onPanic != nil {
			onPanic(pe)
		}
	}
}

// Go runs fn on a new goroutine guarded by RecoverWithCallback.
func Go(logger *slog.Logger, task string, onPanic func(*PanicError), fn func()) {
	go func() {
		defer RecoverWithCallback(logger, task, onPanic)
		fn()
	}()
}

func newPanicError(task string, r any) *PanicError {
	return &PanicError{Task: task, Value: r, Stack: string(debug.Stack())}
}

func logPanic(logger *slog.Logger, pe *PanicError) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"task", pe.Task,
		"panic", fmt.Sprintf("%v", pe.Value),
		"stack", pe.Stack)
}
