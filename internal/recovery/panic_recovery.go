package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Go runs fn on its own goroutine, logging any panic with its stack
// instead of taking the process down. Background workers (probe
// tickers, broadcast pumps) must not be able to kill the manager.
func Go(logger *slog.Logger, name string, fn func()) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine_panic_recovered",
					slog.String("worker", name),
					slog.String("panic", fmt.Sprintf("%v", r)),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		fn()
	}()
}

// Sync guards an inline call the same way, for listener callbacks
// supplied by embedders.
func Sync(logger *slog.Logger, name string, fn func()) {
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("callback_panic_recovered",
				slog.String("worker", name),
				slog.String("panic", fmt.Sprintf("%v", r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}
