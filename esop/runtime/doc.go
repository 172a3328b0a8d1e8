// Package runtime provides panic recovery helpers for goroutines and
// request handlers, with structured logging, trace correlation, metrics,
// and optional external error reporting.
//
// The package distinguishes two recovery policies: KeepRunning swallows
// the panic after recording it, CrashProcess re-panics so the process
// terminates. Library goroutines should normally use KeepRunning; use
// CrashProcess only where continuing would corrupt state.
//
// Basic usage:
//
//	runtime.SafeGo(logger, "journal-dispatcher", runtime.KeepRunning, func() {
//	    // work that must not take the process down
//	})
//
// With context propagation and observability:
//
//	runtime.SafeGoWithContextAndComponent(ctx, logger, "journal", "dispatch-loop",
//	    runtime.KeepRunning, func(ctx context.Context) {
//	        // panics are logged, recorded on the active span, counted,
//	        // and reported to the configured ErrorReporter
//	    })
package runtime
