package runtime

import (
	"context"
	"runtime/debug"

	"github.com/LerianStudio/lib-esop/esop/log"
)

// Logger is the minimal logging interface required by this package.
// It is satisfied by log.Logger implementations; the reduced surface
// keeps recovery helpers usable from packages that only carry a raw
// logging function.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// PanicPolicy controls what happens after a panic has been recovered
// and recorded.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after recording it. The goroutine
	// ends but the process continues.
	KeepRunning PanicPolicy = iota

	// CrashProcess re-panics after recording, terminating the process.
	CrashProcess
)

// logPanicWithStack logs a recovered panic with its stack trace.
// A nil logger is a no-op.
func logPanicWithStack(logger Logger, goroutineName string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(context.Background(), log.LevelError, "panic recovered",
		log.String("goroutine_name", goroutineName),
		log.String("panic_value", formatPanicValue(panicValue)),
		log.String("stack", string(stack)),
	)
}

// logPanic logs a recovered panic, capturing the current stack.
func logPanic(logger Logger, goroutineName string, panicValue any) {
	logPanicWithStack(logger, goroutineName, panicValue, debug.Stack())
}

// handlePanic records a recovered panic through every configured channel:
// structured log, active span, panic counter, and error reporter.
func handlePanic(ctx context.Context, logger Logger, panicValue any, stack []byte, component, goroutineName string) {
	logPanicWithStack(logger, goroutineName, panicValue, stack)
	RecordPanicToSpanWithComponent(ctx, panicValue, stack, component, goroutineName)
	recordPanicMetric(ctx, component, goroutineName)
	reportPanicToErrorService(ctx, panicValue, stack, component, goroutineName)
}

// HandlePanicValue records an already-recovered panic value through the
// full observability pipeline. It exists for integration with external
// recovery mechanisms (middleware recover handlers, third-party worker
// frameworks) that perform their own recover() call.
//
// A nil panicValue is a no-op.
func HandlePanicValue(ctx context.Context, logger Logger, panicValue any, component, goroutineName string) {
	if panicValue == nil {
		return
	}

	handlePanic(ctx, logger, panicValue, debug.Stack(), component, goroutineName)
}

// RecoverAndLog recovers from a panic and logs it. Intended for use in
// a defer statement. The panic is swallowed.
func RecoverAndLog(logger Logger, goroutineName string) {
	if r := recover(); r != nil {
		logPanicWithStack(logger, goroutineName, r, debug.Stack())
	}
}

// RecoverAndLogWithContext recovers from a panic and records it with
// full observability: log, span event, metric, and error reporter.
// The panic is swallowed.
func RecoverAndLogWithContext(ctx context.Context, logger Logger, component, goroutineName string) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, r, debug.Stack(), component, goroutineName)
	}
}

// RecoverAndCrash recovers from a panic, logs it, and re-panics with the
// original value so the process terminates with the panic on record.
func RecoverAndCrash(logger Logger, goroutineName string) {
	if r := recover(); r != nil {
		logPanicWithStack(logger, goroutineName, r, debug.Stack())
		panic(r)
	}
}

// RecoverAndCrashWithContext recovers from a panic, records it with full
// observability, and re-panics with the original value.
func RecoverAndCrashWithContext(ctx context.Context, logger Logger, component, goroutineName string) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, r, debug.Stack(), component, goroutineName)
		panic(r)
	}
}

// RecoverWithPolicy recovers from a panic, logs it, and applies the
// given policy.
func RecoverWithPolicy(logger Logger, goroutineName string, policy PanicPolicy) {
	if r := recover(); r != nil {
		logPanicWithStack(logger, goroutineName, r, debug.Stack())

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// RecoverWithPolicyAndContext recovers from a panic, records it with
// full observability, and applies the given policy.
func RecoverWithPolicyAndContext(ctx context.Context, logger Logger, component, goroutineName string, policy PanicPolicy) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, r, debug.Stack(), component, goroutineName)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// SafeGo launches fn in a goroutine protected by RecoverWithPolicy.
func SafeGo(logger Logger, goroutineName string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicy(logger, goroutineName, policy)

		fn()
	}()
}

// SafeGoWithContext launches fn in a goroutine protected by
// RecoverWithPolicyAndContext, passing ctx through to fn.
func SafeGoWithContext(ctx context.Context, logger Logger, goroutineName string, policy PanicPolicy, fn func(ctx context.Context)) {
	SafeGoWithContextAndComponent(ctx, logger, "", goroutineName, policy, fn)
}

// SafeGoWithContextAndComponent launches fn in a goroutine protected by
// RecoverWithPolicyAndContext, tagging recovery records with the given
// component for attribution in logs, spans, and metrics.
func SafeGoWithContextAndComponent(ctx context.Context, logger Logger, component, goroutineName string, policy PanicPolicy, fn func(ctx context.Context)) {
	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, goroutineName, policy)

		fn(ctx)
	}()
}
