// Package sandbox holds the hook middleware and the outbound HTTP bridge
// shared by the sandbox host.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
)

// HookCall identifies one lifecycle hook invocation.
type HookCall struct {
	PluginID string
	Hook     string
}

// HookHandler runs a plugin lifecycle hook.
type HookHandler func(ctx context.Context, call HookCall) error

// HookMiddleware wraps a HookHandler to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps first, onion model).
//
// Example usage:
//
//	tracing := func(next HookHandler) HookHandler {
//	    return func(ctx context.Context, call HookCall) error {
//	        log.Printf("calling %s.%s", call.PluginID, call.Hook)
//	        return next(ctx, call)
//	    }
//	}
type HookMiddleware func(next HookHandler) HookHandler

// Chain wraps h with mws, the first middleware outermost.
func Chain(h HookHandler, mws ...HookMiddleware) HookHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// PanicRecoveryMiddleware turns a panic in plugin code into a
// RemoteHookError instead of crashing the host.
func PanicRecoveryMiddleware() HookMiddleware {
	return func(next HookHandler) HookHandler {
		return func(ctx context.Context, call HookCall) (err error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Default().Debug("recovered plugin panic", "plugin", call.PluginID, "hook", call.Hook, "stack", string(debug.Stack()))
					err = &entities.RemoteHookError{
						PluginID: call.PluginID,
						Hook:     call.Hook,
						Message:  fmt.Sprint(r),
						Panicked: true,
					}
				}
			}()
			return next(ctx, call)
		}
	}
}

// LoggingMiddleware logs every hook invocation and its outcome.
func LoggingMiddleware(logger *slog.Logger) HookMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HookHandler) HookHandler {
		return func(ctx context.Context, call HookCall) error {
			start := time.Now()
			logger.DebugContext(ctx, "invoking plugin hook", "plugin", call.PluginID, "hook", call.Hook)
			err := next(ctx, call)
			if err != nil {
				logger.WarnContext(ctx, "plugin hook failed", "plugin", call.PluginID, "hook", call.Hook, "duration", time.Since(start), "error", err)
			} else {
				logger.DebugContext(ctx, "plugin hook completed", "plugin", call.PluginID, "hook", call.Hook, "duration", time.Since(start))
			}
			return err
		}
	}
}

// TimeoutMiddleware bounds each hook by d. A hook that ignores its context
// keeps running in the background after the deadline, but the caller gets
// a TimeoutError. A zero d disables the bound.
func TimeoutMiddleware(d time.Duration) HookMiddleware {
	return func(next HookHandler) HookHandler {
		if d <= 0 {
			return next
		}
		guarded := PanicRecoveryMiddleware()(next)
		return func(ctx context.Context, call HookCall) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- guarded(ctx, call) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return &entities.TimeoutError{Op: call.Hook + " hook of " + call.PluginID, After: d}
				}
				return ctx.Err()
			}
		}
	}
}
