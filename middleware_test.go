package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
)

func TestChain_Order(t *testing.T) {
	t.Parallel()

	var order []string
	mw := func(name string) HookMiddleware {
		return func(next HookHandler) HookHandler {
			return func(ctx context.Context, call HookCall) error {
				order = append(order, name)
				return next(ctx, call)
			}
		}
	}
	h := Chain(func(context.Context, HookCall) error {
		order = append(order, "hook")
		return nil
	}, mw("first"), mw("second"))

	require.NoError(t, h(context.Background(), HookCall{PluginID: "a", Hook: "load"}))
	assert.Equal(t, []string{"first", "second", "hook"}, order)
}

func TestPanicRecoveryMiddleware(t *testing.T) {
	t.Parallel()

	h := Chain(func(context.Context, HookCall) error {
		panic("boom")
	}, PanicRecoveryMiddleware())

	err := h(context.Background(), HookCall{PluginID: "a", Hook: "enable"})
	var hookErr *entities.RemoteHookError
	require.ErrorAs(t, err, &hookErr)
	assert.True(t, hookErr.Panicked)
	assert.Equal(t, "boom", hookErr.Message)
	assert.Equal(t, "enable", hookErr.Hook)
}

func TestLoggingMiddleware_PassesThrough(t *testing.T) {
	t.Parallel()

	want := errors.New("nope")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Chain(func(context.Context, HookCall) error { return want }, LoggingMiddleware(logger))
	assert.ErrorIs(t, h(context.Background(), HookCall{}), want)
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("elapsed", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		h := Chain(func(context.Context, HookCall) error {
			<-release
			return nil
		}, TimeoutMiddleware(20*time.Millisecond))

		err := h(context.Background(), HookCall{PluginID: "a", Hook: "load"})
		assert.ErrorIs(t, err, entities.ErrTimeout)
	})

	t.Run("panic inside bounded hook", func(t *testing.T) {
		h := Chain(func(context.Context, HookCall) error {
			panic("late")
		}, TimeoutMiddleware(time.Second))

		err := h(context.Background(), HookCall{PluginID: "a", Hook: "load"})
		assert.ErrorIs(t, err, entities.ErrRemoteHook)
	})

	t.Run("disabled", func(t *testing.T) {
		h := Chain(func(context.Context, HookCall) error { return nil }, TimeoutMiddleware(0))
		assert.NoError(t, h(context.Background(), HookCall{}))
	})
}
