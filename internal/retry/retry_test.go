package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/bootstrapgo/internal/ctxlog"
)

var fast = Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}

func testContext() context.Context {
	return ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDo_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(testContext(), fast, "fetch", func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{URL: "http://x", Code: 503}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentFailure(t *testing.T) {
	t.Parallel()

	calls := 0
	notFound := &StatusError{URL: "http://x", Code: 404}
	err := Do(testContext(), fast, "fetch", func(context.Context) error {
		calls++
		return notFound
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, notFound)

	calls = 0
	sentinel := errors.New("bad input")
	err = Do(testContext(), fast, "fetch", func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, sentinel, err)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(testContext(), fast, "fetch", func(context.Context) error {
		calls++
		return &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(&StatusError{Code: 429}))
	assert.True(t, IsTransient(&StatusError{Code: 502}))
	assert.False(t, IsTransient(&StatusError{Code: 403}))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(nil))
}

func TestNextDelay(t *testing.T) {
	t.Parallel()

	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.NextDelay(1, nil))
	assert.Equal(t, 200*time.Millisecond, p.NextDelay(2, nil))
	assert.Equal(t, 400*time.Millisecond, p.NextDelay(3, nil))
	assert.Equal(t, time.Second, p.NextDelay(10, nil))
}
