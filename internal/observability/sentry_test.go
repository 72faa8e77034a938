package observability

import (
	"errors"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitSentryWithoutDSN(t *testing.T) {
	t.Setenv("SENTRY_DSN", "")
	flush, enabled, err := InitSentry(SentryOptions{})
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, Enabled())
	flush()

	assert.NotPanics(t, func() { CaptureError(errors.New("ignored"), nil, nil) })
}

func TestCaptureErrorCarriesTags(t *testing.T) {
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	flush, enabled, err := InitSentry(SentryOptions{
		DSN:         "https://public@example.invalid/1",
		Environment: "test",
		BeforeSend: func(e *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	require.True(t, enabled)
	assert.True(t, Enabled())
	t.Cleanup(func() {
		flush()
		sentryEnabled.Store(false)
	})

	CaptureError(nil, nil, nil)
	CaptureError(errors.New("engine panic"), map[string]string{"device_id": "3"}, map[string]interface{}{"keys": 42})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "3", events[0].Tags["device_id"])
	assert.Equal(t, "test", events[0].Environment)
}

func TestInitSentryRejectsBadDSN(t *testing.T) {
	_, enabled, err := InitSentry(SentryOptions{DSN: "not a dsn"})
	assert.Error(t, err)
	assert.False(t, enabled)
}
