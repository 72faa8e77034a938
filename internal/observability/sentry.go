package observability

import (
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled atomic.Bool

// SentryOptions configures fault reporting. Empty fields fall back to the
// SENTRY_DSN, SENTRY_ENVIRONMENT and SENTRY_RELEASE environment variables.
type SentryOptions struct {
	DSN         string
	Environment string
	Release     string

	// BeforeSend is passed to the client unchanged. Returning nil drops the
	// event; tests use it to capture events without a network transport.
	BeforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event
}

// InitSentry sets up the global Sentry client. With no DSN it does nothing
// and reports false. The returned func flushes pending events.
func InitSentry(opts SentryOptions) (func(), bool, error) {
	dsn := firstNonEmpty(opts.DSN, os.Getenv("SENTRY_DSN"))
	if dsn == "" {
		sentryEnabled.Store(false)
		return func() {}, false, nil
	}

	options := sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      firstNonEmpty(opts.Environment, os.Getenv("SENTRY_ENVIRONMENT")),
		Release:          firstNonEmpty(opts.Release, os.Getenv("SENTRY_RELEASE")),
		AttachStacktrace: true,
		BeforeSend:       opts.BeforeSend,
	}

	if err := sentry.Init(options); err != nil {
		sentryEnabled.Store(false)
		return func() {}, false, err
	}

	sentryEnabled.Store(true)
	return func() {
		sentry.Flush(2 * time.Second)
	}, true, nil
}

// CaptureError reports err with the given tags and extras. It is a no-op
// when Sentry is not enabled.
func CaptureError(err error, tags map[string]string, extra map[string]interface{}) {
	if err == nil || !sentryEnabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		for key, value := range extra {
			scope.SetExtra(key, value)
		}
		sentry.CaptureException(err)
	})
}

// Enabled reports whether InitSentry configured a client.
func Enabled() bool {
	return sentryEnabled.Load()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
