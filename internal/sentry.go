package internal

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub. The websocket handler attaches a cloned hub to each connection.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// CaptureException reports err to sentry, tagging it with the session and event kind held in ctx.
func CaptureException(ctx context.Context, err error) {
	d := fromContext(ctx)
	hub := GetSentryHubFromContextOrDefault(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		if d.sessionID != "" {
			scope.SetTag("session", d.sessionID)
		}
		if d.kind != "" {
			scope.SetTag("kind", d.kind)
		}
		if d.identity != "" {
			scope.SetUser(sentry.User{ID: d.identity})
		}
		hub.CaptureException(err)
	})
}
