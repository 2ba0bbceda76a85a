package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "roomsync_data"
)

// logging metadata for a single session, and optionally the event being handled on it.
// Values are copied on every With* call so a context can be handed to other goroutines.
type data struct {
	sessionID string
	identity  string
	kind      string
	roomID    string
}

func fromContext(ctx context.Context) data {
	d := ctx.Value(ctxData)
	if d == nil {
		return data{}
	}
	return *d.(*data)
}

// prepare a session context so it can contain roomsync info
func SessionContext(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxData, &data{
		sessionID: sessionID,
	})
}

// add the registered identity to this session context.
func WithIdentity(ctx context.Context, identity string) context.Context {
	d := fromContext(ctx)
	d.identity = identity
	return context.WithValue(ctx, ctxData, &d)
}

// add the event being dispatched to this session context.
func EventContext(ctx context.Context, kind, roomID string) context.Context {
	d := fromContext(ctx)
	d.kind = kind
	d.roomID = roomID
	return context.WithValue(ctx, ctxData, &d)
}

func SessionIDFromContext(ctx context.Context) string {
	return fromContext(ctx).sessionID
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.sessionID != "" {
		l = l.Str("s", da.sessionID)
	}
	if da.identity != "" {
		l = l.Str("u", da.identity)
	}
	if da.kind != "" {
		l = l.Str("k", da.kind)
	}
	if da.roomID != "" {
		l = l.Str("r", da.roomID)
	}
	return l
}
