package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithActor attaches the acting user to the context.
func WithActor(ctx context.Context, actor string) context.Context {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, actor)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) string {
	return stringValue(ctx, actorKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// Logger writes audit entries.
type Logger struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Str("type", "audit").Logger()}
}

// LogEvent writes an audit log entry enriched with request and actor context.
func (l *Logger) LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	e := l.log.Info().Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		e = e.Str("request_id", rid)
	}
	if actor := ActorFromContext(ctx); actor != "" {
		e = e.Str("actor", actor)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	e.Interface("fields", fields).Send()
	return nil
}

// Publisher records every committed registry event.
func (l *Logger) Publisher() registry.Publisher {
	return registry.PublisherFunc(func(ctx context.Context, evt registry.Event) {
		fields := make(map[string]any, len(evt.Data)+3)
		for k, v := range evt.Data {
			fields[k] = v
		}
		fields["document_id"] = evt.DocumentID
		if evt.StepID != "" {
			fields["step_id"] = evt.StepID
		}
		if evt.Actor != "" {
			fields["event_actor"] = evt.Actor
			if ActorFromContext(ctx) == "" {
				ctx = WithActor(ctx, evt.Actor)
			}
		}
		_ = l.LogEvent(ctx, evt.Type, fields)
	})
}
