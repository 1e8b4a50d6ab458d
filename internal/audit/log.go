package audit

import (
	"context"
	"log/slog"
	"strings"

	"adfunds.io/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogSink writes entries as structured lines through the shared logger.
type LogSink struct{}

func (LogSink) Append(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("id", e.ID),
		slog.String("actor_id", e.ActorID),
		slog.String("target_type", e.TargetType),
		slog.String("target_id", e.TargetID),
		slog.Time("created_at", e.CreatedAt),
	}
	if e.OnBehalfOf != "" {
		attrs = append(attrs, slog.String("on_behalf_of", e.OnBehalfOf))
	}
	if e.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", e.SessionID))
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	fields := make([]any, 0, len(e.Metadata))
	for k, v := range e.Metadata {
		fields = append(fields, slog.String(k, v))
	}
	attrs = append(attrs, slog.Group("fields", fields...))
	obs.Logger().LogAttrs(ctx, slog.LevelInfo, e.Action, attrs...)
	return nil
}
