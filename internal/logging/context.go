package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldTrackID identifies the track a log line belongs to.
	FieldTrackID = "track_id"
	// FieldService is the streaming service tag that scopes vault lookups.
	FieldService = "service"
	// FieldStage names the track stage (download, prepare, decrypt).
	FieldStage = "stage"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldVault names the vault involved in a lookup or write.
	FieldVault = "vault"
	// FieldKID is a key identifier in hex.
	FieldKID = "kid"
	// FieldContentKey carries key material and is redacted above debug level.
	FieldContentKey = "content_key"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to try next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
)

type contextKey string

const (
	trackIDKey       contextKey = "track_id"
	serviceKey       contextKey = "service"
	stageKey         contextKey = "stage"
	correlationIDKey contextKey = "correlation_id"
)

// WithTrackID annotates context with the track identifier.
func WithTrackID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, trackIDKey, id)
}

// WithService annotates context with the service tag.
func WithService(ctx context.Context, service string) context.Context {
	if service == "" {
		return ctx
	}
	return context.WithValue(ctx, serviceKey, service)
}

// WithStage annotates context with the track stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// WithCorrelationID annotates context with a request or run identifier.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

func stringFromContext(ctx context.Context, key contextKey) (string, bool) {
	if str, ok := ctx.Value(key).(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := stringFromContext(ctx, trackIDKey); ok {
		fields = append(fields, slog.String(FieldTrackID, id))
	}
	if service, ok := stringFromContext(ctx, serviceKey); ok {
		fields = append(fields, slog.String(FieldService, service))
	}
	if stage, ok := stringFromContext(ctx, stageKey); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if rid, ok := stringFromContext(ctx, correlationIDKey); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
