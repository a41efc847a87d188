package logging

import (
	"context"

	"go.uber.org/zap"
)

// Canonical field names shared by every logger in the gateway.
const (
	FieldComponent      = "component"
	FieldRequestID      = "request_id"
	FieldCorrelationID  = "correlation_id"
	FieldTenant         = "tenant"
	FieldClassification = "classification"
	FieldStatementBytes = "statement_bytes"
	FieldOperation      = "operation"
	FieldOutcome        = "outcome"
	FieldErrorCode      = "error_code"
	FieldActor          = "actor"
	FieldMethod         = "method"
	FieldPath           = "path"
	FieldStatusCode     = "status_code"
	FieldDurationMs     = "duration_ms"
	FieldClientIP       = "client_ip"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	correlationIDKey
	tenantKey
)

// WithRequestID stores a request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request ID stored in ctx, or "".
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithCorrelationID stores a correlation ID in the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID returns the correlation ID stored in ctx, or "".
func GetCorrelationID(ctx context.Context) string {
	return stringValue(ctx, correlationIDKey)
}

// WithTenant stores the authenticated tenant slug in the context.
func WithTenant(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, tenantKey, slug)
}

// GetTenant returns the tenant slug stored in ctx, or "".
func GetTenant(ctx context.Context) string {
	return stringValue(ctx, tenantKey)
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

// WithContext returns logger enriched with whatever request-scoped fields ctx carries.
func WithContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	var fields []zap.Field
	if id := GetRequestID(ctx); id != "" {
		fields = append(fields, zap.String(FieldRequestID, id))
	}
	if id := GetCorrelationID(ctx); id != "" {
		fields = append(fields, zap.String(FieldCorrelationID, id))
	}
	if slug := GetTenant(ctx); slug != "" {
		fields = append(fields, zap.String(FieldTenant, slug))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
