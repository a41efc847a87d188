package logging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// QueryRecord is what the gateway is allowed to say about an accepted statement.
// It never carries statement text or parameter values.
type QueryRecord struct {
	Tenant         string
	Classification string
	StatementBytes int
}

// QueryAuditor emits one audit line per statement that reaches dispatch.
type QueryAuditor struct {
	audit *zap.Logger
	base  *zap.Logger
}

// NewQueryAuditor tags sink with log_type=audit. Failures while emitting are
// reported on fallback, which may be the same logger.
func NewQueryAuditor(sink, fallback *zap.Logger) *QueryAuditor {
	if sink == nil {
		sink = zap.NewNop()
	}
	if fallback == nil {
		fallback = sink
	}
	return &QueryAuditor{
		audit: sink.With(zap.String("log_type", "audit")),
		base:  fallback,
	}
}

// Emit writes the record with tenant, classification and size only; request
// identifiers are not included. Emit never panics and never returns an error.
func (a *QueryAuditor) Emit(_ context.Context, rec QueryRecord) {
	if a == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.base.Error("query audit emission failed",
				zap.String(FieldTenant, rec.Tenant),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()

	fields := []zap.Field{
		zap.String(FieldTenant, rec.Tenant),
		zap.String(FieldClassification, rec.Classification),
		zap.Int(FieldStatementBytes, rec.StatementBytes),
	}
	a.audit.Info("graph query", fields...)
}
