package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type traceDataKey struct{}

type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	val := ctx.Value(traceDataKey{})
	if td, ok := val.(*TraceData); ok {
		return td
	}
	return nil
}

type tenantIDKey struct{}

// WithTenantID attaches the authenticated request's tenant id, extracted
// from the bearer JWT by AuthMiddleware.
func WithTenantID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, id)
}

func GetTenantID(ctx context.Context) uuid.UUID {
	val := ctx.Value(tenantIDKey{})
	if id, ok := val.(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}
