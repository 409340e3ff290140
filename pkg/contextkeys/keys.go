// Package contextkeys provides centralized context key definitions
//
// All context keys used across subledger are defined here so that packages
// agree on key identity and value types.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithIdempotencyKey(ctx, r.Header.Get("Idempotency-Key"))
//	key := contextkeys.GetIdempotencyKey(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, gateway idempotency fallback
	// Type: string
	RequestIDKey Key = "request_id"

	// TenantIDKey contains the tenant the request acts on
	// Set by: api handlers after route matching
	// Used by: Logger
	// Type: string
	TenantIDKey Key = "tenant_id"

	// IdempotencyKey contains the caller-supplied Idempotency-Key header
	// Set by: httputil.IdempotencyMiddleware
	// Used by: billing.Service when deriving gateway idempotency keys
	// Type: string
	IdempotencyKey Key = "idempotency_key"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithTenantID adds the tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithIdempotencyKey adds the caller's idempotency key to the context
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, IdempotencyKey, key)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetTenantID retrieves the tenant ID from context
func GetTenantID(ctx context.Context) string {
	if tenantID, ok := ctx.Value(TenantIDKey).(string); ok {
		return tenantID
	}
	return ""
}

// GetIdempotencyKey retrieves the caller's idempotency key from context
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(IdempotencyKey).(string); ok {
		return key
	}
	return ""
}
