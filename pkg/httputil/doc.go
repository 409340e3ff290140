// Package httputil provides the JSON response helpers, request parsing and
// middleware shared by the HTTP API.
//
// # Responses
//
// Every error body has the shape {"error": "...", "details": ...}:
//
//	httputil.WriteBadRequest(w, "plan is required")
//	httputil.WriteDetailedError(w, http.StatusBadRequest, msg, map[string]interface{}{"blockers": blockers})
//	httputil.WriteServiceUnavailable(w, "payment gateway unavailable", 30*time.Second)
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware,
//		httputil.IdempotencyMiddleware,
//	)(router)
//
// RequestIDMiddleware must run first so later middleware log with the
// request ID. IdempotencyMiddleware exposes the caller's Idempotency-Key to the
// billing service, which derives the gateway idempotency keys from it.
package httputil
