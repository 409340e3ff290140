// Package api provides the HTTP REST API of the subscription ledger.
//
// # Overview
//
// The API is built on gorilla/mux and organized into handler groups:
//
//   - Billing: plan catalog, billing account initialization and the
//     subscription lifecycle (create, read, update, cancel, reactivate)
//   - Webhooks: gateway notifications applied by the reconciler
//   - Admin: reconciliation counters, tenant usage reporting and operator
//     status overrides
//
// # Routes
//
//	GET  /plans
//	POST /tenants/{tenant}/billing-account
//	POST /tenants/{tenant}/subscription
//	GET  /tenants/{tenant}/subscription
//	PUT  /tenants/{tenant}/subscription
//	POST /tenants/{tenant}/subscription/cancel
//	POST /tenants/{tenant}/subscription/reactivate
//	POST /billing/webhook
//	GET  /admin/billing/counters
//	PUT  /admin/tenants/{tenant}/usage
//	PUT  /admin/tenants/{tenant}/subscription/status
//
// # Errors
//
// Billing errors are mapped in one place:
//
//	billing.KindNotFound      -> 404
//	billing.KindBadRequest    -> 400, downgrade blockers in "details"
//	retryable GatewayError    -> 503 with Retry-After
//	other GatewayError        -> 502
//	anything else             -> 500
//
// Mutating requests may carry an Idempotency-Key header. The billing service
// derives its gateway idempotency keys from it, so a retried request does not
// create a second charge. With a RateLimiter set, mutations are limited per
// tenant and rejected with 429.
//
// # Usage
//
//	server := api.NewServer(api.Options{
//		Billing:       service,
//		Reconciler:    reconciler,
//		WebhookSecret: cfg.Stripe.WebhookSecret,
//		Counters:      counters,
//		RateLimiter:   limiter,
//		Metrics:       metrics,
//		Logger:        logger,
//	})
//	http.ListenAndServe(":8080", server)
package api
