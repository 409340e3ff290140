// Package middleware provides per-tenant rate limiting for billing mutations.
//
// Every mutation on a tenant's subscription can fan out to the payment
// gateway, so the API limits POST/PUT/DELETE requests keyed by the {tenant}
// route variable. Reads pass through untouched.
//
// # Limiters
//
// RateLimiter keeps token buckets in process memory:
//
//	limiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
//		RequestsPerWindow: 30,
//		WindowDuration:    time.Minute,
//		BurstSize:         5,
//	})
//	limiter.StartCleanup(ctx)
//
// DistributedRateLimiter shares a fixed window across replicas through Redis:
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, config, "")
//
// # Usage
//
// TenantRateLimit is a mux middleware, so it must be registered on the router
// where route variables are resolved:
//
//	router.Use(middleware.TenantRateLimit(limiter))
//
// Rejected requests get 429 with a Retry-After header. When the limiter itself
// fails (Redis down) the request is allowed and a warning is logged.
package middleware
