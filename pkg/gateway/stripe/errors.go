package stripe

import (
	"context"
	"errors"
	"net/http"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/platinummonkey/subledger/pkg/billing"
)

// classify wraps err in a billing.GatewayError. Rate limits, lock timeouts,
// server errors, timeouts and transport failures are retryable; request and
// card errors are not.
func classify(op string, err error) error {
	var gwErr *billing.GatewayError
	if errors.As(err, &gwErr) {
		return err
	}
	return &billing.GatewayError{Op: op, Retryable: retryable(err), Err: err}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var stripeErr *stripelib.Error
	if !errors.As(err, &stripeErr) {
		// Transport-level failure: the request may never have reached Stripe
		return true
	}

	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
		return true
	case stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
		return true
	case stripeErr.Code == "lock_timeout":
		return true
	case stripeErr.Type == stripelib.ErrorTypeAPI:
		return true
	}
	return false
}
