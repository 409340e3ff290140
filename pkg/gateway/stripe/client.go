// Package stripe adapts the Stripe API to billing.Gateway and decodes Stripe
// webhook deliveries into billing events.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/observability"
)

const instrumentationName = "github.com/platinummonkey/subledger/pkg/gateway/stripe"

// Config holds Stripe client settings
type Config struct {
	APIKey            string
	BaseURL           string // empty uses the Stripe API
	MaxNetworkRetries int64
	Timeout           time.Duration
}

// Client implements billing.Gateway on top of the Stripe API
type Client struct {
	customers     *customer.Client
	subscriptions *subscription.Client

	tracer  trace.Tracer
	calls   metric.Int64Counter
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewClient creates a Stripe gateway. Each client owns its backend, so the
// global stripe.Key is never touched.
func NewClient(config Config, logger *observability.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("stripe API key is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	backendConfig := &stripelib.BackendConfig{
		HTTPClient:        &http.Client{Timeout: config.Timeout},
		MaxNetworkRetries: stripelib.Int64(config.MaxNetworkRetries),
		LeveledLogger:     &stripelib.LeveledLogger{Level: stripelib.LevelError},
	}
	if config.BaseURL != "" {
		backendConfig.URL = stripelib.String(config.BaseURL)
	}
	backend := stripelib.GetBackendWithConfig(stripelib.APIBackend, backendConfig)

	calls, err := otel.Meter(instrumentationName).Int64Counter(
		"subledger.gateway.calls",
		metric.WithDescription("Stripe API calls by operation and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway call counter: %w", err)
	}

	return &Client{
		customers:     &customer.Client{B: backend, Key: config.APIKey},
		subscriptions: &subscription.Client{B: backend, Key: config.APIKey},
		tracer:        otel.Tracer(instrumentationName),
		calls:         calls,
		logger:        logger.WithField("component", "stripe"),
	}, nil
}

// SetMetrics enables Prometheus gateway metrics
func (c *Client) SetMetrics(metrics *observability.Metrics) {
	c.metrics = metrics
}

// call wraps one Stripe request with a span, metrics and error classification
func (c *Client) call(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "stripe."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	outcome := "success"
	if err != nil {
		err = classify(op, err)
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.WithError(err).WithField("operation", op).Warn("Stripe request failed")
	}

	c.metrics.RecordGatewayCall(op, outcome, time.Since(start))
	c.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
	return err
}

// CreateOrGetCustomer returns the customer tagged with the tenant id, creating
// one if none exists
func (c *Client) CreateOrGetCustomer(ctx context.Context, req billing.CustomerRequest) (string, error) {
	var customerID string
	err := c.call(ctx, "create_customer", []attribute.KeyValue{attribute.String("tenant_id", req.TenantID)}, func(ctx context.Context) error {
		search := &stripelib.CustomerSearchParams{
			SearchParams: stripelib.SearchParams{
				Context: ctx,
				Query:   fmt.Sprintf("metadata['tenant_id']:'%s'", strings.ReplaceAll(req.TenantID, "'", "\\'")),
			},
		}
		iter := c.customers.Search(search)
		for iter.Next() {
			if cust := iter.Customer(); cust != nil && !cust.Deleted {
				customerID = cust.ID
				return nil
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}

		params := &stripelib.CustomerParams{
			Metadata: map[string]string{"tenant_id": req.TenantID},
		}
		params.Context = ctx
		if req.Email != "" {
			params.Email = stripelib.String(req.Email)
		}
		if req.Name != "" {
			params.Name = stripelib.String(req.Name)
		}
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey)
		}
		cust, err := c.customers.New(params)
		if err != nil {
			return err
		}
		customerID = cust.ID
		return nil
	})
	return customerID, err
}

// CreateSubscription starts a subscription on a single price. Payment is
// attempted immediately; a failed first payment leaves it incomplete.
func (c *Client) CreateSubscription(ctx context.Context, req billing.CreateSubscriptionRequest) (*billing.GatewaySubscription, error) {
	var out *billing.GatewaySubscription
	attrs := []attribute.KeyValue{attribute.String("customer_id", req.CustomerID), attribute.String("price_id", req.PriceID)}
	err := c.call(ctx, "create_subscription", attrs, func(ctx context.Context) error {
		params := &stripelib.SubscriptionParams{
			Customer: stripelib.String(req.CustomerID),
			Items: []*stripelib.SubscriptionItemsParams{
				{Price: stripelib.String(req.PriceID)},
			},
			PaymentBehavior: stripelib.String(billing.PaymentAllowIncomplete),
		}
		params.Context = ctx
		if req.PaymentMethodID != "" {
			params.DefaultPaymentMethod = stripelib.String(req.PaymentMethodID)
		}
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey)
		}
		sub, err := c.subscriptions.New(params)
		if err != nil {
			return err
		}
		out = toGatewaySubscription(sub)
		return nil
	})
	return out, err
}

// GetSubscription fetches the current gateway snapshot
func (c *Client) GetSubscription(ctx context.Context, externalID string) (*billing.GatewaySubscription, error) {
	var out *billing.GatewaySubscription
	err := c.call(ctx, "get_subscription", []attribute.KeyValue{attribute.String("subscription_id", externalID)}, func(ctx context.Context) error {
		params := &stripelib.SubscriptionParams{}
		params.Context = ctx
		sub, err := c.subscriptions.Get(externalID, params)
		if err != nil {
			return err
		}
		out = toGatewaySubscription(sub)
		return nil
	})
	return out, err
}

// UpdateSubscription swaps the item price and/or toggles cancel-at-period-end
// in one request
func (c *Client) UpdateSubscription(ctx context.Context, externalID string, req billing.UpdateSubscriptionRequest) (*billing.GatewaySubscription, error) {
	var out *billing.GatewaySubscription
	err := c.call(ctx, "update_subscription", []attribute.KeyValue{attribute.String("subscription_id", externalID)}, func(ctx context.Context) error {
		params := updateParams(req)
		params.Context = ctx
		sub, err := c.subscriptions.Update(externalID, params)
		if err != nil {
			return err
		}
		out = toGatewaySubscription(sub)
		return nil
	})
	return out, err
}

func updateParams(req billing.UpdateSubscriptionRequest) *stripelib.SubscriptionParams {
	params := &stripelib.SubscriptionParams{}
	if req.NewPriceID != nil {
		params.Items = []*stripelib.SubscriptionItemsParams{
			{ID: stripelib.String(req.ItemID), Price: stripelib.String(*req.NewPriceID)},
		}
	}
	if p := req.Proration; p != nil {
		params.ProrationBehavior = stripelib.String(p.Behavior)
		if p.Date != nil {
			params.ProrationDate = stripelib.Int64(p.Date.Unix())
		}
		if p.PaymentBehavior != "" {
			params.PaymentBehavior = stripelib.String(p.PaymentBehavior)
		}
	}
	if req.CancelAtPeriodEnd != nil {
		params.CancelAtPeriodEnd = stripelib.Bool(*req.CancelAtPeriodEnd)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	return params
}

// CancelSubscription cancels immediately, or schedules cancellation at the end
// of the current period
func (c *Client) CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool, idempotencyKey string) error {
	attrs := []attribute.KeyValue{attribute.String("subscription_id", externalID), attribute.Bool("at_period_end", atPeriodEnd)}
	return c.call(ctx, "cancel_subscription", attrs, func(ctx context.Context) error {
		if atPeriodEnd {
			params := &stripelib.SubscriptionParams{CancelAtPeriodEnd: stripelib.Bool(true)}
			params.Context = ctx
			if idempotencyKey != "" {
				params.SetIdempotencyKey(idempotencyKey)
			}
			_, err := c.subscriptions.Update(externalID, params)
			return err
		}

		params := &stripelib.SubscriptionCancelParams{}
		params.Context = ctx
		if idempotencyKey != "" {
			params.SetIdempotencyKey(idempotencyKey)
		}
		_, err := c.subscriptions.Cancel(externalID, params)
		return err
	})
}

// toGatewaySubscription keeps the fields the ledger needs. Since API version
// 2025-03-31 billing periods live on subscription items.
func toGatewaySubscription(sub *stripelib.Subscription) *billing.GatewaySubscription {
	out := &billing.GatewaySubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.ItemID = item.ID
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodStart = unixPtr(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
	}
	return out
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
