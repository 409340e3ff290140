package billing

import "time"

// Gateway event types the reconciler acts on
const (
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// EventMeta is the envelope shared by every inbound event
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

// Meta returns the envelope
func (m EventMeta) Meta() EventMeta { return m }

// Event is a decoded gateway notification. The set of implementations is
// closed; see Reconciler.Apply.
type Event interface {
	Meta() EventMeta
	isEvent()
}

// SubscriptionUpdated carries the gateway's current view of a subscription
type SubscriptionUpdated struct {
	EventMeta
	Subscription GatewaySubscription
}

// SubscriptionDeleted reports that the gateway ended a subscription
type SubscriptionDeleted struct {
	EventMeta
	ExternalSubscriptionID string
}

// InvoicePayment describes the invoice of a payment event
type InvoicePayment struct {
	InvoiceID              string
	ExternalCustomerID     string
	ExternalSubscriptionID string
	AmountMinorUnits       int64
	Currency               string
	AttemptCount           int64
}

// InvoicePaymentSucceeded reports a paid invoice
type InvoicePaymentSucceeded struct {
	EventMeta
	Invoice InvoicePayment
}

// InvoicePaymentFailed reports a failed invoice payment attempt
type InvoicePaymentFailed struct {
	EventMeta
	Invoice InvoicePayment
}

// UnknownEvent is any event type the reconciler does not handle
type UnknownEvent struct {
	EventMeta
}

func (SubscriptionUpdated) isEvent()     {}
func (SubscriptionDeleted) isEvent()     {}
func (InvoicePaymentSucceeded) isEvent() {}
func (InvoicePaymentFailed) isEvent()    {}
func (UnknownEvent) isEvent()            {}
