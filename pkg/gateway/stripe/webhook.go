package stripe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/subledger/pkg/billing"
)

// ErrInvalidSignature is returned when a delivery fails signature verification
var ErrInvalidSignature = errors.New("invalid Stripe signature")

// ErrMalformedEvent is returned when a delivery cannot be decoded into an
// event the ledger understands
var ErrMalformedEvent = errors.New("malformed Stripe event")

// VerifyAndParse checks the Stripe-Signature header against secret and
// decodes the event. Deliveries signed for another API version are accepted;
// only the fields the ledger needs are read.
func VerifyAndParse(payload []byte, sigHeader, secret string) (billing.Event, error) {
	if err := webhook.ValidatePayload(payload, sigHeader, secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ParseUnverified(payload)
}

// ParseUnverified decodes an event without checking its signature. Only for
// deployments that have no webhook secret configured, or payloads already
// verified.
func ParseUnverified(payload []byte) (billing.Event, error) {
	var event stripelib.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", ErrMalformedEvent)
	}
	parsed, err := ParseEvent(&event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return parsed, nil
}

// ParseEvent converts a verified Stripe event into a billing event. Types the
// reconciler does not handle become billing.UnknownEvent.
func ParseEvent(event *stripelib.Event) (billing.Event, error) {
	meta := billing.EventMeta{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch meta.Type {
	case billing.EventSubscriptionUpdated:
		sub, err := decodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		return billing.SubscriptionUpdated{EventMeta: meta, Subscription: *toGatewaySubscription(sub)}, nil

	case billing.EventSubscriptionDeleted:
		sub, err := decodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		return billing.SubscriptionDeleted{EventMeta: meta, ExternalSubscriptionID: sub.ID}, nil

	case billing.EventInvoicePaymentSucceeded:
		inv, err := decodeInvoice(raw)
		if err != nil {
			return nil, err
		}
		return billing.InvoicePaymentSucceeded{EventMeta: meta, Invoice: inv.toPayment(inv.AmountPaid)}, nil

	case billing.EventInvoicePaymentFailed:
		inv, err := decodeInvoice(raw)
		if err != nil {
			return nil, err
		}
		return billing.InvoicePaymentFailed{EventMeta: meta, Invoice: inv.toPayment(inv.AmountDue)}, nil

	default:
		return billing.UnknownEvent{EventMeta: meta}, nil
	}
}

func decodeSubscription(raw json.RawMessage) (*stripelib.Subscription, error) {
	var sub stripelib.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("decode subscription: missing id")
	}
	return &sub, nil
}

// expandableID accepts either a bare object id or an expanded object
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// invoicePayload is a minimal representation of a Stripe invoice
type invoicePayload struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	AmountDue    int64  `json:"amount_due"`
	AmountPaid   int64  `json:"amount_paid"`
	Currency     string `json:"currency"`
	AttemptCount int64  `json:"attempt_count"`
}

func decodeInvoice(raw json.RawMessage) (*invoicePayload, error) {
	var inv invoicePayload
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	if inv.ID == "" {
		return nil, fmt.Errorf("decode invoice: missing id")
	}
	return &inv, nil
}

// subscriptionID reads the subscription from invoice.parent on current API
// versions and from the top-level field on older ones
func (inv *invoicePayload) subscriptionID() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		return string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return string(inv.Subscription)
}

func (inv *invoicePayload) toPayment(amount int64) billing.InvoicePayment {
	return billing.InvoicePayment{
		InvoiceID:              inv.ID,
		ExternalCustomerID:     string(inv.Customer),
		ExternalSubscriptionID: inv.subscriptionID(),
		AmountMinorUnits:       amount,
		Currency:               inv.Currency,
		AttemptCount:           inv.AttemptCount,
	}
}
