package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/gateway/stripe"
	"github.com/platinummonkey/subledger/pkg/httputil"
	"github.com/platinummonkey/subledger/pkg/observability"
)

// MaxWebhookBodyBytes caps webhook payloads
const MaxWebhookBodyBytes = 1 << 20

// WebhookHandlers receives gateway notifications
type WebhookHandlers struct {
	reconciler EventApplier
	secret     string
	metrics    *observability.Metrics
}

// NewWebhookHandlers creates a new WebhookHandlers. An empty secret disables
// signature verification.
func NewWebhookHandlers(reconciler EventApplier, secret string) *WebhookHandlers {
	return &WebhookHandlers{
		reconciler: reconciler,
		secret:     secret,
	}
}

// SetMetrics attaches Prometheus metrics
func (h *WebhookHandlers) SetMetrics(metrics *observability.Metrics) {
	h.metrics = metrics
}

// RegisterRoutes registers the webhook route
func (h *WebhookHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/billing/webhook", h.HandleWebhook).Methods("POST")
}

// HandleWebhook verifies, decodes and applies one delivery. Deliveries the
// ledger cannot use, including undecodable ones, are acknowledged. Only bad
// signatures and unreadable bodies get a 4xx, and only infrastructure
// failures a 5xx so the gateway redelivers.
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context())

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httputil.WriteBadRequest(w, "failed to read body")
		return
	}

	var event billing.Event
	if h.secret != "" {
		event, err = stripe.VerifyAndParse(payload, r.Header.Get("Stripe-Signature"), h.secret)
	} else {
		event, err = stripe.ParseUnverified(payload)
	}
	if err != nil {
		if errors.Is(err, stripe.ErrInvalidSignature) {
			h.metrics.RecordWebhookEvent("unverified", "invalid_signature")
			logger.WithError(err).Warn("Rejected webhook with invalid signature")
			httputil.WriteBadRequest(w, "invalid signature")
			return
		}
		// Redelivering the same bytes cannot fix a decode failure
		h.metrics.RecordWebhookEvent("undecodable", "invalid_payload")
		logger.WithError(err).Warn("Acknowledging undecodable webhook without applying it")
		_ = httputil.WriteSuccess(w, map[string]bool{"received": true})
		return
	}

	meta := event.Meta()
	if err := h.reconciler.Apply(r.Context(), event); err != nil {
		logger.WithError(err).WithFields(map[string]interface{}{
			"event_id":   meta.ID,
			"event_type": meta.Type,
		}).Error("Failed to apply webhook event")
		httputil.WriteInternalError(w)
		return
	}

	_ = httputil.WriteSuccess(w, map[string]bool{"received": true})
}
