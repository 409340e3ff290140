package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/httputil"
	"github.com/platinummonkey/subledger/pkg/observability"
)

// gatewayRetryAfter is the Retry-After hint sent with transient gateway failures
const gatewayRetryAfter = 30 * time.Second

// writeServiceError maps a billing error onto an HTTP response
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var billingErr *billing.Error
	if errors.As(err, &billingErr) {
		switch billingErr.Kind {
		case billing.KindNotFound:
			httputil.WriteNotFoundError(w, billingErr.Message)
			return
		case billing.KindBadRequest:
			if len(billingErr.Blockers) > 0 {
				httputil.WriteDetailedError(w, http.StatusBadRequest, billingErr.Message, map[string]interface{}{
					"blockers": billingErr.Blockers,
				})
				return
			}
			httputil.WriteBadRequest(w, billingErr.Message)
			return
		}
	}

	logger := observability.FromContext(r.Context()).WithError(err)

	var gatewayErr *billing.GatewayError
	if errors.As(err, &gatewayErr) {
		if gatewayErr.Retryable {
			logger.Warn("Payment gateway temporarily unavailable")
			httputil.WriteServiceUnavailable(w, "payment gateway temporarily unavailable", gatewayRetryAfter)
			return
		}
		logger.Error("Payment gateway rejected request")
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "payment gateway error")
		return
	}

	logger.Error("Billing request failed")
	httputil.WriteInternalError(w)
}
