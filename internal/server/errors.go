package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitle/internal/gateway"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/smallbiznis/entitle/internal/plan"
	subscriptiondomain "github.com/smallbiznis/entitle/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/entitle/internal/usage/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// mapError separates retryable failures (503) from caller mistakes. A price
// mismatch is deliberately opaque to the payer; operators see it in logs.
func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, paymentdomain.ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}

	case errors.Is(err, paymentdomain.ErrInvalidPlanForPayment),
		errors.Is(err, paymentdomain.ErrDowngradeRequiresScheduling),
		errors.Is(err, paymentdomain.ErrInvalidTransition),
		errors.Is(err, subscriptiondomain.ErrNotADowngrade),
		errors.Is(err, subscriptiondomain.ErrAlreadyCancelled),
		errors.Is(err, subscriptiondomain.ErrNoBillingDate):
		return http.StatusConflict, errorPayload{Type: "invalid_transition", Message: err.Error()}

	case errors.Is(err, plan.ErrUnknownPlan),
		errors.Is(err, plan.ErrUnknownPeriod),
		errors.Is(err, subscriptiondomain.ErrInvalidTenant),
		errors.Is(err, subscriptiondomain.ErrInvalidUser),
		errors.Is(err, usagedomain.ErrUnknownResource),
		errors.Is(err, usagedomain.ErrInvalidDelta):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: err.Error()}

	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "gateway_unavailable", Message: "payment gateway unavailable, retry later"}

	case errors.Is(err, paymentdomain.ErrPriceMismatch),
		errors.Is(err, paymentdomain.ErrManualReviewRequired):
		return http.StatusConflict, errorPayload{Type: "manual_review", Message: "payment requires manual review"}

	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}
