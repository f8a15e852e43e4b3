package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/smallbiznis/entitle/internal/plan"
	subscriptiondomain "github.com/smallbiznis/entitle/internal/subscription/domain"
	"go.uber.org/zap"
)

func (s *Server) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": plan.List()})
}

func (s *Server) GetTenantUsage(c *gin.Context) {
	tenantID, err := snowflake.ParseString(strings.TrimSpace(c.Param("tenantID")))
	if err != nil {
		AbortWithError(c, subscriptiondomain.ErrInvalidTenant)
		return
	}

	report, err := s.usageSvc.GetTenantUsage(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type createPaymentRequest struct {
	TenantID      string `json:"tenant_id" binding:"required"`
	UserID        string `json:"user_id" binding:"required"`
	Plan          string `json:"plan" binding:"required"`
	BillingPeriod string `json:"billing_period" binding:"required"`
}

func (s *Server) CreatePaymentIntent(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, subscriptiondomain.ErrInvalidTenant)
		return
	}
	tenantID, err := snowflake.ParseString(req.TenantID)
	if err != nil {
		AbortWithError(c, subscriptiondomain.ErrInvalidTenant)
		return
	}
	userID, err := snowflake.ParseString(req.UserID)
	if err != nil {
		AbortWithError(c, subscriptiondomain.ErrInvalidUser)
		return
	}

	intent, err := s.paySvc.CreateIntent(c.Request.Context(), paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Plan(strings.ToUpper(strings.TrimSpace(req.Plan))),
		BillingPeriod: plan.BillingPeriod(strings.ToUpper(strings.TrimSpace(req.BillingPeriod))),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

func (s *Server) VerifyPayment(c *gin.Context) {
	externalID := strings.TrimSpace(c.Param("externalID"))
	payment, err := s.paySvc.Verify(c.Request.Context(), externalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (s *Server) RefundPayment(c *gin.Context) {
	externalID := strings.TrimSpace(c.Param("externalID"))
	payment, err := s.paySvc.Refund(c.Request.Context(), externalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (s *Server) ReapplyPayment(c *gin.Context) {
	externalID := strings.TrimSpace(c.Param("externalID"))
	payment, err := s.paySvc.Reapply(c.Request.Context(), externalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type downgradeRequest struct {
	TenantID   string `json:"tenant_id" binding:"required"`
	TargetPlan string `json:"target_plan" binding:"required"`
}

func (s *Server) ScheduleDowngrade(c *gin.Context) {
	var req downgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, subscriptiondomain.ErrInvalidTenant)
		return
	}
	tenantID, err := snowflake.ParseString(req.TenantID)
	if err != nil {
		AbortWithError(c, subscriptiondomain.ErrInvalidTenant)
		return
	}

	subscription, err := s.subSvc.ScheduleDowngrade(c.Request.Context(), subscriptiondomain.ScheduleDowngradeRequest{
		TenantID:   tenantID,
		TargetPlan: plan.Plan(strings.ToUpper(strings.TrimSpace(req.TargetPlan))),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscription)
}

type cancelRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
}

func (s *Server) CancelSubscription(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, subscriptiondomain.ErrInvalidTenant)
		return
	}
	tenantID, err := snowflake.ParseString(req.TenantID)
	if err != nil {
		AbortWithError(c, subscriptiondomain.ErrInvalidTenant)
		return
	}

	subscription, err := s.subSvc.Cancel(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscription)
}

// HandlePaymentWebhook always acknowledges: a permanently failing event must
// not be retried by the provider forever. Failures are logged for follow-up.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	signature := c.GetHeader("X-Webhook-Signature")
	if err := s.webhookSvc.Process(c.Request.Context(), payload, signature); err != nil {
		s.log.Warn("webhook rejected", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
