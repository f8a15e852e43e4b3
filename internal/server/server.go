// Package server exposes the billing engine over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/entitle/internal/config"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/entitle/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/entitle/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServerParams struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	GenID      *snowflake.Node
	SubSvc     subscriptiondomain.Service
	UsageSvc   usagedomain.Service
	PaySvc     paymentdomain.Service
	WebhookSvc paymentdomain.WebhookService
}

type Server struct {
	engine *gin.Engine
	log    *zap.Logger
	genID  *snowflake.Node

	subSvc     subscriptiondomain.Service
	usageSvc   usagedomain.Service
	paySvc     paymentdomain.Service
	webhookSvc paymentdomain.WebhookService
}

func NewServer(p ServerParams) *Server {
	if p.Config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(ErrorHandlingMiddleware())

	s := &Server{
		engine: engine,
		log:    p.Log.Named("http.server"),
		genID:  p.GenID,

		subSvc:     p.SubSvc,
		usageSvc:   p.UsageSvc,
		paySvc:     p.PaySvc,
		webhookSvc: p.WebhookSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/plans", s.ListPlans)
		v1.GET("/tenants/:tenantID/usage", s.GetTenantUsage)
		v1.POST("/payments", s.CreatePaymentIntent)
		v1.POST("/payments/:externalID/verify", s.VerifyPayment)
		v1.POST("/payments/:externalID/refund", s.RefundPayment)
		v1.POST("/payments/:externalID/reapply", s.ReapplyPayment)
		v1.POST("/subscriptions/downgrade", s.ScheduleDowngrade)
		v1.POST("/subscriptions/cancel", s.CancelSubscription)
	}

	s.engine.POST("/webhooks/payments", s.HandlePaymentWebhook)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(NewServer),
	fx.Invoke(run),
)
