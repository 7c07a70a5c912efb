package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/slotbook/internal/booking"
	bookingdomain "github.com/smallbiznis/slotbook/internal/booking/domain"
	"github.com/smallbiznis/slotbook/internal/commission"
	"github.com/smallbiznis/slotbook/internal/config"
	"github.com/smallbiznis/slotbook/internal/events"
	"github.com/smallbiznis/slotbook/internal/idempotency"
	"github.com/smallbiznis/slotbook/internal/ledger"
	"github.com/smallbiznis/slotbook/internal/observability"
	obsmiddleware "github.com/smallbiznis/slotbook/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/slotbook/internal/observability/metrics"
	obstracing "github.com/smallbiznis/slotbook/internal/observability/tracing"
	"github.com/smallbiznis/slotbook/internal/payment"
	paymentdomain "github.com/smallbiznis/slotbook/internal/payment/domain"
	"github.com/smallbiznis/slotbook/internal/ratelimit"
	"github.com/smallbiznis/slotbook/internal/tenant"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	tenant.Module,
	commission.Module,
	idempotency.Module,
	ledger.Module,
	events.Module,
	ratelimit.Module,
	booking.Module,
	payment.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// maxWebhookBody caps provider payloads read into memory.
const maxWebhookBody = 1 << 20

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	bookingSvc bookingdomain.Service
	webhookSvc paymentdomain.WebhookService
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	BookingSvc bookingdomain.Service
	WebhookSvc paymentdomain.WebhookService
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http"),
		bookingSvc: p.BookingSvc,
		webhookSvc: p.WebhookSvc,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")

	// -------- Bookings --------
	tenants := api.Group("/tenants/:tenant_id", s.TenantRequired())
	tenants.POST("/bookings", s.ReserveBooking)
	tenants.GET("/bookings/:booking_id", s.GetBooking)
	tenants.POST("/bookings/:booking_id/cancel", s.AdminRequired(), s.CancelBooking)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider/:tenant_id", s.HandlePaymentWebhook)
}
