package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/casefile-ai/casefile/internal/agents"
	"github.com/casefile-ai/casefile/internal/config"
	"github.com/casefile-ai/casefile/internal/investigation"
	investigationdomain "github.com/casefile-ai/casefile/internal/investigation/domain"
	"github.com/casefile-ai/casefile/internal/investigation/stream"
	"github.com/casefile-ai/casefile/internal/ledger"
	ledgerdomain "github.com/casefile-ai/casefile/internal/ledger/domain"
	obslogger "github.com/casefile-ai/casefile/internal/observability/logger"
	obsmetrics "github.com/casefile-ai/casefile/internal/observability/metrics"
	"github.com/casefile-ai/casefile/internal/payment"
	paymentdomain "github.com/casefile-ai/casefile/internal/payment/domain"
	"github.com/casefile-ai/casefile/internal/paymentretry"
	retrydomain "github.com/casefile-ai/casefile/internal/paymentretry/domain"
	"github.com/casefile-ai/casefile/internal/providers"
	paymentprovider "github.com/casefile-ai/casefile/internal/providers/payment"
	"github.com/casefile-ai/casefile/internal/ratelimit"
)

var Module = fx.Module("http.server",
	config.Module,
	fx.Provide(registerGin),
	providers.Module,
	agents.Module,
	ledger.Module,
	paymentretry.Module,
	payment.Module,
	investigation.Module,
	ratelimit.Module,
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(m *obsmetrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(m))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(m *obsmetrics.Metrics) *gin.Engine {
	return NewEngine(m)
}

func run(lc fx.Lifecycle, r *gin.Engine) {
	srv := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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

type Server struct {
	engine           *gin.Engine
	log              *zap.Logger
	cfg              config.Config
	billing          *config.BillingConfigHolder
	genID            *snowflake.Node
	ledgerSvc        ledgerdomain.Service
	investigationSvc investigationdomain.Service
	investigations   *stream.Hub
	paymentSvc       paymentdomain.Service
	retrySvc         retrydomain.Service
	paymentProvider  paymentprovider.Client
	startLimiter     *ratelimit.InvestigationStartLimiter
	obsMetrics       *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin              *gin.Engine
	Log              *zap.Logger
	Cfg              config.Config
	Billing          *config.BillingConfigHolder
	GenID            *snowflake.Node
	LedgerSvc        ledgerdomain.Service
	InvestigationSvc investigationdomain.Service
	Investigations   *stream.Hub
	PaymentSvc       paymentdomain.Service
	RetrySvc         retrydomain.Service
	PaymentProvider  paymentprovider.Client
	StartLimiter     *ratelimit.InvestigationStartLimiter `optional:"true"`
	ObsMetrics       *obsmetrics.Metrics                  `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:           p.Gin,
		log:              p.Log.Named("server"),
		cfg:              p.Cfg,
		billing:          p.Billing,
		genID:            p.GenID,
		ledgerSvc:        p.LedgerSvc,
		investigationSvc: p.InvestigationSvc,
		investigations:   p.Investigations,
		paymentSvc:       p.PaymentSvc,
		retrySvc:         p.RetrySvc,
		paymentProvider:  p.PaymentProvider,
		startLimiter:     p.StartLimiter,
		obsMetrics:       p.ObsMetrics,
	}
}

func registerRoutes(s *Server) {
	s.RegisterAPIRoutes()
	s.RegisterInternalRoutes()
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Investigations --------
	api.POST("/investigations", s.AuthRequired(), s.InvestigationStartRateLimit(), s.StartInvestigation)

	// -------- Credits --------
	api.GET("/credits/balance", s.AuthRequired(), s.GetCreditBalance)
	api.GET("/credits/packages", s.ListCreditPackages)
	api.POST("/credits/checkout", s.AuthRequired(), s.CreateCheckout)

	// Provider callbacks live outside /api: Stripe signs the raw body, and
	// the endpoint authenticates with the signature, not a bearer token.
	s.engine.POST("/webhooks/stripe", s.HandleStripeWebhook)
}

func (s *Server) RegisterInternalRoutes() {
	internal := s.engine.Group("/internal")

	internal.POST("/retries/sweep", s.SweepPaymentRetries)
}
