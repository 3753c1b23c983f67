package router

import (
	"net/http"
	"time"

	_ "github.com/erp/dte/docs"
	"github.com/erp/dte/internal/infrastructure/auth"
	"github.com/erp/dte/internal/infrastructure/cache"
	"github.com/erp/dte/internal/infrastructure/logger"
	"github.com/erp/dte/internal/interfaces/http/dto"
	"github.com/erp/dte/internal/interfaces/http/handler"
	"github.com/erp/dte/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// APIConfig wires the use cases and cross-cutting services into the engine
type APIConfig struct {
	Logger  *zap.Logger
	Version string

	CAFs      handler.CAFUseCases
	Documents handler.DocumentUseCases
	Poller    handler.StatusPoller
	Health    map[string]handler.HealthCheck

	Tokens         middleware.TokenValidator
	Replays        cache.IdempotencyStore
	IdempotencyTTL time.Duration

	Tracing     middleware.TracingConfig
	Meter       metric.Meter
	MaxBodySize int64
	RateLimit   float64
	RateBurst   int

	Swagger middleware.SwaggerConfig
}

// NewAPI builds the gin engine serving /health, /swagger and /api/v1
func NewAPI(cfg APIConfig) (*gin.Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Replays == nil {
		cfg.Replays = cache.NewInMemoryIdempotencyStore()
	}
	if cfg.IdempotencyTTL == 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(
		middleware.RequestID(),
		middleware.Tracing(cfg.Tracing),
		logger.GinMiddleware(log),
		logger.Recovery(log),
		middleware.Secure(),
	)
	if cfg.Meter != nil {
		mw, err := middleware.HTTPMetrics(cfg.Meter)
		if err != nil {
			return nil, err
		}
		engine.Use(mw)
	}
	if cfg.MaxBodySize > 0 {
		engine.Use(middleware.BodyLimit(cfg.MaxBodySize))
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.NewErrorResponseWithRequestID(dto.ErrCodeNotFound, "Route not found", middleware.GetRequestID(c)))
	})
	engine.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, dto.NewErrorResponseWithRequestID(dto.ErrCodeBadRequest, "Method not allowed", middleware.GetRequestID(c)))
	})

	system := handler.NewSystemHandler(cfg.Version, cfg.Health)
	engine.GET("/health", system.Health)
	engine.GET("/swagger/*any",
		middleware.SwaggerProtection(cfg.Swagger, middleware.OperatorAuth(cfg.Tokens, log)),
		ginSwagger.WrapHandler(swaggerFiles.Handler))

	protected := []gin.HandlerFunc{
		middleware.OperatorAuth(cfg.Tokens, log),
		middleware.SpanAttributes(),
	}
	if cfg.RateLimit > 0 {
		protected = append(protected, middleware.RateLimit(middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)))
	}

	r := NewRouter(engine, WithAPIVersion("v1"))
	r.Register(cafRoutes(handler.NewCAFHandler(cfg.CAFs)))
	r.Register(documentRoutes(handler.NewDocumentHandler(cfg.Documents, cfg.Poller),
		middleware.Idempotency(cfg.Replays, cfg.IdempotencyTTL)))
	r.Setup(protected...)

	return engine, nil
}

func cafRoutes(h *handler.CAFHandler) *DomainGroup {
	read := middleware.RequireScope(auth.ScopeRead)
	manage := middleware.RequireScope(auth.ScopeCAF)
	return NewDomainGroup("cafs", "/cafs").
		POST("", manage, h.Ingest).
		GET("", read, h.List).
		POST("/hide-exhausted", manage, h.HideExhausted).
		PATCH("/:id/visibility", manage, h.SetVisibility).
		GET("/:id/voided-folios", read, h.VoidedFolios)
}

func documentRoutes(h *handler.DocumentHandler, idempotent gin.HandlerFunc) *DomainGroup {
	read := middleware.RequireScope(auth.ScopeRead)
	issue := middleware.RequireScope(auth.ScopeIssue)
	operate := middleware.RequireScope(auth.ScopeOperate)
	return NewDomainGroup("documents", "/documents").
		POST("", issue, idempotent, h.Issue).
		GET("/:id/status", read, h.Status).
		POST("/:id/poll", read, h.Poll).
		POST("/:id/reissue", issue, idempotent, h.Reissue).
		POST("/:id/requeue", operate, h.Requeue).
		POST("/:id/abandon", operate, h.Abandon)
}
