package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/config"
	"github.com/jmehdipour/customer-cqrs/internal/http/middleware"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps are the collaborators behind the API. Cache, DeadLetters and Redis are optional.
type Deps struct {
	Commands    CustomerCommands
	Views       repository.CustomerViewsRepository
	Cache       repository.CustomerViewCache
	DeadLetters repository.CHDeadLettersRepository
	Redis       *redis.Client
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	log := logger.Named("http")
	if d.Cache == nil {
		d.Cache = repository.NopViewCache{}
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMid.Recover(), echoMid.RequestID(), requestLogger(log))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.HTTP.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            cfg.RateLimit.RPS,
		KeyPrefix:      "rl:client:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/customers", createCustomerHandler(d.Commands, log))
	v1.PATCH("/customers/:id", updateCustomerHandler(d.Commands, log))
	v1.DELETE("/customers/:id", deleteCustomerHandler(d.Commands, log))
	v1.GET("/customers/:id", getCustomerHandler(d.Views, d.Cache, log))
	v1.GET("/customers", listCustomersHandler(d.Views, log))
	if d.DeadLetters != nil {
		v1.GET("/admin/dead-letters", listDeadLettersHandler(d.DeadLetters, log))
		v1.GET("/admin/dead-letters/:eventId", getDeadLetterHandler(d.DeadLetters, log))
	}

	return &Server{e: e, log: log}
}

// requestLogger replaces echo's text logger with one zap line per request.
func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v echoMid.RequestLoggerValues) error {
			log.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			)
			return nil
		},
	})
}

func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
