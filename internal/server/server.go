package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"c4e-agent/internal/config"
	"c4e-agent/internal/prices"
	"c4e-agent/internal/service"
)

// Server exposes the decision boundary over HTTP.
type Server struct {
	svc             *service.Service
	logger          zerolog.Logger
	httpServer      *http.Server
	shutdownTimeout time.Duration
}

// New assembles the router, middleware, and the underlying http.Server.
func New(cfg *config.Config, svc *service.Service, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		svc:             svc,
		logger:          logger.With().Str("component", "http").Logger(),
		shutdownTimeout: cfg.Server.ShutdownTimeout,
	}

	router := gin.New()
	router.Use(requestLogger(s.logger))
	router.Use(recovery())

	router.POST("/decision", s.handleDecision)
	router.GET("/forecast", s.handleForecast)
	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	corsWrapper := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept"},
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      corsWrapper.Handler(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// Handler returns the assembled handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info().Msg("http server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleDecision(c *gin.Context) {
	var dto decisionRequestDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}

	req, err := dto.toRequest()
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	res, err := s.svc.Handle(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("decision handler failed")
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "decision failed")
		return
	}

	c.JSON(http.StatusOK, toDecisionResponse(res))
}

func (s *Server) handleForecast(c *gin.Context) {
	hour := time.Now().UTC().Hour()
	if raw := c.Query("hour"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "hour must be an integer")
			return
		}
		hour = parsed
	}

	lookAhead := 0
	if raw := c.Query("look_ahead"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "look_ahead must be a positive integer")
			return
		}
		lookAhead = parsed
	}

	an, err := s.svc.Forecast(hour, lookAhead)
	if err != nil {
		if errors.Is(err, prices.ErrUnavailable) {
			writeError(c, http.StatusServiceUnavailable, "TABLE_UNAVAILABLE", "tariff table not loaded yet")
			return
		}
		s.logger.Error().Err(err).Msg("forecast handler failed")
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "forecast failed")
		return
	}

	c.JSON(http.StatusOK, toForecastResponse(an))
}

func (s *Server) handleHealthz(c *gin.Context) {
	loaded, hours := s.svc.TableStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"price_table_loaded": loaded,
		"price_table_hours":  hours,
	})
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}
