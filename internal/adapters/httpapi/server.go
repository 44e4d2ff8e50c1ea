package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghalamif/WaferProbe/internal/app/identity"
	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

// Reader is the read side of the ledger consumed by wafer map renderers.
type Reader interface {
	Verdict(c domain.Coordinate, rule domain.AggregationRule) (domain.FinalVerdict, error)
	Verdicts(rule domain.AggregationRule) ([]domain.FinalVerdict, error)
	History(c domain.Coordinate) []domain.TestAttempt
	Coordinates() []domain.Coordinate
}

// Operator drives the station.
type Operator interface {
	RunNext(ctx context.Context, mode identity.Mode) (domain.TestAttempt, error)
	Abort() bool
	Reset() error
}

type Option func(*Server)

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithObservability(obs ports.Observability) Option {
	return func(s *Server) { s.obs = obs }
}

// Server exposes verdicts, history and operator actions over HTTP.
type Server struct {
	addr     string
	rule     domain.AggregationRule
	reader   Reader
	operator Operator
	gatherer prometheus.Gatherer
	obs      ports.Observability
	engine   *gin.Engine
}

func New(addr string, rule domain.AggregationRule, reader Reader, operator Operator, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		addr:     addr,
		rule:     rule,
		reader:   reader,
		operator: operator,
		gatherer: prometheus.DefaultGatherer,
		engine:   engine,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.obs != nil {
		engine.Use(s.accessLog())
	}
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/api/v1")
	v1.GET("/coordinates", s.handleCoordinates)
	v1.GET("/verdicts", s.handleVerdicts)
	v1.GET("/verdicts/:row/:col", s.handleVerdict)
	v1.GET("/history/:row/:col", s.handleHistory)

	if s.operator != nil {
		v1.POST("/runs", s.handleRun)
		v1.POST("/skip", s.handleSkip)
		v1.POST("/abort", s.handleAbort)
		v1.POST("/reset", s.handleReset)
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.obs.LogInfo("http request",
			ports.Field{Key: "method", Value: c.Request.Method},
			ports.Field{Key: "path", Value: c.FullPath()},
			ports.Field{Key: "status", Value: c.Writer.Status()},
			ports.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()})
	}
}
