// Package httpapi exposes the routing engine over HTTP/JSON with
// server-sent event streams for dashboards and customer widgets.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/chatroute"
	"github.com/arloliu/chatroute/internal/logging"
	"github.com/arloliu/chatroute/types"
)

// Engine is the subset of *chatroute.Engine served over HTTP.
type Engine interface {
	Ready() bool
	IsLeader() bool
	InstanceID() string

	RequestChat(ctx context.Context, customerID, customerName, message string) (types.ChatRequest, error)
	Claim(ctx context.Context, requestID, operatorID string) (types.ChatAssignment, error)
	Decline(ctx context.Context, requestID string) (types.ChatRequest, error)
	GetRequest(ctx context.Context, requestID string) (types.ChatRequest, error)
	PendingRequests(ctx context.Context) ([]types.ChatRequest, error)
	AutoAssign(ctx context.Context, customerID string) (*types.ChatAssignment, error)
	EndChat(ctx context.Context, assignmentID string, by types.Party) (types.ChatAssignment, error)
	EndChatFor(ctx context.Context, customerID, operatorID string, by types.Party) (types.ChatAssignment, error)
	RecordActivity(ctx context.Context, assignmentID string) (types.ChatAssignment, error)
	CustomerView(ctx context.Context, customerID string) (types.CustomerView, error)
	History(ctx context.Context, customerID string, limit int) ([]types.JournalEvent, error)

	SetOperatorStatus(ctx context.Context, operatorID string, update types.StatusUpdate) (types.OperatorStatus, error)
	Operators(ctx context.Context) ([]types.OperatorStatus, error)
	GetActiveAssignmentsFor(ctx context.Context, operatorID string) ([]types.ChatAssignment, error)

	WatchPending(ctx context.Context) (*chatroute.Subscription[[]types.ChatRequest], error)
	WatchOperators(ctx context.Context) (*chatroute.Subscription[[]types.OperatorStatus], error)
	WatchOperatorAssignments(ctx context.Context, operatorID string) (*chatroute.Subscription[[]types.ChatAssignment], error)
	WatchCustomer(ctx context.Context, customerID string) (*chatroute.Subscription[types.CustomerView], error)
	StartPresence(ctx context.Context, operatorID string) (*chatroute.PresenceSession, error)
}

var _ Engine = (*chatroute.Engine)(nil)

// Config configures the HTTP server.
type Config struct {
	// Required
	Engine Engine

	// Optional
	Addr           string                // Listen address (default: ":8080")
	AllowOrigins   []string              // CORS origins of dashboards and widgets (default: none)
	RequestTimeout time.Duration         // Per-request deadline for non-stream routes (default: 10s)
	PingInterval   time.Duration         // SSE keep-alive interval (default: 15s)
	Registerer     prometheus.Registerer // Registers HTTP metrics (default: none)
	Gatherer       prometheus.Gatherer   // Served on /metrics (default: prometheus.DefaultGatherer)
	Logger         types.Logger          // Logger (default: no-op)
}

// SetDefaults fills in missing optional fields.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
}

// Server serves the routing API.
type Server struct {
	cfg    Config
	router *gin.Engine
	srv    *http.Server

	// baseCtx parents every request context; cancelling it ends open streams.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New builds the router. The returned server does not listen until ListenAndServe.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, chatroute.ErrInvalidConfig
	}
	cfg.SetDefaults()

	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, router: gin.New()}

	s.router.Use(gin.Recovery(), requestLogger(cfg.Logger))
	if cfg.Registerer != nil {
		mw, err := httpMetrics(cfg.Registerer)
		if err != nil {
			return nil, err
		}
		s.router.Use(mw)
	}
	if len(cfg.AllowOrigins) > 0 {
		s.router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	s.routes()
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	return s, nil
}

func (s *Server) routes() {
	r := s.router

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")

	requests := v1.Group("/requests")
	requests.POST("", s.requestChat)
	requests.GET("/pending", s.pending)
	requests.POST("/:id/claim", s.claim)
	requests.POST("/:id/decline", s.decline)

	customers := v1.Group("/customers")
	customers.GET("/:id", s.customerView)
	customers.GET("/:id/history", s.history)
	customers.POST("/:id/auto-assign", s.autoAssign)
	customers.POST("/:id/end", s.endChatFor)

	assignments := v1.Group("/assignments")
	assignments.POST("/:id/end", s.endChat)
	assignments.POST("/:id/activity", s.activity)

	operators := v1.Group("/operators")
	operators.GET("", s.operators)
	operators.PUT("/:id/status", s.setStatus)
	operators.GET("/:id/assignments", s.operatorAssignments)

	stream := v1.Group("/stream")
	stream.GET("/pending", s.streamPending)
	stream.GET("/operators", s.streamOperators)
	stream.GET("/operators/:id", s.streamOperator)
	stream.GET("/customers/:id", s.streamCustomer)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) ListenAndServe() error {
	s.cfg.Logger.Info("http server listening", "addr", s.cfg.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
//
// Open event streams are ended first so they do not hold the shutdown open.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()

	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"instance": s.cfg.Engine.InstanceID(),
		"leader":   s.cfg.Engine.IsLeader(),
	}
	if !s.cfg.Engine.Ready() {
		body["status"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, body)

		return
	}

	body["status"] = "ok"
	c.JSON(http.StatusOK, body)
}

// opContext bounds a non-stream handler by RequestTimeout.
func (s *Server) opContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
}
