// Package api serves the matching engine over HTTP with gin.
//
// Every route runs under the actor named by the X-Actor header. Engine
// errors map to status codes by kind: INPUT 400, NOT_FOUND 404,
// STATE_CONFLICT 409, DISPATCH 503, EXHAUSTED 502.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/roach88/pairwise/internal/engine"
)

// Request headers.
const (
	HeaderActor     = "X-Actor"
	HeaderRequestID = "X-Request-Id"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP front of an Engine.
type Server struct {
	engine       *engine.Engine
	log          logrus.FieldLogger
	allowOrigins []string
	router       *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger. Default: the logrus standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithAllowOrigins restricts CORS to the given origins. Default: any origin.
func WithAllowOrigins(origins ...string) Option {
	return func(s *Server) { s.allowOrigins = origins }
}

// New builds the router for e.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{engine: e, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.WithField("addr", addr).Info("api listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("api stopped")
	return nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.requestContext)
	r.Use(s.corsMiddleware())
	r.Use(s.errorLogger)
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	api := r.Group("/api")

	inv := api.Group("/invoices/:id")
	inv.GET("/candidates", s.candidates)
	inv.POST("/candidates/retry", s.retryCandidates)
	inv.POST("/confirm", s.confirm)
	inv.POST("/reject", s.reject)
	inv.GET("/pair", s.currentPair)
	inv.GET("/history", s.history)
	inv.GET("/audit", s.auditLog)

	api.GET("/pairs", s.summary)
	api.GET("/pairs/export", s.export)
	api.GET("/pairs/:id", s.pair)
	api.POST("/pairs/:id/override", s.override)
	api.POST("/pairs/:id/reconcile", s.reconcile)

	api.GET("/actions", s.actions)
	api.POST("/actions", s.enqueue)
	api.POST("/actions/drain", s.drain)
	api.POST("/actions/:id/retry", s.retryAction)

	api.POST("/late-matches", s.lateMatches)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

// requestContext tags the request with an id and the acting user.
func (s *Server) requestContext(c *gin.Context) {
	rid := c.GetHeader(HeaderRequestID)
	if rid == "" {
		rid = uuid.NewString()
	}
	c.Header(HeaderRequestID, rid)
	c.Set("request_id", rid)

	ctx := c.Request.Context()
	if actor := c.GetHeader(HeaderActor); actor != "" {
		ctx = engine.WithActor(ctx, actor)
	}
	c.Request = c.Request.WithContext(ctx)
	c.Next()
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(s.allowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.allowOrigins
	}
	cfg.AddAllowMethods("GET", "POST", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", HeaderActor, HeaderRequestID)
	cfg.AddExposeHeaders("Content-Length", "Content-Disposition", HeaderRequestID)
	return cors.New(cfg)
}

// errorLogger logs errors attached by handlers.
func (s *Server) errorLogger(c *gin.Context) {
	c.Next()
	if len(c.Errors) == 0 {
		return
	}
	s.log.WithFields(logrus.Fields{
		"request_id": c.GetString("request_id"),
		"method":     c.Request.Method,
		"path":       c.FullPath(),
		"status":     c.Writer.Status(),
	}).Error(c.Errors.String())
}
