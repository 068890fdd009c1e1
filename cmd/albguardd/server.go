package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/albguard/albguard/internal/config"
	"github.com/albguard/albguard/internal/guard"
	"github.com/albguard/albguard/internal/middleware"
	"github.com/albguard/albguard/internal/observability"
)

// Response headers carrying the verified identity to the protected
// upstream.
const (
	HeaderAuthSubject  = "X-Auth-Subject"
	HeaderAuthUsername = "X-Auth-Username"
	HeaderAuthEmail    = "X-Auth-Email"
	HeaderAuthGroups   = "X-Auth-Groups"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions
var ginModeOnce sync.Once

// server is the daemon's auth endpoint server.
type server struct {
	httpServer *http.Server
	logger     observability.Logger
}

// newServer builds the gin engine and the HTTP server around it.
func newServer(
	cfg *config.Config,
	g guard.Guard,
	tracer *observability.Tracer,
	logger observability.Logger,
) *server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Logging(logger, "/healthz"),
		middleware.Recovery(logger),
	)

	engine.GET("/healthz", handleHealthz)
	engine.GET("/auth", g.GinMiddleware(), handleAuth)

	return &server{
		httpServer: &http.Server{
			Addr:              cfg.Server.Address,
			Handler:           observability.TracingMiddleware(tracer)(engine),
			ReadTimeout:       cfg.Server.ReadTimeout.Duration(),
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Duration(),
			WriteTimeout:      cfg.Server.WriteTimeout.Duration(),
			IdleTimeout:       cfg.Server.IdleTimeout.Duration(),
		},
		logger: logger,
	}
}

// handleAuth answers the forward-auth subrequest after the guard has
// admitted it. The verified identity travels back in response headers
// for the caller to forward upstream.
func handleAuth(c *gin.Context) {
	identity, ok := guard.IdentityFromGin(c)
	if !ok {
		// The guard middleware aborts denied requests before the
		// handler runs, so a missing identity means a wiring bug.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "identity missing after authentication",
		})
		return
	}

	c.Header(HeaderAuthSubject, identity.Subject())
	if username := identity.Username(); username != "" {
		c.Header(HeaderAuthUsername, username)
	}
	if email := identity.Email(); email != "" {
		c.Header(HeaderAuthEmail, email)
	}
	if groups := identity.Groups(); len(groups) > 0 {
		c.Header(HeaderAuthGroups, strings.Join(groups, ","))
	}

	c.Status(http.StatusOK)
}

// handleHealthz answers liveness probes.
func handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version,
	})
}

// Start binds the listener and begins serving in the background. Bind
// failures surface synchronously.
func (s *server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("auth endpoint listening",
		observability.String("address", s.httpServer.Addr),
	)

	go func() {
		if serveErr := s.httpServer.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("auth server error", observability.Error(serveErr))
		}
	}()

	return nil
}

// Stop drains in-flight requests and stops the server.
func (s *server) Stop(ctx context.Context) error {
	s.logger.Info("stopping auth server")
	return s.httpServer.Shutdown(ctx)
}
