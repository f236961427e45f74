package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/jianjunlu/claude-relay-service/internal/account"
	"github.com/jianjunlu/claude-relay-service/internal/config"
	"github.com/jianjunlu/claude-relay-service/internal/ratelimit"
	"github.com/jianjunlu/claude-relay-service/internal/relay"
	"github.com/jianjunlu/claude-relay-service/internal/server/middleware"
	"github.com/jianjunlu/claude-relay-service/internal/usage"
	"github.com/jianjunlu/claude-relay-service/pkg/auth"
)

// Server is the relay HTTP server. It owns the gin engine, the dispatch
// dependencies, and the config watcher.
type Server struct {
	cfg        *config.Config
	engine     *gin.Engine
	httpServer *http.Server

	authMW   *middleware.Auth
	selector *account.RoundRobinSelector
	limiter  *ratelimit.Limiter
	upstream *relay.Client
	recorder *usage.Recorder
	watcher  *config.Watcher

	version string
}

// Option configures a Server.
type Option func(*Server)

// WithVersion stamps the build version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithRecorder attaches a usage recorder. Without one, usage rows are not
// persisted; metrics still count.
func WithRecorder(recorder *usage.Recorder) Option {
	return func(s *Server) { s.recorder = recorder }
}

// New builds a Server from the loaded config.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	limiter := ratelimit.NewLimiter()

	s := &Server{
		cfg:      cfg,
		engine:   gin.New(),
		limiter:  limiter,
		selector: account.NewRoundRobinSelector(cfg.Accounts, limiter),
		upstream: relay.NewClient(cfg.Timeout(), cfg.UserAgent),
		version:  "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	var jwtManager *auth.JWTManager
	if cfg.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.JWTSecret)
	}
	s.authMW = middleware.NewAuth(jwtManager, cfg.APIKeys)

	s.setupMiddleware()
	s.setupRoutes()
	if err := s.setupConfigWatcher(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.CORS())
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.Health)

	v1 := s.engine.Group("/v1", s.authMW.Handler())
	v1.POST("/messages", s.AnthropicMessages)
}

// setupConfigWatcher hot-reloads accounts and API keys when the config file
// changes.
func (s *Server) setupConfigWatcher() error {
	if s.cfg.ConfigFile == "" {
		return nil
	}
	watcher, err := config.NewWatcher(s.cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	watcher.AddCallback(func(cfg *config.Config) {
		s.selector.SetAccounts(cfg.Accounts)
		s.authMW.SetKeys(cfg.APIKeys)
	})
	s.watcher = watcher
	return nil
}

// Health reports liveness and the build version.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
	})
}

// Engine exposes the router, primarily for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start begins serving and blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logrus.Warnf("config watcher not started: %v", err)
		}
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logrus.Infof("claude-relay %s listening on %s", s.version, s.cfg.Addr())
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	if s.recorder != nil {
		defer func() {
			if err := s.recorder.Close(); err != nil {
				logrus.Errorf("failed to close usage recorder: %v", err)
			}
		}()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
