// Package server exposes the service over HTTP with gin. Routes mirror the
// original experiment service so existing clients keep working.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cwbudde/trialforge/internal/service"
)

// Server represents the HTTP server
type Server struct {
	svc    *service.Service
	addr   string
	router *gin.Engine
	server *http.Server

	// pingInterval keeps idle event streams alive through proxies.
	pingInterval time.Duration
}

// NewServer creates a new HTTP server for svc.
func NewServer(addr string, svc *service.Service) *Server {
	s := &Server{
		svc:          svc,
		addr:         addr,
		pingInterval: 30 * time.Second,
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestIDMiddleware(), loggingMiddleware(), corsMiddleware())

	r.GET("/", s.handleInfo)
	r.GET("/health", s.handleHealth)

	r.POST("/create_experiment", s.handleCreateExperiment)
	r.GET("/get_next_trial/:id", s.handleGetNextTrial)
	r.POST("/complete_trial/:id/:index", s.handleCompleteTrial)
	r.POST("/fail_trial/:id/:index", s.handleFailTrial)
	r.GET("/get_best/:id", s.handleGetBest)
	r.GET("/get_trials/:id", s.handleGetTrials)
	r.POST("/save_checkpoint/:id", s.handleSaveCheckpoint)
	r.POST("/load_checkpoint", s.handleLoadCheckpoint)

	experiments := r.Group("/experiments")
	{
		experiments.GET("", s.handleListExperiments)
		experiments.DELETE("/:id", s.handleDeleteExperiment)
		experiments.GET("/:id/events", s.handleEvents)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
	})
	return r
}

// Start starts the HTTP server and blocks until it stops. A graceful
// Shutdown, even one that happens before Start, makes Start return nil.
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
