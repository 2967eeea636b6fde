package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AmanK-tech/TubeAgent/internal/engine"
	"github.com/AmanK-tech/TubeAgent/internal/jobs"
	"github.com/AmanK-tech/TubeAgent/internal/manifest"
	"github.com/AmanK-tech/TubeAgent/internal/progress"
)

// Pipeline is the engine surface the API depends on.
type Pipeline interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (string, error)
	Cancel(jobID string) error
	Tracker(jobID string) *progress.Tracker
	Manifest(ctx context.Context, jobID string) (*manifest.Manifest, error)
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port       int
	Engine     Pipeline
	Repository jobs.Repository
	Logger     *slog.Logger
	StartTime  time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:     router,
			ReadTimeout: 15 * time.Second,
			// No write timeout: the events endpoint streams for the lifetime
			// of a job.
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
