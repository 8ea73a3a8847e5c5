// Package admin is the Admin Surface (spec.md §4.6): the sole mutation
// path for cron_jobs, plus read, retry and retention-sweep access to
// job_executions and a health endpoint reporting Database Registry pool
// utilization.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/chronopool/scheduler/internal/dbregistry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server wraps the gin.Engine serving the admin API.
type Server struct {
	router   *gin.Engine
	registry *dbregistry.Registry
	cfg      Config
	logger   *zap.Logger
	httpSrv  *http.Server
}

// NewServer builds the admin router, binding every route in one place
// (spec.md: "all mutation of cron_jobs occurs here").
func NewServer(registry *dbregistry.Registry, cfg Config, logger *zap.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{registry: registry, cfg: cfg, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(errorHandlingMiddleware(logger))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
	}))

	v1 := router.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		jobs.GET("", s.listJobs)
		jobs.POST("", s.createJob)
		jobs.GET("/:id", s.getJob)
		jobs.PUT("/:id", s.updateJob)
		jobs.DELETE("/:id", s.deleteJob)
		jobs.POST("/:id/enable", s.setEnabled(true))
		jobs.POST("/:id/disable", s.setEnabled(false))

		executions := v1.Group("/executions")
		executions.GET("", s.listExecutions)
		executions.GET("/:id", s.getExecution)
		executions.POST("/:id/retry", s.retryExecution)
		executions.POST("/sweep", s.sweepExecutions)
	}

	router.GET("/health", s.health)

	s.router = router
	return s
}

// Router exposes the underlying engine, e.g. for tests using httptest.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts serving on addr until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
