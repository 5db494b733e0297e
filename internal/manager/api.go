package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/corralhq/corral/internal/common/config"
	"github.com/corralhq/corral/internal/common/logger"
)

// APIServer exposes a read-only ops surface: health and worker status. All
// mutation flows through the command stream.
type APIServer struct {
	manager *Manager
	server  *http.Server
	logger  *logger.Logger
}

// NewAPIServer builds the ops HTTP server.
func NewAPIServer(m *Manager, cfg config.ServerConfig, log *logger.Logger) *APIServer {
	gin.SetMode(gin.ReleaseMode)

	a := &APIServer{
		manager: m,
		logger:  log.WithFields(zap.String("component", "ops-api")),
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", a.health)
	api := router.Group("/api/v1")
	{
		api.GET("/workers", a.listWorkers)
		api.GET("/workers/:id", a.getWorker)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return a
}

// Run serves until the context is cancelled, then drains.
func (a *APIServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("ops api listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	}
}

// health reports broker and runtime reachability.
// GET /health
func (a *APIServer) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{"broker": "ok", "runtime": "ok"}

	if err := a.manager.broker.Ping(ctx); err != nil {
		checks["broker"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := a.manager.runtime.Ping(ctx); err != nil {
		checks["runtime"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
}

// listWorkers returns status snapshots for every tracked worker.
// GET /api/v1/workers
func (a *APIServer) listWorkers(c *gin.Context) {
	workers := a.manager.ListWorkers()
	c.JSON(http.StatusOK, gin.H{"workers": workers, "total": len(workers)})
}

// getWorker returns one worker's status.
// GET /api/v1/workers/:id
func (a *APIServer) getWorker(c *gin.Context) {
	w, err := a.manager.GetWorker(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, w.Status())
}
