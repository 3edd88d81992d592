package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/dcflow"
	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/metrics"
	"github.com/sirosfoundation/go-digital-credentials/internal/mock"
	"github.com/sirosfoundation/go-digital-credentials/internal/storage"
	"github.com/sirosfoundation/go-digital-credentials/internal/templates"
	"github.com/sirosfoundation/go-digital-credentials/internal/websocket"
	"github.com/sirosfoundation/go-digital-credentials/pkg/config"
)

// ServiceName is reported by /status
const ServiceName = "digital-credentials"

// Pinger checks a dependency
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the handlers. Bridge, Discoverer and
// Health are optional.
type Deps struct {
	Config     *config.Config
	Clients    map[domain.Protocol]*dcflow.Client
	Templates  *templates.Store
	Discoverer *templates.Discoverer
	Flag       *mock.Flag
	Fixtures   *mock.FixtureSet
	Bridge     *websocket.Manager
	Flows      storage.FlowStore
	Health     Pinger
	Metrics    *metrics.Metrics
}

// Handlers aggregates all HTTP handlers
type Handlers struct {
	deps   Deps
	logger *zap.Logger

	// background flows started by StartFlow
	runCtx    context.Context
	cancelRun context.CancelFunc
	running   sync.WaitGroup
}

// NewHandlers creates a new Handlers instance
func NewHandlers(deps Deps, logger *zap.Logger) *Handlers {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handlers{
		deps:      deps,
		logger:    logger.Named("handlers"),
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Close cancels background flows and waits for them to record their outcome
func (h *Handlers) Close(ctx context.Context) error {
	h.cancelRun()

	done := make(chan struct{})
	go func() {
		h.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status handles the /status endpoint
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status:       "ok",
		Service:      ServiceName,
		APIVersion:   CurrentAPIVersion,
		Capabilities: APICapabilities[CurrentAPIVersion],
		Mock:         h.deps.Flag != nil && h.deps.Flag.Enabled(),
		Verifier:     h.deps.Config.Verifier.BaseURL,
	})
}

// Health reports whether flow history storage is reachable
func (h *Handlers) Health(c *gin.Context) {
	if h.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := h.deps.Health.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// client returns the session client of protocol
func (h *Handlers) client(protocol domain.Protocol) (*dcflow.Client, bool) {
	client, ok := h.deps.Clients[protocol]
	return client, ok && client != nil
}
