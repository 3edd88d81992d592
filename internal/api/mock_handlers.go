package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MockStatusResponse describes the mock substrate
type MockStatusResponse struct {
	Enabled  bool     `json:"enabled"`
	Fixtures []string `json:"fixtures"`
}

// SetMockRequest switches the persisted mock flag
type SetMockRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// GetMock reports the persisted mock flag and the available fixtures
func (h *Handlers) GetMock(c *gin.Context) {
	c.JSON(http.StatusOK, h.mockStatus())
}

// SetMock persists a new mock flag value
func (h *Handlers) SetMock(c *gin.Context) {
	if h.deps.Flag == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "mock mode not configured"})
		return
	}

	var req SetMockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Body must be {\"enabled\": true|false}.")
		return
	}
	if err := h.deps.Flag.Set(*req.Enabled); err != nil {
		h.logger.Error("Failed to persist mock flag", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist mock flag"})
		return
	}
	c.JSON(http.StatusOK, h.mockStatus())
}

func (h *Handlers) mockStatus() MockStatusResponse {
	resp := MockStatusResponse{Fixtures: []string{}}
	if h.deps.Flag != nil {
		resp.Enabled = h.deps.Flag.Enabled()
	}
	if h.deps.Fixtures != nil {
		resp.Fixtures = h.deps.Fixtures.IDs()
	}
	return resp
}

// ListExamples returns the dc_api create request examples published in
// the verifier's OpenAPI document
func (h *Handlers) ListExamples(c *gin.Context) {
	if h.deps.Discoverer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "example discovery not configured"})
		return
	}

	examples, err := h.deps.Discoverer.Discover(c.Request.Context())
	if err != nil {
		h.logger.Warn("Example discovery failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to discover examples", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, examples)
}
