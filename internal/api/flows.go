package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/dcflow"
	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/mock"
	"github.com/sirosfoundation/go-digital-credentials/internal/storage"
	"github.com/sirosfoundation/go-digital-credentials/pkg/middleware"
)

// flowTimeout bounds one background flow, wallet interaction included
const flowTimeout = 5 * time.Minute

// StartFlowRequest starts a server-driven flow
type StartFlowRequest struct {
	RequestID string `json:"requestId"`
	Protocol  string `json:"protocol"`
	// ClientID names the browser bridge connection that acts as wallet.
	// Required unless the flow is mocked.
	ClientID string `json:"clientId"`
	// RequestPayload replaces session creation and request retrieval
	RequestPayload json.RawMessage `json:"requestPayload,omitempty"`
	// Mock overrides the mock mode resolved for the HTTP request
	Mock *bool `json:"mock,omitempty"`
	// Wait runs the flow within the HTTP request and returns its result
	Wait bool `json:"wait"`
}

// StartFlowResponse is returned for flows running in the background
type StartFlowResponse struct {
	FlowID    string          `json:"flowId"`
	RequestID string          `json:"requestId"`
	Protocol  domain.Protocol `json:"protocol"`
	Mock      bool            `json:"mock"`
}

// StartFlow runs a credential verification flow on the server. The wallet
// is either the fixture provider (mock mode) or the browser registered on
// the websocket bridge as clientId, which also receives the flow events.
func (h *Handlers) StartFlow(c *gin.Context) {
	var req StartFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid flow request: "+err.Error())
		return
	}

	protocol, err := domain.ParseProtocol(req.Protocol)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	client, ok := h.client(protocol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "protocol not enabled: " + string(protocol)})
		return
	}
	if protocol == domain.ProtocolAnnexC {
		client = client.WithOrigin(requestOrigin(c))
	}

	mocked := middleware.MockEnabled(c)
	if req.Mock != nil {
		mocked = *req.Mock
	}
	if !mocked && req.ClientID == "" {
		badRequest(c, "clientId is required unless the flow is mocked.")
		return
	}

	flow := h.newFlow(client, req, mocked)
	if req.Wait {
		ctx := mock.WithEnabled(c.Request.Context(), mocked)
		res, err := flow.Run(ctx)
		switch {
		case res == nil:
			h.writeError(c, err)
		case err != nil:
			c.JSON(statusFor(dcflow.AsError(err)), res)
		default:
			c.JSON(http.StatusOK, res)
		}
		return
	}

	h.running.Add(1)
	go func() {
		defer h.running.Done()
		ctx, cancel := context.WithTimeout(mock.WithEnabled(h.runCtx, mocked), flowTimeout)
		defer cancel()
		if _, err := flow.Run(ctx); err != nil {
			h.logger.Info("Background flow failed", zap.String("flow_id", flow.ID()), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, StartFlowResponse{
		FlowID:    flow.ID(),
		RequestID: requestIDOrDefault(req.RequestID),
		Protocol:  protocol,
		Mock:      mocked,
	})
}

func (h *Handlers) newFlow(client *dcflow.Client, req StartFlowRequest, mocked bool) *dcflow.Flow {
	var (
		provider dcflow.CredentialProvider
		name     string
		sinks    dcflow.MultiSink
	)
	switch {
	case mocked:
		delay := time.Duration(h.deps.Config.Mock.DCAPIDelay) * time.Millisecond
		provider, name = mock.NewFixtureProvider(h.deps.Fixtures, delay, h.logger), "fixture"
	case h.deps.Bridge != nil:
		provider, name = h.deps.Bridge.Provider(req.ClientID), "browser"
	}
	if h.deps.Bridge != nil && req.ClientID != "" {
		sinks = append(sinks, h.deps.Bridge.ClientSink(req.ClientID))
	}

	var recorder dcflow.Recorder
	if h.deps.Flows != nil {
		recorder = h.deps.Flows
	}

	return dcflow.NewFlow(dcflow.FlowDeps{
		Client:   client,
		Invoker:  dcflow.NewInvoker(provider, name, h.deps.Metrics, h.logger),
		Events:   sinks,
		Recorder: recorder,
		Metrics:  h.deps.Metrics,
		Logger:   h.logger,
	}, dcflow.FlowOptions{
		ID:             uuid.NewString(),
		RequestID:      req.RequestID,
		RequestPayload: req.RequestPayload,
		Mock:           mocked,
	})
}

// ListFlows returns the most recent flow records, newest first
func (h *Handlers) ListFlows(c *gin.Context) {
	if h.deps.Flows == nil {
		c.JSON(http.StatusOK, []*domain.FlowRecord{})
		return
	}

	limit := storage.DefaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.deps.Flows.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list flows", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list flows"})
		return
	}
	c.JSON(http.StatusOK, records)
}

// GetFlow returns one flow record
func (h *Handlers) GetFlow(c *gin.Context) {
	if h.deps.Flows == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}

	record, err := h.deps.Flows.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
			return
		}
		h.logger.Error("Failed to get flow", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get flow"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func requestIDOrDefault(id string) string {
	if id == "" {
		return domain.DefaultRequestID
	}
	return id
}
