package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/dcflow"
	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/session"
)

// SessionIDHeader exposes the verifier session created by a request call
const SessionIDHeader = "X-DC-Session-Id"

// maxBodySize bounds request bodies read by the handlers
const maxBodySize = 1 << 20

// errBodyTooLarge is returned by readBody for bodies over maxBodySize
var errBodyTooLarge = errors.New("request body too large")

// ListRequests returns the sorted ids of the request templates
func (h *Handlers) ListRequests(c *gin.Context) {
	ids, err := h.deps.Templates.List()
	if err != nil {
		h.logger.Error("Failed to list request templates", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list request templates"})
		return
	}
	c.JSON(http.StatusOK, ids)
}

// GetRequestConfig returns one request template
func (h *Handlers) GetRequestConfig(c *gin.Context) {
	requestID := requestIDFrom(c)
	template, err := h.deps.Templates.Load(c.Request.Context(), requestID)
	if err != nil {
		h.writeError(c, &dcflow.Error{Stage: domain.StageRequest, Kind: dcflow.ErrConfigFetch, Message: err.Error(), Err: err})
		return
	}
	c.Data(http.StatusOK, "application/json", template)
}

// Request creates a verifier session for the request id and returns the
// Digital Credentials API request of that session. GET uses the stored
// template; POST uses the JSON object in the body instead.
func (h *Handlers) Request(protocol domain.Protocol) gin.HandlerFunc {
	return func(c *gin.Context) {
		client, ok := h.client(protocol)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "protocol not enabled: " + string(protocol)})
			return
		}
		if protocol == domain.ProtocolAnnexC {
			client = client.WithOrigin(requestOrigin(c))
		}

		requestID := requestIDFrom(c)
		var override []byte
		if c.Request.Method == http.MethodPost {
			body, err := readBody(c)
			if errors.Is(err, errBodyTooLarge) {
				bodyTooLarge(c)
				return
			}
			if err != nil || !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
				badRequest(c, "Request payload is required to create a session.")
				return
			}
			override = body
		}

		ctx := c.Request.Context()
		sess, err := client.CreateSession(ctx, requestID, override)
		if err != nil {
			h.writeError(c, err)
			return
		}
		h.logger.Info("Session created",
			zap.String("protocol", string(protocol)),
			zap.String("request_id", requestID),
			zap.String("session_id", sess.ID),
			zap.Bool("custom_config", override != nil))

		payload, err := client.FetchRequestPayload(ctx, sess)
		if err != nil {
			h.writeError(c, err)
			return
		}

		c.Header(SessionIDHeader, sess.ID)
		c.Data(http.StatusOK, "application/json", payload)
	}
}

// Response submits the wallet response in the body to the active session
// of the request id and returns the final verification info. Terminal
// failure statuses are returned with 200 for display.
func (h *Handlers) Response(protocol domain.Protocol) gin.HandlerFunc {
	return func(c *gin.Context) {
		client, ok := h.client(protocol)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "protocol not enabled: " + string(protocol)})
			return
		}

		ctx := c.Request.Context()
		requestID := requestIDFrom(c)
		sessionID, err := client.Registry().Get(ctx, protocol, requestID)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				badRequest(c, noSessionMessage(protocol))
				return
			}
			h.logger.Error("Failed to look up session", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up session"})
			return
		}

		body, err := readBody(c)
		if errors.Is(err, errBodyTooLarge) {
			bodyTooLarge(c)
			return
		}
		if err != nil {
			badRequest(c, "Failed to read request body.")
			return
		}
		if len(body) == 0 {
			body = []byte(`{}`)
		}

		sess := &domain.VerificationSession{ID: sessionID, Protocol: protocol, RequestID: requestID}
		if _, err := client.SubmitResponse(ctx, sess, body); err != nil {
			h.writeError(c, err)
			return
		}

		result, err := client.PollUntilTerminal(ctx, sess)
		if err != nil {
			h.writeError(c, err)
			return
		}

		h.logger.Info("Verification returned",
			zap.String("protocol", string(protocol)),
			zap.String("request_id", requestID),
			zap.String("session_id", sessionID),
			zap.String("status", string(result.Status)))
		c.Data(http.StatusOK, "application/json", result.Payload)
	}
}

func noSessionMessage(protocol domain.Protocol) string {
	if protocol == domain.ProtocolAnnexC {
		return "No active Annex C session. Fetch the request first."
	}
	return "No active session. Fetch the request first."
}

// requestIDFrom reads the request id from the request-id or requestId
// query parameter, then the :id path segment, defaulting to unsigned-mdl.
func requestIDFrom(c *gin.Context) string {
	for _, key := range []string{"request-id", "requestId"} {
		if v := strings.TrimSpace(c.Query(key)); v != "" {
			return v
		}
	}
	if id := strings.Trim(c.Param("id"), "/"); id != "" {
		return id
	}
	return domain.DefaultRequestID
}

// requestOrigin returns the Origin header, or an origin assembled from
// X-Forwarded-Proto and Host.
func requestOrigin(c *gin.Context) string {
	if origin := strings.TrimSpace(c.GetHeader("Origin")); origin != "" {
		return origin
	}

	proto := "http"
	if fwd := c.GetHeader("X-Forwarded-Proto"); strings.TrimSpace(fwd) != "" {
		proto = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := strings.TrimSpace(c.Request.Host)
	if host == "" {
		host = "localhost"
	}
	return proto + "://" + host
}

func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	// one byte over the limit tells a full body from a cut one
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodySize {
		return nil, errBodyTooLarge
	}
	return bytes.TrimSpace(body), nil
}

func bodyTooLarge(c *gin.Context) {
	msg := "Request body exceeds 1 MiB."
	c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request_too_large", Message: msg})
}
