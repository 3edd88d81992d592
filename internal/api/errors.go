package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/dcflow"
	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/templates"
)

// ErrorResponse is the body of every failed /api/dc call. Message carries
// the verifier's own error text when there is one.
type ErrorResponse struct {
	Error   string          `json:"error"`
	Stage   domain.Stage    `json:"stage,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// statusFor maps a flow error to an HTTP status. A status reported by the
// verifier is passed through.
func statusFor(e *dcflow.Error) int {
	switch {
	case errors.Is(e, templates.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(e, dcflow.ErrConfigFetch):
		return http.StatusInternalServerError
	case e.StatusCode >= 400:
		return e.StatusCode
	case e.StatusCode > 0:
		return http.StatusBadGateway
	case errors.Is(e, dcflow.ErrPollTimeout), errors.Is(e, dcflow.ErrCanceled):
		return http.StatusGatewayTimeout
	case e.Stage == domain.StageNetwork:
		return http.StatusBadGateway
	case errors.Is(e, dcflow.ErrSessionCreate), errors.Is(e, dcflow.ErrSubmission), errors.Is(e, dcflow.ErrRequestFetch):
		// raised before any verifier call, so the input was at fault
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func newErrorResponse(e *dcflow.Error) ErrorResponse {
	resp := ErrorResponse{
		Error:   e.Error(),
		Stage:   e.Stage,
		Message: e.Message,
	}
	if e.Kind != nil {
		resp.Kind = e.Kind.Error()
	}
	if resp.Message == "" {
		resp.Message = resp.Error
	}
	if len(e.Body) > 0 {
		if json.Valid(e.Body) {
			resp.Details = json.RawMessage(e.Body)
		} else {
			resp.Message = string(e.Body)
		}
	}
	return resp
}

// writeError answers with the JSON form of err
func (h *Handlers) writeError(c *gin.Context, err error) {
	e := dcflow.AsError(err)
	status := statusFor(e)
	if status >= 500 {
		h.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	} else {
		h.logger.Warn("Request rejected", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, newErrorResponse(e))
}

// badRequest answers 400 with a plain message
func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: message, Message: message})
}
