// Package dcflow drives credential verification flows against a remote
// verifier: session creation, request retrieval, the Digital Credentials
// API call, response submission and status polling.
package dcflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/metrics"
	"github.com/sirosfoundation/go-digital-credentials/internal/session"
)

// RequestIDHeader carries the request id on verifier calls. Real verifiers
// ignore it; the mock transport uses it to pick fixtures.
const RequestIDHeader = "X-DC-Request-Id"

// TemplateSource loads request templates by id
type TemplateSource interface {
	Load(ctx context.Context, id string) (json.RawMessage, error)
}

// PollPolicy bounds verification status polling. MaxAttempts info calls
// are made at most, Interval apart.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// VerificationResult is the last info payload of a session
type VerificationResult struct {
	SessionID string               `json:"sessionId"`
	Protocol  domain.Protocol      `json:"protocol"`
	Status    domain.SessionStatus `json:"status,omitempty"`
	Payload   json.RawMessage      `json:"payload"`
	Attempts  int                  `json:"attempts"`
}

// Succeeded reports whether the verifier accepted the presentation
func (r *VerificationResult) Succeeded() bool {
	return r != nil && r.Status.IsSuccessful()
}

// ClientOptions configures a Client
type ClientOptions struct {
	BaseURL    string
	Strategy   Strategy
	HTTPClient *http.Client
	Templates  TemplateSource
	Registry   session.Registry
	Poll       PollPolicy
	// Origin is sent with Annex C session creation
	Origin  string
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Client talks to one verifier using one protocol strategy
type Client struct {
	baseURL   string
	strategy  Strategy
	http      *http.Client
	templates TemplateSource
	registry  session.Registry
	poll      PollPolicy
	origin    string
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewClient creates a session client
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	registry := opts.Registry
	if registry == nil {
		registry = session.NewMemoryRegistry(0, zap.NewNop())
	}
	poll := opts.Poll
	if poll.MaxAttempts < 1 {
		poll.MaxAttempts = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		strategy:  opts.Strategy,
		http:      httpClient,
		templates: opts.Templates,
		registry:  registry,
		poll:      poll,
		origin:    opts.Origin,
		metrics:   opts.Metrics,
		logger:    logger.Named("dcflow-client").With(zap.String("protocol", string(opts.Strategy.Protocol()))),
	}
}

// WithOrigin returns a copy of the client that sends origin on session
// creation.
func (c *Client) WithOrigin(origin string) *Client {
	cp := *c
	cp.origin = origin
	return &cp
}

// Protocol returns the protocol of the client's strategy
func (c *Client) Protocol() domain.Protocol {
	return c.strategy.Protocol()
}

// Registry returns the session registry
func (c *Client) Registry() session.Registry {
	return c.registry
}

// CreateSession creates a verifier session for requestID. The template is
// loaded by id unless override is non-empty. The new session becomes the
// active one for (protocol, requestID).
func (c *Client) CreateSession(ctx context.Context, requestID string, override json.RawMessage) (*domain.VerificationSession, error) {
	if requestID == "" {
		requestID = domain.DefaultRequestID
	}

	template := override
	if len(bytes.TrimSpace(template)) == 0 {
		if c.templates == nil {
			return nil, newError(domain.StageRequest, ErrConfigFetch, "no template source configured", nil)
		}
		loaded, err := c.templates.Load(ctx, requestID)
		if err != nil {
			return nil, newError(domain.StageRequest, ErrConfigFetch, err.Error(), err)
		}
		template = loaded
	}

	ep, err := c.strategy.Create(c.baseURL, template, c.origin)
	if err != nil {
		return nil, asStageError(err, domain.StageRequest, ErrSessionCreate)
	}

	status, body, err := c.do(ctx, "create", ep, requestID)
	if err != nil {
		return nil, transportError(ctx, domain.StageRequest, ErrSessionCreate, "failed to create verification session", err)
	}
	if !isSuccess(status) {
		return nil, httpError(domain.StageRequest, ErrSessionCreate, "failed to create verification session", status, body)
	}

	sessionID := strings.TrimSpace(gjson.GetBytes(body, "sessionId").String())
	if sessionID == "" {
		return nil, httpError(domain.StageRequest, ErrSessionCreate, "verifier did not return a sessionId", status, body)
	}

	sess := &domain.VerificationSession{
		ID:        sessionID,
		Protocol:  c.Protocol(),
		RequestID: requestID,
		Status:    domain.StatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.registry.Put(ctx, sess.Protocol, requestID, sessionID); err != nil {
		return nil, newError(domain.StageUnexpected, nil, "failed to register session", err)
	}

	c.logger.Info("verification session created",
		zap.String("request_id", requestID),
		zap.String("session_id", sessionID))
	return sess, nil
}

// FetchRequestPayload returns the credential request of a session. The
// fallback endpoints are tried only while the previous one answers 404.
func (c *Client) FetchRequestPayload(ctx context.Context, sess *domain.VerificationSession) (json.RawMessage, error) {
	var (
		lastStatus int
		lastBody   []byte
	)
	for i, ep := range c.strategy.Request(c.baseURL, sess.ID) {
		status, body, err := c.do(ctx, "request", ep, sess.RequestID)
		if err != nil {
			return nil, transportError(ctx, domain.StageRequest, ErrRequestFetch, "failed to fetch credential request", err)
		}
		if isSuccess(status) {
			if !json.Valid(body) {
				return nil, httpError(domain.StageRequest, ErrRequestFetch, "credential request is not valid JSON", status, body)
			}
			if i > 0 {
				c.logger.Debug("credential request served by fallback URL", zap.String("url", ep.URL))
			}
			return json.RawMessage(body), nil
		}
		if status != http.StatusNotFound {
			return nil, httpError(domain.StageRequest, ErrRequestFetch, "failed to fetch credential request", status, body)
		}
		lastStatus, lastBody = status, body
	}
	return nil, httpError(domain.StageRequest, ErrRequestFetch, "no request URL served the credential request", lastStatus, lastBody)
}

// SubmitResponse posts a wallet response to the verifier and returns the
// verifier's answer.
func (c *Client) SubmitResponse(ctx context.Context, sess *domain.VerificationSession, walletResponse json.RawMessage) (json.RawMessage, error) {
	ep, err := c.strategy.Submit(c.baseURL, sess.ID, walletResponse)
	if err != nil {
		return nil, asStageError(err, domain.StageVerification, ErrSubmission)
	}

	status, body, err := c.do(ctx, "response", ep, sess.RequestID)
	if err != nil {
		return nil, transportError(ctx, domain.StageVerification, ErrSubmission, "failed to submit wallet response", err)
	}
	if !isSuccess(status) {
		return nil, httpError(domain.StageVerification, ErrSubmission, "verifier rejected wallet response", status, body)
	}

	c.logger.Debug("wallet response submitted", zap.String("session_id", sess.ID))
	return asJSON(body), nil
}

// GetInfo makes one info call and reads the session status from it
func (c *Client) GetInfo(ctx context.Context, sess *domain.VerificationSession) (json.RawMessage, domain.SessionStatus, error) {
	ep := c.strategy.Info(c.baseURL, sess.ID)
	status, body, err := c.do(ctx, "info", ep, sess.RequestID)
	if err != nil {
		return nil, "", transportError(ctx, domain.StageVerification, ErrInfoFetch, "failed to fetch verification info", err)
	}
	if !isSuccess(status) {
		return nil, "", httpError(domain.StageVerification, ErrInfoFetch, "failed to fetch verification info", status, body)
	}

	payload := asJSON(body)
	return payload, StatusOf(payload), nil
}

var errStillProcessing = errors.New("verification still processing")

// PollUntilTerminal calls GetInfo until the status is terminal. Terminal
// failure statuses are returned as a result, not an error. When every one
// of the MaxAttempts calls reports a non-terminal status the error is
// ErrPollTimeout and the last payload is kept in its Body.
func (c *Client) PollUntilTerminal(ctx context.Context, sess *domain.VerificationSession) (*VerificationResult, error) {
	var result *VerificationResult
	attempts := 0

	operation := func() error {
		attempts++
		payload, status, err := c.GetInfo(ctx, sess)
		if err != nil {
			return backoff.Permanent(err)
		}
		result = &VerificationResult{
			SessionID: sess.ID,
			Protocol:  sess.Protocol,
			Status:    status,
			Payload:   payload,
			Attempts:  attempts,
		}
		if !status.IsTerminal() {
			return errStillProcessing
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.poll.Interval), uint64(c.poll.MaxAttempts-1)),
		ctx,
	)
	notify := func(_ error, wait time.Duration) {
		c.logger.Debug("verification pending",
			zap.String("session_id", sess.ID),
			zap.Int("attempt", attempts),
			zap.Duration("next_in", wait))
	}

	err := backoff.RetryNotify(operation, policy, notify)
	c.metrics.ObservePoll(string(sess.Protocol), attempts)

	switch {
	case err == nil:
		sess.Status = result.Status
		c.logger.Info("verification finished",
			zap.String("session_id", sess.ID),
			zap.String("status", string(result.Status)),
			zap.Int("attempts", attempts))
		return result, nil
	case errors.Is(err, errStillProcessing):
		e := newError(domain.StageVerification, ErrPollTimeout,
			fmt.Sprintf("no terminal status after %d attempts", attempts), nil)
		if result != nil {
			sess.Status = result.Status
			e.Body = result.Payload
		}
		return result, e
	case ctx.Err() != nil:
		return result, newError(domain.StageVerification, ErrCanceled, "polling interrupted", ctx.Err())
	default:
		return result, err
	}
}

// StatusOf reads the status member of an info payload. Non-object
// payloads have no status.
func StatusOf(payload json.RawMessage) domain.SessionStatus {
	v := gjson.GetBytes(payload, "status")
	if v.Type != gjson.String {
		return ""
	}
	return domain.SessionStatus(v.Str)
}

func (c *Client) do(ctx context.Context, op string, ep Endpoint, requestID string) (int, []byte, error) {
	var reader io.Reader
	if ep.Body != nil {
		reader = bytes.NewReader(ep.Body)
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, ep.URL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ep.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set(RequestIDHeader, requestID)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveVerifierCall(string(c.Protocol()), op, 0)
		c.logger.Warn("verifier call failed", zap.String("operation", op), zap.String("url", ep.URL), zap.Error(err))
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.metrics.ObserveVerifierCall(string(c.Protocol()), op, resp.StatusCode)
	c.logger.Debug("verifier call",
		zap.String("operation", op),
		zap.String("method", ep.Method),
		zap.String("url", ep.URL),
		zap.Int("status", resp.StatusCode))
	return resp.StatusCode, body, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// asJSON keeps JSON bodies as they are and wraps anything else so that it
// stays representable in a JSON document.
func asJSON(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": string(body)})
	return wrapped
}

// asStageError keeps *Error values and wraps anything else
func asStageError(err error, stage domain.Stage, kind error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(stage, kind, "", err)
}
