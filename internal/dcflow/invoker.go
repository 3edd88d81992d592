package dcflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/metrics"
)

// CredentialRequest is handed to a CredentialProvider
type CredentialRequest struct {
	FlowID    string          `json:"flowId,omitempty"`
	RequestID string          `json:"requestId"`
	Protocol  domain.Protocol `json:"protocol"`
	SessionID string          `json:"sessionId,omitempty"`
	// Payload is the normalized {"digital": {...}} envelope
	Payload json.RawMessage `json:"payload"`
}

// CredentialProvider is the native "get credential" capability: a browser
// running navigator.credentials.get, a fixture, or a canned file.
type CredentialProvider interface {
	// Available reports whether the capability can be used at all
	Available(ctx context.Context) bool
	// Get asks the wallet for a credential. A nil or empty result means the
	// user or the wallet declined.
	Get(ctx context.Context, req CredentialRequest) (json.RawMessage, error)
}

// ProviderFunc adapts a function to CredentialProvider
type ProviderFunc func(ctx context.Context, req CredentialRequest) (json.RawMessage, error)

func (f ProviderFunc) Available(context.Context) bool { return f != nil }

func (f ProviderFunc) Get(ctx context.Context, req CredentialRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// NormalizeEnvelope returns payload unchanged when it already has a
// top-level digital member and wraps it as
// {"digital":{"requests":[payload]}} otherwise.
func NormalizeEnvelope(payload json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, newError(domain.StageRequest, ErrRequestFetch, "credential request is empty", nil)
	}
	if !gjson.ValidBytes(trimmed) {
		return nil, newError(domain.StageRequest, ErrRequestFetch, "credential request is not valid JSON", nil)
	}

	doc := gjson.ParseBytes(trimmed)
	if doc.IsObject() && doc.Get("digital").Exists() {
		return json.RawMessage(trimmed), nil
	}

	var buf bytes.Buffer
	buf.WriteString(`{"digital":{"requests":[`)
	buf.Write(trimmed)
	buf.WriteString(`]}}`)
	return json.RawMessage(buf.Bytes()), nil
}

// Invoker calls a CredentialProvider exactly once per request
type Invoker struct {
	provider CredentialProvider
	name     string
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewInvoker creates an invoker. name labels the provider in logs and
// metrics.
func NewInvoker(provider CredentialProvider, name string, m *metrics.Metrics, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{
		provider: provider,
		name:     name,
		metrics:  m,
		logger:   logger.Named("invoker"),
	}
}

// Available reports whether the provider can be called
func (i *Invoker) Available(ctx context.Context) bool {
	return i != nil && i.provider != nil && i.provider.Available(ctx)
}

// Invoke normalizes the request envelope and calls the provider
func (i *Invoker) Invoke(ctx context.Context, req CredentialRequest) (json.RawMessage, error) {
	if !i.Available(ctx) {
		i.metrics.ObserveCredentialCall(i.name, "unavailable")
		return nil, newError(domain.StageDCAPI, ErrUnsupportedPlatform, "", nil)
	}

	envelope, err := NormalizeEnvelope(req.Payload)
	if err != nil {
		return nil, err
	}
	req.Payload = envelope

	i.logger.Debug("requesting credential",
		zap.String("provider", i.name),
		zap.String("request_id", req.RequestID))

	result, err := i.provider.Get(ctx, req)
	if err != nil {
		i.metrics.ObserveCredentialCall(i.name, "error")
		var e *Error
		switch {
		case errors.As(err, &e):
			return nil, e
		case ctx.Err() != nil:
			return nil, newError(domain.StageDCAPI, ErrCanceled, "credential request interrupted", ctx.Err())
		default:
			return nil, newError(domain.StageDCAPI, ErrCredentialRequest, "", err)
		}
	}

	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		i.metrics.ObserveCredentialCall(i.name, "empty")
		return nil, newError(domain.StageDCAPI, ErrEmptyResponse, "", nil)
	}

	i.metrics.ObserveCredentialCall(i.name, "success")
	return json.RawMessage(trimmed), nil
}
