package dcflow

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
)

// Endpoint is one verifier call prepared by a Strategy
type Endpoint struct {
	Method string
	URL    string
	Body   json.RawMessage
}

// Strategy maps the four verifier operations onto the endpoints of one
// retrieval protocol. The client drives the calls, the strategy only shapes
// them.
type Strategy interface {
	Protocol() domain.Protocol
	// Create builds the session creation call from a request template.
	Create(base string, template json.RawMessage, origin string) (Endpoint, error)
	// Request returns the request payload endpoints. The first entry is the
	// primary URL, the rest are tried in order when the previous one
	// answered 404.
	Request(base, sessionID string) []Endpoint
	// Submit builds the wallet response submission.
	Submit(base, sessionID string, walletResponse json.RawMessage) (Endpoint, error)
	Info(base, sessionID string) Endpoint
}

// NewStrategy returns the strategy for protocol. fallbacks are request URL
// templates used by the standard protocol only.
func NewStrategy(protocol domain.Protocol, fallbacks []string) (Strategy, error) {
	switch protocol {
	case domain.ProtocolStandard:
		return &StandardStrategy{Fallbacks: fallbacks}, nil
	case domain.ProtocolAnnexC:
		return &AnnexCStrategy{}, nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", protocol)
	}
}

// StandardStrategy speaks the OpenID4VP verification-session API
type StandardStrategy struct {
	// Fallbacks use the {base} and {sessionId} placeholders
	Fallbacks []string
}

func (s *StandardStrategy) Protocol() domain.Protocol { return domain.ProtocolStandard }

func (s *StandardStrategy) Create(base string, template json.RawMessage, _ string) (Endpoint, error) {
	return Endpoint{
		Method: http.MethodPost,
		URL:    base + "/verification-session/create",
		Body:   template,
	}, nil
}

func (s *StandardStrategy) Request(base, sessionID string) []Endpoint {
	endpoints := []Endpoint{{
		Method: http.MethodGet,
		URL:    sessionURL(base, sessionID, "request"),
	}}
	for _, tmpl := range s.Fallbacks {
		endpoints = append(endpoints, Endpoint{
			Method: http.MethodGet,
			URL:    expandURL(tmpl, base, sessionID),
		})
	}
	return endpoints
}

// Submit forwards the wallet response untouched
func (s *StandardStrategy) Submit(base, sessionID string, walletResponse json.RawMessage) (Endpoint, error) {
	body := walletResponse
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	return Endpoint{
		Method: http.MethodPost,
		URL:    sessionURL(base, sessionID, "response"),
		Body:   body,
	}, nil
}

func (s *StandardStrategy) Info(base, sessionID string) Endpoint {
	return Endpoint{Method: http.MethodGet, URL: sessionURL(base, sessionID, "info")}
}

// AnnexCStrategy speaks the ISO 18013-7 Annex C session API
type AnnexCStrategy struct{}

func (s *AnnexCStrategy) Protocol() domain.Protocol { return domain.ProtocolAnnexC }

func (s *AnnexCStrategy) Create(base string, template json.RawMessage, origin string) (Endpoint, error) {
	req, err := BuildAnnexCCreateRequest(template, origin)
	if err != nil {
		return Endpoint{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to marshal annex-c create request: %w", err)
	}
	return Endpoint{Method: http.MethodPost, URL: base + "/annex-c/create", Body: body}, nil
}

func (s *AnnexCStrategy) Request(base, sessionID string) []Endpoint {
	body, _ := json.Marshal(map[string]any{
		"sessionId":      sessionID,
		"intentToRetain": false,
	})
	return []Endpoint{{Method: http.MethodPost, URL: base + "/annex-c/request", Body: body}}
}

// Submit extracts the encrypted response string and posts it
func (s *AnnexCStrategy) Submit(base, sessionID string, walletResponse json.RawMessage) (Endpoint, error) {
	encrypted, err := ExtractAnnexCResponse(walletResponse)
	if err != nil {
		return Endpoint{}, err
	}
	body, err := json.Marshal(map[string]string{
		"sessionId": sessionID,
		"response":  encrypted,
	})
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to marshal annex-c response: %w", err)
	}
	return Endpoint{Method: http.MethodPost, URL: base + "/annex-c/response", Body: body}, nil
}

func (s *AnnexCStrategy) Info(base, sessionID string) Endpoint {
	return Endpoint{
		Method: http.MethodGet,
		URL:    base + "/annex-c/info?sessionId=" + url.QueryEscape(sessionID),
	}
}

func sessionURL(base, sessionID, op string) string {
	return fmt.Sprintf("%s/verification-session/%s/%s", base, url.PathEscape(sessionID), op)
}

func expandURL(tmpl, base, sessionID string) string {
	return strings.NewReplacer(
		"{base}", base,
		"{sessionId}", url.PathEscape(sessionID),
	).Replace(tmpl)
}
