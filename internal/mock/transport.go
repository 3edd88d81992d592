package mock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/dcflow"
	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
)

const (
	backendMarker  = "/api/dc/"
	standardMarker = "/verification-session/"
	annexCMarker   = "/annex-c/"
)

// Transport is an http.RoundTripper answering verifier and demo backend
// calls from fixtures. Other requests, and every request while mock mode is
// off, go to the wrapped transport.
type Transport struct {
	fixtures *FixtureSet
	next     http.RoundTripper
	flag     *Flag
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]string // session id -> request id
}

var _ http.RoundTripper = (*Transport)(nil)

// NewTransport wraps next. A nil next means http.DefaultTransport. With a
// nil flag every matching request is mocked unless the request context
// says otherwise.
func NewTransport(fixtures *FixtureSet, next http.RoundTripper, flag *Flag, logger *zap.Logger) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		fixtures: fixtures,
		next:     next,
		flag:     flag,
		logger:   logger.Named("mock-transport"),
		sessions: make(map[string]string),
	}
}

// Client returns an http.Client using the transport
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.enabled(req) {
		return t.next.RoundTrip(req)
	}

	p := req.URL.Path
	switch {
	case strings.Contains(p, backendMarker):
		if resp, ok := t.backend(req); ok {
			return resp, nil
		}
	case strings.Contains(p, standardMarker):
		return t.standard(req)
	case strings.Contains(p, annexCMarker):
		return t.annexC(req)
	}
	return t.next.RoundTrip(req)
}

func (t *Transport) enabled(req *http.Request) bool {
	if enabled, ok := FromContext(req.Context()); ok {
		return enabled
	}
	if t.flag != nil {
		return t.flag.Enabled()
	}
	return true
}

// standard serves the verification-session API
func (t *Transport) standard(req *http.Request) (*http.Response, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}

	rest := afterMarker(req.URL.Path, standardMarker)
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "create" && req.Method == http.MethodPost:
		return t.create(req)
	case len(parts) == 1 && parts[0] == "request" && req.Method == http.MethodGet:
		return t.request(req, req.URL.Query().Get("sessionId"))
	case len(parts) == 2 && parts[1] == "request" && req.Method == http.MethodGet:
		return t.request(req, parts[0])
	case len(parts) == 2 && parts[1] == "response" && req.Method == http.MethodPost:
		return t.response(req, parts[0], body)
	case len(parts) == 2 && parts[1] == "info" && req.Method == http.MethodGet:
		return t.info(req, parts[0])
	}
	return jsonResponse(req, http.StatusNotFound, []byte(`{"error":"not found"}`)), nil
}

// annexC serves the Annex C API
func (t *Transport) annexC(req *http.Request) (*http.Response, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}

	switch op := strings.Trim(afterMarker(req.URL.Path, annexCMarker), "/"); {
	case op == "create" && req.Method == http.MethodPost:
		return t.create(req)
	case op == "request" && req.Method == http.MethodPost:
		return t.request(req, gjson.GetBytes(body, "sessionId").String())
	case op == "response" && req.Method == http.MethodPost:
		sessionID := gjson.GetBytes(body, "sessionId").String()
		if !gjson.GetBytes(body, "response").Exists() {
			return jsonResponse(req, http.StatusBadRequest, []byte(`{"error":"response is required"}`)), nil
		}
		return t.response(req, sessionID, body)
	case op == "info" && req.Method == http.MethodGet:
		return t.info(req, req.URL.Query().Get("sessionId"))
	}
	return jsonResponse(req, http.StatusNotFound, []byte(`{"error":"not found"}`)), nil
}

// backend serves the demo backend request and response endpoints the way
// a browser page in mock mode sees them. Other backend routes are not
// mocked.
func (t *Transport) backend(req *http.Request) (*http.Response, bool) {
	rest := afterMarker(req.URL.Path, backendMarker)
	rest = strings.TrimPrefix(rest, "annex-c/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	endpoint := segments[0]
	if endpoint != "request" && endpoint != "response" {
		return nil, false
	}

	requestID := requestIDFromQuery(req)
	if requestID == "" && len(segments) > 1 && segments[1] != "" {
		requestID = segments[1]
	}
	if requestID == "" {
		requestID = domain.DefaultRequestID
	}
	fixture := t.fixtures.Lookup(requestID)

	if req.Method == http.MethodGet {
		if endpoint != "request" {
			return nil, false
		}
		t.logger.Debug("Mocked backend request", zap.String("request_id", requestID))
		return jsonResponse(req, http.StatusOK, fixture.Request), true
	}

	body, err := readBody(req)
	if err != nil {
		return jsonResponse(req, http.StatusBadRequest, []byte(`{"message":"unreadable body"}`)), true
	}
	t.logger.Debug("Mocked backend response", zap.String("request_id", requestID))
	return jsonResponse(req, http.StatusOK, Echo(fixture.Verified, body)), true
}

func (t *Transport) create(req *http.Request) (*http.Response, error) {
	requestID := t.requestID(req, "")
	sessionID := "mock-" + uuid.NewString()

	t.mu.Lock()
	t.sessions[sessionID] = requestID
	t.mu.Unlock()

	t.logger.Debug("Mocked session created",
		zap.String("request_id", requestID),
		zap.String("session_id", sessionID))
	body, _ := json.Marshal(map[string]string{"sessionId": sessionID})
	return jsonResponse(req, http.StatusOK, body), nil
}

func (t *Transport) request(req *http.Request, sessionID string) (*http.Response, error) {
	fixture := t.fixtures.Lookup(t.requestID(req, sessionID))
	return jsonResponse(req, http.StatusOK, fixture.Request), nil
}

func (t *Transport) response(req *http.Request, sessionID string, body []byte) (*http.Response, error) {
	fixture := t.fixtures.Lookup(t.requestID(req, sessionID))
	return jsonResponse(req, http.StatusOK, Echo(fixture.Verified, body)), nil
}

func (t *Transport) info(req *http.Request, sessionID string) (*http.Response, error) {
	fixture := t.fixtures.Lookup(t.requestID(req, sessionID))
	payload := fixture.Verified
	if !gjson.GetBytes(payload, "status").Exists() {
		payload, _ = sjson.SetBytes(payload, "status", string(domain.StatusSuccessful))
	}
	if sessionID != "" {
		payload, _ = sjson.SetBytes(payload, "id", sessionID)
	}
	return jsonResponse(req, http.StatusOK, payload), nil
}

// requestID resolves the fixture id of a verifier call: explicit query
// parameter, request id header, the session's request id, or the default.
func (t *Transport) requestID(req *http.Request, sessionID string) string {
	if id := requestIDFromQuery(req); id != "" {
		return id
	}
	if id := req.Header.Get(dcflow.RequestIDHeader); id != "" {
		return id
	}
	if sessionID != "" {
		t.mu.Lock()
		id, ok := t.sessions[sessionID]
		t.mu.Unlock()
		if ok {
			return id
		}
	}
	return domain.DefaultRequestID
}

// Echo shapes a mocked verification answer: success defaults to true and
// the posted body is echoed back.
func Echo(verified, body []byte) []byte {
	out := bytes.Clone(verified)
	if len(bytes.TrimSpace(out)) == 0 {
		out = []byte(`{}`)
	}
	if !gjson.GetBytes(out, "success").Exists() {
		out, _ = sjson.SetBytes(out, "success", true)
	}

	trimmed := bytes.TrimSpace(body)
	switch {
	case len(trimmed) == 0:
		out, _ = sjson.SetRawBytes(out, "echo", []byte("null"))
	case json.Valid(trimmed):
		out, _ = sjson.SetRawBytes(out, "echo", trimmed)
	default:
		out, _ = sjson.SetBytes(out, "echo", string(body))
	}
	return out
}

func requestIDFromQuery(req *http.Request) string {
	q := req.URL.Query()
	if id := q.Get("request-id"); id != "" {
		return id
	}
	return q.Get("requestId")
}

func afterMarker(p, marker string) string {
	idx := strings.Index(p, marker)
	if idx < 0 {
		return ""
	}
	return p[idx+len(marker):]
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}

func jsonResponse(req *http.Request, status int, body []byte) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
