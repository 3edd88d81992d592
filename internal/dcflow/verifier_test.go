package dcflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/session"
)

const testRequestPayload = `{"protocol":"openid4vp-v1-unsigned","data":{"dcql_query":{"credentials":[{"id":"mdl","format":"mso_mdoc"}]},"nonce":"n-1"}}`

// fakeVerifier is a scriptable verifier speaking both protocols
type fakeVerifier struct {
	t *testing.T

	mu        sync.Mutex
	sessionID string
	statuses  []string // info statuses returned in order, the last one repeats
	infoCalls int
	requests  []string // method + path of every call
	created   []json.RawMessage
	submitted []json.RawMessage

	createStatus  int
	createBody    string
	requestStatus map[string]int // path -> status override for request URLs
}

func newFakeVerifier(t *testing.T) (*fakeVerifier, *httptest.Server) {
	t.Helper()
	fv := &fakeVerifier{
		t:             t,
		sessionID:     "sess-123",
		statuses:      []string{"SUCCESSFUL"},
		requestStatus: map[string]int{},
	}
	srv := httptest.NewServer(http.HandlerFunc(fv.serve))
	t.Cleanup(srv.Close)
	return fv, srv
}

func (fv *fakeVerifier) serve(w http.ResponseWriter, r *http.Request) {
	fv.mu.Lock()
	defer fv.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	fv.requests = append(fv.requests, r.Method+" "+r.URL.RequestURI())

	path := r.URL.Path
	switch {
	case path == "/verification-session/create" || path == "/annex-c/create":
		fv.created = append(fv.created, body)
		if fv.createStatus != 0 {
			w.WriteHeader(fv.createStatus)
			_, _ = w.Write([]byte(fv.createBody))
			return
		}
		writeJSON(w, map[string]string{"sessionId": fv.sessionID})

	case path == "/annex-c/request" ||
		(strings.HasSuffix(path, "/request") && r.Method == http.MethodGet) ||
		path == "/verification-session/request":
		if status, ok := fv.requestStatus[path]; ok && status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"` + http.StatusText(status) + `"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testRequestPayload))

	case strings.HasSuffix(path, "/response"):
		fv.submitted = append(fv.submitted, body)
		writeJSON(w, map[string]string{"status": "RECEIVED"})

	case strings.HasSuffix(path, "/info"):
		idx := fv.infoCalls
		if idx >= len(fv.statuses) {
			idx = len(fv.statuses) - 1
		}
		fv.infoCalls++
		writeJSON(w, map[string]any{"id": fv.sessionID, "status": fv.statuses[idx], "attempt": fv.infoCalls})

	default:
		http.NotFound(w, r)
	}
}

func (fv *fakeVerifier) calls() []string {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	return append([]string(nil), fv.requests...)
}

func (fv *fakeVerifier) infoCallCount() int {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	return fv.infoCalls
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// staticTemplates serves one template for every id
type staticTemplates map[string]string

func (s staticTemplates) Load(_ context.Context, id string) (json.RawMessage, error) {
	tmpl, ok := s[id]
	if !ok {
		return nil, &testNotFound{id: id}
	}
	return json.RawMessage(tmpl), nil
}

type testNotFound struct{ id string }

func (e *testNotFound) Error() string { return "no configuration found for " + e.id }

const testTemplate = `{"core":{"dcql_query":{"credentials":[{"id":"mdl","format":"mso_mdoc","meta":{"doctype_value":"org.iso.18013.5.1.mDL"},"claims":[{"path":["org.iso.18013.5.1","family_name"]},{"path":["org.iso.18013.5.1","age_over_18"]}]}]}}}`

func newTestClient(t *testing.T, base string, protocol domain.Protocol, fallbacks ...string) *Client {
	t.Helper()
	strategy, err := NewStrategy(protocol, fallbacks)
	if err != nil {
		t.Fatalf("NewStrategy() error = %v", err)
	}
	return NewClient(ClientOptions{
		BaseURL:   base,
		Strategy:  strategy,
		Templates: staticTemplates{"unsigned-mdl": testTemplate},
		Registry:  session.NewMemoryRegistry(0, zap.NewNop()),
		Poll:      PollPolicy{Interval: time.Millisecond, MaxAttempts: 5},
		Origin:    "https://demo.example.com",
		Logger:    zap.NewNop(),
	})
}
