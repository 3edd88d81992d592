package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/dcflow"
	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/mock"
	"github.com/sirosfoundation/go-digital-credentials/internal/session"
	"github.com/sirosfoundation/go-digital-credentials/internal/storage/memory"
	"github.com/sirosfoundation/go-digital-credentials/internal/templates"
	"github.com/sirosfoundation/go-digital-credentials/pkg/config"
	"github.com/sirosfoundation/go-digital-credentials/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testTemplate = `{
  "core": {
    "dcql_query": {
      "credentials": [{
        "id": "mdl",
        "format": "mso_mdoc",
        "meta": {"doctype_value": "org.iso.18013.5.1.mDL"},
        "claims": [
          {"path": ["org.iso.18013.5.1", "family_name"]},
          {"path": ["org.iso.18013.5.1", "age_over_18"]}
        ]
      }]
    }
  }
}`

const testRequestPayload = `{"digital":{"requests":[{"protocol":"openid4vp-v1-unsigned","data":{"nonce":"n-1"}}]}}`

// fakeVerifier is a scripted verifier. infoStatus is returned by every info call.
type fakeVerifier struct {
	server *httptest.Server

	mu          sync.Mutex
	created     [][]byte
	submitted   [][]byte
	infoCalls   atomic.Int32
	infoStatus  string
	createCode  int
	createBody  string
	annexOrigin string
	nextID      int
}

func newFakeVerifier(t *testing.T) *fakeVerifier {
	t.Helper()
	v := &fakeVerifier{infoStatus: "SUCCESSFUL", createCode: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /verification-session/create", v.create)
	mux.HandleFunc("GET /verification-session/{id}/request", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, testRequestPayload)
	})
	mux.HandleFunc("POST /verification-session/{id}/response", v.submit)
	mux.HandleFunc("GET /verification-session/{id}/info", func(w http.ResponseWriter, r *http.Request) {
		v.info(w, r.PathValue("id"))
	})
	mux.HandleFunc("POST /annex-c/create", v.create)
	mux.HandleFunc("POST /annex-c/request", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"protocol":"org-iso-mdoc","data":{"deviceRequest":"dr","encryptionInfo":"ei"}}`)
	})
	mux.HandleFunc("POST /annex-c/response", v.submit)
	mux.HandleFunc("GET /annex-c/info", func(w http.ResponseWriter, r *http.Request) {
		v.info(w, r.URL.Query().Get("sessionId"))
	})

	v.server = httptest.NewServer(mux)
	t.Cleanup(v.server.Close)
	return v
}

func (v *fakeVerifier) create(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	v.mu.Lock()
	v.created = append(v.created, body)
	v.nextID++
	id := v.nextID
	code, failure := v.createCode, v.createBody
	v.mu.Unlock()

	if code != http.StatusOK {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(failure))
		return
	}
	writeJSON(w, http.StatusOK, `{"sessionId":"sess-`+strconv.Itoa(id)+`"}`)
}

func (v *fakeVerifier) submit(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	v.mu.Lock()
	v.submitted = append(v.submitted, body)
	v.mu.Unlock()
	writeJSON(w, http.StatusOK, `{}`)
}

func (v *fakeVerifier) info(w http.ResponseWriter, sessionID string) {
	v.infoCalls.Add(1)
	v.mu.Lock()
	status := v.infoStatus
	v.mu.Unlock()
	writeJSON(w, http.StatusOK, `{"id":"`+sessionID+`","status":"`+status+`"}`)
}

func (v *fakeVerifier) lastCreated() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.created) == 0 {
		return nil
	}
	return v.created[len(v.created)-1]
}

func (v *fakeVerifier) lastSubmitted() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.submitted) == 0 {
		return nil
	}
	return v.submitted[len(v.submitted)-1]
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// noNetwork fails every call that escapes the mock transport
type noNetwork struct {
	calls atomic.Int32
}

func (n *noNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	return nil, errors.New("network disabled: " + req.URL.String())
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database unreachable") }

type testEnv struct {
	handlers *Handlers
	router   *gin.Engine
	flows    *memory.Store
	flag     *mock.Flag
	registry session.Registry
	network  *noNetwork
}

// newTestEnv wires the handlers against baseURL. Verifier calls go through
// the mock transport, which passes them on while mock mode is off.
func newTestEnv(t *testing.T, baseURL string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unsigned-mdl-conf.json"), []byte(testTemplate), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other-conf.json"), []byte(`{"core":{}}`), 0o644))

	cfg := config.Default()
	cfg.Verifier.BaseURL = baseURL
	cfg.Mock.DCAPIDelay = 0

	flag, err := mock.NewFlag(filepath.Join(t.TempDir(), "mock-flag"), false, zap.NewNop())
	require.NoError(t, err)

	env := &testEnv{
		flows:    memory.NewStore(),
		flag:     flag,
		registry: session.NewMemoryRegistry(time.Hour, zap.NewNop()),
		network:  &noNetwork{},
	}

	fixtures := mock.DefaultFixtures()
	var next http.RoundTripper = http.DefaultTransport
	if baseURL == "" {
		next = env.network
		cfg.Verifier.BaseURL = "https://verifier.invalid"
	}
	transport := mock.NewTransport(fixtures, next, flag, zap.NewNop())
	store := templates.NewStore(dir, zap.NewNop())

	clients := make(map[domain.Protocol]*dcflow.Client)
	for _, protocol := range []domain.Protocol{domain.ProtocolStandard, domain.ProtocolAnnexC} {
		strategy, err := dcflow.NewStrategy(protocol, nil)
		require.NoError(t, err)
		clients[protocol] = dcflow.NewClient(dcflow.ClientOptions{
			BaseURL:    cfg.Verifier.BaseURL,
			Strategy:   strategy,
			HTTPClient: transport.Client(),
			Templates:  store,
			Registry:   env.registry,
			Poll:       dcflow.PollPolicy{Interval: time.Millisecond, MaxAttempts: 3},
			Logger:     zap.NewNop(),
		})
	}

	env.handlers = NewHandlers(Deps{
		Config:    cfg,
		Clients:   clients,
		Templates: store,
		Flag:      flag,
		Fixtures:  fixtures,
		Flows:     env.flows.Flows(),
		Health:    env.flows,
	}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.handlers.Close(ctx)
	})

	env.router = gin.New()
	env.router.Use(middleware.MockMode(flag, zap.NewNop()))
	env.handlers.Register(env.router, nil)
	return env
}

func (e *testEnv) do(method, target string, body string, header http.Header) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}
