package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-digital-credentials/internal/dcflow"
)

const testTemplate = `{
  "flow_type": "dc_api-unsigned",
  "core": {
    "dcql_query": {
      "credentials": [{
        "id": "mdl",
        "format": "mso_mdoc",
        "meta": {"doctype_value": "org.iso.18013.5.1.mDL"},
        "claims": [{"path": ["org.iso.18013.5.1", "family_name"]}]
      }]
    }
  }
}`

// execute runs the root command with args and returns stdout and stderr.
// Flags keep their values between cobra executions, so every flag is reset
// to its default first.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	resetFlags(rootCmd)
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func templateDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unsigned-mdl-conf.json"), []byte(testTemplate), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "age-check-conf.json"), []byte(testTemplate), 0o600))
	return dir
}

func TestRequests(t *testing.T) {
	dir := templateDir(t)

	stdout, _, err := execute(t, "requests", "--config-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "REQUEST ID")
	assert.Contains(t, stdout, "unsigned-mdl")
	assert.Contains(t, stdout, "age-check")

	stdout, _, err = execute(t, "requests", "--config-dir", dir, "-o", "json")
	require.NoError(t, err)
	var resp map[string][]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.ElementsMatch(t, []string{"unsigned-mdl", "age-check"}, resp["requests"])
}

func TestRequestShow(t *testing.T) {
	dir := templateDir(t)

	stdout, _, err := execute(t, "requests", "show", "unsigned-mdl", "--config-dir", dir)
	require.NoError(t, err)
	assert.JSONEq(t, testTemplate, stdout)

	_, _, err = execute(t, "requests", "show", "missing", "--config-dir", dir)
	assert.Error(t, err)
}

func TestRun_Mock(t *testing.T) {
	dir := templateDir(t)

	stdout, stderr, err := execute(t, "run", "--mock", "--config-dir", dir,
		"--verifier", "https://verifier.invalid", "--interval", "1ms")
	require.NoError(t, err)

	var res struct {
		State        string `json:"state"`
		Verification struct {
			Status string `json:"status"`
		} `json:"verification"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, "SUCCEEDED", res.State)
	assert.Equal(t, "SUCCESSFUL", res.Verification.Status)

	assert.Contains(t, stderr, "credential-request-started")
	assert.Contains(t, stderr, "credential-verification-success")
	assert.Contains(t, stderr, "credential-finished")
}

func TestRun_AnnexCMock(t *testing.T) {
	dir := templateDir(t)

	stdout, _, err := execute(t, "run", "--mock", "--protocol", "annex-c", "--config-dir", dir,
		"--verifier", "https://verifier.invalid", "--interval", "1ms")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"protocol": "annex-c"`)
}

// newVerifier serves one standard session, sess-1, whose info reports status
func newVerifier(t *testing.T, status string, submitted *[]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /verification-session/create", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sessionId":"sess-1"}`))
	})
	mux.HandleFunc("GET /verification-session/sess-1/request", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"protocol":"openid4vp-v1-unsigned","data":{"nonce":"n"}}`))
	})
	mux.HandleFunc("POST /verification-session/sess-1/response", func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		if submitted != nil {
			*submitted = buf.Bytes()
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /verification-session/sess-1/info", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"sess-1","status":"` + status + `"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_WithoutProvider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	_, stderr, err := execute(t, "run", "--config-dir", templateDir(t), "--verifier", srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, dcflow.ErrUnsupportedPlatform)
	assert.Contains(t, stderr, "credential-dcapi-error")
	assert.Contains(t, stderr, "credential-error")
	assert.NotContains(t, stderr, "credential-request-loaded")
	assert.Zero(t, calls.Load())
}

func TestRun_WalletResponseFile(t *testing.T) {
	var submitted []byte
	srv := newVerifier(t, "FAILED", &submitted)

	walletFile := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, os.WriteFile(walletFile, []byte(`{"protocol":"openid4vp-v1-unsigned","data":{"vp_token":"abc"}}`), 0o600))

	stdout, stderr, err := execute(t, "run", "--config-dir", templateDir(t), "--verifier", srv.URL,
		"--wallet-response", walletFile, "--interval", "1ms", "--max-attempts", "2")
	require.Error(t, err)
	assert.Contains(t, stdout, `"state": "FAILED"`)
	assert.Contains(t, stderr, "credential-verification-error")
	assert.Contains(t, string(submitted), "abc")
}

func TestInfo(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verification-session/sess-9/info", r.URL.Path)
		calls++
		if calls < 2 {
			_, _ = w.Write([]byte(`{"status":"PENDING"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"SUCCESSFUL"}`))
	}))
	defer srv.Close()

	stdout, _, err := execute(t, "info", "sess-9", "--verifier", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, stdout, "PENDING")
	assert.Equal(t, 1, calls)

	calls = 0
	stdout, _, err = execute(t, "info", "sess-9", "--poll", "--verifier", srv.URL, "--interval", "1ms", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"SUCCESSFUL"}`, stdout)
	assert.Equal(t, 2, calls)
}

func TestExamples(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api.json", r.URL.Path)
		_, _ = w.Write([]byte(`{"paths":{"/verification-session/create":{"post":{"requestBody":{"content":{"application/json":{"examples":{
			"dc_api unsigned mdl":{"summary":"Unsigned mDL","value":{"dcql_query":{}}},
			"oid4vp":{"value":{}}
		}}}}}}}}`))
	}))
	defer srv.Close()

	stdout, _, err := execute(t, "examples", "--verifier", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, stdout, "dc_api unsigned mdl")
	assert.NotContains(t, stdout, "oid4vp")
}

func TestMock(t *testing.T) {
	enabled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/dc/mock", r.URL.Path)
		if r.Method == http.MethodPost {
			var req struct {
				Enabled bool `json:"enabled"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			enabled = req.Enabled
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"enabled": enabled, "fixtures": []string{"unsigned-mdl"}})
	}))
	defer srv.Close()

	stdout, _, err := execute(t, "mock", "status", "--url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Mock mode: disabled")
	assert.Contains(t, stdout, "unsigned-mdl")

	stdout, _, err = execute(t, "mock", "enable", "--url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Mock mode: enabled")
	assert.True(t, enabled)

	_, _, err = execute(t, "mock", "disable", "--url", srv.URL)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestFlows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/dc/flows":
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusAccepted)
				_, _ = w.Write([]byte(`{"flowId":"flow-2","requestId":"unsigned-mdl","protocol":"standard","mock":true}`))
				return
			}
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`[{"id":"flow-1","requestId":"unsigned-mdl","protocol":"standard","state":"SUCCEEDED","status":"SUCCESSFUL","mock":true,"startedAt":"2026-01-02T03:04:05Z"}]`))
		case "/api/dc/flows/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"flow not found"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	stdout, _, err := execute(t, "flows", "list", "-n", "5", "--url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, stdout, "flow-1")
	assert.Contains(t, stdout, "SUCCEEDED")
	assert.Contains(t, stdout, "mock")

	stdout, _, err = execute(t, "flows", "start", "--mock", "--url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, stdout, "flow-2")

	_, _, err = execute(t, "flows", "get", "missing", "--url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (404): flow not found")
}
