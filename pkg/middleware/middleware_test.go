package middleware

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sirosfoundation/go-digital-credentials/internal/mock"
	"github.com/sirosfoundation/go-digital-credentials/pkg/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router *gin.Engine, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_Allow(t *testing.T) {
	tests := []struct {
		name        string
		maxRequests int
		requests    int
		wantAllowed int
	}{
		{name: "allows up to max requests", maxRequests: 5, requests: 5, wantAllowed: 5},
		{name: "blocks after max requests", maxRequests: 3, requests: 5, wantAllowed: 3},
		{name: "single request allowed", maxRequests: 10, requests: 1, wantAllowed: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewRateLimiter(config.RateLimitConfig{
				Enabled:       true,
				MaxRequests:   tt.maxRequests,
				WindowSeconds: 3600,
			}, zap.NewNop())

			allowed := 0
			for i := 0; i < tt.requests; i++ {
				if rl.Allow("10.0.0.1") {
					allowed++
				}
			}
			assert.Equal(t, tt.wantAllowed, allowed)
		})
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: false, MaxRequests: 1, WindowSeconds: 3600}, zap.NewNop())
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("10.0.0.1"))
	}
}

func TestRateLimiter_IndependentClients(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, MaxRequests: 2, WindowSeconds: 3600}, zap.NewNop())

	for i := 0; i < 2; i++ {
		assert.True(t, rl.Allow("a"))
		assert.True(t, rl.Allow("b"))
	}
	assert.False(t, rl.Allow("a"))
	assert.False(t, rl.Allow("b"))
	assert.True(t, rl.Allow("c"))
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, MaxRequests: 100, WindowSeconds: 3600}, zap.NewNop())

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("shared") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(100), allowed.Load())
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, MaxRequests: 1, WindowSeconds: 3600}, zap.NewNop())
	require.True(t, rl.Allow("old"))
	require.False(t, rl.Allow("old"))

	rl.idleTimeout = -time.Hour
	rl.lastCleanup = time.Time{}
	rl.getLimiter("trigger")

	rl.mu.Lock()
	_, kept := rl.limiters["old"]
	rl.mu.Unlock()
	assert.False(t, kept)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, MaxRequests: 2, WindowSeconds: 60}, zap.NewNop())

	router := gin.New()
	router.Use(RateLimitMiddleware(rl))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	for i := 0; i < 2; i++ {
		w := serve(router, http.MethodGet, "/test", nil)
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := serve(router, http.MethodGet, "/test", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

func TestRateLimitMiddlewareWithIdentifier(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, MaxRequests: 1, WindowSeconds: 60}, zap.NewNop())

	router := gin.New()
	router.Use(RateLimitMiddlewareWithIdentifier(rl, func(c *gin.Context) string {
		return c.GetHeader("X-Client")
	}))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, serve(router, http.MethodGet, "/test", http.Header{"X-Client": {"one"}}).Code)
	assert.Equal(t, http.StatusNoContent, serve(router, http.MethodGet, "/test", http.Header{"X-Client": {"two"}}).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodGet, "/test", http.Header{"X-Client": {"one"}}).Code)
}

func TestAllowedHosts(t *testing.T) {
	newRouter := func(hosts []string) *gin.Engine {
		router := gin.New()
		router.Use(AllowedHosts(hosts, zap.NewNop()))
		router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
		return router
	}

	tests := []struct {
		name  string
		hosts []string
		host  string
		want  int
	}{
		{name: "empty list allows any host", hosts: nil, host: "anything.example", want: http.StatusOK},
		{name: "listed host", hosts: []string{"demo.example"}, host: "demo.example", want: http.StatusOK},
		{name: "listed host with port", hosts: []string{"demo.example"}, host: "demo.example:8080", want: http.StatusOK},
		{name: "case insensitive", hosts: []string{"Demo.Example"}, host: "DEMO.example", want: http.StatusOK},
		{name: "unknown host", hosts: []string{"demo.example"}, host: "evil.example", want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Host = tt.host
			w := httptest.NewRecorder()
			newRouter(tt.hosts).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHostWithoutPort(t *testing.T) {
	assert.Equal(t, "example.com", HostWithoutPort("Example.com:443"))
	assert.Equal(t, "example.com", HostWithoutPort("example.com"))
	assert.Equal(t, "::1", HostWithoutPort("[::1]:8080"))
}

func TestMockMode(t *testing.T) {
	flagPath := filepath.Join(t.TempDir(), "mock-flag")
	flag, err := mock.NewFlag(flagPath, false, zap.NewNop())
	require.NoError(t, err)

	type seen struct{ gin, ctx bool }
	var last seen
	router := gin.New()
	router.Use(MockMode(flag, zap.NewNop()))
	router.GET("/", func(c *gin.Context) {
		ctxEnabled, _ := mock.FromContext(c.Request.Context())
		last = seen{gin: MockEnabled(c), ctx: ctxEnabled}
		c.Status(http.StatusOK)
	})

	serve(router, http.MethodGet, "/", nil)
	assert.Equal(t, seen{false, false}, last)

	serve(router, http.MethodGet, "/", http.Header{mock.Header: {"true"}})
	assert.Equal(t, seen{true, true}, last)
	assert.False(t, flag.Enabled(), "header must not persist")

	serve(router, http.MethodGet, "/?dc-mock=1", nil)
	assert.Equal(t, seen{true, true}, last)
	assert.True(t, flag.Enabled())

	serve(router, http.MethodGet, "/", nil)
	assert.Equal(t, seen{true, true}, last)
}

func TestMockMode_PersistFailure(t *testing.T) {
	flag, err := mock.NewFlag(filepath.Join(t.TempDir(), "missing-dir", "flag"), false, zap.NewNop())
	require.NoError(t, err)

	router := gin.New()
	router.Use(MockMode(flag, zap.NewNop()))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(router, http.MethodGet, "/?dc-mock=true", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(Logger(zap.New(core)))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	serve(router, http.MethodGet, "/ok?x=1", nil)
	serve(router, http.MethodGet, "/bad", nil)
	serve(router, http.MethodGet, "/boom", nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "/ok", entries[0].ContextMap()["path"])
	assert.Equal(t, "x=1", entries[0].ContextMap()["query"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.ErrorLevel, entries[2].Level)
	assert.Equal(t, int64(http.StatusBadGateway), entries[2].ContextMap()["status"])
}
