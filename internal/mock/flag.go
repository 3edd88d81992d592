package mock

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	// QueryParam switches mock mode and persists the choice
	QueryParam = "dc-mock"
	// Header switches mock mode for a single request
	Header = "X-DC-Mock"
)

// ParseTruthy reports whether v enables mock mode. A present but empty
// value counts as true.
func ParseTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Flag is the process-wide mock switch. It is read once from its file at
// construction and written back on every change.
type Flag struct {
	enabled atomic.Bool
	path    string

	mu     sync.Mutex // serializes persistence
	logger *zap.Logger
}

// NewFlag creates a flag persisted at path. When the file exists its
// content wins over initial. An empty path disables persistence.
func NewFlag(path string, initial bool, logger *zap.Logger) (*Flag, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Flag{path: path, logger: logger.Named("mock-flag")}
	f.enabled.Store(initial)

	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		f.enabled.Store(strings.TrimSpace(string(data)) == "true")
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read mock flag: %w", err)
	}
	return f, nil
}

// Enabled returns the persisted state
func (f *Flag) Enabled() bool {
	return f.enabled.Load()
}

// Set changes and persists the state
func (f *Flag) Set(enabled bool) error {
	f.enabled.Store(enabled)
	if f.path == "" {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.WriteFile(f.path, []byte(strconv.FormatBool(enabled)), 0o600); err != nil {
		return fmt.Errorf("failed to persist mock flag: %w", err)
	}
	f.logger.Info("Mock mode changed", zap.Bool("enabled", enabled))
	return nil
}

// Resolve decides mock mode for one request. A dc-mock query parameter
// sets and persists the flag; an X-DC-Mock header overrides it for this
// request only; otherwise the persisted state applies.
func (f *Flag) Resolve(query url.Values, header http.Header) (bool, error) {
	if query.Has(QueryParam) {
		enabled := ParseTruthy(query.Get(QueryParam))
		if enabled != f.Enabled() {
			if err := f.Set(enabled); err != nil {
				return enabled, err
			}
		}
		return enabled, nil
	}
	if values := header.Values(Header); len(values) > 0 {
		for _, v := range values {
			if v != "" && ParseTruthy(v) {
				return true, nil
			}
		}
		return false, nil
	}
	return f.Enabled(), nil
}

type contextKey struct{}

// WithEnabled marks ctx, and the verifier calls made with it, as mocked
// or live
func WithEnabled(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, contextKey{}, enabled)
}

// FromContext returns the mock decision stored in ctx
func FromContext(ctx context.Context) (enabled, ok bool) {
	enabled, ok = ctx.Value(contextKey{}).(bool)
	return enabled, ok
}
