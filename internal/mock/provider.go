package mock

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/dcflow"
)

// DefaultDelay stands in for the wallet picker
const DefaultDelay = 200 * time.Millisecond

// FixtureProvider is a CredentialProvider answering every request with the
// wallet response fixture of its request id
type FixtureProvider struct {
	fixtures *FixtureSet
	delay    time.Duration
	logger   *zap.Logger
}

var _ dcflow.CredentialProvider = (*FixtureProvider)(nil)

// NewFixtureProvider creates a provider. A negative delay means
// DefaultDelay.
func NewFixtureProvider(fixtures *FixtureSet, delay time.Duration, logger *zap.Logger) *FixtureProvider {
	if delay < 0 {
		delay = DefaultDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FixtureProvider{
		fixtures: fixtures,
		delay:    delay,
		logger:   logger.Named("mock-provider"),
	}
}

// Available always reports true
func (p *FixtureProvider) Available(context.Context) bool {
	return true
}

// Get waits for the configured delay and returns a copy of the fixture
func (p *FixtureProvider) Get(ctx context.Context, req dcflow.CredentialRequest) (json.RawMessage, error) {
	p.logger.Debug("Using fixture wallet response", zap.String("request_id", req.RequestID))

	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return p.fixtures.Lookup(req.RequestID).Response, nil
}
