package cmd

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/dcflow"
	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/mock"
	"github.com/sirosfoundation/go-digital-credentials/internal/templates"
	"github.com/sirosfoundation/go-digital-credentials/pkg/config"
)

// verifierFlags are shared by the commands that talk to the verifier directly
type verifierFlags struct {
	protocol    string
	mock        bool
	fixturesDir string
	interval    time.Duration
	maxAttempts int
}

func (f *verifierFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.protocol, "protocol", "p", string(domain.ProtocolStandard), "Protocol: standard, annex-c")
	cmd.Flags().BoolVar(&f.mock, "mock", false, "Answer verifier calls from fixtures instead of the network")
	cmd.Flags().StringVar(&f.fixturesDir, "fixtures-dir", "", "Directory with fixture overrides")
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "Poll interval (default depends on protocol)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "Maximum status polls (default depends on protocol)")
}

// pollPolicy applies the flag overrides on top of the protocol defaults
func (f *verifierFlags) pollPolicy(protocol domain.Protocol) dcflow.PollPolicy {
	defaults := config.Default().Verifier
	poll := defaults.Standard
	if protocol == domain.ProtocolAnnexC {
		poll = defaults.AnnexC
	}
	policy := dcflow.PollPolicy{Interval: poll.Interval(), MaxAttempts: poll.MaxAttempts}
	if f.interval > 0 {
		policy.Interval = f.interval
	}
	if f.maxAttempts > 0 {
		policy.MaxAttempts = f.maxAttempts
	}
	return policy
}

func (f *verifierFlags) fixtures(logger *zap.Logger) (*mock.FixtureSet, error) {
	if f.fixturesDir == "" {
		return mock.DefaultFixtures(), nil
	}
	return mock.LoadFixtures(f.fixturesDir, logger)
}

// newVerifierClient builds a dcflow client for the selected protocol. The
// mock transport sits in front of the network and only answers when the
// request context enables it.
func (f *verifierFlags) newVerifierClient(fixtures *mock.FixtureSet, logger *zap.Logger) (*dcflow.Client, error) {
	protocol, err := domain.ParseProtocol(f.protocol)
	if err != nil {
		return nil, err
	}
	strategy, err := dcflow.NewStrategy(protocol, config.Default().Verifier.RequestFallbacks)
	if err != nil {
		return nil, err
	}
	transport := mock.NewTransport(fixtures, http.DefaultTransport, nil, logger)
	httpClient := transport.Client()
	httpClient.Timeout = 30 * time.Second

	return dcflow.NewClient(dcflow.ClientOptions{
		BaseURL:    verifierURL,
		Strategy:   strategy,
		HTTPClient: httpClient,
		Templates:  templates.NewStore(configDir, logger),
		Poll:       f.pollPolicy(protocol),
		Origin:     "http://localhost",
		Logger:     logger,
	}), nil
}
