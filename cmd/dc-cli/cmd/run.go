package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-digital-credentials/internal/dcflow"
	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/mock"
)

var (
	runFlags          verifierFlags
	runRequestID      string
	runWalletResponse string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a complete verification flow",
	Long: `Create a verifier session, fetch its request, obtain a wallet response
and submit it, then poll until the verifier reports a terminal status.

The wallet response comes from the fixtures with --mock, or from a file with
--wallet-response. Events are written to stderr as they happen and the
flow result to stdout. The command fails unless verification succeeds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		fixtures, err := runFlags.fixtures(logger)
		if err != nil {
			return err
		}
		client, err := runFlags.newVerifierClient(fixtures, logger)
		if err != nil {
			return err
		}

		var provider dcflow.CredentialProvider
		providerName := "none"
		switch {
		case runFlags.mock:
			provider = mock.NewFixtureProvider(fixtures, 0, logger)
			providerName = "fixture"
		case runWalletResponse != "":
			provider = fileProvider(runWalletResponse)
			providerName = "file"
		}

		stderr := cmd.ErrOrStderr()
		flow := dcflow.NewFlow(dcflow.FlowDeps{
			Client:  client,
			Invoker: dcflow.NewInvoker(provider, providerName, nil, logger),
			Events: dcflow.EventSinkFunc(func(e dcflow.Event) {
				if e.Error != nil {
					fmt.Fprintf(stderr, "%-32s %-20s %s\n", e.Type, e.State, e.Error.Message)
					return
				}
				fmt.Fprintf(stderr, "%-32s %s\n", e.Type, e.State)
			}),
			Logger: logger,
		}, dcflow.FlowOptions{
			RequestID: runRequestID,
			Mock:      runFlags.mock,
		})

		ctx := mock.WithEnabled(cmd.Context(), runFlags.mock)
		res, err := flow.Run(ctx)
		if res == nil {
			return err
		}

		data, mErr := json.Marshal(res)
		if mErr != nil {
			return fmt.Errorf("failed to encode result: %w", mErr)
		}
		if pErr := printJSON(cmd.OutOrStdout(), data); pErr != nil {
			return pErr
		}
		if err != nil {
			return err
		}
		return res.Err()
	},
}

// fileProvider answers every credential request with the contents of path
func fileProvider(path string) dcflow.ProviderFunc {
	return func(_ context.Context, _ dcflow.CredentialRequest) (json.RawMessage, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read wallet response: %w", err)
		}
		return data, nil
	}
}

func init() {
	rootCmd.AddCommand(runCmd)

	runFlags.register(runCmd)
	runCmd.Flags().StringVarP(&runRequestID, "request-id", "r", domain.DefaultRequestID, "Request template id")
	runCmd.Flags().StringVarP(&runWalletResponse, "wallet-response", "w", "", "File with a recorded wallet response")
}
