package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/mock"
)

var (
	infoFlags verifierFlags
	infoPoll  bool
)

var infoCmd = &cobra.Command{
	Use:   "info <session-id>",
	Short: "Show the verifier status of a session",
	Long: `Read the info document of a verifier session. With --poll the command
keeps asking until the status is terminal or the attempts run out.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		fixtures, err := infoFlags.fixtures(logger)
		if err != nil {
			return err
		}
		client, err := infoFlags.newVerifierClient(fixtures, logger)
		if err != nil {
			return err
		}

		ctx := mock.WithEnabled(cmd.Context(), infoFlags.mock)
		sess := &domain.VerificationSession{ID: args[0], Protocol: client.Protocol()}

		var payload json.RawMessage
		if infoPoll {
			result, err := client.PollUntilTerminal(ctx, sess)
			if err != nil {
				return err
			}
			payload = result.Payload
		} else {
			payload, _, err = client.GetInfo(ctx, sess)
			if err != nil {
				return err
			}
		}

		if output == "json" {
			return printJSON(cmd.OutOrStdout(), payload)
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			return printJSON(cmd.OutOrStdout(), payload)
		}
		printTable(cmd.OutOrStdout(), []string{"SESSION", "PROTOCOL", "STATUS"}, [][]string{
			{sess.ID, string(sess.Protocol), fmt.Sprintf("%v", doc["status"])},
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)

	infoFlags.register(infoCmd)
	infoCmd.Flags().BoolVar(&infoPoll, "poll", false, "Poll until the status is terminal")
}
