package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-digital-credentials/internal/templates"
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List request templates",
	Long:  `List the ids of the <id>-conf.json request templates in --config-dir.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := templates.NewStore(configDir, newLogger()).List()
		if err != nil {
			return err
		}

		if output == "json" {
			data, err := json.Marshal(map[string][]string{"requests": ids})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		}

		rows := make([][]string, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, []string{id})
		}
		printTable(cmd.OutOrStdout(), []string{"REQUEST ID"}, rows)
		return nil
	},
}

var requestShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Print a request template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := templates.NewStore(configDir, newLogger()).Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), payload)
	},
}

func init() {
	rootCmd.AddCommand(requestsCmd)
	requestsCmd.AddCommand(requestShowCmd)
}
