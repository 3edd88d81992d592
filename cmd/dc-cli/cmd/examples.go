package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-digital-credentials/internal/templates"
)

var examplesCmd = &cobra.Command{
	Use:   "examples",
	Short: "List dc_api example requests published by the verifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		examples, err := templates.NewDiscoverer(verifierURL, nil, newLogger()).Discover(cmd.Context())
		if err != nil {
			return err
		}

		if output == "json" {
			data, err := json.Marshal(map[string]interface{}{"examples": examples})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		}

		rows := make([][]string, 0, len(examples))
		for _, ex := range examples {
			rows = append(rows, []string{ex.Title, ex.Summary})
		}
		printTable(cmd.OutOrStdout(), []string{"TITLE", "SUMMARY"}, rows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(examplesCmd)
}
