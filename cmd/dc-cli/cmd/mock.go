package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type mockStatus struct {
	Enabled  bool     `json:"enabled"`
	Fixtures []string `json:"fixtures"`
}

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Manage mock mode of a demo backend",
	Long: `Show or change the persisted mock mode of the demo backend at --url.

While mock mode is on the backend answers verifier calls and wallet
requests from fixtures.`,
}

var mockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether mock mode is enabled",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := NewClient(serverURL).Request("GET", "/api/dc/mock", nil)
		if err != nil {
			return err
		}
		return printMockStatus(cmd, data)
	},
}

var mockEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable mock mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setMock(cmd, true)
	},
}

var mockDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable mock mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setMock(cmd, false)
	},
}

func setMock(cmd *cobra.Command, enabled bool) error {
	data, err := NewClient(serverURL).Request("POST", "/api/dc/mock", map[string]bool{"enabled": enabled})
	if err != nil {
		return err
	}
	return printMockStatus(cmd, data)
}

func printMockStatus(cmd *cobra.Command, data []byte) error {
	if output == "json" {
		return printJSON(cmd.OutOrStdout(), data)
	}

	var status mockStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	state := "disabled"
	if status.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mock mode: %s\n", state)
	if len(status.Fixtures) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Fixtures:  %s\n", strings.Join(status.Fixtures, ", "))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(mockCmd)
	mockCmd.AddCommand(mockStatusCmd)
	mockCmd.AddCommand(mockEnableCmd)
	mockCmd.AddCommand(mockDisableCmd)
}
