package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
)

var (
	flowsLimit int

	flowStartProtocol string
	flowStartRequest  string
	flowStartClientID string
	flowStartMock     bool
	flowStartWait     bool
)

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "Inspect and start flows on a demo backend",
}

var flowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent flows",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := url.Values{}
		if flowsLimit > 0 {
			query.Set("limit", strconv.Itoa(flowsLimit))
		}
		path := "/api/dc/flows"
		if len(query) > 0 {
			path += "?" + query.Encode()
		}

		data, err := NewClient(serverURL).Request("GET", path, nil)
		if err != nil {
			return err
		}

		if output == "json" {
			return printJSON(cmd.OutOrStdout(), data)
		}

		var records []domain.FlowRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		rows := make([][]string, 0, len(records))
		for _, r := range records {
			mode := "live"
			if r.Mock {
				mode = "mock"
			}
			rows = append(rows, []string{
				r.ID,
				r.RequestID,
				string(r.Protocol),
				string(r.State),
				string(r.Status),
				mode,
				r.StartedAt.Format("2006-01-02 15:04:05"),
			})
		}
		printTable(cmd.OutOrStdout(), []string{"ID", "REQUEST", "PROTOCOL", "STATE", "STATUS", "MODE", "STARTED"}, rows)
		return nil
	},
}

var flowsGetCmd = &cobra.Command{
	Use:   "get <flow-id>",
	Short: "Show a flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := NewClient(serverURL).Request("GET", "/api/dc/flows/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), data)
	},
}

var flowsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a flow on the backend",
	Long: `Start a server-driven flow. Live flows need the id of a browser connected
to the backend's websocket bridge; mock flows answer from fixtures.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]interface{}{
			"requestId": flowStartRequest,
			"protocol":  flowStartProtocol,
			"wait":      flowStartWait,
		}
		if flowStartClientID != "" {
			body["clientId"] = flowStartClientID
		}
		if cmd.Flags().Changed("mock") {
			body["mock"] = flowStartMock
		}

		data, err := NewClient(serverURL).Request("POST", "/api/dc/flows", body)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), data)
	},
}

func init() {
	rootCmd.AddCommand(flowsCmd)
	flowsCmd.AddCommand(flowsListCmd)
	flowsCmd.AddCommand(flowsGetCmd)
	flowsCmd.AddCommand(flowsStartCmd)

	flowsListCmd.Flags().IntVarP(&flowsLimit, "limit", "n", 0, "Maximum number of flows")

	flowsStartCmd.Flags().StringVarP(&flowStartProtocol, "protocol", "p", string(domain.ProtocolStandard), "Protocol: standard, annex-c")
	flowsStartCmd.Flags().StringVarP(&flowStartRequest, "request-id", "r", domain.DefaultRequestID, "Request template id")
	flowsStartCmd.Flags().StringVar(&flowStartClientID, "client-id", "", "Websocket bridge client id")
	flowsStartCmd.Flags().BoolVar(&flowStartMock, "mock", false, "Override the backend mock mode for this flow")
	flowsStartCmd.Flags().BoolVar(&flowStartWait, "wait", false, "Wait for the flow to finish")
}
