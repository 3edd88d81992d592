// Package cmd contains all CLI commands for dc-cli.
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/pkg/config"
	"github.com/sirosfoundation/go-digital-credentials/pkg/logging"
)

var (
	// Global flags
	serverURL   string
	verifierURL string
	configDir   string
	output      string
	verbose     bool
)

// Client wraps HTTP client for demo backend calls
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new demo backend client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Request makes an HTTP request to the demo backend
func (c *Client) Request(method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil {
			if errResp.Message != "" {
				return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Message)
			}
			if errResp.Error != "" {
				return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
			}
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// printJSON formats and prints JSON output
func printJSON(w io.Writer, data []byte) error {
	var formatted bytes.Buffer
	if err := json.Indent(&formatted, data, "", "  "); err != nil {
		// If it's not valid JSON, just print as-is
		_, err := fmt.Fprintln(w, string(data))
		return err
	}
	_, err := fmt.Fprintln(w, formatted.String())
	return err
}

// printTable prints data in a simple table format
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, h := range headers {
		fmt.Fprintf(w, "%-*s  ", widths[i], h)
	}
	fmt.Fprintln(w)

	for i := range headers {
		fmt.Fprintf(w, "%s  ", strings.Repeat("-", widths[i]))
	}
	fmt.Fprintln(w)

	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				fmt.Fprintf(w, "%-*s  ", widths[i], cell)
			}
		}
		fmt.Fprintln(w)
	}
}

// newLogger returns a development logger with --verbose and a no-op logger otherwise
func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := logging.New(config.LoggingConfig{Level: "debug", Format: "text"})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dc-cli",
	Short: "CLI tool for digital credential verification flows",
	Long: `dc-cli drives Digital Credentials API verification flows against a
verifier and manages a running demo backend.

It provides commands for:
  - Requests: list the request templates of a config directory
  - Examples: discover dc_api example requests published by the verifier
  - Run: execute a complete flow, with fixtures or a recorded wallet response
  - Info: read or poll the status of a verification session
  - Mock, Flows: toggle mock mode and inspect flow history on a demo backend

Examples:
  # Run a complete flow without touching the network
  dc-cli run --mock

  # Submit a recorded wallet response through the Annex C protocol
  dc-cli run --protocol annex-c --wallet-response wallet.json

  # Poll a session until the verifier reaches a terminal status
  dc-cli info 3f1c... --poll

Environment Variables:
  DC_SERVER_URL         Base URL of the demo backend (default: http://localhost:8080)
  DC_VERIFIER_BASE_URL  Base URL of the verifier
  DC_TEMPLATES_CONFIG_DIR  Directory with <id>-conf.json request templates (default: config)`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "url", "u", getEnvOrDefault("DC_SERVER_URL", "http://localhost:8080"), "Demo backend base URL")
	rootCmd.PersistentFlags().StringVar(&verifierURL, "verifier", getEnvOrDefault("DC_VERIFIER_BASE_URL", config.DefaultVerifierBaseURL), "Verifier base URL")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", getEnvOrDefault("DC_TEMPLATES_CONFIG_DIR", "config"), "Request template directory")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log verifier calls and flow transitions")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
