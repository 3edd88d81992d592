package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// examplesPath locates the create request examples in the verifier's
// OpenAPI document.
const examplesPath = `paths./verification-session/create.post.requestBody.content.application/json.examples`

// exampleMarker selects the examples meant for the Digital Credentials API
const exampleMarker = "dc_api"

// Example is one create request published by the verifier
type Example struct {
	Title   string          `json:"title"`
	Summary string          `json:"summary,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Discoverer reads example requests from a verifier's OpenAPI document
type Discoverer struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewDiscoverer creates a discoverer for the verifier at baseURL
func NewDiscoverer(baseURL string, client *http.Client, logger *zap.Logger) *Discoverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Discoverer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger.Named("discovery"),
	}
}

// Discover fetches {base}/api.json and returns the dc_api examples in
// document order.
func (d *Discoverer) Discover(ctx context.Context) ([]Example, error) {
	url := d.baseURL + "/api.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OpenAPI document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("OpenAPI document is not valid JSON")
	}

	examples := ParseExamples(body)
	d.logger.Debug("discovered examples", zap.String("url", url), zap.Int("count", len(examples)))
	return examples, nil
}

// ParseExamples extracts the dc_api examples of an OpenAPI document
func ParseExamples(doc []byte) []Example {
	examples := []Example{}
	gjson.GetBytes(doc, examplesPath).ForEach(func(title, raw gjson.Result) bool {
		if !strings.Contains(strings.ToLower(title.String()), exampleMarker) {
			return true
		}
		if !raw.IsObject() {
			return true
		}
		value := raw.Get("value")
		if !value.Exists() {
			return true
		}
		examples = append(examples, Example{
			Title:   title.String(),
			Summary: raw.Get("summary").String(),
			Payload: json.RawMessage(value.Raw),
		})
		return true
	})
	return examples
}
