// Package api provides the HTTP handlers of the digital credentials demo backend.
package api

// APIVersion represents the current API version supported by this server.
// This allows frontends to auto-detect capabilities and use appropriate endpoints.
//
// Note: API versioning refers to capability levels, not URL prefixes.
// - REST API endpoints are at /api/dc/... (no version prefix)
// - the browser bridge is at /ws/dc
const (
	// APIVersion1 is the first demo backend surface: request, response
	// and request-config for both protocols.
	APIVersion1 = 1

	// APIVersion2 adds server-driven flows, flow history and the browser bridge.
	APIVersion2 = 2

	// CurrentAPIVersion is the highest API version supported by this server.
	CurrentAPIVersion = APIVersion2
)

// APICapabilities describes the features available at each API version.
var APICapabilities = map[int][]string{
	APIVersion1: {
		"openid4vp",
		"annex-c",
		"request-config",
		"mock",
	},
	APIVersion2: {
		"openid4vp",
		"annex-c",
		"request-config",
		"mock",
		"examples",
		"flows",
		"websocket-bridge",
	},
}

// StatusResponse is the response from the /status endpoint.
type StatusResponse struct {
	Status       string   `json:"status"`
	Service      string   `json:"service"`
	APIVersion   int      `json:"api_version"`
	Capabilities []string `json:"capabilities,omitempty"`
	Mock         bool     `json:"mock"`
	Verifier     string   `json:"verifier"`
}
