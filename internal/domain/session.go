package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultRequestID is the request template used when none is specified
const DefaultRequestID = "unsigned-mdl"

// Protocol identifies the retrieval protocol variant of a verification session
type Protocol string

const (
	// ProtocolStandard is the OpenID4VP verification-session API
	ProtocolStandard Protocol = "standard"
	// ProtocolAnnexC is the ISO 18013-7 Annex C encrypted variant
	ProtocolAnnexC Protocol = "annex-c"
)

// ParseProtocol parses a protocol name. The empty string and "openid4vp"
// are accepted as aliases of the standard protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "openid4vp":
		return ProtocolStandard, nil
	case "annex-c", "annexc":
		return ProtocolAnnexC, nil
	default:
		return "", fmt.Errorf("invalid protocol %q (must be standard or annex-c)", s)
	}
}

// SessionStatus is the verifier-reported status of a session
type SessionStatus string

const (
	StatusCreated    SessionStatus = "CREATED"
	StatusReceived   SessionStatus = "RECEIVED"
	StatusPending    SessionStatus = "PENDING"
	StatusProcessing SessionStatus = "PROCESSING"
	StatusInUse      SessionStatus = "IN_USE"
	StatusSuccessful SessionStatus = "SUCCESSFUL"
)

// IsTerminal reports whether no further polling should happen for the status.
// Unknown and empty statuses are terminal.
func (s SessionStatus) IsTerminal() bool {
	switch SessionStatus(strings.ToUpper(string(s))) {
	case StatusCreated, StatusReceived, StatusPending, StatusProcessing, StatusInUse:
		return false
	default:
		return true
	}
}

// IsSuccessful reports whether the status is the terminal success status
func (s SessionStatus) IsSuccessful() bool {
	return strings.EqualFold(string(s), string(StatusSuccessful))
}

// VerificationSession tracks one credential-verification attempt at the verifier
type VerificationSession struct {
	ID        string        `json:"sessionId" bson:"session_id"`
	Protocol  Protocol      `json:"protocol" bson:"protocol"`
	RequestID string        `json:"requestId" bson:"request_id"`
	Status    SessionStatus `json:"status,omitempty" bson:"status,omitempty"`
	CreatedAt time.Time     `json:"createdAt" bson:"created_at"`
}
