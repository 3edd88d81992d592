package domain

import (
	"encoding/json"
	"time"
)

// FlowState is a state of the credential-verification state machine
type FlowState string

const (
	StateIdle               FlowState = "IDLE"
	StateRequestCreated     FlowState = "REQUEST_CREATED"
	StateRequestLoaded      FlowState = "REQUEST_LOADED"
	StateCredentialObtained FlowState = "CREDENTIAL_OBTAINED"
	StateResponseSubmitted  FlowState = "RESPONSE_SUBMITTED"
	StatePolling            FlowState = "POLLING"
	StateSucceeded          FlowState = "SUCCEEDED"
	StateFailed             FlowState = "FAILED"
)

// IsFinal reports whether the state ends the flow
func (s FlowState) IsFinal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Stage tags the part of the flow a failure originated from
type Stage string

const (
	StageRequest      Stage = "request"
	StageDCAPI        Stage = "dc-api"
	StageVerification Stage = "verification"
	StageNetwork      Stage = "network"
	StageUnexpected   Stage = "unexpected"
)

// FlowRecord is the persisted history entry of one flow run
type FlowRecord struct {
	ID         string          `json:"id" bson:"_id"`
	RequestID  string          `json:"requestId" bson:"request_id"`
	Protocol   Protocol        `json:"protocol" bson:"protocol"`
	SessionID  string          `json:"sessionId,omitempty" bson:"session_id,omitempty"`
	State      FlowState       `json:"state" bson:"state"`
	Stage      Stage           `json:"stage,omitempty" bson:"stage,omitempty"`
	Status     SessionStatus   `json:"status,omitempty" bson:"status,omitempty"`
	Error      string          `json:"error,omitempty" bson:"error,omitempty"`
	Mock       bool            `json:"mock" bson:"mock"`
	Result     json.RawMessage `json:"result,omitempty" bson:"result,omitempty"`
	StartedAt  time.Time       `json:"startedAt" bson:"started_at"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty" bson:"finished_at,omitempty"`
}
