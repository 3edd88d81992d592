package dcflow

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
)

// EventType names a flow event. The names match the DOM events of the
// digital-credentials web component.
type EventType string

const (
	EventRequestStarted      EventType = "credential-request-started"
	EventRequestLoaded       EventType = "credential-request-loaded"
	EventDCAPISuccess        EventType = "credential-dcapi-success"
	EventDCAPIError          EventType = "credential-dcapi-error"
	EventVerificationSuccess EventType = "credential-verification-success"
	EventVerificationError   EventType = "credential-verification-error"
	EventFinished            EventType = "credential-finished"
	EventCredentialError     EventType = "credential-error"
)

// Event is emitted on every flow transition
type Event struct {
	Type      EventType        `json:"type"`
	FlowID    string           `json:"flowId"`
	RequestID string           `json:"requestId"`
	Protocol  domain.Protocol  `json:"protocol"`
	State     domain.FlowState `json:"state"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Error     *EventError      `json:"error,omitempty"`
	Time      time.Time        `json:"time"`
}

// EventError is the serializable form of an *Error
type EventError struct {
	Stage      domain.Stage `json:"stage"`
	Kind       string       `json:"kind,omitempty"`
	Message    string       `json:"message"`
	StatusCode int          `json:"statusCode,omitempty"`
	Body       string       `json:"body,omitempty"`
}

// NewEventError converts err for transport in an event
func NewEventError(err error) *EventError {
	e := AsError(err)
	if e == nil {
		return nil
	}
	ee := &EventError{
		Stage:      e.Stage,
		Message:    e.Error(),
		StatusCode: e.StatusCode,
		Body:       string(e.Body),
	}
	if e.Kind != nil {
		ee.Kind = e.Kind.Error()
	}
	return ee
}

// EventSink receives flow events. Publish must not block for long; the
// flow calls it synchronously.
type EventSink interface {
	Publish(Event)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(e Event) { f(e) }

// MultiSink fans events out to several sinks
type MultiSink []EventSink

func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// EventLog keeps every published event in memory
type EventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *EventLog) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

// Events returns a copy of the recorded events
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Types returns the recorded event types in order
func (l *EventLog) Types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	types := make([]EventType, len(l.events))
	for i, e := range l.events {
		types[i] = e.Type
	}
	return types
}

// errorEventFor returns the stage specific event emitted before
// credential-error, if any.
func errorEventFor(err error) (EventType, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	switch e.Stage {
	case domain.StageDCAPI:
		return EventDCAPIError, true
	case domain.StageVerification:
		return EventVerificationError, true
	default:
		return "", false
	}
}
