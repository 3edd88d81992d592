package dcflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
)

// Error kinds. Every *Error carries exactly one of these as its Kind, so
// callers can classify failures with errors.Is.
var (
	ErrConfigFetch         = errors.New("request configuration unavailable")
	ErrSessionCreate       = errors.New("verification session creation failed")
	ErrRequestFetch        = errors.New("credential request unavailable")
	ErrUnsupportedPlatform = errors.New("digital credentials API not available")
	ErrCredentialRequest   = errors.New("digital credentials API call failed")
	ErrEmptyResponse       = errors.New("digital credentials API returned no credential")
	ErrSubmission          = errors.New("wallet response submission failed")
	ErrInfoFetch           = errors.New("verification info unavailable")
	ErrPollTimeout         = errors.New("verification result not available")
	ErrVerificationFailed  = errors.New("verification failed")
	ErrCanceled            = errors.New("flow canceled")
)

// ErrFlowStarted is returned when Run is called on a flow that left IDLE
var ErrFlowStarted = errors.New("flow already started")

// Error is the single error type produced by the session client, the
// invoker and the flow.
type Error struct {
	Stage      domain.Stage
	Kind       error
	Message    string
	StatusCode int    // HTTP status of the failing call, 0 when none
	Body       []byte // response body of the failing call, preserved verbatim
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, msg)
}

// Unwrap exposes both the kind sentinel and the underlying cause
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// BodyString returns the preserved response body
func (e *Error) BodyString() string {
	return string(e.Body)
}

func newError(stage domain.Stage, kind error, message string, err error) *Error {
	return &Error{Stage: stage, Kind: kind, Message: message, Err: err}
}

func httpError(stage domain.Stage, kind error, message string, status int, body []byte) *Error {
	return &Error{Stage: stage, Kind: kind, Message: message, StatusCode: status, Body: body}
}

// transportError tags a failed round trip. Cancellation keeps the stage of
// the operation that was interrupted.
func transportError(ctx context.Context, stage domain.Stage, kind error, message string, err error) *Error {
	if ctx.Err() != nil {
		return newError(stage, ErrCanceled, message, ctx.Err())
	}
	return newError(domain.StageNetwork, kind, message, err)
}

// AsError converts any error into an *Error, tagging foreign errors with
// the unexpected stage.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(domain.StageUnexpected, ErrCanceled, "", err)
	}
	return newError(domain.StageUnexpected, nil, "unexpected failure", err)
}

// StageOf returns the stage tag of err
func StageOf(err error) domain.Stage {
	if err == nil {
		return ""
	}
	return AsError(err).Stage
}
