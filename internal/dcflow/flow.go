package dcflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/metrics"
	"github.com/sirosfoundation/go-digital-credentials/pkg/logging"
)

// Recorder persists flow history. Failures are logged and never abort a
// flow.
type Recorder interface {
	Create(ctx context.Context, record *domain.FlowRecord) error
	Update(ctx context.Context, record *domain.FlowRecord) error
}

// FlowDeps are the collaborators of a flow
type FlowDeps struct {
	Client   *Client
	Invoker  *Invoker
	Events   EventSink
	Recorder Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// FlowOptions parameterize one run
type FlowOptions struct {
	// ID defaults to a random UUID
	ID        string
	RequestID string
	// RequestPayload, when set, replaces session creation and request
	// retrieval. The response is then submitted to the active session of
	// the request id in the registry.
	RequestPayload json.RawMessage
	// Mock is recorded in the flow history only
	Mock bool
}

// FlowResult collects everything a flow produced
type FlowResult struct {
	FlowID       string                      `json:"flowId"`
	RequestID    string                      `json:"requestId"`
	Protocol     domain.Protocol             `json:"protocol"`
	State        domain.FlowState            `json:"state"`
	Session      *domain.VerificationSession `json:"session,omitempty"`
	Request      json.RawMessage             `json:"request,omitempty"`
	DCResponse   json.RawMessage             `json:"dcResponse,omitempty"`
	Submission   json.RawMessage             `json:"submission,omitempty"`
	Verification *VerificationResult         `json:"verification,omitempty"`
	Error        *EventError                 `json:"error,omitempty"`

	err error
}

// Err returns the failure of the flow, including ErrVerificationFailed
// when the verifier reached a terminal status other than SUCCESSFUL.
func (r *FlowResult) Err() error {
	if r == nil {
		return nil
	}
	return r.err
}

// Flow is one run of the credential verification state machine:
//
//	IDLE -> REQUEST_CREATED -> REQUEST_LOADED -> CREDENTIAL_OBTAINED ->
//	RESPONSE_SUBMITTED -> POLLING -> SUCCEEDED | FAILED
//
// Any failure moves to FAILED. A Flow runs at most once.
type Flow struct {
	deps FlowDeps
	opts FlowOptions

	mu      sync.Mutex
	state   domain.FlowState
	started bool
	record  *domain.FlowRecord

	logger *zap.Logger
}

// NewFlow creates a flow in the IDLE state
func NewFlow(deps FlowDeps, opts FlowOptions) *Flow {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.RequestID == "" {
		opts.RequestID = domain.DefaultRequestID
	}
	if deps.Events == nil {
		deps.Events = MultiSink(nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flow{
		deps:  deps,
		opts:  opts,
		state: domain.StateIdle,
		logger: logger.Named("flow").With(
			logging.FlowFields(opts.ID, opts.RequestID, string(deps.Client.Protocol()))...),
	}
}

// ID returns the flow id
func (f *Flow) ID() string {
	return f.opts.ID
}

// State returns the current state
func (f *Flow) State() domain.FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Run executes the flow in the caller's goroutine. The returned error is
// non-nil for every failure except a terminal verification failure, which
// ends the flow FAILED with result.Err() reporting ErrVerificationFailed.
func (f *Flow) Run(ctx context.Context) (*FlowResult, error) {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil, ErrFlowStarted
	}
	f.started = true
	f.mu.Unlock()

	start := time.Now()
	client := f.deps.Client
	res := &FlowResult{
		FlowID:    f.opts.ID,
		RequestID: f.opts.RequestID,
		Protocol:  client.Protocol(),
		State:     domain.StateIdle,
	}

	f.recordStart(ctx, start)
	f.emit(EventRequestStarted, nil, nil)

	// No verifier call happens without a usable provider.
	if !f.deps.Invoker.Available(ctx) {
		return f.fail(ctx, res, start, newError(domain.StageDCAPI, ErrUnsupportedPlatform, "", nil))
	}

	request := f.opts.RequestPayload
	if len(request) == 0 {
		sess, err := client.CreateSession(ctx, f.opts.RequestID, nil)
		if err != nil {
			return f.fail(ctx, res, start, err)
		}
		res.Session = sess
		f.transition(res, domain.StateRequestCreated)

		request, err = client.FetchRequestPayload(ctx, sess)
		if err != nil {
			return f.fail(ctx, res, start, err)
		}
	}
	res.Request = request
	f.transition(res, domain.StateRequestLoaded)
	f.emit(EventRequestLoaded, request, nil)

	credReq := CredentialRequest{
		FlowID:    f.opts.ID,
		RequestID: f.opts.RequestID,
		Protocol:  client.Protocol(),
		Payload:   request,
	}
	if res.Session != nil {
		credReq.SessionID = res.Session.ID
	}
	dcResponse, err := f.deps.Invoker.Invoke(ctx, credReq)
	if err != nil {
		return f.fail(ctx, res, start, err)
	}
	res.DCResponse = dcResponse
	f.transition(res, domain.StateCredentialObtained)
	f.emit(EventDCAPISuccess, dcResponse, nil)

	if res.Session == nil {
		sessionID, err := client.Registry().Get(ctx, client.Protocol(), f.opts.RequestID)
		if err != nil {
			return f.fail(ctx, res, start, newError(domain.StageVerification, ErrSubmission,
				"no active session, fetch the request first", err))
		}
		res.Session = &domain.VerificationSession{
			ID:        sessionID,
			Protocol:  client.Protocol(),
			RequestID: f.opts.RequestID,
		}
	}

	submission, err := client.SubmitResponse(ctx, res.Session, dcResponse)
	if err != nil {
		return f.fail(ctx, res, start, err)
	}
	res.Submission = submission
	f.transition(res, domain.StateResponseSubmitted)

	f.transition(res, domain.StatePolling)
	verification, err := client.PollUntilTerminal(ctx, res.Session)
	res.Verification = verification
	if err != nil {
		return f.fail(ctx, res, start, err)
	}

	if !verification.Succeeded() {
		e := newError(domain.StageVerification, ErrVerificationFailed,
			fmt.Sprintf("verifier reported status %q", verification.Status), nil)
		e.Body = verification.Payload
		f.markFailed(ctx, res, start, e)
		return res, nil
	}

	f.transition(res, domain.StateSucceeded)
	f.emit(EventVerificationSuccess, verification.Payload, nil)
	f.finish(ctx, res, start)
	return res, nil
}

func (f *Flow) transition(res *FlowResult, next domain.FlowState) {
	f.mu.Lock()
	prev := f.state
	f.state = next
	f.mu.Unlock()

	res.State = next
	f.logger.Debug("flow transition",
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
}

func (f *Flow) fail(ctx context.Context, res *FlowResult, start time.Time, err error) (*FlowResult, error) {
	return res, f.markFailed(ctx, res, start, err)
}

// markFailed moves the flow to FAILED, records err on res and emits the
// failure events.
func (f *Flow) markFailed(ctx context.Context, res *FlowResult, start time.Time, err error) *Error {
	e := AsError(err)
	res.err = e
	res.Error = NewEventError(e)
	f.transition(res, domain.StateFailed)

	if typ, ok := errorEventFor(e); ok {
		f.emit(typ, nil, e)
	}
	f.emit(EventCredentialError, nil, e)

	if errors.Is(e, ErrVerificationFailed) {
		f.logger.Info("verification rejected", zap.Error(e))
	} else {
		f.logger.Warn("flow failed", zap.String("stage", string(e.Stage)), zap.Error(e))
	}
	f.finish(ctx, res, start)
	return e
}

func (f *Flow) finish(ctx context.Context, res *FlowResult, start time.Time) {
	f.emit(EventFinished, mustJSON(res), res.err)

	stage := ""
	if res.Error != nil {
		stage = string(res.Error.Stage)
	}
	f.deps.Metrics.ObserveFlow(string(res.Protocol), string(res.State), stage, time.Since(start))
	f.recordFinish(ctx, res)

	if res.State == domain.StateSucceeded {
		f.logger.Info("flow succeeded", zap.Duration("duration", time.Since(start)))
	}
}

func (f *Flow) emit(typ EventType, payload json.RawMessage, err error) {
	f.deps.Events.Publish(Event{
		Type:      typ,
		FlowID:    f.opts.ID,
		RequestID: f.opts.RequestID,
		Protocol:  f.deps.Client.Protocol(),
		State:     f.State(),
		Payload:   payload,
		Error:     NewEventError(err),
		Time:      time.Now().UTC(),
	})
}

func (f *Flow) recordStart(ctx context.Context, start time.Time) {
	if f.deps.Recorder == nil {
		return
	}
	f.record = &domain.FlowRecord{
		ID:        f.opts.ID,
		RequestID: f.opts.RequestID,
		Protocol:  f.deps.Client.Protocol(),
		State:     domain.StateIdle,
		Mock:      f.opts.Mock,
		StartedAt: start.UTC(),
	}
	if err := f.deps.Recorder.Create(ctx, f.record); err != nil {
		f.logger.Warn("failed to record flow start", zap.Error(err))
	}
}

func (f *Flow) recordFinish(ctx context.Context, res *FlowResult) {
	if f.deps.Recorder == nil || f.record == nil {
		return
	}
	now := time.Now().UTC()
	rec := f.record
	rec.State = res.State
	rec.FinishedAt = &now
	if res.Session != nil {
		rec.SessionID = res.Session.ID
	}
	if res.Verification != nil {
		rec.Status = res.Verification.Status
		rec.Result = res.Verification.Payload
	}
	if res.Error != nil {
		rec.Stage = res.Error.Stage
		rec.Error = res.Error.Message
	}

	// The caller's context may already be done when the flow was canceled.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := f.deps.Recorder.Update(writeCtx, rec); err != nil {
		f.logger.Warn("failed to record flow result", zap.Error(err))
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
