// Package agent hosts the cloud-facing side of the update agent: the
// generic retriable-operation framework, the concrete enrollment,
// agent-info, update and root-key operations, and the single-threaded
// cooperative loop that drives them together with the workflow engine.
package agent

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// OperationState is the lifecycle state a retriable operation reports
// from DoWork.
type OperationState string

const (
	// OpIdle means the operation has nothing to do.
	OpIdle OperationState = "idle"
	// OpInProgress means an attempt is in flight or a retry is scheduled.
	OpInProgress OperationState = "inProgress"
	// OpCompletedSuccess is terminal success (until re-armed).
	OpCompletedSuccess OperationState = "completedSuccess"
	// OpCompletedFailure is terminal failure; no retry until external
	// state changes and the operation is re-armed.
	OpCompletedFailure OperationState = "completedFailure"
	// OpExpired means the overall timeout or attempt budget ran out.
	OpExpired OperationState = "expired"
	// OpCancelled is terminal cancellation.
	OpCancelled OperationState = "cancelled"
)

// IsTerminal reports whether the state ends the operation.
func (s OperationState) IsTerminal() bool {
	switch s {
	case OpCompletedSuccess, OpCompletedFailure, OpExpired, OpCancelled:
		return true
	}
	return false
}

// RetryParams tunes an operation's backoff.
type RetryParams struct {
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Multiplier is applied per attempt.
	Multiplier float64 `yaml:"multiplier"`
	// Jitter in [0,1] randomizes the delay downward (full jitter).
	Jitter float64 `yaml:"jitter"`
	// MaxAttempts bounds the attempt count; 0 means unbounded.
	MaxAttempts int `yaml:"max_attempts"`
	// AttemptTimeout bounds one attempt's wait for a response.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// OverallTimeout bounds the whole operation; 0 means unbounded.
	OverallTimeout time.Duration `yaml:"overall_timeout"`
}

// DefaultRetryParams returns sensible defaults for cloud request
// operations.
func DefaultRetryParams() RetryParams {
	return RetryParams{
		InitialDelay:   5 * time.Second,
		MaxDelay:       5 * time.Minute,
		Multiplier:     2.0,
		Jitter:         0.5,
		MaxAttempts:    0,
		AttemptTimeout: 30 * time.Second,
		OverallTimeout: 0,
	}
}

// Hooks are the operation's lifecycle callbacks. All run on the agent
// loop goroutine.
type Hooks struct {
	OnSuccess func()
	OnFailure func()
	OnExpired func()
	OnRetry   func(attempt int, delay time.Duration)
}

// Operation is a cooperative request/response state machine. One attempt
// publishes a request tagged with a fresh correlation id; the owner feeds
// the matching response back through CompleteSuccess or CompleteFailure.
// Unanswered attempts retry on the per-attempt deadline with exponential
// backoff and full jitter. The framework is single threaded: everything
// happens on the agent loop.
type Operation struct {
	name    string
	params  RetryParams
	attempt func(correlationID string) error
	hooks   Hooks
	logger  *slog.Logger

	state         OperationState
	armed         bool
	awaiting      bool
	correlationID string

	startTime       time.Time
	lastAttemptTime time.Time
	nextAttemptTime time.Time
	lastSuccessTime time.Time
	lastErrorTime   time.Time
	attemptCount    int

	// randFloat is swapped in tests for deterministic jitter.
	randFloat func() float64
}

// NewOperation creates an idle operation. The attempt function performs
// one request send; returning an error schedules a retry.
func NewOperation(name string, params RetryParams, attempt func(correlationID string) error, hooks Hooks, logger *slog.Logger) *Operation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Operation{
		name:      name,
		params:    params,
		attempt:   attempt,
		hooks:     hooks,
		logger:    logger,
		state:     OpIdle,
		randFloat: rand.Float64,
	}
}

// Name returns the operation name.
func (o *Operation) Name() string { return o.name }

// AddRetryObserver chains an additional retry callback (e.g. a metrics
// counter) after any existing hook.
func (o *Operation) AddRetryObserver(f func(attempt int, delay time.Duration)) {
	prev := o.hooks.OnRetry
	o.hooks.OnRetry = func(attempt int, delay time.Duration) {
		if prev != nil {
			prev(attempt, delay)
		}
		f(attempt, delay)
	}
}

// State returns the current state.
func (o *Operation) State() OperationState { return o.state }

// CorrelationID returns the current attempt's correlation id.
func (o *Operation) CorrelationID() string { return o.correlationID }

// AttemptCount returns the number of attempts made since arming.
func (o *Operation) AttemptCount() int { return o.attemptCount }

// NextAttemptTime returns when the next attempt is due.
func (o *Operation) NextAttemptTime() time.Time { return o.nextAttemptTime }

// LastAttemptTime returns when the last attempt ran.
func (o *Operation) LastAttemptTime() time.Time { return o.lastAttemptTime }

// Arm requests work: the next DoWork tick performs the first attempt.
// Arming a terminal operation resets it for a fresh run.
func (o *Operation) Arm(now time.Time) {
	o.armed = true
	o.awaiting = false
	o.state = OpInProgress
	o.startTime = now
	o.nextAttemptTime = now
	o.attemptCount = 0
	o.correlationID = ""
}

// Cancel terminates the operation.
func (o *Operation) Cancel() {
	if o.state.IsTerminal() {
		return
	}
	o.state = OpCancelled
	o.armed = false
	o.awaiting = false
}

// DoWork advances the state machine. Called once per loop tick.
func (o *Operation) DoWork(now time.Time) OperationState {
	if o.state.IsTerminal() || !o.armed {
		return o.state
	}

	if o.params.OverallTimeout > 0 && now.Sub(o.startTime) >= o.params.OverallTimeout {
		o.expire("overall timeout")
		return o.state
	}

	if o.awaiting {
		// An attempt is in flight; watch its per-attempt deadline.
		if o.params.AttemptTimeout > 0 && now.Sub(o.lastAttemptTime) >= o.params.AttemptTimeout {
			o.awaiting = false
			o.scheduleRetry(now, "attempt timeout")
		}
		return o.state
	}

	if now.Before(o.nextAttemptTime) {
		return o.state
	}

	if o.params.MaxAttempts > 0 && o.attemptCount >= o.params.MaxAttempts {
		o.expire("attempt budget exhausted")
		return o.state
	}

	o.attemptCount++
	o.lastAttemptTime = now
	o.correlationID = uuid.New().String()
	o.awaiting = true

	if err := o.attempt(o.correlationID); err != nil {
		o.logger.Debug("Operation attempt failed to send",
			"operation", o.name,
			"attempt", o.attemptCount,
			"error", err)
		o.awaiting = false
		o.lastErrorTime = now
		o.scheduleRetry(now, "send failure")
	}
	return o.state
}

// CompleteSuccess records a successful response for the current attempt.
func (o *Operation) CompleteSuccess(now time.Time) {
	if o.state.IsTerminal() {
		return
	}
	o.state = OpCompletedSuccess
	o.armed = false
	o.awaiting = false
	o.lastSuccessTime = now
	if o.hooks.OnSuccess != nil {
		o.hooks.OnSuccess()
	}
}

// CompleteFailure records a failed response. Retriable failures schedule
// the next attempt; permanent ones terminate the operation until it is
// re-armed by external state change.
func (o *Operation) CompleteFailure(now time.Time, retriable bool) {
	if o.state.IsTerminal() {
		return
	}
	o.lastErrorTime = now
	o.awaiting = false
	if retriable {
		o.scheduleRetry(now, "retriable failure")
		return
	}
	o.state = OpCompletedFailure
	o.armed = false
	if o.hooks.OnFailure != nil {
		o.hooks.OnFailure()
	}
}

// scheduleRetry computes the next attempt time with exponential backoff
// and full jitter, clamped to [InitialDelay, MaxDelay] so retry spacing
// stays monotone.
func (o *Operation) scheduleRetry(now time.Time, reason string) {
	if o.params.MaxAttempts > 0 && o.attemptCount >= o.params.MaxAttempts {
		o.expire("attempt budget exhausted")
		return
	}

	delay := o.backoffDelay()
	o.nextAttemptTime = now.Add(delay)
	o.logger.Debug("Operation retry scheduled",
		"operation", o.name,
		"reason", reason,
		"attempt", o.attemptCount,
		"delay", delay)
	if o.hooks.OnRetry != nil {
		o.hooks.OnRetry(o.attemptCount, delay)
	}
}

func (o *Operation) backoffDelay() time.Duration {
	multiplier := 1.0
	for i := 1; i < o.attemptCount; i++ {
		multiplier *= o.params.Multiplier
	}
	delay := time.Duration(float64(o.params.InitialDelay) * multiplier)
	if delay > o.params.MaxDelay {
		delay = o.params.MaxDelay
	}
	if o.params.Jitter > 0 {
		delay = time.Duration(float64(delay) * (1 - o.params.Jitter*o.randFloat()))
	}
	if delay < o.params.InitialDelay {
		delay = o.params.InitialDelay
	}
	if delay > o.params.MaxDelay {
		delay = o.params.MaxDelay
	}
	return delay
}

func (o *Operation) expire(reason string) {
	o.state = OpExpired
	o.armed = false
	o.awaiting = false
	o.logger.Warn("Operation expired", "operation", o.name, "reason", reason)
	if o.hooks.OnExpired != nil {
		o.hooks.OnExpired()
	}
}
