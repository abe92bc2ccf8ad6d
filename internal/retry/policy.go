// Package retry implements the retry-with-backoff policy used for setup-critical
// and webhook calls.
//
// The policy is a small state machine: every attempt produces a status code,
// the status is classified, and the machine either stops or computes the next
// backoff delay. Sleeping is injected so the machine can be driven without
// real time in tests.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Class is the classification of a single attempt's outcome.
type Class int

const (
	// ClassSuccess means the status is in the non-error range (1-399).
	ClassSuccess Class = iota
	// ClassRetryable means the attempt may be repeated: 429, any 5xx, or a
	// transport failure (status 0).
	ClassRetryable
	// ClassFatal means the status is a client error other than 429; retrying
	// would not change the answer.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an HTTP status code to a Class. A status of 0 is the sentinel
// for "no response" (transport error or timeout).
func Classify(status int) Class {
	switch {
	case status == 0:
		return ClassRetryable
	case status == 429:
		return ClassRetryable
	case status >= 500 && status <= 599:
		return ClassRetryable
	case status < 400:
		return ClassSuccess
	default:
		return ClassFatal
	}
}

// Outcome is anything an attempt produces that carries an HTTP status.
type Outcome interface {
	HTTPStatus() int
}

// SleepFunc waits for d or until ctx is done. It returns ctx.Err() when the
// wait was interrupted.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-time SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy holds the per-call-site retry parameters.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	sleep       SleepFunc
	logger      *zap.Logger
	name        string
}

// Option configures a Policy.
type Option func(*Policy)

// WithSleep replaces the real-time sleeper.
func WithSleep(fn SleepFunc) Option {
	return func(p *Policy) {
		p.sleep = fn
	}
}

// WithLogger adds logging to retry attempts.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Policy) {
		p.logger = logger
	}
}

// WithName labels log lines with the call site name.
func WithName(name string) Option {
	return func(p *Policy) {
		p.name = name
	}
}

// NewPolicy creates a policy that makes at most maxAttempts attempts and waits
// baseDelay * 2^attempt between them. maxAttempts below 1 is treated as 1.
func NewPolicy(maxAttempts int, baseDelay time.Duration, opts ...Option) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	p := &Policy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		sleep:       Sleep,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts returns the attempt budget.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Delay returns the backoff before the attempt that follows attempt
// (0-indexed): base, 2*base, 4*base, ...
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.baseDelay * time.Duration(uint64(1)<<uint(attempt))
}

// Machine returns a fresh state machine bound to this policy.
func (p *Policy) Machine() *Machine {
	return &Machine{policy: p, state: StateAttempt}
}

// State is the position of a Machine.
type State int

const (
	// StateAttempt means the caller should perform an attempt.
	StateAttempt State = iota
	// StateBackoff means the caller should wait Decision.Delay and attempt again.
	StateBackoff
	// StateDone means no further attempts will be made.
	StateDone
)

// Decision is what the machine says after observing an attempt.
type Decision struct {
	State State
	Class Class
	Delay time.Duration
	// Exhausted is true when the machine stopped because the budget ran out
	// on a retryable outcome.
	Exhausted bool
}

// Machine tracks a single retried call. It is not safe for concurrent use.
type Machine struct {
	policy   *Policy
	attempts int
	state    State
}

// Attempts returns how many outcomes have been observed.
func (m *Machine) Attempts() int {
	return m.attempts
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Observe feeds the status of the attempt just made and returns the next step.
func (m *Machine) Observe(status int) Decision {
	m.attempts++
	class := Classify(status)

	switch class {
	case ClassSuccess, ClassFatal:
		m.state = StateDone
		return Decision{State: StateDone, Class: class}
	}

	if m.attempts >= m.policy.maxAttempts {
		m.state = StateDone
		return Decision{State: StateDone, Class: class, Exhausted: true}
	}

	m.state = StateBackoff
	return Decision{State: StateBackoff, Class: class, Delay: m.policy.Delay(m.attempts - 1)}
}

// Do runs action under the policy and returns the last outcome along with the
// number of attempts made. It never turns a failing outcome into an error:
// callers inspect the returned outcome. If ctx is cancelled during a backoff
// wait the last outcome is returned immediately.
func Do[T Outcome](ctx context.Context, p *Policy, action func(ctx context.Context) T) (T, int) {
	m := p.Machine()
	for {
		out := action(ctx)
		status := out.HTTPStatus()
		d := m.Observe(status)

		if d.State == StateDone {
			if d.Exhausted {
				p.logger.Warn("retry budget exhausted",
					zap.String("call", p.name),
					zap.Int("attempts", m.Attempts()),
					zap.Int("status", status))
			} else if m.Attempts() > 1 {
				p.logger.Debug("call finished after retry",
					zap.String("call", p.name),
					zap.Int("attempts", m.Attempts()),
					zap.Stringer("class", d.Class),
					zap.Int("status", status))
			}
			return out, m.Attempts()
		}

		p.logger.Debug("retrying call",
			zap.String("call", p.name),
			zap.Int("attempt", m.Attempts()),
			zap.Int("maxAttempts", p.maxAttempts),
			zap.Int("status", status),
			zap.Duration("delay", d.Delay))

		if err := p.sleep(ctx, d.Delay); err != nil {
			return out, m.Attempts()
		}
	}
}
