package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutcome struct {
	status int
}

func (o fakeOutcome) HTTPStatus() int { return o.status }

// scripted returns an action that replays statuses in order and counts calls.
func scripted(statuses ...int) (func(context.Context) fakeOutcome, *int) {
	calls := 0
	return func(context.Context) fakeOutcome {
		s := statuses[len(statuses)-1]
		if calls < len(statuses) {
			s = statuses[calls]
		}
		calls++
		return fakeOutcome{status: s}
	}, &calls
}

// recordingSleep records requested delays without waiting.
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   Class
	}{
		{0, ClassRetryable},
		{200, ClassSuccess},
		{201, ClassSuccess},
		{302, ClassSuccess},
		{400, ClassFatal},
		{401, ClassFatal},
		{404, ClassFatal},
		{429, ClassRetryable},
		{500, ClassRetryable},
		{503, ClassRetryable},
		{599, ClassRetryable},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.status), "status %d", tt.status)
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := NewPolicy(6, 250*time.Millisecond)

	assert.Equal(t, 250*time.Millisecond, p.Delay(0))
	assert.Equal(t, 500*time.Millisecond, p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 4*time.Second, p.Delay(4))
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	rec := &recordingSleep{}
	p := NewPolicy(6, 100*time.Millisecond, WithSleep(rec.sleep))
	action, calls := scripted(429, 429, 200)

	out, attempts := Do(context.Background(), p, action)

	assert.Equal(t, 3, *calls)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 200, out.status)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
}

func TestDo_ExhaustedReturnsLastOutcome(t *testing.T) {
	rec := &recordingSleep{}
	p := NewPolicy(4, 10*time.Millisecond, WithSleep(rec.sleep))
	action, calls := scripted(503, 503, 503, 503)

	out, attempts := Do(context.Background(), p, action)

	assert.Equal(t, 4, *calls)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 503, out.status)
	// no wait after the final attempt
	assert.Len(t, rec.delays, 3)
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	rec := &recordingSleep{}
	p := NewPolicy(6, 10*time.Millisecond, WithSleep(rec.sleep))
	action, calls := scripted(404, 200)

	out, attempts := Do(context.Background(), p, action)

	assert.Equal(t, 1, *calls)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 404, out.status)
	assert.Empty(t, rec.delays)
}

func TestDo_TransportFailureConsumesAttempt(t *testing.T) {
	rec := &recordingSleep{}
	p := NewPolicy(3, time.Millisecond, WithSleep(rec.sleep))
	action, calls := scripted(0, 0, 200)

	out, attempts := Do(context.Background(), p, action)

	assert.Equal(t, 3, *calls)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 200, out.status)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPolicy(5, time.Hour)
	action, calls := scripted(500)

	out, attempts := Do(ctx, p, action)

	assert.Equal(t, 1, *calls)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 500, out.status)
}

func TestMachine_States(t *testing.T) {
	p := NewPolicy(2, 50*time.Millisecond)
	m := p.Machine()
	require.Equal(t, StateAttempt, m.State())

	d := m.Observe(502)
	assert.Equal(t, StateBackoff, d.State)
	assert.Equal(t, ClassRetryable, d.Class)
	assert.Equal(t, 50*time.Millisecond, d.Delay)

	d = m.Observe(502)
	assert.Equal(t, StateDone, d.State)
	assert.True(t, d.Exhausted)
	assert.Equal(t, 2, m.Attempts())
}

func TestNewPolicy_MinimumOneAttempt(t *testing.T) {
	p := NewPolicy(0, time.Millisecond)
	assert.Equal(t, 1, p.MaxAttempts())

	action, calls := scripted(500)
	_, attempts := Do(context.Background(), p, action)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, 1, attempts)
}

func TestSleep_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
