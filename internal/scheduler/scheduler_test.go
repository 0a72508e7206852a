package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slipstream-go/internal/pathset"
)

func newTestSet(t *testing.T, recursive, authoritative []string) *pathset.Set {
	t.Helper()
	s, err := pathset.New(recursive, authoritative)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBudgetRecursiveModeUsesCongestionWindow(t *testing.T) {
	set := newTestSet(t, []string{"127.0.0.1:8853"}, nil)
	sched := New(set, 140, 1.0)
	p := set.Paths()[0]

	budget := sched.Budget(p, Signals{CongestionWindow: 1400})
	assert.EqualValues(t, 10, budget)
}

func TestBudgetRecursiveModeClampsToHardCap(t *testing.T) {
	set := newTestSet(t, []string{"127.0.0.1:8853"}, nil)
	sched := New(set, 10, 1.0)
	p := set.Paths()[0]

	budget := sched.Budget(p, Signals{CongestionWindow: 100_000})
	assert.EqualValues(t, hardCap, budget)
}

func TestBudgetAuthoritativeModeUsesPacingRate(t *testing.T) {
	set := newTestSet(t, nil, []string{"127.0.0.1:8853"})
	sched := New(set, 140, 1.0)
	p := set.Paths()[0]
	p.ObserveRTT(50 * time.Millisecond)

	budget := sched.Budget(p, Signals{PacingRateBPS: 140 * 8 * 10})
	assert.Greater(t, budget, int64(0))
	assert.LessOrEqual(t, budget, int64(hardCap))
}

func TestBudgetAuthoritativeFallsBackWithoutPacingRate(t *testing.T) {
	set := newTestSet(t, nil, []string{"127.0.0.1:8853"})
	sched := New(set, 140, 1.0)
	p := set.Paths()[0]

	budget := sched.Budget(p, Signals{PacingRateBPS: 0, CongestionWindow: 1400})
	assert.EqualValues(t, 10, budget)
}

func TestRetransmitTimeoutClamped(t *testing.T) {
	assert.Equal(t, minRetransmitTimeout, RetransmitTimeout(1*time.Millisecond))
	assert.Equal(t, maxRetransmitTimeout, RetransmitTimeout(5*time.Second))
	assert.Equal(t, 100*time.Millisecond, RetransmitTimeout(50*time.Millisecond))
}

func TestShouldEmitPollRespectsDataAndRateLimit(t *testing.T) {
	set := newTestSet(t, []string{"127.0.0.1:8853"}, nil)
	sched := New(set, 140, 1.0)
	p := set.Paths()[0]

	assert.True(t, sched.ShouldEmitPoll(p, 10, false))
	assert.False(t, sched.ShouldEmitPoll(p, 10, true))

	sched.MarkEmptyPollSent(p)
	assert.False(t, sched.ShouldEmitPoll(p, 10, false))
}

func TestShouldEmitPollRespectsBudget(t *testing.T) {
	set := newTestSet(t, []string{"127.0.0.1:8853"}, nil)
	sched := New(set, 140, 1.0)
	p := set.Paths()[0]
	p.MarkEmitted(10)

	assert.False(t, sched.ShouldEmitPoll(p, 1, false))
}

func TestStateTransitions(t *testing.T) {
	set := newTestSet(t, []string{"127.0.0.1:8853"}, nil)
	sched := New(set, 140, 1.0)
	p := set.Paths()[0]

	assert.Equal(t, Idle, sched.StateOf(p))
	sched.Transition(p, Emitting)
	assert.Equal(t, Emitting, sched.StateOf(p))
	sched.Transition(p, AwaitingResponses)
	assert.Equal(t, AwaitingResponses, sched.StateOf(p))
}

func TestDataBudgetCollapsesToInflightWhenFlowControlBlocked(t *testing.T) {
	set := newTestSet(t, []string{"127.0.0.1:8853"}, nil)
	sched := New(set, 140, 1.0)
	p := set.Paths()[0]
	p.MarkEmitted(10)

	unblocked := sched.DataBudget(p, Signals{CongestionWindow: 1400})
	assert.Greater(t, unblocked, p.Inflight())

	blocked := sched.DataBudget(p, Signals{CongestionWindow: 1400, FlowControlBlocked: true})
	assert.Equal(t, p.Inflight(), blocked)
}

func TestLogDebugIfDueReportsPollRates(t *testing.T) {
	set := newTestSet(t, []string{"127.0.0.1:8853"}, nil)
	sched := New(set, 140, 1.0)
	p := set.Paths()[0]

	sched.MarkEmptyPollSent(p)
	sched.MarkEmptyPollSent(p)
	sched.MarkDataPollSent(p)

	// Force the next call to be "due" regardless of real elapsed time.
	sched.lastDebugLog = time.Time{}
	sched.LogDebugIfDue(Signals{}, true)

	assert.Empty(t, sched.emptyPolls)
	assert.Empty(t, sched.dataPolls)
}
