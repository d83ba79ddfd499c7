package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent is a scriptable agent for scheduler tests.
type fakeAgent struct {
	name      string
	didWork   bool
	err       error
	execCount atomic.Int32

	block     chan struct{} // when set, Execute blocks until cancelled or closed
	cancelled atomic.Bool
}

func (a *fakeAgent) Name() string { return a.name }

func (a *fakeAgent) Execute(ctx context.Context) (bool, error) {
	a.execCount.Add(1)
	if a.block != nil {
		select {
		case <-ctx.Done():
			a.cancelled.Store(true)
			return false, ctx.Err()
		case <-a.block:
		}
	}
	return a.didWork, a.err
}

// alwaysSchedule is eligible on every tick and counts completions.
type alwaysSchedule struct {
	agent     Agent
	completes atomic.Int32
}

func (s *alwaysSchedule) Agent() Agent        { return s.agent }
func (s *alwaysSchedule) ShouldRun(bool) bool { return true }
func (s *alwaysSchedule) MarkComplete()       { s.completes.Add(1) }

func TestTickRunsFirstEligibleAgent(t *testing.T) {
	first := &fakeAgent{name: "first", didWork: true}
	second := &fakeAgent{name: "second"}
	s1 := &alwaysSchedule{agent: first}
	s2 := &alwaysSchedule{agent: second}

	sched := New([]Schedule{s1, s2}, time.Millisecond, time.Minute)
	sched.tick(context.Background())

	// First did work, so the walk stopped before the second.
	assert.Equal(t, int32(1), first.execCount.Load())
	assert.Zero(t, second.execCount.Load())
	assert.Equal(t, int32(1), s1.completes.Load())
}

func TestTickContinuesPastIdleAgents(t *testing.T) {
	first := &fakeAgent{name: "first", didWork: false}
	second := &fakeAgent{name: "second", didWork: true}
	s1 := &alwaysSchedule{agent: first}
	s2 := &alwaysSchedule{agent: second}

	sched := New([]Schedule{s1, s2}, time.Millisecond, time.Minute)
	sched.tick(context.Background())

	assert.Equal(t, int32(1), first.execCount.Load())
	assert.Equal(t, int32(1), second.execCount.Load())
	assert.Equal(t, int32(1), s1.completes.Load(), "mark_complete fires even without work")
	assert.Equal(t, int32(1), s2.completes.Load())
}

func TestAgentErrorCountsAsNoWork(t *testing.T) {
	failing := &fakeAgent{name: "failing", err: assert.AnError}
	after := &fakeAgent{name: "after", didWork: true}
	s1 := &alwaysSchedule{agent: failing}
	s2 := &alwaysSchedule{agent: after}

	sched := New([]Schedule{s1, s2}, time.Millisecond, time.Minute)
	sched.tick(context.Background())

	assert.Equal(t, int32(1), failing.execCount.Load())
	assert.Equal(t, int32(1), after.execCount.Load(), "the walk continues past a failed agent")
	assert.Equal(t, int32(1), s1.completes.Load())
}

func TestForegroundSuppressesBackground(t *testing.T) {
	agent := &fakeAgent{name: "bg", didWork: true}
	schedule := &alwaysSchedule{agent: agent}
	sched := New([]Schedule{schedule}, time.Millisecond, time.Minute)

	sched.NotifyForegroundStart()
	sched.tick(context.Background())
	assert.Zero(t, agent.execCount.Load())

	sched.NotifyForegroundEnd()
	sched.tick(context.Background())
	assert.Equal(t, int32(1), agent.execCount.Load())
}

func TestNestedForegroundCounts(t *testing.T) {
	agent := &fakeAgent{name: "bg", didWork: true}
	schedule := &alwaysSchedule{agent: agent}
	sched := New([]Schedule{schedule}, time.Millisecond, time.Minute)

	sched.NotifyForegroundStart()
	sched.NotifyForegroundStart()
	sched.NotifyForegroundEnd()
	sched.tick(context.Background())
	assert.Zero(t, agent.execCount.Load(), "background stays gated until the counter hits zero")

	sched.NotifyForegroundEnd()
	sched.tick(context.Background())
	assert.Equal(t, int32(1), agent.execCount.Load())
}

func TestForegroundStartCancelsActiveBackgroundTask(t *testing.T) {
	slow := &fakeAgent{name: "slow", block: make(chan struct{})}
	schedule := &alwaysSchedule{agent: slow}
	sched := New([]Schedule{schedule}, time.Millisecond, time.Minute)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.tick(context.Background())
	}()

	// Wait for the agent to be running, then preempt it.
	require.Eventually(t, func() bool {
		return slow.execCount.Load() == 1
	}, time.Second, time.Millisecond)
	sched.NotifyForegroundStart()

	wg.Wait()
	assert.True(t, slow.cancelled.Load(), "the background task observes cancellation")

	// The active-task reference is cleared.
	sched.mu.Lock()
	assert.Nil(t, sched.bgCancel)
	sched.mu.Unlock()
}

func TestIdleDetection(t *testing.T) {
	sched := New(nil, time.Millisecond, 50*time.Millisecond)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	sched.now = func() time.Time { return now }

	assert.True(t, sched.isIdle(), "no messages yet means idle")

	sched.NotifyMessage()
	assert.False(t, sched.isIdle())

	now = base.Add(60 * time.Millisecond)
	assert.True(t, sched.isIdle())
}

func TestPeriodicScheduleInterval(t *testing.T) {
	agent := &fakeAgent{name: "periodic"}
	schedule := NewPeriodic(agent, time.Minute)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	schedule.now = func() time.Time { return now }

	assert.True(t, schedule.ShouldRun(false), "first run is immediate")
	schedule.MarkComplete()
	assert.False(t, schedule.ShouldRun(false))

	now = base.Add(time.Minute)
	assert.True(t, schedule.ShouldRun(false))
}

func TestIdleScheduleRequiresIdle(t *testing.T) {
	agent := &fakeAgent{name: "idle"}
	schedule := NewIdle(agent, time.Minute)

	assert.False(t, schedule.ShouldRun(false))
	assert.True(t, schedule.ShouldRun(true))
}
