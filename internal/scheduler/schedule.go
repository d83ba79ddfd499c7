package scheduler

import (
	"context"
	"sync"
	"time"
)

// Agent is a unit of background work. Execute returns whether any work
// was done; it must honor ctx cancellation at every blocking point.
type Agent interface {
	Name() string
	Execute(ctx context.Context) (bool, error)
}

// Schedule gates an agent. ShouldRun is polled every tick;
// MarkComplete is called after every run, whether or not the agent did
// work.
type Schedule interface {
	Agent() Agent
	ShouldRun(isIdle bool) bool
	MarkComplete()
}

// PeriodicSchedule runs its agent once per interval regardless of
// idleness. The interval is measured from the last completion.
type PeriodicSchedule struct {
	agent    Agent
	interval time.Duration
	now      func() time.Time

	mu           sync.Mutex
	lastComplete time.Time
}

// NewPeriodic creates an interval-gated schedule.
func NewPeriodic(agent Agent, interval time.Duration) *PeriodicSchedule {
	return &PeriodicSchedule{agent: agent, interval: interval, now: time.Now}
}

func (s *PeriodicSchedule) Agent() Agent { return s.agent }

func (s *PeriodicSchedule) ShouldRun(bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastComplete.IsZero() || s.now().Sub(s.lastComplete) >= s.interval
}

func (s *PeriodicSchedule) MarkComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastComplete = s.now()
}

// IdleSchedule runs its agent once per interval, but only while the
// system is idle.
type IdleSchedule struct {
	PeriodicSchedule
}

// NewIdle creates an idle-gated interval schedule.
func NewIdle(agent Agent, interval time.Duration) *IdleSchedule {
	return &IdleSchedule{PeriodicSchedule{agent: agent, interval: interval, now: time.Now}}
}

func (s *IdleSchedule) ShouldRun(isIdle bool) bool {
	if !isIdle {
		return false
	}
	return s.PeriodicSchedule.ShouldRun(isIdle)
}
