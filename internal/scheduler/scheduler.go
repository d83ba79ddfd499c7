// Package scheduler runs Penny's background agents. One tick loop, at
// most one background task at a time, and a foreground counter that
// suppresses (and cancels) background work while user messages are
// being handled.
package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"penny/internal/logging"
)

// Scheduler walks an ordered list of schedules every tick and runs the
// first eligible agent that does work.
type Scheduler struct {
	schedules     []Schedule
	tickInterval  time.Duration
	idleThreshold time.Duration
	logger        logging.Logger
	now           func() time.Time

	mu          sync.Mutex
	foreground  int
	lastMessage time.Time
	bgCancel    context.CancelFunc
	bgAgent     string
}

// New creates a scheduler. Schedules run in the given priority order.
func New(schedules []Schedule, tickInterval, idleThreshold time.Duration) *Scheduler {
	return &Scheduler{
		schedules:     schedules,
		tickInterval:  tickInterval,
		idleThreshold: idleThreshold,
		logger:        logging.NewComponentLogger("scheduler"),
		now:           time.Now,
	}
}

// NotifyMessage records user activity for the idle detector.
func (s *Scheduler) NotifyMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMessage = s.now()
}

// NotifyForegroundStart brackets the start of foreground work. Any
// running background task is cancelled; nested starts are counted.
func (s *Scheduler) NotifyForegroundStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreground++
	if s.bgCancel != nil {
		s.logger.Debug("cancelling background task %s for foreground work", s.bgAgent)
		s.bgCancel()
		s.bgCancel = nil
	}
}

// NotifyForegroundEnd brackets the end of foreground work. Background
// work resumes once the counter returns to zero.
func (s *Scheduler) NotifyForegroundEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.foreground > 0 {
		s.foreground--
	}
}

func (s *Scheduler) foregroundActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foreground > 0
}

func (s *Scheduler) isIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessage.IsZero() || s.now().Sub(s.lastMessage) >= s.idleThreshold
}

// Run is the main loop. It returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started, tick=%v idle_threshold=%v schedules=%d",
		s.tickInterval, s.idleThreshold, len(s.schedules))
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick walks the schedule list. The first agent that does work ends
// the walk; agents that do nothing yield their turn.
func (s *Scheduler) tick(ctx context.Context) {
	if s.foregroundActive() {
		return
	}
	idle := s.isIdle()
	for _, schedule := range s.schedules {
		if s.foregroundActive() {
			return
		}
		if !schedule.ShouldRun(idle) {
			continue
		}
		didWork := s.runAgent(ctx, schedule.Agent())
		schedule.MarkComplete()
		if didWork {
			return
		}
	}
}

// runAgent executes one agent as the active background task. Agent
// errors are logged and count as no work done; cancellation is quiet.
func (s *Scheduler) runAgent(ctx context.Context, agent Agent) bool {
	agentCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.bgCancel = cancel
	s.bgAgent = agent.Name()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.bgCancel = nil
		s.bgAgent = ""
		s.mu.Unlock()
		cancel()
	}()

	didWork, err := agent.Execute(agentCtx)
	if err != nil {
		if stderrors.Is(err, context.Canceled) || agentCtx.Err() != nil {
			s.logger.Debug("agent %s cancelled", agent.Name())
		} else {
			s.logger.Error("agent %s failed: %v", agent.Name(), err)
		}
		return false
	}
	if didWork {
		s.logger.Debug("agent %s did work", agent.Name())
	}
	return didWork
}
