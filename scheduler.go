package roomsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Trigger identifies what requested a sync pass.
type Trigger string

const (
	TriggerPush         Trigger = "push"
	TriggerUser         Trigger = "user"
	TriggerPeriodic     Trigger = "periodic"
	TriggerConnectivity Trigger = "connectivity"
)

// PassFunc executes one delta-sync pass for a scope.
type PassFunc func(ctx context.Context, scope Scope)

// Scheduler coalesces concurrent sync requests into a single in-flight
// pass per scope. A fresh request waits out a debounce interval to
// absorb bursts; requests arriving while a pass runs collapse into
// exactly one trailing pass, run after a cooldown — never more than one,
// regardless of how many arrive.
//
// Per scope this is a two-state machine, {idle, running} with a pending
// flag on running: running+pending reruns the pass once, then returns to
// idle when no pending request remains.
type Scheduler struct {
	config SchedulerConfig
	run    PassFunc

	mu     sync.Mutex
	states map[Scope]*scopeState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	passes    atomic.Int64
	coalesced atomic.Int64
}

type scopeState struct {
	running bool
	pending bool
}

// NewScheduler creates a scheduler that invokes run for each pass.
func NewScheduler(cfg SchedulerConfig, run PassFunc) *Scheduler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config: cfg,
		run:    run,
		states: make(map[Scope]*scopeState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RequestSync requests a pass for the scope. Safe to call concurrently
// from any goroutine; a request arriving during a pass is guaranteed a
// subsequent pass, not a subsequent pass each.
func (s *Scheduler) RequestSync(scope Scope, trigger Trigger) {
	s.mu.Lock()
	st, ok := s.states[scope]
	if !ok {
		st = &scopeState{}
		s.states[scope] = st
	}
	if st.running {
		st.pending = true
		s.coalesced.Add(1)
		s.mu.Unlock()
		return
	}
	st.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(scope, st)
}

func (s *Scheduler) loop(scope Scope, st *scopeState) {
	defer s.wg.Done()

	if !s.sleep(s.config.Debounce) {
		s.finish(st)
		return
	}

	for {
		s.passes.Add(1)
		s.run(s.ctx, scope)

		s.mu.Lock()
		if !st.pending {
			st.running = false
			s.mu.Unlock()
			return
		}
		st.pending = false
		s.mu.Unlock()

		// Space the coalesced trailing pass out from the one that just ran.
		if !s.sleep(s.config.Cooldown) {
			s.finish(st)
			return
		}
	}
}

func (s *Scheduler) finish(st *scopeState) {
	s.mu.Lock()
	st.running = false
	st.pending = false
	s.mu.Unlock()
}

// sleep waits for d, returning false if the scheduler shut down first.
func (s *Scheduler) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// InFlight reports whether a pass is currently running for the scope.
func (s *Scheduler) InFlight(scope Scope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[scope]
	return ok && st.running
}

// SchedulerStats contains scheduler statistics.
type SchedulerStats struct {
	Passes    int64 `json:"passes"`
	Coalesced int64 `json:"coalesced"`
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Passes:    s.passes.Load(),
		Coalesced: s.coalesced.Load(),
	}
}

// Close cancels pending debounce waits and waits for in-flight passes.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}
