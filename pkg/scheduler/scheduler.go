// Package scheduler provides the deadline callback collaborator: the engine
// registers a deadline for a waiting token and resumes only when the
// scheduler fires it. Suspension is externalized; no engine thread blocks on
// a timer.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Callback receives the token that reached its deadline. Delivery is
// at-least-once, at-or-after the registered instant; the engine's idempotent
// terminal transitions absorb duplicates.
type Callback func(ctx context.Context, token int64)

// Scheduler is the contract the engine runs against.
type Scheduler interface {
	ScheduleAt(at time.Time, token int64)
	Cancel(token int64)
}

type waitingDeadline struct {
	cancel context.CancelFunc
	at     time.Time
}

// DeadlineScheduler fires callbacks from per-deadline goroutines. In-memory
// only; a durable deployment replaces it with a job queue behind the same
// contract.
// Use NewDeadlineScheduler to create a new object of this type.
type DeadlineScheduler struct {
	mu       sync.Mutex
	ctx      context.Context
	cancelFn context.CancelFunc
	waiting  map[int64]waitingDeadline
	callback Callback
	logger   hclog.Logger
}

var _ Scheduler = &DeadlineScheduler{}

func NewDeadlineScheduler(callback Callback) *DeadlineScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &DeadlineScheduler{
		ctx:      ctx,
		cancelFn: cancel,
		waiting:  make(map[int64]waitingDeadline),
		callback: callback,
		logger:   hclog.Default().Named("scheduler"),
	}
}

// ScheduleAt registers a deadline for the token. Re-registering the same
// token replaces the previous deadline.
func (s *DeadlineScheduler) ScheduleAt(at time.Time, token int64) {
	s.mu.Lock()
	if prev, ok := s.waiting[token]; ok {
		prev.cancel()
	}
	tokenCtx, cancel := context.WithCancel(s.ctx)
	s.waiting[token] = waitingDeadline{cancel: cancel, at: at}
	s.mu.Unlock()

	go func() {
		t := time.NewTimer(time.Until(at))
		defer t.Stop()
		select {
		case <-t.C:
			s.mu.Lock()
			delete(s.waiting, token)
			s.mu.Unlock()
			s.callback(context.Background(), token)
		case <-tokenCtx.Done():
		}
	}()
}

// Cancel withdraws a registered deadline. Unknown tokens are a no-op.
func (s *DeadlineScheduler) Cancel(token int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wd, ok := s.waiting[token]; ok {
		wd.cancel()
		delete(s.waiting, token)
	}
}

// Stop cancels every pending deadline.
func (s *DeadlineScheduler) Stop() {
	s.cancelFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiting) > 0 {
		s.logger.Debug("dropping pending deadlines on stop", "count", len(s.waiting))
	}
	s.waiting = make(map[int64]waitingDeadline)
}
