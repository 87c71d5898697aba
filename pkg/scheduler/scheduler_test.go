package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFiresAtOrAfterDeadline(t *testing.T) {
	fired := make(chan int64, 1)
	s := NewDeadlineScheduler(func(ctx context.Context, token int64) {
		fired <- token
	})
	defer s.Stop()

	start := time.Now()
	s.ScheduleAt(start.Add(20*time.Millisecond), 77)

	select {
	case token := <-fired:
		assert.Equal(t, int64(77), token)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}
}

func TestCancelSuppressesCallback(t *testing.T) {
	var calls atomic.Int32
	s := NewDeadlineScheduler(func(ctx context.Context, token int64) {
		calls.Add(1)
	})
	defer s.Stop()

	s.ScheduleAt(time.Now().Add(30*time.Millisecond), 5)
	s.Cancel(5)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRescheduleReplacesDeadline(t *testing.T) {
	fired := make(chan time.Time, 2)
	s := NewDeadlineScheduler(func(ctx context.Context, token int64) {
		fired <- time.Now()
	})
	defer s.Stop()

	s.ScheduleAt(time.Now().Add(10*time.Millisecond), 9)
	s.ScheduleAt(time.Now().Add(60*time.Millisecond), 9)

	<-fired
	select {
	case <-fired:
		t.Fatal("replaced deadline fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}
