// Package tasklock provides a short-lived mutual-exclusion lease per task
// key. Any operation that reads-then-writes a task (claim, complete, reject,
// resubmit) runs inside WithLock so concurrent callers on the same task
// observe one winner and one ErrLockConflict.
package tasklock

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	gocache "github.com/patrickmn/go-cache"
)

// ErrLockConflict is returned when the lease is held by a different holder.
// It is retryable: the protected operation was not started.
var ErrLockConflict = errors.New("task lock conflict")

const (
	// DefaultTTL bounds how long a lease may be held without renewal.
	DefaultTTL = 30 * time.Second
	// DefaultSweepInterval is the cadence of the expiry sweep. The sweep is a
	// liveness property only; correctness comes from the TTL check performed
	// at acquire time.
	DefaultSweepInterval = 10 * time.Second
)

type lease struct {
	HolderId   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Service is the in-process lease table. Leases are ephemeral and never
// persisted; a process restart releases everything.
// Use New to create a new object of this type.
type Service struct {
	mu     sync.Mutex
	leases *gocache.Cache
	ttl    time.Duration
	logger hclog.Logger
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

func WithLogger(logger hclog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(options ...Option) *Service {
	s := &Service{
		ttl:    DefaultTTL,
		logger: hclog.Default().Named("task-lock"),
	}
	for _, option := range options {
		option(s)
	}
	// the cache janitor is the expiry sweep
	s.leases = gocache.New(s.ttl, DefaultSweepInterval)
	return s
}

// Acquire takes the lease for taskKey. Reentry by the current holder renews
// the lease instead of failing; a different holder is refused while the
// lease is unexpired.
func (s *Service) Acquire(taskKey int64, holderId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strconv.FormatInt(taskKey, 10)
	now := time.Now()
	if existing, found := s.leases.Get(key); found {
		l := existing.(lease)
		// the cache janitor may not have swept an expired lease yet
		if l.ExpiresAt.After(now) && l.HolderId != holderId {
			return false
		}
	}
	s.leases.Set(key, lease{
		HolderId:   holderId,
		AcquiredAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}, s.ttl)
	return true
}

// Release returns the lease, but only for its current holder.
func (s *Service) Release(taskKey int64, holderId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strconv.FormatInt(taskKey, 10)
	existing, found := s.leases.Get(key)
	if !found {
		return false
	}
	if existing.(lease).HolderId != holderId {
		return false
	}
	s.leases.Delete(key)
	return true
}

// ForceRelease removes the lease regardless of ownership. Administrative
// recovery for stuck leases.
func (s *Service) ForceRelease(taskKey int64) {
	key := strconv.FormatInt(taskKey, 10)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, found := s.leases.Get(key); found {
		s.logger.Warn("force releasing task lock", "taskKey", taskKey, "holder", existing.(lease).HolderId)
	}
	s.leases.Delete(key)
}

// Holder returns the current holder id, or "" when the lease is free.
func (s *Service) Holder(taskKey int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, found := s.leases.Get(strconv.FormatInt(taskKey, 10))
	if !found {
		return ""
	}
	l := existing.(lease)
	if !l.ExpiresAt.After(time.Now()) {
		return ""
	}
	return l.HolderId
}

// WithLock acquires the lease, runs op, and releases on every exit path,
// panics included. Returns ErrLockConflict without running op when the
// lease is held elsewhere.
func (s *Service) WithLock(taskKey int64, holderId string, op func() error) error {
	if !s.Acquire(taskKey, holderId) {
		return ErrLockConflict
	}
	defer s.Release(taskKey, holderId)
	return op()
}
