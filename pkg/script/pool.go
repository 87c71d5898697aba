package script

import (
	"context"
	"sync"
	"time"
)

type Runner interface {
	Runner()
}

type RunnerFactory interface {
	NewRunner() Runner
}

// RunnerPool keeps between min and max evaluator VMs alive. VMs are not safe
// for concurrent use, so callers take one out, use it, and return it.
type RunnerPool struct {
	pool               chan Runner
	runnerFactory      RunnerFactory
	activeRunnersCount int
	activeRunnersMu    *sync.Mutex
	maxPoolSize        int
	minPoolSize        int
}

func NewRunnerPool(ctx context.Context, runnerFactory RunnerFactory, maxPoolSize int, minPoolSize int) *RunnerPool {
	if maxPoolSize < minPoolSize {
		panic("vm pool min size is bigger than vm pool max size")
	}

	p := RunnerPool{
		pool:            make(chan Runner, maxPoolSize),
		runnerFactory:   runnerFactory,
		activeRunnersMu: &sync.Mutex{},
		maxPoolSize:     maxPoolSize,
		minPoolSize:     minPoolSize,
	}

	for i := 0; i < minPoolSize; i++ {
		p.activeRunnersMu.Lock()
		p.pool <- p.runnerFactory.NewRunner()
		p.activeRunnersCount++
		p.activeRunnersMu.Unlock()
	}

	// shrink idle runners back to the minimum every 10 minutes
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for len(p.pool) > minPoolSize {
					p.activeRunnersMu.Lock()
					select {
					case <-p.pool:
						p.activeRunnersCount--
					default:
					}
					p.activeRunnersMu.Unlock()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return &p
}

func (r *RunnerPool) GetRunnerFromPool() Runner {
	var runner Runner
	select {
	case runner = <-r.pool:
	default:
		r.activeRunnersMu.Lock()
		if r.activeRunnersCount < r.maxPoolSize {
			runner = r.runnerFactory.NewRunner()
			r.activeRunnersCount++
		}
		r.activeRunnersMu.Unlock()
		if runner == nil {
			runner = <-r.pool
		}
	}
	return runner
}

func (r *RunnerPool) ReturnRunnerToPool(runner Runner) {
	select {
	case r.pool <- runner:
	default:
		// drop the runner when the pool is full
		r.activeRunnersMu.Lock()
		r.activeRunnersCount--
		r.activeRunnersMu.Unlock()
	}
}
