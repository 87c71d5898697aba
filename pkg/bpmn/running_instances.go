package bpmn

import "sync"

// runningInstances serializes engine runs per process instance. Two
// triggers for the same instance never interleave; triggers for different
// instances run concurrently.
type runningInstances struct {
	mu      sync.Mutex
	current map[int64]*sync.Mutex
	waiting map[int64]int
}

func newRunningInstances() *runningInstances {
	return &runningInstances{
		current: map[int64]*sync.Mutex{},
		waiting: map[int64]int{},
	}
}

func (ri *runningInstances) acquire(processInstanceKey int64) {
	ri.mu.Lock()
	m, ok := ri.current[processInstanceKey]
	if !ok {
		m = &sync.Mutex{}
		ri.current[processInstanceKey] = m
	}
	ri.waiting[processInstanceKey]++
	ri.mu.Unlock()
	m.Lock()
}

func (ri *runningInstances) release(processInstanceKey int64) {
	ri.mu.Lock()
	m := ri.current[processInstanceKey]
	ri.waiting[processInstanceKey]--
	if ri.waiting[processInstanceKey] == 0 {
		delete(ri.current, processInstanceKey)
		delete(ri.waiting, processInstanceKey)
	}
	ri.mu.Unlock()
	m.Unlock()
}
