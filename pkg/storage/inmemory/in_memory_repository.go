// Package inmemory keeps engine state in process memory. It is the reference
// implementation of the storage contract, used by tests and single-node
// deployments.
package inmemory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
	"github.com/flowmill/flowmill/pkg/storage"
)

type miKey struct {
	processInstanceKey int64
	elementId          string
}

type gwKey struct {
	processInstanceKey int64
	gatewayId          string
}

// Storage keeps process state in maps guarded by a single RWMutex. Records
// carry a Revision; a Save with a revision that no longer matches the stored
// one fails with ErrStaleWrite and changes nothing.
// Use NewStorage to create a new object of this type.
type Storage struct {
	mu                   sync.RWMutex
	ProcessDefinitions   map[int64]runtime.ProcessDefinition
	ProcessInstances     map[int64]runtime.ProcessInstance
	Executions           map[int64]runtime.Execution
	Tasks                map[int64]runtime.Task
	MultiInstanceStates  map[miKey]runtime.MultiInstanceState
	GatewayStates        map[gwKey]runtime.GatewayState
	RejectRecords        map[int64]runtime.RejectRecord
	Timers               map[int64]runtime.Timer
	MessageSubscriptions map[int64]runtime.MessageSubscription
}

func NewStorage() *Storage {
	return &Storage{
		ProcessDefinitions:   make(map[int64]runtime.ProcessDefinition),
		ProcessInstances:     make(map[int64]runtime.ProcessInstance),
		Executions:           make(map[int64]runtime.Execution),
		Tasks:                make(map[int64]runtime.Task),
		MultiInstanceStates:  make(map[miKey]runtime.MultiInstanceState),
		GatewayStates:        make(map[gwKey]runtime.GatewayState),
		RejectRecords:        make(map[int64]runtime.RejectRecord),
		Timers:               make(map[int64]runtime.Timer),
		MessageSubscriptions: make(map[int64]runtime.MessageSubscription),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]batchStmt, 0, 10),
	}
}

func (mem *Storage) FindLatestProcessDefinitionById(ctx context.Context, processId string) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.ProcessDefinition
	found := false
	for _, def := range mem.ProcessDefinitions {
		if def.Id != processId {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionByKey(ctx context.Context, definitionKey int64) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessDefinitions[definitionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionsById(ctx context.Context, processId string) ([]runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessDefinition, 0)
	for _, def := range mem.ProcessDefinitions {
		if def.Id != processId {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b runtime.ProcessDefinition) int {
		return int(a.Version - b.Version)
	})
	return res, nil
}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessDefinitions[definition.Key] = definition
	return nil
}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveProcessInstanceLocked(processInstance)
}

func (mem *Storage) saveProcessInstanceLocked(processInstance runtime.ProcessInstance) error {
	if stored, ok := mem.ProcessInstances[processInstance.Key]; ok && stored.Revision != processInstance.Revision {
		return storage.ErrStaleWrite
	}
	processInstance.Revision++
	mem.ProcessInstances[processInstance.Key] = processInstance
	return nil
}

func (mem *Storage) FindExecutionByKey(ctx context.Context, executionKey int64) (runtime.Execution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Executions[executionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstanceExecutions(ctx context.Context, processInstanceKey int64) ([]runtime.Execution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Execution, 0)
	for _, e := range mem.Executions {
		if e.ProcessInstanceKey == processInstanceKey {
			res = append(res, e)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Execution) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) FindActiveChildExecutions(ctx context.Context, parentKey int64) ([]runtime.Execution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Execution, 0)
	for _, e := range mem.Executions {
		if e.ParentKey == parentKey && e.IsLive() {
			res = append(res, e)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Execution) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) SaveExecution(ctx context.Context, execution runtime.Execution) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveExecutionLocked(execution)
}

func (mem *Storage) saveExecutionLocked(execution runtime.Execution) error {
	if stored, ok := mem.Executions[execution.Key]; ok && stored.Revision != execution.Revision {
		return storage.ErrStaleWrite
	}
	execution.Revision++
	mem.Executions[execution.Key] = execution
	return nil
}

func (mem *Storage) FindTaskByKey(ctx context.Context, taskKey int64) (runtime.Task, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Tasks[taskKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindTaskByExecutionKey(ctx context.Context, executionKey int64) (runtime.Task, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, t := range mem.Tasks {
		if t.ExecutionKey == executionKey {
			return t, nil
		}
	}
	return runtime.Task{}, storage.ErrNotFound
}

func (mem *Storage) FindProcessInstanceTasks(ctx context.Context, processInstanceKey int64, states ...runtime.TaskState) ([]runtime.Task, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Task, 0)
	for _, t := range mem.Tasks {
		if t.ProcessInstanceKey != processInstanceKey {
			continue
		}
		if len(states) > 0 && !slices.Contains(states, t.State) {
			continue
		}
		res = append(res, t)
	}
	slices.SortFunc(res, func(a, b runtime.Task) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) SaveTask(ctx context.Context, task runtime.Task) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveTaskLocked(task)
}

func (mem *Storage) saveTaskLocked(task runtime.Task) error {
	if stored, ok := mem.Tasks[task.Key]; ok && stored.Revision != task.Revision {
		return storage.ErrStaleWrite
	}
	task.Revision++
	mem.Tasks[task.Key] = task
	return nil
}

func (mem *Storage) FindMultiInstanceState(ctx context.Context, processInstanceKey int64, elementId string) (runtime.MultiInstanceState, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.MultiInstanceStates[miKey{processInstanceKey, elementId}]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) SaveMultiInstanceState(ctx context.Context, state runtime.MultiInstanceState) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveMultiInstanceStateLocked(state)
}

func (mem *Storage) saveMultiInstanceStateLocked(state runtime.MultiInstanceState) error {
	key := miKey{state.ProcessInstanceKey, state.ElementId}
	if stored, ok := mem.MultiInstanceStates[key]; ok && stored.Revision != state.Revision {
		return storage.ErrStaleWrite
	}
	state.Revision++
	mem.MultiInstanceStates[key] = state
	return nil
}

func (mem *Storage) DeleteMultiInstanceState(ctx context.Context, processInstanceKey int64, elementId string) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.MultiInstanceStates, miKey{processInstanceKey, elementId})
	return nil
}

func (mem *Storage) FindGatewayState(ctx context.Context, processInstanceKey int64, gatewayId string) (runtime.GatewayState, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.GatewayStates[gwKey{processInstanceKey, gatewayId}]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) SaveGatewayState(ctx context.Context, state runtime.GatewayState) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveGatewayStateLocked(state)
}

func (mem *Storage) saveGatewayStateLocked(state runtime.GatewayState) error {
	key := gwKey{state.ProcessInstanceKey, state.GatewayId}
	if stored, ok := mem.GatewayStates[key]; ok && stored.Revision != state.Revision {
		return storage.ErrStaleWrite
	}
	state.Revision++
	mem.GatewayStates[key] = state
	return nil
}

func (mem *Storage) DeleteGatewayState(ctx context.Context, processInstanceKey int64, gatewayId string) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.GatewayStates, gwKey{processInstanceKey, gatewayId})
	return nil
}

func (mem *Storage) FindRejectRecordByKey(ctx context.Context, recordKey int64) (runtime.RejectRecord, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.RejectRecords[recordKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstanceRejectRecords(ctx context.Context, processInstanceKey int64) ([]runtime.RejectRecord, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.RejectRecord, 0)
	for _, r := range mem.RejectRecords {
		if r.ProcessInstanceKey == processInstanceKey {
			res = append(res, r)
		}
	}
	slices.SortFunc(res, func(a, b runtime.RejectRecord) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) SaveRejectRecord(ctx context.Context, record runtime.RejectRecord) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.RejectRecords[record.Key] = record
	return nil
}

func (mem *Storage) FindTimerByKey(ctx context.Context, timerKey int64) (runtime.Timer, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Timers[timerKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindTimersTo(ctx context.Context, end time.Time) ([]runtime.Timer, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Timer, 0)
	for _, t := range mem.Timers {
		if t.State == runtime.TimerStateCreated && t.DueAt.Before(end) {
			res = append(res, t)
		}
	}
	return res, nil
}

func (mem *Storage) FindProcessInstanceTimers(ctx context.Context, processInstanceKey int64, state runtime.TimerState) ([]runtime.Timer, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Timer, 0)
	for _, t := range mem.Timers {
		if t.ProcessInstanceKey == processInstanceKey && t.State == state {
			res = append(res, t)
		}
	}
	return res, nil
}

func (mem *Storage) SaveTimer(ctx context.Context, timer runtime.Timer) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Timers[timer.Key] = timer
	return nil
}

func (mem *Storage) FindProcessInstanceMessageSubscriptions(ctx context.Context, processInstanceKey int64, state runtime.TokenState) ([]runtime.MessageSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.MessageSubscription, 0)
	for _, ms := range mem.MessageSubscriptions {
		if ms.ProcessInstanceKey == processInstanceKey && ms.State == state {
			res = append(res, ms)
		}
	}
	return res, nil
}

func (mem *Storage) FindMessageSubscriptionsByName(ctx context.Context, name string, state runtime.TokenState) ([]runtime.MessageSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.MessageSubscription, 0)
	for _, ms := range mem.MessageSubscriptions {
		if ms.Name == name && ms.State == state {
			res = append(res, ms)
		}
	}
	slices.SortFunc(res, func(a, b runtime.MessageSubscription) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) SaveMessageSubscription(ctx context.Context, subscription runtime.MessageSubscription) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.MessageSubscriptions[subscription.Key] = subscription
	return nil
}
