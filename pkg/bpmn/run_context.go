package bpmn

import (
	"context"
	"errors"
	"time"

	"github.com/flowmill/flowmill/pkg/bpmn/model/graph"
	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
	"github.com/flowmill/flowmill/pkg/storage"
)

// runContext carries the mutable state of one engine run. All reads go
// through its caches so a record is loaded at most once per run, and all
// writes stay in memory until flush() pushes them into a single storage
// batch. A failed run is simply never flushed.
type runContext struct {
	ctx      context.Context
	engine   *Engine
	instance *runtime.ProcessInstance

	executions    map[int64]*runtime.Execution
	tasks         map[int64]*runtime.Task
	gatewayStates map[string]*runtime.GatewayState
	miStates      map[string]*runtime.MultiInstanceState

	deletedGatewayStates map[string]bool
	deletedMiStates      map[string]bool

	rejectRecords []runtime.RejectRecord
	timers        []*runtime.Timer
	subscriptions []*runtime.MessageSubscription
	createdTasks  []*runtime.Task

	childrenLoaded bool // true once all executions of the instance are cached
}

func (engine *Engine) newRunContext(ctx context.Context, instance *runtime.ProcessInstance) *runContext {
	return &runContext{
		ctx:                  ctx,
		engine:               engine,
		instance:             instance,
		executions:           map[int64]*runtime.Execution{},
		tasks:                map[int64]*runtime.Task{},
		gatewayStates:        map[string]*runtime.GatewayState{},
		miStates:             map[string]*runtime.MultiInstanceState{},
		deletedGatewayStates: map[string]bool{},
		deletedMiStates:      map[string]bool{},
	}
}

func (rc *runContext) graph() *graph.Graph {
	return rc.instance.Definition.Graph
}

// execution returns the cached token or loads it from storage, reattaching
// its variable scope chain.
func (rc *runContext) execution(key int64) (*runtime.Execution, error) {
	if cached, ok := rc.executions[key]; ok {
		return cached, nil
	}
	loaded, err := rc.engine.persistence.FindExecutionByKey(rc.ctx, key)
	if err != nil {
		return nil, err
	}
	rc.executions[key] = &loaded
	if err := rc.reattachScope(&loaded); err != nil {
		return nil, err
	}
	return &loaded, nil
}

// reattachScope rebuilds the variable parent chain after deserialization.
// Scope roots parent to the instance variables, every other token parents
// to its scope root's holder.
func (rc *runContext) reattachScope(token *runtime.Execution) error {
	if token.ParentKey == 0 {
		token.VariableHolder.SetParent(&rc.instance.VariableHolder)
		return nil
	}
	parent, err := rc.execution(token.ParentKey)
	if err != nil {
		return err
	}
	token.VariableHolder.SetParent(&parent.VariableHolder)
	return nil
}

// allExecutions loads every execution of the instance into the cache once
// and returns the cached set.
func (rc *runContext) allExecutions() (map[int64]*runtime.Execution, error) {
	if !rc.childrenLoaded {
		stored, err := rc.engine.persistence.FindProcessInstanceExecutions(rc.ctx, rc.instance.Key)
		if err != nil {
			return nil, err
		}
		for i := range stored {
			if _, ok := rc.executions[stored[i].Key]; ok {
				continue
			}
			e := stored[i]
			rc.executions[e.Key] = &e
		}
		for _, e := range rc.executions {
			if err := rc.reattachScope(e); err != nil {
				return nil, err
			}
		}
		rc.childrenLoaded = true
	}
	return rc.executions, nil
}

// rootExecution finds the instance root token.
func (rc *runContext) rootExecution() (*runtime.Execution, error) {
	all, err := rc.allExecutions()
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		if e.ParentKey == 0 {
			return e, nil
		}
	}
	return nil, nil
}

// createChild creates a new ACTIVE token under the given parent. The parent
// must be live, which is the structural invariant of the execution tree.
func (rc *runContext) createChild(parentKey int64, elementId string) (*runtime.Execution, error) {
	parent, err := rc.execution(parentKey)
	if err != nil {
		return nil, err
	}
	if !parent.IsLive() {
		return nil, newEngineErrorf("cannot create child of terminal execution %d", parentKey)
	}
	token := &runtime.Execution{
		Key:                rc.engine.generateKey(),
		ProcessInstanceKey: rc.instance.Key,
		ParentKey:          parentKey,
		ElementId:          elementId,
		State:              runtime.TokenStateActive,
		VariableHolder:     runtime.NewVariableHolder(&parent.VariableHolder, nil),
		CreatedAt:          time.Now(),
	}
	rc.executions[token.Key] = token
	return token, nil
}

// completeExecution is idempotent: completing a completed token is a no-op,
// completing a cancelled one is refused silently as well since the caller
// cannot always know a concurrent cancel won.
func (rc *runContext) completeExecution(token *runtime.Execution) {
	if token.IsTerminal() {
		return
	}
	token.State = runtime.TokenStateCompleted
}

// cancelExecution cancels the token and, recursively, its live descendants.
// Tasks bound to a cancelled token are cancelled with it, and pending
// timers and message subscriptions for it are dropped.
func (rc *runContext) cancelExecution(token *runtime.Execution, reason string) error {
	if token.IsTerminal() {
		return nil
	}
	token.State = runtime.TokenStateCancelled
	token.CancelReason = reason

	task, err := rc.taskByExecution(token.Key)
	if err != nil {
		return err
	}
	if task != nil && !task.IsTerminal() {
		task.State = runtime.TaskStateCancelled
	}
	if err := rc.dropWaitStates(token.Key); err != nil {
		return err
	}

	children, err := rc.activeChildren(token.Key)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := rc.cancelExecution(child, reason); err != nil {
			return err
		}
	}
	return nil
}

// activeChildren returns the live direct children of a token.
func (rc *runContext) activeChildren(parentKey int64) ([]*runtime.Execution, error) {
	all, err := rc.allExecutions()
	if err != nil {
		return nil, err
	}
	var children []*runtime.Execution
	for _, e := range all {
		if e.ParentKey == parentKey && e.IsLive() {
			children = append(children, e)
		}
	}
	return children, nil
}

// liveTokenCount counts the live non-root, non-scope-root tokens of the
// instance; these are the ones carrying actual control flow.
func (rc *runContext) liveTokenCount() (int, error) {
	all, err := rc.allExecutions()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range all {
		if e.ParentKey != 0 && !e.ScopeRoot && e.IsLive() {
			count++
		}
	}
	return count, nil
}

// taskByExecution returns the task bound to the execution, nil when none
// exists.
func (rc *runContext) taskByExecution(executionKey int64) (*runtime.Task, error) {
	for _, t := range rc.tasks {
		if t.ExecutionKey == executionKey {
			return t, nil
		}
	}
	loaded, err := rc.engine.persistence.FindTaskByExecutionKey(rc.ctx, executionKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	rc.tasks[loaded.Key] = &loaded
	return &loaded, nil
}

func (rc *runContext) task(key int64) (*runtime.Task, error) {
	if cached, ok := rc.tasks[key]; ok {
		return cached, nil
	}
	loaded, err := rc.engine.persistence.FindTaskByKey(rc.ctx, key)
	if err != nil {
		return nil, err
	}
	rc.tasks[key] = &loaded
	return &loaded, nil
}

func (rc *runContext) addTask(task *runtime.Task) {
	rc.tasks[task.Key] = task
	rc.createdTasks = append(rc.createdTasks, task)
}

// gatewayState returns the join arena for the gateway, creating it on first
// arrival.
func (rc *runContext) gatewayState(gatewayId string) (*runtime.GatewayState, error) {
	if cached, ok := rc.gatewayStates[gatewayId]; ok {
		return cached, nil
	}
	if rc.deletedGatewayStates[gatewayId] {
		// re-entry of the same gateway within one run starts a fresh arena
		delete(rc.deletedGatewayStates, gatewayId)
	} else {
		loaded, err := rc.engine.persistence.FindGatewayState(rc.ctx, rc.instance.Key, gatewayId)
		if err == nil {
			rc.gatewayStates[gatewayId] = &loaded
			return &loaded, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	fresh := &runtime.GatewayState{
		ProcessInstanceKey: rc.instance.Key,
		GatewayId:          gatewayId,
	}
	rc.gatewayStates[gatewayId] = fresh
	return fresh, nil
}

func (rc *runContext) deleteGatewayState(gatewayId string) {
	delete(rc.gatewayStates, gatewayId)
	rc.deletedGatewayStates[gatewayId] = true
}

// miState returns the multi-instance counters of the element, nil when the
// activity is not currently activated.
func (rc *runContext) miState(elementId string) (*runtime.MultiInstanceState, error) {
	if cached, ok := rc.miStates[elementId]; ok {
		return cached, nil
	}
	if rc.deletedMiStates[elementId] {
		return nil, nil
	}
	loaded, err := rc.engine.persistence.FindMultiInstanceState(rc.ctx, rc.instance.Key, elementId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	rc.miStates[elementId] = &loaded
	return &loaded, nil
}

func (rc *runContext) putMiState(state *runtime.MultiInstanceState) {
	delete(rc.deletedMiStates, state.ElementId)
	rc.miStates[state.ElementId] = state
}

func (rc *runContext) deleteMiState(elementId string) {
	delete(rc.miStates, elementId)
	rc.deletedMiStates[elementId] = true
}

func (rc *runContext) addRejectRecord(record runtime.RejectRecord) {
	rc.rejectRecords = append(rc.rejectRecords, record)
}

func (rc *runContext) addTimer(timer *runtime.Timer) {
	rc.timers = append(rc.timers, timer)
}

func (rc *runContext) addSubscription(sub *runtime.MessageSubscription) {
	rc.subscriptions = append(rc.subscriptions, sub)
}

// dropWaitStates cancels pending timers and subscriptions bound to the
// execution, both the ones created in this run and persisted ones.
func (rc *runContext) dropWaitStates(executionKey int64) error {
	for _, t := range rc.timers {
		if t.ExecutionKey == executionKey && t.State == runtime.TimerStateCreated {
			t.State = runtime.TimerStateCancelled
		}
	}
	for _, s := range rc.subscriptions {
		if s.ExecutionKey == executionKey && s.State == runtime.TokenStateWaiting {
			s.State = runtime.TokenStateCancelled
		}
	}
	stored, err := rc.engine.persistence.FindProcessInstanceTimers(rc.ctx, rc.instance.Key, runtime.TimerStateCreated)
	if err != nil {
		return err
	}
	for i := range stored {
		if stored[i].ExecutionKey == executionKey {
			t := stored[i]
			t.State = runtime.TimerStateCancelled
			rc.timers = append(rc.timers, &t)
			if rc.engine.scheduler != nil {
				rc.engine.scheduler.Cancel(t.Key)
			}
		}
	}
	subs, err := rc.engine.persistence.FindProcessInstanceMessageSubscriptions(rc.ctx, rc.instance.Key, runtime.TokenStateWaiting)
	if err != nil {
		return err
	}
	for i := range subs {
		if subs[i].ExecutionKey == executionKey {
			s := subs[i]
			s.State = runtime.TokenStateCancelled
			rc.subscriptions = append(rc.subscriptions, &s)
		}
	}
	return nil
}

// flush writes every touched record into one storage batch. The batch is
// all-or-nothing, which gives a trigger its transactional semantics.
func (rc *runContext) flush() error {
	batch := rc.engine.persistence.NewBatch()

	if err := batch.SaveProcessInstance(rc.ctx, *rc.instance); err != nil {
		return err
	}
	for _, e := range rc.executions {
		if err := batch.SaveExecution(rc.ctx, *e); err != nil {
			return err
		}
	}
	for _, t := range rc.tasks {
		if err := batch.SaveTask(rc.ctx, *t); err != nil {
			return err
		}
	}
	for _, gs := range rc.gatewayStates {
		if err := batch.SaveGatewayState(rc.ctx, *gs); err != nil {
			return err
		}
	}
	for gatewayId := range rc.deletedGatewayStates {
		if err := batch.DeleteGatewayState(rc.ctx, rc.instance.Key, gatewayId); err != nil {
			return err
		}
	}
	for _, mi := range rc.miStates {
		if err := batch.SaveMultiInstanceState(rc.ctx, *mi); err != nil {
			return err
		}
	}
	for elementId := range rc.deletedMiStates {
		if err := batch.DeleteMultiInstanceState(rc.ctx, rc.instance.Key, elementId); err != nil {
			return err
		}
	}
	for _, r := range rc.rejectRecords {
		if err := batch.SaveRejectRecord(rc.ctx, r); err != nil {
			return err
		}
	}
	for _, t := range rc.timers {
		if err := batch.SaveTimer(rc.ctx, *t); err != nil {
			return err
		}
	}
	for _, s := range rc.subscriptions {
		if err := batch.SaveMessageSubscription(rc.ctx, *s); err != nil {
			return err
		}
	}
	return batch.Flush(rc.ctx)
}
