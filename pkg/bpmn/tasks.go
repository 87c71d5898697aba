package bpmn

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmill/flowmill/pkg/bpmn/model/graph"
	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
)

// ActivatedJob is handed to a registered service task handler. Variables
// set on the job are propagated into the surrounding scope when the job
// completes.
type ActivatedJob interface {
	Key() int64
	ProcessInstanceKey() int64
	ElementId() string
	Variable(name string) interface{}
	SetVariable(name string, value interface{})
	Complete()
	Fail(reason string)
}

type taskHandler struct {
	taskType string
	handler  func(job ActivatedJob)
}

// NewTaskHandler registers a handler invoked synchronously whenever a
// service task with the given task type is reached. Without a handler the
// task is materialized as a work item and waits for an external completion.
func (engine *Engine) NewTaskHandler(taskType string, handler func(job ActivatedJob)) {
	engine.taskHandlers = append(engine.taskHandlers, &taskHandler{taskType: taskType, handler: handler})
}

func (engine *Engine) findTaskHandler(taskType string) *taskHandler {
	for _, h := range engine.taskHandlers {
		if h.taskType == taskType {
			return h
		}
	}
	return nil
}

type activatedJob struct {
	key       int64
	token     *runtime.Execution
	variables map[string]interface{}
	completed bool
	failure   string
}

func (j *activatedJob) Key() int64                  { return j.key }
func (j *activatedJob) ProcessInstanceKey() int64   { return j.token.ProcessInstanceKey }
func (j *activatedJob) ElementId() string           { return j.token.ElementId }
func (j *activatedJob) Variable(name string) interface{} {
	if v, ok := j.variables[name]; ok {
		return v
	}
	return j.token.VariableHolder.GetVariable(name)
}
func (j *activatedJob) SetVariable(name string, value interface{}) {
	j.variables[name] = value
}
func (j *activatedJob) Complete()          { j.completed = true }
func (j *activatedJob) Fail(reason string) { j.failure = reason }

// handleUserTask parks the token and materializes a work item for a human
// actor.
func (engine *Engine) handleUserTask(rc *runContext, token *runtime.Execution, node *graph.Node) ([]command, error) {
	token.State = runtime.TokenStateWaiting
	task := engine.materializeTask(rc, token, node)
	engine.logger.Debug("created user task", "taskKey", task.Key, "element", node.Id, "assignee", task.Assignee)
	return nil, nil
}

// handleServiceTask runs a registered handler synchronously; without one
// the task waits for an external worker, same shape as a user task.
func (engine *Engine) handleServiceTask(rc *runContext, token *runtime.Execution, node *graph.Node) ([]command, error) {
	handler := engine.findTaskHandler(node.TaskType)
	if handler == nil {
		token.State = runtime.TokenStateWaiting
		engine.materializeTask(rc, token, node)
		return nil, nil
	}

	job := &activatedJob{
		key:       engine.generateKey(),
		token:     token,
		variables: map[string]interface{}{},
	}
	handler.handler(job)
	if job.failure != "" {
		return nil, newEngineErrorf("service task %s failed: %s", node.Id, job.failure)
	}
	if !job.completed {
		return nil, newEngineErrorf("service task %s handler returned without completing the job", node.Id)
	}
	token.VariableHolder.PropagateVariables(job.variables)
	rc.completeExecution(token)
	return engine.afterActivityCompleted(rc, token, node)
}

// handleBusinessRuleTask evaluates the referenced decision and binds its
// result into the surrounding scope.
func (engine *Engine) handleBusinessRuleTask(rc *runContext, token *runtime.Execution, node *graph.Node) ([]command, error) {
	if engine.decisions == nil {
		return nil, newEngineErrorf("business rule task %s: no decision evaluator configured", node.Id)
	}
	result, err := engine.decisions.Evaluate(node.DecisionKey, token.VariableHolder.Variables())
	if err != nil {
		return nil, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("decision %s failed", node.DecisionKey),
			Err: err,
		}
	}
	resultName := node.ResultName
	if resultName == "" {
		resultName = node.DecisionKey
	}
	token.VariableHolder.PropagateVariable(resultName, result)
	rc.completeExecution(token)
	return engine.afterActivityCompleted(rc, token, node)
}

func (engine *Engine) materializeTask(rc *runContext, token *runtime.Execution, node *graph.Node) *runtime.Task {
	task := &runtime.Task{
		Key:                engine.generateKey(),
		ExecutionKey:       token.Key,
		ProcessInstanceKey: token.ProcessInstanceKey,
		ElementId:          node.Id,
		Assignee:           node.Assignee,
		State:              runtime.TaskStateCreated,
		FormKey:            node.FormKey,
		Variables:          token.VariableHolder.Variables(),
		CreatedAt:          time.Now(),
	}
	if task.Assignee != "" {
		task.State = runtime.TaskStateAssigned
	}
	rc.addTask(task)
	return task
}

// ClaimTask assigns the task to the caller. Concurrent claimers observe one
// winner; the loser gets tasklock.ErrLockConflict and retries.
func (engine *Engine) ClaimTask(ctx context.Context, taskKey int64, userId string) error {
	return engine.locks.WithLock(taskKey, userId, func() error {
		task, err := engine.persistence.FindTaskByKey(ctx, taskKey)
		if err != nil {
			return err
		}
		if task.State != runtime.TaskStateCreated && task.State != runtime.TaskStateUnassigned {
			return newInvalidStateErrorf("task %d is %s, cannot be claimed", taskKey, task.State)
		}
		task.Assignee = userId
		task.State = runtime.TaskStateAssigned
		return engine.persistence.SaveTask(ctx, task)
	})
}

// UnclaimTask releases the task back into the unassigned pool.
func (engine *Engine) UnclaimTask(ctx context.Context, taskKey int64, userId string) error {
	return engine.locks.WithLock(taskKey, userId, func() error {
		task, err := engine.persistence.FindTaskByKey(ctx, taskKey)
		if err != nil {
			return err
		}
		if task.State != runtime.TaskStateAssigned {
			return newInvalidStateErrorf("task %d is %s, cannot be unclaimed", taskKey, task.State)
		}
		task.Assignee = ""
		task.State = runtime.TaskStateUnassigned
		return engine.persistence.SaveTask(ctx, task)
	})
}

// CompleteTask completes the work item, merges the caller's variables into
// the surrounding scope and advances the process.
func (engine *Engine) CompleteTask(ctx context.Context, taskKey int64, userId string, variables map[string]interface{}) error {
	return engine.locks.WithLock(taskKey, userId, func() error {
		stored, err := engine.persistence.FindTaskByKey(ctx, taskKey)
		if err != nil {
			return err
		}
		return engine.runWithInstance(ctx, stored.ProcessInstanceKey, func(rc *runContext) ([]command, error) {
			return engine.completeTaskInRun(rc, taskKey, variables)
		})
	})
}

func (engine *Engine) completeTaskInRun(rc *runContext, taskKey int64, variables map[string]interface{}) ([]command, error) {
	task, err := rc.task(taskKey)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() {
		return nil, newInvalidStateErrorf("task %d is already %s", taskKey, task.State)
	}
	token, err := rc.execution(task.ExecutionKey)
	if err != nil {
		return nil, err
	}
	node := rc.graph().Node(token.ElementId)
	if node == nil {
		return nil, newEngineErrorf("unknown element %s", token.ElementId)
	}

	task.State = runtime.TaskStateCompleted
	token.VariableHolder.PropagateVariables(variables)
	rc.completeExecution(token)
	return engine.afterActivityCompleted(rc, token, node)
}

func newInvalidStateErrorf(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, a...))
}
