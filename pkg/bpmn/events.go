package bpmn

import (
	"context"
	"errors"
	"time"

	"github.com/flowmill/flowmill/pkg/bpmn/model/graph"
	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
	"github.com/flowmill/flowmill/pkg/scheduler"
	"github.com/flowmill/flowmill/pkg/storage"
)

// Topics published and consumed on the event bus.
const (
	TopicTaskCreated       = "task.created"
	TopicTaskRejected      = "task.rejected"
	TopicInstanceCompleted = "process.instance.completed"
	TopicSignalBroadcast   = "signal.broadcast"
)

// AttachScheduler wires the deadline scheduler after construction. The
// scheduler's callback needs the engine, so the two cannot be built in one
// step.
func (engine *Engine) AttachScheduler(s scheduler.Scheduler) {
	engine.scheduler = s
}

// TimerCallback is the scheduler callback: the token it receives is a timer
// key.
func (engine *Engine) TimerCallback(ctx context.Context, timerKey int64) {
	if err := engine.FireTimer(ctx, timerKey); err != nil {
		engine.logger.Error("timer trigger failed", "timerKey", timerKey, "error", err)
	}
}

// handleIntermediateCatchEvent parks the token and registers the wait state
// matching the event definition.
func (engine *Engine) handleIntermediateCatchEvent(rc *runContext, token *runtime.Execution, node *graph.Node) ([]command, error) {
	token.State = runtime.TokenStateWaiting
	switch node.Event.Kind {
	case graph.EventKindTimer:
		return nil, engine.createTimer(rc, token, node)
	case graph.EventKindMessage, graph.EventKindSignal:
		rc.addSubscription(&runtime.MessageSubscription{
			Key:                engine.generateKey(),
			ElementId:          node.Id,
			ExecutionKey:       token.Key,
			ProcessInstanceKey: token.ProcessInstanceKey,
			Name:               node.Event.Name,
			State:              runtime.TokenStateWaiting,
			CreatedAt:          time.Now(),
		})
		return nil, nil
	default:
		return nil, newEngineErrorf("element %s: unsupported event kind %s", node.Id, node.Event.Kind)
	}
}

func (engine *Engine) createTimer(rc *runContext, token *runtime.Execution, node *graph.Node) error {
	out, err := engine.evaluateExpression(node.Event.Duration, token.VariableHolder.Variables())
	if err != nil {
		return err
	}
	text, ok := out.(string)
	if !ok {
		return newEngineErrorf("element %s: timer duration did not evaluate to a string, got %T", node.Id, out)
	}
	duration, err := time.ParseDuration(text)
	if err != nil {
		return newEngineErrorf("element %s: invalid timer duration %q", node.Id, text)
	}
	now := time.Now()
	timer := &runtime.Timer{
		Key:                engine.generateKey(),
		ElementId:          node.Id,
		ExecutionKey:       token.Key,
		ProcessInstanceKey: token.ProcessInstanceKey,
		State:              runtime.TimerStateCreated,
		CreatedAt:          now,
		DueAt:              now.Add(duration),
		Duration:           duration,
	}
	rc.addTimer(timer)
	if engine.scheduler != nil {
		engine.scheduler.ScheduleAt(timer.DueAt, timer.Key)
	}
	return nil
}

// FireTimer resumes the token waiting on the timer. Duplicate deliveries
// and timers cancelled in the meantime are absorbed.
func (engine *Engine) FireTimer(ctx context.Context, timerKey int64) error {
	timer, err := engine.persistence.FindTimerByKey(ctx, timerKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if timer.State != runtime.TimerStateCreated {
		return nil
	}
	return engine.runWithInstance(ctx, timer.ProcessInstanceKey, func(rc *runContext) ([]command, error) {
		t := timer
		t.State = runtime.TimerStateTriggered
		rc.addTimer(&t)
		return engine.resumeWaitingToken(rc, timer.ExecutionKey)
	})
}

// PublishMessage correlates a named message against one process instance.
// Variables travel into the scope of the waiting token's parent.
func (engine *Engine) PublishMessage(ctx context.Context, name string, processInstanceKey int64, variables map[string]interface{}) error {
	return engine.runWithInstance(ctx, processInstanceKey, func(rc *runContext) ([]command, error) {
		subs, err := engine.persistence.FindProcessInstanceMessageSubscriptions(rc.ctx, processInstanceKey, runtime.TokenStateWaiting)
		if err != nil {
			return nil, err
		}
		var cmds []command
		for i := range subs {
			if subs[i].Name != name {
				continue
			}
			sub := subs[i]
			sub.State = runtime.TokenStateCompleted
			rc.addSubscription(&sub)
			token, err := rc.execution(sub.ExecutionKey)
			if err != nil {
				return nil, err
			}
			token.VariableHolder.PropagateVariables(variables)
			next, err := engine.resumeWaitingToken(rc, sub.ExecutionKey)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, next...)
		}
		if len(cmds) == 0 {
			return nil, errors.Join(newEngineErrorf("no subscription for message %s on instance %d", name, processInstanceKey), storage.ErrNotFound)
		}
		return cmds, nil
	})
}

// BroadcastSignal wakes every instance waiting on the signal name. One
// publication per instance; PublishMessage already resumes every matching
// subscription the instance holds.
func (engine *Engine) BroadcastSignal(ctx context.Context, name string, variables map[string]interface{}) error {
	subs, err := engine.persistence.FindMessageSubscriptionsByName(ctx, name, runtime.TokenStateWaiting)
	if err != nil {
		return err
	}
	published := map[int64]bool{}
	for _, sub := range subs {
		if published[sub.ProcessInstanceKey] {
			continue
		}
		published[sub.ProcessInstanceKey] = true
		if err := engine.PublishMessage(ctx, name, sub.ProcessInstanceKey, variables); err != nil {
			return err
		}
	}
	return nil
}

// resumeWaitingToken completes a parked token and continues past its node.
func (engine *Engine) resumeWaitingToken(rc *runContext, executionKey int64) ([]command, error) {
	token, err := rc.execution(executionKey)
	if err != nil {
		return nil, err
	}
	if token.State != runtime.TokenStateWaiting {
		return nil, nil
	}
	node := rc.graph().Node(token.ElementId)
	if node == nil {
		return nil, newEngineErrorf("unknown element %s", token.ElementId)
	}
	rc.completeExecution(token)
	return engine.afterActivityCompleted(rc, token, node)
}

// attachBus subscribes the engine to inbound bus topics. Signals published
// on the bus behave exactly like BroadcastSignal calls.
func (engine *Engine) attachBus() {
	engine.bus.Subscribe(TopicSignalBroadcast, func(payload map[string]any) {
		name, _ := payload["name"].(string)
		if name == "" {
			return
		}
		variables, _ := payload["variables"].(map[string]interface{})
		if err := engine.BroadcastSignal(context.Background(), name, variables); err != nil {
			engine.logger.Error("signal broadcast failed", "signal", name, "error", err)
		}
	})
}

// publishRunEvents emits lifecycle events for a flushed run. Publication
// happens after the batch committed, so subscribers never observe state
// that was rolled back.
func (engine *Engine) publishRunEvents(rc *runContext) {
	if engine.bus == nil {
		return
	}
	for _, task := range rc.createdTasks {
		engine.bus.Publish(TopicTaskCreated, map[string]any{
			"taskKey":            task.Key,
			"processInstanceKey": task.ProcessInstanceKey,
			"elementId":          task.ElementId,
			"assignee":           task.Assignee,
		})
	}
	for _, record := range rc.rejectRecords {
		if record.Type != runtime.RejectRecordTypeReject {
			continue
		}
		engine.bus.Publish(TopicTaskRejected, map[string]any{
			"taskKey":            record.TaskKey,
			"processInstanceKey": record.ProcessInstanceKey,
			"targetElementId":    record.TargetElementId,
			"reason":             record.Reason,
		})
	}
	if rc.instance.State == runtime.InstanceStateCompleted {
		engine.bus.Publish(TopicInstanceCompleted, map[string]any{
			"processInstanceKey": rc.instance.Key,
		})
	}
}
