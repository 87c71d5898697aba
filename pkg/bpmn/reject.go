package bpmn

import (
	"context"
	"errors"
	"time"

	"github.com/flowmill/flowmill/pkg/bpmn/model/graph"
	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
)

// RejectTask rejects a work item back to an upstream node. The target must
// lie backward of the rejecting node along sequence flows. On a
// multi-instance activity the configured reject strategy decides what
// happens to the sibling instances.
func (engine *Engine) RejectTask(ctx context.Context, taskKey int64, userId, targetElementId, reason string) error {
	return engine.locks.WithLock(taskKey, userId, func() error {
		stored, err := engine.persistence.FindTaskByKey(ctx, taskKey)
		if err != nil {
			return err
		}
		return engine.runWithInstance(ctx, stored.ProcessInstanceKey, func(rc *runContext) ([]command, error) {
			return engine.rejectTaskInRun(rc, taskKey, userId, targetElementId, reason)
		})
	})
}

func (engine *Engine) rejectTaskInRun(rc *runContext, taskKey int64, userId, targetElementId, reason string) ([]command, error) {
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
	if rc.graph().Node(targetElementId) == nil || !rc.graph().IsReachableBackward(token.ElementId, targetElementId) {
		return nil, errors.Join(
			newEngineErrorf("reject of task %d: target %s is not upstream of %s", taskKey, targetElementId, token.ElementId),
			ErrUnreachableRejectTarget,
		)
	}

	rc.addRejectRecord(runtime.RejectRecord{
		Key:                engine.generateKey(),
		TaskKey:            taskKey,
		ProcessInstanceKey: rc.instance.Key,
		Type:               runtime.RejectRecordTypeReject,
		TargetElementId:    targetElementId,
		Reason:             reason,
		ActorId:            userId,
		CreatedAt:          time.Now(),
	})

	node := rc.graph().Node(token.ElementId)
	wrapper, err := rc.siblingWrapper(token)
	if err != nil {
		return nil, err
	}
	if wrapper == nil || node.MultiInstance == nil {
		if err := rc.cancelExecution(token, "rejected: "+reason); err != nil {
			return nil, err
		}
		return engine.reopenTarget(rc, token.ParentKey, targetElementId)
	}
	return engine.rejectSibling(rc, wrapper, token, node, targetElementId, reason)
}

// rejectSibling applies the multi-instance reject strategy.
func (engine *Engine) rejectSibling(rc *runContext, wrapper, rejecting *runtime.Execution, node *graph.Node, targetElementId, reason string) ([]command, error) {
	state, err := rc.miState(node.Id)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, newInvalidStateErrorf("element %s has no active multi-instance state", node.Id)
	}
	state.NrOfActiveInstances--
	state.NrOfRejectedInstances++

	stats, err := rc.siblingStats(wrapper, state)
	if err != nil {
		return nil, err
	}
	resolution := resolveRejectStrategy(state.RejectStrategy, stats, rejecting.Key)

	for _, key := range resolution.CancelSiblingKeys {
		sibling, err := rc.execution(key)
		if err != nil {
			return nil, err
		}
		if sibling.IsLive() && key != rejecting.Key {
			state.NrOfActiveInstances--
		}
		if err := rc.cancelExecution(sibling, "rejected: "+reason); err != nil {
			return nil, err
		}
	}

	if resolution.WaitForMore {
		state.PendingRejectTarget = targetElementId
		// sequential mode advances on any terminal sibling, a cancelled one
		// included, otherwise the remaining items would never run
		if state.Sequential && len(state.RemainingItems) > 0 {
			next := state.RemainingItems[0]
			state.RemainingItems = state.RemainingItems[1:]
			cmd, err := engine.spawnSibling(rc, wrapper, node, state, next)
			if err != nil {
				return nil, err
			}
			return []command{cmd}, nil
		}
		return nil, nil
	}

	if state.RejectStrategy == graph.RejectStrategyKeepCompleted {
		if out := node.MultiInstance.OutputCollection; out != "" {
			wrapper.VariableHolder.PropagateVariable(out, wrapper.VariableHolder.GetVariable(out))
		}
	}
	return engine.moveBackFromWrapper(rc, wrapper, node, targetElementId)
}

// siblingStats snapshots the wrapper's children for the resolver.
func (rc *runContext) siblingStats(wrapper *runtime.Execution, state *runtime.MultiInstanceState) (SiblingStats, error) {
	all, err := rc.allExecutions()
	if err != nil {
		return SiblingStats{}, err
	}
	stats := SiblingStats{
		Total:     state.NrOfInstances,
		Completed: state.NrOfCompletedInstances,
		Rejected:  state.NrOfRejectedInstances,
	}
	for _, e := range all {
		if e.ParentKey != wrapper.Key {
			continue
		}
		switch {
		case e.IsLive():
			stats.ActiveSiblingKeys = append(stats.ActiveSiblingKeys, e.Key)
		case e.State == runtime.TokenStateCompleted:
			stats.CompletedSiblingKeys = append(stats.CompletedSiblingKeys, e.Key)
		}
	}
	return stats, nil
}

// moveBackFromWrapper tears the whole activity down and re-opens the target
// node. The new token gets a fresh scope seeded from the enclosing one, not
// from the discarded subtree.
func (engine *Engine) moveBackFromWrapper(rc *runContext, wrapper *runtime.Execution, node *graph.Node, targetElementId string) ([]command, error) {
	scopeParent := wrapper.ParentKey
	rc.deleteMiState(node.Id)
	if err := rc.cancelExecution(wrapper, "rejected"); err != nil {
		return nil, err
	}
	return engine.reopenTarget(rc, scopeParent, targetElementId)
}

// reopenTarget creates a fresh token at the target node and queues it.
func (engine *Engine) reopenTarget(rc *runContext, scopeParentKey int64, targetElementId string) ([]command, error) {
	token, err := rc.createChild(scopeParentKey, targetElementId)
	if err != nil {
		return nil, err
	}
	return []command{activityCommand{executionKey: token.Key}}, nil
}

// deferredRejectDue reports whether a deferred reject must fire now. Called
// by the sibling completion path.
func deferredRejectDue(state *runtime.MultiInstanceState) bool {
	return state.PendingRejectTarget != "" && state.PendingCount() == 0
}

// ResubmitTask completes a task that exists because of an earlier reject.
// The caller must be the task's assignee or the actor who started the
// process, and an unanswered REJECT record targeting this task's node must
// exist; a RESUBMIT record referencing it is written for audit.
func (engine *Engine) ResubmitTask(ctx context.Context, taskKey int64, userId string, variables map[string]interface{}) error {
	return engine.locks.WithLock(taskKey, userId, func() error {
		stored, err := engine.persistence.FindTaskByKey(ctx, taskKey)
		if err != nil {
			return err
		}
		return engine.runWithInstance(ctx, stored.ProcessInstanceKey, func(rc *runContext) ([]command, error) {
			return engine.resubmitTaskInRun(rc, taskKey, userId, variables)
		})
	})
}

func (engine *Engine) resubmitTaskInRun(rc *runContext, taskKey int64, userId string, variables map[string]interface{}) ([]command, error) {
	if rc.instance.State != runtime.InstanceStateRunning {
		return nil, errors.Join(newEngineErrorf("instance %d is %s", rc.instance.Key, rc.instance.State), ErrNotResubmittable)
	}
	task, err := rc.task(taskKey)
	if err != nil {
		return nil, err
	}
	if !task.Resubmittable() {
		return nil, errors.Join(newEngineErrorf("task %d is %s", taskKey, task.State), ErrNotResubmittable)
	}
	assignee := task.Assignee != "" && userId == task.Assignee
	starter := rc.instance.StartedBy != "" && userId == rc.instance.StartedBy
	if !assignee && !starter {
		return nil, errors.Join(newEngineErrorf("user %s may not resubmit task %d", userId, taskKey), ErrNotResubmittable)
	}
	origin, err := rc.unansweredReject(task.ElementId)
	if err != nil {
		return nil, err
	}
	if origin == nil {
		return nil, errors.Join(newEngineErrorf("no reject record targets element %s", task.ElementId), ErrNotResubmittable)
	}

	rc.addRejectRecord(runtime.RejectRecord{
		Key:                engine.generateKey(),
		TaskKey:            taskKey,
		ProcessInstanceKey: rc.instance.Key,
		Type:               runtime.RejectRecordTypeResubmit,
		TargetElementId:    task.ElementId,
		ActorId:            userId,
		OriginKey:          origin.Key,
		CreatedAt:          time.Now(),
	})
	return engine.completeTaskInRun(rc, taskKey, variables)
}

// unansweredReject finds the most recent REJECT record targeting the node
// that no RESUBMIT references yet.
func (rc *runContext) unansweredReject(elementId string) (*runtime.RejectRecord, error) {
	records, err := rc.engine.persistence.FindProcessInstanceRejectRecords(rc.ctx, rc.instance.Key)
	if err != nil {
		return nil, err
	}
	answered := map[int64]bool{}
	for _, r := range records {
		if r.Type == runtime.RejectRecordTypeResubmit {
			answered[r.OriginKey] = true
		}
	}
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.Type == runtime.RejectRecordTypeReject && r.TargetElementId == elementId && !answered[r.Key] {
			return &r, nil
		}
	}
	return nil, nil
}
