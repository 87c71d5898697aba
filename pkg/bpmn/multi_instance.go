package bpmn

import (
	"github.com/flowmill/flowmill/pkg/bpmn/model/graph"
	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
)

const loopCounterVariable = "loopCounter"

// activateMultiInstance turns the arriving token into a waiting wrapper and
// spawns the sibling executions that run the inner activity. Parallel mode
// spawns all of them at once, sequential mode one at a time.
func (engine *Engine) activateMultiInstance(rc *runContext, token *runtime.Execution, node *graph.Node) ([]command, error) {
	mi := node.MultiInstance
	items, err := engine.resolveInstanceItems(token, mi)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		// nothing to do, the activity completes immediately
		rc.completeExecution(token)
		return engine.createNextCommands(rc, token, node)
	}

	token.State = runtime.TokenStateWaiting
	if mi.OutputCollection != "" {
		token.VariableHolder.SetVariable(mi.OutputCollection, make([]interface{}, len(items)))
	}

	state := &runtime.MultiInstanceState{
		ProcessInstanceKey:  rc.instance.Key,
		ElementId:           node.Id,
		NrOfInstances:       len(items),
		Sequential:          mi.Sequential,
		CompletionCondition: mi.CompletionCondition,
		RejectStrategy:      mi.RejectStrategy,
		NextLoopCounter:     1,
	}
	rc.putMiState(state)

	if mi.Sequential {
		state.RemainingItems = items[1:]
		cmd, err := engine.spawnSibling(rc, token, node, state, items[0])
		if err != nil {
			return nil, err
		}
		return []command{cmd}, nil
	}

	cmds := make([]command, 0, len(items))
	for _, item := range items {
		cmd, err := engine.spawnSibling(rc, token, node, state, item)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// resolveInstanceItems produces one item per instance to spawn. A
// cardinality yields the indices 1..n.
func (engine *Engine) resolveInstanceItems(token *runtime.Execution, mi *graph.MultiInstance) ([]interface{}, error) {
	variables := token.VariableHolder.Variables()
	if mi.CollectionExpression != "" {
		out, err := engine.evaluateExpression(mi.CollectionExpression, variables)
		if err != nil {
			return nil, err
		}
		collection, ok := out.([]interface{})
		if !ok {
			return nil, newEngineErrorf("multi-instance collection %q did not evaluate to a list, got %T", mi.CollectionExpression, out)
		}
		return collection, nil
	}
	out, err := engine.evaluateExpression(mi.Cardinality, variables)
	if err != nil {
		return nil, err
	}
	n, err := toInt(out)
	if err != nil {
		return nil, newEngineErrorf("multi-instance cardinality %q: %s", mi.Cardinality, err)
	}
	if n < 0 {
		return nil, newEngineErrorf("multi-instance cardinality %q evaluated to %d", mi.Cardinality, n)
	}
	items := make([]interface{}, n)
	for i := range items {
		items[i] = i + 1
	}
	return items, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, newEngineErrorf("not a number: %T", v)
	}
}

// spawnSibling creates one sibling execution under the wrapper. Each
// sibling is its own variable scope holding the element variable and the
// loop counter.
func (engine *Engine) spawnSibling(rc *runContext, wrapper *runtime.Execution, node *graph.Node, state *runtime.MultiInstanceState, item interface{}) (command, error) {
	sibling, err := rc.createChild(wrapper.Key, node.Id)
	if err != nil {
		return nil, err
	}
	sibling.ScopeRoot = true
	sibling.VariableHolder.SetVariable(loopCounterVariable, state.NextLoopCounter)
	if node.MultiInstance.ElementVariable != "" {
		sibling.VariableHolder.SetVariable(node.MultiInstance.ElementVariable, item)
	}
	state.NextLoopCounter++
	state.NrOfActiveInstances++
	return activityCommand{executionKey: sibling.Key, miSibling: true}, nil
}

// siblingWrapper returns the wrapper the token runs under, or nil when the
// token is not a multi-instance sibling.
func (rc *runContext) siblingWrapper(token *runtime.Execution) (*runtime.Execution, error) {
	if !token.ScopeRoot || token.ParentKey == 0 {
		return nil, nil
	}
	parent, err := rc.execution(token.ParentKey)
	if err != nil {
		return nil, err
	}
	if parent.ElementId != token.ElementId || parent.State != runtime.TokenStateWaiting {
		return nil, nil
	}
	return parent, nil
}

// afterActivityCompleted routes control after an activity's token
// completed: sibling completions go through the multi-instance counters,
// everything else transitions over the outgoing flows.
func (engine *Engine) afterActivityCompleted(rc *runContext, token *runtime.Execution, node *graph.Node) ([]command, error) {
	wrapper, err := rc.siblingWrapper(token)
	if err != nil {
		return nil, err
	}
	if wrapper == nil || node.MultiInstance == nil {
		return engine.createNextCommands(rc, token, node)
	}
	return engine.onSiblingCompleted(rc, wrapper, token, node)
}

// onSiblingCompleted updates the counters, collects the sibling's output
// and decides whether the activity as a whole is done.
func (engine *Engine) onSiblingCompleted(rc *runContext, wrapper, sibling *runtime.Execution, node *graph.Node) ([]command, error) {
	mi := node.MultiInstance
	state, err := rc.miState(node.Id)
	if err != nil {
		return nil, err
	}
	if state == nil {
		// a live sibling implies live counters; teardown cancels siblings first
		return nil, newEngineErrorf("element %s: sibling %d completed without multi-instance state", node.Id, sibling.Key)
	}
	state.NrOfActiveInstances--
	state.NrOfCompletedInstances++

	if err := engine.collectSiblingOutput(wrapper, sibling, mi); err != nil {
		return nil, err
	}

	if deferredRejectDue(state) {
		return engine.moveBackFromWrapper(rc, wrapper, node, state.PendingRejectTarget)
	}

	conditionMet, err := engine.completionConditionMet(state, wrapper)
	if err != nil {
		return nil, err
	}
	if conditionMet {
		if err := engine.cancelActiveSiblings(rc, wrapper, "completion condition met"); err != nil {
			return nil, err
		}
		return engine.finishMultiInstance(rc, wrapper, node, state)
	}

	if state.Sequential && len(state.RemainingItems) > 0 {
		next := state.RemainingItems[0]
		state.RemainingItems = state.RemainingItems[1:]
		cmd, err := engine.spawnSibling(rc, wrapper, node, state, next)
		if err != nil {
			return nil, err
		}
		return []command{cmd}, nil
	}

	if state.PendingCount() == 0 {
		return engine.finishMultiInstance(rc, wrapper, node, state)
	}
	return nil, nil
}

// collectSiblingOutput places the sibling's output element into the output
// collection at the sibling's loop position.
func (engine *Engine) collectSiblingOutput(wrapper, sibling *runtime.Execution, mi *graph.MultiInstance) error {
	if mi.OutputCollection == "" || mi.OutputElement == "" {
		return nil
	}
	value, err := engine.evaluateExpression(mi.OutputElement, sibling.VariableHolder.Variables())
	if err != nil {
		return err
	}
	collection, _ := wrapper.VariableHolder.GetVariable(mi.OutputCollection).([]interface{})
	counter, _ := sibling.VariableHolder.GetVariable(loopCounterVariable).(int)
	for len(collection) < counter {
		collection = append(collection, nil)
	}
	if counter >= 1 {
		collection[counter-1] = value
	}
	wrapper.VariableHolder.SetVariable(mi.OutputCollection, collection)
	return nil
}

// completionConditionMet evaluates the configured condition with the
// counters bound alongside the wrapper's variables.
func (engine *Engine) completionConditionMet(state *runtime.MultiInstanceState, wrapper *runtime.Execution) (bool, error) {
	if state.CompletionCondition == "" {
		return false, nil
	}
	variables := wrapper.VariableHolder.Variables()
	variables["nrOfInstances"] = state.NrOfInstances
	variables["nrOfCompletedInstances"] = state.NrOfCompletedInstances
	variables["nrOfActiveInstances"] = state.NrOfActiveInstances
	return engine.evaluateBooleanExpression(state.CompletionCondition, variables)
}

// cancelActiveSiblings cancels the wrapper's still-live children.
func (engine *Engine) cancelActiveSiblings(rc *runContext, wrapper *runtime.Execution, reason string) error {
	children, err := rc.activeChildren(wrapper.Key)
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

// finishMultiInstance completes the wrapper, propagates the output
// collection into the surrounding scope and moves on.
func (engine *Engine) finishMultiInstance(rc *runContext, wrapper *runtime.Execution, node *graph.Node, state *runtime.MultiInstanceState) ([]command, error) {
	if out := node.MultiInstance.OutputCollection; out != "" {
		wrapper.VariableHolder.PropagateVariable(out, wrapper.VariableHolder.GetVariable(out))
	}
	rc.deleteMiState(node.Id)
	rc.completeExecution(wrapper)
	return engine.createNextCommands(rc, wrapper, node)
}
