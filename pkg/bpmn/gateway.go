package bpmn

import (
	"errors"
	"slices"

	"github.com/flowmill/flowmill/pkg/bpmn/model/graph"
	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
)

// handleExclusiveGateway takes exactly one outgoing flow: the first one in
// declaration order whose condition is true, the default flow when no
// condition matches, or an error when neither exists. Unconditional flows
// other than the default are treated as always true.
func (engine *Engine) handleExclusiveGateway(rc *runContext, token *runtime.Execution, node *graph.Node) ([]command, error) {
	chosen, err := engine.selectExclusiveFlow(rc, token, node)
	if err != nil {
		return nil, err
	}
	rc.completeExecution(token)
	return []command{flowTransitionCommand{
		sourceNodeId:   node.Id,
		sequenceFlowId: chosen.Id,
		scopeParentKey: token.ParentKey,
		joinGroupId:    token.JoinGroupId,
	}}, nil
}

func (engine *Engine) selectExclusiveFlow(rc *runContext, token *runtime.Execution, node *graph.Node) (*graph.SequenceFlow, error) {
	variables := token.VariableHolder.Variables()
	for _, flow := range rc.graph().OutgoingFlows(node) {
		if flow.Id == node.DefaultFlow {
			continue
		}
		if flow.Condition == "" {
			return flow, nil
		}
		match, err := engine.evaluateBooleanExpression(flow.Condition, variables)
		if err != nil {
			return nil, err
		}
		if match {
			return flow, nil
		}
	}
	if def := rc.graph().DefaultFlow(node); def != nil {
		return def, nil
	}
	return nil, errors.Join(newEngineErrorf("exclusive gateway %s", node.Id), ErrNoMatchingFlow)
}

// handleParallelGateway joins when the node has multiple incoming flows and
// forks over every outgoing flow afterwards. The join expects one arrival
// per incoming flow; a second token through the same flow waits without
// advancing the count.
func (engine *Engine) handleParallelGateway(rc *runContext, token *runtime.Execution, node *graph.Node, arrivedFlowId string) ([]command, error) {
	if len(node.Incoming) > 1 {
		done, err := engine.joinArrival(rc, token, node, arrivedFlowId, len(node.Incoming))
		if err != nil || !done {
			return nil, err
		}
	} else {
		rc.completeExecution(token)
	}
	return engine.forkAll(rc, token, node), nil
}

// handleInclusiveGateway is the conditional sibling of the parallel
// gateway. The fork activates every flow whose condition holds and records
// the activated set; the matching join, found through the token's join
// group, waits for exactly that many arrivals.
func (engine *Engine) handleInclusiveGateway(rc *runContext, token *runtime.Execution, node *graph.Node, arrivedFlowId string) ([]command, error) {
	if len(node.Incoming) > 1 {
		expected, err := engine.inclusiveJoinExpectation(rc, token, node)
		if err != nil {
			return nil, err
		}
		done, err := engine.joinArrival(rc, token, node, arrivedFlowId, expected)
		if err != nil || !done {
			return nil, err
		}
		if token.JoinGroupId != "" {
			rc.deleteGatewayState(token.JoinGroupId)
			token.JoinGroupId = ""
		}
	} else {
		rc.completeExecution(token)
	}
	return engine.inclusiveFork(rc, token, node)
}

// inclusiveJoinExpectation resolves how many arrivals the join must see.
// The activated set recorded by the fork is authoritative; without a fork
// record (the join was entered from outside any fork region) every incoming
// flow is expected.
func (engine *Engine) inclusiveJoinExpectation(rc *runContext, token *runtime.Execution, node *graph.Node) (int, error) {
	if token.JoinGroupId == "" {
		return len(node.Incoming), nil
	}
	forkState, err := rc.gatewayState(token.JoinGroupId)
	if err != nil {
		return 0, err
	}
	if len(forkState.ActivatedFlowIds) == 0 {
		return len(node.Incoming), nil
	}
	return len(forkState.ActivatedFlowIds), nil
}

// joinArrival records the token at the join arena. It returns true when the
// expected number of distinct arrivals is reached; the token then carries
// control onward and every waiting sibling is completed.
func (engine *Engine) joinArrival(rc *runContext, token *runtime.Execution, node *graph.Node, arrivedFlowId string, expected int) (bool, error) {
	state, err := rc.gatewayState(node.Id)
	if err != nil {
		return false, err
	}
	if !state.Arrived(arrivedFlowId) {
		state.ArrivedFlowIds = append(state.ArrivedFlowIds, arrivedFlowId)
	}
	if len(state.ArrivedFlowIds) < expected {
		token.State = runtime.TokenStateWaiting
		if !slices.Contains(state.WaitingExecutionKeys, token.Key) {
			state.WaitingExecutionKeys = append(state.WaitingExecutionKeys, token.Key)
		}
		return false, nil
	}
	for _, key := range state.WaitingExecutionKeys {
		waiting, err := rc.execution(key)
		if err != nil {
			return false, err
		}
		rc.completeExecution(waiting)
	}
	rc.completeExecution(token)
	rc.deleteGatewayState(node.Id)
	return true, nil
}

// forkAll emits a transition for every outgoing flow.
func (engine *Engine) forkAll(rc *runContext, token *runtime.Execution, node *graph.Node) []command {
	flows := rc.graph().OutgoingFlows(node)
	cmds := make([]command, 0, len(flows))
	for _, flow := range flows {
		cmds = append(cmds, flowTransitionCommand{
			sourceNodeId:   node.Id,
			sequenceFlowId: flow.Id,
			scopeParentKey: token.ParentKey,
			joinGroupId:    token.JoinGroupId,
		})
	}
	return cmds
}

// inclusiveFork activates the conditional subset of outgoing flows. With a
// single outgoing flow the gateway degenerates to a pass-through and no
// fork record is kept.
func (engine *Engine) inclusiveFork(rc *runContext, token *runtime.Execution, node *graph.Node) ([]command, error) {
	flows := rc.graph().OutgoingFlows(node)
	if len(flows) == 1 {
		return []command{flowTransitionCommand{
			sourceNodeId:   node.Id,
			sequenceFlowId: flows[0].Id,
			scopeParentKey: token.ParentKey,
			joinGroupId:    token.JoinGroupId,
		}}, nil
	}

	variables := token.VariableHolder.Variables()
	var activated []*graph.SequenceFlow
	for _, flow := range flows {
		if flow.Id == node.DefaultFlow {
			continue
		}
		if flow.Condition == "" {
			activated = append(activated, flow)
			continue
		}
		match, err := engine.evaluateBooleanExpression(flow.Condition, variables)
		if err != nil {
			return nil, err
		}
		if match {
			activated = append(activated, flow)
		}
	}
	if len(activated) == 0 {
		if def := rc.graph().DefaultFlow(node); def != nil {
			activated = append(activated, def)
		} else {
			return nil, errors.Join(newEngineErrorf("inclusive gateway %s", node.Id), ErrNoBranchActivated)
		}
	}

	state, err := rc.gatewayState(node.Id)
	if err != nil {
		return nil, err
	}
	state.ActivatedFlowIds = state.ActivatedFlowIds[:0]
	for _, flow := range activated {
		state.ActivatedFlowIds = append(state.ActivatedFlowIds, flow.Id)
	}

	cmds := make([]command, 0, len(activated))
	for _, flow := range activated {
		cmds = append(cmds, flowTransitionCommand{
			sourceNodeId:   node.Id,
			sequenceFlowId: flow.Id,
			scopeParentKey: token.ParentKey,
			joinGroupId:    node.Id,
		})
	}
	return cmds, nil
}
