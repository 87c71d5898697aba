package bpmn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/pkg/bpmn/model/graph"
	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
	"github.com/flowmill/flowmill/pkg/storage"
)

func exclusiveRoutingGraph(t *testing.T) (*graph.Graph, error) {
	t.Helper()
	return graph.NewBuilder("routing").
		StartEvent("start").
		ExclusiveGateway("route").
		EndEvent("high").
		EndEvent("low").
		Flow("start", "route").
		ConditionalFlow("route", "high", "=amount > 100").
		DefaultFlow("route", "low").
		Build()
}

func Test_exclusive_gateway_takes_first_matching_flow(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	g, err := exclusiveRoutingGraph(t)
	definition := mustRegister(t, engine, g, err)

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, map[string]interface{}{"amount": 250})

	// then
	require.NoError(t, err)
	executions, err := store.FindProcessInstanceExecutions(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.True(t, hasExecutionAt(executions, "high"))
	assert.False(t, hasExecutionAt(executions, "low"))
}

func Test_exclusive_gateway_falls_back_to_default_flow(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	g, err := exclusiveRoutingGraph(t)
	definition := mustRegister(t, engine, g, err)

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, map[string]interface{}{"amount": 10})

	// then
	require.NoError(t, err)
	executions, err := store.FindProcessInstanceExecutions(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.True(t, hasExecutionAt(executions, "low"))
	assert.False(t, hasExecutionAt(executions, "high"))
}

func Test_exclusive_gateway_without_matching_flow_fails(t *testing.T) {
	// given
	engine, _ := newTestEngine(t)
	g, err := graph.NewBuilder("routing").
		StartEvent("start").
		ExclusiveGateway("route").
		EndEvent("high").
		Flow("start", "route").
		ConditionalFlow("route", "high", "=amount > 100").
		Build()
	definition := mustRegister(t, engine, g, err)

	// when
	_, err = engine.CreateAndRunInstance(context.Background(), definition.Key, map[string]interface{}{"amount": 10})

	// then
	assert.ErrorIs(t, err, ErrNoMatchingFlow)
}

func parallelGraph(t *testing.T) (*graph.Graph, error) {
	t.Helper()
	return graph.NewBuilder("parallel").
		StartEvent("start").
		ParallelGateway("fork").
		UserTask("task-a").
		UserTask("task-b").
		ParallelGateway("join").
		EndEvent("end").
		Flow("start", "fork").
		Flow("fork", "task-a").
		Flow("fork", "task-b").
		Flow("task-a", "join").
		Flow("task-b", "join").
		Flow("join", "end").
		Build()
}

func Test_parallel_join_waits_for_every_incoming_flow(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	g, err := parallelGraph(t)
	definition := mustRegister(t, engine, g, err)
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, nil)
	require.NoError(t, err)

	taskA := findOpenTask(t, store, instance.Key, "task-a")
	taskB := findOpenTask(t, store, instance.Key, "task-b")

	// when: only one branch finished
	require.NoError(t, engine.CompleteTask(context.Background(), taskA.Key, "alice", nil))

	// then: the join holds and the instance keeps running
	stored, err := store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateRunning, stored.State)
	state, err := store.FindGatewayState(context.Background(), instance.Key, "join")
	require.NoError(t, err)
	assert.Len(t, state.ArrivedFlowIds, 1)

	// when: the second branch finishes
	require.NoError(t, engine.CompleteTask(context.Background(), taskB.Key, "bob", nil))

	// then: the join fired, its arena is gone, the instance completed
	stored, err = store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
	_, err = store.FindGatewayState(context.Background(), instance.Key, "join")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func Test_parallel_join_is_order_independent(t *testing.T) {
	for _, order := range [][]string{{"task-a", "task-b"}, {"task-b", "task-a"}} {
		// given
		engine, store := newTestEngine(t)
		g, err := parallelGraph(t)
	definition := mustRegister(t, engine, g, err)
		instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, nil)
		require.NoError(t, err)

		// when
		for _, elementId := range order {
			task := findOpenTask(t, store, instance.Key, elementId)
			require.NoError(t, engine.CompleteTask(context.Background(), task.Key, "alice", nil))
		}

		// then
		stored, err := store.FindProcessInstanceByKey(context.Background(), instance.Key)
		require.NoError(t, err)
		assert.Equal(t, runtime.InstanceStateCompleted, stored.State, "completion order %v", order)
	}
}

func inclusiveGraph(t *testing.T) (*graph.Graph, error) {
	t.Helper()
	return graph.NewBuilder("inclusive").
		StartEvent("start").
		InclusiveGateway("fork").
		UserTask("review-legal").
		UserTask("review-finance").
		UserTask("review-tech").
		InclusiveGateway("join").
		EndEvent("end").
		Flow("start", "fork").
		ConditionalFlow("fork", "review-legal", "=needsLegal").
		ConditionalFlow("fork", "review-finance", "=needsFinance").
		ConditionalFlow("fork", "review-tech", "=needsTech").
		Flow("review-legal", "join").
		Flow("review-finance", "join").
		Flow("review-tech", "join").
		Flow("join", "end").
		Build()
}

func Test_inclusive_join_waits_only_for_activated_branches(t *testing.T) {
	// given: two of three branches activate
	engine, store := newTestEngine(t)
	g, err := inclusiveGraph(t)
	definition := mustRegister(t, engine, g, err)
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, map[string]interface{}{
		"needsLegal":   true,
		"needsFinance": true,
		"needsTech":    false,
	})
	require.NoError(t, err)

	legal := findOpenTask(t, store, instance.Key, "review-legal")
	finance := findOpenTask(t, store, instance.Key, "review-finance")

	// when: the first activated branch arrives at the join
	require.NoError(t, engine.CompleteTask(context.Background(), legal.Key, "alice", nil))

	// then: it waits, because finance is still out
	stored, err := store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateRunning, stored.State)

	// when: the second activated branch arrives
	require.NoError(t, engine.CompleteTask(context.Background(), finance.Key, "bob", nil))

	// then: the join fires without waiting for the third static edge
	stored, err = store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
}

func Test_inclusive_fork_single_branch_passes_straight_through(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	g, err := inclusiveGraph(t)
	definition := mustRegister(t, engine, g, err)
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, map[string]interface{}{
		"needsLegal":   true,
		"needsFinance": false,
		"needsTech":    false,
	})
	require.NoError(t, err)

	legal := findOpenTask(t, store, instance.Key, "review-legal")

	// when
	require.NoError(t, engine.CompleteTask(context.Background(), legal.Key, "alice", nil))

	// then
	stored, err := store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
}

func Test_inclusive_fork_with_no_activated_branch_fails(t *testing.T) {
	// given
	engine, _ := newTestEngine(t)
	g, err := inclusiveGraph(t)
	definition := mustRegister(t, engine, g, err)

	// when
	_, err = engine.CreateAndRunInstance(context.Background(), definition.Key, map[string]interface{}{
		"needsLegal":   false,
		"needsFinance": false,
		"needsTech":    false,
	})

	// then
	assert.ErrorIs(t, err, ErrNoBranchActivated)
}
