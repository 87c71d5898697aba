package bpmn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/pkg/bpmn/model/graph"
	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
	"github.com/flowmill/flowmill/pkg/storage/inmemory"
)

func signoffGraph(t *testing.T, mi graph.MultiInstance) (*graph.Graph, error) {
	t.Helper()
	return graph.NewBuilder("signoff").
		StartEvent("start").
		MultiInstanceUserTask("sign", mi).
		EndEvent("end").
		Flow("start", "sign").
		Flow("sign", "end").
		Build()
}

func openSignTasks(t *testing.T, store *inmemory.Storage, instanceKey int64) []runtime.Task {
	t.Helper()
	tasks, err := store.FindProcessInstanceTasks(context.Background(), instanceKey,
		runtime.TaskStateCreated, runtime.TaskStateAssigned)
	require.NoError(t, err)
	var open []runtime.Task
	for _, task := range tasks {
		if task.ElementId == "sign" {
			open = append(open, task)
		}
	}
	return open
}

func Test_parallel_multi_instance_spawns_one_sibling_per_item(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	g, err := signoffGraph(t, graph.MultiInstance{
		CollectionExpression: "=signers",
		ElementVariable:      "signer",
	})
	definition := mustRegister(t, engine, g, err)

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, map[string]interface{}{
		"signers": []interface{}{"alice", "bob", "carol"},
	})

	// then
	require.NoError(t, err)
	assert.Len(t, openSignTasks(t, store, instance.Key), 3)

	state, err := store.FindMultiInstanceState(context.Background(), instance.Key, "sign")
	require.NoError(t, err)
	assert.Equal(t, 3, state.NrOfInstances)
	assert.Equal(t, 3, state.NrOfActiveInstances)
	assert.Equal(t, 0, state.NrOfCompletedInstances)
}

func Test_multi_instance_completes_when_every_sibling_completed(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	g, err := signoffGraph(t, graph.MultiInstance{
		CollectionExpression: "=signers",
		ElementVariable:      "signer",
	})
	definition := mustRegister(t, engine, g, err)
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, map[string]interface{}{
		"signers": []interface{}{"alice", "bob"},
	})
	require.NoError(t, err)

	// when
	for _, task := range openSignTasks(t, store, instance.Key) {
		require.NoError(t, engine.CompleteTask(context.Background(), task.Key, task.Assignee, nil))
	}

	// then
	stored, err := store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
	_, err = store.FindMultiInstanceState(context.Background(), instance.Key, "sign")
	assert.Error(t, err, "state must be destroyed with the activity")
}

func Test_completion_condition_cancels_remaining_siblings(t *testing.T) {
	// given: 3 approvals out of 5 suffice
	engine, store := newTestEngine(t)
	g, err := signoffGraph(t, graph.MultiInstance{
		Cardinality:         "=5",
		CompletionCondition: "=nrOfCompletedInstances >= 3",
	})
	definition := mustRegister(t, engine, g, err)
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, nil)
	require.NoError(t, err)
	tasks := openSignTasks(t, store, instance.Key)
	require.Len(t, tasks, 5)

	// when
	for _, task := range tasks[:3] {
		require.NoError(t, engine.CompleteTask(context.Background(), task.Key, "approver", nil))
	}

	// then: the activity finished and the stragglers were cancelled
	stored, err := store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
	for _, task := range tasks[3:] {
		storedTask, err := store.FindTaskByKey(context.Background(), task.Key)
		require.NoError(t, err)
		assert.Equal(t, runtime.TaskStateCancelled, storedTask.State)
	}
}

func Test_sequential_multi_instance_spawns_one_at_a_time(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	g, err := signoffGraph(t, graph.MultiInstance{
		Sequential:           true,
		CollectionExpression: "=signers",
		ElementVariable:      "signer",
	})
	definition := mustRegister(t, engine, g, err)
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, map[string]interface{}{
		"signers": []interface{}{"alice", "bob", "carol"},
	})
	require.NoError(t, err)

	// then: exactly one task open at a time
	for i := 0; i < 3; i++ {
		open := openSignTasks(t, store, instance.Key)
		require.Len(t, open, 1, "iteration %d", i)
		require.NoError(t, engine.CompleteTask(context.Background(), open[0].Key, "signer", nil))
	}

	stored, err := store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
}

func Test_multi_instance_collects_outputs_in_loop_order(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	g, err := graph.NewBuilder("signoff").
		StartEvent("start").
		MultiInstanceUserTask("sign", graph.MultiInstance{
			CollectionExpression: "=signers",
			ElementVariable:      "signer",
			OutputCollection:     "verdicts",
			OutputElement:        "=verdict",
		}).
		UserTask("archive").
		EndEvent("end").
		Flow("start", "sign").
		Flow("sign", "archive").
		Flow("archive", "end").
		Build()
	definition := mustRegister(t, engine, g, err)
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, map[string]interface{}{
		"signers": []interface{}{"alice", "bob"},
	})
	require.NoError(t, err)
	tasks := openSignTasks(t, store, instance.Key)
	require.Len(t, tasks, 2)

	// when: completed in reverse spawn order
	require.NoError(t, engine.CompleteTask(context.Background(), tasks[1].Key, "u", map[string]interface{}{"verdict": "no"}))
	require.NoError(t, engine.CompleteTask(context.Background(), tasks[0].Key, "u", map[string]interface{}{"verdict": "yes"}))

	// then: the follow-up task sees the collection indexed by loop position
	archive := findOpenTask(t, store, instance.Key, "archive")
	assert.Equal(t, []interface{}{"yes", "no"}, archive.Variables["verdicts"])
}

func Test_empty_collection_completes_the_activity_immediately(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	g, err := signoffGraph(t, graph.MultiInstance{
		CollectionExpression: "=signers",
		ElementVariable:      "signer",
	})
	definition := mustRegister(t, engine, g, err)

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, map[string]interface{}{
		"signers": []interface{}{},
	})

	// then
	require.NoError(t, err)
	stored, err := store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
}

func Test_negative_cardinality_fails_the_run(t *testing.T) {
	// given
	engine, _ := newTestEngine(t)
	g, err := signoffGraph(t, graph.MultiInstance{
		Cardinality: "=-1",
	})
	definition := mustRegister(t, engine, g, err)

	// when
	_, err = engine.CreateAndRunInstance(context.Background(), definition.Key, nil)

	// then
	require.Error(t, err)
	assert.ErrorContains(t, err, "cardinality")
}
