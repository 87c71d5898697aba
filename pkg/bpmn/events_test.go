package bpmn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/pkg/bpmn/model/graph"
	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
	"github.com/flowmill/flowmill/pkg/eventbus"
	"github.com/flowmill/flowmill/pkg/script/js"
	"github.com/flowmill/flowmill/pkg/storage/inmemory"
)

func Test_timer_event_parks_and_fire_resumes(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	g, err := graph.NewBuilder("delayed").
		StartEvent("start").
		IntermediateCatchEvent("cooldown", graph.EventDefinition{Kind: graph.EventKindTimer, Duration: "10m"}).
		EndEvent("end").
		Flow("start", "cooldown").
		Flow("cooldown", "end").
		Build()
	definition := mustRegister(t, engine, g, err)
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, nil)
	require.NoError(t, err)

	timers, err := store.FindTimersTo(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, runtime.TimerStateCreated, timers[0].State)

	stored, err := store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateRunning, stored.State)

	// when
	require.NoError(t, engine.FireTimer(context.Background(), timers[0].Key))

	// then
	stored, err = store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)

	// duplicate delivery is absorbed
	require.NoError(t, engine.FireTimer(context.Background(), timers[0].Key))
}

func Test_message_correlation_resumes_the_waiting_token(t *testing.T) {
	// given
	engine, store := newTestEngine(t)
	g, err := graph.NewBuilder("await-payment").
		StartEvent("start").
		IntermediateCatchEvent("payment-received", graph.EventDefinition{Kind: graph.EventKindMessage, Name: "payment"}).
		EndEvent("end").
		Flow("start", "payment-received").
		Flow("payment-received", "end").
		Build()
	definition := mustRegister(t, engine, g, err)
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, nil)
	require.NoError(t, err)

	// when
	err = engine.PublishMessage(context.Background(), "payment", instance.Key, map[string]interface{}{"amount": 99})

	// then
	require.NoError(t, err)
	stored, err := store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
}

func Test_message_without_subscription_is_an_error(t *testing.T) {
	// given
	engine, _ := newTestEngine(t)
	g, err := graph.NewBuilder("plain").
		StartEvent("start").
		UserTask("work").
		EndEvent("end").
		Flow("start", "work").
		Flow("work", "end").
		Build()
	definition := mustRegister(t, engine, g, err)
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, nil)
	require.NoError(t, err)

	// when
	err = engine.PublishMessage(context.Background(), "payment", instance.Key, nil)

	// then
	assert.Error(t, err)
}

func Test_signal_on_the_bus_wakes_waiting_instances(t *testing.T) {
	// given
	store := inmemory.NewStorage()
	bus := eventbus.NewInMemoryBus()
	engine := NewEngine(
		EngineWithStorage(store),
		EngineWithEvaluator(js.NewJsRuntime(context.Background(), 4, 1)),
		EngineWithEventBus(bus),
	)
	g, err := graph.NewBuilder("await-go").
		StartEvent("start").
		IntermediateCatchEvent("wait-go", graph.EventDefinition{Kind: graph.EventKindSignal, Name: "go"}).
		EndEvent("end").
		Flow("start", "wait-go").
		Flow("wait-go", "end").
		Build()
	definition := mustRegister(t, engine, g, err)
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, nil)
	require.NoError(t, err)

	// when
	bus.Publish(TopicSignalBroadcast, map[string]any{"name": "go"})

	// then
	stored, err := store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
}

func Test_task_creation_is_published_on_the_bus(t *testing.T) {
	// given
	store := inmemory.NewStorage()
	bus := eventbus.NewInMemoryBus()
	engine := NewEngine(
		EngineWithStorage(store),
		EngineWithEvaluator(js.NewJsRuntime(context.Background(), 4, 1)),
		EngineWithEventBus(bus),
	)
	var published []map[string]any
	bus.Subscribe(TopicTaskCreated, func(payload map[string]any) {
		published = append(published, payload)
	})
	g, err := graph.NewBuilder("approval").
		StartEvent("start").
		UserTask("approve").
		EndEvent("end").
		Flow("start", "approve").
		Flow("approve", "end").
		Build()
	definition := mustRegister(t, engine, g, err)

	// when
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, nil)

	// then
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, "approve", published[0]["elementId"])
	assert.Equal(t, instance.Key, published[0]["processInstanceKey"])
}

func Test_broadcast_resumes_every_wait_of_one_instance(t *testing.T) {
	// given: two tokens of the same instance waiting on one signal name
	engine, store := newTestEngine(t)
	g, err := graph.NewBuilder("double-wait").
		StartEvent("start").
		ParallelGateway("fork").
		IntermediateCatchEvent("wait-a", graph.EventDefinition{Kind: graph.EventKindSignal, Name: "go"}).
		IntermediateCatchEvent("wait-b", graph.EventDefinition{Kind: graph.EventKindSignal, Name: "go"}).
		ParallelGateway("join").
		EndEvent("end").
		Flow("start", "fork").
		Flow("fork", "wait-a").
		Flow("fork", "wait-b").
		Flow("wait-a", "join").
		Flow("wait-b", "join").
		Flow("join", "end").
		Build()
	definition := mustRegister(t, engine, g, err)
	instance, err := engine.CreateAndRunInstance(context.Background(), definition.Key, nil)
	require.NoError(t, err)

	// when
	err = engine.BroadcastSignal(context.Background(), "go", nil)

	// then: both tokens resumed and the broadcast reports success
	require.NoError(t, err)
	stored, err := store.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
}
