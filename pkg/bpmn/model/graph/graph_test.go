package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_builder_wires_flows_to_nodes(t *testing.T) {
	// given / when
	g, err := NewBuilder("order").
		StartEvent("start").
		UserTask("pick").
		EndEvent("end").
		Flow("start", "pick").
		Flow("pick", "end").
		Build()

	// then
	require.NoError(t, err)
	pick := g.Node("pick")
	require.NotNil(t, pick)
	assert.Equal(t, []string{"start-pick"}, pick.Incoming)
	assert.Equal(t, []string{"pick-end"}, pick.Outgoing)
	require.Len(t, g.OutgoingFlows(pick), 1)
	assert.Equal(t, "end", g.OutgoingFlows(pick)[0].TargetRef)
	assert.Len(t, g.StartEvents(), 1)
}

func Test_build_rejects_missing_start_event(t *testing.T) {
	_, err := NewBuilder("broken").
		UserTask("work").
		EndEvent("end").
		Flow("work", "end").
		Build()
	assert.Error(t, err)
}

func Test_build_rejects_duplicate_node_ids(t *testing.T) {
	_, err := NewBuilder("broken").
		StartEvent("a").
		UserTask("a").
		Build()
	assert.Error(t, err)
}

func Test_build_rejects_flow_with_unknown_endpoint(t *testing.T) {
	_, err := NewBuilder("broken").
		StartEvent("start").
		Flow("start", "nowhere").
		Build()
	assert.Error(t, err)
}

func Test_build_rejects_invalid_multi_instance_config(t *testing.T) {
	// neither collection nor cardinality
	_, err := NewBuilder("broken").
		StartEvent("start").
		MultiInstanceUserTask("sign", MultiInstance{}).
		Flow("start", "sign").
		Build()
	assert.Error(t, err)

	// both at once
	_, err = NewBuilder("broken").
		StartEvent("start").
		MultiInstanceUserTask("sign", MultiInstance{CollectionExpression: "=xs", Cardinality: "=3"}).
		Flow("start", "sign").
		Build()
	assert.Error(t, err)
}

func Test_default_flow_must_leave_its_node(t *testing.T) {
	b := NewBuilder("broken").
		StartEvent("start").
		ExclusiveGateway("route").
		EndEvent("end").
		Flow("start", "route").
		Flow("route", "end")
	b.graph.nodes["route"].DefaultFlow = "start-route"
	_, err := b.Build()
	assert.Error(t, err)
}

func Test_backward_reachability_follows_incoming_flows(t *testing.T) {
	// given: start -> a -> b -> c, with d on a dead side branch
	g, err := NewBuilder("chain").
		StartEvent("start").
		UserTask("a").
		UserTask("b").
		UserTask("c").
		UserTask("d").
		EndEvent("end").
		Flow("start", "a").
		Flow("a", "b").
		Flow("b", "c").
		Flow("c", "end").
		Flow("d", "end").
		Build()
	require.NoError(t, err)

	assert.True(t, g.IsReachableBackward("c", "a"))
	assert.True(t, g.IsReachableBackward("c", "start"))
	assert.True(t, g.IsReachableBackward("c", "c"))
	assert.False(t, g.IsReachableBackward("c", "d"))
	assert.False(t, g.IsReachableBackward("a", "c"))
}
