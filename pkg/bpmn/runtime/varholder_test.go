package runtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_child_reads_fall_back_to_ancestors(t *testing.T) {
	// given
	root := NewVariableHolder(nil, map[string]interface{}{"region": "eu", "limit": 100})
	mid := NewVariableHolder(&root, map[string]interface{}{"limit": 10})
	leaf := NewVariableHolder(&mid, nil)

	// then: nearest ancestor holding the key wins
	assert.Equal(t, 10, leaf.GetVariable("limit"))
	assert.Equal(t, "eu", leaf.GetVariable("region"))
	assert.Nil(t, leaf.GetVariable("missing"))
}

func Test_child_writes_never_mutate_the_parent(t *testing.T) {
	// given
	root := NewVariableHolder(nil, map[string]interface{}{"limit": 100})
	child := NewVariableHolder(&root, nil)

	// when
	child.SetVariable("limit", 5)

	// then
	assert.Equal(t, 5, child.GetVariable("limit"))
	assert.Equal(t, 100, root.GetVariable("limit"))
}

func Test_propagate_writes_into_the_parent_scope(t *testing.T) {
	// given
	root := NewVariableHolder(nil, nil)
	child := NewVariableHolder(&root, nil)

	// when
	child.PropagateVariables(map[string]interface{}{"approved": true})

	// then
	assert.Equal(t, true, root.GetVariable("approved"))
	assert.Nil(t, child.LocalVariables()["approved"])
}

func Test_variables_returns_a_merged_copy(t *testing.T) {
	// given
	root := NewVariableHolder(nil, map[string]interface{}{"a": 1})
	child := NewVariableHolder(&root, map[string]interface{}{"b": 2})

	// when
	merged := child.Variables()
	merged["a"] = 99

	// then: mutating the copy touches neither scope
	assert.Equal(t, 1, root.GetVariable("a"))
	assert.Equal(t, map[string]interface{}{"b": 2}, child.LocalVariables())
}

func Test_serialization_keeps_only_the_local_layer(t *testing.T) {
	// given
	root := NewVariableHolder(nil, map[string]interface{}{"shared": "x"})
	child := NewVariableHolder(&root, map[string]interface{}{"own": "y"})

	// when
	data, err := json.Marshal(child)
	require.NoError(t, err)
	var restored VariableHolder
	require.NoError(t, json.Unmarshal(data, &restored))

	// then: the parent link is gone until SetParent relinks it
	assert.Equal(t, "y", restored.GetVariable("own"))
	assert.Nil(t, restored.GetVariable("shared"))

	restored.SetParent(&root)
	assert.Equal(t, "x", restored.GetVariable("shared"))
}
