package runtime

import "encoding/json"

// VariableHolder is a layered key/value store attached to each token.
// Reads fall back to the nearest ancestor holding the key; writes always go
// to the local layer, so a child scope never mutates its parent.
type VariableHolder struct {
	parent         *VariableHolder
	localVariables map[string]interface{}
}

// NewVariableHolder creates a VariableHolder with the given parent and local
// variables. A nil localVariables map is replaced by an empty one.
func NewVariableHolder(parent *VariableHolder, localVariables map[string]interface{}) VariableHolder {
	if localVariables == nil {
		localVariables = make(map[string]interface{})
	}
	return VariableHolder{
		parent:         parent,
		localVariables: localVariables,
	}
}

func (vh *VariableHolder) Parent() *VariableHolder {
	return vh.parent
}

// SetParent relinks the holder into a scope chain. Needed after loading a
// persisted execution, whose parent pointer does not survive serialization.
func (vh *VariableHolder) SetParent(parent *VariableHolder) {
	vh.parent = parent
}

func (vh *VariableHolder) LocalVariables() map[string]interface{} {
	return vh.localVariables
}

// GetVariable reads a key from the local layer, falling back to the nearest
// ancestor holding it. Returns nil when no layer holds the key.
func (vh *VariableHolder) GetVariable(key string) interface{} {
	if v, ok := vh.localVariables[key]; ok {
		return v
	}
	if vh.parent != nil {
		return vh.parent.GetVariable(key)
	}
	return nil
}

// SetVariable writes a key into the local layer only.
func (vh *VariableHolder) SetVariable(key string, val interface{}) {
	if vh.localVariables == nil {
		vh.localVariables = make(map[string]interface{})
	}
	vh.localVariables[key] = val
}

// SetVariables writes every entry of the given map into the local layer.
func (vh *VariableHolder) SetVariables(variables map[string]interface{}) {
	for k, v := range variables {
		vh.SetVariable(k, v)
	}
}

func (vh *VariableHolder) DeleteVariable(key string) {
	delete(vh.localVariables, key)
}

// Variables returns the merged view of the whole scope chain, with local
// layers shadowing ancestors. The result is a copy; mutating it does not
// write through.
func (vh *VariableHolder) Variables() map[string]interface{} {
	var merged map[string]interface{}
	if vh.parent != nil {
		merged = vh.parent.Variables()
	} else {
		merged = make(map[string]interface{})
	}
	for k, v := range vh.localVariables {
		merged[k] = v
	}
	return merged
}

// PropagateVariable writes a key into the parent scope, if any.
func (vh *VariableHolder) PropagateVariable(key string, value interface{}) {
	if vh.parent != nil {
		vh.parent.SetVariable(key, value)
	}
}

// PropagateVariables writes every entry of the given map into the parent scope.
func (vh *VariableHolder) PropagateVariables(variables map[string]interface{}) {
	if vh.parent != nil {
		for k, v := range variables {
			vh.parent.SetVariable(k, v)
		}
	}
}

// Only the local layer is serialized; the parent link is rebuilt by the
// owner of the scope chain after loading.
func (vh VariableHolder) MarshalJSON() ([]byte, error) {
	return json.Marshal(vh.localVariables)
}

func (vh *VariableHolder) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &vh.localVariables)
}
