package bpmn

type command interface {
}

// ---------------------------------------------------------------------

// flowTransitionCommand moves control along one sequence flow: a fresh token
// is created at the flow's target, under the scope of the token that just
// completed at the source.
type flowTransitionCommand struct {
	sourceNodeId   string
	sequenceFlowId string
	scopeParentKey int64
	joinGroupId    string // fork gateway id propagated to the matching join
}

// ---------------------------------------------------------------------

// activityCommand executes the node the given token currently sits on.
type activityCommand struct {
	executionKey  int64
	arrivedFlowId string // the flow the token entered through; joins count it
	miSibling     bool   // token is a multi-instance sibling running the inner activity
}

// ---------------------------------------------------------------------

type errorCommand struct {
	err       error
	elementId string
}
