package runtime

import (
	"time"

	"github.com/flowmill/flowmill/pkg/bpmn/model/graph"
)

// ProcessDefinition is an immutable, versioned compiled process graph.
type ProcessDefinition struct {
	Id      string       // the ID as defined in the source model
	Version int32        // default=1, incremented when another process with the same Id is loaded
	Key     int64        // the engine's key for this Id with Version
	Graph   *graph.Graph // compiled content
}

// InstanceState is the lifecycle state of a ProcessInstance.
type InstanceState string

const (
	InstanceStateRunning    InstanceState = "RUNNING"
	InstanceStateSuspended  InstanceState = "SUSPENDED"
	InstanceStateCompleted  InstanceState = "COMPLETED"
	InstanceStateTerminated InstanceState = "TERMINATED"
)

type ProcessInstance struct {
	Definition     *ProcessDefinition `json:"-"`
	DefinitionKey  int64              `json:"dk"`
	Key            int64              `json:"k"`
	BusinessKey    string             `json:"bk,omitempty"`
	TenantId       string             `json:"t,omitempty"`
	State          InstanceState      `json:"s"`
	VariableHolder VariableHolder     `json:"vh,omitempty"`
	CreatedAt      time.Time          `json:"c"`
	StartedBy      string             `json:"sb,omitempty"`
	Revision       int64              `json:"r"`
}

func (pi *ProcessInstance) GetState() InstanceState {
	return pi.State
}

func (pi *ProcessInstance) GetVariable(key string) interface{} {
	return pi.VariableHolder.GetVariable(key)
}

func (pi *ProcessInstance) SetVariable(key string, value interface{}) {
	pi.VariableHolder.SetVariable(key, value)
}

// TokenState is the lifecycle state of an Execution.
type TokenState string

const (
	TokenStateActive    TokenState = "ACTIVE"
	TokenStateWaiting   TokenState = "WAITING"
	TokenStateCompleted TokenState = "COMPLETED"
	TokenStateCancelled TokenState = "CANCELLED"
)

// Execution is a token: a live position of control flow within a process
// instance. Every non-root execution has exactly one parent that is ACTIVE
// or WAITING at the time of creation.
type Execution struct {
	Key                int64          `json:"k"`
	ProcessInstanceKey int64          `json:"pik"`
	ParentKey          int64          `json:"pk"` // 0 only for the instance root
	ElementId          string         `json:"e"`
	State              TokenState     `json:"s"`
	ScopeRoot          bool           `json:"sr"` // instance root, sub-process root, multi-instance sibling
	JoinGroupId        string         `json:"jg,omitempty"` // inclusive fork the token descends from, empty outside a fork region
	VariableHolder     VariableHolder `json:"vh,omitempty"`
	CancelReason       string         `json:"cr,omitempty"`
	CreatedAt          time.Time      `json:"c"`
	Revision           int64          `json:"r"`
}

// IsTerminal reports whether the token reached a final state.
func (e *Execution) IsTerminal() bool {
	return e.State == TokenStateCompleted || e.State == TokenStateCancelled
}

// IsLive reports whether the token can still be advanced.
func (e *Execution) IsLive() bool {
	return e.State == TokenStateActive || e.State == TokenStateWaiting
}

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskStateCreated    TaskState = "CREATED"
	TaskStateAssigned   TaskState = "ASSIGNED"
	TaskStateUnassigned TaskState = "UNASSIGNED"
	TaskStateCompleted  TaskState = "COMPLETED"
	TaskStateCancelled  TaskState = "CANCELLED"
)

// Task is a human work item bound 1:1 to an Execution at a user-task node.
// Completing or cancelling a task drives its execution to COMPLETED or
// CANCELLED, which is the only path back into the engine.
type Task struct {
	Key                int64                  `json:"k"`
	ExecutionKey       int64                  `json:"ek"`
	ProcessInstanceKey int64                  `json:"pik"`
	ElementId          string                 `json:"e"`
	Assignee           string                 `json:"a,omitempty"`
	State              TaskState              `json:"s"`
	FormKey            string                 `json:"fk,omitempty"`
	Variables          map[string]interface{} `json:"v,omitempty"`
	CreatedAt          time.Time              `json:"c"`
	Revision           int64                  `json:"r"`
}

// IsTerminal reports whether the task reached a final state.
func (t *Task) IsTerminal() bool {
	return t.State == TaskStateCompleted || t.State == TaskStateCancelled
}

// Resubmittable reports whether the task may still be acted on by a resubmit.
func (t *Task) Resubmittable() bool {
	return t.State == TaskStateCreated || t.State == TaskStateAssigned
}

// MultiInstanceState tracks the counters of one activated multi-instance
// node, keyed by (ProcessInstanceKey, ElementId). It exists from first
// activation until the activity as a whole completes, cancels or rejects.
type MultiInstanceState struct {
	ProcessInstanceKey     int64                `json:"pik"`
	ElementId              string               `json:"e"`
	NrOfInstances          int                  `json:"n"`
	NrOfActiveInstances    int                  `json:"na"`
	NrOfCompletedInstances int                  `json:"nc"`
	NrOfRejectedInstances  int                  `json:"nr"`
	Sequential             bool                 `json:"seq"`
	CompletionCondition    string               `json:"cc,omitempty"`
	RejectStrategy         graph.RejectStrategy `json:"rs,omitempty"`
	RemainingItems         []interface{}        `json:"ri,omitempty"` // sequential mode: items not yet spawned
	PendingRejectTarget    string               `json:"prt,omitempty"` // deferred reject: node to return to once pending reaches zero
	NextLoopCounter        int                  `json:"nlc"`
	Revision               int64                `json:"r"`
}

// PendingCount is the number of siblings that are neither completed nor
// rejected yet.
func (mi *MultiInstanceState) PendingCount() int {
	return mi.NrOfInstances - mi.NrOfCompletedInstances - mi.NrOfRejectedInstances
}

// RejectRecordType distinguishes the two audit record kinds.
type RejectRecordType string

const (
	RejectRecordTypeReject   RejectRecordType = "REJECT"
	RejectRecordTypeResubmit RejectRecordType = "RESUBMIT"
)

// RejectRecord is an append-only audit/decision artifact. A REJECT record
// drives the engine to re-open the target node; the matching RESUBMIT record
// references it through OriginKey.
type RejectRecord struct {
	Key                int64            `json:"k"`
	TaskKey            int64            `json:"tk"`
	ProcessInstanceKey int64            `json:"pik"`
	Type               RejectRecordType `json:"t"`
	TargetElementId    string           `json:"te"`
	Reason             string           `json:"re,omitempty"`
	ActorId            string           `json:"a,omitempty"`
	OriginKey          int64            `json:"ok,omitempty"`
	CreatedAt          time.Time        `json:"c"`
}

// GatewayState is the join arena of one gateway, keyed by
// (ProcessInstanceKey, GatewayId). For inclusive gateways the fork records
// ActivatedFlowIds here and the join waits for exactly that set. The record
// shares the transactional lifecycle of the instance's executions and is
// removed when the join fires or the instance terminates.
type GatewayState struct {
	ProcessInstanceKey   int64    `json:"pik"`
	GatewayId            string   `json:"g"`
	ArrivedFlowIds       []string `json:"af,omitempty"`
	ActivatedFlowIds     []string `json:"ac,omitempty"`
	WaitingExecutionKeys []int64  `json:"wk,omitempty"`
	Revision             int64    `json:"r"`
}

// Arrived reports whether a token already arrived through the given flow.
func (gs *GatewayState) Arrived(flowId string) bool {
	for _, id := range gs.ArrivedFlowIds {
		if id == flowId {
			return true
		}
	}
	return false
}

// TimerState is the lifecycle state of a Timer.
type TimerState string

const (
	TimerStateCreated   TimerState = "CREATED"
	TimerStateTriggered TimerState = "TRIGGERED"
	TimerStateCancelled TimerState = "CANCELLED"
)

// Timer is created when a token reaches a timer intermediate catch event.
// CreatedAt + Duration = DueAt; the external scheduler fires it at-or-after
// DueAt.
type Timer struct {
	Key                int64         `json:"k"`
	ElementId          string        `json:"e"`
	ExecutionKey       int64         `json:"ek"`
	ProcessInstanceKey int64         `json:"pik"`
	State              TimerState    `json:"s"`
	CreatedAt          time.Time     `json:"c"`
	DueAt              time.Time     `json:"d"`
	Duration           time.Duration `json:"du"`
}

// MessageSubscription is created when a token waits at a message or signal
// intermediate catch event, correlated by topic name and instance key.
type MessageSubscription struct {
	Key                int64      `json:"k"`
	ElementId          string     `json:"e"`
	ExecutionKey       int64      `json:"ek"`
	ProcessInstanceKey int64      `json:"pik"`
	Name               string     `json:"n"`
	State              TokenState `json:"s"`
	CreatedAt          time.Time  `json:"c"`
}
