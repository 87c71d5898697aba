package storage

import (
	"context"
	"errors"
	"time"

	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
)

// ErrNotFound is returned by the Find* methods that are expected to return
// exactly one match when the result does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleWrite is returned by a Save* method when the record's stored
// revision no longer matches the revision carried by the value being written.
// The caller re-reads and retries; the write was a true no-op.
var ErrStaleWrite = errors.New("stale write")

// Storage is the durable-store contract the engine runs against. Records
// carry a Revision that Save* must match (optimistic concurrency); writes
// that should commit together go through a Batch.
type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	ExecutionStorageReader
	ExecutionStorageWriter
	TaskStorageReader
	TaskStorageWriter
	MultiInstanceStorageReader
	MultiInstanceStorageWriter
	GatewayStateStorageReader
	GatewayStateStorageWriter
	RejectRecordStorageReader
	RejectRecordStorageWriter
	TimerStorageReader
	TimerStorageWriter
	MessageStorageReader
	MessageStorageWriter

	NewBatch() Batch
}

// Batch collects writes and applies them atomically on Flush: either every
// statement commits or none does.
type Batch interface {
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageWriter
	ExecutionStorageWriter
	TaskStorageWriter
	MultiInstanceStorageWriter
	GatewayStateStorageWriter
	RejectRecordStorageWriter
	TimerStorageWriter
	MessageStorageWriter

	// Flush applies the batch to the storage and prepares the batch for new
	// statements.
	Flush(ctx context.Context) error
}

type ProcessDefinitionStorageReader interface {
	FindLatestProcessDefinitionById(ctx context.Context, processId string) (runtime.ProcessDefinition, error)

	FindProcessDefinitionByKey(ctx context.Context, definitionKey int64) (runtime.ProcessDefinition, error)

	// FindProcessDefinitionsById returns zero or many registered definitions
	// with the given id, ordered by version from 1 (first) to latest (last).
	FindProcessDefinitionsById(ctx context.Context, processId string) ([]runtime.ProcessDefinition, error)
}

type ProcessDefinitionStorageWriter interface {
	SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error
}

type ExecutionStorageReader interface {
	FindExecutionByKey(ctx context.Context, executionKey int64) (runtime.Execution, error)

	// FindProcessInstanceExecutions returns every execution of the instance,
	// terminal ones included.
	FindProcessInstanceExecutions(ctx context.Context, processInstanceKey int64) ([]runtime.Execution, error)

	// FindActiveChildExecutions returns the ACTIVE and WAITING children of the
	// given parent execution.
	FindActiveChildExecutions(ctx context.Context, parentKey int64) ([]runtime.Execution, error)
}

type ExecutionStorageWriter interface {
	SaveExecution(ctx context.Context, execution runtime.Execution) error
}

type TaskStorageReader interface {
	FindTaskByKey(ctx context.Context, taskKey int64) (runtime.Task, error)

	FindTaskByExecutionKey(ctx context.Context, executionKey int64) (runtime.Task, error)

	// FindProcessInstanceTasks returns every task of the instance, filtered by
	// state when states are given.
	FindProcessInstanceTasks(ctx context.Context, processInstanceKey int64, states ...runtime.TaskState) ([]runtime.Task, error)
}

type TaskStorageWriter interface {
	SaveTask(ctx context.Context, task runtime.Task) error
}

type MultiInstanceStorageReader interface {
	FindMultiInstanceState(ctx context.Context, processInstanceKey int64, elementId string) (runtime.MultiInstanceState, error)
}

type MultiInstanceStorageWriter interface {
	SaveMultiInstanceState(ctx context.Context, state runtime.MultiInstanceState) error

	DeleteMultiInstanceState(ctx context.Context, processInstanceKey int64, elementId string) error
}

type GatewayStateStorageReader interface {
	FindGatewayState(ctx context.Context, processInstanceKey int64, gatewayId string) (runtime.GatewayState, error)
}

type GatewayStateStorageWriter interface {
	SaveGatewayState(ctx context.Context, state runtime.GatewayState) error

	DeleteGatewayState(ctx context.Context, processInstanceKey int64, gatewayId string) error
}

type RejectRecordStorageReader interface {
	FindRejectRecordByKey(ctx context.Context, recordKey int64) (runtime.RejectRecord, error)

	// FindProcessInstanceRejectRecords returns the instance's reject records
	// in creation order.
	FindProcessInstanceRejectRecords(ctx context.Context, processInstanceKey int64) ([]runtime.RejectRecord, error)
}

type RejectRecordStorageWriter interface {
	// SaveRejectRecord appends a record; reject records are never mutated.
	SaveRejectRecord(ctx context.Context, record runtime.RejectRecord) error
}

type TimerStorageReader interface {
	FindTimerByKey(ctx context.Context, timerKey int64) (runtime.Timer, error)

	// FindTimersTo returns timers in CREATED state due before end.
	FindTimersTo(ctx context.Context, end time.Time) ([]runtime.Timer, error)

	FindProcessInstanceTimers(ctx context.Context, processInstanceKey int64, state runtime.TimerState) ([]runtime.Timer, error)
}

type TimerStorageWriter interface {
	SaveTimer(ctx context.Context, timer runtime.Timer) error
}

type MessageStorageReader interface {
	FindProcessInstanceMessageSubscriptions(ctx context.Context, processInstanceKey int64, state runtime.TokenState) ([]runtime.MessageSubscription, error)

	// FindMessageSubscriptionsByName returns subscriptions waiting on the
	// given topic name, across instances.
	FindMessageSubscriptionsByName(ctx context.Context, name string, state runtime.TokenState) ([]runtime.MessageSubscription, error)
}

type MessageStorageWriter interface {
	SaveMessageSubscription(ctx context.Context, subscription runtime.MessageSubscription) error
}
