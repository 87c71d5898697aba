package inmemory

import (
	"context"

	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
	"github.com/flowmill/flowmill/pkg/storage"
)

// batchStmt is one deferred write. validate runs first for every statement
// in the batch; apply runs only when every validation passed, which makes
// Flush all-or-nothing with respect to stale revisions.
type batchStmt struct {
	validate func() error
	apply    func()
}

type StorageBatch struct {
	db        *Storage
	stmtToRun []batchStmt
}

var _ storage.Batch = &StorageBatch{}

// Flush applies the collected statements atomically: the store lock is held
// across validation and application, and a single failed validation leaves
// the store untouched.
func (b *StorageBatch) Flush(ctx context.Context) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, stmt := range b.stmtToRun {
		if stmt.validate == nil {
			continue
		}
		if err := stmt.validate(); err != nil {
			return err
		}
	}
	for _, stmt := range b.stmtToRun {
		stmt.apply()
	}
	b.stmtToRun = b.stmtToRun[:0]
	return nil
}

func (b *StorageBatch) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	b.stmtToRun = append(b.stmtToRun, batchStmt{
		apply: func() { b.db.ProcessDefinitions[definition.Key] = definition },
	})
	return nil
}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	b.stmtToRun = append(b.stmtToRun, batchStmt{
		validate: func() error {
			if stored, ok := b.db.ProcessInstances[processInstance.Key]; ok && stored.Revision != processInstance.Revision {
				return storage.ErrStaleWrite
			}
			return nil
		},
		apply: func() {
			pi := processInstance
			pi.Revision++
			b.db.ProcessInstances[pi.Key] = pi
		},
	})
	return nil
}

func (b *StorageBatch) SaveExecution(ctx context.Context, execution runtime.Execution) error {
	b.stmtToRun = append(b.stmtToRun, batchStmt{
		validate: func() error {
			if stored, ok := b.db.Executions[execution.Key]; ok && stored.Revision != execution.Revision {
				return storage.ErrStaleWrite
			}
			return nil
		},
		apply: func() {
			e := execution
			e.Revision++
			b.db.Executions[e.Key] = e
		},
	})
	return nil
}

func (b *StorageBatch) SaveTask(ctx context.Context, task runtime.Task) error {
	b.stmtToRun = append(b.stmtToRun, batchStmt{
		validate: func() error {
			if stored, ok := b.db.Tasks[task.Key]; ok && stored.Revision != task.Revision {
				return storage.ErrStaleWrite
			}
			return nil
		},
		apply: func() {
			t := task
			t.Revision++
			b.db.Tasks[t.Key] = t
		},
	})
	return nil
}

func (b *StorageBatch) SaveMultiInstanceState(ctx context.Context, state runtime.MultiInstanceState) error {
	key := miKey{state.ProcessInstanceKey, state.ElementId}
	b.stmtToRun = append(b.stmtToRun, batchStmt{
		validate: func() error {
			if stored, ok := b.db.MultiInstanceStates[key]; ok && stored.Revision != state.Revision {
				return storage.ErrStaleWrite
			}
			return nil
		},
		apply: func() {
			s := state
			s.Revision++
			b.db.MultiInstanceStates[key] = s
		},
	})
	return nil
}

func (b *StorageBatch) DeleteMultiInstanceState(ctx context.Context, processInstanceKey int64, elementId string) error {
	b.stmtToRun = append(b.stmtToRun, batchStmt{
		apply: func() { delete(b.db.MultiInstanceStates, miKey{processInstanceKey, elementId}) },
	})
	return nil
}

func (b *StorageBatch) SaveGatewayState(ctx context.Context, state runtime.GatewayState) error {
	key := gwKey{state.ProcessInstanceKey, state.GatewayId}
	b.stmtToRun = append(b.stmtToRun, batchStmt{
		validate: func() error {
			if stored, ok := b.db.GatewayStates[key]; ok && stored.Revision != state.Revision {
				return storage.ErrStaleWrite
			}
			return nil
		},
		apply: func() {
			s := state
			s.Revision++
			b.db.GatewayStates[key] = s
		},
	})
	return nil
}

func (b *StorageBatch) DeleteGatewayState(ctx context.Context, processInstanceKey int64, gatewayId string) error {
	b.stmtToRun = append(b.stmtToRun, batchStmt{
		apply: func() { delete(b.db.GatewayStates, gwKey{processInstanceKey, gatewayId}) },
	})
	return nil
}

func (b *StorageBatch) SaveRejectRecord(ctx context.Context, record runtime.RejectRecord) error {
	b.stmtToRun = append(b.stmtToRun, batchStmt{
		apply: func() { b.db.RejectRecords[record.Key] = record },
	})
	return nil
}

func (b *StorageBatch) SaveTimer(ctx context.Context, timer runtime.Timer) error {
	b.stmtToRun = append(b.stmtToRun, batchStmt{
		apply: func() { b.db.Timers[timer.Key] = timer },
	})
	return nil
}

func (b *StorageBatch) SaveMessageSubscription(ctx context.Context, subscription runtime.MessageSubscription) error {
	b.stmtToRun = append(b.stmtToRun, batchStmt{
		apply: func() { b.db.MessageSubscriptions[subscription.Key] = subscription },
	})
	return nil
}
