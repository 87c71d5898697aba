package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/pkg/bpmn/runtime"
	"github.com/flowmill/flowmill/pkg/storage"
)

func Test_save_bumps_the_revision(t *testing.T) {
	// given
	store := NewStorage()
	ctx := context.Background()
	task := runtime.Task{Key: 1, ProcessInstanceKey: 7, State: runtime.TaskStateCreated}

	// when
	require.NoError(t, store.SaveTask(ctx, task))
	stored, err := store.FindTaskByKey(ctx, 1)

	// then
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Revision)
}

func Test_stale_write_is_rejected(t *testing.T) {
	// given: two readers of the same record
	store := NewStorage()
	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, runtime.Task{Key: 1, State: runtime.TaskStateCreated}))
	first, err := store.FindTaskByKey(ctx, 1)
	require.NoError(t, err)
	second, err := store.FindTaskByKey(ctx, 1)
	require.NoError(t, err)

	// when: the first writer wins
	first.State = runtime.TaskStateAssigned
	require.NoError(t, store.SaveTask(ctx, first))

	// then: the second writer's revision is stale
	second.State = runtime.TaskStateCancelled
	err = store.SaveTask(ctx, second)
	assert.ErrorIs(t, err, storage.ErrStaleWrite)

	stored, err := store.FindTaskByKey(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, runtime.TaskStateAssigned, stored.State)
}

func Test_batch_flush_is_all_or_nothing(t *testing.T) {
	// given: a batch carrying one valid and one stale write
	store := NewStorage()
	ctx := context.Background()
	require.NoError(t, store.SaveExecution(ctx, runtime.Execution{Key: 1, State: runtime.TokenStateActive}))
	require.NoError(t, store.SaveExecution(ctx, runtime.Execution{Key: 2, State: runtime.TokenStateActive}))
	fresh, err := store.FindExecutionByKey(ctx, 1)
	require.NoError(t, err)
	stale, err := store.FindExecutionByKey(ctx, 2)
	require.NoError(t, err)

	// when: record 2 changes underneath the batch
	conflicting := stale
	conflicting.State = runtime.TokenStateWaiting
	require.NoError(t, store.SaveExecution(ctx, conflicting))

	batch := store.NewBatch()
	fresh.State = runtime.TokenStateCompleted
	require.NoError(t, batch.SaveExecution(ctx, fresh))
	stale.State = runtime.TokenStateCancelled
	require.NoError(t, batch.SaveExecution(ctx, stale))
	err = batch.Flush(ctx)

	// then: nothing from the batch landed
	assert.ErrorIs(t, err, storage.ErrStaleWrite)
	one, err := store.FindExecutionByKey(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, runtime.TokenStateActive, one.State)
	two, err := store.FindExecutionByKey(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, runtime.TokenStateWaiting, two.State)
}

func Test_find_returns_not_found(t *testing.T) {
	store := NewStorage()
	_, err := store.FindTaskByKey(context.Background(), 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.FindProcessInstanceByKey(context.Background(), 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.FindGatewayState(context.Background(), 404, "g")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func Test_instance_queries_filter_and_sort(t *testing.T) {
	// given
	store := NewStorage()
	ctx := context.Background()
	for i, state := range []runtime.TaskState{runtime.TaskStateCreated, runtime.TaskStateCompleted, runtime.TaskStateAssigned} {
		require.NoError(t, store.SaveTask(ctx, runtime.Task{Key: int64(i + 1), ProcessInstanceKey: 7, State: state}))
	}
	require.NoError(t, store.SaveTask(ctx, runtime.Task{Key: 9, ProcessInstanceKey: 8, State: runtime.TaskStateCreated}))

	// when
	open, err := store.FindProcessInstanceTasks(ctx, 7, runtime.TaskStateCreated, runtime.TaskStateAssigned)

	// then
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, int64(1), open[0].Key)
	assert.Equal(t, int64(3), open[1].Key)
}

func Test_timers_due_before_a_deadline(t *testing.T) {
	// given
	store := NewStorage()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.SaveTimer(ctx, runtime.Timer{Key: 1, State: runtime.TimerStateCreated, DueAt: now.Add(time.Minute)}))
	require.NoError(t, store.SaveTimer(ctx, runtime.Timer{Key: 2, State: runtime.TimerStateCreated, DueAt: now.Add(time.Hour)}))
	require.NoError(t, store.SaveTimer(ctx, runtime.Timer{Key: 3, State: runtime.TimerStateTriggered, DueAt: now.Add(time.Minute)}))

	// when
	due, err := store.FindTimersTo(ctx, now.Add(10*time.Minute))

	// then: only the created timer inside the window
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].Key)
}
