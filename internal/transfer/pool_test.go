package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usmc2033/qdrant/internal/cluster"
)

var testTransfer = cluster.ShardTransfer{ShardID: 3, From: 1, To: 2}

func waitForResult(t *testing.T, pool *TasksPool, key cluster.ShardTransferKey) bool {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if result := pool.GetTaskResult(key); result != nil {
			return *result
		}
		select {
		case <-deadline:
			t.Fatal("task did not finish in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPoolTaskSuccess(t *testing.T) {
	pool := NewTasksPool("test", nil)
	finished := make(chan struct{})

	pool.Spawn(testTransfer, func(ctx context.Context) error { return nil },
		func() { close(finished) }, nil)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("onFinish was not called")
	}
	assert.True(t, waitForResult(t, pool, testTransfer.Key()))
	assert.False(t, pool.CheckIfStillRunning(testTransfer.Key()))
	assert.Equal(t, TaskFinished, pool.StopIfExists(testTransfer.Key()))
}

func TestPoolTaskFailure(t *testing.T) {
	pool := NewTasksPool("test", nil)
	failed := make(chan struct{})

	pool.Spawn(testTransfer, func(ctx context.Context) error { return errors.New("boom") },
		nil, func() { close(failed) })

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("onError was not called")
	}
	assert.False(t, waitForResult(t, pool, testTransfer.Key()))
}

func TestPoolStopRunningTask(t *testing.T) {
	pool := NewTasksPool("test", nil)
	started := make(chan struct{})

	pool.Spawn(testTransfer, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil, nil)

	<-started
	require.True(t, pool.CheckIfStillRunning(testTransfer.Key()))

	result := pool.StopIfExists(testTransfer.Key())
	assert.Equal(t, TaskStopped, result)
	assert.False(t, pool.CheckIfStillRunning(testTransfer.Key()))

	// The outcome of the cancelled task stays cached for reporting.
	cached := pool.GetTaskResult(testTransfer.Key())
	require.NotNil(t, cached)
	assert.False(t, *cached)
}

func TestPoolStopUnknownKey(t *testing.T) {
	pool := NewTasksPool("test", nil)
	assert.Equal(t, TaskNotFound, pool.StopIfExists(testTransfer.Key()))
	assert.Nil(t, pool.GetTaskResult(testTransfer.Key()))
}

// TestPoolCancelledTaskSkipsCallbacks verifies a stopped task invokes
// neither completion callback: the stopper owns the aftermath.
func TestPoolCancelledTaskSkipsCallbacks(t *testing.T) {
	pool := NewTasksPool("test", nil)
	started := make(chan struct{})
	callback := make(chan string, 2)

	pool.Spawn(testTransfer, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, func() { callback <- "finish" }, func() { callback <- "error" })

	<-started
	pool.StopIfExists(testTransfer.Key())

	select {
	case name := <-callback:
		t.Fatalf("unexpected %s callback after cancellation", name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCheckConflictsStrict(t *testing.T) {
	existing := []cluster.ShardTransfer{
		{ShardID: 1, From: 1, To: 2},
		{ShardID: 2, From: 3, To: 4},
	}

	tests := []struct {
		name     string
		proposed cluster.ShardTransfer
		conflict bool
	}{
		{
			name:     "different shard is clear",
			proposed: cluster.ShardTransfer{ShardID: 3, From: 1, To: 2},
			conflict: false,
		},
		{
			name:     "same shard shared source",
			proposed: cluster.ShardTransfer{ShardID: 1, From: 1, To: 5},
			conflict: true,
		},
		{
			name:     "same shard shared destination",
			proposed: cluster.ShardTransfer{ShardID: 1, From: 5, To: 2},
			conflict: true,
		},
		{
			name:     "same shard crossed endpoints",
			proposed: cluster.ShardTransfer{ShardID: 1, From: 2, To: 5},
			conflict: true,
		},
		{
			name:     "same shard disjoint peers",
			proposed: cluster.ShardTransfer{ShardID: 1, From: 7, To: 8},
			conflict: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckConflictsStrict(tt.proposed, existing)
			if tt.conflict {
				assert.NotNil(t, got)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}
