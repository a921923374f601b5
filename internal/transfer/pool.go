package transfer

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/usmc2033/qdrant/internal/cluster"
)

// TaskResult is the answer of TasksPool.StopIfExists.
type TaskResult int

const (
	// TaskNotFound: no task is tracked under the key; a task that was
	// already stopped is no longer tracked.
	TaskNotFound TaskResult = iota
	// TaskStopped: the task was cancelled, or had already ended in failure.
	TaskStopped
	// TaskFinished: the task had already completed successfully.
	TaskFinished
)

// IsFinished reports whether the task completed successfully.
func (r TaskResult) IsFinished() bool { return r == TaskFinished }

// Task is one running transfer. Cancellation is cooperative: the driver
// observes its context.
type Task struct {
	cancel  context.CancelFunc
	done    chan struct{}
	success bool
}

// TasksPool tracks the running transfer tasks of one collection and caches
// their outcomes after they are gone, keyed by ShardTransferKey.
type TasksPool struct {
	collection string
	mu         sync.Mutex
	tasks      map[cluster.ShardTransferKey]*Task
	results    map[cluster.ShardTransferKey]bool
	running    prometheus.Gauge
}

// NewTasksPool builds a pool for the named collection, registering its
// running-transfers gauge with reg (a private registry when nil).
func NewTasksPool(collection string, reg prometheus.Registerer) *TasksPool {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &TasksPool{
		collection: collection,
		tasks:      make(map[cluster.ShardTransferKey]*Task),
		results:    make(map[cluster.ShardTransferKey]bool),
		running: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace:   "qdrant",
			Name:        "shard_transfers_running",
			Help:        "Current number of running shard transfer tasks of the collection",
			ConstLabels: prometheus.Labels{"collection": collection},
		}),
	}
}

// Spawn starts driver as the transfer's background task. When the driver
// completes on its own, exactly one of onFinish/onError runs; a cancelled
// task invokes neither, since its stopper handles the aftermath.
func (p *TasksPool) Spawn(t cluster.ShardTransfer, driver func(ctx context.Context) error, onFinish, onError func()) {
	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	p.tasks[t.Key()] = task
	delete(p.results, t.Key())
	p.running.Inc()
	p.mu.Unlock()

	go func() {
		err := driver(ctx)

		p.mu.Lock()
		task.success = err == nil
		p.results[t.Key()] = task.success
		p.running.Dec()
		close(task.done)
		p.mu.Unlock()

		entry := log.WithFields(log.Fields{"collection": p.collection, "transfer": t.Key().String()})
		switch {
		case ctx.Err() != nil:
			entry.Debug("Transfer task cancelled")
		case err != nil:
			entry.WithError(err).Warn("Transfer task failed")
			if onError != nil {
				onError()
			}
		default:
			entry.Info("Transfer task finished")
			if onFinish != nil {
				onFinish()
			}
		}
	}()
}

// StopIfExists cancels the task under key if one is tracked and waits for it
// to unwind. After return the task is no longer polled; its outcome, if any,
// stays cached for later reporting.
func (p *TasksPool) StopIfExists(key cluster.ShardTransferKey) TaskResult {
	p.mu.Lock()
	task, ok := p.tasks[key]
	if ok {
		delete(p.tasks, key)
	}
	p.mu.Unlock()

	if !ok {
		return TaskNotFound
	}

	select {
	case <-task.done:
		// Already unwound: report how it ended.
		if task.success {
			return TaskFinished
		}
		return TaskStopped
	default:
	}

	task.cancel()
	<-task.done
	if task.success {
		return TaskFinished
	}
	return TaskStopped
}

// GetTaskResult returns the cached outcome of the transfer under key, nil
// when it never ran or is still running.
func (p *TasksPool) GetTaskResult(key cluster.ShardTransferKey) *bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if task, ok := p.tasks[key]; ok {
		select {
		case <-task.done:
			out := task.success
			return &out
		default:
			return nil
		}
	}
	if result, ok := p.results[key]; ok {
		out := result
		return &out
	}
	return nil
}

// CheckIfStillRunning reports whether a task under key is currently running.
func (p *TasksPool) CheckIfStillRunning(key cluster.ShardTransferKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[key]
	if !ok {
		return false
	}
	select {
	case <-task.done:
		return false
	default:
		return true
	}
}
