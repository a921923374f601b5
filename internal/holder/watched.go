package holder

import (
	"sync"
	"time"

	"github.com/usmc2033/qdrant/internal/cluster"
)

// WatchedTransfers is the registry of in-flight shard transfers: a
// mutex-guarded set plus a broadcast channel replaced on every change, so
// readers get cheap snapshots and watchers can block until a predicate holds.
type WatchedTransfers struct {
	mu        sync.Mutex
	transfers []cluster.ShardTransfer
	// changed is closed and replaced on every mutation; watchers select on
	// the channel they captured alongside their snapshot.
	changed chan struct{}
}

// NewWatchedTransfers returns an empty registry.
func NewWatchedTransfers() *WatchedTransfers {
	return &WatchedTransfers{changed: make(chan struct{})}
}

// Snapshot returns a copy of the current transfer set.
func (w *WatchedTransfers) Snapshot() []cluster.ShardTransfer {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]cluster.ShardTransfer, len(w.transfers))
	copy(out, w.transfers)
	return out
}

// Len returns the number of registered transfers.
func (w *WatchedTransfers) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.transfers)
}

// Insert registers a transfer. Returns false without change when a transfer
// with the same key is already registered.
func (w *WatchedTransfers) Insert(t cluster.ShardTransfer) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, existing := range w.transfers {
		if existing.Key() == t.Key() {
			return false
		}
	}
	w.transfers = append(w.transfers, t)
	w.notifyLocked()
	return true
}

// Remove deregisters the transfer with the given key. Returns whether the
// set changed.
func (w *WatchedTransfers) Remove(key cluster.ShardTransferKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, existing := range w.transfers {
		if existing.Key() == key {
			w.transfers = append(w.transfers[:i], w.transfers[i+1:]...)
			w.notifyLocked()
			return true
		}
	}
	return false
}

func (w *WatchedTransfers) notifyLocked() {
	close(w.changed)
	w.changed = make(chan struct{})
}

// WaitFor blocks until pred holds over a snapshot of the set or the timeout
// elapses, returning whether the predicate was satisfied. The predicate is
// evaluated immediately and then once per change.
func (w *WatchedTransfers) WaitFor(pred func([]cluster.ShardTransfer) bool, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		w.mu.Lock()
		snapshot := make([]cluster.ShardTransfer, len(w.transfers))
		copy(snapshot, w.transfers)
		changed := w.changed
		w.mu.Unlock()

		if pred(snapshot) {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}
