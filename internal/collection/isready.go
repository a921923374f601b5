package collection

import (
	"sync"
	"time"
)

// IsReady is a one-shot latch: it flips from unset to set exactly once and
// never resets. Waiters can poll, block with a timeout, or select on the
// channel.
type IsReady struct {
	once sync.Once
	ch   chan struct{}
}

// NewIsReady returns an unset latch.
func NewIsReady() *IsReady {
	return &IsReady{ch: make(chan struct{})}
}

// MakeReady sets the latch, releasing every waiter. Idempotent.
func (r *IsReady) MakeReady() {
	r.once.Do(func() { close(r.ch) })
}

// CheckReady reports whether the latch is set.
func (r *IsReady) CheckReady() bool {
	select {
	case <-r.ch:
		return true
	default:
		return false
	}
}

// AwaitReadyForTimeout blocks until the latch is set or the timeout elapses,
// returning whether it is set.
func (r *IsReady) AwaitReadyForTimeout(timeout time.Duration) bool {
	select {
	case <-r.ch:
		return true
	case <-time.After(timeout):
		return r.CheckReady()
	}
}

// Ready exposes the latch channel for select-based waiting.
func (r *IsReady) Ready() <-chan struct{} {
	return r.ch
}
