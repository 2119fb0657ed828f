package mqttpool

import (
	"sync"
	"time"
)

// topicWaiter is a broadcast-channel replacement for the condition-variable
// wait/notify pattern wotpy's asyncio.Condition gives per topic. Go's
// sync.Cond has no timeout support, so Wait selects on either the channel
// closing (a Broadcast happened) or a timer, and Broadcast closes the
// current channel and installs a fresh one under lock so a late subscriber
// always waits on a channel that hasn't fired yet.
type topicWaiter struct {
	mu sync.Mutex
	ch chan struct{}
}

func newTopicWaiter() *topicWaiter {
	return &topicWaiter{ch: make(chan struct{})}
}

// Wait blocks until the next Broadcast or until timeout elapses, whichever
// comes first. Returns true if woken by Broadcast, false on timeout.
func (w *topicWaiter) Wait(timeout time.Duration) bool {
	w.mu.Lock()
	ch := w.ch
	w.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Broadcast wakes every current waiter and prepares a fresh channel for the
// next wait cycle.
func (w *topicWaiter) Broadcast() {
	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.ch)
	w.ch = make(chan struct{})
}
