// Package xsignal provides small wake/cancellation primitives shared by the
// congestion controller and the transmitter's sender loop.
package xsignal

import "sync"

// Notifier is a level-triggered wake signal: each call to Wait returns a
// channel that is closed by the next call to Signal. It lets a waiter block
// on "has anything changed since I last checked" without the signaller
// needing to know who, or how many, are waiting.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewNotifier returns a ready-to-use Notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{})}
}

// Wait returns a channel that closes the next time Signal is called.
func (n *Notifier) Wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

// Signal wakes every channel handed out by Wait since the last Signal.
func (n *Notifier) Signal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}
