package tapcap

import "sync"

// wakeup connects the producer callback with the consumer.
//
// notify is safe on the audio thread: a non-blocking send into a channel of
// size one never blocks or allocates, and a pending token already covers
// any number of later notifications. The consumer always re-checks the ring
// after waking, so stale tokens only cost a spurious wake.
//
// broadcast closes done once, which releases every current and future waiter.
type wakeup struct {
	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newWakeup() *wakeup {
	return &wakeup{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (w *wakeup) notify() {
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

func (w *wakeup) broadcast() {
	w.once.Do(func() {
		close(w.done)
	})
}

func (w *wakeup) closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}
