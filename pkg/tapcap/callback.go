package tapcap

import (
	"runtime"
	"time"
)

// onData is installed as the host I/O callback. It runs on the audio thread,
// so it only touches atomics, the ring and the wakeup channel.
func (s *Session) onData(block []byte) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	// pairs with the Store(false) + inflight check in awaitCallbacks
	if !s.accepting.Load() {
		return
	}

	s.callbacks.Add(1)
	s.captured.Add(uint64(len(block)))

	s.buf.Write(block)
	s.wake.notify()
}

// onLost is called by the host when the running device goes away.
// Teardown happens on a fresh goroutine, never on the host's thread.
func (s *Session) onLost(cause error) {
	s.lost.CompareAndSwap(nil, &lostError{cause: cause})
	s.accepting.Store(false)
	s.wake.broadcast()

	go func() {
		s.logger.Warnw("Capture device lost, tearing down", "error", cause)

		if err := s.Stop(); err != nil {
			s.logger.Warnw("Failed to release resources after device loss", "error", err)
		}
	}()
}

// awaitCallbacks closes the gate and returns once no callback is inside onData.
func (s *Session) awaitCallbacks() {
	s.accepting.Store(false)

	for spins := 0; s.inflight.Load() != 0; spins++ {
		if spins < 100 {
			runtime.Gosched()
		} else {
			time.Sleep(50 * time.Microsecond)
		}
	}
}
