package tapcap

import "sync/atomic"

// ObjectID identifies a native audio object (device, tap or aggregate device) on the host.
type ObjectID uint32

// IOProcID identifies a registered I/O callback on a host device.
type IOProcID uint64

// Enumerator is the read-only part of a host: what endpoints exist right now.
type Enumerator interface {
	// Endpoints returns a fresh snapshot of every endpoint the host knows about.
	Endpoints() ([]Endpoint, error)

	// DefaultOutputUID returns the UID of the system default output endpoint.
	DefaultOutputUID() (string, error)
}

// IOCallbacks are invoked by the host. Data runs on the host's audio thread:
// it must not block, allocate or log. The block is only valid for the
// duration of the call. Lost is invoked at most once when a running device
// disappears or fails, from whatever goroutine the host chooses.
type IOCallbacks struct {
	Data func(block []byte)
	Lost func(err error)
}

// Host is the native audio runtime a Session provisions resources from.
// Every Create has a matching Destroy. Errors may wrap a Status.
type Host interface {
	Enumerator

	CreateTap(sink Endpoint) (ObjectID, error)
	DestroyTap(tap ObjectID) error

	CreateAggregateDevice(tap ObjectID, format StreamFormat, frameSize int) (ObjectID, error)
	DestroyAggregateDevice(device ObjectID) error

	CreateIOProc(device ObjectID, callbacks IOCallbacks) (IOProcID, error)
	DestroyIOProc(device ObjectID, proc IOProcID) error

	StartDevice(device ObjectID, proc IOProcID) error
	StopDevice(device ObjectID, proc IOProcID) error

	Close() error
}

// FormatChecker is implemented by hosts that cannot capture every channel
// count Config accepts. NewSession consults it before touching the host.
type FormatChecker interface {
	SupportsChannels(channels int) bool
}

// ioSlot holds the callbacks of a native device. Native devices are created
// before their callback is registered and outlive its removal, so the audio
// thread reads the current callbacks through an atomic pointer.
type ioSlot struct {
	callbacks atomic.Pointer[IOCallbacks]
	lostOnce  atomic.Bool
}

func (s *ioSlot) set(callbacks IOCallbacks) {
	s.callbacks.Store(&callbacks)
}

func (s *ioSlot) clear() {
	s.callbacks.Store(nil)
}

func (s *ioSlot) data(block []byte) {
	if cb := s.callbacks.Load(); cb != nil && cb.Data != nil {
		cb.Data(block)
	}
}

// lost reports device loss at most once per slot.
func (s *ioSlot) lost(err error) {
	cb := s.callbacks.Load()
	if cb == nil || cb.Lost == nil {
		return
	}
	if s.lostOnce.CompareAndSwap(false, true) {
		cb.Lost(err)
	}
}
