package tapcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// fakeHost is an in-memory Host. It counts live resources, records the order
// of every call, can fail any operation on demand and drives the I/O callback
// from its own goroutine like a real audio thread would.
type fakeHost struct {
	mu sync.Mutex

	endpoints  []Endpoint
	defaultUID string
	queryErr   error

	fail     map[string]error
	failOnce map[string]bool
	after    map[string]func()

	nextID ObjectID
	live   map[string]int
	calls  []string
	counts map[string]int

	// feed is called on the device goroutine to produce one block; nil means idle
	feed   func(seq int) []byte
	blocks int // 0 = until stopped

	devices map[ObjectID]*fakeDevice

	callbackDuringDestroy atomic.Bool

	// channels limits SupportsChannels; nil accepts every count
	channels []int
}

type fakeDevice struct {
	callbacks IOCallbacks
	proc      IOProcID

	stop     chan struct{}
	stopOnce sync.Once
	lose     chan error
	finished chan struct{}
	wg       sync.WaitGroup

	inCallback atomic.Int32
}

var (
	speakers = Endpoint{ID: 10, Name: "Speakers", UID: "speakers-uid", IsOutput: true}
	hdmi     = Endpoint{ID: 11, Name: "HDMI Output", UID: "hdmi-uid", IsOutput: true}
	mic      = Endpoint{ID: 12, Name: "Microphone", UID: "mic-uid", IsInput: true}
	combined = Endpoint{ID: 13, Name: "Combined", UID: "combined-uid", IsOutput: true, IsAggregate: true}
)

func newFakeHost() *fakeHost {
	return &fakeHost{
		endpoints:  []Endpoint{speakers, hdmi, mic, combined},
		defaultUID: speakers.UID,
		fail:       map[string]error{},
		failOnce:   map[string]bool{},
		after:      map[string]func(){},
		nextID:     100,
		live:       map[string]int{},
		counts:     map[string]int{},
		devices:    map[ObjectID]*fakeDevice{},
	}
}

// failWith makes op return err every time.
func (h *fakeHost) failWith(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail[op] = err
}

// enter records a call and returns the injected error, if any. Callers hold h.mu.
func (h *fakeHost) enter(op string) error {
	h.calls = append(h.calls, op)
	h.counts[op]++
	return h.fail[op]
}

func (h *fakeHost) runAfter(op string) {
	h.mu.Lock()
	fn := h.after[op]
	h.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (h *fakeHost) liveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	for _, n := range h.live {
		total += n
	}
	return total
}

func (h *fakeHost) callLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.calls...)
}

func (h *fakeHost) count(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.counts[op]
}

func (h *fakeHost) SupportsChannels(channels int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels == nil {
		return true
	}
	for _, c := range h.channels {
		if c == channels {
			return true
		}
	}
	return false
}

func (h *fakeHost) Endpoints() ([]Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.queryErr != nil {
		return nil, h.queryErr
	}
	return append([]Endpoint(nil), h.endpoints...), nil
}

func (h *fakeHost) DefaultOutputUID() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.queryErr != nil {
		return "", h.queryErr
	}
	return h.defaultUID, nil
}

func (h *fakeHost) CreateTap(sink Endpoint) (ObjectID, error) {
	h.mu.Lock()
	if err := h.enter("CreateTap"); err != nil {
		h.mu.Unlock()
		return 0, err
	}
	h.nextID++
	id := h.nextID
	h.live["tap"]++
	h.mu.Unlock()

	h.runAfter("CreateTap")
	return id, nil
}

func (h *fakeHost) DestroyTap(tap ObjectID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.enter("DestroyTap")
	h.live["tap"]--
	return err
}

func (h *fakeHost) CreateAggregateDevice(tap ObjectID, format StreamFormat, frameSize int) (ObjectID, error) {
	h.mu.Lock()
	if err := h.enter("CreateAggregateDevice"); err != nil {
		h.mu.Unlock()
		return 0, err
	}
	h.nextID++
	id := h.nextID
	h.live["aggregate"]++
	h.devices[id] = &fakeDevice{}
	h.mu.Unlock()

	h.runAfter("CreateAggregateDevice")
	return id, nil
}

func (h *fakeHost) DestroyAggregateDevice(device ObjectID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.enter("DestroyAggregateDevice")
	h.live["aggregate"]--
	delete(h.devices, device)
	return err
}

func (h *fakeHost) CreateIOProc(device ObjectID, callbacks IOCallbacks) (IOProcID, error) {
	h.mu.Lock()
	if err := h.enter("CreateIOProc"); err != nil {
		h.mu.Unlock()
		return 0, err
	}
	h.nextID++
	dev := h.devices[device]
	dev.callbacks = callbacks
	dev.proc = IOProcID(h.nextID)
	h.live["ioproc"]++
	h.mu.Unlock()

	h.runAfter("CreateIOProc")
	return dev.proc, nil
}

func (h *fakeHost) DestroyIOProc(device ObjectID, proc IOProcID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.enter("DestroyIOProc")
	if dev := h.devices[device]; dev != nil && dev.inCallback.Load() != 0 {
		h.callbackDuringDestroy.Store(true)
	}
	h.live["ioproc"]--
	return err
}

func (h *fakeHost) StartDevice(device ObjectID, proc IOProcID) error {
	h.mu.Lock()
	if err := h.enter("StartDevice"); err != nil {
		h.mu.Unlock()
		return err
	}
	dev := h.devices[device]
	dev.stop = make(chan struct{})
	dev.lose = make(chan error, 1)
	dev.finished = make(chan struct{})
	feed, blocks := h.feed, h.blocks
	h.live["running"]++
	h.mu.Unlock()

	dev.wg.Add(1)
	go dev.run(feed, blocks)

	return nil
}

func (h *fakeHost) StopDevice(device ObjectID, proc IOProcID) error {
	h.mu.Lock()
	err := h.enter("StopDevice")
	dev := h.devices[device]
	h.live["running"]--
	h.mu.Unlock()

	if dev != nil {
		dev.stopOnce.Do(func() { close(dev.stop) })
		dev.wg.Wait()
	}
	return err
}

func (h *fakeHost) Close() error {
	return nil
}

// device returns the single running device, if any.
func (h *fakeHost) device() *fakeDevice {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, dev := range h.devices {
		if dev.stop != nil {
			return dev
		}
	}
	return nil
}

// loseDevice makes the running device report itself lost from its own goroutine.
func (h *fakeHost) loseDevice(cause error) {
	if dev := h.device(); dev != nil {
		dev.lose <- cause
	}
}

func (d *fakeDevice) run(feed func(seq int) []byte, blocks int) {
	defer d.wg.Done()
	defer close(d.finished)

	for seq := 0; blocks == 0 || seq < blocks; seq++ {
		select {
		case <-d.stop:
			return
		case cause := <-d.lose:
			d.callbacks.Lost(cause)
			return
		default:
		}

		if feed == nil {
			runtime.Gosched()
			continue
		}

		d.inCallback.Add(1)
		d.callbacks.Data(feed(seq))
		d.inCallback.Add(-1)

		if seq%16 == 0 {
			runtime.Gosched()
		}
	}

	// idle until stopped so the lifecycle matches a real device
	select {
	case <-d.stop:
	case cause := <-d.lose:
		d.callbacks.Lost(cause)
	}
}

// counterFeed produces blocks of little-endian uint32 words counting up across blocks.
func counterFeed(wordsPerBlock int) func(seq int) []byte {
	block := make([]byte, wordsPerBlock*4)
	return func(seq int) []byte {
		base := uint32(seq * wordsPerBlock)
		for i := 0; i < wordsPerBlock; i++ {
			binary.LittleEndian.PutUint32(block[i*4:], base+uint32(i))
		}
		return block
	}
}

var errInjected = errors.New("injected failure")

func injected(status Status) error {
	return fmt.Errorf("%w: %w", errInjected, status)
}
