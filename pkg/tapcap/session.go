package tapcap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/tapcap/pkg/tapcap/ringbuf"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateUninitialized State = iota
	StateTapCreated
	StateAggregateCreated
	StateCallbackRegistered
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateTapCreated:
		return "tap created"
	case StateAggregateCreated:
		return "aggregate created"
	case StateCallbackRegistered:
		return "callback registered"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stage names the forward transition that failed in a ResourceError.
type Stage int

const (
	StageCreateTap Stage = iota
	StageCreateAggregate
	StageRegisterCallback
	StageStartDevice
)

func (s Stage) String() string {
	switch s {
	case StageCreateTap:
		return "create tap"
	case StageCreateAggregate:
		return "create aggregate device"
	case StageRegisterCallback:
		return "register io callback"
	case StageStartDevice:
		return "start device"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Stats are running counters of a Session. They are safe to read at any time.
type Stats struct {
	Callbacks     uint64 `json:"callbacks"`
	BytesCaptured uint64 `json:"bytes_captured"`
	BytesDropped  uint64 `json:"bytes_dropped"`
	Overruns      uint64 `json:"overruns"`
	Buffered      int    `json:"buffered"`
}

type release struct {
	name string
	fn   func() error
}

// Session captures one output endpoint through a tap, an aggregate device and
// an I/O callback, and hands the audio to a consumer through a ring buffer.
//
// Exactly one goroutine may consume (Wait, Read, Drain). Start and Stop may be
// called from anywhere.
type Session struct {
	logger *zap.SugaredLogger
	host   Host
	dir    *Directory
	cfg    Config
	format StreamFormat

	buf  *ringbuf.Buffer
	wake *wakeup

	mu       sync.Mutex
	state    State
	sink     Endpoint
	releases []release
	startErr error

	accepting atomic.Bool
	inflight  atomic.Int64
	callbacks atomic.Uint64
	captured  atomic.Uint64
	lost      atomic.Pointer[lostError]

	lastOverruns uint64
}

// NewSession validates cfg and prepares a session. Nothing is acquired from
// the host until Start.
func NewSession(host Host, logger *zap.SugaredLogger, cfg Config) (*Session, error) {
	logger = logger.Named("session")

	if err := cfg.Validate(); err != nil {
		logger.Warnw("Rejected capture configuration", "error", err)
		return nil, err
	}

	if fc, ok := host.(FormatChecker); ok && !fc.SupportsChannels(cfg.Channels) {
		cerr := &ConfigError{}
		cerr.add("channels", "not supported by this audio host", cfg.Channels)

		logger.Warnw("Rejected capture configuration", "error", cerr)
		return nil, cerr
	}

	format := Float32Format(cfg.SampleRate, cfg.Channels)

	s := &Session{
		logger: logger,
		host:   host,
		dir:    NewDirectory(host, logger),
		cfg:    cfg,
		format: format,
		buf:    ringbuf.New(cfg.bufferFrames() * format.BytesPerFrame()),
		wake:   newWakeup(),
	}

	logger.Debugw("Created capture session",
		"sink", cfg.Sink,
		"format", format.String(),
		"frameSize", cfg.FrameSize,
		"ringBytes", s.buf.Cap())

	return s, nil
}

// Open creates a session and starts it.
func Open(ctx context.Context, host Host, logger *zap.SugaredLogger, cfg Config) (*Session, error) {
	s, err := NewSession(host, logger, cfg)
	if err != nil {
		return nil, err
	}

	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Sink returns the endpoint being captured. It is zero before Start resolves it.
func (s *Session) Sink() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sink
}

// Format returns the PCM layout of the bytes handed to the consumer.
func (s *Session) Format() StreamFormat {
	return s.format
}

// FrameSize returns the number of frames per host period.
func (s *Session) FrameSize() int {
	return s.cfg.FrameSize
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Callbacks:     s.callbacks.Load(),
		BytesCaptured: s.captured.Load(),
		BytesDropped:  s.buf.Dropped(),
		Overruns:      s.buf.Overruns(),
		Buffered:      s.buf.Buffered(),
	}
}

// Start resolves the sink and acquires tap, aggregate device and callback, then
// starts the device. On any failure, including ctx being done between steps,
// everything acquired so far is released in reverse order and the session ends
// up stopped.
func (s *Session) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUninitialized:
	case StateStopped:
		return ErrSessionStopped
	default:
		return ErrAlreadyStarted
	}

	defer func() {
		if err == nil {
			return
		}

		s.logger.Warnw("Failed to start capture session, unwinding", "state", s.state, "error", err)

		if uerr := s.unwind(); uerr != nil {
			s.logger.Warnw("Errors while unwinding capture session", "error", uerr)
		}

		s.startErr = err
		s.state = StateStopped
		s.wake.broadcast()
	}()

	sink, err := s.dir.Resolve(s.cfg.Sink)
	if err != nil {
		return fmt.Errorf("resolve sink: %w", err)
	}

	if !sink.IsOutput {
		s.logger.Warnw("Requested sink is not an output", "sink", sink.String())
		return fmt.Errorf("resolve sink %q: not an output: %w", sink.UID, ErrDeviceNotFound)
	}

	s.sink = sink

	s.logger.Debugw("Resolved sink", "sink", sink.String())

	// tap
	if err := ctx.Err(); err != nil {
		return newResourceError(StageCreateTap, err)
	}

	tap, err := s.host.CreateTap(sink)
	if err != nil {
		return newResourceError(StageCreateTap, err)
	}

	s.push("destroy tap", func() error { return s.host.DestroyTap(tap) })
	s.state = StateTapCreated

	// aggregate device
	if err := ctx.Err(); err != nil {
		return newResourceError(StageCreateAggregate, err)
	}

	device, err := s.host.CreateAggregateDevice(tap, s.format, s.cfg.FrameSize)
	if err != nil {
		return newResourceError(StageCreateAggregate, err)
	}

	s.push("destroy aggregate device", func() error { return s.host.DestroyAggregateDevice(device) })
	s.state = StateAggregateCreated

	// io callback
	if err := ctx.Err(); err != nil {
		return newResourceError(StageRegisterCallback, err)
	}

	proc, err := s.host.CreateIOProc(device, IOCallbacks{Data: s.onData, Lost: s.onLost})
	if err != nil {
		return newResourceError(StageRegisterCallback, err)
	}

	s.push("destroy io callback", func() error {
		s.awaitCallbacks()
		return s.host.DestroyIOProc(device, proc)
	})
	s.state = StateCallbackRegistered

	// start
	if err := ctx.Err(); err != nil {
		return newResourceError(StageStartDevice, err)
	}

	s.accepting.Store(true)

	if err := s.host.StartDevice(device, proc); err != nil {
		s.awaitCallbacks()
		return newResourceError(StageStartDevice, err)
	}

	s.push("stop device", func() error {
		s.awaitCallbacks()
		return s.host.StopDevice(device, proc)
	})
	s.state = StateRunning

	s.logger.Infow("Capture session started",
		"sink", sink.Name,
		"uid", sink.UID,
		"format", s.format.String(),
		"frameSize", s.cfg.FrameSize)

	return nil
}

func newResourceError(stage Stage, err error) *ResourceError {
	status := StatusUnspecified

	var st Status
	if errors.As(err, &st) {
		status = st
	}

	return &ResourceError{Stage: stage, Status: status, Err: err}
}

func (s *Session) push(name string, fn func() error) {
	s.releases = append(s.releases, release{name: name, fn: fn})
}

// unwind runs the release stack last-in first-out. Every release runs exactly
// once even when an earlier one fails. Callers hold s.mu.
func (s *Session) unwind() error {
	var errs []error

	for i := len(s.releases) - 1; i >= 0; i-- {
		r := s.releases[i]

		if err := r.fn(); err != nil {
			s.logger.Warnw("Failed to release capture resource", "resource", r.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		} else {
			s.logger.Debugw("Released capture resource", "resource", r.name)
		}
	}

	s.releases = nil

	return errors.Join(errs...)
}

// Stop stops the device, waits for in-flight callbacks and releases everything
// acquired by Start in reverse order. It is safe to call from any state, from
// any goroutine and more than once; only the first call does any work.
// Buffered audio stays readable after Stop.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return nil
	}

	previous := s.state
	err := s.unwind()

	s.state = StateStopped
	s.wake.broadcast()

	if previous != StateUninitialized {
		stats := s.Stats()
		s.logger.Infow("Capture session stopped",
			"from", previous,
			"callbacks", stats.Callbacks,
			"bytesCaptured", stats.BytesCaptured,
			"bytesDropped", stats.BytesDropped)
	}

	if err != nil {
		return fmt.Errorf("release capture resources: %w", err)
	}

	return nil
}

// terminal is the error Wait reports once the session is over and drained.
func (s *Session) terminal() error {
	if lost := s.lost.Load(); lost != nil {
		return lost
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startErr != nil {
		return s.startErr
	}

	return ErrSessionStopped
}

// Wait blocks until audio is buffered (nil), ctx is done (ctx.Err()), or the
// session ended and every buffered byte was read. A clean stop yields
// ErrSessionStopped, a lost device an error matching ErrDeviceLost.
func (s *Session) Wait(ctx context.Context) error {
	for {
		if s.buf.Buffered() > 0 {
			return nil
		}

		if s.wake.closed() {
			// a last block may have landed between the check and the close
			if s.buf.Buffered() > 0 {
				return nil
			}
			return s.terminal()
		}

		select {
		case <-s.wake.ready:
		case <-s.wake.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitTimeout is Wait with a deadline. A non-positive d waits forever.
func (s *Session) WaitTimeout(d time.Duration) error {
	if d <= 0 {
		return s.Wait(context.Background())
	}

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	return s.Wait(ctx)
}

// Read copies buffered audio into p without blocking and returns the number of bytes copied.
func (s *Session) Read(p []byte) int {
	return s.buf.Read(p)
}

// Drain runs the consumer loop: it waits for audio and hands it to fn one
// period at a time until ctx is done, fn fails or the session ends. A clean
// stop returns nil. The slice passed to fn is reused between calls.
func (s *Session) Drain(ctx context.Context, fn func(pcm []byte) error) error {
	chunk := make([]byte, s.cfg.FrameSize*s.format.BytesPerFrame())

	for {
		if err := s.Wait(ctx); err != nil {
			if errors.Is(err, ErrSessionStopped) {
				return nil
			}
			return err
		}

		s.reportOverruns()

		for {
			n := s.buf.Read(chunk)
			if n == 0 {
				break
			}

			if err := fn(chunk[:n]); err != nil {
				return fmt.Errorf("consume captured audio: %w", err)
			}
		}
	}
}

// reportOverruns logs new overrun events from the consumer side, where logging is allowed.
func (s *Session) reportOverruns() {
	overruns := s.buf.Overruns()
	if overruns == s.lastOverruns {
		return
	}

	s.logger.Warnw("Capture ring overflowed, newest audio dropped",
		"error", ErrBufferOverrun,
		"newEvents", overruns-s.lastOverruns,
		"bytesDropped", s.buf.Dropped())

	s.lastOverruns = overruns
}
