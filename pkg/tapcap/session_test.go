package tapcap

import (
	"context"
	"encoding/binary"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FrameSize = 64
	cfg.BufferFrames = 1024
	return cfg
}

func newTestSession(t *testing.T, host *fakeHost, cfg Config) *Session {
	t.Helper()

	s, err := NewSession(host, zaptest.NewLogger(t).Sugar(), cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	host := newFakeHost()

	cfg := testConfig()
	cfg.Channels = 3
	cfg.SampleRate = 0

	_, err := NewSession(host, zaptest.NewLogger(t).Sugar(), cfg)
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}

	var cerr *ConfigError
	if !errors.As(err, &cerr) || len(cerr.Errors) != 2 {
		t.Fatalf("expected two field errors, got %v", err)
	}
	if len(host.callLog()) != 0 {
		t.Fatalf("host was touched: %v", host.callLog())
	}
}

func TestNewSessionRejectsUnsupportedChannelsBeforeTouchingHost(t *testing.T) {
	host := newFakeHost()
	host.channels = []int{1, 2}

	for _, channels := range []int{6, 8} {
		cfg := testConfig()
		cfg.Channels = channels

		_, err := NewSession(host, zaptest.NewLogger(t).Sugar(), cfg)

		var cerr *ConfigError
		if !errors.As(err, &cerr) || !errors.Is(err, ErrInvalidConfiguration) {
			t.Fatalf("%d channels: expected *ConfigError, got %v", channels, err)
		}
		if len(cerr.Errors) != 1 || cerr.Errors[0].Field != "channels" {
			t.Fatalf("%d channels: unexpected field errors %+v", channels, cerr.Errors)
		}
	}

	if len(host.callLog()) != 0 {
		t.Fatalf("host was touched: %v", host.callLog())
	}

	cfg := testConfig()
	cfg.Channels = 2
	if _, err := NewSession(host, zaptest.NewLogger(t).Sugar(), cfg); err != nil {
		t.Fatalf("stereo should be accepted: %v", err)
	}
}

func TestStartAndStopReleasesInReverseOrder(t *testing.T) {
	host := newFakeHost()
	s := newTestSession(t, host, testConfig())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("state = %s, want running", s.State())
	}
	if s.Sink().UID != speakers.UID {
		t.Fatalf("empty sink should resolve to the default output, got %s", s.Sink().UID)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{
		"CreateTap", "CreateAggregateDevice", "CreateIOProc", "StartDevice",
		"StopDevice", "DestroyIOProc", "DestroyAggregateDevice", "DestroyTap",
	}
	if got := host.callLog(); !reflect.DeepEqual(got, want) {
		t.Fatalf("call order:\n got %v\nwant %v", got, want)
	}
	if n := host.liveCount(); n != 0 {
		t.Fatalf("%d resources leaked", n)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}
}

func TestStartFailureAtEveryStageUnwinds(t *testing.T) {
	tests := []struct {
		failOp      string
		stage       Stage
		status      Status
		wantDestroy []string
	}{
		{"CreateTap", StageCreateTap, StatusBadDevice, nil},
		{"CreateAggregateDevice", StageCreateAggregate, StatusUnsupportedFormat, []string{"DestroyTap"}},
		{"CreateIOProc", StageRegisterCallback, StatusIllegalOperation, []string{"DestroyAggregateDevice", "DestroyTap"}},
		{"StartDevice", StageStartDevice, StatusPermissions, []string{"DestroyIOProc", "DestroyAggregateDevice", "DestroyTap"}},
	}

	for _, tt := range tests {
		t.Run(tt.failOp, func(t *testing.T) {
			host := newFakeHost()
			host.failWith(tt.failOp, injected(tt.status))

			s := newTestSession(t, host, testConfig())
			err := s.Start(context.Background())

			if !errors.Is(err, ErrResourceAcquisition) {
				t.Fatalf("expected ErrResourceAcquisition, got %v", err)
			}
			if !errors.Is(err, errInjected) {
				t.Fatalf("cause not preserved: %v", err)
			}

			var rerr *ResourceError
			if !errors.As(err, &rerr) {
				t.Fatalf("expected *ResourceError, got %T", err)
			}
			if rerr.Stage != tt.stage || rerr.Status != tt.status {
				t.Fatalf("got stage %s status %s, want %s %s", rerr.Stage, rerr.Status, tt.stage, tt.status)
			}

			if n := host.liveCount(); n != 0 {
				t.Fatalf("%d resources leaked", n)
			}

			var destroys []string
			for _, call := range host.callLog() {
				if len(call) > 7 && call[:7] == "Destroy" {
					destroys = append(destroys, call)
				}
			}
			if !reflect.DeepEqual(destroys, tt.wantDestroy) {
				t.Fatalf("destroy order = %v, want %v", destroys, tt.wantDestroy)
			}

			if s.State() != StateStopped {
				t.Fatalf("state = %s, want stopped", s.State())
			}

			// a failed start is terminal and Stop has nothing left to do
			if err := s.Stop(); err != nil {
				t.Fatalf("Stop after failed start: %v", err)
			}
			if werr := s.WaitTimeout(time.Second); !errors.Is(werr, ErrResourceAcquisition) {
				t.Fatalf("Wait after failed start = %v", werr)
			}
			if err := s.Start(context.Background()); !errors.Is(err, ErrSessionStopped) {
				t.Fatalf("restart = %v, want ErrSessionStopped", err)
			}
		})
	}
}

func TestStartHonoursCancellationBetweenSteps(t *testing.T) {
	host := newFakeHost()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host.after["CreateAggregateDevice"] = cancel

	s := newTestSession(t, host, testConfig())
	err := s.Start(ctx)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	var rerr *ResourceError
	if !errors.As(err, &rerr) || rerr.Stage != StageRegisterCallback {
		t.Fatalf("expected failure at the callback stage, got %v", err)
	}
	if n := host.liveCount(); n != 0 {
		t.Fatalf("%d resources leaked", n)
	}
	if host.count("CreateIOProc") != 0 {
		t.Fatalf("callback registered after cancellation")
	}
}

func TestStartResolveErrors(t *testing.T) {
	t.Run("unknown sink", func(t *testing.T) {
		host := newFakeHost()
		cfg := testConfig()
		cfg.Sink = "nope"

		s := newTestSession(t, host, cfg)
		if err := s.Start(context.Background()); !errors.Is(err, ErrDeviceNotFound) {
			t.Fatalf("expected ErrDeviceNotFound, got %v", err)
		}
		if len(host.callLog()) != 0 {
			t.Fatalf("resources requested for unknown sink: %v", host.callLog())
		}
	})

	t.Run("input only", func(t *testing.T) {
		host := newFakeHost()
		cfg := testConfig()
		cfg.Sink = mic.UID

		s := newTestSession(t, host, cfg)
		if err := s.Start(context.Background()); !errors.Is(err, ErrDeviceNotFound) {
			t.Fatalf("expected ErrDeviceNotFound, got %v", err)
		}
	})

	t.Run("query failure", func(t *testing.T) {
		host := newFakeHost()
		host.queryErr = errors.New("daemon gone")

		s := newTestSession(t, host, testConfig())
		if err := s.Start(context.Background()); !errors.Is(err, ErrDeviceQueryFailed) {
			t.Fatalf("expected ErrDeviceQueryFailed, got %v", err)
		}
	})
}

func TestStopIsIdempotent(t *testing.T) {
	host := newFakeHost()
	host.feed = counterFeed(128)

	s := newTestSession(t, host, testConfig())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop(); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := s.Stop(); err != nil {
		t.Fatalf("late Stop: %v", err)
	}

	for _, op := range []string{"StopDevice", "DestroyIOProc", "DestroyAggregateDevice", "DestroyTap"} {
		if n := host.count(op); n != 1 {
			t.Fatalf("%s called %d times, want 1", op, n)
		}
	}
	if host.callbackDuringDestroy.Load() {
		t.Fatalf("io callback destroyed while a callback was running")
	}

	after := s.Stats().Callbacks
	time.Sleep(10 * time.Millisecond)
	if s.Stats().Callbacks != after {
		t.Fatalf("callbacks accepted after Stop returned")
	}
}

func TestStopBeforeStart(t *testing.T) {
	host := newFakeHost()
	s := newTestSession(t, host, testConfig())

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.WaitTimeout(time.Second); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("Wait = %v, want ErrSessionStopped", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("Start after Stop = %v", err)
	}
	if len(host.callLog()) != 0 {
		t.Fatalf("host touched: %v", host.callLog())
	}
}

func TestStopReportsTeardownErrorsButReleasesEverything(t *testing.T) {
	host := newFakeHost()
	s := newTestSession(t, host, testConfig())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	host.failWith("DestroyAggregateDevice", injected(StatusBadObject))

	err := s.Stop()
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected teardown error, got %v", err)
	}
	if host.count("DestroyTap") != 1 {
		t.Fatalf("tap not released after an earlier teardown failure")
	}
	if n := host.liveCount(); n != 0 {
		t.Fatalf("%d resources leaked", n)
	}
}

// N blocks of F words go through the real callback path and come out in
// order; whatever did not fit is accounted for as dropped.
func TestConcurrentCaptureStress(t *testing.T) {
	tests := []struct {
		name         string
		blocks       int
		words        int
		bufferFrames int
	}{
		{"roomy", 4000, 128, 65536},
		{"tight", 4000, 128, 128},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newFakeHost()
			host.feed = counterFeed(tt.words)
			host.blocks = tt.blocks

			cfg := testConfig()
			cfg.BufferFrames = tt.bufferFrames

			s := newTestSession(t, host, cfg)
			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}

			go func() {
				<-host.device().finished
				_ = s.Stop()
			}()

			var (
				read int
				last int64 = -1
			)
			err := s.Drain(context.Background(), func(pcm []byte) error {
				if len(pcm)%4 != 0 {
					t.Fatalf("chunk of %d bytes is not word aligned", len(pcm))
				}
				for i := 0; i < len(pcm); i += 4 {
					v := int64(binary.LittleEndian.Uint32(pcm[i:]))
					if v <= last {
						t.Fatalf("word %d came after %d", v, last)
					}
					last = v
				}
				read += len(pcm)
				return nil
			})
			if err != nil {
				t.Fatalf("Drain: %v", err)
			}

			stats := s.Stats()
			total := uint64(tt.blocks * tt.words * 4)
			if stats.BytesCaptured != total {
				t.Fatalf("captured %d bytes, want %d", stats.BytesCaptured, total)
			}
			if uint64(read)+stats.BytesDropped != total {
				t.Fatalf("read %d + dropped %d != %d", read, stats.BytesDropped, total)
			}
			if stats.BytesDropped == 0 && last != int64(tt.blocks*tt.words-1) {
				t.Fatalf("lossless run ended at word %d", last)
			}
			if stats.Callbacks != uint64(tt.blocks) {
				t.Fatalf("callbacks = %d, want %d", stats.Callbacks, tt.blocks)
			}
		})
	}
}

func TestWaitWakesOnCancellation(t *testing.T) {
	host := newFakeHost()
	s := newTestSession(t, host, testConfig())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- s.Wait(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Wait = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("blocked consumer was not woken by cancellation")
	}

	if err := s.WaitTimeout(20 * time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitTimeout = %v, want context.DeadlineExceeded", err)
	}
}

func TestStopWakesAllWaiters(t *testing.T) {
	host := newFakeHost()
	s := newTestSession(t, host, testConfig())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const waiters = 4
	results := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			results <- s.Wait(context.Background())
		}()
	}

	time.Sleep(10 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for i := 0; i < waiters; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, ErrSessionStopped) {
				t.Fatalf("Wait = %v, want ErrSessionStopped", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("waiter %d not woken by Stop", i)
		}
	}
}

func TestBufferedAudioSurvivesStop(t *testing.T) {
	host := newFakeHost()
	host.feed = counterFeed(64)
	host.blocks = 4

	s := newTestSession(t, host, testConfig())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-host.device().finished
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait with data buffered = %v", err)
	}

	buf := make([]byte, 4096)
	if n := s.Read(buf); n != 4*64*4 {
		t.Fatalf("read %d bytes after stop, want %d", n, 4*64*4)
	}
	if err := s.Wait(context.Background()); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("Wait once drained = %v", err)
	}
}

func TestDeviceLossSurfacesAndTearsDown(t *testing.T) {
	host := newFakeHost()
	host.feed = counterFeed(64)
	host.blocks = 2

	s := newTestSession(t, host, testConfig())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cause := errors.New("unplugged")
	host.loseDevice(cause)

	err := s.Drain(context.Background(), func([]byte) error { return nil })
	if !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("Drain = %v, want ErrDeviceLost", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("loss cause not preserved: %v", err)
	}

	eventually(t, "teardown after device loss", func() bool {
		return s.State() == StateStopped && host.liveCount() == 0
	})

	if host.count("DestroyTap") != 1 {
		t.Fatalf("DestroyTap called %d times", host.count("DestroyTap"))
	}
}

func TestDrainStopsOnConsumerError(t *testing.T) {
	host := newFakeHost()
	host.feed = counterFeed(64)

	s := newTestSession(t, host, testConfig())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	errFull := errors.New("sink full")
	err := s.Drain(context.Background(), func([]byte) error { return errFull })
	if !errors.Is(err, errFull) {
		t.Fatalf("Drain = %v, want consumer error", err)
	}
}

func TestOverflowIsCountedAndReportedWhileCaptureContinues(t *testing.T) {
	host := newFakeHost()
	host.feed = counterFeed(64)

	core, logs := observer.New(zapcore.DebugLevel)

	cfg := testConfig()
	cfg.BufferFrames = 2 * cfg.FrameSize

	s, err := NewSession(host, zap.New(core).Sugar(), cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	// nobody reads yet, so the ring fills and the newest blocks are dropped
	eventually(t, "overruns", func() bool { return s.Stats().Overruns > 0 })

	overflowed := s.Stats()
	if overflowed.BytesDropped == 0 || overflowed.Buffered != s.buf.Cap() {
		t.Fatalf("after overflow: %+v, ring cap %d", overflowed, s.buf.Cap())
	}

	var received atomic.Int64
	drained := make(chan error, 1)
	go func() {
		drained <- s.Drain(context.Background(), func(pcm []byte) error {
			received.Add(int64(len(pcm)))
			return nil
		})
	}()

	// capture keeps flowing after the overflow
	eventually(t, "audio after overflow", func() bool { return received.Load() > int64(4*s.buf.Cap()) })

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-drained; err != nil {
		t.Fatalf("Drain: %v", err)
	}

	stats := s.Stats()
	if stats.Callbacks <= overflowed.Callbacks {
		t.Fatalf("no callbacks after overflow: %d then %d", overflowed.Callbacks, stats.Callbacks)
	}
	if got := uint64(received.Load()) + stats.BytesDropped; got != stats.BytesCaptured {
		t.Fatalf("read %d + dropped %d != captured %d", received.Load(), stats.BytesDropped, stats.BytesCaptured)
	}

	warnings := logs.FilterMessage("Capture ring overflowed, newest audio dropped").All()
	if len(warnings) == 0 {
		t.Fatalf("overflow was not reported")
	}
	if warnings[0].Level != zapcore.WarnLevel {
		t.Fatalf("overflow reported at %s", warnings[0].Level)
	}
	if got := warnings[0].ContextMap()["error"]; got != ErrBufferOverrun.Error() {
		t.Fatalf("overflow report error = %v, want %v", got, ErrBufferOverrun)
	}
}

func TestOpenStartsSession(t *testing.T) {
	host := newFakeHost()
	cfg := testConfig()
	cfg.Sink = "hdmi output"

	s, err := Open(context.Background(), host, zaptest.NewLogger(t).Sugar(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Stop()

	if s.Sink().UID != hdmi.UID {
		t.Fatalf("sink resolved to %s, want %s by name", s.Sink().UID, hdmi.UID)
	}
	if s.Format().BytesPerFrame() != 8 {
		t.Fatalf("bytes per frame = %d, want 8", s.Format().BytesPerFrame())
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}
