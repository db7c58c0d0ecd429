// Package tapcap captures what an audio output device plays by tapping it and
// hands the samples to an ordinary goroutine through a lock-free ring.
package tapcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MixyLabs/tapcap/pkg/tapcap/util"
)

// Options select what a Tapcap instance does with the captured audio.
type Options struct {
	// ConfigPath defaults to config.yaml in the working directory.
	ConfigPath string

	// Override is applied on top of every loaded config, e.g. command line flags.
	Override func(*Config)

	// Output receives raw PCM. Nil disables raw output.
	Output io.Writer

	// Relay serves the PCM over websockets on Config.Relay.Listen.
	Relay bool
}

// Tapcap is the main entity managing all subcomponents
type Tapcap struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager
	host      Host
	relay     *Relay
	opts      Options

	// the running capture, for crash reports
	active atomic.Pointer[Session]

	stopChannel chan bool
	stopOnce    sync.Once
	version     string
	verbose     bool
}

func NewTapcap(logger *zap.SugaredLogger, host Host, notifier Notifier, verbose bool, opts Options) (*Tapcap, error) {
	logger = logger.Named("tapcap")

	config, err := NewConfig(logger, notifier, opts.ConfigPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	t := &Tapcap{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		host:        host,
		opts:        opts,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	if opts.Relay {
		t.relay = NewRelay(logger)
	}

	logger.Debug("Created tapcap instance")

	return t, nil
}

// SetVersion records the version string logged when running
func (t *Tapcap) SetVersion(version string) {
	t.version = version
}

// Verbose returns a boolean indicating whether tapcap is running in verbose mode
func (t *Tapcap) Verbose() bool {
	return t.verbose
}

func (t *Tapcap) currConf() Config {
	cfg := t.configMan.Current()
	if t.opts.Override != nil {
		t.opts.Override(&cfg)
	}
	return cfg
}

// Run loads the config and captures until interrupted or the device is lost.
// A config file change restarts capture with the new settings.
func (t *Tapcap) Run(ctx context.Context) (err error) {
	defer t.recoverFromPanic()

	t.logger.Debugw("Initializing", "version", t.version)

	if err := t.configMan.Load(); err != nil {
		t.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.setupInterruptHandler(ctx, cancel)

	go t.configMan.WatchConfigFileChanges()
	defer t.configMan.StopWatchingConfigFile()

	reloads := t.configMan.SubscribeToChanges()

	var relay *relayRun
	if t.relay != nil {
		listen := t.currConf().Relay.Listen
		if listen == "" {
			return fmt.Errorf("relay needs relay.listen: %w", ErrInvalidConfiguration)
		}

		relay = t.startRelay(ctx, listen)

		defer func() {
			if rerr := relay.stop(); rerr != nil && err == nil {
				err = fmt.Errorf("relay: %w", rerr)
			}
		}()
	}

	t.logger.Info("Run loop starting")

	for {
		// stays nil without a relay, which blocks forever in select
		var relayClosed <-chan struct{}
		if relay != nil {
			relayClosed = relay.closed
		}

		restart, err := t.captureOnce(ctx, reloads, relayClosed)
		if err != nil {
			return err
		}
		if !restart {
			break
		}

		if relay != nil {
			if relay, err = t.moveRelay(ctx, relay); err != nil {
				return err
			}
		}

		t.logger.Info("Restarting capture with reloaded config")
	}

	_ = t.logger.Sync()

	return nil
}

// relayRun is one Serve call of the relay on a fixed address.
type relayRun struct {
	listen string
	cancel context.CancelFunc
	closed chan struct{}
	err    error
}

func (t *Tapcap) startRelay(ctx context.Context, listen string) *relayRun {
	ctx, cancel := context.WithCancel(ctx)

	r := &relayRun{
		listen: listen,
		cancel: cancel,
		closed: make(chan struct{}),
	}

	go func() {
		r.err = t.relay.Serve(ctx, listen)
		close(r.closed)
	}()

	return r
}

// stop shuts the relay down and returns its Serve error.
func (r *relayRun) stop() error {
	r.cancel()
	<-r.closed
	return r.err
}

// moveRelay restarts the relay when a reload changed relay.listen.
// Clearing relay.listen keeps the relay on its current address.
func (t *Tapcap) moveRelay(ctx context.Context, current *relayRun) (*relayRun, error) {
	listen := t.currConf().Relay.Listen

	switch {
	case listen == current.listen:
		return current, nil
	case listen == "":
		t.logger.Warnw("Reloaded config has no relay.listen, keeping relay address", "listen", current.listen)
		return current, nil
	}

	t.logger.Infow("Relay address changed, restarting relay", "from", current.listen, "to", listen)

	if err := current.stop(); err != nil {
		return current, fmt.Errorf("stop relay on %s: %w", current.listen, err)
	}

	return t.startRelay(ctx, listen), nil
}

// captureOnce runs one capture session. It reports whether the caller should
// start another one because the config changed.
func (t *Tapcap) captureOnce(ctx context.Context, reloads <-chan bool, relayClosed <-chan struct{}) (bool, error) {
	cfg := t.currConf()

	session, err := Open(ctx, t.host, t.logger, cfg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false, nil
		}

		t.logger.Warnw("Failed to start capture", "error", err)
		t.notifier.Notify("Capture failed to start", err.Error())
		return false, fmt.Errorf("start capture: %w", err)
	}

	t.active.Store(session)
	defer t.active.Store(nil)

	if t.relay != nil {
		t.relay.SetFormat(session.Format())
	}

	drainCtx, cancelDrain := context.WithCancel(ctx)
	defer cancelDrain()

	drained := make(chan error, 1)
	go func() {
		drained <- session.Drain(drainCtx, t.consume)
	}()

	stop := func() error {
		cancelDrain()
		stopErr := session.Stop()
		<-drained
		return stopErr
	}

	select {
	case <-reloads:
		if err := stop(); err != nil {
			t.logger.Warnw("Failed to stop capture for reload", "error", err)
		}
		return true, nil

	case <-relayClosed:
		// Run reports the relay error
		_ = stop()
		return false, nil

	case <-ctx.Done():
		if err := stop(); err != nil {
			t.logger.Warnw("Failed to stop capture", "error", err)
			return false, fmt.Errorf("stop capture: %w", err)
		}
		return false, nil

	case err := <-drained:
		stopErr := session.Stop()

		if errors.Is(err, ErrDeviceLost) {
			t.logger.Warnw("Capture device lost", "sink", session.Sink().Name, "error", err)
			t.notifier.Notify("Capture device lost", fmt.Sprintf("%s went away, capture stopped.", session.Sink().Name))
		}
		if err == nil {
			err = stopErr
		}
		if err != nil {
			return false, fmt.Errorf("capture: %w", err)
		}
		return false, nil
	}
}

// consume hands one chunk of PCM to the configured outputs.
func (t *Tapcap) consume(pcm []byte) error {
	if t.opts.Output != nil {
		if _, err := t.opts.Output.Write(pcm); err != nil {
			return fmt.Errorf("write pcm: %w", err)
		}
	}

	if t.relay != nil {
		return t.relay.Broadcast(pcm)
	}

	return nil
}

func (t *Tapcap) setupInterruptHandler(ctx context.Context, cancel context.CancelFunc) {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		select {
		case <-ctx.Done():
			return
		case signal := <-interruptChannel:
			t.logger.Debugw("Interrupted", "signal", signal)
		case <-t.stopChannel:
			t.logger.Debug("Stop channel signaled, terminating")
		}
		cancel()
	}()
}

func (t *Tapcap) signalStop() {
	t.logger.Debug("Signalling stop channel")
	t.stopOnce.Do(func() {
		close(t.stopChannel)
	})
}

// Stop asks a running Run to return.
func (t *Tapcap) Stop() {
	t.signalStop()
}

// Close releases the audio host.
func (t *Tapcap) Close() error {
	if err := t.host.Close(); err != nil {
		t.logger.Warnw("Failed to close audio host", "error", err)
		return fmt.Errorf("close audio host: %w", err)
	}

	return nil
}
