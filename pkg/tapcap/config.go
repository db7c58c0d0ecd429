package tapcap

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MixyLabs/tapcap/pkg/tapcap/util"
)

// Config holds the capture parameters. Zero values are rejected by Validate,
// except Sink (default output) and BufferFrames (DefaultBufferFrames).
type Config struct {
	Sink         string `mapstructure:"sink"`
	SampleRate   int    `mapstructure:"sample_rate" validate:"min=8000,max=384000"`
	FrameSize    int    `mapstructure:"frame_size" validate:"min=16,max=16384"`
	Channels     int    `mapstructure:"channels" validate:"oneof=1 2 6 8"`
	BufferFrames int    `mapstructure:"buffer_frames" validate:"min=0,max=1048576"`

	Relay struct {
		Listen string `mapstructure:"listen" validate:"omitempty,hostname_port"`
	} `mapstructure:"relay"`
}

const (
	DefaultSampleRate   = 48000
	DefaultFrameSize    = 480
	DefaultChannels     = 2
	DefaultBufferFrames = 4096
)

// DefaultConfig returns the configuration used when config.yaml sets nothing.
func DefaultConfig() Config {
	return Config{
		SampleRate:   DefaultSampleRate,
		FrameSize:    DefaultFrameSize,
		Channels:     DefaultChannels,
		BufferFrames: DefaultBufferFrames,
	}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// report fields by their config file names
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
			if name == "-" || name == "" {
				return field.Name
			}
			return name
		})
	})

	return validate
}

// bufferFrames returns the effective ring size in frames.
func (c Config) bufferFrames() int {
	if c.BufferFrames == 0 {
		return max(DefaultBufferFrames, 2*c.FrameSize)
	}
	return c.BufferFrames
}

// Validate checks every field and returns a *ConfigError listing all problems.
func (c Config) Validate() error {
	cerr := &ConfigError{}

	if err := configValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}

		for _, fe := range verrs {
			// strip the root struct name, leave the dotted config path
			field := fe.Namespace()
			if i := strings.IndexByte(field, '.'); i >= 0 {
				field = field[i+1:]
			}
			cerr.add(field, describeTag(fe), fe.Value())
		}
	}

	if c.BufferFrames != 0 && c.FrameSize > 0 && c.BufferFrames < 2*c.FrameSize {
		cerr.add("buffer_frames", fmt.Sprintf("must hold at least two periods (%d frames)", 2*c.FrameSize), c.BufferFrames)
	}

	if len(cerr.Errors) > 0 {
		return cerr
	}

	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "hostname_port":
		return "must be a host:port listen address"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// ConfigManager loads config.yaml through viper and reloads it on change.
type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool
	stopOnce           sync.Once

	mu              sync.Mutex
	reloadConsumers []chan bool

	userConfig *viper.Viper
	path       string

	current Config
}

const (
	userConfigFilepath = "config.yaml"

	configType = "yaml"

	configKeySink         = "sink"
	configKeySampleRate   = "sample_rate"
	configKeyFrameSize    = "frame_size"
	configKeyChannels     = "channels"
	configKeyBufferFrames = "buffer_frames"
	configKeyRelayListen  = "relay.listen"
)

// NewConfig creates a manager for the config file at path, or config.yaml in
// the working directory when path is empty.
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, path string) (*ConfigManager, error) {
	logger = logger.Named("config")

	if path == "" {
		path = userConfigFilepath
	}

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		path:               path,
		current:            DefaultConfig(),
	}

	userConfig := viper.New()
	userConfig.SetConfigFile(path)
	userConfig.SetConfigType(configType)

	userConfig.SetDefault(configKeySink, "")
	userConfig.SetDefault(configKeySampleRate, DefaultSampleRate)
	userConfig.SetDefault(configKeyFrameSize, DefaultFrameSize)
	userConfig.SetDefault(configKeyChannels, DefaultChannels)
	userConfig.SetDefault(configKeyBufferFrames, DefaultBufferFrames)
	userConfig.SetDefault(configKeyRelayListen, "")

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Load reads the config file. A missing file leaves the defaults in place,
// a malformed or invalid one is an error.
func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.path)

	if !util.FileExists(cc.path) {
		cc.logger.Infow("Config file not found, using defaults", "path", cc.path)
	} else if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", cc.path))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check tapcap's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	next, err := cc.populateFromViper()
	if err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	if err := next.Validate(); err != nil {
		cc.logger.Warnw("Config failed validation", "error", err)
		cc.notifier.Notify("Invalid configuration!", err.Error())
		return fmt.Errorf("validate config: %w", err)
	}

	cc.mu.Lock()
	cc.current = next
	cc.mu.Unlock()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"sink", next.Sink,
		"sampleRate", next.SampleRate,
		"frameSize", next.FrameSize,
		"channels", next.Channels,
		"bufferFrames", next.BufferFrames,
		"relayListen", next.Relay.Listen)

	return nil
}

// Current returns the last successfully loaded configuration.
func (cc *ConfigManager) Current() Config {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	return cc.current
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.mu.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.mu.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.path)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}

		now := time.Now()

		// many editors write the file twice
		if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).After(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// let the editor flush the new contents to disk
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Capture restarts with the new settings.")

			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopOnce.Do(func() {
		close(cc.stopWatcherChannel)
	})
}

func (cc *ConfigManager) populateFromViper() (Config, error) {
	var next Config

	err := cc.userConfig.Unmarshal(&next, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return Config{}, err
	}

	cc.logger.Debug("Populated config fields from viper")

	return next, nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.mu.Lock()
	defer cc.mu.Unlock()

	for _, consumer := range cc.reloadConsumers {
		// a pending notification already covers this reload
		select {
		case consumer <- true:
		default:
		}
	}
}
