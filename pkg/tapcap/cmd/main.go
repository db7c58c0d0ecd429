package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MixyLabs/tapcap/pkg/tapcap"
	"github.com/MixyLabs/tapcap/pkg/tapcap/util"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose    bool
	configPath string

	onlyOutputs bool
	sink        string
	sampleRate  int
	channels    int
	frameSize   int
	listen      string
	noToasts    bool
)

var rootCmd = &cobra.Command{
	Use:           "tapcap",
	Short:         "Capture what an audio output device plays",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		return listDevices(logger)
	},
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture to stdout as raw 32-bit float PCM",
	Long: `Capture taps the configured sink and writes interleaved little-endian
32-bit float samples to stdout until interrupted. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		return run(cmd, logger, tapcap.Options{Output: os.Stdout})
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Capture and serve PCM to websocket clients at /pcm",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		if err := util.CreateMutex("tapcap-relay"); err != nil {
			logger.Errorw("Failed to acquire relay lock", "error", err)
			return err
		}
		defer util.ReleaseMutex("tapcap-relay")

		return run(cmd, logger, tapcap.Options{Relay: true})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(versionString())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show verbose logs (useful for debugging host bindings)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default is ./config.yaml)")

	devicesCmd.Flags().BoolVar(&onlyOutputs, "outputs", false, "only list endpoints that can be captured")

	for _, cmd := range []*cobra.Command{captureCmd, relayCmd} {
		cmd.Flags().StringVar(&sink, "sink", "", "endpoint UID or name to capture (default output if empty)")
		cmd.Flags().IntVar(&sampleRate, "rate", tapcap.DefaultSampleRate, "sample rate in Hz")
		cmd.Flags().IntVar(&channels, "channels", tapcap.DefaultChannels, "channel count (1, 2, 6 or 8)")
		cmd.Flags().IntVar(&frameSize, "frame-size", tapcap.DefaultFrameSize, "frames per callback period")
		cmd.Flags().BoolVar(&noToasts, "no-toasts", false, "log notifications instead of showing them")
	}
	relayCmd.Flags().StringVar(&listen, "listen", "", "listen address, e.g. :8090 (overrides relay.listen)")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionString() string {
	identifier := gitCommit
	if versionTag != "" {
		identifier = versionTag
	}
	if buildType == "" && identifier == "" {
		return "tapcap (development build)"
	}

	return fmt.Sprintf("Version %s-%s", buildType, identifier)
}

func newLogger() (*zap.SugaredLogger, error) {
	logger, err := tapcap.NewLogger(buildType, verbose)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	return logger, nil
}

// overrides applies only the flags the user actually set.
func overrides(cmd *cobra.Command) func(*tapcap.Config) {
	flags := cmd.Flags()

	return func(c *tapcap.Config) {
		if flags.Changed("sink") {
			c.Sink = sink
		}
		if flags.Changed("rate") {
			c.SampleRate = sampleRate
		}
		if flags.Changed("channels") {
			c.Channels = channels
		}
		if flags.Changed("frame-size") {
			c.FrameSize = frameSize
		}
		if flags.Lookup("listen") != nil && flags.Changed("listen") {
			c.Relay.Listen = listen
		}
	}
}

func run(cmd *cobra.Command, logger *zap.SugaredLogger, opts tapcap.Options) error {
	named := logger.Named("main")

	host, err := tapcap.NewHost(logger)
	if err != nil {
		named.Errorw("Failed to create audio host", "error", err)
		return err
	}

	var notifier tapcap.Notifier
	if noToasts {
		notifier = tapcap.NewLogNotifier(logger)
	} else if notifier, err = tapcap.NewToastNotifier(logger); err != nil {
		named.Errorw("Failed to create ToastNotifier", "error", err)
		_ = host.Close()
		return fmt.Errorf("create new ToastNotifier: %w", err)
	}

	opts.ConfigPath = configPath
	opts.Override = overrides(cmd)

	t, err := tapcap.NewTapcap(logger, host, notifier, verbose, opts)
	if err != nil {
		named.Errorw("Failed to create tapcap object", "error", err)
		_ = host.Close()
		return err
	}
	defer t.Close()

	t.SetVersion(versionString())

	if err := t.Run(context.Background()); err != nil {
		named.Errorw("Capture ended with an error", "error", err)
		return err
	}

	return nil
}

func listDevices(logger *zap.SugaredLogger) error {
	host, err := tapcap.NewHost(logger)
	if err != nil {
		return err
	}
	defer host.Close()

	dir := tapcap.NewDirectory(host, logger)

	var endpoints []tapcap.Endpoint
	if onlyOutputs {
		endpoints, err = dir.Outputs()
	} else {
		endpoints, err = dir.Devices()
	}
	if err != nil {
		return err
	}

	defaultUID := ""
	if def, err := dir.DefaultOutput(); err == nil {
		defaultUID = def.UID
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tUID\tOUT\tIN\tAGGREGATE\tDEFAULT")
	for _, e := range endpoints {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%t\t%t\t%t\n",
			e.ID, e.Name, e.UID, e.IsOutput, e.IsInput, e.IsAggregate, e.UID == defaultUID)
	}

	return w.Flush()
}
