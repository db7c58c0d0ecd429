package tapcap

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/MixyLabs/tapcap/pkg/tapcap/util"
)

const (
	crashlogFilename        = "tapcap-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"
	crashlogRule            = "-----------------------------------------------------------------\n"
)

// crashReport is what a crashlog records besides the panic itself.
type crashReport struct {
	Version string
	Config  Config

	// nil when no capture session was running
	Session *Session
}

func (c crashReport) render(b *strings.Builder) {
	fmt.Fprintf(b, "Version: %s\n", c.Version)
	fmt.Fprintf(b, "Config: sink=%q sample_rate=%d frame_size=%d channels=%d buffer_frames=%d relay.listen=%q\n",
		c.Config.Sink, c.Config.SampleRate, c.Config.FrameSize, c.Config.Channels, c.Config.BufferFrames, c.Config.Relay.Listen)

	if c.Session == nil {
		b.WriteString("Capture: not running\n")
		return
	}

	stats := c.Session.Stats()
	fmt.Fprintf(b, "Capture: %s, sink %s\n", c.Session.State(), c.Session.Sink())
	fmt.Fprintf(b, "Format: %s, %d frames per period\n", c.Session.Format(), c.Session.FrameSize())
	fmt.Fprintf(b, "Counters: callbacks=%d captured=%dB dropped=%dB overruns=%d buffered=%dB\n",
		stats.Callbacks, stats.BytesCaptured, stats.BytesDropped, stats.Overruns, stats.Buffered)
}

// writeCrashlog stores the panic, the capture state and the stack in dir and returns the file path.
func writeCrashlog(dir string, now time.Time, r any, stack []byte, report crashReport) (string, error) {
	if err := util.EnsureDirExists(dir); err != nil {
		return "", fmt.Errorf("ensure crashlog dir exists: %w", err)
	}

	b := &strings.Builder{}
	b.WriteString(crashlogRule)
	b.WriteString("tapcap crashed. Please attach this file when reporting the problem at\n")
	b.WriteString("https://github.com/MixyLabs/tapcap/issues/new\n")
	b.WriteString(crashlogRule)
	fmt.Fprintf(b, "Time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(b, "Panic: %v\n", r)
	report.render(b)
	b.WriteString(crashlogRule)
	b.WriteString("Stack trace:\n")
	b.Write(stack)
	b.WriteString(crashlogRule)

	crashlogPath := filepath.Join(dir, fmt.Sprintf(crashlogFilename, now.Format(crashlogTimestampFormat)))

	if err := os.WriteFile(crashlogPath, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write crashlog file contents: %w", err)
	}

	return crashlogPath, nil
}

func (t *Tapcap) crashReport() crashReport {
	return crashReport{
		Version: t.version,
		Config:  t.currConf(),
		Session: t.active.Load(),
	}
}

func (t *Tapcap) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	crashlogPath, err := writeCrashlog(logDirectory, time.Now(), r, debug.Stack(), t.crashReport())
	if err != nil {
		panic(fmt.Errorf("can't even write the crashlog: %w", err))
	}

	t.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"error", r)

	t.notifier.Notify("tapcap crashed", fmt.Sprintf("Capture stopped. Details in %s", crashlogPath))

	if s := t.active.Load(); s != nil {
		_ = s.Stop()
	}

	_ = t.logger.Sync()
	os.Exit(1)
}
