package tapcap

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier shows short messages to the user outside the terminal.
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier shows desktop notifications.
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// Notify sends a toast notification. Failures are only logged.
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}

// LogNotifier only logs. It is used when no desktop session is available.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notifier")}
}

func (ln *LogNotifier) Notify(title string, message string) {
	ln.logger.Infow("Notification", "title", title, "message", message)
}
