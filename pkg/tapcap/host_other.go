//go:build !linux && !windows

package tapcap

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// NewHost reports that this platform has no capture binding.
func NewHost(logger *zap.SugaredLogger) (Host, error) {
	logger.Named("host").Warnw("No audio host binding for this platform", "os", runtime.GOOS)
	return nil, fmt.Errorf("audio host on %s: %w: unsupported platform", runtime.GOOS, ErrDeviceQueryFailed)
}
