package tapcap

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MixyLabs/tapcap/pkg/tapcap/util"
)

const (
	buildTypeRelease = "release"

	logDirectory = "logs"
	logFilename  = "tapcap-latest.log"
)

// NewLogger provides a logger instance for the whole program.
// Release builds log to a file, everything else logs to stderr in colour.
// Stdout is never used since capture writes PCM there.
// Debug messages are only shown when verbose is set.
func NewLogger(buildType string, verbose bool) (*zap.SugaredLogger, error) {
	var loggerConfig zap.Config

	if buildType == buildTypeRelease {
		if err := util.EnsureDirExists(logDirectory); err != nil {
			return nil, fmt.Errorf("ensure log directory exists: %w", err)
		}

		loggerConfig = zap.NewProductionConfig()

		loggerConfig.OutputPaths = []string{filepath.Join(logDirectory, logFilename)}
		loggerConfig.Encoding = "console"

		if verbose {
			loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
	} else {
		loggerConfig = zap.NewDevelopmentConfig()

		loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

		if !verbose {
			loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
	}

	loggerConfig.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
	}

	// pad names so the messages line up
	loggerConfig.EncoderConfig.EncodeName = func(s string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(fmt.Sprintf("%-20s", s))
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create zap logger: %w", err)
	}

	return logger.Sugar(), nil
}

