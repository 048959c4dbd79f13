package logger

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TimeFormat is the timestamp layout of console logs
const TimeFormat = "2006-01-02 15:04:05.999"

// New builds a console logger at the given level (debug/info/warn/error)
func New(level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevel()
	if level != "" {
		if err := atomic.UnmarshalText([]byte(level)); err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", level)
		}
	}

	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.Level = atomic
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(TimeFormat)
	config.DisableStacktrace = true
	config.Sampling = nil
	return config.Build()
}
