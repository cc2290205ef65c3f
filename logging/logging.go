package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Set at build time with -ldflags "-X storefront-payment-api/logging.commitID=...".
var commitID string

type Config struct {
	Level string
	Path  string
}

func New(cfg Config) (*zap.SugaredLogger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	logPath := cfg.Path
	if logPath == "" {
		logPath = "stdout"
	}

	zapConfig := zap.Config{
		Level:       level,
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.999999Z07:00"),
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{logPath},
		ErrorOutputPaths: []string{"stderr"},
	}

	l, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar().With(zap.String("commit_id", commitID)), nil
}

func Reference(reference string) zap.Field {
	return zap.String("reference", reference)
}

func UserID(userID int64) zap.Field {
	return zap.Int64("user_id", userID)
}

func CheckoutRequestID(id string) zap.Field {
	return zap.String("checkout_request_id", id)
}
