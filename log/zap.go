// Package log holds the logger shared by every storagearea package.
package log

import (
	"fmt"
	"log"
	"slices"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Encodings are the supported log encodings.
var Encodings = []string{"json", "console"}

// P is the process logger. Components derive named loggers from it.
var P *zap.Logger

// Config is the configuration P was built from. Its level is atomic, so changing
// it affects P and every logger derived from it.
var Config zap.Config

func init() {
	var err error
	Config = newConfig(zap.NewAtomicLevelAt(zap.InfoLevel), "json")

	P, err = Config.Build()
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
}

func newConfig(level zap.AtomicLevel, encoding string) zap.Config {
	encodeLevel := zapcore.LowercaseLevelEncoder
	if encoding == "console" {
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zap.Config{
		Level:    level,
		Encoding: encoding,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "@",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// SetLevel .
func SetLevel(l zapcore.Level) {
	Config.Level.SetLevel(l)
}

// Configure rebuilds P with encoding and sets the level. Loggers derived from
// the old P keep its encoding but follow the new level.
func Configure(level zapcore.Level, encoding string) error {
	if !slices.Contains(Encodings, encoding) {
		return fmt.Errorf("unknown log encoding %q", encoding)
	}

	cfg := newConfig(Config.Level, encoding)
	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("unable to build logger: %w", err)
	}

	Config = cfg
	P = logger
	SetLevel(level)
	return nil
}
