package log

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestConfigure(t *testing.T) {
	level := Config.Level
	defer func() {
		if err := Configure(zapcore.InfoLevel, "json"); err != nil {
			t.Fatalf("failed to restore logger: %v", err)
		}
	}()

	old := P
	if err := Configure(zapcore.DebugLevel, "console"); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	switch {
	case P == old:
		t.Fatalf("expected a new logger")
	case Config.Encoding != "console":
		t.Fatalf("unexpected encoding %q", Config.Encoding)
	case !P.Core().Enabled(zapcore.DebugLevel):
		t.Fatalf("expected debug to be enabled")
	case !old.Core().Enabled(zapcore.DebugLevel):
		t.Fatalf("expected loggers built before to follow the level")
	case Config.Level != level:
		t.Fatalf("expected the level to be shared")
	}

	if err := Configure(zapcore.InfoLevel, "yaml"); err == nil {
		t.Fatalf("expected an error for an unknown encoding")
	}
}
