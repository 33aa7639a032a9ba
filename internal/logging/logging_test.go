package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG") != zapcore.DebugLevel {
		t.Fatalf("expected debug")
	}
	if parseLevel(" warn ") != zapcore.WarnLevel {
		t.Fatalf("expected warn")
	}
	if parseLevel("loud") != zapcore.InfoLevel {
		t.Fatalf("unknown level should fall back to info")
	}
}

func TestNewHonoursLevel(t *testing.T) {
	l, err := New("error")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info should be disabled at error level")
	}
	if !l.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("error should be enabled")
	}
}
