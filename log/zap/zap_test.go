package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/herdsync"
)

func TestZapLoggerLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Debug("queue pass", herdsync.Fields{"pending": 3})
	l.Info("resource synced", herdsync.Fields{"resource": "animals", "mode": "full"})
	l.Warn("storage unavailable", herdsync.Fields{"err": errors.New("disk full"), "skip": nil})
	l.Error("boom", nil)

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	wantLevels := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, e := range entries {
		if e.Level != wantLevels[i] {
			t.Fatalf("entry %d level %v want %v", i, e.Level, wantLevels[i])
		}
		if e.LoggerName != "herdsync" {
			t.Fatalf("logger name %q", e.LoggerName)
		}
	}
	if got := entries[1].ContextMap(); got["resource"] != "animals" || got["mode"] != "full" {
		t.Fatalf("fields %v", got)
	}
	warn := entries[2].ContextMap()
	if warn["err"] != "disk full" {
		t.Fatalf("error field %v", warn["err"])
	}
	if _, ok := warn["skip"]; ok {
		t.Fatalf("nil field should be dropped")
	}
}

func TestNewNilIsNop(t *testing.T) {
	New(nil).Info("ignored", herdsync.Fields{"a": 1})
}
