package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	logger, err := New("warn", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Error("expected warn to be enabled")
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New("loud", "json"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestComponent_AddsField(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Component(zap.New(core), "inbox").Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["component"]; got != "inbox" {
		t.Fatalf("expected component=inbox, got %v", got)
	}
}

func TestComponent_NilLogger(t *testing.T) {
	Component(nil, "x").Info("dropped")
}
