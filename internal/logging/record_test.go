package logging

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/danielpatrickdp/phasegate/internal/state"
)

// #region record-tests
func TestGateRecord_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := GateRecord{
		AgentID:    "a1",
		ActionID:   "send-email",
		Manifold:   "reference",
		Measured:   state.Neutral(ts).With(state.Truthfulness, 0.2),
		Decided:    state.Neutral(ts),
		Violations: []string{"truthfulness_supports_virtue"},
		Projection: &GateRecordProjection{Suppressed: true, Iterations: 3, Converged: true},
		Decision:   "allow_with_projection",
	}
	raw, err := rec.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := ParseGateRecord(raw)
	if err != nil {
		t.Fatalf("ParseGateRecord: %v", err)
	}
	if got.AgentID != "a1" || got.Projection == nil || got.Projection.Iterations != 3 {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Measured.Get(state.Truthfulness) != 0.2 {
		t.Fatalf("measured state lost: %v", got.Measured)
	}
}

func TestParseGateRecord_Malformed(t *testing.T) {
	if _, err := ParseGateRecord([]byte("{")); err == nil {
		t.Fatal("expected error for malformed record")
	}
}

// #endregion record-tests

// #region log-decision-tests
func TestLogDecision_BlockLogsWarn(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	LogDecision(logger, GateRecord{AgentID: "a1", Decision: "block", Reason: "timeout"}, 120*time.Millisecond)
	LogDecision(logger, GateRecord{AgentID: "a1", Decision: "allow"}, time.Millisecond)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("expected warn for block, got %v", entries[0].Level)
	}
	if entries[0].ContextMap()["reason"] != "timeout" {
		t.Errorf("expected reason field, got %v", entries[0].ContextMap())
	}
	if entries[1].Level != zapcore.InfoLevel {
		t.Errorf("expected info for allow, got %v", entries[1].Level)
	}
}

func TestNew_Levels(t *testing.T) {
	logger, err := New(Config{Level: "warn", Format: "json"}, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}

	logger, err = New(Config{Level: "warn", Format: "console"}, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("verbose should enable debug")
	}

	if _, err := New(Config{Level: "loud"}, false); err == nil {
		t.Error("expected error for unknown level")
	}
}

// #endregion log-decision-tests
