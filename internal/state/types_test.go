package state

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestNewClampsCoordinates(t *testing.T) {
	var v Vector
	v[Truthfulness] = 1.7
	v[Justice] = -0.3
	v[Unity] = math.NaN()
	s := New(v, 2, time.Now())

	if s.Get(Truthfulness) != 1 {
		t.Fatalf("expected 1, got %f", s.Get(Truthfulness))
	}
	if s.Get(Justice) != 0 {
		t.Fatalf("expected 0, got %f", s.Get(Justice))
	}
	if s.Get(Unity) != 0 {
		t.Fatalf("expected NaN to clamp to 0, got %f", s.Get(Unity))
	}
	if s.Confidence() != 1 {
		t.Fatalf("expected confidence clamp to 1, got %f", s.Confidence())
	}
}

func TestWithReturnsCopy(t *testing.T) {
	base := Neutral(time.Now())
	next := base.With(Service, 0.9)

	if base.Get(Service) != 0.5 {
		t.Fatalf("original mutated: %f", base.Get(Service))
	}
	if next.Get(Service) != 0.9 {
		t.Fatalf("expected 0.9, got %f", next.Get(Service))
	}
}

func TestDistance(t *testing.T) {
	a := Neutral(time.Time{})
	b := a.With(Activity, 0.8).With(Justice, 0.9)
	want := math.Sqrt(0.3*0.3 + 0.4*0.4)
	if got := a.Distance(b); math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %f, got %f", want, got)
	}
}

func TestDimensionNames(t *testing.T) {
	for _, d := range Dimensions() {
		parsed, err := ParseDimension(d.String())
		if err != nil {
			t.Fatalf("ParseDimension(%s): %v", d, err)
		}
		if parsed != d {
			t.Fatalf("round trip mismatch: %s != %s", parsed, d)
		}
	}
	if _, err := ParseDimension("charisma"); err == nil {
		t.Fatal("expected error for unknown dimension")
	}
	if len(VirtueDimensions()) != 7 {
		t.Fatalf("expected 7 virtue dimensions, got %d", len(VirtueDimensions()))
	}
	if Activity.IsVirtue() || !Understanding.IsVirtue() {
		t.Fatal("virtue classification wrong")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var v Vector
	for i := range v {
		v[i] = float64(i) * 0.08
	}
	original := New(v, 0.75, time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC))
	decoded, err := Decode(Encode(original))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !decoded.Equal(original) {
		t.Fatalf("mismatch: %v != %v", decoded, original)
	}
}

func TestDecodeRejectsShortBlob(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short blob")
	}
}

func TestJSONUsesNamedCoordinates(t *testing.T) {
	s := Neutral(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)).With(Truthfulness, 0.9)
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	coords := raw["coordinates"].(map[string]any)
	if coords["truthfulness"].(float64) != 0.9 {
		t.Fatalf("expected truthfulness 0.9 in %s", data)
	}

	var back PhaseSpaceState
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(s) {
		t.Fatalf("round trip mismatch: %v != %v", back, s)
	}
}
