package backoff

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	for _, s := range []string{"exponential", "linear", "fixed"} {
		got, err := Parse(s)
		if err != nil {
			t.Errorf("Parse(%q) returned error: %v", s, err)
		}
		if string(got) != s {
			t.Errorf("Parse(%q) = %q", s, got)
		}
	}

	if _, err := Parse("quadratic"); err == nil {
		t.Error("Parse accepted unknown strategy")
	}
	if _, err := Parse(""); err == nil {
		t.Error("Parse accepted empty strategy")
	}
}

func TestDelay_Exponential(t *testing.T) {
	base := 2 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
	}

	for _, tt := range tests {
		got := Delay(StrategyExponential, tt.attempt, base, DefaultCap)
		if got != tt.want {
			t.Errorf("exponential attempt %d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelay_Linear(t *testing.T) {
	base := 2 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 6 * time.Second},
	}

	for _, tt := range tests {
		got := Delay(StrategyLinear, tt.attempt, base, DefaultCap)
		if got != tt.want {
			t.Errorf("linear attempt %d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelay_Fixed(t *testing.T) {
	base := 5 * time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		got := Delay(StrategyFixed, attempt, base, DefaultCap)
		if got != base {
			t.Errorf("fixed attempt %d: got %v, want %v", attempt, got, base)
		}
	}
}

func TestDelay_Cap(t *testing.T) {
	// 2^9 * 2s = 1024s, well past the 300s cap.
	got := Delay(StrategyExponential, 10, 2*time.Second, DefaultCap)
	if got != DefaultCap {
		t.Errorf("expected cap %v, got %v", DefaultCap, got)
	}

	// Linear past the cap.
	got = Delay(StrategyLinear, 200, 2*time.Second, DefaultCap)
	if got != DefaultCap {
		t.Errorf("expected cap %v, got %v", DefaultCap, got)
	}
}

func TestDelay_HugeAttemptDoesNotOverflow(t *testing.T) {
	got := Delay(StrategyExponential, 100, time.Second, DefaultCap)
	if got != DefaultCap {
		t.Errorf("expected cap %v for huge attempt, got %v", DefaultCap, got)
	}
}

func TestDelay_Defaults(t *testing.T) {
	// Zero base and cap fall back to package defaults.
	got := Delay(StrategyFixed, 1, 0, 0)
	if got != DefaultBase {
		t.Errorf("expected default base %v, got %v", DefaultBase, got)
	}

	// Attempt below 1 is treated as the first retry.
	got = Delay(StrategyExponential, 0, time.Second, DefaultCap)
	if got != time.Second {
		t.Errorf("expected %v for attempt 0, got %v", time.Second, got)
	}
}
