package queue

import (
	"testing"
	"time"
)

func TestDelayForAttempt_Schedule(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 250, BackoffFactor: 8, MaxDelayMS: 16_000, Jitter: false}
	if got := DelayForAttempt(1, cfg, "s"); got != 250*time.Millisecond {
		t.Fatalf("attempt 1: got %v want 250ms", got)
	}
	if got := DelayForAttempt(2, cfg, "s"); got != 2*time.Second {
		t.Fatalf("attempt 2: got %v want 2s", got)
	}
	if got := DelayForAttempt(3, cfg, "s"); got != 16*time.Second {
		t.Fatalf("attempt 3: got %v want 16s", got)
	}
	// Capped thereafter.
	if got := DelayForAttempt(4, cfg, "s"); got != 16*time.Second {
		t.Fatalf("attempt 4: got %v want 16s", got)
	}
}

func TestDelayForAttempt_JitterDeterministicAndBounded(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 100, BackoffFactor: 1, MaxDelayMS: 1000, Jitter: true}
	a := DelayForAttempt(1, cfg, "seed-a")
	b := DelayForAttempt(1, cfg, "seed-a")
	if a != b {
		t.Fatalf("same seed produced different delays: %v vs %v", a, b)
	}
	lo, hi := 50*time.Millisecond, 150*time.Millisecond
	if a < lo || a > hi {
		t.Fatalf("delay out of jitter range: got %v want within [%v, %v]", a, lo, hi)
	}
	if DelayForAttempt(1, cfg, "seed-b") == a {
		t.Fatal("different seeds should usually differ")
	}
}

func TestDelayForAttempt_Degenerate(t *testing.T) {
	if got := DelayForAttempt(0, BackoffConfig{InitialDelayMS: 10, BackoffFactor: 2, MaxDelayMS: 100}, "s"); got != 10*time.Millisecond {
		t.Fatalf("attempt 0 clamps to 1: got %v", got)
	}
	if got := DelayForAttempt(3, BackoffConfig{}, "s"); got != 0 {
		t.Fatalf("zero config: got %v want 0", got)
	}
}
