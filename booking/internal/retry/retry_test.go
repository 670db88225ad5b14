package retry

import (
	"testing"
	"time"
)

func TestDelayDoublesWithoutJitter(t *testing.T) {
	p := Policy{Base: 5 * time.Second, Cap: 5 * time.Minute}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayCaps(t *testing.T) {
	p := Policy{Base: 5 * time.Second, Cap: time.Minute}
	if got := p.Delay(10); got != time.Minute {
		t.Fatalf("capped delay = %v, want 1m", got)
	}
	// Large attempt counts must not overflow past the cap.
	if got := p.Delay(64); got != time.Minute {
		t.Fatalf("delay at attempt 64 = %v, want 1m", got)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{Base: 10 * time.Second, Cap: 5 * time.Minute, Jitter: 0.2}
	lo, hi := 8*time.Second, 12*time.Second
	for i := 0; i < 200; i++ {
		got := p.Delay(1)
		if got < lo || got > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestDelayDefensiveInputs(t *testing.T) {
	p := Policy{}
	if got := p.Delay(0); got != 5*time.Second {
		t.Fatalf("zero policy delay = %v, want 5s default", got)
	}
}

func TestDefaultPolicyValues(t *testing.T) {
	p := DefaultPolicy()
	if p.Base != 5*time.Second || p.Cap != 5*time.Minute || p.Jitter != 0.2 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}

func TestNextAttemptAt(t *testing.T) {
	p := Policy{Base: 5 * time.Second}
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	if got := p.NextAttemptAt(now, 2); !got.Equal(now.Add(10 * time.Second)) {
		t.Fatalf("next attempt = %v", got)
	}
}
