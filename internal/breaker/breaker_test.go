package breaker

import (
	"testing"
	"time"

	"github.com/meshgate/meshgate/internal/clock"
)

func newTestBreaker(now *time.Time) *Breaker {
	cfg := Config{
		VolumeThreshold:        4,
		ErrorThresholdFraction: 0.5,
		ResetTimeout:           30 * time.Second,
		WindowDuration:         10 * time.Second,
		MaxSamples:             100,
	}
	return NewWithClock(cfg, clock.Func(func() time.Time { return *now }))
}

func TestBreaker_StartsClosedAndAllows(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	if !b.Allow() {
		t.Fatal("expected a fresh breaker to admit requests")
	}
	if b.State() != Closed {
		t.Fatalf("State() = %v, want Closed", b.State())
	}
}

func TestBreaker_StaysClosedBelowVolumeThreshold(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Fatalf("State() = %v, want Closed (below volume threshold)", b.State())
	}
}

func TestBreaker_OpensWhenErrorFractionReachedAtVolume(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != Open {
		t.Fatalf("State() = %v, want Open", b.State())
	}
	if b.Allow() {
		t.Fatal("expected Allow() to reject while open")
	}
}

func TestBreaker_StaysClosedWhenErrorFractionBelowThreshold(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()

	if b.State() != Closed {
		t.Fatalf("State() = %v, want Closed (25%% failures)", b.State())
	}
}

func TestBreaker_TransitionsToHalfOpenAfterResetTimeout(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Open {
		t.Fatalf("State() = %v, want Open", b.State())
	}

	now = now.Add(31 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("State() = %v, want HalfOpen after reset timeout", b.State())
	}
}

func TestBreaker_Stats_ResolvesHalfOpenTransitionWithoutStateCall(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}

	now = now.Add(31 * time.Second)

	// Stats must resolve the same time-based Open->HalfOpen transition as
	// State, even if the caller never calls State first.
	if state, _, _ := b.Stats(); state != HalfOpen {
		t.Fatalf("Stats() state = %v, want HalfOpen after reset timeout", state)
	}
}

func TestBreaker_HalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	now = now.Add(31 * time.Second)

	if !b.Allow() {
		t.Fatal("expected the first half-open request to be admitted as the probe")
	}
	if b.Allow() {
		t.Fatal("expected a second concurrent half-open request to be rejected")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	now = now.Add(31 * time.Second)
	b.Allow()
	b.RecordSuccess()

	if b.State() != Closed {
		t.Fatalf("State() = %v, want Closed after successful probe", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected Allow() to admit after closing")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	now = now.Add(31 * time.Second)
	b.Allow()
	b.RecordFailure()

	if b.State() != Open {
		t.Fatalf("State() = %v, want Open after failed probe", b.State())
	}
}

func TestBreaker_PrunesSamplesOutsideWindowDuration(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	b.RecordFailure()
	b.RecordFailure()
	now = now.Add(11 * time.Second) // older than the 10s window
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != Closed {
		t.Fatalf("State() = %v, want Closed (earlier failures pruned out of window)", b.State())
	}
}
