package journal

import (
	"testing"
	"time"
)

func TestMonotonicClockNeverStepsBack(t *testing.T) {
	source := &testClock{now: testEpoch.Add(time.Minute)}
	clock := newMonotonicClock(source.Now)

	first := clock.Now()
	if !first.Equal(testEpoch.Add(time.Minute)) {
		t.Fatalf("expected source time, got %s", first)
	}
	second := clock.Now()
	if !second.After(first) {
		t.Fatalf("expected a reading within the same millisecond to advance, got %s after %s", second, first)
	}

	source.Set(testEpoch)
	third := clock.Now()
	if !third.After(second) {
		t.Fatalf("expected clock to hold its floor when the source steps back, got %s after %s", third, second)
	}

	clock.Observe(testEpoch.Add(time.Hour))
	if observed := clock.Now(); !observed.After(testEpoch.Add(time.Hour)) {
		t.Fatalf("expected readings after an observed timestamp, got %s", observed)
	}

	source.Set(testEpoch.Add(2 * time.Hour))
	if caughtUp := clock.Now(); !caughtUp.Equal(testEpoch.Add(2 * time.Hour)) {
		t.Fatalf("expected clock to follow the source once it passes the floor, got %s", caughtUp)
	}
}
