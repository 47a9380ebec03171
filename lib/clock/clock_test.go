package clock

import (
	"testing"
	"time"
)

func TestVirtualClockOnlyMovesForward(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	c := NewVirtual(start)

	c.Advance(-time.Minute)
	if !c.Now().Equal(start) {
		t.Fatalf("negative advance moved the clock: %v", c.Now())
	}
	c.Advance(5 * time.Minute)
	if got := c.Now().Sub(start); got != 5*time.Minute {
		t.Fatalf("expected 5m, got %v", got)
	}
	c.Set(start)
	if got := c.Now().Sub(start); got != 5*time.Minute {
		t.Fatalf("Set into the past must be ignored, got %v", got)
	}
	c.Set(start.Add(time.Hour))
	if !c.Now().Equal(start.Add(time.Hour)) {
		t.Fatalf("Set forward failed: %v", c.Now())
	}
}

func TestSystemClockIsUTC(t *testing.T) {
	if loc := (System{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got %v", loc)
	}
}
