package serverside

import (
	"testing"
	"time"

	"github.com/BhupenT/btps-sdk/bttest"
)

func TestDedupDetectsRepeatWithinWindow(t *testing.T) {
	d := NewDedup(time.Minute, 0)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	bttest.AssertBoolEquals(t, d.Seen("alice$a.example", "id-1", now), false)
	bttest.AssertBoolEquals(t, d.Seen("alice$a.example", "id-1", now.Add(10*time.Second)), true)
}

func TestDedupAllowsRepeatAfterWindow(t *testing.T) {
	d := NewDedup(time.Minute, 0)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	bttest.AssertBoolEquals(t, d.Seen("alice$a.example", "id-1", now), false)
	bttest.AssertBoolEquals(t, d.Seen("alice$a.example", "id-1", now.Add(2*time.Minute)), false)
}

func TestDedupDistinguishesByFromAndID(t *testing.T) {
	d := NewDedup(time.Minute, 0)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	bttest.AssertBoolEquals(t, d.Seen("alice$a.example", "id-1", now), false)
	bttest.AssertBoolEquals(t, d.Seen("bob$b.example", "id-1", now), false)
	bttest.AssertBoolEquals(t, d.Seen("alice$a.example", "id-2", now), false)
}

func TestDedupEvictsOldestWhenOverCapacity(t *testing.T) {
	d := NewDedup(time.Hour, 2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d.Seen("a", "1", base)
	d.Seen("a", "2", base.Add(time.Second))
	bttest.AssertEquals(t, d.Len(), 2)

	d.Seen("a", "3", base.Add(2*time.Second))
	bttest.AssertEquals(t, d.Len(), 2)

	// "1" should have been evicted as the oldest; seeing it again looks fresh.
	bttest.AssertBoolEquals(t, d.Seen("a", "1", base.Add(3*time.Second)), false)
}
