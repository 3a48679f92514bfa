package payout

import (
	"testing"
	"time"
)

func TestBatchHashFor_Deterministic(t *testing.T) {
	cutoff := time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC)

	a := BatchHashFor(cutoff, ScheduleSemiMonthly)
	b := BatchHashFor(cutoff, ScheduleSemiMonthly)
	if a != b {
		t.Fatalf("hash must be deterministic: %s vs %s", a, b)
	}

	if BatchHashFor(cutoff.AddDate(0, 0, 15), ScheduleSemiMonthly) == a {
		t.Fatal("different cutoffs must hash differently")
	}
	if BatchHashFor(cutoff, "monthly") == a {
		t.Fatal("different schedule types must hash differently")
	}

	// Offset representations of the same instant agree.
	loc := time.FixedZone("X", 3*3600)
	if BatchHashFor(cutoff.In(loc), ScheduleSemiMonthly) != a {
		t.Fatal("hash must normalize to UTC")
	}
}

func TestCycleCutoff(t *testing.T) {
	cases := []struct {
		date time.Time
		want time.Time
	}{
		{time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 6, 15, 23, 59, 0, 0, time.UTC), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC), time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), time.Date(2025, 2, 16, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := CycleCutoff(tc.date); !got.Equal(tc.want) {
			t.Errorf("CycleCutoff(%s) = %s, want %s", tc.date, got, tc.want)
		}
	}
}

func TestItemIdempotencyKey(t *testing.T) {
	if got := ItemIdempotencyKey("b1", "c1"); got != "b1:c1" {
		t.Fatalf("unexpected key %q", got)
	}
}
