package ledger

import (
	"testing"
	"time"
)

// Stale-heartbeat cutoffs compare stored timestamps as strings in SQL, so
// the stored form must sort the same way the times do.
func TestTimestampOrderIsLexical(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(50 * time.Millisecond),
		base.Add(100 * time.Millisecond),
		base.Add(150 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Second + time.Nanosecond),
	}
	for i := 1; i < len(times); i++ {
		before, after := timestamp(times[i-1]), timestamp(times[i])
		if before >= after {
			t.Fatalf("%s does not sort before %s", before, after)
		}
	}
}

func TestTimestampRoundTrips(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 50_000_000, time.UTC)
	got, err := parseTimeString(timestamp(want))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("round trip = %s, want %s", got, want)
	}

	// Rows written before the fixed-width format still parse.
	legacy, err := parseTimeString("2026-03-01T12:00:00.05Z")
	if err != nil {
		t.Fatalf("parse legacy: %v", err)
	}
	if !legacy.Equal(want) {
		t.Fatalf("legacy parse = %s, want %s", legacy, want)
	}
}
