package tstamp

import "testing"

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"2025-07-08 16:18:11",
		"2025-06-30 23:59:59",
		"2025-07-01 00:00:00",
		"2024-02-29 12:00:00", // leap day
	}
	for _, c := range cases {
		ts, err := Parse(c)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", c, err)
		}
		if got := ts.String(); got != c {
			t.Errorf("round trip mismatch: got %q want %q", got, c)
		}
	}
}

func TestParseRejectsDeviation(t *testing.T) {
	cases := []string{
		"2025-07-08T16:18:11",      // ISO separator
		"2025-07-08 16:18:11Z",     // trailing zone
		"2025-07-08 16:18:11+04:00",
		"07-08-2025 16:18:11",
		"2025-13-01 00:00:00", // invalid month
		"2025-02-30 00:00:00", // invalid day
		"2025-07-08 24:00:00", // invalid hour
		"",
		"not a timestamp",
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) expected error, got none", c)
		}
	}
}

func TestPartitionKey(t *testing.T) {
	ts := MustParse("2025-07-08 16:18:11")
	if got, want := ts.PartitionKey(), 202507; got != want {
		t.Errorf("PartitionKey() = %d, want %d", got, want)
	}
}

func TestCompareIsStringCompare(t *testing.T) {
	a := MustParse("2025-06-30 23:59:59")
	b := MustParse("2025-07-01 00:00:00")
	if !b.After(a) {
		t.Errorf("expected %v to be after %v", b, a)
	}
	if Compare(a, a) != 0 {
		t.Errorf("expected equal timestamps to compare 0")
	}
}

func TestNoZoneNormalization(t *testing.T) {
	// A Dubai device's local wall clock must round-trip exactly, with no
	// conversion applied even though it differs from a UTC reading of
	// the "same" moment.
	dubai := MustParse("2025-07-08 16:18:11")
	if dubai.String() != "2025-07-08 16:18:11" {
		t.Fatalf("expected literal string to survive unmodified, got %q", dubai.String())
	}
}
