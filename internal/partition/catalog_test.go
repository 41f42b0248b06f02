package partition

import (
	"errors"
	"testing"
	"time"

	"github.com/fleetwatch/telemetry/internal/model"
)

func TestNameDerivation(t *testing.T) {
	if got, want := Name(2025, 7), "p_202507"; got != want {
		t.Errorf("Name(2025, 7) = %q, want %q", got, want)
	}
	if got, want := Name(2025, 1), "p_202501"; got != want {
		t.Errorf("Name(2025, 1) = %q, want %q", got, want)
	}
}

func TestValidName(t *testing.T) {
	valid := []string{"p_202507", "p_000001", "p_999912"}
	invalid := []string{"p_2025071", "p_25071", "P_202507", "p202507", "p_20250a", ""}

	for _, n := range valid {
		if !ValidName(n) {
			t.Errorf("ValidName(%q) = false, want true", n)
		}
	}
	for _, n := range invalid {
		if ValidName(n) {
			t.Errorf("ValidName(%q) = true, want false", n)
		}
	}
}

func TestPartitionKeyOrdering(t *testing.T) {
	if PartitionKey(2025, 7) >= PartitionKey(2025, 8) {
		t.Errorf("expected July key to sort before August key")
	}
	if PartitionKey(2025, 12) >= PartitionKey(2026, 1) {
		t.Errorf("expected Dec 2025 key to sort before Jan 2026 key")
	}
}

func TestNextMonthRollsYear(t *testing.T) {
	y, m := nextMonth(2025, 12)
	if y != 2026 || m != 1 {
		t.Errorf("nextMonth(2025, 12) = (%d, %d), want (2026, 1)", y, m)
	}
}

func TestParseNameRoundTrip(t *testing.T) {
	year, month, err := parseName("p_202507")
	if err != nil {
		t.Fatalf("parseName returned error: %v", err)
	}
	if year != 2025 || month != 7 {
		t.Errorf("parseName = (%d, %d), want (2025, 7)", year, month)
	}

	if _, _, err := parseName("p_202513"); err == nil {
		t.Errorf("expected error for invalid month 13")
	}
	if _, _, err := parseName("not-a-partition"); err == nil {
		t.Errorf("expected error for malformed name")
	}
}

func TestCatalogTierOf(t *testing.T) {
	c := New(nil, nil)
	asOf := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)

	tier, err := c.TierOf("p_202508", model.DefaultTierThresholds(), asOf)
	if err != nil {
		t.Fatalf("TierOf returned error: %v", err)
	}
	if tier != model.TierActive {
		t.Errorf("current month tier = %v, want ACTIVE", tier)
	}

	tier, err = c.TierOf("p_202001", model.DefaultTierThresholds(), asOf)
	if err != nil {
		t.Fatalf("TierOf returned error: %v", err)
	}
	if tier != model.TierArchive {
		t.Errorf("5+ year old tier = %v, want ARCHIVE", tier)
	}
}

func TestIsDuplicateObjectFallsBackToMessageMatch(t *testing.T) {
	if !isDuplicateObject(errors.New("relation \"p_202507\" already exists")) {
		t.Errorf("expected message-based duplicate detection to match")
	}
	if isDuplicateObject(errors.New("connection refused")) {
		t.Errorf("did not expect unrelated error to match duplicate detection")
	}
}
