package publisher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tariffwatch/internal/coordinator"
	"tariffwatch/internal/tariff"
)

func buildSnapshot(t *testing.T) *coordinator.Snapshot {
	t.Helper()
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	records := make([]tariff.RawRecord, 0, 24)
	for i := 0; i < 24; i++ {
		start := day.Add(time.Duration(i) * time.Hour)
		records = append(records, tariff.RawRecord{
			Start: start,
			End:   start.Add(time.Hour),
			Price: decimal.NewFromFloat(0.15),
		})
	}
	sched, err := tariff.Normalize(records, day, tariff.NormalizeOptions{TariffName: "400D"})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	minWin, maxWin, err := tariff.FindWindows(sched, 120)
	if err != nil {
		t.Fatalf("windows failed: %v", err)
	}
	membership, err := tariff.ClassifyQuantile(sched, 0.25, tariff.QuantileCheapest)
	if err != nil {
		t.Fatalf("quantile failed: %v", err)
	}
	return &coordinator.Snapshot{
		EntryID:   "entry-1",
		FetchedAt: day.Add(18*time.Hour + 30*time.Minute),
		Today: coordinator.DayView{
			Schedule:  sched,
			Stats:     tariff.ComputeStatistics(sched),
			Windows:   []tariff.Window{minWin, maxWin},
			Quantiles: []tariff.QuantileMembership{membership},
		},
	}
}

func TestSnapshotPayloadShape(t *testing.T) {
	payload := snapshotPayload(buildSnapshot(t))

	if payload.EntryID != "entry-1" {
		t.Fatalf("unexpected entry id %q", payload.EntryID)
	}
	if payload.Today.Day != "2025-03-10" {
		t.Fatalf("unexpected day %q", payload.Today.Day)
	}
	if len(payload.Today.Slots) != 24 {
		t.Fatalf("expected 24 slots, got %d", len(payload.Today.Slots))
	}
	if payload.Today.Stats == nil || payload.Today.Stats.Median != "0.15" {
		t.Fatalf("unexpected stats %+v", payload.Today.Stats)
	}
	if len(payload.Today.Windows) != 2 {
		t.Fatalf("expected min and max windows, got %d", len(payload.Today.Windows))
	}
	if payload.Tomorrow != nil {
		t.Fatal("tomorrow must be omitted when the vendor has not published it")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if _, ok := decoded["tomorrow"]; ok {
		t.Fatal("empty tomorrow must not appear in the wire payload")
	}

	// The document is retained for a whole day, so momentary values would
	// go stale within the hour; consumers derive them from the slots.
	if _, ok := decoded["current_price"]; ok {
		t.Fatal("retained snapshot must not freeze a momentary price")
	}
	if _, ok := decoded["next_change"]; ok {
		t.Fatal("retained snapshot must not freeze a momentary boundary")
	}
}

func TestLinkPayloadOmitsEmptyFields(t *testing.T) {
	body, err := json.Marshal(linkPayload{
		Status:    string(coordinator.LinkLinked),
		CheckedAt: "2025-03-10T18:30:00Z",
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if _, ok := decoded["linking_url"]; ok {
		t.Fatal("linking_url must be omitted when linked")
	}
	if _, ok := decoded["last_error"]; ok {
		t.Fatal("last_error must be omitted on success")
	}
}
