package tariff

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var testDay = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func hourlyRecords(prices []float64) []RawRecord {
	records := make([]RawRecord, 0, len(prices))
	for i, p := range prices {
		start := testDay.Add(time.Duration(i) * time.Hour)
		records = append(records, RawRecord{
			Start: start,
			End:   start.Add(time.Hour),
			Price: decimal.NewFromFloat(p),
		})
	}
	return records
}

func fullDayPrices(overrides map[int]float64) []float64 {
	prices := make([]float64, 24)
	for i := range prices {
		prices[i] = 0.15
	}
	for hour, p := range overrides {
		prices[hour] = p
	}
	return prices
}

func TestNormalizeFullDay(t *testing.T) {
	sched, err := Normalize(hourlyRecords(fullDayPrices(nil)), testDay, NormalizeOptions{TariffName: "400D"})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if sched.CoveredMinutes != MinutesPerDay {
		t.Fatalf("expected full coverage, got %d minutes", sched.CoveredMinutes)
	}
	if sched.Partial() {
		t.Fatal("full day should not be partial")
	}
	for i := 1; i < len(sched.Slots); i++ {
		if !sched.Slots[i-1].End.Equal(sched.Slots[i].Start) {
			t.Fatalf("slot %d end %s != slot %d start %s", i-1, sched.Slots[i-1].End, i, sched.Slots[i].Start)
		}
	}
}

func TestNormalizeLastWriteWins(t *testing.T) {
	records := hourlyRecords(fullDayPrices(nil))
	// Vendor correction: resent record for hour 5 with a new price.
	records = append(records, RawRecord{
		Start: testDay.Add(5 * time.Hour),
		End:   testDay.Add(6 * time.Hour),
		Price: decimal.NewFromFloat(0.42),
	})

	sched, err := Normalize(records, testDay, NormalizeOptions{})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	slot, ok := sched.SlotAt(testDay.Add(5*time.Hour + 30*time.Minute))
	if !ok {
		t.Fatal("hour 5 slot missing")
	}
	if !slot.Price.Equal(decimal.NewFromFloat(0.42)) {
		t.Fatalf("expected corrected price 0.42, got %s", slot.Price)
	}
}

func TestNormalizeGapRejected(t *testing.T) {
	records := hourlyRecords(fullDayPrices(nil))
	records = append(records[:7], records[8:]...) // drop hour 7

	_, err := Normalize(records, testDay, NormalizeOptions{})
	var malformedErr *MalformedScheduleError
	if !errors.As(err, &malformedErr) {
		t.Fatalf("expected MalformedScheduleError, got %v", err)
	}
}

func TestNormalizeOverlapRejected(t *testing.T) {
	records := hourlyRecords(fullDayPrices(nil))
	records = append(records, RawRecord{
		Start: testDay.Add(3*time.Hour + 30*time.Minute),
		End:   testDay.Add(4*time.Hour + 30*time.Minute),
		Price: decimal.NewFromFloat(0.1),
	})

	if _, err := Normalize(records, testDay, NormalizeOptions{}); err == nil {
		t.Fatal("overlapping records should be rejected")
	}
}

func TestNormalizeEndBeforeStartRejected(t *testing.T) {
	records := []RawRecord{{
		Start: testDay.Add(2 * time.Hour),
		End:   testDay.Add(1 * time.Hour),
		Price: decimal.NewFromFloat(0.1),
	}}
	if _, err := Normalize(records, testDay, NormalizeOptions{}); err == nil {
		t.Fatal("end before start should be rejected")
	}
}

func TestNormalizePartialDayAccepted(t *testing.T) {
	// Contiguous afternoon block only.
	records := hourlyRecords(fullDayPrices(nil))[14:20]
	sched, err := Normalize(records, testDay, NormalizeOptions{})
	if err != nil {
		t.Fatalf("partial but gap-free schedule should pass: %v", err)
	}
	if !sched.Partial() {
		t.Fatal("expected partial schedule")
	}
	if sched.CoveredMinutes != 6*60 {
		t.Fatalf("expected 360 covered minutes, got %d", sched.CoveredMinutes)
	}
}

func TestNormalizeClipsToDay(t *testing.T) {
	records := hourlyRecords(fullDayPrices(nil))
	// Slot crossing midnight into the next day gets clipped.
	records[23].End = records[23].End.Add(time.Hour)

	sched, err := Normalize(records, testDay, NormalizeOptions{})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if sched.CoveredMinutes != MinutesPerDay {
		t.Fatalf("expected clipped full day, got %d minutes", sched.CoveredMinutes)
	}
	_, end := sched.Span()
	if !end.Equal(testDay.AddDate(0, 0, 1)) {
		t.Fatalf("span end %s should be next midnight", end)
	}
}

func TestNormalizeAppliesVAT(t *testing.T) {
	records := hourlyRecords(fullDayPrices(nil))[:1]
	sched, err := Normalize(records, testDay, NormalizeOptions{IncludeVAT: true})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	want := decimal.NewFromFloat(0.15).Mul(decimal.NewFromInt(1).Add(VATRate))
	if !sched.Slots[0].Price.Equal(want) {
		t.Fatalf("expected VAT-inclusive price %s, got %s", want, sched.Slots[0].Price)
	}
}

func TestNextChange(t *testing.T) {
	sched, err := Normalize(hourlyRecords(fullDayPrices(nil)), testDay, NormalizeOptions{})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	now := testDay.Add(9*time.Hour + 12*time.Minute)
	if next := sched.NextChange(now); !next.Equal(testDay.Add(10 * time.Hour)) {
		t.Fatalf("inside a slot, next change should be its end, got %s", next)
	}

	// Before the covered span the next change is the first slot start.
	partial, _ := Normalize(hourlyRecords(fullDayPrices(nil))[10:12], testDay, NormalizeOptions{})
	if next := partial.NextChange(testDay); !next.Equal(testDay.Add(10 * time.Hour)) {
		t.Fatalf("expected first slot start, got %s", next)
	}

	// Past everything there is nothing to report.
	if next := sched.NextChange(testDay.Add(25 * time.Hour)); !next.IsZero() {
		t.Fatalf("expected zero time after schedule end, got %s", next)
	}
}
