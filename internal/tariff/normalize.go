package tariff

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// VATRate is the Swiss VAT applied to energy prices when requested.
var VATRate = decimal.NewFromFloat(0.081)

// RawRecord is a vendor price record after JSON decoding but before
// normalization. Both the public and the customer endpoint reduce to this
// shape, which keeps everything downstream auth-agnostic.
type RawRecord struct {
	Start time.Time
	End   time.Time
	Price decimal.Decimal
}

// NormalizeOptions tune schedule construction.
type NormalizeOptions struct {
	TariffName    string
	MeteringPoint string
	IncludeVAT    bool
}

// Normalize builds the canonical schedule for the day starting at
// dayStart (a local midnight) from raw records. Records outside the day
// are clipped to its bounds; duplicate starts resolve last-write-wins,
// since vendor corrections arrive as resent full-day payloads. Any gap or
// overlap between surviving slots is a MalformedScheduleError; a schedule
// that covers less than the full day without gaps is accepted as partial.
func Normalize(records []RawRecord, dayStart time.Time, opts NormalizeOptions) (Schedule, error) {
	loc := dayStart.Location()
	dayEnd := dayStart.AddDate(0, 0, 1)

	byStart := make(map[int64]RawRecord)
	for _, rec := range records {
		if rec.Start.IsZero() || rec.End.IsZero() {
			return Schedule{}, malformed("record with missing timestamp")
		}
		start := rec.Start.In(loc)
		end := rec.End.In(loc)
		if !end.After(start) {
			return Schedule{}, malformed("record end %s not after start %s", end, start)
		}
		if rec.Price.IsNegative() {
			return Schedule{}, malformed("negative price %s at %s", rec.Price, start)
		}
		if start.Before(dayStart) {
			start = dayStart
		}
		if end.After(dayEnd) {
			end = dayEnd
		}
		if !end.After(start) {
			continue // entirely outside the day
		}
		if start.Sub(dayStart)%time.Minute != 0 || end.Sub(dayStart)%time.Minute != 0 {
			return Schedule{}, malformed("record at %s not aligned to whole minutes", start)
		}
		byStart[start.UnixNano()] = RawRecord{Start: start, End: end, Price: rec.Price}
	}

	slots := make([]Slot, 0, len(byStart))
	for _, rec := range byStart {
		price := rec.Price
		if opts.IncludeVAT {
			price = price.Mul(decimal.NewFromInt(1).Add(VATRate))
		}
		slots = append(slots, Slot{Start: rec.Start, End: rec.End, Price: price})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })

	covered := 0
	for i, slot := range slots {
		if i > 0 {
			prev := slots[i-1]
			if slot.Start.Before(prev.End) {
				return Schedule{}, malformed("slots overlap at %s", slot.Start)
			}
			if slot.Start.After(prev.End) {
				return Schedule{}, malformed("gap between %s and %s", prev.End, slot.Start)
			}
		}
		covered += slot.Minutes()
	}

	return Schedule{
		Day:            dayStart,
		TariffName:     opts.TariffName,
		MeteringPoint:  opts.MeteringPoint,
		Slots:          slots,
		CoveredMinutes: covered,
	}, nil
}
