// Package tariff holds the canonical price schedule model and the pure
// derivation engines that operate on it. Nothing in this package performs
// I/O; raw vendor records come in, derived values go out.
package tariff

import (
	"time"

	"github.com/shopspring/decimal"
)

// MinutesPerDay is the span a complete day schedule covers.
const MinutesPerDay = 24 * 60

// Slot is one contiguous fixed-price interval. End is exclusive.
type Slot struct {
	Start time.Time
	End   time.Time
	Price decimal.Decimal
}

// Minutes returns the slot length in whole minutes.
func (s Slot) Minutes() int {
	return int(s.End.Sub(s.Start) / time.Minute)
}

// Contains reports whether t falls inside the slot.
func (s Slot) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// Schedule is an ordered, gap-free slot sequence for one calendar day.
// Immutable once built by the normalizer; a new refresh produces a new
// Schedule rather than mutating the old one.
type Schedule struct {
	Day            time.Time // local midnight of the day described
	TariffName     string
	MeteringPoint  string
	Slots          []Slot
	CoveredMinutes int
}

// Empty reports whether the schedule carries no slots at all.
func (s Schedule) Empty() bool {
	return len(s.Slots) == 0
}

// Partial reports whether the schedule covers less than the full day.
func (s Schedule) Partial() bool {
	return s.CoveredMinutes < MinutesPerDay
}

// SlotAt returns the slot containing t, if any.
func (s Schedule) SlotAt(t time.Time) (Slot, bool) {
	for _, slot := range s.Slots {
		if slot.Contains(t) {
			return slot, true
		}
	}
	return Slot{}, false
}

// NextChange returns the next moment the price can change after now:
// the end of the slot containing now, or the start of the next known
// slot. The zero time is returned when the schedule holds nothing
// beyond now.
func (s Schedule) NextChange(now time.Time) time.Time {
	if cur, ok := s.SlotAt(now); ok {
		return cur.End
	}
	for _, slot := range s.Slots {
		if slot.Start.After(now) {
			return slot.Start
		}
	}
	return time.Time{}
}

// Span returns the first start and last end of the covered range.
func (s Schedule) Span() (time.Time, time.Time) {
	if len(s.Slots) == 0 {
		return time.Time{}, time.Time{}
	}
	return s.Slots[0].Start, s.Slots[len(s.Slots)-1].End
}
