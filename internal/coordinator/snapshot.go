package coordinator

import (
	"time"

	"github.com/shopspring/decimal"

	"tariffwatch/internal/tariff"
)

// DayView bundles every derivation for one calendar day.
type DayView struct {
	Schedule  tariff.Schedule
	Stats     tariff.DailyStatistics
	Windows   []tariff.Window
	Quantiles []tariff.QuantileMembership
}

func (v DayView) empty() bool {
	return v.Schedule.Empty()
}

// Snapshot is the published result of one refresh cycle: today's views,
// tomorrow's when the vendor has released them, and freshness metadata.
// A snapshot is immutable; consumers read whichever pointer the
// coordinator last swapped in and can never observe a partial update.
type Snapshot struct {
	EntryID   string
	FetchedAt time.Time
	Today     DayView
	Tomorrow  DayView
}

// CurrentPrice returns the price of the slot containing now.
func (s *Snapshot) CurrentPrice(now time.Time) (decimal.Decimal, bool) {
	for _, view := range []DayView{s.Today, s.Tomorrow} {
		if slot, ok := view.Schedule.SlotAt(now); ok {
			return slot.Price, true
		}
	}
	return decimal.Decimal{}, false
}

// NextChange returns the next moment the price can change after now,
// looking across today and tomorrow. Zero when nothing is known past now.
func (s *Snapshot) NextChange(now time.Time) time.Time {
	if next := s.Today.Schedule.NextChange(now); !next.IsZero() {
		return next
	}
	return s.Tomorrow.Schedule.NextChange(now)
}

// TodayStats returns today's daily statistics.
func (s *Snapshot) TodayStats() tariff.DailyStatistics {
	return s.Today.Stats
}

// TomorrowStats returns tomorrow's daily statistics; the no-data sentinel
// before the vendor publishes them.
func (s *Snapshot) TomorrowStats() tariff.DailyStatistics {
	return s.Tomorrow.Stats
}

func (s *Snapshot) view(dayOffset int) (DayView, bool) {
	switch dayOffset {
	case 0:
		return s.Today, true
	case 1:
		return s.Tomorrow, true
	}
	return DayView{}, false
}

// Window returns the extremal window for the given duration, mode, and
// day offset (0 today, 1 tomorrow).
func (s *Snapshot) Window(windowMinutes int, mode tariff.WindowMode, dayOffset int) (tariff.Window, bool) {
	view, ok := s.view(dayOffset)
	if !ok {
		return tariff.Window{}, false
	}
	for _, w := range view.Windows {
		if w.WindowMinutes == windowMinutes && w.Mode == mode {
			return w, true
		}
	}
	return tariff.Window{}, false
}

// QuantileMembership returns the hour classification for the given
// fraction, mode, and day offset.
func (s *Snapshot) QuantileMembership(fraction float64, mode tariff.QuantileMode, dayOffset int) (tariff.QuantileMembership, bool) {
	view, ok := s.view(dayOffset)
	if !ok {
		return tariff.QuantileMembership{}, false
	}
	for _, q := range view.Quantiles {
		if q.Quantile == fraction && q.Mode == mode {
			return q, true
		}
	}
	return tariff.QuantileMembership{}, false
}
