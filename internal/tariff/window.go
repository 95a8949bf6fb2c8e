package tariff

import (
	"time"

	"github.com/shopspring/decimal"
)

// WindowMode selects which extremum a window search tracks.
type WindowMode string

const (
	WindowMin WindowMode = "min"
	WindowMax WindowMode = "max"
)

// Window is a contiguous span of exactly the requested duration with the
// extremal average price for its day.
type Window struct {
	Start         time.Time
	End           time.Time
	WindowMinutes int
	Average       decimal.Decimal
	Mode          WindowMode
}

// FindWindows locates the minimum-average and maximum-average contiguous
// window of windowMinutes within the schedule. Candidate starts are the
// slot boundaries, never arbitrary minute offsets. When several windows
// share the extremal average the earliest start wins. Fails with
// InsufficientCoverageError when the covered span is shorter than the
// requested duration.
func FindWindows(s Schedule, windowMinutes int) (Window, Window, error) {
	if windowMinutes <= 0 {
		return Window{}, Window{}, malformed("window duration %d must be positive", windowMinutes)
	}
	if s.CoveredMinutes < windowMinutes {
		return Window{}, Window{}, &InsufficientCoverageError{
			NeedMinutes: windowMinutes,
			HaveMinutes: s.CoveredMinutes,
		}
	}

	_, spanEnd := s.Span()
	d := time.Duration(windowMinutes) * time.Minute

	var minWin, maxWin Window
	found := false
	for _, slot := range s.Slots {
		start := slot.Start
		end := start.Add(d)
		if end.After(spanEnd) {
			break
		}
		avg := integrateOver(s, start, end).Div(decimal.NewFromInt(int64(windowMinutes)))
		if !found || avg.LessThan(minWin.Average) {
			minWin = Window{Start: start, End: end, WindowMinutes: windowMinutes, Average: avg, Mode: WindowMin}
		}
		if !found || avg.GreaterThan(maxWin.Average) {
			maxWin = Window{Start: start, End: end, WindowMinutes: windowMinutes, Average: avg, Mode: WindowMax}
		}
		found = true
	}
	if !found {
		return Window{}, Window{}, &InsufficientCoverageError{
			NeedMinutes: windowMinutes,
			HaveMinutes: s.CoveredMinutes,
		}
	}
	return minWin, maxWin, nil
}

// integrateOver sums price*minutes across [from, to).
func integrateOver(s Schedule, from, to time.Time) decimal.Decimal {
	sum := decimal.Zero
	for _, slot := range s.Slots {
		start := slot.Start
		if start.Before(from) {
			start = from
		}
		end := slot.End
		if end.After(to) {
			end = to
		}
		if !end.After(start) {
			continue
		}
		minutes := int64(end.Sub(start) / time.Minute)
		sum = sum.Add(slot.Price.Mul(decimal.NewFromInt(minutes)))
	}
	return sum
}
