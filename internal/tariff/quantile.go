package tariff

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// QuantileMode selects which end of the price distribution a membership
// classifies.
type QuantileMode string

const (
	QuantileCheapest      QuantileMode = "cheapest"
	QuantileMostExpensive QuantileMode = "most_expensive"
)

// QuantileMembership is the set of hours whose price ranks within a given
// percentile of the day.
type QuantileMembership struct {
	Quantile    float64
	Mode        QuantileMode
	Threshold   decimal.Decimal
	MemberHours []int
}

// HourlyPrices assigns each hour of the day the minute-weighted average
// price of the slots overlapping it; an hour may span multiple slots.
// Returns false when fewer than all 24 hours are represented.
func HourlyPrices(s Schedule) ([24]decimal.Decimal, bool) {
	var sums [24]decimal.Decimal
	var minutes [24]int64

	for _, slot := range s.Slots {
		startMin := int(slot.Start.Sub(s.Day) / time.Minute)
		endMin := int(slot.End.Sub(s.Day) / time.Minute)
		if startMin < 0 {
			startMin = 0
		}
		if endMin > MinutesPerDay {
			endMin = MinutesPerDay
		}
		for h := startMin / 60; h < 24 && h*60 < endMin; h++ {
			lo := max(startMin, h*60)
			hi := min(endMin, (h+1)*60)
			if hi <= lo {
				continue
			}
			overlap := int64(hi - lo)
			sums[h] = sums[h].Add(slot.Price.Mul(decimal.NewFromInt(overlap)))
			minutes[h] += overlap
		}
	}

	var prices [24]decimal.Decimal
	for h := range prices {
		if minutes[h] == 0 {
			return prices, false
		}
		prices[h] = sums[h].Div(decimal.NewFromInt(minutes[h]))
	}
	return prices, true
}

// ClassifyQuantile partitions the day's 24 hourly prices around the price
// at the requested quantile. Hours exactly equal to the threshold are
// included on both modes; the member set may therefore exceed
// 24*quantile when prices repeat, which is documented vendor behaviour.
// Fails when fewer than 24 distinct hours are represented.
func ClassifyQuantile(s Schedule, quantile float64, mode QuantileMode) (QuantileMembership, error) {
	hourly, complete := HourlyPrices(s)
	if !complete {
		return QuantileMembership{}, &InsufficientCoverageError{
			NeedMinutes: MinutesPerDay,
			HaveMinutes: s.CoveredMinutes,
		}
	}

	sorted := make([]decimal.Decimal, 24)
	copy(sorted, hourly[:])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	var idx int
	if mode == QuantileCheapest {
		idx = int(float64(len(sorted)) * quantile)
	} else {
		idx = int(float64(len(sorted)) * (1.0 - quantile))
	}
	if idx < 0 {
		idx = 0
	}
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	threshold := sorted[idx]

	members := make([]int, 0, 24)
	for hour, price := range hourly {
		switch mode {
		case QuantileCheapest:
			if price.LessThanOrEqual(threshold) {
				members = append(members, hour)
			}
		case QuantileMostExpensive:
			if price.GreaterThanOrEqual(threshold) {
				members = append(members, hour)
			}
		}
	}
	sort.Ints(members)

	return QuantileMembership{
		Quantile:    quantile,
		Mode:        mode,
		Threshold:   threshold,
		MemberHours: members,
	}, nil
}
