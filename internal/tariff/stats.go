package tariff

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// DailyStatistics summarises a day's price distribution. All values are
// weighted per minute covered, so a 15-minute slot counts a quarter of a
// 60-minute one. HasData is false for the empty-schedule sentinel.
type DailyStatistics struct {
	HasData        bool
	Min            decimal.Decimal
	Max            decimal.Decimal
	Mean           decimal.Decimal
	Median         decimal.Decimal
	Q25            decimal.Decimal
	Q75            decimal.Decimal
	SlotsCount     int
	CoveredMinutes int
}

// ComputeStatistics derives the daily statistics from a schedule. An empty
// schedule yields the no-data sentinel; partial and missing upstream data
// is an expected condition, not an error.
func ComputeStatistics(s Schedule) DailyStatistics {
	if s.Empty() {
		return DailyStatistics{}
	}

	type sample struct {
		price   decimal.Decimal
		minutes int
	}
	samples := make([]sample, 0, len(s.Slots))
	total := 0
	sum := decimal.Zero
	for _, slot := range s.Slots {
		m := slot.Minutes()
		samples = append(samples, sample{price: slot.Price, minutes: m})
		total += m
		sum = sum.Add(slot.Price.Mul(decimal.NewFromInt(int64(m))))
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].price.LessThan(samples[j].price) })

	// priceAt returns the price of the k-th minute (0-based) of the
	// minute-expanded, price-sorted curve.
	priceAt := func(k int) decimal.Decimal {
		cum := 0
		for _, sm := range samples {
			cum += sm.minutes
			if k < cum {
				return sm.price
			}
		}
		return samples[len(samples)-1].price
	}

	quantile := func(q float64) decimal.Decimal {
		h := q * float64(total-1)
		lo := int(math.Floor(h))
		frac := h - float64(lo)
		vLo := priceAt(lo)
		if frac == 0 || lo+1 >= total {
			return vLo
		}
		vHi := priceAt(lo + 1)
		return vLo.Add(vHi.Sub(vLo).Mul(decimal.NewFromFloat(frac)))
	}

	return DailyStatistics{
		HasData:        true,
		Min:            samples[0].price,
		Max:            samples[len(samples)-1].price,
		Mean:           sum.Div(decimal.NewFromInt(int64(total))),
		Median:         quantile(0.5),
		Q25:            quantile(0.25),
		Q75:            quantile(0.75),
		SlotsCount:     len(s.Slots),
		CoveredMinutes: total,
	}
}
