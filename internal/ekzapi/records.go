package ekzapi

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"tariffwatch/internal/tariff"
)

const priceUnit = "CHF_kWh"

// integratedPrefix is prepended to tariff names on public API queries.
const integratedPrefix = "integrated_"

type priceComponent struct {
	Unit  string      `json:"unit"`
	Value json.Number `json:"value"`
}

type priceItem struct {
	StartTimestamp string           `json:"start_timestamp"`
	EndTimestamp   string           `json:"end_timestamp"`
	Integrated     []priceComponent `json:"integrated"`
}

type tariffsResponse struct {
	Prices []priceItem `json:"prices"`
}

// parseRawRecords decodes a tariffs payload into raw records. Items
// without a CHF/kWh component or with unparsable timestamps are treated as
// malformed data, not skipped: a half-decoded schedule is worse than none.
func parseRawRecords(payload []byte) ([]tariff.RawRecord, error) {
	var resp tariffsResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, &tariff.MalformedScheduleError{Reason: "unparsable tariffs payload: " + err.Error()}
	}

	records := make([]tariff.RawRecord, 0, len(resp.Prices))
	for _, item := range resp.Prices {
		start, err := time.Parse(time.RFC3339, item.StartTimestamp)
		if err != nil {
			return nil, &tariff.MalformedScheduleError{Reason: "bad start_timestamp " + item.StartTimestamp}
		}
		end, err := time.Parse(time.RFC3339, item.EndTimestamp)
		if err != nil {
			return nil, &tariff.MalformedScheduleError{Reason: "bad end_timestamp " + item.EndTimestamp}
		}

		var price decimal.Decimal
		havePrice := false
		for _, comp := range item.Integrated {
			if comp.Unit != priceUnit {
				continue
			}
			price, err = decimal.NewFromString(comp.Value.String())
			if err != nil {
				return nil, &tariff.MalformedScheduleError{Reason: "bad price value " + comp.Value.String()}
			}
			havePrice = true
			break
		}
		if !havePrice {
			return nil, &tariff.MalformedScheduleError{Reason: "price item without " + priceUnit + " component"}
		}

		records = append(records, tariff.RawRecord{Start: start, End: end, Price: price})
	}
	return records, nil
}
