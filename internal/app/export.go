package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"tariffwatch/internal/storage"
)

// Export renders one day's persisted price curve as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.EntryID == "" {
		return errors.New("--entry is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	loc := a.Config.Location()
	day := opts.Day
	if day.IsZero() {
		now := time.Now().In(loc)
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	} else {
		day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	}

	slots, err := store.ListSlotsBetween(ctx, opts.EntryID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		a.Logger.Info().Str("entry_id", opts.EntryID).Str("day", day.Format("2006-01-02")).Msg("no slots found for export day")
		return nil
	}

	downsampled := downsampleSlots(slots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(slots)).Int("exported", len(downsampled)).Msg("exporting slots")

	if opts.CSVPath != "" {
		if err := writeSlotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSlotsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSlots(slots []storage.StoredSlot, max int) []storage.StoredSlot {
	if max <= 0 || len(slots) <= max {
		return slots
	}

	result := make([]storage.StoredSlot, 0, max)
	step := float64(len(slots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(slots) {
			idx = len(slots) - 1
		}
		result = append(result, slots[idx])
	}
	return result
}

func writeSlotsCSV(path string, slots []storage.StoredSlot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"slot_start", "slot_end", "price_chf_kwh"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, slot := range slots {
		record := []string{
			slot.Start.Format(time.RFC3339),
			slot.End.Format(time.RFC3339),
			slot.Price.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// writeSlotsPNG renders the day as a step curve: each slot contributes
// its price at both boundaries so the chart shows the actual plateaus.
func writeSlotsPNG(path string, slots []storage.StoredSlot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(slots)*2)
	prices := make([]float64, 0, len(slots)*2)
	for _, slot := range slots {
		price := slot.Price.InexactFloat64()
		x = append(x, slot.Start, slot.End)
		prices = append(prices, price, price)
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (CHF/kWh)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Tariff",
				XValues: x,
				YValues: prices,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
