package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"tariffwatch/internal/service"
	"tariffwatch/internal/tariff"
)

// RefreshOnce triggers a single refresh cycle outside the daily
// schedule and prints the resulting snapshot.
func (a *App) RefreshOnce(ctx context.Context, opts RefreshOptions) error {
	svc, closer, err := a.buildService(ctx)
	if err != nil {
		return err
	}
	defer closer()

	entries := svc.Entries()
	if opts.EntryID != "" {
		entry, err := svc.Entry(opts.EntryID)
		if err != nil {
			return err
		}
		entries = []*service.Entry{entry}
	}

	var failed int
	for _, entry := range entries {
		if err := svc.RefreshEntry(ctx, entry.ID); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "entry %s: refresh failed: %v\n", entry.ID, err)
			continue
		}
		printSnapshot(entry)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d entries failed to refresh", failed, len(entries))
	}
	return nil
}

func printSnapshot(entry *service.Entry) {
	snap := entry.Coordinator.Snapshot()
	if snap == nil {
		fmt.Fprintf(os.Stdout, "entry %s: no snapshot\n", entry.ID)
		return
	}

	now := time.Now()
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Entry\t%s\n", snap.EntryID)
	fmt.Fprintf(writer, "Fetched\t%s\n", snap.FetchedAt.Format(time.RFC3339))
	if price, ok := snap.CurrentPrice(now); ok {
		fmt.Fprintf(writer, "Current price\t%s CHF/kWh\n", price.StringFixed(4))
	}
	if next := snap.NextChange(now); !next.IsZero() {
		fmt.Fprintf(writer, "Next change\t%s\n", next.Format(time.RFC3339))
	}

	for _, view := range []struct {
		label string
		stats tariff.DailyStatistics
		slots int
	}{
		{"Today", snap.Today.Stats, len(snap.Today.Schedule.Slots)},
		{"Tomorrow", snap.Tomorrow.Stats, len(snap.Tomorrow.Schedule.Slots)},
	} {
		if !view.stats.HasData {
			fmt.Fprintf(writer, "%s\tno data\n", view.label)
			continue
		}
		fmt.Fprintf(writer, "%s\t%d slots, min %s, median %s, max %s\n",
			view.label,
			view.slots,
			view.stats.Min.StringFixed(4),
			view.stats.Median.StringFixed(4),
			view.stats.Max.StringFixed(4),
		)
	}

	writer.Flush()
}
