package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent refresh cycles from the audit log.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show refresh history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	entryIDs := make([]string, 0, len(a.Config.Entries))
	if opts.EntryID != "" {
		entryIDs = append(entryIDs, opts.EntryID)
	} else {
		for _, entry := range a.Config.Entries {
			entryIDs = append(entryIDs, entry.ID)
		}
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Entry\tStarted (UTC)\tDuration\tStatus\tSlots\tError")

	total := 0
	for _, entryID := range entryIDs {
		records, err := store.ListRecentRefreshes(ctx, entryID, opts.Limit)
		if err != nil {
			return err
		}
		for _, rec := range records {
			errMsg := ""
			if rec.Error != nil {
				errMsg = sanitizeInline(*rec.Error)
			}
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%d\t%s\n",
				rec.EntryID,
				rec.StartedAt.UTC().Format(time.RFC3339),
				rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond),
				rec.Status,
				rec.SlotsStored,
				errMsg,
			)
		}
		total += len(records)
	}

	if total == 0 {
		fmt.Fprintln(os.Stdout, "no refresh records found")
		return nil
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
