package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"tariffwatch/internal/coordinator"
	"tariffwatch/internal/service"
)

// EMSStatus checks the EMS link state for oauth entries and prints the
// linking URL when the account still needs to complete the flow.
func (a *App) EMSStatus(ctx context.Context, opts EMSStatusOptions) error {
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

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Entry\tStatus\tChecked (UTC)\tDetail")

	checked := 0
	for _, entry := range entries {
		if entry.LinkChecker == nil {
			continue
		}
		checked++

		state := entry.LinkChecker.Check(ctx)
		detail := ""
		switch state.Status {
		case coordinator.LinkRequired:
			detail = "visit " + state.LinkingURL
		case coordinator.LinkError:
			detail = state.LastError
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			entry.ID,
			state.Status,
			state.CheckedAt.UTC().Format(time.RFC3339),
			detail,
		)
	}

	if checked == 0 {
		return errors.New("no oauth entries configured; nothing to check")
	}

	writer.Flush()
	return nil
}
