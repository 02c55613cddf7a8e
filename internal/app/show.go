package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

// Runs prints the most recent archived ingestion passes.
func (a *App) Runs(ctx context.Context, opts RunsOptions, out io.Writer) error {
	s, err := a.Config.SeasonConfig()
	if err != nil {
		return err
	}
	store, closeStore, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show ingestion runs")
	}
	defer closeStore()

	runs, err := store.ListRecentRuns(ctx, s.ID, opts.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no ingestion runs found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started (UTC)\tDuration\tFull\tStatus\tRows\tWallets\tLP fail\tCursors\tError")
	for _, run := range runs {
		errMsg := ""
		if run.Error != nil {
			errMsg = sanitizeInline(*run.Error)
		}
		fmt.Fprintf(writer, "%s\t%s\t%t\t%s\t%d\t%d\t%d\t%s\t%s\n",
			run.StartedAt.UTC().Format(time.RFC3339),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond),
			run.Full,
			run.Status,
			run.RowsIngested,
			run.WalletsUpdated,
			run.LpFailures,
			formatCursors(run.Cursors),
			errMsg,
		)
	}
	return writer.Flush()
}

func formatCursors(c map[string]int64) string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s=%d", id, c[id])
	}
	return strings.Join(parts, ",")
}
