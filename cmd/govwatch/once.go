package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"govwatch/internal/app"
	"govwatch/internal/domain"
	"govwatch/internal/task/engine"
)

var onceJSON bool

func onceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single refresh cycle and print unit statuses",
		Long: `Run one cycle synchronously, wait for queued notifications to be
delivered, then print the status of every (protocol, class) unit.

The exit status is non-zero when the cycle did not complete.`,
		Args: cobra.NoArgs,
		RunE: runOnce,
	}
	cmd.Flags().BoolVar(&onceJSON, "json", false, "print the cycle record as JSON")
	return cmd
}

func runOnce(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(ctx, cfgPath, app.Options{Version: version})
	if err != nil {
		return err
	}
	rec, err := a.RunOnce(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.StopTimeout())
	defer stopCancel()
	_ = a.Stop(stopCtx, app.StopOnceDone)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if onceJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			return err
		}
	} else {
		printCycle(out, rec)
	}
	if rec.State != engine.CycleCompleted {
		return fmt.Errorf("cycle %s ended %s", rec.CycleID, rec.State)
	}
	return nil
}

func printCycle(w io.Writer, rec domain.CycleRecord) {
	fmt.Fprintf(w, "cycle %s (%s) %s in %s\n\n", rec.CycleID, rec.Trigger, rec.State,
		rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond))

	keys := make([]string, 0, len(rec.PerUnitStatus))
	for k := range rec.PerUnitStatus {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tSTATUS\tSOURCE\tCHANGES\tDETAIL")
	for _, k := range keys {
		st := rec.PerUnitStatus[k]
		src := st.SourceName
		if st.SourceTier != "" {
			src += " (" + string(st.SourceTier) + ")"
		}
		detail := st.Error
		if detail == "" && st.State == domain.UnitDegraded {
			detail = strings.Join(st.Attempts, "; ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", k, st.State, src, st.Changes, detail)
	}
	_ = tw.Flush()
}
