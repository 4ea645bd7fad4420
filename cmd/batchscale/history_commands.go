package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"batchscale/internal/history"
)

var errRunNotFound = errors.New("run not found")

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past runs",
	}
	historyCmd.AddCommand(newHistoryListCommand(ctx))
	historyCmd.AddCommand(newHistoryShowCommand(ctx))
	return historyCmd
}

func (c *commandContext) withHistory(fn func(*history.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := history.Open(cfg)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func newHistoryListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withHistory(func(store *history.Store) error {
				runs, err := store.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if jsonOut {
					if runs == nil {
						runs = []history.Run{}
					}
					return writeJSON(cmd, runs)
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs recorded")
					return nil
				}
				rows := make([][]string, 0, len(runs))
				for _, run := range runs {
					rows = append(rows, []string{
						run.ID,
						humanize.Time(run.StartedAt),
						string(run.Status),
						fmt.Sprintf("%d/%d", run.Processed, run.Target),
						formatElapsed(run.Elapsed),
						run.Source,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Started", "Status", "Images", "Took", "Source"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print runs as JSON")
	return cmd
}

type runDetail struct {
	history.Run
	Failures []history.Failure `json:"failures"`
}

func newHistoryShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its per-file failures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withHistory(func(store *history.Store) error {
				run, err := store.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if run == nil {
					return fmt.Errorf("%w: %s", errRunNotFound, id)
				}
				failures, err := store.Failures(cmd.Context(), id)
				if err != nil {
					return err
				}
				if failures == nil {
					failures = []history.Failure{}
				}
				if jsonOut {
					return writeJSON(cmd, runDetail{Run: *run, Failures: failures})
				}
				renderRunDetail(cmd.OutOrStdout(), *run, failures)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the run as JSON")
	return cmd
}

func renderRunDetail(out io.Writer, run history.Run, failures []history.Failure) {
	finished := "-"
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.Local().Format(time.DateTime)
	}
	rows := [][]string{
		{"ID", run.ID},
		{"Status", string(run.Status)},
		{"Source", run.Source},
		{"Output", run.OutputDir},
		{"Model", run.Model},
		{"Format", run.Format},
		{"Images", strconv.Itoa(run.Processed) + " of " + strconv.Itoa(run.Target)},
		{"Started", run.StartedAt.Local().Format(time.DateTime)},
		{"Finished", finished},
		{"Took", formatElapsed(run.Elapsed)},
		{"Failures", yesNo(len(failures) > 0)},
	}
	if run.ErrorMessage != "" {
		rows = append(rows, []string{"Error", run.ErrorMessage})
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, nil))
	if len(failures) == 0 {
		return
	}
	frows := make([][]string, 0, len(failures))
	for _, f := range failures {
		frows = append(frows, []string{f.Path, f.Kind, f.Message})
	}
	fmt.Fprintln(out, renderTable([]string{"File", "Kind", "Problem"}, frows, nil))
}

func formatElapsed(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
