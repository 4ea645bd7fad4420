package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"batchscale/internal/preflight"
)

type checkReport struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify directories, binaries, and free space before a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			results := preflight.RunAll(cmd.Context(), cfg)
			failed := 0
			for _, r := range results {
				if !r.Passed {
					failed++
				}
			}

			if jsonOut {
				reports := make([]checkReport, 0, len(results))
				for _, r := range results {
					reports = append(reports, checkReport(r))
				}
				if err := writeJSON(cmd, reports); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					rows = append(rows, []string{r.Name, passFail(r.Passed, colorize), r.Detail})
				}
				fmt.Fprintln(out, renderTable([]string{"Check", "Status", "Detail"}, rows, nil))
				fmt.Fprintf(out, "Config: %s\n", ctx.configPath)
			}

			if failed > 0 {
				return fmt.Errorf("%d readiness check(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	return cmd
}
