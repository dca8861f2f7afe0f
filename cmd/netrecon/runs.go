package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/aspnmy/netrecon/internal/app"
	"github.com/aspnmy/netrecon/internal/store"
)

var runsFlagKeys = flagKeys{
	"db":     "store.path",
	"format": "output.format",
}

func newRunsCmd(opts *globalOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List scan runs stored in the results database, or show one run's hosts",
		Example: `  netrecon runs --db results.db --status interrupted
  netrecon runs 3f0c9a2e-6d1b-4c8e-9b7a-1d2e3f4a5b6c --db results.db --format jsonl`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd, runsFlagKeys)
			if err != nil {
				return err
			}
			a := app.New(app.Deps{Config: cfg, Version: version, Stdout: cmd.OutOrStdout()})

			if len(args) == 1 {
				info, err := a.ShowRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "run %s: %s, %d/%d hosts recorded, %d errors\n",
					info.ID, info.Status, info.HostCount, len(info.Targets), info.ErrorCount)
				return nil
			}

			runs, err := a.Runs(cmd.Context(), status)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs found")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRuns(cmd.OutOrStdout(), runs))
			return nil
		},
	}

	cmd.Flags().String("db", "", "SQLite results database")
	cmd.Flags().StringP("format", "f", "text", "Output format for a single run's hosts: text, json, jsonl, csv")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status: running, completed, interrupted, failed")

	return cmd
}

// renderRuns draws the run list as a table
func renderRuns(w io.Writer, runs []store.RunInfo) string {
	r := lipgloss.NewRenderer(w)
	header := r.NewStyle().Bold(true).Padding(0, 1)
	cell := r.NewStyle().Padding(0, 1)
	interrupted := cell.Foreground(lipgloss.Color("#FFA500"))
	failed := cell.Foreground(lipgloss.Color("#FF5F5F"))

	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		finished := "-"
		if !run.FinishedAt.IsZero() {
			finished = run.FinishedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			run.ID,
			run.StartedAt.Local().Format(time.DateTime),
			finished,
			run.Status,
			strconv.FormatInt(run.HostCount, 10) + "/" + strconv.Itoa(len(run.Targets)),
			strconv.FormatInt(run.ErrorCount, 10),
			summarizeTargets(run.Targets),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN ID", "STARTED", "FINISHED", "STATUS", "HOSTS", "ERRORS", "TARGETS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return header
			case row >= 0 && row < len(rows) && col == 3 && rows[row][3] == store.StatusInterrupted:
				return interrupted
			case row >= 0 && row < len(rows) && col == 3 && rows[row][3] == store.StatusFailed:
				return failed
			}
			return cell
		})

	return t.Render()
}

// summarizeTargets keeps long target lists to one short cell
func summarizeTargets(targets []string) string {
	const shown = 3
	if len(targets) <= shown {
		return strings.Join(targets, ",")
	}
	return fmt.Sprintf("%s,... (+%d)", strings.Join(targets[:shown], ","), len(targets)-shown)
}
