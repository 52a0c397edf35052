package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"genbatch/internal/ledger"
)

type statusResult struct {
	Ledger  string         `json:"ledger"`
	State   ledger.State   `json:"state"`
	Summary ledger.Summary `json:"summary"`
}

func newStatusCommand() *cobra.Command {
	var (
		output     string
		ledgerPath string
		results    bool
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print the ledger accounting of a batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			outDir := cfg.Batch.OutputDir
			if cmd.Flags().Changed("output") {
				outDir = output
			}
			path := resolveLedgerPath(ledgerPath, cfg, outDir)

			st, err := ledger.Load(path)
			if err != nil {
				return err
			}
			res := statusResult{Ledger: path, State: st, Summary: ledger.SummaryOf(st)}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printStatus(cmd.OutOrStdout(), res, results, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "artifact output directory holding the ledger")
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "ledger file")
	cmd.Flags().BoolVar(&results, "results", false, "also list completed artifacts")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON output")
	return cmd
}

func printStatus(w io.Writer, res statusResult, withResults bool, now time.Time) {
	st, sum := res.State, res.Summary
	fmt.Fprintf(w, "ledger: %s\n", res.Ledger)
	fmt.Fprintf(w, "run_id: %s\n", st.RunID)
	fmt.Fprintf(w, "type: %s\n", st.Type)
	if started, err := time.Parse(time.RFC3339, st.StartTime); err == nil {
		fmt.Fprintf(w, "started: %s (%s)\n", st.StartTime, humanize.RelTime(started, now, "ago", "from now"))
	}
	fmt.Fprintf(w, "elapsed: %s\n", (time.Duration(st.Elapsed) * time.Millisecond).Round(time.Second))
	fmt.Fprintf(w, "concurrency: %d\n", st.Concurrency)
	fmt.Fprintf(w, "succeeded: %d\n", sum.Completed)
	fmt.Fprintf(w, "failed: %d\n", sum.Failed)
	fmt.Fprintf(w, "submitted: %d\n", sum.Submitted)
	fmt.Fprintf(w, "pending: %d\n", sum.Pending)
	fmt.Fprintf(w, "total: %d\n", sum.Total)

	if len(sum.Failures) > 0 {
		tbl := table.NewWriter()
		tbl.SetStyle(table.StyleLight)
		tbl.AppendHeader(table.Row{"Job", "Reason"})
		for _, f := range sum.Failures {
			tbl.AppendRow(table.Row{f.Index, strings.TrimSpace(f.Error)})
		}
		tbl.AppendFooter(table.Row{"", fmt.Sprintf("Failed: %d", len(sum.Failures))})
		fmt.Fprintf(w, "failures:\n%s\n", tbl.Render())
	}

	if withResults && len(st.Results) > 0 {
		tbl := table.NewWriter()
		tbl.SetStyle(table.StyleLight)
		tbl.AppendHeader(table.Row{"Job", "Artifact", "Size", "Duplicate"})
		dups := 0
		for _, r := range st.Results {
			dup := ""
			if r.Duplicate {
				dup = "yes"
				dups++
			}
			tbl.AppendRow(table.Row{r.Index, r.Path, artifactSize(r.Path), dup})
		}
		tbl.AppendFooter(table.Row{"", fmt.Sprintf("Artifacts: %d", len(st.Results)), "", fmt.Sprintf("Duplicates: %d", dups)})
		fmt.Fprintf(w, "results:\n%s\n", tbl.Render())
	}
}

// artifactSize is "-" for results that are remote URLs or files that have
// since been moved.
func artifactSize(path string) string {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "-"
	}
	return humanize.Bytes(uint64(info.Size()))
}
