package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"genbatch/internal/budget"
	"genbatch/internal/model"
)

type estimateResult struct {
	Jobs          int     `json:"jobs"`
	EstimatedCost float64 `json:"estimated_cost"`
	Snapshot      bool    `json:"snapshot"`
	Stale         bool    `json:"stale,omitempty"`
	Remaining     float64 `json:"remaining,omitempty"`
	Plan          string  `json:"plan,omitempty"`
	SnapshotAge   string  `json:"snapshot_age,omitempty"`
	Sufficient    bool    `json:"sufficient"`
}

func newEstimateCommand() *cobra.Command {
	var (
		snapshotPath string
		jsonOut      bool
	)
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "estimate the cost of a batch against the credit snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			mf, err := loadManifest(cmd)
			if err != nil {
				return err
			}
			path := firstNonEmpty(snapshotPath, cfg.Budget.SnapshotPath)
			snap, err := budget.LoadSnapshot(path)
			if err != nil {
				return err
			}

			table := budget.NewCostTable(cfg.Budget.Costs, cfg.Budget.ModelCosts)
			res := estimate(mf.Jobs, snap, table, time.Now(), cfg.Budget.SnapshotTTL)
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printEstimate(cmd.OutOrStdout(), res, mf.Jobs)
			return nil
		},
	}
	addManifestFlags(cmd)
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "credit snapshot file")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON output")
	return cmd
}

func estimate(jobs []model.JobSpec, snap *budget.CreditSnapshot, table budget.CostTable, now time.Time, ttl time.Duration) estimateResult {
	res := estimateResult{
		Jobs:          len(jobs),
		EstimatedCost: budget.EstimateBatch(jobs, snap, table, now, ttl),
		Sufficient:    true,
	}
	if snap == nil {
		return res
	}
	res.Snapshot = true
	res.Remaining = snap.Remaining
	res.Plan = snap.Plan
	res.SnapshotAge = humanize.RelTime(snap.FetchedAt(), now, "ago", "from now")
	res.Stale = snap.IsStale(now, ttl)
	if !res.Stale {
		res.Sufficient = res.EstimatedCost <= snap.Remaining
	}
	return res
}

func printEstimate(w io.Writer, res estimateResult, jobs []model.JobSpec) {
	fmt.Fprintf(w, "jobs: %s\n", humanize.Comma(int64(res.Jobs)))
	fmt.Fprintf(w, "kinds: %s\n", kindCounts(jobs))
	fmt.Fprintf(w, "estimated_cost: %s\n", humanize.Commaf(res.EstimatedCost))
	if !res.Snapshot {
		fmt.Fprintln(w, "snapshot: none (budget checks are advisory)")
		return
	}
	fmt.Fprintf(w, "remaining: %s\n", humanize.Commaf(res.Remaining))
	if res.Plan != "" {
		fmt.Fprintf(w, "plan: %s\n", res.Plan)
	}
	fmt.Fprintf(w, "snapshot_age: %s\n", res.SnapshotAge)
	if res.Stale {
		fmt.Fprintln(w, "snapshot: stale (budget checks are advisory)")
		return
	}
	fmt.Fprintf(w, "sufficient: %t\n", res.Sufficient)
}

func kindCounts(jobs []model.JobSpec) string {
	counts := map[string]int{}
	for _, j := range jobs {
		counts[j.Kind]++
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
