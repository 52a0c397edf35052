package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"genbatch/internal/budget"
	"genbatch/internal/config"
	"genbatch/internal/dedup"
	"genbatch/internal/dispatch"
	"genbatch/internal/ledger"
	"genbatch/internal/metrics"
	"genbatch/internal/observability"
	"genbatch/internal/provider"
	"genbatch/internal/statusapi"
)

type runFlags struct {
	concurrency  int
	output       string
	ledgerPath   string
	resume       bool
	force        bool
	allowPartial bool
	waveSize     int
	listen       string
	providerURL  string
	pollInterval time.Duration
	waveTimeout  time.Duration
	jsonOut      bool
}

type runResult struct {
	RunID     string           `json:"run_id"`
	Ledger    string           `json:"ledger"`
	OutputDir string           `json:"output_dir"`
	Summary   ledger.Summary   `json:"summary"`
	Results   []ledger.Result  `json:"results"`
	Failures  []ledger.Failure `json:"failures"`
	Elapsed   string           `json:"elapsed"`
}

func newRunCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "submit a batch and collect its artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBatch(ctx, cmd, f)
		},
	}
	addManifestFlags(cmd)
	flags := cmd.Flags()
	flags.IntVar(&f.concurrency, "concurrency", config.DefaultConcurrency, "parallel submissions per wave")
	flags.StringVar(&f.output, "output", config.DefaultOutputDir, "artifact output directory")
	flags.StringVar(&f.ledgerPath, "ledger", "", "ledger file (default <output>/batch-state.json)")
	flags.BoolVar(&f.resume, "resume", false, "skip jobs the ledger already holds as completed")
	flags.BoolVar(&f.force, "force", false, "dispatch even when the credit snapshot says the budget is short")
	flags.BoolVar(&f.allowPartial, "allow-partial", false, "exit 0 even when some jobs failed")
	flags.IntVar(&f.waveSize, "wave-size", config.DefaultWaveSize, "jobs per wave (0 = whole batch in one wave)")
	flags.StringVar(&f.listen, "listen", "", "serve /healthz, /batch and /metrics on this address while running")
	flags.StringVar(&f.providerURL, "provider-url", "", "provider base URL")
	flags.DurationVar(&f.pollInterval, "poll-interval", config.DefaultPollInterval, "time between provider observations")
	flags.DurationVar(&f.waveTimeout, "wave-timeout", config.DefaultWaveTimeout, "wall-clock limit per wave")
	flags.BoolVar(&f.jsonOut, "json", false, "print JSON output")
	return cmd
}

func runBatch(ctx context.Context, cmd *cobra.Command, f runFlags) (retErr error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg, f)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	log := observability.NewLogger(cfg.Logging, cmd.ErrOrStderr())

	mf, err := loadManifest(cmd)
	if err != nil {
		return err
	}

	snap, err := budget.LoadSnapshot(cfg.Budget.SnapshotPath)
	if err != nil {
		return err
	}
	guard := budget.NewGuard(budget.GuardOptions{
		Table:    budget.NewCostTable(cfg.Budget.Costs, cfg.Budget.ModelCosts),
		Snapshot: snap,
		TTL:      cfg.Budget.SnapshotTTL,
		Force:    f.force,
	})

	prov, err := provider.NewHTTP(provider.HTTPOptions{
		BaseURL: cfg.Provider.BaseURL,
		Timeout: cfg.Provider.Timeout,
	})
	if err != nil {
		return err
	}

	ledgerPath := resolveLedgerPath(f.ledgerPath, cfg, cfg.Batch.OutputDir)
	book, err := ledger.Open(ledgerPath, ledger.Options{
		Total:        len(mf.Jobs),
		Concurrency:  cfg.Batch.Concurrency,
		ManifestHash: mf.Hash,
		Resume:       f.resume,
	})
	if err != nil {
		return err
	}
	defer closeAndKeep(book, "ledger", log, &retErr)

	rec := metrics.New()
	if addr := firstNonEmpty(f.listen, cfg.Metrics.Listen); addr != "" {
		statusapi.SetMode(cfg.Logging.Level)
		srv, err := statusapi.Listen(addr, statusapi.NewRouter(book, rec), log)
		if err != nil {
			return err
		}
		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := srv.Serve(serveCtx); err != nil {
				log.Error("status API stopped", "error", err)
			}
		}()
	}

	d := dispatch.New(prov, book, dispatch.Options{
		Concurrency:  cfg.Batch.Concurrency,
		WaveSize:     cfg.Batch.WaveSize,
		OutputDir:    cfg.Batch.OutputDir,
		PollInterval: cfg.Poll.Interval,
		WaveTimeout:  cfg.Poll.WaveTimeout,
		Dwell:        cfg.Poll.Dwell,
		MaxRetries:   cfg.Retry.MaxRetries,
		BaseDelay:    cfg.Retry.BaseDelay,
		Guard:        guard,
		Sink:         dedup.NewSink(),
		Metrics:      rec,
		Logger:       log,
	})
	sum, runErr := d.Run(ctx, mf)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	st := book.Snapshot()
	res := runResult{
		RunID:     st.RunID,
		Ledger:    ledgerPath,
		OutputDir: cfg.Batch.OutputDir,
		Summary:   sum,
		Results:   st.Results,
		Failures:  st.Failed,
		Elapsed:   (time.Duration(st.Elapsed) * time.Millisecond).Round(time.Millisecond).String(),
	}
	out := cmd.OutOrStdout()
	if f.jsonOut {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else {
		printRunResult(out, res)
	}

	if runErr != nil {
		return fmt.Errorf("interrupted, resume with --resume: %w", runErr)
	}
	if sum.Failed > 0 && !f.allowPartial {
		return fmt.Errorf("%w: %d of %d", ErrPartialFailure, sum.Failed, sum.Total)
	}
	return nil
}

// applyRunFlags lets explicitly set flags win over config values.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, f runFlags) {
	changed := cmd.Flags().Changed
	if changed("concurrency") {
		cfg.Batch.Concurrency = f.concurrency
	}
	if changed("output") {
		cfg.Batch.OutputDir = f.output
	}
	if changed("wave-size") {
		cfg.Batch.WaveSize = f.waveSize
	}
	if changed("provider-url") {
		cfg.Provider.BaseURL = f.providerURL
	}
	if changed("poll-interval") {
		cfg.Poll.Interval = f.pollInterval
	}
	if changed("wave-timeout") {
		cfg.Poll.WaveTimeout = f.waveTimeout
	}
	if changed("listen") {
		cfg.Metrics.Listen = f.listen
	}
}

func printRunResult(w io.Writer, res runResult) {
	fmt.Fprintf(w, "run_id: %s\n", res.RunID)
	fmt.Fprintf(w, "ledger: %s\n", res.Ledger)
	fmt.Fprintf(w, "output_dir: %s\n", res.OutputDir)
	fmt.Fprintf(w, "succeeded: %d\n", res.Summary.Completed)
	fmt.Fprintf(w, "failed: %d\n", res.Summary.Failed)
	fmt.Fprintf(w, "total: %d\n", res.Summary.Total)
	if res.Summary.Pending+res.Summary.Submitted > 0 {
		fmt.Fprintf(w, "unresolved: %d\n", res.Summary.Pending+res.Summary.Submitted)
	}
	fmt.Fprintf(w, "elapsed: %s\n", res.Elapsed)
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  failed[%d]: %s\n", f.Index, strings.TrimSpace(f.Error))
	}
}

// closeAndKeep closes c and reports a failure through errp unless an earlier
// error is already being returned.
func closeAndKeep(c io.Closer, what string, log *slog.Logger, errp *error) {
	if err := c.Close(); err != nil {
		log.Error("close failed", "what", what, "error", err)
		if *errp == nil {
			*errp = fmt.Errorf("close %s: %w", what, err)
		}
	}
}
