// Package dispatch drives a manifest through a provider in waves: a bounded
// pool submits the wave, then a single polling loop detects completions,
// correlates them to jobs and finalizes the artifacts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"genbatch/internal/budget"
	"genbatch/internal/clock"
	"genbatch/internal/correlate"
	"genbatch/internal/dedup"
	"genbatch/internal/detect"
	"genbatch/internal/ledger"
	"genbatch/internal/metrics"
	"genbatch/internal/model"
	"genbatch/internal/observability"
	"genbatch/internal/provider"
	"genbatch/internal/retry"
)

const (
	DefaultConcurrency  = 3
	DefaultPollInterval = 3 * time.Second
	DefaultWaveTimeout  = 10 * time.Minute

	ReasonTimeout            = "timeout"
	ReasonCorrelationTimeout = "correlation timeout"
)

type Options struct {
	Concurrency int
	// WaveSize 0 submits the whole batch as one wave before polling.
	WaveSize     int
	OutputDir    string
	PollInterval time.Duration
	WaveTimeout  time.Duration
	Dwell        time.Duration
	MaxRetries   int
	BaseDelay    time.Duration

	Guard   *budget.Guard
	Sink    *dedup.Sink
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Clock   clock.Clock
	Tracer  trace.Tracer
}

type Dispatcher struct {
	provider provider.Provider
	ledger   *ledger.Ledger
	opts     Options
	log      *slog.Logger
	clock    clock.Clock
	tracer   trace.Tracer
}

func New(p provider.Provider, l *ledger.Ledger, opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.WaveSize < 0 {
		opts.WaveSize = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.WaveTimeout <= 0 {
		opts.WaveTimeout = DefaultWaveTimeout
	}
	if opts.Dwell <= 0 {
		opts.Dwell = detect.DefaultDwell
	}
	if opts.Sink == nil {
		opts.Sink = dedup.NewSink()
	}
	d := &Dispatcher{
		provider: p,
		ledger:   l,
		opts:     opts,
		log:      opts.Logger,
		clock:    opts.Clock,
		tracer:   opts.Tracer,
	}
	if d.log == nil {
		d.log = observability.Discard()
	}
	if d.clock == nil {
		d.clock = clock.Real{}
	}
	if d.tracer == nil {
		d.tracer = observability.Tracer()
	}
	return d
}

// Run processes every job the ledger does not already hold as completed.
// Job failures are recorded in the ledger, not returned; the error is for
// persistence failures and cancellation.
func (d *Dispatcher) Run(ctx context.Context, m model.Manifest) (ledger.Summary, error) {
	if len(m.Jobs) != d.ledger.Total() {
		return d.ledger.Summary(), fmt.Errorf("manifest has %d jobs, ledger has %d", len(m.Jobs), d.ledger.Total())
	}

	todo := make([]model.JobSpec, 0, len(m.Jobs))
	for _, job := range m.Jobs {
		switch d.ledger.Status(job.Index) {
		case model.StatusPending, model.StatusSubmitted:
			todo = append(todo, job)
		}
	}
	d.log.InfoContext(ctx, "batch starting",
		"run_id", d.ledger.RunID(),
		"total", len(m.Jobs),
		"todo", len(todo),
		"concurrency", d.opts.Concurrency,
		"wave_size", d.opts.WaveSize,
	)

	waves := splitWaves(todo, d.opts.WaveSize)
	for n, wave := range waves {
		if err := ctx.Err(); err != nil {
			return d.ledger.Summary(), err
		}
		if err := d.runWave(ctx, n+1, len(waves), wave); err != nil {
			return d.ledger.Summary(), err
		}
	}

	sum := d.ledger.Summary()
	d.log.InfoContext(ctx, "batch finished",
		"succeeded", sum.Completed,
		"failed", sum.Failed,
		"total", sum.Total,
	)
	return sum, ctx.Err()
}

func splitWaves(jobs []model.JobSpec, size int) [][]model.JobSpec {
	if len(jobs) == 0 {
		return nil
	}
	if size <= 0 || size >= len(jobs) {
		return [][]model.JobSpec{jobs}
	}
	var out [][]model.JobSpec
	for start := 0; start < len(jobs); start += size {
		out = append(out, jobs[start:min(start+size, len(jobs))])
	}
	return out
}

// inflight is a submitted job waiting for its artifact.
type inflight struct {
	job         model.JobSpec
	submittedAt time.Time
}

func (d *Dispatcher) runWave(ctx context.Context, number, count int, jobs []model.JobSpec) error {
	ctx, span := d.tracer.Start(ctx, "wave", trace.WithAttributes(
		attribute.Int("wave.number", number),
		attribute.Int("wave.jobs", len(jobs)),
	))
	defer span.End()

	started := d.clock.Now()
	log := d.log.With("wave", number, "waves", count)

	baseline, err := d.observe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WarnContext(ctx, "baseline observation failed, assuming empty provider", "error", err)
		baseline = model.ObservedState{}
	}
	session := correlate.NewSession()
	session.Exclude(baseline.Entries)
	detector := detect.New(detect.BaselineFrom(baseline), d.opts.Dwell, d.clock)

	submitted, err := d.submitWave(ctx, log, jobs)
	if err != nil {
		return err
	}
	if len(submitted) > 0 {
		if err := d.pollWave(ctx, log, started, session, detector, submitted); err != nil {
			return err
		}
	}

	d.opts.Metrics.WaveDuration(d.clock.Now().Sub(started))
	return nil
}

// submitWave runs exactly min(concurrency, len(jobs)) workers. Workers share
// the next-index counter and write only their own slot of tokens.
func (d *Dispatcher) submitWave(ctx context.Context, log *slog.Logger, jobs []model.JobSpec) ([]inflight, error) {
	workers := min(d.opts.Concurrency, len(jobs))
	tokens := make([]*provider.SubmissionToken, len(jobs))

	var next atomic.Int64
	var stopAll atomic.Bool
	var fatalMu sync.Mutex
	var fatalErr error
	setFatal := func(err error) {
		if err == nil {
			return
		}
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
		stopAll.Store(true)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				i := int(next.Add(1) - 1)
				if i >= len(jobs) || stopAll.Load() || ctx.Err() != nil {
					return
				}
				tok, err := d.submitOne(ctx, log.With("worker", workerID), jobs[i])
				if err != nil {
					setFatal(err)
					continue
				}
				tokens[i] = tok
			}
		}(w + 1)
	}
	wg.Wait()

	if fatalErr != nil {
		return nil, fatalErr
	}

	out := make([]inflight, 0, len(jobs))
	for i, tok := range tokens {
		if tok == nil {
			continue
		}
		at := tok.SubmittedAt
		if at.IsZero() {
			at = d.clock.Now()
		}
		out = append(out, inflight{job: jobs[i], submittedAt: at})
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].submittedAt.Before(out[b].submittedAt)
	})
	return out, nil
}

// submitOne returns a token when the provider accepted the job. A nil token
// with a nil error means the job was failed or left pending; the error is
// reserved for ledger persistence failures.
func (d *Dispatcher) submitOne(ctx context.Context, log *slog.Logger, job model.JobSpec) (*provider.SubmissionToken, error) {
	ctx, span := d.tracer.Start(ctx, "submit", trace.WithAttributes(attribute.Int("job.index", job.Index)))
	defer span.End()

	decision, err := d.opts.Guard.Admit(job)
	if err != nil {
		d.opts.Metrics.BudgetDecision("rejected")
		log.WarnContext(ctx, "job rejected by budget guard", "index", job.Index, "reason", decision.Reason)
		d.opts.Metrics.Failed("budget", false)
		return nil, d.ledger.MarkFailed(job.Index, err.Error())
	}
	switch {
	case decision.Unlimited:
		d.opts.Metrics.BudgetDecision("unlimited")
	case decision.Advisory:
		d.opts.Metrics.BudgetDecision("advisory")
	default:
		d.opts.Metrics.BudgetDecision("ok")
	}

	policy := d.retryPolicy("submit", log)
	tok, err := retry.Value(ctx, policy, func(ctx context.Context) (provider.SubmissionToken, error) {
		return d.provider.Submit(ctx, job)
	})
	if err != nil {
		d.opts.Guard.Release(decision)
		if ctx.Err() != nil {
			return nil, nil
		}
		log.WarnContext(ctx, "submit failed", "index", job.Index, "error", err)
		d.opts.Metrics.Failed(failureClass(err), false)
		return nil, d.ledger.MarkFailed(job.Index, fmt.Sprintf("submit: %v", err))
	}

	if err := d.ledger.MarkSubmitted(job.Index); err != nil {
		return nil, err
	}
	d.opts.Metrics.Submitted()
	log.InfoContext(ctx, "job submitted", "index", job.Index, "cost", decision.Cost)
	return &tok, nil
}

func (d *Dispatcher) pollWave(ctx context.Context, log *slog.Logger, started time.Time, session *correlate.Session, detector *detect.Detector, submitted []inflight) error {
	deadline := started.Add(d.opts.WaveTimeout)
	unresolved := submitted
	sawCompletion := false

	for len(unresolved) > 0 {
		if !d.clock.Now().Before(deadline) {
			break
		}
		if err := d.clock.Sleep(ctx, d.opts.PollInterval); err != nil {
			return ctx.Err()
		}

		state, err := d.provider.Observe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WarnContext(ctx, "observe failed", "error", err)
			continue
		}
		d.opts.Metrics.Poll()

		ev := detector.Observe(state)
		if ev == detect.EventDwell {
			d.opts.Metrics.DetectorEvent(ev.String())
			log.InfoContext(ctx, "no provider activity, refreshing", "dwell", detector.Dwell())
			state, ev = d.refreshAndRecheck(ctx, log, detector, state)
		}
		if ev != detect.EventNone {
			d.opts.Metrics.DetectorEvent(ev.String())
			log.DebugContext(ctx, "detector event", "event", ev.String(), "phase", detector.Phase().String())
		}
		if ev == detect.EventProgress || detector.Drained() || state.Ready() > detector.Baseline().Ready {
			sawCompletion = true
		}

		pending := make([]correlate.PendingJob, len(unresolved))
		for i, f := range unresolved {
			pending[i] = correlate.PendingJob{Index: f.job.Index, Hint: f.job.ProviderHint}
		}
		claims := session.Reconcile(pending, state.Entries, correlate.Options{OrderFallback: detector.Drained()})
		if len(claims) == 0 {
			continue
		}

		remaining := make([]inflight, 0, len(unresolved))
		for _, f := range unresolved {
			claim, ok := claims[f.job.Index]
			if !ok {
				remaining = append(remaining, f)
				continue
			}
			d.opts.Metrics.Claim(claim.Method)
			log.InfoContext(ctx, "job matched",
				"index", f.job.Index,
				"entry", claim.EntryKey,
				"method", claim.Method,
				"score", claim.Score,
			)
			if err := d.finalize(ctx, log, f.job, claim); err != nil {
				return err
			}
		}
		unresolved = remaining
	}

	if len(unresolved) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	reason := ReasonTimeout
	if sawCompletion {
		reason = ReasonCorrelationTimeout
	}
	for _, f := range unresolved {
		log.WarnContext(ctx, "job unresolved at wave deadline", "index", f.job.Index, "reason", reason)
		d.opts.Metrics.Failed(reason, true)
		if err := d.ledger.MarkFailed(f.job.Index, reason); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) refreshAndRecheck(ctx context.Context, log *slog.Logger, detector *detect.Detector, state model.ObservedState) (model.ObservedState, detect.Event) {
	if r, ok := d.provider.(provider.Refresher); ok {
		if err := r.Refresh(ctx); err != nil {
			log.WarnContext(ctx, "refresh failed", "error", err)
		}
	}
	fresh, err := d.provider.Observe(ctx)
	if err != nil {
		log.WarnContext(ctx, "observe after refresh failed", "error", err)
		return state, detector.Recheck(state)
	}
	return fresh, detector.Recheck(fresh)
}

func (d *Dispatcher) observe(ctx context.Context) (model.ObservedState, error) {
	return retry.Value(ctx, d.retryPolicy("observe", d.log), d.provider.Observe)
}

func (d *Dispatcher) retryPolicy(label string, log *slog.Logger) retry.Policy {
	return retry.Policy{
		MaxRetries: d.opts.MaxRetries,
		BaseDelay:  d.opts.BaseDelay,
		Label:      label,
		Clock:      d.clock,
		Logger:     log,
		OnRetry: func(label string, _ int, _ time.Duration, _ error) {
			d.opts.Metrics.Retry(label)
		},
	}
}

func failureClass(err error) string {
	switch {
	case errors.Is(err, model.ErrContentPolicy):
		return "content_policy"
	case errors.Is(err, model.ErrInsufficientBudget):
		return "budget"
	case errors.Is(err, model.ErrMissingInput):
		return "missing_input"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	default:
		return "transient"
	}
}
