package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genbatch/internal/budget"
	"genbatch/internal/clock"
	"genbatch/internal/ledger"
	"genbatch/internal/manifest"
	"genbatch/internal/model"
	"genbatch/internal/provider/providertest"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	dir    string
	clock  *clock.Fake
	ledger *ledger.Ledger
	opts   Options
}

func newHarness(t *testing.T, m model.Manifest) *harness {
	t.Helper()
	h := &harness{t: t, dir: t.TempDir(), clock: clock.NewFake(epoch)}
	h.ledger = h.open(m, false)
	h.opts = Options{
		Concurrency:  2,
		OutputDir:    filepath.Join(h.dir, "out"),
		PollInterval: time.Second,
		WaveTimeout:  time.Minute,
		Dwell:        10 * time.Second,
		MaxRetries:   3,
		BaseDelay:    time.Second,
		Clock:        h.clock,
	}
	return h
}

func (h *harness) open(m model.Manifest, resume bool) *ledger.Ledger {
	h.t.Helper()
	l, err := ledger.Open(filepath.Join(h.dir, ledger.FileName), ledger.Options{
		Total:        len(m.Jobs),
		ManifestHash: m.Hash,
		Resume:       resume,
		Clock:        h.clock,
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = l.Close() })
	return l
}

func (h *harness) run(p *providertest.Scripted, m model.Manifest) ledger.Summary {
	h.t.Helper()
	sum, err := New(p, h.ledger, h.opts).Run(context.Background(), m)
	require.NoError(h.t, err)
	return sum
}

func (h *harness) artifact(index int) string {
	h.t.Helper()
	rec, ok := h.ledger.Record(index)
	require.True(h.t, ok)
	require.Equal(h.t, model.StatusCompleted, rec.Status, "job %d: %s", index, rec.Reason)
	data, err := os.ReadFile(rec.ArtifactPath)
	require.NoError(h.t, err)
	return string(data)
}

func prompts(t *testing.T, defaults map[string]any, list ...string) model.Manifest {
	t.Helper()
	m, err := manifest.FromPrompts(list, defaults)
	require.NoError(t, err)
	return m
}

func TestRunMatchesSharedPrefixPromptsUnderConcurrency(t *testing.T) {
	m := prompts(t, nil, "sunset over hills", "sunset over mountains", "city skyline")
	h := newHarness(t, m)
	p := &providertest.Scripted{
		ExposeDepth:     true,
		CompletionOrder: []int{2, 0, 1},
		SubmitDelay:     20 * time.Millisecond,
	}

	sum := h.run(p, m)

	assert.True(t, sum.Succeeded(), "%+v", sum)
	assert.Equal(t, "artifact 0: sunset over hills\n", h.artifact(0))
	assert.Equal(t, "artifact 1: sunset over mountains\n", h.artifact(1))
	assert.Equal(t, "artifact 2: city skyline\n", h.artifact(2))
	assert.Len(t, p.Submitted(), 3)
	assert.Equal(t, 2, p.MaxConcurrentSubmits())
}

func TestRunCapsWorkersAtJobCount(t *testing.T) {
	m := prompts(t, nil, "harbour at dawn", "forest in fog")
	h := newHarness(t, m)
	h.opts.Concurrency = 5
	p := &providertest.Scripted{ExposeDepth: true, SubmitDelay: 20 * time.Millisecond}

	sum := h.run(p, m)

	assert.True(t, sum.Succeeded(), "%+v", sum)
	assert.Equal(t, 2, p.MaxConcurrentSubmits())
}

func TestRunKeylessEntriesIgnorePreexistingArtifacts(t *testing.T) {
	m := prompts(t, map[string]any{"echo_prompt": false}, "first hidden", "second hidden")
	h := newHarness(t, m)
	h.opts.Concurrency = 1
	p := &providertest.Scripted{
		ExposeDepth: true,
		HideLabels:  true,
		OmitKeys:    true,
		Existing:    []model.ObservedEntry{{}, {}},
	}

	sum := h.run(p, m)

	assert.True(t, sum.Succeeded(), "%+v", sum)
	assert.Equal(t, "artifact 0: first hidden\n", h.artifact(0))
	assert.Equal(t, "artifact 1: second hidden\n", h.artifact(1))
}

func TestRunFallsBackToSubmissionOrder(t *testing.T) {
	m := prompts(t, map[string]any{"echo_prompt": false}, "first hidden", "second hidden")
	h := newHarness(t, m)
	h.opts.Concurrency = 1
	p := &providertest.Scripted{ExposeDepth: true}

	sum := h.run(p, m)

	assert.True(t, sum.Succeeded(), "%+v", sum)
	assert.Equal(t, "artifact 0: first hidden\n", h.artifact(0))
	assert.Equal(t, "artifact 1: second hidden\n", h.artifact(1))
}

func TestRunDrainsThroughDwellRecheck(t *testing.T) {
	m := prompts(t, map[string]any{"echo_prompt": false}, "a", "b")
	h := newHarness(t, m)
	h.opts.Concurrency = 1
	p := &providertest.Scripted{FinishPerObserve: 2}

	sum := h.run(p, m)

	assert.True(t, sum.Succeeded(), "%+v", sum)
	assert.Equal(t, "artifact 0: a\n", h.artifact(0))
	assert.Equal(t, "artifact 1: b\n", h.artifact(1))
	assert.GreaterOrEqual(t, p.Refreshes(), 1)
}

func TestRunTimesOutOnSimulatedClock(t *testing.T) {
	m := prompts(t, nil, "never one", "never two")
	h := newHarness(t, m)
	h.opts.WaveTimeout = 30 * time.Second
	h.opts.PollInterval = 5 * time.Second
	h.opts.Dwell = time.Hour
	p := &providertest.Scripted{ExposeDepth: true, Stall: true}

	sum := h.run(p, m)

	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, []ledger.Failure{
		{Index: 0, Error: ReasonTimeout},
		{Index: 1, Error: ReasonTimeout},
	}, sum.Failures)
	assert.Equal(t, epoch.Add(30*time.Second), h.clock.Now())
	assert.Equal(t, 6, p.Observes()-1, "one baseline observation plus one per poll")
}

func TestRunReportsCorrelationTimeout(t *testing.T) {
	m := prompts(t, map[string]any{"echo_prompt": false}, "x", "y")
	h := newHarness(t, m)
	h.opts.WaveTimeout = 20 * time.Second
	h.opts.Dwell = time.Hour
	p := &providertest.Scripted{}

	sum := h.run(p, m)

	require.Equal(t, 2, sum.Failed)
	for _, f := range sum.Failures {
		assert.Equal(t, ReasonCorrelationTimeout, f.Error)
	}
}

func TestRunIsIdempotentOnResume(t *testing.T) {
	m := prompts(t, nil, "one", "two", "three")
	h := newHarness(t, m)
	first := &providertest.Scripted{ExposeDepth: true}
	require.True(t, h.run(first, m).Succeeded())
	require.NoError(t, h.ledger.Close())

	h.ledger = h.open(m, true)
	second := &providertest.Scripted{ExposeDepth: true}
	sum := h.run(second, m)

	assert.True(t, sum.Succeeded())
	assert.Empty(t, second.Submitted(), "completed jobs are never resubmitted")
	assert.Equal(t, "artifact 1: two\n", h.artifact(1))
}

func TestRunResumesOnlyUnfinishedJobs(t *testing.T) {
	m := prompts(t, nil, "ok one", "broken", "ok two")
	h := newHarness(t, m)
	first := &providertest.Scripted{
		ExposeDepth:  true,
		SubmitErrors: map[int][]error{1: {fmt.Errorf("bad prompt: %w", model.ErrContentPolicy)}},
	}
	sum := h.run(first, m)
	require.Equal(t, 2, sum.Completed)
	require.Equal(t, 1, sum.Failed)
	require.NoError(t, h.ledger.Close())

	h.ledger = h.open(m, true)
	second := &providertest.Scripted{ExposeDepth: true}
	sum = h.run(second, m)

	assert.True(t, sum.Succeeded())
	assert.Equal(t, []int{1}, second.Submitted())
}

func TestRunDoesNotRetryNonTransientErrors(t *testing.T) {
	m := prompts(t, nil, "forbidden thing", "fine thing")
	h := newHarness(t, m)
	p := &providertest.Scripted{
		ExposeDepth: true,
		SubmitErrors: map[int][]error{
			0: {fmt.Errorf("rejected: %w", model.ErrContentPolicy)},
			1: {providertest.ErrUnavailable, providertest.ErrUnavailable},
		},
	}

	sum := h.run(p, m)

	assert.Equal(t, 1, p.Attempts(0))
	assert.Equal(t, 3, p.Attempts(1))
	assert.Equal(t, 1, sum.Completed)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, 0, sum.Failures[0].Index)
	assert.Contains(t, sum.Failures[0].Error, model.ErrContentPolicy.Error())
	assert.Contains(t, h.clock.Sleeps(), time.Second)
	assert.Contains(t, h.clock.Sleeps(), 2*time.Second)
}

func TestRunRejectsJobsOverBudget(t *testing.T) {
	m := prompts(t, nil, "cheap", "too much")
	h := newHarness(t, m)
	h.opts.Concurrency = 1
	h.opts.Guard = budget.NewGuard(budget.GuardOptions{
		Snapshot: &budget.CreditSnapshot{Remaining: 1, Total: 100, Timestamp: epoch.UnixMilli()},
		Clock:    h.clock,
	})
	p := &providertest.Scripted{ExposeDepth: true}

	sum := h.run(p, m)

	assert.Equal(t, []int{0}, p.Submitted())
	assert.Equal(t, 1, sum.Completed)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, 1, sum.Failures[0].Index)
	assert.Contains(t, sum.Failures[0].Error, model.ErrInsufficientBudget.Error())
}

func TestRunStoresDuplicateArtifactsOnce(t *testing.T) {
	m := prompts(t, nil, "same a", "same b", "same c")
	h := newHarness(t, m)
	p := &providertest.Scripted{
		ExposeDepth: true,
		Content:     func(model.JobSpec) []byte { return []byte("identical bytes\n") },
	}

	sum := h.run(p, m)
	require.True(t, sum.Succeeded())

	st := h.ledger.Snapshot()
	paths := map[string]bool{}
	dups := 0
	for _, r := range st.Results {
		paths[r.Path] = true
		if r.Duplicate {
			dups++
		}
	}
	assert.Len(t, paths, 1)
	assert.Equal(t, 2, dups)
}

func TestRunSplitsWaves(t *testing.T) {
	m := prompts(t, nil, "wave one a", "wave one b", "wave two a")
	h := newHarness(t, m)
	h.opts.WaveSize = 2
	p := &providertest.Scripted{ExposeDepth: true}

	sum := h.run(p, m)

	require.True(t, sum.Succeeded())
	submitted := p.Submitted()
	require.Len(t, submitted, 3)
	assert.ElementsMatch(t, []int{0, 1}, submitted[:2])
	assert.Equal(t, 2, submitted[2])
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	m := prompts(t, nil, "a", "b")
	h := newHarness(t, m)
	p := &providertest.Scripted{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := New(p, h.ledger, h.opts).Run(ctx, m)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, sum.Pending)
	assert.Empty(t, p.Submitted())
}

func TestSplitWaves(t *testing.T) {
	jobs := make([]model.JobSpec, 5)
	assert.Len(t, splitWaves(jobs, 0), 1)
	assert.Len(t, splitWaves(jobs, 5), 1)
	waves := splitWaves(jobs, 2)
	require.Len(t, waves, 3)
	assert.Len(t, waves[2], 1)
	assert.Nil(t, splitWaves(nil, 2))
}
