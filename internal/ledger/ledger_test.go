package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genbatch/internal/clock"
	"genbatch/internal/model"
	"genbatch/internal/runstore"
)

func openTest(t *testing.T, path string, opts Options) *Ledger {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	}
	l, err := Open(path, opts)
	require.NoError(t, err)
	return l
}

func TestLedgerPersistsEveryTransition(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	l := openTest(t, path, Options{Total: 3, Concurrency: 2, ManifestHash: "h1"})
	defer l.Close()

	require.NoError(t, l.MarkSubmitted(0))
	st, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, st.Submitted)

	require.NoError(t, l.MarkCompleted(0, Result{Path: "out/a.png"}))
	require.NoError(t, l.MarkFailed(1, "content policy rejection"))

	st, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultType, st.Type)
	assert.Equal(t, "h1", st.ManifestHash)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Concurrency)
	assert.Equal(t, []int{0}, st.Completed)
	assert.Equal(t, []Failure{{Index: 1, Error: "content policy rejection"}}, st.Failed)
	require.Len(t, st.Results, 1)
	assert.Equal(t, "out/a.png", st.Results[0].Path)
	assert.NotEmpty(t, st.RunID)

	sum := l.Summary()
	assert.Equal(t, Summary{
		Total:     3,
		Completed: 1,
		Failed:    1,
		Pending:   1,
		Failures:  []Failure{{Index: 1, Error: "content policy rejection"}},
	}, sum)
	assert.Equal(t, sum, SummaryOf(st))
	assert.Equal(t, []int{1, 2}, l.Incomplete())
}

func TestLedgerRejectsBackwardTransitions(t *testing.T) {
	l := openTest(t, filepath.Join(t.TempDir(), FileName), Options{Total: 2})
	defer l.Close()

	require.NoError(t, l.MarkSubmitted(0))
	require.NoError(t, l.MarkCompleted(0, Result{Path: "x"}))
	assert.Error(t, l.MarkSubmitted(0))
	assert.Error(t, l.MarkFailed(0, "late"))
	assert.True(t, l.IsCompleted(0))

	require.NoError(t, l.MarkFailed(1, "boom"))
	assert.Error(t, l.MarkCompleted(1, Result{}))
	assert.ErrorIs(t, l.MarkSubmitted(5), ErrUnknownJob)
}

func TestLedgerResumeKeepsCompletedSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	first := openTest(t, path, Options{Total: 3, ManifestHash: "h"})
	require.NoError(t, first.MarkSubmitted(2))
	require.NoError(t, first.MarkCompleted(2, Result{Path: "c.png", Duplicate: true}))
	require.NoError(t, first.MarkFailed(0, "timeout"))
	runID := first.RunID()
	require.NoError(t, first.Close())

	second := openTest(t, path, Options{Total: 3, ManifestHash: "h", Resume: true})
	defer second.Close()

	assert.Equal(t, runID, second.RunID())
	assert.True(t, second.IsCompleted(2))
	assert.Equal(t, model.StatusPending, second.Status(0), "failures are retried on resume")
	assert.Equal(t, []int{0, 1}, second.Incomplete())

	rec, ok := second.Record(2)
	require.True(t, ok)
	assert.Equal(t, "c.png", rec.ArtifactPath)

	require.NoError(t, second.MarkSubmitted(0))
	require.NoError(t, second.MarkCompleted(0, Result{Path: "a.png"}))
	st := second.Snapshot()
	assert.Equal(t, []int{0, 2}, st.Completed)
	assert.Empty(t, st.Failed)
}

func TestLedgerRefusesDifferentManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	first := openTest(t, path, Options{Total: 2, ManifestHash: "one"})
	require.NoError(t, first.Close())

	_, err := Open(path, Options{Total: 2, ManifestHash: "two", Resume: true})
	assert.ErrorIs(t, err, ErrManifestMismatch)

	_, err = Open(path, Options{Total: 3, ManifestHash: "one", Resume: true})
	assert.ErrorIs(t, err, ErrManifestMismatch)

	fresh := openTest(t, path, Options{Total: 2, ManifestHash: "two"})
	require.NoError(t, fresh.Close())
}

func TestLedgerHoldsLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	l := openTest(t, path, Options{Total: 1})

	_, err := Open(path, Options{Total: 1, Resume: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger is locked")

	require.NoError(t, l.Close())
	assert.False(t, runstore.Exists(filepath.Join(filepath.Dir(path), LockDirName)))
	assert.Error(t, l.MarkSubmitted(0))
}

func TestLedgerElapsedAccumulates(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	clk := clock.NewFake(time.Unix(1000, 0))

	l := openTest(t, path, Options{Total: 1, Clock: clk})
	clk.Advance(3 * time.Second)
	require.NoError(t, l.Close())

	l = openTest(t, path, Options{Total: 1, Clock: clk, Resume: true})
	clk.Advance(2 * time.Second)
	assert.Equal(t, int64(5000), l.Snapshot().Elapsed)
	require.NoError(t, l.Close())
}
