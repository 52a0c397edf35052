// Package ledger persists per-job progress of a batch so an interrupted run
// can resume without resubmitting finished work.
package ledger

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"genbatch/internal/clock"
	"genbatch/internal/model"
	"genbatch/internal/runstore"
)

const (
	FileName    = "batch-state.json"
	LockDirName = ".batch.lock"
	DefaultType = "generation"
)

var (
	ErrManifestMismatch = errors.New("ledger belongs to a different manifest")
	ErrUnknownJob       = errors.New("job index out of range")
)

// State is the on-disk form. It is rewritten in full after every
// transition.
type State struct {
	Type         string    `json:"type"`
	RunID        string    `json:"run_id"`
	ManifestHash string    `json:"manifest_hash"`
	Total        int       `json:"total"`
	Concurrency  int       `json:"concurrency"`
	Completed    []int     `json:"completed"`
	Submitted    []int     `json:"submitted,omitempty"`
	Failed       []Failure `json:"failed"`
	Results      []Result  `json:"results"`
	StartTime    string    `json:"startTime"`
	Elapsed      int64     `json:"elapsed"`
	UpdatedAt    string    `json:"updated_at,omitempty"`
}

type Failure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type Result struct {
	Index       int    `json:"index"`
	Path        string `json:"path"`
	Duplicate   bool   `json:"duplicate"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type Summary struct {
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Submitted int       `json:"submitted"`
	Failed    int       `json:"failed"`
	Pending   int       `json:"pending"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Succeeded reports whether every job completed.
func (s Summary) Succeeded() bool {
	return s.Total > 0 && s.Completed == s.Total
}

type Options struct {
	Type         string
	Total        int
	Concurrency  int
	ManifestHash string
	// Resume loads an existing ledger at the path; otherwise it is replaced.
	Resume bool
	RunID  string
	Clock  clock.Clock
}

// Ledger owns the job records of one run. All methods are safe for
// concurrent use.
type Ledger struct {
	mu       sync.Mutex
	path     string
	lock     runstore.Lock
	clock    clock.Clock
	state    State
	records  []model.JobRecord
	results  map[int]Result
	failures map[int]string
	opened   time.Time
	prior    time.Duration
	closed   bool
}

// Open acquires the ledger lock and loads or creates the ledger file.
func Open(path string, opts Options) (*Ledger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	if opts.Total < 0 {
		return nil, fmt.Errorf("invalid job total %d", opts.Total)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	lock, err := runstore.AcquireLock(filepath.Join(filepath.Dir(path), LockDirName), runID)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		path:     path,
		lock:     lock,
		clock:    clk,
		records:  make([]model.JobRecord, opts.Total),
		results:  make(map[int]Result),
		failures: make(map[int]string),
		opened:   clk.Now(),
	}
	for i := range l.records {
		l.records[i] = model.JobRecord{Index: i}
	}
	l.state = State{
		Type:         firstNonEmpty(opts.Type, DefaultType),
		RunID:        runID,
		ManifestHash: opts.ManifestHash,
		Total:        opts.Total,
		Concurrency:  opts.Concurrency,
		StartTime:    l.opened.UTC().Format(time.RFC3339),
	}

	if opts.Resume {
		if err := l.restore(opts); err != nil {
			_ = lock.Release()
			return nil, err
		}
	}
	for i := range l.records {
		if l.records[i].Status == "" {
			l.records[i].Status = model.StatusPending
		}
	}

	l.mu.Lock()
	err = l.persistLocked()
	l.mu.Unlock()
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	return l, nil
}

// restore loads completed jobs from a previous run. Earlier failures become
// pending again so the resumed run retries them.
func (l *Ledger) restore(opts Options) error {
	var prev State
	found, err := runstore.ReadJSONIfExists(l.path, &prev)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if !found {
		return nil
	}
	if prev.ManifestHash != "" && opts.ManifestHash != "" && prev.ManifestHash != opts.ManifestHash {
		return fmt.Errorf("%w: %s", ErrManifestMismatch, l.path)
	}
	if prev.Total != opts.Total {
		return fmt.Errorf("%w: ledger has %d jobs, manifest has %d", ErrManifestMismatch, prev.Total, opts.Total)
	}

	if prev.RunID != "" && opts.RunID == "" {
		l.state.RunID = prev.RunID
	}
	if prev.StartTime != "" {
		l.state.StartTime = prev.StartTime
	}
	l.prior = time.Duration(prev.Elapsed) * time.Millisecond

	byIndex := make(map[int]Result, len(prev.Results))
	for _, r := range prev.Results {
		byIndex[r.Index] = r
	}
	for _, idx := range prev.Completed {
		if idx < 0 || idx >= len(l.records) {
			return fmt.Errorf("load ledger: completed index %d: %w", idx, ErrUnknownJob)
		}
		rec := &l.records[idx]
		if err := model.TransitionJobStatus(rec, model.StatusCompleted, ""); err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		res := byIndex[idx]
		res.Index = idx
		rec.ArtifactPath = res.Path
		rec.CompletedAt = res.CompletedAt
		l.results[idx] = res
	}
	return nil
}

func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) RunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.RunID
}

func (l *Ledger) Total() int {
	return len(l.records)
}

func (l *Ledger) Status(index int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.records) {
		return ""
	}
	return l.records[index].Status
}

func (l *Ledger) IsCompleted(index int) bool {
	return l.Status(index) == model.StatusCompleted
}

func (l *Ledger) Record(index int) (model.JobRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.records) {
		return model.JobRecord{}, false
	}
	return l.records[index], true
}

func (l *Ledger) MarkSubmitted(index int) error {
	return l.transition(index, model.StatusSubmitted, "", func(rec *model.JobRecord, now string) {
		if rec.SubmittedAt == "" {
			rec.SubmittedAt = now
		}
	})
}

func (l *Ledger) MarkCompleted(index int, res Result) error {
	return l.transition(index, model.StatusCompleted, "", func(rec *model.JobRecord, now string) {
		res.Index = index
		if res.CompletedAt == "" {
			res.CompletedAt = now
		}
		rec.ArtifactPath = res.Path
		rec.CompletedAt = res.CompletedAt
		l.results[index] = res
	})
}

func (l *Ledger) MarkFailed(index int, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	return l.transition(index, model.StatusFailed, reason, func(rec *model.JobRecord, now string) {
		l.failures[index] = reason
	})
}

func (l *Ledger) transition(index int, to, reason string, apply func(rec *model.JobRecord, now string)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New("ledger is closed")
	}
	if index < 0 || index >= len(l.records) {
		return fmt.Errorf("job %d: %w", index, ErrUnknownJob)
	}
	rec := &l.records[index]
	from := rec.Status
	if err := model.TransitionJobStatus(rec, to, reason); err != nil {
		return fmt.Errorf("job %d: %w", index, err)
	}
	if from == to {
		return nil
	}
	apply(rec, l.clock.Now().UTC().Format(time.RFC3339))
	return l.persistLocked()
}

// Incomplete returns the indices that still need work, in manifest order.
func (l *Ledger) Incomplete() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, 0, len(l.records))
	for _, rec := range l.records {
		if rec.Status != model.StatusCompleted {
			out = append(out, rec.Index)
		}
	}
	return out
}

func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return summarize(l.records, l.failures)
}

func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buildLocked()
}

// Close writes the final elapsed time and releases the lock.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	persistErr := l.persistLocked()
	releaseErr := l.lock.Release()
	if persistErr != nil {
		return persistErr
	}
	return releaseErr
}

func (l *Ledger) persistLocked() error {
	if err := runstore.WriteJSON(l.path, l.buildLocked()); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

func (l *Ledger) buildLocked() State {
	now := l.clock.Now()
	st := l.state
	st.Completed = []int{}
	st.Failed = []Failure{}
	st.Results = []Result{}
	st.Submitted = nil
	for _, rec := range l.records {
		switch rec.Status {
		case model.StatusCompleted:
			st.Completed = append(st.Completed, rec.Index)
			if res, ok := l.results[rec.Index]; ok {
				st.Results = append(st.Results, res)
			}
		case model.StatusFailed:
			st.Failed = append(st.Failed, Failure{Index: rec.Index, Error: l.failures[rec.Index]})
		case model.StatusSubmitted:
			st.Submitted = append(st.Submitted, rec.Index)
		}
	}
	st.Elapsed = (l.prior + now.Sub(l.opened)).Milliseconds()
	st.UpdatedAt = now.UTC().Format(time.RFC3339)
	return st
}

func summarize(records []model.JobRecord, failures map[int]string) Summary {
	s := Summary{Total: len(records)}
	for _, rec := range records {
		switch rec.Status {
		case model.StatusCompleted:
			s.Completed++
		case model.StatusSubmitted:
			s.Submitted++
		case model.StatusFailed:
			s.Failed++
			s.Failures = append(s.Failures, Failure{Index: rec.Index, Error: failures[rec.Index]})
		default:
			s.Pending++
		}
	}
	return s
}

// Load reads a ledger file without locking it, for status displays.
func Load(path string) (State, error) {
	var st State
	if err := runstore.ReadJSON(path, &st); err != nil {
		return State{}, err
	}
	return st, nil
}

// SummaryOf derives the accounting of a loaded state.
func SummaryOf(st State) Summary {
	s := Summary{
		Total:     st.Total,
		Completed: len(st.Completed),
		Submitted: len(st.Submitted),
		Failed:    len(st.Failed),
		Failures:  slices.Clone(st.Failed),
	}
	s.Pending = max(0, s.Total-s.Completed-s.Submitted-s.Failed)
	if len(s.Failures) == 0 {
		s.Failures = nil
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
