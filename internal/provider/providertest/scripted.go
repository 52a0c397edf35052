// Package providertest provides an in-memory provider whose queue, labels
// and completion order are scripted by the test.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"genbatch/internal/model"
	"genbatch/internal/provider"
)

var ErrUnavailable = errors.New("provider temporarily unavailable")

// Scripted simulates a provider queue. Each Observe call first advances the
// simulation by finishing up to FinishPerObserve queued jobs, then reports
// the state. Finished entries are listed newest first.
type Scripted struct {
	// FinishPerObserve defaults to 1. Stall keeps every job queued forever.
	FinishPerObserve int
	Stall            bool

	// CompletionOrder lists job indices in the order they finish. Jobs not
	// listed finish after the listed ones, in submission order.
	CompletionOrder []int

	// ExposeDepth and ExposeBusy control which ambient signals Observe
	// reports.
	ExposeDepth bool
	ExposeBusy  bool

	// HideLabels reports every entry with an empty label. OmitKeys reports
	// entries without Key or URL, like a provider that only shows a list.
	HideLabels bool
	OmitKeys   bool
	Label      func(job model.JobSpec) string
	Content    func(job model.JobSpec) []byte

	// SubmitErrors are returned by consecutive Submit attempts for a job
	// index before it is accepted.
	SubmitErrors map[int][]error
	SubmitDelay  time.Duration

	// FailObserves makes the first N Observe calls fail transiently.
	FailObserves int

	// Existing entries are listed before anything is submitted.
	Existing []model.ObservedEntry

	mu          sync.Mutex
	seq         int
	queue       []queued
	finished    []finishedEntry
	submits     []int
	attempts    map[int]int
	inflight    int
	maxInflight int
	observes    int
	refreshes   int
	downloads   int
}

type queued struct {
	seq int
	job model.JobSpec
}

type finishedEntry struct {
	seq     int
	job     model.JobSpec
	content []byte
}

var (
	_ provider.Provider   = (*Scripted)(nil)
	_ provider.Refresher  = (*Scripted)(nil)
	_ provider.Downloader = (*Scripted)(nil)
)

func (s *Scripted) Submit(ctx context.Context, job model.JobSpec) (provider.SubmissionToken, error) {
	s.mu.Lock()
	s.inflight++
	if s.inflight > s.maxInflight {
		s.maxInflight = s.inflight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	if s.SubmitDelay > 0 {
		select {
		case <-ctx.Done():
			return provider.SubmissionToken{}, ctx.Err()
		case <-time.After(s.SubmitDelay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempts == nil {
		s.attempts = make(map[int]int)
	}
	attempt := s.attempts[job.Index]
	s.attempts[job.Index] = attempt + 1
	if errs := s.SubmitErrors[job.Index]; attempt < len(errs) && errs[attempt] != nil {
		return provider.SubmissionToken{}, errs[attempt]
	}

	s.seq++
	s.queue = append(s.queue, queued{seq: s.seq, job: job})
	s.submits = append(s.submits, job.Index)
	return provider.SubmissionToken{
		JobIndex:    job.Index,
		SubmittedAt: time.Now(),
		Receipt:     fmt.Sprintf("receipt-%d", s.seq),
	}, nil
}

func (s *Scripted) Observe(ctx context.Context) (model.ObservedState, error) {
	if err := ctx.Err(); err != nil {
		return model.ObservedState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observes++
	if s.observes <= s.FailObserves {
		return model.ObservedState{}, ErrUnavailable
	}
	s.advanceLocked()
	return s.stateLocked(), nil
}

func (s *Scripted) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.refreshes++
	s.mu.Unlock()
	return ctx.Err()
}

func (s *Scripted) Download(ctx context.Context, entry model.ObservedEntry, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	var content []byte
	found := false
	for k, f := range s.finished {
		if entryKey(f.seq) == entry.Key || (s.OmitKeys && entry.Key == model.FallbackKey(len(s.Existing)+k, s.labelFor(f.job))) {
			content, found = f.content, true
			break
		}
	}
	s.downloads++
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("download %s: %w", entry.EntryKey(), model.ErrNotFound)
	}
	_, err := w.Write(content)
	return err
}

// Submitted returns job indices in the order the provider accepted them.
func (s *Scripted) Submitted() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.submits...)
}

func (s *Scripted) Attempts(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[index]
}

// MaxConcurrentSubmits is the highest number of overlapping Submit calls.
func (s *Scripted) MaxConcurrentSubmits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInflight
}

func (s *Scripted) Observes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observes
}

func (s *Scripted) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

func (s *Scripted) advanceLocked() {
	if s.Stall {
		return
	}
	n := s.FinishPerObserve
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n && len(s.queue) > 0; i++ {
		pick := s.nextLocked()
		q := s.queue[pick]
		s.queue = append(s.queue[:pick], s.queue[pick+1:]...)
		s.finished = append(s.finished, finishedEntry{seq: q.seq, job: q.job, content: s.contentFor(q.job)})
	}
}

func (s *Scripted) nextLocked() int {
	for _, want := range s.CompletionOrder {
		for i, q := range s.queue {
			if q.job.Index == want {
				return i
			}
		}
	}
	return 0
}

func (s *Scripted) stateLocked() model.ObservedState {
	state := model.ObservedState{}
	if s.ExposeDepth {
		depth := len(s.queue)
		state.QueueDepth = &depth
	}
	if s.ExposeBusy {
		busy := len(s.queue) > 0
		state.Busy = &busy
	}

	pos := 0
	for i := len(s.queue) - 1; i >= 0; i-- {
		q := s.queue[i]
		e := model.ObservedEntry{
			Key:          fmt.Sprintf("processing-%d", q.seq),
			Label:        s.labelFor(q.job),
			IsProcessing: true,
			PositionHint: pos,
		}
		if s.OmitKeys {
			e.Key = ""
		}
		state.Entries = append(state.Entries, e)
		pos++
	}
	for i := len(s.finished) - 1; i >= 0; i-- {
		f := s.finished[i]
		e := model.ObservedEntry{
			Key:          entryKey(f.seq),
			Label:        s.labelFor(f.job),
			PositionHint: pos,
			URL:          "/artifacts/" + entryKey(f.seq),
		}
		if s.OmitKeys {
			e.Key, e.URL = "", ""
		}
		state.Entries = append(state.Entries, e)
		pos++
	}
	for _, e := range s.Existing {
		e.PositionHint = pos
		state.Entries = append(state.Entries, e)
		pos++
	}
	return state
}

func (s *Scripted) labelFor(job model.JobSpec) string {
	if s.HideLabels {
		return ""
	}
	if s.Label != nil {
		return s.Label(job)
	}
	return job.Prompt()
}

func (s *Scripted) contentFor(job model.JobSpec) []byte {
	if s.Content != nil {
		return s.Content(job)
	}
	return []byte(fmt.Sprintf("artifact %d: %s\n", job.Index, job.Prompt()))
}

func entryKey(seq int) string {
	return fmt.Sprintf("entry-%d", seq)
}
