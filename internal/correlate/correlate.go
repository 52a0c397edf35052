// Package correlate assigns finished provider entries to pending jobs when
// the provider offers no request identifiers. Matching is best effort.
package correlate

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"genbatch/internal/model"
)

const (
	MaxPrefixScore = 60
	MinPrefixScore = 20
)

const (
	MethodPrefix = "prefix"
	MethodOrder  = "order"
)

// PendingJob is a submitted job awaiting its artifact. Reconcile expects
// pending jobs oldest-submitted first.
type PendingJob struct {
	Index int
	Hint  string
}

type Claim struct {
	JobIndex int
	EntryKey string
	Entry    model.ObservedEntry
	Method   string
	Score    int
}

type Options struct {
	// OrderFallback enables the positional pass. It is only sound once
	// every job of the wave has left the provider's queue.
	OrderFallback bool
}

// Session holds the claim set of one polling session. No entry key and no
// job index is ever claimed twice. Not safe for concurrent use.
type Session struct {
	entryOwner map[string]int
	jobEntry   map[int]string
	excluded   map[string]bool
}

func NewSession() *Session {
	return &Session{
		entryOwner: make(map[string]int),
		jobEntry:   make(map[int]string),
		excluded:   make(map[string]bool),
	}
}

// Exclude removes entries from consideration, typically everything the
// provider listed before the wave was submitted.
func (s *Session) Exclude(entries []model.ObservedEntry) {
	for _, e := range model.StableKeys(entries) {
		s.excluded[e.EntryKey()] = true
	}
}

func (s *Session) Claimed(jobIndex int) (string, bool) {
	key, ok := s.jobEntry[jobIndex]
	return key, ok
}

func (s *Session) ClaimCount() int {
	return len(s.jobEntry)
}

// Reconcile matches pending jobs against entries and records the new claims
// in the session. Only new claims are returned.
func (s *Session) Reconcile(pending []PendingJob, entries []model.ObservedEntry, opts Options) map[int]Claim {
	out := make(map[int]Claim)
	entries = model.StableKeys(entries)

	candidates := make([]model.ObservedEntry, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		key := e.EntryKey()
		if e.IsProcessing || s.excluded[key] || seen[key] {
			continue
		}
		if _, taken := s.entryOwner[key]; taken {
			continue
		}
		seen[key] = true
		candidates = append(candidates, e)
	}

	jobs := make([]PendingJob, 0, len(pending))
	seenJob := make(map[int]bool, len(pending))
	for _, j := range pending {
		if _, done := s.jobEntry[j.Index]; done || seenJob[j.Index] {
			continue
		}
		seenJob[j.Index] = true
		jobs = append(jobs, j)
	}

	claim := func(job PendingJob, e model.ObservedEntry, method string, score int) {
		key := e.EntryKey()
		s.entryOwner[key] = job.Index
		s.jobEntry[job.Index] = key
		out[job.Index] = Claim{JobIndex: job.Index, EntryKey: key, Entry: e, Method: method, Score: score}
	}
	taken := func(e model.ObservedEntry) bool {
		_, ok := s.entryOwner[e.EntryKey()]
		return ok
	}

	// Pass 1: content prefix scoring.
	unmatched := make([]PendingJob, 0, len(jobs))
	for _, job := range jobs {
		hint := normalize(job.Hint)
		if hint == "" {
			unmatched = append(unmatched, job)
			continue
		}
		hintLen := utf8.RuneCountInString(hint)
		threshold := min(MinPrefixScore, hintLen)
		best, bestScore := -1, 0
		for i, e := range candidates {
			if taken(e) {
				continue
			}
			label := normalize(e.Label)
			score := commonPrefix(hint, label)
			if score < threshold || score <= bestScore {
				continue
			}
			// A hint shorter than the threshold must match a whole word.
			if hintLen < MinPrefixScore && !wordEndsAt(label, score) {
				continue
			}
			best, bestScore = i, score
		}
		if best < 0 {
			unmatched = append(unmatched, job)
			continue
		}
		claim(job, candidates[best], MethodPrefix, bestScore)
	}

	if !opts.OrderFallback || len(unmatched) == 0 {
		return out
	}

	// Pass 2: oldest job to oldest entry.
	rest := make([]model.ObservedEntry, 0, len(candidates))
	for i := len(candidates) - 1; i >= 0; i-- {
		if !taken(candidates[i]) {
			rest = append(rest, candidates[i])
		}
	}
	for i := 0; i < len(unmatched) && i < len(rest); i++ {
		claim(unmatched[i], rest[i], MethodOrder, 0)
	}
	return out
}

// Reconcile runs both passes with a fresh claim set.
func Reconcile(pending []PendingJob, entries []model.ObservedEntry) map[int]Claim {
	return NewSession().Reconcile(pending, entries, Options{OrderFallback: true})
}

// PrefixScore is the length in runes of the common prefix of the
// normalized hint and label, capped at MaxPrefixScore.
func PrefixScore(hint, label string) int {
	return commonPrefix(normalize(hint), normalize(label))
}

func commonPrefix(a, b string) int {
	n := 0
	for n < MaxPrefixScore {
		ra, sa := utf8.DecodeRuneInString(a)
		rb, sb := utf8.DecodeRuneInString(b)
		if sa == 0 || sb == 0 || ra != rb {
			break
		}
		a, b = a[sa:], b[sb:]
		n++
	}
	return n
}

// wordEndsAt reports whether the rune after the first n runes of s ends a
// word.
func wordEndsAt(s string, n int) bool {
	for ; n > 0 && s != ""; n-- {
		_, size := utf8.DecodeRuneInString(s)
		s = s[size:]
	}
	if s == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s)
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
