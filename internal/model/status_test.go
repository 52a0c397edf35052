package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestCanTransition_AllowsExpectedPaths(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{"", StatusPending},
		{"", StatusCompleted},
		{StatusPending, StatusSubmitted},
		{StatusPending, StatusFailed},
		{StatusSubmitted, StatusCompleted},
		{StatusSubmitted, StatusFailed},
		{StatusCompleted, StatusCompleted},
	}

	for _, tc := range cases {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransition_RejectsBackwardPaths(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{StatusPending, StatusCompleted},
		{StatusSubmitted, StatusPending},
		{StatusCompleted, StatusPending},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusPending},
		{StatusFailed, StatusSubmitted},
		{"not_a_state", StatusPending},
	}

	for _, tc := range cases {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be rejected", tc.from, tc.to)
		}
	}
}

func TestTransitionJobStatus_BlocksIllegalTransition(t *testing.T) {
	job := JobRecord{Index: 3, Status: StatusCompleted, ArtifactPath: "a.png"}

	if err := TransitionJobStatus(&job, StatusFailed, "late failure"); err == nil {
		t.Fatalf("expected illegal transition error")
	}
	if job.Status != StatusCompleted {
		t.Fatalf("status changed on rejected transition: %s", job.Status)
	}
}

func TestEntryKey_FallsBackToPositionAndLabel(t *testing.T) {
	if got := (ObservedEntry{Key: "k1", URL: "u"}).EntryKey(); got != "k1" {
		t.Fatalf("expected explicit key, got %q", got)
	}
	if got := (ObservedEntry{URL: "https://x/a.png"}).EntryKey(); got != "https://x/a.png" {
		t.Fatalf("expected url key, got %q", got)
	}
	if got := (ObservedEntry{PositionHint: 2, Label: "cat"}).EntryKey(); got != "pos:2|cat" {
		t.Fatalf("unexpected derived key %q", got)
	}
}

func TestStableKeys_SurviveNewerEntries(t *testing.T) {
	first := StableKeys([]ObservedEntry{{Label: "a"}})
	second := StableKeys([]ObservedEntry{{Label: "b"}, {Label: "a"}, {Key: "k"}})

	if got := first[0].EntryKey(); got != "tail:0|a" {
		t.Fatalf("expected tail:0|a, got %q", got)
	}
	if got := second[1].EntryKey(); got != "tail:1|a" {
		t.Fatalf("expected tail:1|a for the older entry, got %q", got)
	}
	if got := second[0].EntryKey(); got != "tail:2|b" {
		t.Fatalf("expected tail:2|b, got %q", got)
	}
	if got := second[2].EntryKey(); got != "k" {
		t.Fatalf("expected provider key to be kept, got %q", got)
	}
}

func TestStableKeys_KeepsBaselineIdentityAfterPrepend(t *testing.T) {
	baseline := StableKeys([]ObservedEntry{{}, {}})
	later := StableKeys([]ObservedEntry{{}, {}, {}, {}})

	if baseline[0].EntryKey() != later[2].EntryKey() || baseline[1].EntryKey() != later[3].EntryKey() {
		t.Fatalf("baseline keys %q %q moved to %q %q",
			baseline[0].EntryKey(), baseline[1].EntryKey(), later[2].EntryKey(), later[3].EntryKey())
	}
	if later[0].EntryKey() == baseline[0].EntryKey() || later[1].EntryKey() == baseline[1].EntryKey() {
		t.Fatal("new entries must not inherit baseline keys")
	}
}

func TestIsNonTransient(t *testing.T) {
	wrapped := fmt.Errorf("submit job 4: %w", ErrContentPolicy)
	if !IsNonTransient(wrapped) {
		t.Fatalf("expected wrapped content policy error to be non-transient")
	}
	if IsNonTransient(errors.New("502 bad gateway")) {
		t.Fatalf("expected plain error to be transient")
	}
}
