package model

import "fmt"

const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Transitions only move forward. Retrying a failed job happens in a new run
// where the ledger loads it as pending again.
var allowedTransitions = map[string]map[string]bool{
	"": {
		StatusPending:   true,
		StatusCompleted: true, // restored from a previous run's ledger
	},
	StatusPending: {
		StatusPending:   true,
		StatusSubmitted: true,
		StatusFailed:    true, // pre-flight rejection
	},
	StatusSubmitted: {
		StatusSubmitted: true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {
		StatusCompleted: true,
	},
	StatusFailed: {
		StatusFailed: true,
	},
}

func IsKnownStatus(status string) bool {
	_, ok := allowedTransitions[status]
	return ok && status != ""
}

func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionJobStatus(job *JobRecord, toStatus string, reason string) error {
	from := job.Status
	if !CanTransition(from, toStatus) {
		return fmt.Errorf("invalid job status transition: %q -> %q (index=%d)", from, toStatus, job.Index)
	}
	job.Status = toStatus
	job.Reason = reason
	return nil
}
