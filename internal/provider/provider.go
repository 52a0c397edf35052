// Package provider defines what the engine needs from a generation backend.
// A provider has no per-request identifier: Submit returns only a local
// receipt and completions are discovered through Observe.
package provider

import (
	"context"
	"io"
	"time"

	"genbatch/internal/model"
)

type Provider interface {
	Submit(ctx context.Context, job model.JobSpec) (SubmissionToken, error)
	Observe(ctx context.Context) (model.ObservedState, error)
}

// Refresher is implemented by providers whose observed state can go stale
// until explicitly reloaded.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Downloader is implemented by providers that can hand over the bytes
// behind an observed entry.
type Downloader interface {
	Download(ctx context.Context, entry model.ObservedEntry, w io.Writer) error
}

// SubmissionToken is a local acknowledgement. Receipt is opaque and never
// used for correlation.
type SubmissionToken struct {
	JobIndex    int
	SubmittedAt time.Time
	Receipt     string
}
