package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"genbatch/internal/correlate"
	"genbatch/internal/dedup"
	"genbatch/internal/ledger"
	"genbatch/internal/model"
	"genbatch/internal/provider"
	"genbatch/internal/retry"
	"genbatch/internal/runstore"
)

// finalize turns a claim into a completed job. Without a Downloader the
// entry reference itself is recorded as the artifact.
func (d *Dispatcher) finalize(ctx context.Context, log *slog.Logger, job model.JobSpec, claim correlate.Claim) error {
	dl, ok := d.provider.(provider.Downloader)
	if !ok || strings.TrimSpace(d.opts.OutputDir) == "" {
		ref := claim.Entry.URL
		if ref == "" {
			ref = claim.EntryKey
		}
		d.opts.Metrics.Completed(false)
		return d.ledger.MarkCompleted(job.Index, ledger.Result{Path: ref})
	}

	tempPath, err := retry.Value(ctx, d.retryPolicy("download", log), func(ctx context.Context) (string, error) {
		return d.download(ctx, dl, claim.Entry)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WarnContext(ctx, "artifact download failed", "index", job.Index, "error", err)
		d.opts.Metrics.Failed("download", true)
		return d.ledger.MarkFailed(job.Index, fmt.Sprintf("download: %v", err))
	}

	res, err := d.opts.Sink.Finalize(tempPath, dedup.Metadata{
		JobIndex: job.Index,
		RunID:    d.ledger.RunID(),
		Kind:     job.Kind,
		Prompt:   job.Prompt(),
		Model:    job.Model(),
		Source:   firstNonEmpty(claim.Entry.URL, claim.EntryKey),
		Name:     fmt.Sprintf("job-%04d", job.Index),
	}, d.opts.OutputDir)
	if err != nil {
		_ = os.Remove(tempPath)
		log.WarnContext(ctx, "artifact finalize failed", "index", job.Index, "error", err)
		d.opts.Metrics.Failed("finalize", true)
		return d.ledger.MarkFailed(job.Index, fmt.Sprintf("finalize: %v", err))
	}
	if res.WasDuplicate {
		log.InfoContext(ctx, "artifact is a duplicate", "index", job.Index, "path", res.CanonicalPath)
	}

	d.opts.Metrics.Completed(res.WasDuplicate)
	return d.ledger.MarkCompleted(job.Index, ledger.Result{Path: res.CanonicalPath, Duplicate: res.WasDuplicate})
}

func (d *Dispatcher) download(ctx context.Context, dl provider.Downloader, entry model.ObservedEntry) (string, error) {
	if err := runstore.Mkdir(d.opts.OutputDir); err != nil {
		return "", retry.Permanent(err)
	}
	f, err := os.CreateTemp(d.opts.OutputDir, ".partial-*")
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("create download file: %w", err))
	}
	path := f.Name()
	if err := dl.Download(ctx, entry, f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close download file: %w", err)
	}
	return path, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
