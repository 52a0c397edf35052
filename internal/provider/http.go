package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genbatch/internal/clock"
	"genbatch/internal/model"
	"genbatch/internal/retry"
)

const DefaultHTTPTimeout = 30 * time.Second

// StatusError is a non-2xx response. Non-transient kinds unwrap to the
// matching model error.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
	kind       error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// Transient reports whether the request may succeed when repeated.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

type HTTPOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
	Clock     clock.Clock
}

// HTTP talks to a provider that exposes submit, state and refresh
// endpoints under one base URL.
type HTTP struct {
	base      *url.URL
	client    *http.Client
	userAgent string
	clock     clock.Clock
}

var (
	_ Provider   = (*HTTP)(nil)
	_ Refresher  = (*HTTP)(nil)
	_ Downloader = (*HTTP)(nil)
)

func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("provider base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse provider base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("provider base URL must be http or https: %s", raw)
	}

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "genbatch"
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &HTTP{base: base, client: client, userAgent: ua, clock: clk}, nil
}

type submitResponse struct {
	Receipt string `json:"receipt"`
}

func (p *HTTP) Submit(ctx context.Context, job model.JobSpec) (SubmissionToken, error) {
	body, err := json.Marshal(job.Parameters)
	if err != nil {
		return SubmissionToken{}, retry.Permanent(fmt.Errorf("encode job %d: %w", job.Index, err))
	}

	var out submitResponse
	if err := p.doJSON(ctx, "submit", http.MethodPost, p.endpoint("submit"), body, &out); err != nil {
		return SubmissionToken{}, err
	}
	return SubmissionToken{
		JobIndex:    job.Index,
		SubmittedAt: p.clock.Now(),
		Receipt:     out.Receipt,
	}, nil
}

type stateResponse struct {
	QueueDepth *int  `json:"queue_depth"`
	Busy       *bool `json:"busy"`
	Entries    []struct {
		Key        string `json:"key"`
		Label      string `json:"label"`
		Processing bool   `json:"processing"`
		URL        string `json:"url"`
	} `json:"entries"`
}

func (p *HTTP) Observe(ctx context.Context) (model.ObservedState, error) {
	var out stateResponse
	if err := p.doJSON(ctx, "observe", http.MethodGet, p.endpoint("state"), nil, &out); err != nil {
		return model.ObservedState{}, err
	}

	state := model.ObservedState{
		QueueDepth: out.QueueDepth,
		Busy:       out.Busy,
		Entries:    make([]model.ObservedEntry, 0, len(out.Entries)),
	}
	for i, e := range out.Entries {
		state.Entries = append(state.Entries, model.ObservedEntry{
			Key:          e.Key,
			Label:        e.Label,
			IsProcessing: e.Processing,
			PositionHint: i,
			URL:          p.resolve(e.URL),
		})
	}
	return state, nil
}

func (p *HTTP) Refresh(ctx context.Context) error {
	return p.doJSON(ctx, "refresh", http.MethodPost, p.endpoint("refresh"), nil, nil)
}

func (p *HTTP) Download(ctx context.Context, entry model.ObservedEntry, w io.Writer) error {
	if strings.TrimSpace(entry.URL) == "" {
		return fmt.Errorf("download %s: %w", entry.EntryKey(), model.ErrNotFound)
	}
	resp, err := p.do(ctx, "download", http.MethodGet, p.resolve(entry.URL), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download %s: %w", entry.EntryKey(), err)
	}
	return nil
}

func (p *HTTP) endpoint(name string) string {
	return p.base.JoinPath(name).String()
}

func (p *HTTP) resolve(ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	dir := *p.base
	dir.Path = strings.TrimRight(dir.Path, "/") + "/"
	return dir.ResolveReference(u).String()
}

func (p *HTTP) doJSON(ctx context.Context, op, method, endpoint string, body []byte, out any) error {
	resp, err := p.do(ctx, op, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// do returns the response only for 2xx statuses. Everything else is
// classified into a StatusError; permanent ones are marked for retry.
func (p *HTTP) do(ctx context.Context, op, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%s: build request: %w", op, err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", p.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	serr := &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(snippet)),
		kind:       classifyStatus(resp.StatusCode),
	}
	if serr.Transient() || serr.kind != nil {
		return nil, serr
	}
	return nil, retry.Permanent(serr)
}

func classifyStatus(code int) error {
	switch code {
	case http.StatusPaymentRequired:
		return model.ErrInsufficientBudget
	case http.StatusNotFound:
		return model.ErrNotFound
	case http.StatusUnprocessableEntity, http.StatusUnavailableForLegalReasons:
		return model.ErrContentPolicy
	case http.StatusBadRequest:
		return model.ErrMissingInput
	default:
		return nil
	}
}
