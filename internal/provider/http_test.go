package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genbatch/internal/model"
	"genbatch/internal/retry"
)

func newTestProvider(t *testing.T, handler http.Handler) *HTTP {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewHTTP(HTTPOptions{BaseURL: srv.URL + "/api/"})
	require.NoError(t, err)
	return p
}

func TestHTTPSubmitSendsParameters(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/submit", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"receipt":"r-1"}`))
	})
	p := newTestProvider(t, mux)

	tok, err := p.Submit(context.Background(), model.JobSpec{
		Index:      4,
		Parameters: map[string]any{"prompt": "a cat", "model": "m1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, tok.JobIndex)
	assert.Equal(t, "r-1", tok.Receipt)
	assert.False(t, tok.SubmittedAt.IsZero())
	assert.Equal(t, map[string]any{"prompt": "a cat", "model": "m1"}, got)
}

func TestHTTPObserveMapsEntries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"queue_depth":2,"entries":[
			{"key":"b","label":"second","processing":true},
			{"key":"a","label":"first","url":"files/a.png"}
		]}`))
	})
	p := newTestProvider(t, mux)

	state, err := p.Observe(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state.QueueDepth)
	assert.Equal(t, 2, *state.QueueDepth)
	assert.Nil(t, state.Busy)
	require.Len(t, state.Entries, 2)
	assert.True(t, state.Entries[0].IsProcessing)
	assert.Equal(t, 1, state.Entries[1].PositionHint)
	assert.Contains(t, state.Entries[1].URL, "/api/files/a.png")
	assert.Equal(t, 1, state.Ready())
}

func TestHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		kind      error
		permanent bool
	}{
		{http.StatusPaymentRequired, model.ErrInsufficientBudget, true},
		{http.StatusNotFound, model.ErrNotFound, true},
		{http.StatusUnprocessableEntity, model.ErrContentPolicy, true},
		{http.StatusUnavailableForLegalReasons, model.ErrContentPolicy, true},
		{http.StatusBadRequest, model.ErrMissingInput, true},
		{http.StatusForbidden, nil, true},
		{http.StatusTooManyRequests, nil, false},
		{http.StatusBadGateway, nil, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))

			_, err := p.Submit(context.Background(), model.JobSpec{Parameters: map[string]any{}})
			require.Error(t, err)

			var serr *StatusError
			require.True(t, errors.As(err, &serr))
			assert.Equal(t, tc.status, serr.StatusCode)
			assert.Equal(t, "nope", serr.Body)
			if tc.kind != nil {
				assert.ErrorIs(t, err, tc.kind)
			}
			assert.Equal(t, tc.permanent, retry.IsPermanent(err))
		})
	}
}

func TestHTTPDownloadAndRefresh(t *testing.T) {
	var refreshed atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshed.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/files/a.bin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	})
	p := newTestProvider(t, mux)

	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, int32(1), refreshed.Load())

	var buf bytes.Buffer
	require.NoError(t, p.Download(context.Background(), model.ObservedEntry{URL: "files/a.bin"}, &buf))
	assert.Equal(t, "payload", buf.String())

	err := p.Download(context.Background(), model.ObservedEntry{Key: "x"}, &buf)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestNewHTTPRejectsBadBaseURL(t *testing.T) {
	_, err := NewHTTP(HTTPOptions{})
	assert.Error(t, err)
	_, err = NewHTTP(HTTPOptions{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
}
