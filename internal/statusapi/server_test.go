package statusapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genbatch/internal/ledger"
	"genbatch/internal/metrics"
)

type staticSource struct {
	state ledger.State
}

func (s staticSource) Snapshot() ledger.State  { return s.state }
func (s staticSource) Summary() ledger.Summary { return ledger.SummaryOf(s.state) }

func testSource() staticSource {
	return staticSource{state: ledger.State{
		Type:      "generation",
		RunID:     "run-1",
		Total:     3,
		Completed: []int{0},
		Failed:    []ledger.Failure{{Index: 2, Error: "timeout"}},
		Results:   []ledger.Result{{Index: 0, Path: "out/job-0000.png"}},
	}}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouterServesBatchState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := NewRouter(testSource(), nil)

	rec := get(t, router, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = get(t, router, "/batch")
	require.Equal(t, http.StatusOK, rec.Code)
	var body batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Summary.Total)
	assert.Equal(t, 1, body.Summary.Completed)
	assert.Equal(t, 1, body.Summary.Pending)
	assert.Equal(t, "run-1", body.State.RunID)

	rec = get(t, router, "/batch/failures")
	assert.JSONEq(t, `{"failures":[{"index":2,"error":"timeout"}]}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, router, "/metrics").Code)
}

func TestRouterExposesMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := metrics.New()
	m.Poll()

	rec := get(t, NewRouter(testSource(), m), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "genbatch_polls_total 1")
}

func TestServerShutsDownWithContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, err := Listen("127.0.0.1:0", NewRouter(testSource(), nil), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + srv.Addr() + "/healthz")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "ok")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestSetModeKeepsRouteDebugOutputOffStdout(t *testing.T) {
	var buf bytes.Buffer
	prevWriter := gin.DefaultWriter
	gin.DefaultWriter = &buf
	t.Cleanup(func() {
		gin.DefaultWriter = prevWriter
		gin.SetMode(gin.TestMode)
	})

	SetMode("info")
	assert.Equal(t, gin.ReleaseMode, gin.Mode())
	NewRouter(testSource(), metrics.New())
	assert.Empty(t, buf.String())

	SetMode("DEBUG")
	assert.Equal(t, gin.DebugMode, gin.Mode())
	NewRouter(testSource(), nil)
	assert.Contains(t, buf.String(), "[GIN-debug]")
}
