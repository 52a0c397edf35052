package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// executeCLI runs the root command with captured output. Tests that call it
// must chdir into a temp dir first so no stray genbatch.yaml is picked up.
func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCommand(&stdout, &stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// fakeQueue is a provider that finishes every submission immediately and
// lists entries newest first, labelled with the submitted prompt.
type fakeQueue struct {
	mu      sync.Mutex
	prompts []string
	reject  string
}

func newFakeQueue(t *testing.T) (*fakeQueue, string) {
	t.Helper()
	q := &fakeQueue{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/submit", q.submit)
	mux.HandleFunc("GET /api/state", q.state)
	mux.HandleFunc("POST /api/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/files/{key}", q.file)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return q, srv.URL + "/api/"
}

func (q *fakeQueue) submit(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prompt, _ := params["prompt"].(string)
	if q.reject != "" && strings.Contains(prompt, q.reject) {
		http.Error(w, "prompt rejected by policy", http.StatusUnprocessableEntity)
		return
	}
	q.mu.Lock()
	q.prompts = append(q.prompts, prompt)
	n := len(q.prompts)
	q.mu.Unlock()
	fmt.Fprintf(w, `{"receipt":"r-%d"}`, n)
}

func (q *fakeQueue) state(w http.ResponseWriter, r *http.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	type entry struct {
		Key   string `json:"key"`
		Label string `json:"label"`
		URL   string `json:"url"`
	}
	entries := make([]entry, 0, len(q.prompts))
	for i := len(q.prompts) - 1; i >= 0; i-- {
		key := fmt.Sprintf("e-%d", i)
		entries = append(entries, entry{Key: key, Label: q.prompts[i], URL: "files/" + key})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"queue_depth": 0, "entries": entries})
}

func (q *fakeQueue) file(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var i int
	if _, err := fmt.Sscanf(key, "e-%d", &i); err != nil {
		http.NotFound(w, r)
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.prompts) {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintf(w, "artifact for %s\n", q.prompts[i])
}

func (q *fakeQueue) submissions() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.prompts)
}
