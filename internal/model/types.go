package model

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	KindImage = "image"
	KindVideo = "video"
)

// Well-known parameter keys. Everything else in Parameters is passed to the
// provider untouched.
const (
	ParamPrompt     = "prompt"
	ParamKind       = "kind"
	ParamModel      = "model"
	ParamHint       = "hint"
	ParamEchoPrompt = "echo_prompt"
	ParamBatchSize  = "batch_size"
	ParamCount      = "count"
	ParamDuration   = "duration"
)

// JobSpec is one manifest entry after defaults have been merged. Index is
// the only identity the engine has for a job.
type JobSpec struct {
	Index        int            `json:"index"`
	Kind         string         `json:"kind"`
	Parameters   map[string]any `json:"parameters"`
	ProviderHint string         `json:"provider_hint,omitempty"`
}

func (j JobSpec) Param(key string) string {
	v, ok := j.Parameters[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Number reads a numeric parameter, accepting JSON numbers and numeric
// strings.
func (j JobSpec) Number(key string) (float64, bool) {
	v, ok := j.Parameters[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func (j JobSpec) Prompt() string {
	return j.Param(ParamPrompt)
}

func (j JobSpec) Model() string {
	return j.Param(ParamModel)
}

// Manifest is a loaded batch. Hash identifies the merged job list so a
// ledger is never resumed against a different batch.
type Manifest struct {
	Source   string         `json:"source"`
	Hash     string         `json:"hash"`
	Defaults map[string]any `json:"defaults,omitempty"`
	Jobs     []JobSpec      `json:"jobs"`
}

// JobRecord is the mutable per-run status of a job. Only the ledger
// mutates it.
type JobRecord struct {
	Index        int    `json:"index"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	SubmittedAt  string `json:"submitted_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

// ObservedEntry is one item of the provider's output list. PositionHint is
// the ordinal in that list, newest first.
type ObservedEntry struct {
	Key          string `json:"key,omitempty"`
	Label        string `json:"label"`
	IsProcessing bool   `json:"processing"`
	PositionHint int    `json:"position"`
	URL          string `json:"url,omitempty"`
}

// EntryKey is the claim key for an entry. Use StableKeys across observations.
func (e ObservedEntry) EntryKey() string {
	if k := strings.TrimSpace(e.Key); k != "" {
		return k
	}
	if u := strings.TrimSpace(e.URL); u != "" {
		return u
	}
	return fmt.Sprintf("pos:%d|%s", e.PositionHint, e.Label)
}

// FallbackKey identifies a key-less entry by its ordinal counted from the
// oldest end of a newest-first list.
func FallbackKey(fromOldest int, label string) string {
	return fmt.Sprintf("tail:%d|%s", fromOldest, label)
}

// StableKeys returns a copy of entries in which every entry without Key or
// URL carries a FallbackKey. Assumes the provider never drops older entries.
func StableKeys(entries []ObservedEntry) []ObservedEntry {
	out := make([]ObservedEntry, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.Key) == "" && strings.TrimSpace(e.URL) == "" {
			e.Key = FallbackKey(len(entries)-1-i, e.Label)
		}
		out[i] = e
	}
	return out
}

// ObservedState is what a single Observe call reports. Nil pointers mean the
// provider does not expose that signal at all.
type ObservedState struct {
	QueueDepth *int            `json:"queue_depth,omitempty"`
	Busy       *bool           `json:"busy,omitempty"`
	Entries    []ObservedEntry `json:"entries"`
}

// Ready counts entries that are no longer processing.
func (s ObservedState) Ready() int {
	n := 0
	for _, e := range s.Entries {
		if !e.IsProcessing {
			n++
		}
	}
	return n
}
