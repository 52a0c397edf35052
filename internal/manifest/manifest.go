// Package manifest loads batch manifests into merged, indexed job specs.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"genbatch/internal/model"
)

var ErrInvalidManifest = errors.New("invalid manifest")

// ValidationError lists every schema violation found in a manifest.
type ValidationError struct {
	Source string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidManifest, e.Source, strings.Join(e.Issues, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidManifest
}

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// Load reads a JSON or YAML manifest file.
func Load(path string) (model.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	doc, err := decode(path, data)
	if err != nil {
		return model.Manifest{}, err
	}
	return build(path, doc)
}

// FromPrompts builds a manifest from a literal prompt list merged over
// defaults.
func FromPrompts(prompts []string, defaults map[string]any) (model.Manifest, error) {
	jobs := make([]any, 0, len(prompts))
	for _, p := range prompts {
		jobs = append(jobs, p)
	}
	doc := map[string]any{"jobs": jobs}
	if len(defaults) > 0 {
		doc["defaults"] = defaults
	}
	return build("prompts", doc)
}

// Parse decodes and builds a manifest from raw JSON.
func Parse(source string, data []byte) (model.Manifest, error) {
	doc, err := decode(source, data)
	if err != nil {
		return model.Manifest{}, err
	}
	return build(source, doc)
}

// Validate checks raw manifest content against the schema without building
// jobs.
func Validate(source string, data []byte) error {
	doc, err := decode(source, data)
	if err != nil {
		return err
	}
	return validate(source, doc)
}

func decode(source string, data []byte) (any, error) {
	var doc any
	switch strings.ToLower(filepath.Ext(source)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse YAML manifest %s: %w", source, err)
		}
		doc = normalizeYAML(doc)
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse JSON manifest %s: %w", source, err)
		}
	}
	return doc, nil
}

// normalizeYAML turns yaml.v3 output into the shapes encoding/json would
// produce so both formats validate and hash identically.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	default:
		return v
	}
}

func validate(source string, doc any) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate manifest %s: %w", source, err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{Source: source}
	for _, issue := range result.Errors() {
		verr.Issues = append(verr.Issues, fmt.Sprintf("%s: %s", issue.Field(), issue.Description()))
	}
	return verr
}

func build(source string, doc any) (model.Manifest, error) {
	if err := validate(source, doc); err != nil {
		return model.Manifest{}, err
	}

	var rawJobs []any
	defaults := map[string]any{}
	switch t := doc.(type) {
	case []any:
		rawJobs = t
	case map[string]any:
		rawJobs, _ = t["jobs"].([]any)
		if d, ok := t["defaults"].(map[string]any); ok {
			defaults = d
		}
	}

	mf := model.Manifest{
		Source:   source,
		Defaults: defaults,
		Jobs:     make([]model.JobSpec, 0, len(rawJobs)),
	}
	for i, raw := range rawJobs {
		params := maps.Clone(defaults)
		if params == nil {
			params = map[string]any{}
		}
		switch t := raw.(type) {
		case string:
			params[model.ParamPrompt] = t
		case map[string]any:
			maps.Copy(params, t)
		}
		mf.Jobs = append(mf.Jobs, newJobSpec(i, params))
	}

	hash, err := hashJobs(mf.Jobs)
	if err != nil {
		return model.Manifest{}, err
	}
	mf.Hash = hash
	return mf, nil
}

func newJobSpec(index int, params map[string]any) model.JobSpec {
	job := model.JobSpec{
		Index:      index,
		Parameters: params,
	}
	job.Kind = strings.ToLower(job.Param(model.ParamKind))
	if job.Kind == "" {
		job.Kind = model.KindImage
	}
	job.ProviderHint = providerHint(job)
	return job
}

func providerHint(job model.JobSpec) string {
	if hint := job.Param(model.ParamHint); hint != "" {
		return hint
	}
	if echo, ok := job.Parameters[model.ParamEchoPrompt].(bool); ok && !echo {
		return ""
	}
	return job.Prompt()
}

// hashJobs digests the merged parameters in index order. encoding/json sorts
// map keys, which makes the encoding canonical.
func hashJobs(jobs []model.JobSpec) (string, error) {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, job := range jobs {
		if err := enc.Encode(job.Parameters); err != nil {
			return "", fmt.Errorf("hash job %d: %w", job.Index, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
