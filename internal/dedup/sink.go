// Package dedup moves downloaded artifacts into an output directory while
// keeping exactly one file per distinct content hash.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"genbatch/internal/runstore"
)

const (
	IndexFileName = ".dedup-index.json"
	SidecarSuffix = ".json"
)

// Metadata describes where an artifact came from. It is written verbatim
// into the sidecar next to the canonical file.
type Metadata struct {
	JobIndex int            `json:"job_index"`
	RunID    string         `json:"run_id,omitempty"`
	Kind     string         `json:"kind,omitempty"`
	Prompt   string         `json:"prompt,omitempty"`
	Model    string         `json:"model,omitempty"`
	Source   string         `json:"source,omitempty"`
	Name     string         `json:"-"`
	Extra    map[string]any `json:"extra,omitempty"`
}

type Result struct {
	CanonicalPath string
	WasDuplicate  bool
	Hash          string
}

type Sidecar struct {
	Metadata  Metadata `json:"metadata"`
	SHA256    string   `json:"sha256"`
	MIME      string   `json:"mime"`
	Size      int64    `json:"size"`
	CreatedAt string   `json:"created_at"`
}

// Sink serializes finalization per process. The index of each output
// directory is loaded once and rewritten after every new registration.
type Sink struct {
	mu      sync.Mutex
	indexes map[string]map[string]string
	now     func() time.Time
}

func NewSink() *Sink {
	return &Sink{
		indexes: make(map[string]map[string]string),
		now:     time.Now,
	}
}

// Finalize hashes tempPath and either discards it as a duplicate of an
// already registered file or moves it into outputDir under a fresh name.
func (s *Sink) Finalize(tempPath string, meta Metadata, outputDir string) (Result, error) {
	hash, size, err := hashFile(tempPath)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex(outputDir)
	if err != nil {
		return Result{}, err
	}

	if name, ok := index[hash]; ok {
		canonical := filepath.Join(outputDir, name)
		if runstore.Exists(canonical) {
			if err := os.Remove(tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return Result{}, fmt.Errorf("remove duplicate %s: %w", tempPath, err)
			}
			return Result{CanonicalPath: canonical, WasDuplicate: true, Hash: hash}, nil
		}
		delete(index, hash)
	}

	mtype, err := mimetype.DetectFile(tempPath)
	if err != nil {
		return Result{}, fmt.Errorf("detect content type of %s: %w", tempPath, err)
	}

	if err := runstore.Mkdir(outputDir); err != nil {
		return Result{}, err
	}
	name := uniqueName(outputDir, baseName(meta, hash), mtype.Extension())
	canonical := filepath.Join(outputDir, name)
	if err := moveFile(tempPath, canonical); err != nil {
		return Result{}, err
	}

	sidecar := Sidecar{
		Metadata:  meta,
		SHA256:    hash,
		MIME:      mtype.String(),
		Size:      size,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	// Undo the move when the sidecar or index cannot be written.
	if err := runstore.WriteJSON(canonical+SidecarSuffix, sidecar); err != nil {
		_ = os.Remove(canonical)
		return Result{}, err
	}

	index[hash] = name
	if err := runstore.WriteJSON(filepath.Join(outputDir, IndexFileName), index); err != nil {
		delete(index, hash)
		_ = os.Remove(canonical + SidecarSuffix)
		_ = os.Remove(canonical)
		return Result{}, err
	}
	return Result{CanonicalPath: canonical, Hash: hash}, nil
}

// Lookup returns the canonical file registered for hash in outputDir.
func (s *Sink) Lookup(outputDir, hash string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex(outputDir)
	if err != nil {
		return "", false, err
	}
	name, ok := index[hash]
	if !ok {
		return "", false, nil
	}
	return filepath.Join(outputDir, name), true, nil
}

func (s *Sink) loadIndex(outputDir string) (map[string]string, error) {
	key := filepath.Clean(outputDir)
	if index, ok := s.indexes[key]; ok {
		return index, nil
	}
	index := make(map[string]string)
	if _, err := runstore.ReadJSONIfExists(filepath.Join(outputDir, IndexFileName), &index); err != nil {
		return nil, fmt.Errorf("load dedup index: %w", err)
	}
	if index == nil {
		index = make(map[string]string)
	}
	s.indexes[key] = index
	return index, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open artifact %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash artifact %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func baseName(meta Metadata, hash string) string {
	name := strings.TrimSuffix(meta.Name, filepath.Ext(meta.Name))
	name = strings.Trim(unsafeNameChars.ReplaceAllString(name, "-"), "-.")
	if name == "" {
		return hash[:16]
	}
	return name
}

func uniqueName(dir, base, ext string) string {
	name := base + ext
	for i := 2; runstore.Exists(filepath.Join(dir, name)); i++ {
		name = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
	return name
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	// Cross-device moves fall back to copy and remove.
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("close %s: %w", dst, err)
	}
	_ = in.Close()
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove %s after copy: %w", src, err)
	}
	return nil
}
