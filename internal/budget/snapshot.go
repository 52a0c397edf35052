package budget

import (
	"fmt"
	"strings"
	"time"

	"genbatch/internal/runstore"
)

// DefaultSnapshotTTL is how long a credit snapshot is trusted.
const DefaultSnapshotTTL = 10 * time.Minute

type UnlimitedModel struct {
	Model   string `json:"model"`
	Expires string `json:"expires,omitempty"`
}

// CreditSnapshot is the cached account quota. Timestamp is epoch
// milliseconds, as written by the snapshot refresher.
type CreditSnapshot struct {
	Remaining       float64          `json:"remaining"`
	Total           float64          `json:"total"`
	Plan            string           `json:"plan,omitempty"`
	UnlimitedModels []UnlimitedModel `json:"unlimitedModels,omitempty"`
	Timestamp       int64            `json:"timestamp"`
}

func (s CreditSnapshot) FetchedAt() time.Time {
	return time.UnixMilli(s.Timestamp)
}

func (s CreditSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt())
}

func (s CreditSnapshot) IsStale(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return s.Timestamp <= 0 || s.Age(now) > ttl
}

// IsUnlimited reports whether model has an unexpired unlimited grant.
// Entries without a parseable expiry are treated as open-ended.
func (s CreditSnapshot) IsUnlimited(model string, now time.Time) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return false
	}
	for _, u := range s.UnlimitedModels {
		if strings.ToLower(strings.TrimSpace(u.Model)) != m {
			continue
		}
		exp := strings.TrimSpace(u.Expires)
		if exp == "" {
			return true
		}
		t, err := time.Parse(time.RFC3339, exp)
		if err != nil {
			t, err = time.Parse("2006-01-02", exp)
		}
		if err != nil || t.After(now) {
			return true
		}
	}
	return false
}

// LoadSnapshot reads the snapshot file. A missing file is not an error: the
// guard simply runs without data.
func LoadSnapshot(path string) (*CreditSnapshot, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	var snap CreditSnapshot
	found, err := runstore.ReadJSONIfExists(path, &snap)
	if err != nil {
		return nil, fmt.Errorf("load credit snapshot: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &snap, nil
}

func SaveSnapshot(path string, snap CreditSnapshot) error {
	return runstore.WriteJSON(path, snap)
}
