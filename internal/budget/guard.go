// Package budget estimates job cost and rejects dispatch when the cached
// account quota cannot cover it.
package budget

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"genbatch/internal/clock"
	"genbatch/internal/model"
)

// DurationTierSeconds is the length of one duration tier for timed kinds.
const DurationTierSeconds = 5.0

// CostTable holds approximate unit costs. Model overrides win over the
// per-kind base.
type CostTable struct {
	Kinds  map[string]float64
	Models map[string]float64
}

func DefaultCostTable() CostTable {
	return CostTable{
		Kinds: map[string]float64{
			model.KindImage: 1,
			model.KindVideo: 10,
		},
		Models: map[string]float64{},
	}
}

// NewCostTable overlays configured costs on the defaults.
func NewCostTable(kinds, models map[string]float64) CostTable {
	t := DefaultCostTable()
	for k, v := range kinds {
		t.Kinds[strings.ToLower(k)] = v
	}
	for m, v := range models {
		t.Models[strings.ToLower(m)] = v
	}
	return t
}

// Estimate returns the approximate cost of job, ignoring any snapshot.
func (t CostTable) Estimate(job model.JobSpec) float64 {
	base, ok := t.Models[strings.ToLower(job.Model())]
	if !ok {
		base, ok = t.Kinds[job.Kind]
	}
	if !ok {
		base = t.Kinds[model.KindImage]
	}

	mult := 1.0
	if n, ok := job.Number(model.ParamBatchSize); ok && n > 1 {
		mult *= n
	} else if n, ok := job.Number(model.ParamCount); ok && n > 1 {
		mult *= n
	}
	if job.Kind == model.KindVideo {
		if d, ok := job.Number(model.ParamDuration); ok && d > 0 {
			mult *= math.Ceil(d / DurationTierSeconds)
		}
	}
	return base * mult
}

// Decision is the outcome of a budget check. Advisory is set when the check
// passed only because no trustworthy snapshot was available.
type Decision struct {
	OK        bool
	Cost      float64
	Remaining float64
	Advisory  bool
	Unlimited bool
	Reason    string
}

// RejectError reports a pre-flight rejection. It matches
// model.ErrInsufficientBudget.
type RejectError struct {
	JobIndex int
	Decision Decision
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("job %d: %s: %s", e.JobIndex, model.ErrInsufficientBudget, e.Decision.Reason)
}

func (e *RejectError) Unwrap() error {
	return model.ErrInsufficientBudget
}

// CheckBudget decides whether job fits in snap. committed is the cost
// already reserved by earlier jobs of the same run.
func CheckBudget(job model.JobSpec, snap *CreditSnapshot, table CostTable, committed float64, now time.Time, ttl time.Duration) Decision {
	if snap != nil && !snap.IsStale(now, ttl) && snap.IsUnlimited(job.Model(), now) {
		return Decision{OK: true, Cost: 0, Remaining: snap.Remaining, Unlimited: true}
	}

	cost := table.Estimate(job)
	if snap == nil {
		return Decision{OK: true, Cost: cost, Advisory: true, Reason: "no credit snapshot"}
	}
	if snap.IsStale(now, ttl) {
		return Decision{OK: true, Cost: cost, Remaining: snap.Remaining, Advisory: true, Reason: "credit snapshot is stale"}
	}

	available := snap.Remaining - committed
	if cost > available {
		return Decision{
			OK:        false,
			Cost:      cost,
			Remaining: available,
			Reason:    fmt.Sprintf("estimated cost %.1f exceeds remaining %.1f", cost, available),
		}
	}
	return Decision{OK: true, Cost: cost, Remaining: available - cost}
}

// Guard applies CheckBudget across a run, reserving the cost of every job
// it lets through.
type Guard struct {
	mu        sync.Mutex
	table     CostTable
	snapshot  *CreditSnapshot
	ttl       time.Duration
	force     bool
	clock     clock.Clock
	committed float64
}

type GuardOptions struct {
	Table    CostTable
	Snapshot *CreditSnapshot
	TTL      time.Duration
	Force    bool
	Clock    clock.Clock
}

func NewGuard(opts GuardOptions) *Guard {
	g := &Guard{
		table:    opts.Table,
		snapshot: opts.Snapshot,
		ttl:      opts.TTL,
		force:    opts.Force,
		clock:    opts.Clock,
	}
	if g.table.Kinds == nil {
		g.table = DefaultCostTable()
	}
	if g.ttl <= 0 {
		g.ttl = DefaultSnapshotTTL
	}
	if g.clock == nil {
		g.clock = clock.Real{}
	}
	return g
}

// Admit checks job and reserves its cost. The error is a *RejectError.
func (g *Guard) Admit(job model.JobSpec) (Decision, error) {
	if g == nil {
		return Decision{OK: true, Advisory: true, Reason: "no budget guard"}, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.force {
		return Decision{OK: true, Cost: g.table.Estimate(job), Advisory: true, Reason: "budget guard overridden"}, nil
	}
	d := CheckBudget(job, g.snapshot, g.table, g.committed, g.clock.Now(), g.ttl)
	if !d.OK {
		return d, &RejectError{JobIndex: job.Index, Decision: d}
	}
	if !d.Advisory {
		g.committed += d.Cost
	}
	return d, nil
}

// Release returns a reservation, used when an admitted job never reached
// the provider.
func (g *Guard) Release(d Decision) {
	if g == nil || d.Advisory || d.Cost <= 0 {
		return
	}
	g.mu.Lock()
	g.committed = math.Max(0, g.committed-d.Cost)
	g.mu.Unlock()
}

func (g *Guard) Committed() float64 {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committed
}

// EstimateBatch sums the estimated cost of jobs, counting unlimited models
// in a fresh snapshot as free.
func EstimateBatch(jobs []model.JobSpec, snap *CreditSnapshot, table CostTable, now time.Time, ttl time.Duration) float64 {
	total := 0.0
	fresh := snap != nil && !snap.IsStale(now, ttl)
	for _, job := range jobs {
		if fresh && snap.IsUnlimited(job.Model(), now) {
			continue
		}
		total += table.Estimate(job)
	}
	return total
}
