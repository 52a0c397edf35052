// Package detect turns raw provider snapshots into lifecycle events for one
// polling session. It only knows that "something finished"; which job
// finished is decided by the correlate package.
package detect

import (
	"time"

	"genbatch/internal/clock"
	"genbatch/internal/model"
)

// DefaultDwell is how long the signals may stay unchanged before the
// detector asks for a refresh.
const DefaultDwell = 60 * time.Second

type Phase int

const (
	BeforeStart Phase = iota
	Elevated
	Drained
)

func (p Phase) String() string {
	switch p {
	case BeforeStart:
		return "before_start"
	case Elevated:
		return "elevated"
	case Drained:
		return "drained"
	default:
		return "unknown"
	}
}

type Event int

const (
	EventNone Event = iota
	EventStarted
	EventProcessing
	EventProgress
	EventDrained
	EventDwell
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventStarted:
		return "started"
	case EventProcessing:
		return "processing"
	case EventProgress:
		return "progress"
	case EventDrained:
		return "drained"
	case EventDwell:
		return "dwell"
	default:
		return "unknown"
	}
}

// Baseline is the provider state recorded just before a wave is submitted.
type Baseline struct {
	QueueDepth int
	Ready      int
}

func BaselineFrom(s model.ObservedState) Baseline {
	b := Baseline{Ready: s.Ready()}
	if s.QueueDepth != nil {
		b.QueueDepth = *s.QueueDepth
	}
	return b
}

type signature struct {
	depth      int
	hasDepth   bool
	busy       bool
	hasBusy    bool
	ready      int
	processing int
}

func signatureOf(s model.ObservedState) signature {
	sig := signature{ready: s.Ready(), processing: len(s.Entries) - s.Ready()}
	if s.QueueDepth != nil {
		sig.depth = *s.QueueDepth
		sig.hasDepth = true
	}
	if s.Busy != nil {
		sig.busy = *s.Busy
		sig.hasBusy = true
	}
	return sig
}

// Detector is the BeforeStart -> Elevated -> Drained state machine. The
// queue-depth peak only ever grows. Not safe for concurrent use.
type Detector struct {
	baseline Baseline
	phase    Phase
	peak     int
	last     int
	sawBusy  bool

	clock      clock.Clock
	dwell      time.Duration
	lastSig    signature
	hasSig     bool
	lastChange time.Time
	dwellFired bool
}

func New(baseline Baseline, dwell time.Duration, clk clock.Clock) *Detector {
	if clk == nil {
		clk = clock.Real{}
	}
	if dwell <= 0 {
		dwell = DefaultDwell
	}
	return &Detector{
		baseline:   baseline,
		peak:       baseline.QueueDepth,
		last:       baseline.QueueDepth,
		clock:      clk,
		dwell:      dwell,
		lastChange: clk.Now(),
	}
}

func (d *Detector) Phase() Phase         { return d.phase }
func (d *Detector) Peak() int            { return d.peak }
func (d *Detector) Baseline() Baseline   { return d.baseline }
func (d *Detector) Drained() bool        { return d.phase == Drained }
func (d *Detector) Dwell() time.Duration { return d.dwell }

// Observe feeds one snapshot and reports what changed.
func (d *Detector) Observe(s model.ObservedState) Event {
	now := d.clock.Now()
	sig := signatureOf(s)
	if !d.hasSig || sig != d.lastSig {
		d.lastSig = sig
		d.hasSig = true
		d.lastChange = now
		d.dwellFired = false
	}
	if d.phase == Drained {
		return EventNone
	}

	ev := EventNone
	if sig.hasDepth {
		ev = d.observeDepth(sig.depth)
		if ev == EventDrained {
			return ev
		}
	}
	if sig.hasBusy {
		if bev := d.observeBusy(sig.busy, sig.hasDepth); bev != EventNone {
			if bev == EventDrained || ev == EventNone {
				ev = bev
			}
		}
		if ev == EventDrained {
			return ev
		}
	}

	if (ev == EventNone || ev == EventProcessing) && !d.dwellFired && now.Sub(d.lastChange) >= d.dwell {
		d.dwellFired = true
		return EventDwell
	}
	return ev
}

func (d *Detector) observeDepth(depth int) Event {
	defer func() { d.last = depth }()
	if depth > d.baseline.QueueDepth {
		if depth > d.peak {
			d.peak = depth
		}
		switch {
		case d.phase == BeforeStart:
			d.phase = Elevated
			return EventStarted
		case depth < d.last:
			return EventProgress
		default:
			return EventProcessing
		}
	}
	if d.phase == Elevated {
		d.phase = Drained
		return EventDrained
	}
	return EventNone
}

// observeBusy handles providers that only expose a busy control: seen busy
// and then idle again counts as drained.
func (d *Detector) observeBusy(busy, hasDepth bool) Event {
	if busy {
		first := !d.sawBusy
		d.sawBusy = true
		if d.phase == BeforeStart && !hasDepth {
			d.phase = Elevated
			return EventStarted
		}
		if first || d.phase == Elevated {
			return EventProcessing
		}
		return EventNone
	}
	if d.sawBusy {
		d.phase = Drained
		return EventDrained
	}
	return EventNone
}

// Recheck is called with a fresh snapshot after a dwell refresh.
func (d *Detector) Recheck(s model.ObservedState) Event {
	if d.phase == Drained {
		return EventNone
	}
	if s.Ready() > d.baseline.Ready {
		d.phase = Drained
		return EventDrained
	}
	d.lastChange = d.clock.Now()
	d.dwellFired = false
	return EventNone
}
