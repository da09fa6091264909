// Package tracker implements C10: computing entry/stop/target from an
// approved signal's stop-hunt price zone, holding it for the configured
// window, and labeling an outcome once the hold window has elapsed.
package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liquidwatch/internal/domain"
)

// PriceSource is the subset of the buffer manager the tracker needs to
// read a fallback price at outcome time.
type PriceSource interface {
	LatestTradePrice(symbol string) (float64, bool)
	LatestLiquidationPrice(symbol string) (float64, bool)
}

// ResultRecorder receives terminal outcomes for the confidence learner
// (§4.9, §9's "no back-pointers" design: the tracker is handed a function
// value, not a reference to the Supervisor).
type ResultRecorder func(t domain.SignalType, won bool)

// PersistFunc persists a tracked signal's current state (entry or outcome
// update) to durable storage.
type PersistFunc func(domain.TrackedSignal)

// Config controls the hold window and its extension cap (§4.9).
type Config struct {
	CheckInterval   time.Duration // default 900s
	MaxExtendFactor int           // default 3 (hold window extends up to 3x before forcing NEUTRAL)
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{CheckInterval: 900 * time.Second, MaxExtendFactor: 3}
}

// Tracker owns the set of pending tracked signals.
type Tracker struct {
	cfg      Config
	recorder ResultRecorder
	persist  PersistFunc

	mu      sync.Mutex
	pending map[string]*domain.TrackedSignal
}

// NewTracker creates a tracker; recorder and persist may be nil for tests
// that don't need those side effects.
func NewTracker(cfg Config, recorder ResultRecorder, persist PersistFunc) *Tracker {
	return &Tracker{
		cfg:      cfg,
		recorder: recorder,
		persist:  persist,
		pending:  make(map[string]*domain.TrackedSignal),
	}
}

// Track computes entry/stop/target from sig's stop-hunt price zone (when
// present) and starts the hold window (§4.9). Signals without a stop-hunt
// component are tracked with zero entry/stop/target and are resolved to
// NEUTRAL at deadline, since there is no price zone to grade an outcome
// against.
func (tr *Tracker) Track(sig domain.TradingSignal, now time.Time) domain.TrackedSignal {
	entry, stop, target := priceLevels(sig)

	tracked := domain.TrackedSignal{
		ID:       uuid.NewString(),
		Signal:   sig,
		Entry:    entry,
		Stop:     stop,
		Target:   target,
		Deadline: now.Add(tr.cfg.CheckInterval),
	}

	tr.mu.Lock()
	tr.pending[tracked.ID] = &tracked
	tr.mu.Unlock()

	if tr.persist != nil {
		tr.persist(tracked)
	}
	return tracked
}

// priceLevels derives entry/stop/target from the stop-hunt price zone per
// §4.9's formulas. Returns zeros if sig has no stop-hunt component.
func priceLevels(sig domain.TradingSignal) (entry, stop, target float64) {
	if sig.StopHunt == nil {
		return 0, 0, 0
	}
	zone := sig.StopHunt.PriceZone
	spread := zone.Spread()

	switch sig.Direction {
	case domain.DirLong: // from SHORT_HUNT
		entry = zone.Max
		stop = zone.Min - 0.3*spread
		target = entry + 2*(entry-stop)
	case domain.DirShort: // from LONG_HUNT
		entry = zone.Min
		stop = zone.Max + 0.3*spread
		target = entry - 2*(stop-entry)
	}
	return entry, stop, target
}

// Evaluate runs over every pending tracked signal whose deadline has
// passed, labels an outcome using src's latest prices, and notifies the
// recorder/persist callbacks for terminal signals (§4.9). Signals still
// pending (deadline not reached, or price unavailable and not yet at the
// extension cap) are left untouched.
func (tr *Tracker) Evaluate(src PriceSource, now time.Time) []domain.TrackedSignal {
	tr.mu.Lock()
	due := make([]*domain.TrackedSignal, 0)
	for _, t := range tr.pending {
		if t.IsPending() && !now.Before(t.Deadline) {
			due = append(due, t)
		}
	}
	tr.mu.Unlock()

	var resolved []domain.TrackedSignal
	for _, t := range due {
		if tr.resolveOne(t, src, now) {
			resolved = append(resolved, *t)
		}
	}
	return resolved
}

func (tr *Tracker) resolveOne(t *domain.TrackedSignal, src PriceSource, now time.Time) bool {
	price, ok := src.LatestTradePrice(t.Signal.Symbol)
	if !ok {
		price, ok = src.LatestLiquidationPrice(t.Signal.Symbol)
	}
	if !ok {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		if t.ExtendCount >= tr.cfg.MaxExtendFactor-1 {
			tr.finalize(t, domain.OutcomeNeutral, 0, now)
			return true
		}
		t.ExtendCount++
		t.Deadline = t.Deadline.Add(tr.cfg.CheckInterval) // one additional hold-window unit
		log.Warn().Str("symbol", t.Signal.Symbol).Int("extend", t.ExtendCount).
			Msg("tracker: no price available, extending deadline")
		return false
	}

	outcome := labelOutcome(*t, price)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.finalize(t, outcome, price, now)
	return true
}

// finalize must be called with tr.mu held.
func (tr *Tracker) finalize(t *domain.TrackedSignal, outcome domain.Outcome, exitPrice float64, now time.Time) {
	t.Outcome = outcome
	t.ExitPrice = exitPrice
	delete(tr.pending, t.ID)

	if tr.persist != nil {
		tr.persist(*t)
	}
	if tr.recorder != nil && (outcome == domain.OutcomeWin || outcome == domain.OutcomeLoss) {
		tr.recorder(t.Signal.Type, outcome == domain.OutcomeWin)
	}
}

// labelOutcome applies the §4.9 outcome rule for the given direction.
func labelOutcome(t domain.TrackedSignal, price float64) domain.Outcome {
	if t.Entry == 0 && t.Target == 0 && t.Stop == 0 {
		return domain.OutcomeNeutral
	}

	mid := (t.Entry + t.Target) / 2

	switch t.Signal.Direction {
	case domain.DirLong:
		switch {
		case price >= t.Target:
			return domain.OutcomeWin
		case price <= t.Stop:
			return domain.OutcomeLoss
		case price >= mid:
			return domain.OutcomeWin
		case price < t.Entry:
			return domain.OutcomeLoss
		default:
			return domain.OutcomeNeutral
		}
	case domain.DirShort:
		switch {
		case price <= t.Target:
			return domain.OutcomeWin
		case price >= t.Stop:
			return domain.OutcomeLoss
		case price <= mid:
			return domain.OutcomeWin
		case price > t.Entry:
			return domain.OutcomeLoss
		default:
			return domain.OutcomeNeutral
		}
	default:
		return domain.OutcomeNeutral
	}
}

// Pending returns a snapshot copy of all pending tracked signals.
func (tr *Tracker) Pending() []domain.TrackedSignal {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]domain.TrackedSignal, 0, len(tr.pending))
	for _, t := range tr.pending {
		out = append(out, *t)
	}
	return out
}
