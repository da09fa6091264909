// Package scoring implements C7: per-signal-type learned win rate, recent
// trend, and metadata-quality adjustments applied to a fused signal's
// confidence, plus the bounded outcome history the learner persists.
package scoring

import (
	"sync"

	"github.com/sawpanic/liquidwatch/internal/domain"
)

const (
	historyCap   = 100
	trendWindow  = 10
	defaultWinRate = 0.5
)

// LearnerState is one signal type's persisted learning state (§3).
type LearnerState struct {
	History []bool // bounded FIFO of outcome booleans, cap 100
	WinRate float64
}

// typeState is the mutex-guarded in-memory copy of a LearnerState.
type typeState struct {
	mu      sync.Mutex
	history []bool
	winRate float64
}

// Scorer owns one typeState per signal type and adjusts confidence using
// the learned win rate, recent trend, and metadata quality features.
type Scorer struct {
	learningRate float64

	mu    sync.RWMutex
	types map[domain.SignalType]*typeState
}

// Config controls the learner's smoothing rate.
type Config struct {
	LearningRate float64 // default 0.1
}

// DefaultConfig returns the spec's default learning rate.
func DefaultConfig() Config {
	return Config{LearningRate: 0.1}
}

// NewScorer creates an empty scorer.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{learningRate: cfg.LearningRate, types: make(map[domain.SignalType]*typeState)}
}

func (s *Scorer) stateFor(t domain.SignalType) *typeState {
	s.mu.RLock()
	st, ok := s.types[t]
	s.mu.RUnlock()
	if ok {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.types[t]; ok {
		return st
	}
	st = &typeState{winRate: defaultWinRate}
	s.types[t] = st
	return st
}

// Restore seeds a signal type's learner state from persisted storage
// (§4.12 — Supervisor restores learner state on start).
func (s *Scorer) Restore(t domain.SignalType, state LearnerState) {
	st := s.stateFor(t)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.history = append([]bool(nil), state.History...)
	st.winRate = state.WinRate
}

// Snapshot returns a copy of t's current learner state, for persistence.
func (s *Scorer) Snapshot(t domain.SignalType) LearnerState {
	st := s.stateFor(t)
	st.mu.Lock()
	defer st.mu.Unlock()
	return LearnerState{History: append([]bool(nil), st.history...), WinRate: st.winRate}
}

// Score adjusts sig.Confidence in place-style (returns the new value)
// using the win-rate, trend, and quality rules of §4.7, clamped to
// [50, 99].
func (s *Scorer) Score(sig domain.TradingSignal, tierAbsorptionThreshold float64) float64 {
	st := s.stateFor(sig.Type)
	st.mu.Lock()
	winRate := st.winRate
	history := append([]bool(nil), st.history...)
	st.mu.Unlock()

	confidence := sig.Confidence

	switch {
	case winRate > 0.7:
		confidence += 5
	case winRate > 0.6:
		confidence += 3
	case winRate < 0.4:
		confidence -= 5
	case winRate < 0.5:
		confidence -= 3
	}

	confidence += trendAdjustment(history)
	confidence += qualityBoost(sig, tierAbsorptionThreshold)

	return domain.Clamp50To99(confidence)
}

func trendAdjustment(history []bool) float64 {
	if len(history) == 0 {
		return 0
	}
	window := history
	if len(window) > trendWindow {
		window = window[len(window)-trendWindow:]
	}
	wins := 0
	for _, w := range window {
		if w {
			wins++
		}
	}
	rate := float64(wins) / float64(len(window))
	switch {
	case rate > 0.75:
		return 3
	case rate < 0.25:
		return -3
	default:
		return 0
	}
}

// qualityBoost computes the metadata-quality adjustment, capped at +/-5
// (§4.7).
func qualityBoost(sig domain.TradingSignal, tierAbsorptionThreshold float64) float64 {
	var boost float64

	if sig.StopHunt != nil && tierAbsorptionThreshold > 0 {
		ratio := sig.StopHunt.AbsorptionVolume / tierAbsorptionThreshold
		switch {
		case ratio > 5:
			boost += 2
		case ratio > 2:
			boost += 1
		}
		if sig.StopHunt.DirectionalPct > 0.85 {
			boost += 2
		}
	}

	if sig.OrderFlow != nil {
		switch {
		case sig.OrderFlow.BuyRatio > 0.8 || sig.OrderFlow.BuyRatio < 0.2:
			boost += 1.5
		case sig.OrderFlow.BuyRatio > 0.7 || sig.OrderFlow.BuyRatio < 0.3:
			boost += 0.5
		}

		dominantLarge := sig.OrderFlow.LargeBuys
		if sig.OrderFlow.Type == domain.FlowDistribution {
			dominantLarge = sig.OrderFlow.LargeSells
		}
		switch {
		case dominantLarge >= 10:
			boost += 1.5
		case dominantLarge >= 5:
			boost += 0.5
		}
	}

	if len(sig.Events) >= 2 {
		boost += 1
	}

	if boost > 5 {
		boost = 5
	}
	if boost < -5 {
		boost = -5
	}
	return boost
}

// RecordResult appends won to t's bounded history and blends the window's
// empirical win rate into the smoothed rate by the configured learning
// rate (§4.7, §3).
func (s *Scorer) RecordResult(t domain.SignalType, won bool) {
	st := s.stateFor(t)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.history = append(st.history, won)
	if len(st.history) > historyCap {
		st.history = st.history[len(st.history)-historyCap:]
	}

	window := st.history
	if len(window) > trendWindow {
		window = window[len(window)-trendWindow:]
	}
	wins := 0
	for _, w := range window {
		if w {
			wins++
		}
	}
	empirical := float64(wins) / float64(len(window))

	st.winRate = st.winRate*(1-s.learningRate) + empirical*s.learningRate
}

// WinRate returns t's current smoothed win rate (default 0.5 if unseen).
func (s *Scorer) WinRate(t domain.SignalType) float64 {
	st := s.stateFor(t)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.winRate
}
