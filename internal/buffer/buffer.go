// Package buffer implements C3, the per-symbol bounded ring buffers of
// liquidations and trades plus the hourly baseline rollup. All state is
// owned exclusively by the Supervisor and accessed only through this
// package's mutex-guarded methods; every read returns a copy.
package buffer

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liquidwatch/internal/domain"
)

// Config controls ring sizes and baseline retention.
type Config struct {
	MaxLiquidations int           // default 1000
	MaxTrades       int           // default 500
	MaxBaselines    int           // default 24
	BaselineMaxAge  time.Duration // default 72h
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		MaxLiquidations: 1000,
		MaxTrades:       500,
		MaxBaselines:    24,
		BaselineMaxAge:  72 * time.Hour,
	}
}

// BaselineEntry is one hourly rollup entry (§3).
type BaselineEntry struct {
	HourEnd     time.Time
	LiqVolume   float64
	TradeVolume float64
}

// symbolState is the per-symbol ring pair plus overflow counters and
// baseline ring. Created lazily on first insert.
type symbolState struct {
	mu sync.Mutex

	liquidations []domain.LiquidationEvent
	trades       []domain.TradeEvent

	liqOverflow   int64
	tradeOverflow int64

	baselines []BaselineEntry
}

// Manager owns every symbol's buffer state.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	symbols map[string]*symbolState
}

// NewManager creates an empty buffer manager.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, symbols: make(map[string]*symbolState)}
}

func (m *Manager) stateFor(symbol string) *symbolState {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{}
	m.symbols[symbol] = st
	return st
}

// AddLiquidation copies e (never aliasing the caller's value), stamps a
// timestamp if missing, and appends it to symbol's ring, evicting the
// oldest entry and incrementing the overflow counter if full.
func (m *Manager) AddLiquidation(symbol string, e domain.LiquidationEvent) {
	if e.TimestampMs == 0 {
		e.TimestampMs = time.Now().UnixMilli()
	}
	st := m.stateFor(symbol)

	st.mu.Lock()
	defer st.mu.Unlock()

	max := m.cfg.MaxLiquidations
	if len(st.liquidations) >= max {
		// oldest-evicting: drop index 0
		st.liquidations = append(st.liquidations[1:], e)
		st.liqOverflow++
		if st.liqOverflow%100 == 0 {
			log.Warn().Str("symbol", symbol).Int64("overflow", st.liqOverflow).
				Msg("liquidation buffer overflow")
		}
		return
	}
	st.liquidations = append(st.liquidations, e)
}

// AddTrade is the trade-ring analogue of AddLiquidation.
func (m *Manager) AddTrade(symbol string, e domain.TradeEvent) {
	if e.TimestampMs == 0 {
		e.TimestampMs = time.Now().UnixMilli()
	}
	st := m.stateFor(symbol)

	st.mu.Lock()
	defer st.mu.Unlock()

	max := m.cfg.MaxTrades
	if len(st.trades) >= max {
		st.trades = append(st.trades[1:], e)
		st.tradeOverflow++
		if st.tradeOverflow%100 == 0 {
			log.Warn().Str("symbol", symbol).Int64("overflow", st.tradeOverflow).
				Msg("trade buffer overflow")
		}
		return
	}
	st.trades = append(st.trades, e)
}

// GetLiquidations returns a snapshot copy of liquidations within windowS
// seconds of now, optionally truncated to the most recent maxCount (0 =
// unlimited).
func (m *Manager) GetLiquidations(symbol string, windowS float64, maxCount int) []domain.LiquidationEvent {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := time.Now().UnixMilli() - int64(windowS*1000)
	var out []domain.LiquidationEvent
	for _, e := range st.liquidations {
		if e.TimestampMs >= cutoff {
			out = append(out, e)
		}
	}
	if maxCount > 0 && len(out) > maxCount {
		out = out[len(out)-maxCount:]
	}
	return out
}

// GetTrades is the trade analogue of GetLiquidations.
func (m *Manager) GetTrades(symbol string, windowS float64, maxCount int) []domain.TradeEvent {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := time.Now().UnixMilli() - int64(windowS*1000)
	var out []domain.TradeEvent
	for _, e := range st.trades {
		if e.TimestampMs >= cutoff {
			out = append(out, e)
		}
	}
	if maxCount > 0 && len(out) > maxCount {
		out = out[len(out)-maxCount:]
	}
	return out
}

// LatestTradePrice returns the most recent trade price for symbol, used by
// the tracker's fallback price lookup (§4.9).
func (m *Manager) LatestTradePrice(symbol string) (float64, bool) {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.trades) == 0 {
		return 0, false
	}
	return st.trades[len(st.trades)-1].Price, true
}

// LatestLiquidationPrice is the tracker's secondary fallback (§4.9).
func (m *Manager) LatestLiquidationPrice(symbol string) (float64, bool) {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.liquidations) == 0 {
		return 0, false
	}
	return st.liquidations[len(st.liquidations)-1].Price, true
}

// Overflows returns the (liquidation, trade) overflow counters for symbol.
func (m *Manager) Overflows(symbol string) (liq int64, trade int64) {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if !ok {
		return 0, 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.liqOverflow, st.tradeOverflow
}

// Symbols returns the set of symbols that have ever had an insert.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.symbols))
	for s := range m.symbols {
		out = append(out, s)
	}
	return out
}

// UpdateHourlyBaseline summarizes the last 3600s of activity per symbol
// into a new baseline entry, capping the ring at MaxBaselines (§4.3).
func (m *Manager) UpdateHourlyBaseline() {
	now := time.Now()
	for _, symbol := range m.Symbols() {
		liqs := m.GetLiquidations(symbol, 3600, 0)
		trades := m.GetTrades(symbol, 3600, 0)

		var liqVol, tradeVol float64
		for _, e := range liqs {
			liqVol += e.Vol
		}
		for _, e := range trades {
			tradeVol += e.Vol
		}

		st := m.stateFor(symbol)
		st.mu.Lock()
		st.baselines = append(st.baselines, BaselineEntry{
			HourEnd:     now,
			LiqVolume:   liqVol,
			TradeVolume: tradeVol,
		})
		if len(st.baselines) > m.cfg.MaxBaselines {
			st.baselines = st.baselines[len(st.baselines)-m.cfg.MaxBaselines:]
		}
		st.mu.Unlock()
	}
}

// Baselines returns a copy of symbol's hourly baseline ring.
func (m *Manager) Baselines(symbol string) []BaselineEntry {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]BaselineEntry, len(st.baselines))
	copy(out, st.baselines)
	return out
}

// GetBaseline computes the average hourly volumes over the stored window,
// the current 30-minute sums doubled to an hourly scale, and the resulting
// multipliers (§4.3). Used only as metadata on outgoing signals.
func (m *Manager) GetBaseline(symbol string) domain.BaselineContext {
	entries := m.Baselines(symbol)

	var avgLiq, avgTrade float64
	if len(entries) > 0 {
		var liqSum, tradeSum float64
		for _, e := range entries {
			liqSum += e.LiqVolume
			tradeSum += e.TradeVolume
		}
		avgLiq = liqSum / float64(len(entries))
		avgTrade = tradeSum / float64(len(entries))
	}

	liqs := m.GetLiquidations(symbol, 1800, 0)
	trades := m.GetTrades(symbol, 1800, 0)
	var liq30, trade30 float64
	for _, e := range liqs {
		liq30 += e.Vol
	}
	for _, e := range trades {
		trade30 += e.Vol
	}
	currentLiq := liq30 * 2
	currentTrade := trade30 * 2

	liqMult := 0.0
	if avgLiq > 0 {
		liqMult = currentLiq / avgLiq
	}
	tradeMult := 0.0
	if avgTrade > 0 {
		tradeMult = currentTrade / avgTrade
	}

	return domain.BaselineContext{
		AvgHourlyLiqVolume:   avgLiq,
		AvgHourlyTradeVolume: avgTrade,
		CurrentLiqVolume:     currentLiq,
		CurrentTradeVolume:   currentTrade,
		LiqMultiplier:        liqMult,
		TradeMultiplier:      tradeMult,
	}
}

// CleanupOldData rebuilds every symbol's rings, dropping entries older
// than maxAgeS seconds, and prunes baseline entries older than
// cfg.BaselineMaxAge. Idempotent: calling it twice back-to-back leaves
// state unchanged (§8 property 7).
func (m *Manager) CleanupOldData(maxAgeS float64) {
	cutoff := time.Now().UnixMilli() - int64(maxAgeS*1000)
	baselineCutoff := time.Now().Add(-m.cfg.BaselineMaxAge)

	m.mu.RLock()
	states := make([]*symbolState, 0, len(m.symbols))
	for _, st := range m.symbols {
		states = append(states, st)
	}
	m.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		st.liquidations = filterLiq(st.liquidations, cutoff)
		st.trades = filterTrade(st.trades, cutoff)
		st.baselines = filterBaseline(st.baselines, baselineCutoff)
		st.mu.Unlock()
	}
}

func filterLiq(in []domain.LiquidationEvent, cutoff int64) []domain.LiquidationEvent {
	out := make([]domain.LiquidationEvent, 0, len(in))
	for _, e := range in {
		if e.TimestampMs >= cutoff {
			out = append(out, e)
		}
	}
	return out
}

func filterTrade(in []domain.TradeEvent, cutoff int64) []domain.TradeEvent {
	out := make([]domain.TradeEvent, 0, len(in))
	for _, e := range in {
		if e.TimestampMs >= cutoff {
			out = append(out, e)
		}
	}
	return out
}

func filterBaseline(in []BaselineEntry, cutoff time.Time) []BaselineEntry {
	out := make([]BaselineEntry, 0, len(in))
	for _, e := range in {
		if e.HourEnd.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}
