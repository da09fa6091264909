// Package marketctx implements C4 (the OI/funding snapshot buffer and
// alignment assessment) and C9 (the context filter that blocks, passes, or
// adjusts a fused signal against that context).
package marketctx

import (
	"sync"
	"time"
)

// Snapshot is a single OI or funding observation derived from the latest
// two hourly OHLC candles of the REST feed (§3).
type Snapshot struct {
	BaseSymbol   string
	Current      float64
	Previous     float64
	High         float64
	Low          float64
	ChangePct    float64 // (current - previous) / previous
	RecordedAt   time.Time
}

const maxSnapshots = 72 // 6h at 5min cadence

type symbolSnapshots struct {
	mu      sync.Mutex
	oi      []Snapshot
	funding []Snapshot
}

// Buffer stores up to 72 OI and 72 funding snapshots per base symbol.
type Buffer struct {
	mu      sync.RWMutex
	symbols map[string]*symbolSnapshots
}

// NewBuffer creates an empty market context buffer.
func NewBuffer() *Buffer {
	return &Buffer{symbols: make(map[string]*symbolSnapshots)}
}

func (b *Buffer) stateFor(base string) *symbolSnapshots {
	b.mu.RLock()
	st, ok := b.symbols[base]
	b.mu.RUnlock()
	if ok {
		return st
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.symbols[base]; ok {
		return st
	}
	st = &symbolSnapshots{}
	b.symbols[base] = st
	return st
}

// AddOI appends an OI snapshot, evicting the oldest once over capacity.
func (b *Buffer) AddOI(s Snapshot) {
	st := b.stateFor(s.BaseSymbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.oi = append(st.oi, s)
	if len(st.oi) > maxSnapshots {
		st.oi = st.oi[len(st.oi)-maxSnapshots:]
	}
}

// AddFunding appends a funding snapshot, evicting the oldest once over capacity.
func (b *Buffer) AddFunding(s Snapshot) {
	st := b.stateFor(s.BaseSymbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.funding = append(st.funding, s)
	if len(st.funding) > maxSnapshots {
		st.funding = st.funding[len(st.funding)-maxSnapshots:]
	}
}

// LatestOI returns the most recent OI snapshot for base, if any.
func (b *Buffer) LatestOI(base string) (Snapshot, bool) {
	b.mu.RLock()
	st, ok := b.symbols[base]
	b.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.oi) == 0 {
		return Snapshot{}, false
	}
	return st.oi[len(st.oi)-1], true
}

// LatestFunding returns the most recent funding snapshot for base, if any.
func (b *Buffer) LatestFunding(base string) (Snapshot, bool) {
	b.mu.RLock()
	st, ok := b.symbols[base]
	b.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.funding) == 0 {
		return Snapshot{}, false
	}
	return st.funding[len(st.funding)-1], true
}

// Alignment is a qualitative read on a single dimension (funding or OI).
type Alignment string

const (
	AlignNeutral     Alignment = "NEUTRAL"
	AlignCaution     Alignment = "CAUTION"
	AlignFavorable   Alignment = "FAVORABLE"
	AlignSqueezeRisk Alignment = "SQUEEZE_RISK"
	AlignConfirmation Alignment = "CONFIRMATION"
	AlignWeak        Alignment = "WEAK"
	AlignUnfavorable Alignment = "UNFAVORABLE"
)

// Direction mirrors domain.Direction without importing domain, to keep this
// package dependency-free and independently testable.
type Direction string

const (
	DirLong  Direction = "LONG"
	DirShort Direction = "SHORT"
)

// Assessment is the combined funding+OI read for one (base symbol, direction).
type Assessment struct {
	Funding  Alignment
	OI       Alignment
	Combined Alignment
	HasData  bool
}

// FundingAlignment classifies the latest funding rate for the given
// direction (§4.4).
func FundingAlignment(rate float64, dir Direction) Alignment {
	absRate := rate
	if absRate < 0 {
		absRate = -absRate
	}
	if absRate < 0.0001 { // < 0.01%
		return AlignNeutral
	}
	if dir == DirLong {
		switch {
		case rate > 0.0005:
			return AlignCaution
		case rate > 0:
			return AlignNeutral
		default:
			return AlignFavorable
		}
	}
	// SHORT mirrors LONG
	switch {
	case rate < -0.0005:
		return AlignCaution
	case rate < 0:
		return AlignNeutral
	default:
		return AlignFavorable
	}
}

// OIAlignment classifies the latest OI percent change (§4.4).
func OIAlignment(changePct float64) Alignment {
	switch {
	case changePct > 5:
		return AlignSqueezeRisk
	case changePct > 2:
		return AlignConfirmation
	case changePct < -1:
		return AlignWeak
	default:
		return AlignNeutral
	}
}

// Combine derives the combined assessment from funding and OI alignments
// (§4.4).
func Combine(funding, oi Alignment) Alignment {
	if funding == AlignCaution {
		return AlignUnfavorable
	}
	if oi == AlignSqueezeRisk {
		return AlignNeutral // "at most NEUTRAL"
	}
	if funding == AlignFavorable && (oi == AlignConfirmation || oi == AlignNeutral) {
		return AlignFavorable
	}
	return AlignNeutral
}

// Assess returns the combined assessment for base symbol and direction. If
// no funding or OI data exists yet, HasData is false and callers must
// pass through with zero adjustment (§4.4).
func (b *Buffer) Assess(base string, dir Direction) Assessment {
	fundingSnap, hasFunding := b.LatestFunding(base)
	oiSnap, hasOI := b.LatestOI(base)
	if !hasFunding && !hasOI {
		return Assessment{HasData: false}
	}

	funding := AlignNeutral
	if hasFunding {
		funding = FundingAlignment(fundingSnap.Current, dir)
	}
	oi := AlignNeutral
	if hasOI {
		oi = OIAlignment(oiSnap.ChangePct)
	}

	return Assessment{
		Funding:  funding,
		OI:       oi,
		Combined: Combine(funding, oi),
		HasData:  true,
	}
}

// FilterMode selects how the context filter (C9) treats a combined
// assessment.
type FilterMode string

const (
	ModeStrict     FilterMode = "strict"
	ModeNormal     FilterMode = "normal"
	ModePermissive FilterMode = "permissive"
)

// FilterResult is the outcome of running the context filter on a signal.
type FilterResult struct {
	Blocked    bool
	Adjustment float64
	Assessment Assessment
}

// Filter implements C9: block/pass/adjust a fused signal's confidence based
// on the combined market-context assessment.
type Filter struct {
	Mode                FilterMode
	AdjustConfidence    bool
}

// NewFilter builds a context filter; mode defaults to ModeNormal if empty.
func NewFilter(mode FilterMode, adjustConfidence bool) *Filter {
	if mode == "" {
		mode = ModeNormal
	}
	return &Filter{Mode: mode, AdjustConfidence: adjustConfidence}
}

// Apply runs the filter for base symbol/direction against buf's latest
// snapshots.
func (f *Filter) Apply(buf *Buffer, base string, dir Direction) FilterResult {
	assessment := buf.Assess(base, dir)
	if !assessment.HasData {
		return FilterResult{Blocked: false, Adjustment: 0, Assessment: assessment}
	}

	blocked := false
	switch f.Mode {
	case ModeStrict:
		blocked = assessment.Combined != AlignFavorable
	case ModePermissive:
		blocked = false
	default: // normal
		blocked = assessment.Combined == AlignUnfavorable
	}

	adjustment := 0.0
	if f.AdjustConfidence {
		switch assessment.Combined {
		case AlignFavorable:
			adjustment = 5
		case AlignUnfavorable:
			adjustment = -10
		default:
			if assessment.Funding == AlignFavorable || assessment.OI == AlignConfirmation {
				adjustment += 2
			}
			if assessment.OI == AlignSqueezeRisk {
				adjustment -= 3
			}
		}
	}

	return FilterResult{Blocked: blocked, Adjustment: adjustment, Assessment: assessment}
}
