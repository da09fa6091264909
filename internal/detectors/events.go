package detectors

import (
	"fmt"
	"time"

	"github.com/sawpanic/liquidwatch/internal/domain"
)

// EventConfig controls the three event-pattern sub-detectors (§4.5.3).
type EventConfig struct {
	CascadeWindow       time.Duration // shares the stop-hunt cascade window, default 30s
	WhaleWindow         time.Duration // default 300s
	WhaleBaseThreshold  float64       // large-order threshold for tier1; tier2 = *0.5, tier3 = *0.2
	SpikeWindow         time.Duration // default 60s
	SpikeBaselineBand   time.Duration // default 60s..300s band
	SpikeRatioThreshold float64       // default 3
}

// DefaultEventConfig returns the spec's defaults.
func DefaultEventConfig() EventConfig {
	return EventConfig{
		CascadeWindow:       30 * time.Second,
		WhaleWindow:         300 * time.Second,
		WhaleBaseThreshold:  10000,
		SpikeWindow:         60 * time.Second,
		SpikeBaselineBand:   300 * time.Second,
		SpikeRatioThreshold: 3,
	}
}

// whaleThresholdForTier applies the tier scaling from §4.5.3: T1 = base,
// T2 = base*0.5, T3 = base*0.2.
func whaleThresholdForTier(base float64, tier domain.Tier) float64 {
	switch tier {
	case domain.Tier1:
		return base
	case domain.Tier2:
		return base * 0.5
	default:
		return base * 0.2
	}
}

// Events runs all three event sub-detectors for symbol and returns every
// signal that fired, in cascade/whale/spike order.
func Events(buf BufferReader, symbol string, tier domain.Tier, th domain.TierThresholds, cfg EventConfig) []domain.EventSignal {
	var out []domain.EventSignal

	if sig := cascadeEvent(buf, symbol, th.Cascade, cfg.CascadeWindow); sig != nil {
		out = append(out, *sig)
	}
	if sig := whaleWindowEvent(buf, symbol, tier, cfg); sig != nil {
		out = append(out, *sig)
	}
	if sig := volumeSpikeEvent(buf, symbol, cfg); sig != nil {
		out = append(out, *sig)
	}

	return out
}

func cascadeEvent(buf BufferReader, symbol string, threshold float64, window time.Duration) *domain.EventSignal {
	events := buf.GetLiquidations(symbol, window.Seconds(), 0)
	var total float64
	for _, e := range events {
		total += e.Vol
	}
	if total < threshold {
		return nil
	}

	ratio := 0.0
	if threshold > 0 {
		ratio = total / threshold
	}
	var confidence float64
	switch {
	case ratio > 5:
		confidence = 95
	case ratio > 2.5:
		confidence = 85
	case ratio > 1.5:
		confidence = 75
	default:
		confidence = 65
	}

	return &domain.EventSignal{
		Symbol:      symbol,
		Timestamp:   time.Now(),
		Confidence:  confidence,
		Kind:        domain.EventCascade,
		Description: fmt.Sprintf("Liquidation cascade: $%.0f across %d events (%.1fx threshold)", total, len(events), ratio),
		Data: map[string]float64{
			"total_volume": total,
			"event_count":  float64(len(events)),
			"ratio":        ratio,
		},
	}
}

func whaleWindowEvent(buf BufferReader, symbol string, tier domain.Tier, cfg EventConfig) *domain.EventSignal {
	threshold := whaleThresholdForTier(cfg.WhaleBaseThreshold, tier)
	trades := buf.GetTrades(symbol, cfg.WhaleWindow.Seconds(), 0)
	if len(trades) < 20 {
		return nil
	}

	var buyVol, sellVol float64
	var large int
	for _, t := range trades {
		if t.Vol >= threshold {
			large++
		}
		switch t.Side {
		case domain.SideTwo:
			buyVol += t.Vol
		case domain.SideOne:
			sellVol += t.Vol
		}
	}
	total := buyVol + sellVol
	if total == 0 || large < 5 {
		return nil
	}
	buyRatio := buyVol / total

	var kind domain.EventKind
	var dominantRatio float64
	switch {
	case buyRatio >= 0.6:
		kind = domain.EventWhaleAccumulation
		dominantRatio = buyRatio
	case buyRatio <= 0.4:
		kind = domain.EventWhaleDistribution
		dominantRatio = 1 - buyRatio
	default:
		return nil
	}

	confidence := domain.Clamp0To99(50 + dominantRatio*40)

	return &domain.EventSignal{
		Symbol:      symbol,
		Timestamp:   time.Now(),
		Confidence:  confidence,
		Kind:        kind,
		Description: fmt.Sprintf("Whale window: %d large orders, buy ratio %.2f", large, buyRatio),
		Data: map[string]float64{
			"large_order_count": float64(large),
			"buy_ratio":         buyRatio,
		},
	}
}

func volumeSpikeEvent(buf BufferReader, symbol string, cfg EventConfig) *domain.EventSignal {
	spikeTrades := buf.GetTrades(symbol, cfg.SpikeWindow.Seconds(), 0)
	var current float64
	for _, t := range spikeTrades {
		current += t.Vol
	}

	// Baseline window excludes the spike window itself: [60s, 300s] back.
	bandTrades := buf.GetTrades(symbol, cfg.SpikeBaselineBand.Seconds(), 0)
	nowMs := time.Now().UnixMilli()
	spikeStartMs := nowMs - cfg.SpikeWindow.Milliseconds()

	var bandVolume float64
	var oldestMs int64
	first := true
	for _, t := range bandTrades {
		if t.TimestampMs >= spikeStartMs {
			continue // exclude the spike window
		}
		bandVolume += t.Vol
		if first || t.TimestampMs < oldestMs {
			oldestMs = t.TimestampMs
			first = false
		}
	}

	var baselineMinutes float64 = 1
	if !first {
		spanSeconds := float64(spikeStartMs-oldestMs) / 1000
		m := spanSeconds / 60
		if m > baselineMinutes {
			baselineMinutes = m
		}
	}

	baselinePerMinute := bandVolume / baselineMinutes
	if baselinePerMinute <= 0 {
		return nil
	}

	ratio := current / baselinePerMinute
	if ratio < cfg.SpikeRatioThreshold {
		return nil
	}

	confidence := domain.Clamp0To99(50 + ratio*10)

	return &domain.EventSignal{
		Symbol:      symbol,
		Timestamp:   time.Now(),
		Confidence:  confidence,
		Kind:        domain.EventVolumeSpike,
		Description: fmt.Sprintf("Volume spike: $%.0f in last 60s vs $%.0f/min baseline (%.1fx)", current, baselinePerMinute, ratio),
		Data: map[string]float64{
			"current_volume":      current,
			"baseline_per_minute": baselinePerMinute,
			"ratio":               ratio,
		},
	}
}
