// Package detectors implements C5: pure functions over a symbol's buffered
// liquidations/trades and tiered configuration, returning detector signals
// or nil/empty when no pattern is present. None of these functions return
// errors: they have no fallible inputs once buffer reads have happened. The
// supervisor's per-symbol task calls them without a recover() guard.
package detectors

import (
	"time"

	"github.com/sawpanic/liquidwatch/internal/domain"
)

// StopHuntConfig controls the cascade/absorption windows and minimum
// absorbing order size (§4.5.1).
type StopHuntConfig struct {
	CascadeWindow        time.Duration // default 30s
	AbsorptionWindow      time.Duration // default 30s
	AbsorptionMinOrderUSD float64       // default 5000
}

// DefaultStopHuntConfig returns the spec's defaults.
func DefaultStopHuntConfig() StopHuntConfig {
	return StopHuntConfig{
		CascadeWindow:         30 * time.Second,
		AbsorptionWindow:      30 * time.Second,
		AbsorptionMinOrderUSD: 5000,
	}
}

// BufferReader is the subset of *buffer.Manager the detectors need. Kept as
// an interface so detectors can be tested without the buffer package.
type BufferReader interface {
	GetLiquidations(symbol string, windowS float64, maxCount int) []domain.LiquidationEvent
	GetTrades(symbol string, windowS float64, maxCount int) []domain.TradeEvent
}

// StopHunt runs the stop-hunt detector for symbol against the given tier
// thresholds. Returns nil if the cascade volume is below threshold.
func StopHunt(buf BufferReader, symbol string, th domain.TierThresholds, cfg StopHuntConfig) *domain.StopHuntSignal {
	cascadeEvents := buf.GetLiquidations(symbol, cfg.CascadeWindow.Seconds(), 0)

	var totalVolume float64
	for _, e := range cascadeEvents {
		totalVolume += e.Vol
	}
	if totalVolume < th.Cascade {
		return nil
	}

	var longVol, shortVol float64 // volume liquidated on each side
	var minPrice, maxPrice float64
	first := true
	for _, e := range cascadeEvents {
		switch e.Side {
		case domain.SideOne: // long liquidated
			longVol += e.Vol
		case domain.SideTwo: // short liquidated
			shortVol += e.Vol
		}
		if e.Price > 0 {
			if first {
				minPrice, maxPrice = e.Price, e.Price
				first = false
			} else {
				if e.Price < minPrice {
					minPrice = e.Price
				}
				if e.Price > maxPrice {
					maxPrice = e.Price
				}
			}
		}
	}

	var direction domain.HuntDirection
	var directionalPct float64
	switch {
	case totalVolume == 0:
		direction = domain.UnknownHunt
		directionalPct = 0.5
	case longVol >= shortVol:
		direction = domain.ShortHunt
		directionalPct = longVol / totalVolume
	default:
		direction = domain.LongHunt
		directionalPct = shortVol / totalVolume
	}

	absorptionSide := domain.SideTwo // buy trades absorb a SHORT_HUNT cascade
	if direction == domain.LongHunt {
		absorptionSide = domain.SideOne
	}

	absorptionTrades := buf.GetTrades(symbol, cfg.AbsorptionWindow.Seconds(), 0)
	var absorptionVolume float64
	for _, t := range absorptionTrades {
		if t.Side == absorptionSide && t.Vol >= cfg.AbsorptionMinOrderUSD {
			absorptionVolume += t.Vol
		}
	}
	absorptionDetected := absorptionVolume >= th.Absorption

	confidence := stopHuntConfidence(totalVolume, th.Cascade, absorptionVolume, totalVolume, directionalPct, len(cascadeEvents))

	return &domain.StopHuntSignal{
		Symbol:             symbol,
		Timestamp:          time.Now(),
		Confidence:         confidence,
		TotalVolume:        totalVolume,
		LiquidationCount:   len(cascadeEvents),
		Direction:          direction,
		DirectionalPct:     directionalPct,
		PriceZone:          domain.PriceZone{Min: minPrice, Max: maxPrice},
		AbsorptionVolume:   absorptionVolume,
		AbsorptionDetected: absorptionDetected,
	}
}

func stopHuntConfidence(volume, threshold, absorption, totalVolume, directionalPct float64, count int) float64 {
	confidence := 50.0

	if threshold > 0 {
		ratio := volume / threshold
		switch {
		case ratio > 5:
			confidence += 25
		case ratio > 2.5:
			confidence += 20
		case ratio > 1.5:
			confidence += 15
		case ratio >= 1:
			confidence += 10
		}
	}

	if totalVolume > 0 {
		absorptionPct := absorption / totalVolume
		switch {
		case absorptionPct > 0.30:
			confidence += 25
		case absorptionPct > 0.20:
			confidence += 20
		case absorptionPct > 0.10:
			confidence += 15
		case absorptionPct > 0.05:
			confidence += 10
		}
	}

	switch {
	case directionalPct > 0.9:
		confidence += 15
	case directionalPct > 0.8:
		confidence += 12
	case directionalPct > 0.7:
		confidence += 8
	}

	switch {
	case count > 100:
		confidence += 5
	case count > 50:
		confidence += 3
	}

	return domain.Clamp0To99(confidence)
}
