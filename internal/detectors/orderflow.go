package detectors

import (
	"time"

	"github.com/sawpanic/liquidwatch/internal/domain"
)

// OrderFlowConfig controls the analysis window and large-order threshold
// (§4.5.2).
type OrderFlowConfig struct {
	Window              time.Duration // default 300s
	LargeOrderThreshold float64       // default 10000
}

// DefaultOrderFlowConfig returns the spec's defaults.
func DefaultOrderFlowConfig() OrderFlowConfig {
	return OrderFlowConfig{
		Window:              300 * time.Second,
		LargeOrderThreshold: 10000,
	}
}

// OrderFlow runs the order-flow analyzer for symbol. Returns nil if fewer
// than 10 trades are in the window, or if buy_ratio falls in the neutral
// (0.35, 0.65) band (both bounds classify), or large-order counts don't clear the classification
// thresholds (§4.5.2, §8 property 3).
func OrderFlow(buf BufferReader, symbol string, th domain.TierThresholds, cfg OrderFlowConfig) *domain.OrderFlowSignal {
	trades := buf.GetTrades(symbol, cfg.Window.Seconds(), 0)
	if len(trades) < 10 {
		return nil
	}

	var buyVol, sellVol float64
	var largeBuys, largeSells int
	for _, t := range trades {
		switch t.Side {
		case domain.SideTwo: // buy
			buyVol += t.Vol
			if t.Vol >= cfg.LargeOrderThreshold {
				largeBuys++
			}
		case domain.SideOne: // sell
			sellVol += t.Vol
			if t.Vol >= cfg.LargeOrderThreshold {
				largeSells++
			}
		}
	}

	total := buyVol + sellVol
	if total == 0 {
		return nil
	}
	buyRatio := buyVol / total

	var flowType domain.FlowType
	switch {
	case buyRatio >= 0.65 && largeBuys >= 3:
		flowType = domain.FlowAccumulation
	case buyRatio <= 0.35 && largeSells >= 3:
		flowType = domain.FlowDistribution
	default:
		return nil
	}

	dominantLarge := largeBuys
	volumeRef := buyVol
	if flowType == domain.FlowDistribution {
		dominantLarge = largeSells
		volumeRef = sellVol
	}

	confidence := orderFlowConfidence(buyRatio, dominantLarge, volumeRef, th.LargeOrder, len(trades))

	return &domain.OrderFlowSignal{
		Symbol:      symbol,
		Timestamp:   time.Now(),
		Confidence:  confidence,
		Window:      cfg.Window,
		BuyVolume:   buyVol,
		SellVolume:  sellVol,
		BuyRatio:    buyRatio,
		LargeBuys:   largeBuys,
		LargeSells:  largeSells,
		Type:        flowType,
		NetDelta:    buyVol - sellVol,
		TotalTrades: len(trades),
	}
}

func orderFlowConfidence(buyRatio float64, dominantLarge int, volume, tierThreshold float64, tradeCount int) float64 {
	confidence := 50.0

	switch {
	case buyRatio > 0.8 || buyRatio < 0.2:
		confidence += 20
	case buyRatio > 0.75 || buyRatio < 0.25:
		confidence += 15
	case buyRatio > 0.7 || buyRatio < 0.3:
		confidence += 10
	case buyRatio > 0.65 || buyRatio < 0.35:
		confidence += 5
	}

	switch {
	case dominantLarge >= 10:
		confidence += 20
	case dominantLarge >= 7:
		confidence += 15
	case dominantLarge >= 5:
		confidence += 10
	case dominantLarge >= 3:
		confidence += 5
	}

	if tierThreshold > 0 {
		ratio := volume / tierThreshold
		switch {
		case ratio > 5:
			confidence += 15
		case ratio > 2.5:
			confidence += 10
		case ratio > 1:
			confidence += 5
		}
	}

	switch {
	case tradeCount > 100:
		confidence += 5
	case tradeCount > 50:
		confidence += 3
	}

	return domain.Clamp0To99(confidence)
}
