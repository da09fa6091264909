// Package signals implements C6: fusing optional stop-hunt, optional
// order-flow, and a list of event detector outputs into at most one
// TradingSignal per symbol.
package signals

import (
	"time"

	"github.com/sawpanic/liquidwatch/internal/domain"
)

// GeneratorConfig controls the minimum confidence floor below which no
// signal is emitted (§4.6).
type GeneratorConfig struct {
	MinConfidence float64 // default 65
}

// DefaultGeneratorConfig returns the spec's default.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{MinConfidence: 65}
}

const (
	weightStopHunt  = 0.50
	weightOrderFlow = 0.35
	weightEvents    = 0.15
	alignmentBonus  = 10
)

// signalsAligned preserves the Python source's (non-obvious but
// deliberately kept) pairing: SHORT_HUNT <-> ACCUMULATION and
// LONG_HUNT <-> DISTRIBUTION both imply a long bias after forced
// liquidation flow (spec.md §9, open question 2).
func signalsAligned(hunt domain.HuntDirection, flow domain.FlowType) bool {
	switch hunt {
	case domain.ShortHunt:
		return flow == domain.FlowAccumulation
	case domain.LongHunt:
		return flow == domain.FlowDistribution
	default:
		return false
	}
}

// Generate fuses the given detector outputs for one symbol into a single
// TradingSignal, or returns nil if nothing clears MinConfidence or no
// detector fired at all.
func Generate(symbol string, stopHunt *domain.StopHuntSignal, orderFlow *domain.OrderFlowSignal, events []domain.EventSignal, cfg GeneratorConfig) *domain.TradingSignal {
	if stopHunt == nil && orderFlow == nil && len(events) == 0 {
		return nil
	}

	sigType, direction := classify(stopHunt, orderFlow, events)

	confidence, weightSum := 0.0, 0.0
	var sources []string
	if stopHunt != nil {
		confidence += stopHunt.Confidence * weightStopHunt
		weightSum += weightStopHunt
		sources = append(sources, "stop_hunt")
	}
	if orderFlow != nil {
		confidence += orderFlow.Confidence * weightOrderFlow
		weightSum += weightOrderFlow
		sources = append(sources, "order_flow")
	}
	if len(events) > 0 {
		var sum float64
		for _, e := range events {
			sum += e.Confidence
		}
		mean := sum / float64(len(events))
		confidence += mean * weightEvents
		weightSum += weightEvents
		sources = append(sources, "events")
	}
	if weightSum > 0 {
		confidence /= weightSum
	}

	if stopHunt != nil && orderFlow != nil && signalsAligned(stopHunt.Direction, orderFlow.Type) {
		confidence += alignmentBonus
	}
	confidence = domain.Clamp50To99(confidence)

	if confidence < cfg.MinConfidence {
		return nil
	}

	priority := priorityFor(stopHunt, orderFlow, events, confidence)

	return &domain.TradingSignal{
		Symbol:     symbol,
		Type:       sigType,
		Direction:  direction,
		Confidence: confidence,
		Sources:    sources,
		Priority:   priority,
		CreatedAt:  time.Now(),
		StopHunt:   stopHunt,
		OrderFlow:  orderFlow,
		Events:     events,
	}
}

func classify(stopHunt *domain.StopHuntSignal, orderFlow *domain.OrderFlowSignal, events []domain.EventSignal) (domain.SignalType, domain.Direction) {
	if stopHunt != nil {
		if stopHunt.Direction == domain.ShortHunt {
			return domain.SigStopHunt, domain.DirLong
		}
		return domain.SigStopHunt, domain.DirShort
	}
	if orderFlow != nil {
		if orderFlow.Type == domain.FlowAccumulation {
			return domain.SigAccumulation, domain.DirLong
		}
		return domain.SigDistribution, domain.DirShort
	}
	return domain.SigEvent, domain.DirNeutral
}

func priorityFor(stopHunt *domain.StopHuntSignal, orderFlow *domain.OrderFlowSignal, events []domain.EventSignal, confidence float64) int {
	present := 0
	if stopHunt != nil {
		present++
	}
	if orderFlow != nil {
		present++
	}
	if len(events) > 0 {
		present++
	}

	if present == 3 || (present >= 2 && confidence >= 80) {
		return 1
	}
	if (stopHunt != nil || orderFlow != nil) && confidence >= 70 {
		return 2
	}
	return 3
}
