package domain

import "time"

// StopHuntSignal is the stop-hunt detector's output (§3, §4.5.1).
type StopHuntSignal struct {
	Symbol            string
	Timestamp         time.Time
	Confidence        float64
	TotalVolume       float64
	LiquidationCount  int
	Direction         HuntDirection
	DirectionalPct    float64
	PriceZone         PriceZone
	AbsorptionVolume  float64
	AbsorptionDetected bool
}

// OrderFlowSignal is the order-flow analyzer's output (§3, §4.5.2).
type OrderFlowSignal struct {
	Symbol      string
	Timestamp   time.Time
	Confidence  float64
	Window      time.Duration
	BuyVolume   float64
	SellVolume  float64
	BuyRatio    float64
	LargeBuys   int
	LargeSells  int
	Type        FlowType
	NetDelta    float64
	TotalTrades int
}

// EventSignal is one entry from the event-pattern detector (§3, §4.5.3).
type EventSignal struct {
	Symbol      string
	Timestamp   time.Time
	Confidence  float64
	Kind        EventKind
	Description string
	Data        map[string]float64
}

// TradingSignal is the fused output of C6, carrying the contributing
// detector signals as metadata.
type TradingSignal struct {
	Symbol      string
	Type        SignalType
	Direction   Direction
	Confidence  float64
	Sources     []string
	Priority    int // 1 (highest) .. 3
	CreatedAt   time.Time

	StopHunt  *StopHuntSignal
	OrderFlow *OrderFlowSignal
	Events    []EventSignal

	Baseline *BaselineContext
}

// Key returns the cooldown/dedup signal key: (symbol, type, direction).
func (s TradingSignal) Key() string {
	return string(s.Symbol) + "|" + string(s.Type) + "|" + string(s.Direction)
}

// BaselineContext is the hourly-baseline metadata attached to an outgoing
// signal per §4.3's GetBaseline.
type BaselineContext struct {
	AvgHourlyLiqVolume   float64
	AvgHourlyTradeVolume float64
	CurrentLiqVolume     float64
	CurrentTradeVolume   float64
	LiqMultiplier        float64
	TradeMultiplier      float64
}

// TrackedSignal is an approved TradingSignal held until its outcome can be
// labeled (§3, §4.9).
type TrackedSignal struct {
	ID          string
	Signal      TradingSignal
	Entry       float64
	Stop        float64
	Target      float64
	Deadline    time.Time
	Outcome     Outcome // empty string = pending
	ExitPrice   float64
	ExtendCount int
}

// IsPending reports whether the tracked signal has not yet been labeled.
func (t TrackedSignal) IsPending() bool {
	return t.Outcome == ""
}
