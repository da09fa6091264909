package detectors

import (
	"time"

	"github.com/sawpanic/liquidwatch/internal/domain"
)

// fakeBuffer is a minimal BufferReader backed by in-memory slices. It
// honors the requested window (like the real buffer) so detector tests can
// exercise window-boundary logic without the buffer package.
type fakeBuffer struct {
	liqs   []domain.LiquidationEvent
	trades []domain.TradeEvent
}

func (f *fakeBuffer) GetLiquidations(symbol string, windowS float64, maxCount int) []domain.LiquidationEvent {
	cutoff := time.Now().UnixMilli() - int64(windowS*1000)
	var out []domain.LiquidationEvent
	for _, e := range f.liqs {
		if e.TimestampMs >= cutoff {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeBuffer) GetTrades(symbol string, windowS float64, maxCount int) []domain.TradeEvent {
	cutoff := time.Now().UnixMilli() - int64(windowS*1000)
	var out []domain.TradeEvent
	for _, t := range f.trades {
		if t.TimestampMs >= cutoff {
			out = append(out, t)
		}
	}
	return out
}

func liq(side domain.Side, vol, price float64) domain.LiquidationEvent {
	return liqAt(side, vol, price, 0)
}

func liqAt(side domain.Side, vol, price float64, ageMs int64) domain.LiquidationEvent {
	return domain.LiquidationEvent{
		Symbol: "BTCUSDT", Exchange: "x", Side: side, Vol: vol, Price: price,
		TimestampMs: time.Now().UnixMilli() - ageMs,
	}
}

func trade(side domain.Side, vol, price float64) domain.TradeEvent {
	return tradeAt(side, vol, price, 0)
}

func tradeAt(side domain.Side, vol, price float64, ageMs int64) domain.TradeEvent {
	return domain.TradeEvent{
		Symbol: "BTCUSDT", Exchange: "x", Side: side, Vol: vol, Price: price,
		TimestampMs: time.Now().UnixMilli() - ageMs,
	}
}
