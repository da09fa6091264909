package buffer

import (
	"testing"
	"time"

	"github.com/sawpanic/liquidwatch/internal/domain"
)

func testLiq(price, vol float64, ageMs int64) domain.LiquidationEvent {
	return domain.LiquidationEvent{
		Symbol: "BTCUSDT", Exchange: "x", Price: price, Side: domain.SideOne,
		Vol: vol, TimestampMs: time.Now().UnixMilli() - ageMs,
	}
}

func testTrade(price, vol float64, ageMs int64) domain.TradeEvent {
	return domain.TradeEvent{
		Symbol: "BTCUSDT", Exchange: "x", Price: price, Side: domain.SideTwo,
		Vol: vol, TimestampMs: time.Now().UnixMilli() - ageMs,
	}
}

func TestAddAndGetLiquidations(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.AddLiquidation("BTC", testLiq(100, 1, 0))
	m.AddLiquidation("BTC", testLiq(101, 1, 0))

	got := m.GetLiquidations("BTC", 60, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 liquidations, got %d", len(got))
	}
}

func TestGetLiquidationsWindowExcludesOld(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.AddLiquidation("BTC", testLiq(100, 1, 120_000)) // 2 min old
	m.AddLiquidation("BTC", testLiq(101, 1, 0))

	got := m.GetLiquidations("BTC", 60, 0)
	if len(got) != 1 {
		t.Fatalf("expected 1 liquidation within 60s window, got %d", len(got))
	}
	if got[0].Price != 101 {
		t.Errorf("expected the recent event to survive the window filter, got price %v", got[0].Price)
	}
}

func TestGetLiquidationsMaxCount(t *testing.T) {
	m := NewManager(DefaultConfig())
	for i := 0; i < 5; i++ {
		m.AddLiquidation("BTC", testLiq(float64(i), 1, 0))
	}
	got := m.GetLiquidations("BTC", 60, 2)
	if len(got) != 2 {
		t.Fatalf("expected maxCount to cap results at 2, got %d", len(got))
	}
	// maxCount keeps the most recent entries
	if got[len(got)-1].Price != 4 {
		t.Errorf("expected most recent entry last, got %v", got[len(got)-1].Price)
	}
}

func TestAddLiquidationOverflowEvicts(t *testing.T) {
	cfg := Config{MaxLiquidations: 3, MaxTrades: 3, MaxBaselines: 24, BaselineMaxAge: time.Hour}
	m := NewManager(cfg)
	for i := 0; i < 5; i++ {
		m.AddLiquidation("BTC", testLiq(float64(i), 1, 0))
	}
	got := m.GetLiquidations("BTC", 3600, 0)
	if len(got) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(got))
	}
	if got[0].Price != 2 {
		t.Errorf("expected oldest entries evicted, first remaining price = %v, want 2", got[0].Price)
	}
	liqOverflow, _ := m.Overflows("BTC")
	if liqOverflow != 2 {
		t.Errorf("expected overflow counter = 2, got %d", liqOverflow)
	}
}

func TestAddTradeOverflowEvicts(t *testing.T) {
	cfg := Config{MaxLiquidations: 10, MaxTrades: 2, MaxBaselines: 24, BaselineMaxAge: time.Hour}
	m := NewManager(cfg)
	for i := 0; i < 4; i++ {
		m.AddTrade("BTC", testTrade(float64(i), 1, 0))
	}
	_, tradeOverflow := m.Overflows("BTC")
	if tradeOverflow != 2 {
		t.Errorf("expected trade overflow counter = 2, got %d", tradeOverflow)
	}
}

func TestLatestTradePrice(t *testing.T) {
	m := NewManager(DefaultConfig())
	if _, ok := m.LatestTradePrice("BTC"); ok {
		t.Error("expected no latest price for unknown symbol")
	}
	m.AddTrade("BTC", testTrade(100, 1, 1000))
	m.AddTrade("BTC", testTrade(105, 1, 0))
	price, ok := m.LatestTradePrice("BTC")
	if !ok || price != 105 {
		t.Errorf("LatestTradePrice() = (%v, %v), want (105, true)", price, ok)
	}
}

func TestLatestLiquidationPrice(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.AddLiquidation("BTC", testLiq(99, 1, 1000))
	m.AddLiquidation("BTC", testLiq(98, 1, 0))
	price, ok := m.LatestLiquidationPrice("BTC")
	if !ok || price != 98 {
		t.Errorf("LatestLiquidationPrice() = (%v, %v), want (98, true)", price, ok)
	}
}

func TestSymbols(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.AddLiquidation("BTC", testLiq(1, 1, 0))
	m.AddTrade("ETH", testTrade(1, 1, 0))
	syms := m.Symbols()
	if len(syms) != 2 {
		t.Fatalf("expected 2 tracked symbols, got %d", len(syms))
	}
}

func TestUpdateHourlyBaselineCapsRing(t *testing.T) {
	cfg := Config{MaxLiquidations: 100, MaxTrades: 100, MaxBaselines: 2, BaselineMaxAge: time.Hour}
	m := NewManager(cfg)
	m.AddLiquidation("BTC", testLiq(1, 10, 0))

	for i := 0; i < 4; i++ {
		m.UpdateHourlyBaseline()
	}
	entries := m.Baselines("BTC")
	if len(entries) != 2 {
		t.Fatalf("expected baseline ring capped at 2, got %d", len(entries))
	}
}

func TestGetBaselineMultipliers(t *testing.T) {
	cfg := DefaultConfig()
	m := NewManager(cfg)

	m.AddLiquidation("BTC", testLiq(1, 100, 0))
	m.UpdateHourlyBaseline() // records baseline of 100 liq volume from current window

	// Add more recent liquidation volume inside the 30-minute window.
	m.AddLiquidation("BTC", testLiq(1, 50, 0))

	bc := m.GetBaseline("BTC")
	if bc.AvgHourlyLiqVolume <= 0 {
		t.Errorf("expected positive average hourly liq volume, got %v", bc.AvgHourlyLiqVolume)
	}
	if bc.LiqMultiplier <= 0 {
		t.Errorf("expected positive liq multiplier, got %v", bc.LiqMultiplier)
	}
}

func TestGetBaselineNoHistoryZeroMultiplier(t *testing.T) {
	m := NewManager(DefaultConfig())
	bc := m.GetBaseline("UNKNOWN")
	if bc.LiqMultiplier != 0 || bc.TradeMultiplier != 0 {
		t.Errorf("expected zero multipliers with no baseline history, got %+v", bc)
	}
}

func TestCleanupOldDataDropsStaleEntries(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.AddLiquidation("BTC", testLiq(1, 1, 200_000)) // ~3.3 min old
	m.AddLiquidation("BTC", testLiq(2, 1, 0))

	m.CleanupOldData(60) // drop anything older than 60s

	got := m.GetLiquidations("BTC", 3600, 0)
	if len(got) != 1 {
		t.Fatalf("expected cleanup to drop the stale entry, got %d remaining", len(got))
	}
	if got[0].Price != 2 {
		t.Errorf("expected the fresh entry to survive cleanup, got price %v", got[0].Price)
	}
}

func TestCleanupOldDataIdempotent(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.AddLiquidation("BTC", testLiq(1, 1, 0))

	m.CleanupOldData(3600)
	first := m.GetLiquidations("BTC", 3600, 0)
	m.CleanupOldData(3600)
	second := m.GetLiquidations("BTC", 3600, 0)

	if len(first) != len(second) {
		t.Errorf("expected repeated cleanup calls to be idempotent, got %d then %d", len(first), len(second))
	}
}
