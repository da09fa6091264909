package supervisor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/liquidwatch/internal/alerts"
	"github.com/sawpanic/liquidwatch/internal/buffer"
	"github.com/sawpanic/liquidwatch/internal/dashboard"
	"github.com/sawpanic/liquidwatch/internal/domain"
	"github.com/sawpanic/liquidwatch/internal/marketctx"
	"github.com/sawpanic/liquidwatch/internal/queue"
	"github.com/sawpanic/liquidwatch/internal/scoring"
	"github.com/sawpanic/liquidwatch/internal/stream"
	"github.com/sawpanic/liquidwatch/internal/tracker"
	"github.com/sawpanic/liquidwatch/internal/validator"
)

// fakeClock is a manually-advanced Clock for deterministic debounce tests.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestSupervisor(t *testing.T, clock Clock) *Supervisor {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Tier1Symbols = []string{"BTCUSDT"}
	cfg.MaxConcurrentAnalysis = 10

	thresholds := domain.TierThresholdSet{
		domain.Tier1: {Cascade: 1e9, Absorption: 1e9},
		domain.Tier2: {Cascade: 1e9, Absorption: 1e9},
		domain.Tier3: {Cascade: 1e9, Absorption: 1e9},
	}

	sc := stream.NewClient(stream.DefaultConfig(), nil, nil, nil)
	poller := stream.NewPoller(stream.DefaultPollerConfig(), nil)
	buf := buffer.NewManager(buffer.DefaultConfig())
	mctx := marketctx.NewBuffer()
	filter := marketctx.NewFilter(marketctx.ModeNormal, true)
	tierClass := domain.NewTierClassifier(cfg.Tier1Symbols, cfg.Tier2Symbols)
	scorer := scoring.NewScorer(scoring.DefaultConfig())
	val := validator.NewValidator(validator.DefaultConfig())
	trk := tracker.NewTracker(tracker.DefaultConfig(), nil, nil)
	q := queue.NewQueue(100)
	bridgeCfg := dashboard.DefaultConfig()
	bridgeCfg.RateLimitPerIP = 1000
	bridge := dashboard.NewBridge(bridgeCfg)
	sink := alerts.NewTelegramSink(alerts.DefaultConfig(), nil)

	return New(cfg, clock, sc, poller, buf, mctx, filter, tierClass, thresholds, scorer, val, trk, q, bridge, sink, nil, nil)
}

func TestNewWiresClientFrameHandler(t *testing.T) {
	sv := newTestSupervisor(t, nil)
	require.NotNil(t, sv.clock, "expected a nil clock to default to RealClock")

	liq := domain.LiquidationEvent{Symbol: "BTCUSDT", Exchange: "x", Side: domain.SideOne, Vol: 10, Price: 100, TimestampMs: time.Now().UnixMilli()}
	data, _ := json.Marshal(liq)
	sv.streamClient.SetFrameHandler(sv.HandleFrame) // idempotent; confirms no panic re-wiring
	sv.HandleFrame(stream.Frame{Channel: "liquidationOrders", Data: data})

	got, ok := sv.buf.LatestLiquidationPrice("BTC")
	require.True(t, ok, "expected the liquidation frame to land in the buffer under the base symbol")
	require.Equal(t, 100.0, got)
}

func TestHandleLiquidationFrameDropsInvalidEvents(t *testing.T) {
	sv := newTestSupervisor(t, nil)

	bad := domain.LiquidationEvent{Symbol: "", Exchange: "x"} // fails Validate (empty symbol)
	data, _ := json.Marshal(bad)
	sv.HandleFrame(stream.Frame{Channel: "liquidationOrders", Data: data})

	if _, ok := sv.buf.LatestLiquidationPrice(""); ok {
		t.Error("expected an invalid liquidation event to be dropped, not buffered")
	}
}

func TestHandleTradeFrameBuffersValidEvents(t *testing.T) {
	sv := newTestSupervisor(t, nil)

	tr := domain.TradeEvent{Symbol: "BTCUSDT", Exchange: "x", Side: domain.SideOne, Vol: 5, Price: 200, TimestampMs: time.Now().UnixMilli()}
	data, _ := json.Marshal(tr)
	sv.HandleFrame(stream.Frame{Channel: "futures_trades@all_BTCUSDT@0", Data: data})

	if got, ok := sv.buf.LatestTradePrice("BTC"); !ok || got != 200 {
		t.Errorf("expected the trade frame to land in the buffer under the base symbol, got %v ok=%v", got, ok)
	}
}

func TestHandleFrameIgnoresUnknownChannel(t *testing.T) {
	sv := newTestSupervisor(t, nil)
	sv.HandleFrame(stream.Frame{Channel: "something_else", Data: json.RawMessage(`{}`)})
	// no panic, no buffered state; nothing to assert beyond survival
}

func TestNoteDiscoveryOnlyCountsUnsubscribedSymbols(t *testing.T) {
	sv := newTestSupervisor(t, nil)
	sv.subscribed["BTCUSDT"] = true

	sv.noteDiscovery("BTCUSDT")
	sv.noteDiscovery("NEWCOIN")
	sv.noteDiscovery("NEWCOIN")

	if sv.discovered["BTCUSDT"] != 0 {
		t.Errorf("expected a subscribed symbol to not accumulate discovery count, got %d", sv.discovered["BTCUSDT"])
	}
	if sv.discovered["NEWCOIN"] != 2 {
		t.Errorf("expected NEWCOIN discovery count 2, got %d", sv.discovered["NEWCOIN"])
	}
}

func TestTriggerAnalysisDebouncesWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	sv := newTestSupervisor(t, clock)
	sv.cfg.AnalysisDebounce = time.Minute

	sv.triggerAnalysis("BTCUSDT")
	firstRun := sv.lastAnalysis["BTCUSDT"]

	clock.now = clock.now.Add(time.Second) // well inside the debounce window
	sv.triggerAnalysis("BTCUSDT")

	sv.wg.Wait()

	if !sv.lastAnalysis["BTCUSDT"].Equal(firstRun) {
		t.Error("expected the second call within the debounce window to be a no-op")
	}
}

func TestTriggerAnalysisRunsAgainAfterDebounceWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	sv := newTestSupervisor(t, clock)
	sv.cfg.AnalysisDebounce = time.Second

	sv.triggerAnalysis("BTCUSDT")
	sv.wg.Wait()
	firstRun := sv.lastAnalysis["BTCUSDT"]

	clock.now = clock.now.Add(2 * time.Second)
	sv.triggerAnalysis("BTCUSDT")
	sv.wg.Wait()

	if !sv.lastAnalysis["BTCUSDT"].After(firstRun) {
		t.Error("expected a call after the debounce window elapses to run again")
	}
}

func TestTriggerAnalysisRespectsConcurrencyCap(t *testing.T) {
	sv := newTestSupervisor(t, nil)
	sv.cfg.MaxConcurrentAnalysis = 1
	sv.sem = make(chan struct{}, 1)
	sv.sem <- struct{}{} // saturate the semaphore

	sv.triggerAnalysis("BTCUSDT") // must skip silently, not block
	sv.wg.Wait()

	if _, seen := sv.lastAnalysis["BTCUSDT"]; !seen {
		t.Error("expected lastAnalysis to be recorded even though the task was skipped")
	}
}

func TestApplyActionSubscribeLeavesStateOnFailure(t *testing.T) {
	sv := newTestSupervisor(t, nil)
	// Not connected: Subscribe returns an error, so subscribed state must
	// NOT be updated.
	sv.applyAction(dashboard.Action{Kind: "subscribe", Symbol: "ETHUSDT"})
	if sv.subscribed["ETHUSDT"] {
		t.Error("expected a failed subscribe to leave the symbol unmarked")
	}
}

func TestApplyActionNoopOnUnknownKind(t *testing.T) {
	sv := newTestSupervisor(t, nil)
	sv.applyAction(dashboard.Action{Kind: "bogus", Symbol: "ETHUSDT"})
	if sv.subscribed["ETHUSDT"] {
		t.Error("expected an unrecognized action kind to be a no-op")
	}
}

func TestLocalDirectionMapsLongAndShort(t *testing.T) {
	if localDirection(domain.DirLong) != marketctx.DirLong {
		t.Error("expected DirLong to map to marketctx.DirLong")
	}
	if localDirection(domain.DirShort) != marketctx.DirShort {
		t.Error("expected DirShort to map to marketctx.DirShort")
	}
}

func TestAnalyzeSymbolNoSignalIsNoop(t *testing.T) {
	sv := newTestSupervisor(t, nil)
	// Empty buffers produce no detector output, so Generate returns nil
	// and analyzeSymbol must return before touching tracker/queue/bridge.
	sv.analyzeSymbol("BTCUSDT")

	if sv.q.Len() != 0 {
		t.Errorf("expected no queued alert when no detector fires, got queue len %d", sv.q.Len())
	}
}

// seedStopHuntCascade feeds enough long-side liquidations within the
// cascade window to drive a stop-hunt signal comfortably past the
// generator's confidence floor, all liquidated on one side so the
// detector reads a clean SHORT_HUNT direction.
func seedStopHuntCascade(sv *Supervisor, symbol string, now time.Time) {
	for i := 0; i < 4; i++ {
		sv.buf.AddLiquidation(symbol, domain.LiquidationEvent{
			Symbol: symbol, Exchange: "x", Side: domain.SideOne, Vol: 50, Price: 100,
			TimestampMs: now.UnixMilli(),
		})
	}
}

func TestAnalyzeSymbolBlockedSignalIsPublishedNotTrackedNotEnqueued(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	sv := newTestSupervisor(t, clock)
	sv.thresholds = domain.TierThresholdSet{
		domain.Tier1: {Cascade: 100, Absorption: 1e9},
		domain.Tier2: {Cascade: 100, Absorption: 1e9},
		domain.Tier3: {Cascade: 100, Absorption: 1e9},
	}
	sv.bridge.RestoreCoins(map[string]bool{"BTCUSDT": true})

	seedStopHuntCascade(sv, "BTCUSDT", clock.now)

	// A funding rate this high reads CAUTION for a LONG bias, which
	// Combine() always demotes to UNFAVORABLE regardless of OI — the
	// context filter must then block the resulting signal (§9 S4).
	sv.mctx.AddFunding(marketctx.Snapshot{BaseSymbol: "BTCUSDT", Current: 0.001, RecordedAt: clock.now})

	sv.analyzeSymbol("BTCUSDT")

	stats := sv.bridge.Stats()
	if stats.SignalsTotal != 1 {
		t.Errorf("expected the blocked signal to still be published to the dashboard, got SignalsTotal=%d", stats.SignalsTotal)
	}
	if len(sv.trk.Pending()) != 0 {
		t.Errorf("expected a context-filter-blocked signal to not enter the tracker, got %d pending", len(sv.trk.Pending()))
	}
	if sv.q.Len() != 0 {
		t.Errorf("expected a context-filter-blocked signal to not reach the alert queue, got queue len %d", sv.q.Len())
	}
}

func TestAnalyzeSymbolApprovedOrderFlowSignalSkipsTrackerButEnqueues(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	sv := newTestSupervisor(t, clock)
	sv.thresholds = domain.TierThresholdSet{
		domain.Tier1: {Cascade: 1e9, Absorption: 1e9, LargeOrder: 100},
		domain.Tier2: {Cascade: 1e9, Absorption: 1e9, LargeOrder: 100},
		domain.Tier3: {Cascade: 1e9, Absorption: 1e9, LargeOrder: 100},
	}
	sv.bridge.RestoreCoins(map[string]bool{"BTCUSDT": true})

	// 10 large buy trades with no liquidations: order-flow-only
	// accumulation, no stop-hunt price zone to track against.
	for i := 0; i < 10; i++ {
		sv.buf.AddTrade("BTCUSDT", domain.TradeEvent{
			Symbol: "BTCUSDT", Exchange: "x", Side: domain.SideTwo, Vol: 10001, Price: 100,
			TimestampMs: clock.now.UnixMilli(),
		})
	}

	sv.analyzeSymbol("BTCUSDT")

	if len(sv.trk.Pending()) != 0 {
		t.Errorf("expected a signal without a stop-hunt component to be skipped by the tracker, got %d pending", len(sv.trk.Pending()))
	}
	if sv.q.Len() != 1 {
		t.Errorf("expected the approved order-flow signal to still reach the alert queue, got queue len %d", sv.q.Len())
	}
}
