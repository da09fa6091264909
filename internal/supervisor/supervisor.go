// Package supervisor implements C13: wiring of every other component,
// frame classification/routing, scheduled background tasks, and
// graceful shutdown.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liquidwatch/internal/alerts"
	"github.com/sawpanic/liquidwatch/internal/buffer"
	"github.com/sawpanic/liquidwatch/internal/dashboard"
	"github.com/sawpanic/liquidwatch/internal/detectors"
	"github.com/sawpanic/liquidwatch/internal/domain"
	"github.com/sawpanic/liquidwatch/internal/marketctx"
	"github.com/sawpanic/liquidwatch/internal/metrics"
	"github.com/sawpanic/liquidwatch/internal/queue"
	"github.com/sawpanic/liquidwatch/internal/scoring"
	"github.com/sawpanic/liquidwatch/internal/signals"
	"github.com/sawpanic/liquidwatch/internal/store"
	"github.com/sawpanic/liquidwatch/internal/stream"
	"github.com/sawpanic/liquidwatch/internal/tracker"
	"github.com/sawpanic/liquidwatch/internal/validator"
)

// Clock is an injectable time source so debounce logic can be driven
// by a monotonic, test-controllable clock instead of wall time (§9
// open question 4).
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production Clock backed by time.Now's monotonic
// reading.
var RealClock Clock = realClock{}

// Config bundles every sub-component's configuration plus the
// supervisor's own scheduling knobs (§4.12).
type Config struct {
	Tier1Symbols          []string
	Tier2Symbols          []string
	MaxConcurrentAnalysis int           // default 30
	AnalysisDebounce      time.Duration // default 5s
	StatsInterval         time.Duration // default 30s
	CleanupInterval       time.Duration // default 1h
	TrackerInterval       time.Duration // default 60s
	DynamicSubInterval    time.Duration // default 10s
	DiscoveryInterval     time.Duration // default 5m
	DiscoveryMinLiqs      int           // default 3
	ShutdownGrace         time.Duration // default 5s
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentAnalysis: 30,
		AnalysisDebounce:      5 * time.Second,
		StatsInterval:         30 * time.Second,
		CleanupInterval:       time.Hour,
		TrackerInterval:       60 * time.Second,
		DynamicSubInterval:    10 * time.Second,
		DiscoveryInterval:     5 * time.Minute,
		DiscoveryMinLiqs:      3,
		ShutdownGrace:         5 * time.Second,
	}
}

// Supervisor owns every component and the pipeline glue between them
// (C13).
type Supervisor struct {
	cfg   Config
	clock Clock

	streamClient *stream.Client
	poller       *stream.Poller
	buf          *buffer.Manager
	mctx         *marketctx.Buffer
	filter       *marketctx.Filter
	tierClass    *domain.TierClassifier
	thresholds   domain.TierThresholdSet
	scorer       *scoring.Scorer
	validatorC   *validator.Validator
	trk          *tracker.Tracker
	q            *queue.Queue
	bridge       *dashboard.Bridge
	sink         *alerts.TelegramSink
	st           *store.Store
	reg          *metrics.Registry

	sem chan struct{}

	mu           sync.Mutex
	symbolLocks  map[string]*sync.Mutex
	lastAnalysis map[string]time.Time
	discovered   map[string]int // symbol -> liquidation count in current discovery window
	subscribed   map[string]bool

	startedAt time.Time
	wg        sync.WaitGroup
}

// New wires every component. The caller supplies already-constructed
// sub-components so tests can substitute fakes for any of them.
func New(
	cfg Config,
	clock Clock,
	streamClient *stream.Client,
	poller *stream.Poller,
	buf *buffer.Manager,
	mctx *marketctx.Buffer,
	filter *marketctx.Filter,
	tierClass *domain.TierClassifier,
	thresholds domain.TierThresholdSet,
	scorer *scoring.Scorer,
	validatorC *validator.Validator,
	trk *tracker.Tracker,
	q *queue.Queue,
	bridge *dashboard.Bridge,
	sink *alerts.TelegramSink,
	st *store.Store,
	reg *metrics.Registry,
) *Supervisor {
	if clock == nil {
		clock = RealClock
	}
	sv := &Supervisor{
		cfg:          cfg,
		clock:        clock,
		streamClient: streamClient,
		poller:       poller,
		buf:          buf,
		mctx:         mctx,
		filter:       filter,
		tierClass:    tierClass,
		thresholds:   thresholds,
		scorer:       scorer,
		validatorC:   validatorC,
		trk:          trk,
		q:            q,
		bridge:       bridge,
		sink:         sink,
		st:           st,
		reg:          reg,
		sem:          make(chan struct{}, cfg.MaxConcurrentAnalysis),
		symbolLocks:  make(map[string]*sync.Mutex),
		lastAnalysis: make(map[string]time.Time),
		discovered:   make(map[string]int),
		subscribed:   make(map[string]bool),
	}
	streamClient.SetFrameHandler(sv.HandleFrame)
	if reg != nil {
		poller.SetErrorHook(func(endpoint string) { reg.PollerErrors.WithLabelValues(endpoint).Inc() })
	}
	return sv
}

// Start restores persisted state, connects (the stream client's frame
// handler is already wired by New), subscribes to the firehose plus a per-symbol trades
// channel for every configured symbol, and launches background tasks.
// Blocks until ctx is cancelled, then waits up to ShutdownGrace for
// in-flight work to finish.
func (sv *Supervisor) Start(ctx context.Context) error {
	sv.startedAt = sv.clock.Now()

	if err := sv.restoreState(ctx); err != nil {
		return fmt.Errorf("supervisor: restore state: %w", err)
	}

	allSymbols := append(append([]string(nil), sv.cfg.Tier1Symbols...), sv.cfg.Tier2Symbols...)
	sv.poller.UpdateSymbols(allSymbols)

	channels := []string{"liquidationOrders"}
	for _, sym := range allSymbols {
		channels = append(channels, fmt.Sprintf("futures_trades@all_%s@0", sym))
		sv.subscribed[sym] = true
	}

	go sv.streamClient.Run(ctx)
	go sv.poller.Run(ctx)

	// Subscribe once the client reaches Connected; a short poll avoids
	// a hard dependency from stream on supervisor internals.
	go sv.subscribeWhenConnected(ctx, channels)

	sv.launchBackgroundTasks(ctx)

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		if err := sv.bridge.Serve(); err != nil {
			log.Error().Err(err).Msg("supervisor: dashboard bridge exited")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sv.cfg.ShutdownGrace)
	defer cancel()
	sv.bridge.Shutdown(shutdownCtx)
	sv.streamClient.Close()

	done := make(chan struct{})
	go func() { sv.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("supervisor: shutdown grace period elapsed with tasks still running")
	}

	if sv.st != nil {
		sv.st.Close()
	}
	return nil
}

func (sv *Supervisor) subscribeWhenConnected(ctx context.Context, channels []string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sv.streamClient.State() == stream.Connected {
				if err := sv.streamClient.Subscribe(channels); err != nil {
					log.Error().Err(err).Msg("supervisor: initial subscribe failed")
				}
				return
			}
		}
	}
}

func (sv *Supervisor) restoreState(ctx context.Context) error {
	if sv.st == nil {
		return nil
	}

	states, err := sv.st.LoadLearnerStates(ctx)
	if err != nil {
		return fmt.Errorf("load learner states: %w", err)
	}
	for sigType, state := range states {
		sv.scorer.Restore(sigType, state)
	}

	coins, err := sv.st.ListDashboardCoins(ctx)
	if err != nil {
		return fmt.Errorf("load dashboard coins: %w", err)
	}
	sv.bridge.RestoreCoins(coins)

	sv.bridge.SetExportFuncs(
		func(ctx context.Context, w http.ResponseWriter) error {
			return sv.st.ExportSignalsCSV(ctx, w)
		},
		func(ctx context.Context, w http.ResponseWriter) error {
			return sv.st.ExportBaselinesCSV(ctx, w)
		},
		func(ctx context.Context) (any, error) {
			return sv.st.SignalStatsBySymbol(ctx)
		},
		func(ctx context.Context, limit int) (any, error) {
			return sv.st.RecentSignals(ctx, limit)
		},
	)

	return nil
}

func (sv *Supervisor) launchBackgroundTasks(ctx context.Context) {
	sv.wg.Add(1)
	go func() { defer sv.wg.Done(); sv.alertDrainLoop(ctx) }()

	sv.wg.Add(1)
	go func() { defer sv.wg.Done(); sv.statsReporterLoop(ctx) }()

	sv.wg.Add(1)
	go func() { defer sv.wg.Done(); sv.cleanupLoop(ctx) }()

	sv.wg.Add(1)
	go func() { defer sv.wg.Done(); sv.trackerLoop(ctx) }()

	sv.wg.Add(1)
	go func() { defer sv.wg.Done(); sv.dynamicSubscriptionLoop(ctx) }()

	sv.wg.Add(1)
	go func() { defer sv.wg.Done(); sv.discoveryLoop(ctx) }()
}

// HandleFrame classifies and routes one decoded stream frame (§4.12).
func (sv *Supervisor) HandleFrame(f stream.Frame) {
	switch {
	case f.Channel == "liquidationOrders":
		if sv.reg != nil {
			sv.reg.FramesReceived.WithLabelValues("liquidation").Inc()
		}
		sv.handleLiquidationFrame(f.Data)
	case strings.HasPrefix(f.Channel, "futures_trades"):
		if sv.reg != nil {
			sv.reg.FramesReceived.WithLabelValues("trade").Inc()
		}
		sv.handleTradeFrame(f.Data)
	}
}

func (sv *Supervisor) handleLiquidationFrame(data json.RawMessage) {
	var events []domain.LiquidationEvent
	if err := json.Unmarshal(data, &events); err != nil {
		var one domain.LiquidationEvent
		if err := json.Unmarshal(data, &one); err != nil {
			log.Warn().Err(err).Msg("supervisor: decode liquidation frame failed")
			return
		}
		events = []domain.LiquidationEvent{one}
	}

	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			log.Debug().Err(err).Msg("supervisor: corrupt liquidation event dropped")
			continue
		}
		base := domain.BaseSymbol(ev.Symbol)
		sv.buf.AddLiquidation(base, ev)
		sv.noteDiscovery(base)
		sv.triggerAnalysis(base)
	}
}

func (sv *Supervisor) handleTradeFrame(data json.RawMessage) {
	var events []domain.TradeEvent
	if err := json.Unmarshal(data, &events); err != nil {
		var one domain.TradeEvent
		if err := json.Unmarshal(data, &one); err != nil {
			log.Warn().Err(err).Msg("supervisor: decode trade frame failed")
			return
		}
		events = []domain.TradeEvent{one}
	}

	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			log.Debug().Err(err).Msg("supervisor: corrupt trade event dropped")
			continue
		}
		base := domain.BaseSymbol(ev.Symbol)
		sv.buf.AddTrade(base, ev)
		sv.triggerAnalysis(base)
	}
}

func (sv *Supervisor) noteDiscovery(base string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if !sv.subscribed[base] {
		sv.discovered[base]++
	}
}

// triggerAnalysis enqueues a bounded-concurrency analysis task, subject
// to a per-symbol mutex and debounce (§4.12).
func (sv *Supervisor) triggerAnalysis(base string) {
	sv.mu.Lock()
	last, seen := sv.lastAnalysis[base]
	if seen && sv.clock.Now().Sub(last) < sv.cfg.AnalysisDebounce {
		sv.mu.Unlock()
		return
	}
	sv.lastAnalysis[base] = sv.clock.Now()
	lock, ok := sv.symbolLocks[base]
	if !ok {
		lock = &sync.Mutex{}
		sv.symbolLocks[base] = lock
	}
	sv.mu.Unlock()

	select {
	case sv.sem <- struct{}{}:
	default:
		return // concurrency cap reached, skip this tick
	}

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		defer func() { <-sv.sem }()
		lock.Lock()
		defer lock.Unlock()
		sv.analyzeSymbol(base)
	}()
}

// analyzeSymbol runs C5 -> C6 -> C7 -> C8 -> C9 -> C10 for one symbol,
// always publishing the resulting signal to the dashboard, and, only if
// approved and the coin is active, enqueues to C11 (§4.12, §9 S4).
func (sv *Supervisor) analyzeSymbol(base string) {
	tier := sv.tierClass.Classify(base)
	th := sv.thresholds.For(tier)

	stopHunt := detectors.StopHunt(sv.buf, base, th, detectors.DefaultStopHuntConfig())
	orderFlow := detectors.OrderFlow(sv.buf, base, th, detectors.DefaultOrderFlowConfig())
	events := detectors.Events(sv.buf, base, tier, th, detectors.DefaultEventConfig())
	sv.countDetectorsFired(stopHunt, orderFlow, events)

	sig := signals.Generate(base, stopHunt, orderFlow, events, signals.DefaultGeneratorConfig())
	if sig == nil {
		return
	}
	if sv.reg != nil {
		sv.reg.SignalsGenerated.Inc()
	}

	sig.Confidence = sv.scorer.Score(*sig, th.Absorption)

	now := sv.clock.Now()
	reason := sv.validatorC.Check(*sig, now)
	if sv.reg != nil {
		sv.reg.ValidatorReason.WithLabelValues(string(reason)).Inc()
	}

	assessment := sv.filter.Apply(sv.mctx, base, localDirection(sig.Direction))
	sig.Confidence += assessment.Adjustment
	sig.Confidence = domain.Clamp0To99(sig.Confidence)

	// A signal blocked by the context filter is still tracked nowhere and
	// published everywhere: §9 S4 requires it reach the dashboard even
	// though the chat queue must not receive it. Signals without a
	// stop-hunt price zone have no levels to grade an outcome against, so
	// only stop-hunt-bearing approved signals enter the hold window.
	approved := reason == validator.ReasonApproved && !assessment.Blocked
	if approved && sig.StopHunt != nil {
		sv.trk.Track(*sig, now)
	}

	sv.bridge.RecordSignal(*sig)

	if !approved {
		return
	}

	active := sv.bridge.ActiveCoins()[base]
	if !active {
		return
	}

	priority := sig.Priority
	if err := sv.q.Put(*sig, priority, 3); err != nil {
		log.Warn().Err(err).Str("symbol", base).Msg("supervisor: alert queue full, dropping")
	}
}

// countDetectorsFired bumps the per-detector fired counter for every
// detector that produced a non-nil/non-empty result this analysis pass.
func (sv *Supervisor) countDetectorsFired(stopHunt *domain.StopHuntSignal, orderFlow *domain.OrderFlowSignal, events []domain.EventSignal) {
	if sv.reg == nil {
		return
	}
	if stopHunt != nil {
		sv.reg.DetectorFired.WithLabelValues("stop_hunt").Inc()
	}
	if orderFlow != nil {
		sv.reg.DetectorFired.WithLabelValues("order_flow").Inc()
	}
	if len(events) > 0 {
		sv.reg.DetectorFired.WithLabelValues("events").Inc()
	}
}

func localDirection(d domain.Direction) marketctx.Direction {
	if d == domain.DirLong {
		return marketctx.DirLong
	}
	return marketctx.DirShort
}

func (sv *Supervisor) alertDrainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, ok := sv.q.Get(time.Second)
		if !ok {
			continue
		}

		start := sv.clock.Now()
		err := sv.sink.Send(ctx, item.Signal)
		if sv.reg != nil {
			sv.reg.AlertSendLatency.Observe(sv.clock.Now().Sub(start).Seconds())
		}
		if err != nil {
			if rerr := sv.q.Retry(ctx, item); rerr != nil {
				log.Error().Err(rerr).Msg("supervisor: alert retry failed")
			}
			continue
		}
		if sv.reg != nil {
			sv.reg.AlertsSent.Inc()
		}
	}
}

func (sv *Supervisor) statsReporterLoop(ctx context.Context) {
	ticker := time.NewTicker(sv.cfg.StatsInterval)
	defer ticker.Stop()

	var lastDroppedFull, lastDroppedRetries int64
	lastOverflow := make(map[string][2]int64) // symbol -> (liq, trade)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			droppedFull, droppedRetries := sv.q.Stats()
			reasons := sv.validatorC.ReasonCounts()
			sv.bridge.UpdateStats(func(s *dashboard.Stats) {
				s.ValidatorReject = make(map[string]int64, len(reasons))
				for r, c := range reasons {
					s.ValidatorReject[string(r)] = c
				}
				s.DetectorCounts["queue_dropped_full"] = droppedFull
				s.DetectorCounts["queue_dropped_retries"] = droppedRetries
			})

			if sv.reg == nil {
				continue
			}
			sv.reg.QueueDepth.Set(float64(sv.q.Len()))
			if d := droppedFull - lastDroppedFull; d > 0 {
				sv.reg.QueueDropped.WithLabelValues("full").Add(float64(d))
			}
			if d := droppedRetries - lastDroppedRetries; d > 0 {
				sv.reg.QueueDropped.WithLabelValues("retries").Add(float64(d))
			}
			lastDroppedFull, lastDroppedRetries = droppedFull, droppedRetries

			for _, sym := range sv.buf.Symbols() {
				liq, trade := sv.buf.Overflows(sym)
				prev := lastOverflow[sym]
				if d := liq - prev[0]; d > 0 {
					sv.reg.BufferOverflows.WithLabelValues(sym, "liquidation").Add(float64(d))
				}
				if d := trade - prev[1]; d > 0 {
					sv.reg.BufferOverflows.WithLabelValues(sym, "trade").Add(float64(d))
				}
				lastOverflow[sym] = [2]int64{liq, trade}
			}
		}
	}
}

func (sv *Supervisor) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(sv.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.buf.CleanupOldData((72 * time.Hour).Seconds())
			if sv.st != nil {
				if err := sv.st.Cleanup(ctx, sv.clock.Now()); err != nil {
					log.Error().Err(err).Msg("supervisor: store cleanup failed")
				}
			}
		}
	}
}

func (sv *Supervisor) trackerLoop(ctx context.Context) {
	ticker := time.NewTicker(sv.cfg.TrackerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolved := sv.trk.Evaluate(sv.buf, sv.clock.Now())
			if sv.reg == nil {
				continue
			}
			for _, t := range resolved {
				sv.reg.TrackedOutcomes.WithLabelValues(string(t.Signal.Type), string(t.Outcome)).Inc()
				sv.reg.WinRate.WithLabelValues(string(t.Signal.Type)).Set(sv.scorer.WinRate(t.Signal.Type))
			}
		}
	}
}

func (sv *Supervisor) dynamicSubscriptionLoop(ctx context.Context) {
	ticker := time.NewTicker(sv.cfg.DynamicSubInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			actions := sv.bridge.DrainActions()
			for _, a := range actions {
				sv.applyAction(a)
			}
		}
	}
}

func (sv *Supervisor) applyAction(a dashboard.Action) {
	channel := fmt.Sprintf("futures_trades@all_%s@0", a.Symbol)
	switch a.Kind {
	case "subscribe":
		if err := sv.streamClient.Subscribe([]string{channel}); err != nil {
			log.Error().Err(err).Str("symbol", a.Symbol).Msg("supervisor: subscribe failed")
			return
		}
		sv.mu.Lock()
		sv.subscribed[a.Symbol] = true
		sv.mu.Unlock()
	case "unsubscribe":
		if err := sv.streamClient.Unsubscribe([]string{channel}); err != nil {
			log.Error().Err(err).Str("symbol", a.Symbol).Msg("supervisor: unsubscribe failed")
			return
		}
		sv.mu.Lock()
		delete(sv.subscribed, a.Symbol)
		sv.mu.Unlock()
	}
}

// discoveryLoop subscribes any symbol seen on the firehose with >= 3
// liquidations in the trailing 5 minutes but never yet subscribed
// (§4.12).
func (sv *Supervisor) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(sv.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.mu.Lock()
			toSubscribe := make([]string, 0)
			for sym, count := range sv.discovered {
				if count >= sv.cfg.DiscoveryMinLiqs && !sv.subscribed[sym] {
					toSubscribe = append(toSubscribe, sym)
				}
			}
			sv.discovered = make(map[string]int)
			sv.mu.Unlock()

			for _, sym := range toSubscribe {
				channel := fmt.Sprintf("futures_trades@all_%s@0", sym)
				if err := sv.streamClient.Subscribe([]string{channel}); err != nil {
					log.Error().Err(err).Str("symbol", sym).Msg("supervisor: discovery subscribe failed")
					continue
				}
				sv.mu.Lock()
				sv.subscribed[sym] = true
				sv.mu.Unlock()
				log.Info().Str("symbol", sym).Msg("supervisor: discovered symbol subscribed")
			}
		}
	}
}
