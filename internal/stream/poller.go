package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liquidwatch/internal/netutil/circuit"
)

// PollerConfig controls the REST poller's cadence (§4.2, §7).
type PollerConfig struct {
	BaseURL        string
	APIKey         string
	Interval       time.Duration // default 300s
	MaxJitter      time.Duration // default 10s
	RequestDelay   time.Duration // inter-symbol delay, also halved for intra-symbol
	HTTPTimeout    time.Duration
}

// DefaultPollerConfig returns the spec's defaults; BaseURL/APIKey must be
// supplied.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:     300 * time.Second,
		MaxJitter:    10 * time.Second,
		RequestDelay: 2 * time.Second,
		HTTPTimeout:  10 * time.Second,
	}
}

// OHLCSnapshot is the (current, previous) close pair derived from the
// last two candles of an OHLC response (§3's OI/funding snapshot).
type OHLCSnapshot struct {
	Symbol    string
	Current   float64
	Previous  float64
	High      float64
	Low       float64
	ChangePct float64
	RecordedAt time.Time
}

// SnapshotHandler receives a completed OI or funding snapshot.
type SnapshotHandler func(kind string, snap OHLCSnapshot)

// ErrorHook is invoked once per fail-soft fetch failure, labeled by
// endpoint ("open-interest" or "funding-rate").
type ErrorHook func(endpoint string)

const (
	endpointOI      = "open-interest"
	endpointFunding = "funding-rate"
)

type ohlcCandle struct {
	Time  int64  `json:"time"`
	Open  string `json:"open"`
	High  string `json:"high"`
	Low   string `json:"low"`
	Close string `json:"close"`
}

type ohlcResponse struct {
	Code string       `json:"code"`
	Data []ohlcCandle `json:"data"`
}

// Poller fetches OI and funding OHLC per base symbol on a fixed
// interval with jitter, failing soft on any transport or parse error
// (C2, §4.2).
type Poller struct {
	cfg      PollerConfig
	client   *http.Client
	breakers *circuit.Manager
	onSnap   SnapshotHandler
	onError  ErrorHook

	mu      sync.Mutex
	symbols []string

	errCount int64
}

// NewPoller creates a poller; onSnap may be nil in tests that only
// assert on fetch behavior. Open-interest and funding-rate each trip
// their own breaker, so a struggling funding endpoint doesn't also
// suspend open-interest polling.
func NewPoller(cfg PollerConfig, onSnap SnapshotHandler) *Poller {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	breakers := circuit.NewManager()
	breakers.AddProvider(endpointOI, circuit.DefaultPollerConfig())
	breakers.AddProvider(endpointFunding, circuit.DefaultPollerConfig())
	return &Poller{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		breakers: breakers,
		onSnap:   onSnap,
	}
}

// SetErrorHook wires a callback invoked once per fail-soft fetch failure.
// Must be called before Run starts; not safe for concurrent use with it.
func (p *Poller) SetErrorHook(hook ErrorHook) {
	p.onError = hook
}

// BreakerStats returns the current circuit breaker stats for every
// polled endpoint, keyed by endpoint name.
func (p *Poller) BreakerStats() map[string]circuit.Stats {
	return p.breakers.Stats()
}

// UpdateSymbols replaces the polled symbol set at runtime (§4.2).
func (p *Poller) UpdateSymbols(symbols []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols = append([]string(nil), symbols...)
}

func (p *Poller) snapshotSymbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.symbols...)
}

// Run polls every configured interval plus jitter until ctx is done
// (§4.2). Gracefully stops on shutdown signal.
func (p *Poller) Run(ctx context.Context) {
	for {
		jitter := time.Duration(rand.Int63n(int64(p.cfg.MaxJitter) + 1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.Interval + jitter):
		}

		p.pollAll(ctx)
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	for _, sym := range p.snapshotSymbols() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.pollSymbol(ctx, sym)

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.RequestDelay):
		}
	}
}

func (p *Poller) pollSymbol(ctx context.Context, symbol string) {
	if snap, ok := p.fetchOne(ctx, endpointOI, symbol); ok {
		if p.onSnap != nil {
			p.onSnap("oi", snap)
		}
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(p.cfg.RequestDelay / 2):
	}

	if snap, ok := p.fetchOne(ctx, endpointFunding, symbol); ok {
		if p.onSnap != nil {
			p.onSnap("funding", snap)
		}
	}
}

func (p *Poller) fetchOne(ctx context.Context, endpoint, symbol string) (OHLCSnapshot, bool) {
	var path string
	switch endpoint {
	case endpointOI:
		path = fmt.Sprintf("%s/api/futures/open-interest/aggregated-history?symbol=%s&interval=1h&limit=2", p.cfg.BaseURL, symbol)
	case endpointFunding:
		path = fmt.Sprintf("%s/api/futures/funding-rate/oi-weight-history?symbol=%s&interval=1h&limit=2", p.cfg.BaseURL, symbol)
	}

	var candles []ohlcCandle
	err := p.breakers.Call(ctx, endpoint, func(ctx context.Context) error {
		c, err := p.doFetch(ctx, path)
		candles = c
		return err
	})
	if err != nil {
		p.fail(endpoint)
		log.Warn().Err(err).Str("symbol", symbol).Str("endpoint", endpoint).Msg("poller: fetch failed, skipping")
		return OHLCSnapshot{}, false
	}

	if len(candles) < 2 {
		p.fail(endpoint)
		return OHLCSnapshot{}, false
	}

	snap, err := toSnapshot(symbol, candles)
	if err != nil {
		p.fail(endpoint)
		log.Warn().Err(err).Str("symbol", symbol).Msg("poller: parse failed, skipping")
		return OHLCSnapshot{}, false
	}
	return snap, true
}

// fail bumps the cumulative error counter and notifies the error hook,
// if wired, for the given endpoint.
func (p *Poller) fail(endpoint string) {
	p.mu.Lock()
	p.errCount++
	p.mu.Unlock()
	if p.onError != nil {
		p.onError(endpoint)
	}
}

func (p *Poller) doFetch(ctx context.Context, path string) ([]ohlcCandle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("poller: build request: %w", err)
	}
	req.Header.Set("CG-API-KEY", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poller: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poller: unexpected status %d", resp.StatusCode)
	}

	var body ohlcResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("poller: decode response: %w", err)
	}
	if body.Code != "0" {
		return nil, fmt.Errorf("poller: non-success code %q", body.Code)
	}
	return body.Data, nil
}

// toSnapshot derives a snapshot from the last two candles (§3).
func toSnapshot(symbol string, candles []ohlcCandle) (OHLCSnapshot, error) {
	last := candles[len(candles)-1]
	prev := candles[len(candles)-2]

	current, err := strconv.ParseFloat(last.Close, 64)
	if err != nil {
		return OHLCSnapshot{}, fmt.Errorf("parse current close: %w", err)
	}
	previous, err := strconv.ParseFloat(prev.Close, 64)
	if err != nil {
		return OHLCSnapshot{}, fmt.Errorf("parse previous close: %w", err)
	}
	high, err := strconv.ParseFloat(last.High, 64)
	if err != nil {
		return OHLCSnapshot{}, fmt.Errorf("parse high: %w", err)
	}
	low, err := strconv.ParseFloat(last.Low, 64)
	if err != nil {
		return OHLCSnapshot{}, fmt.Errorf("parse low: %w", err)
	}

	var changePct float64
	if previous != 0 {
		changePct = (current - previous) / previous * 100
	}

	return OHLCSnapshot{
		Symbol:     symbol,
		Current:    current,
		Previous:   previous,
		High:       high,
		Low:        low,
		ChangePct:  changePct,
		RecordedAt: time.Now(),
	}, nil
}

// ErrorCount returns the cumulative fail-soft error counter.
func (p *Poller) ErrorCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errCount
}
