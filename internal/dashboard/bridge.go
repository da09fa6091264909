// Package dashboard implements C12: thread-safe snapshot state, a
// gorilla/mux HTTP surface, and a push-socket that mirrors state deltas
// to connected operator UIs (§4.11, §6).
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liquidwatch/internal/domain"
	"github.com/sawpanic/liquidwatch/internal/netutil/ratelimit"
)

var quoteSuffixPattern = regexp.MustCompile(`(USDT|USD|USDC|BUSD)$`)

// CoinEntry is one tracked coin's dashboard-visible state.
type CoinEntry struct {
	Symbol     string    `json:"symbol"`
	Active     bool      `json:"active"`
	FlowStats  FlowStats `json:"flow_stats"`
	LastUpdate time.Time `json:"last_update"`
}

// FlowStats mirrors the latest order-flow read for a symbol.
type FlowStats struct {
	FlowType   string  `json:"flow_type"`
	Confidence float64 `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Stats is the aggregate counters snapshot (§4.11).
type Stats struct {
	UptimeSeconds   float64          `json:"uptime_seconds"`
	CoinsTracked    int              `json:"coins_tracked"`
	SignalsTotal    int64            `json:"signals_total"`
	AlertsSent      int64            `json:"alerts_sent"`
	DetectorCounts  map[string]int64 `json:"detector_counts"`
	ValidatorReject map[string]int64 `json:"validator_reject"`
}

// Action is a queued operator request flowing back to the Supervisor
// against C1 (§4.11, §4.12).
type Action struct {
	Kind   string // "subscribe" | "unsubscribe"
	Symbol string
}

// Config controls the dashboard's auth and rate-limit behavior (§6).
type Config struct {
	ListenAddr     string
	AuthToken      string // placeholder/empty disables auth, warn at startup
	RateLimitPerIP float64
	MaxTrackedIPs  int
	CORSOrigins    []string
	AuthGrace      time.Duration // time allowed for the push-socket's first auth frame, default 5s
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{RateLimitPerIP: 30.0 / 60.0, MaxTrackedIPs: 10000, AuthGrace: 5 * time.Second}
}

// Bridge owns the mutex-protected snapshot state and serves the
// dashboard's HTTP + push-socket surface (C12).
type Bridge struct {
	cfg     Config
	router  *mux.Router
	server  *http.Server
	limiter *ratelimit.BoundedLimiter
	started time.Time
	upgrader websocket.Upgrader

	mu              sync.Mutex
	coins           map[string]*CoinEntry
	signals         []domain.TradingSignal // bounded to 200
	stats           Stats
	actions         []Action

	wsMu   sync.Mutex
	wsConn map[*websocket.Conn]struct{}

	exportSignalsCSV   ExportFunc
	exportBaselinesCSV ExportFunc
	signalStatsFunc    SignalStatsFunc
	signalsHistoryFunc SignalsHistoryFunc
}

// NewBridge builds a dashboard bridge ready to register routes.
func NewBridge(cfg Config) *Bridge {
	b := &Bridge{
		cfg:     cfg,
		limiter: ratelimit.NewBoundedLimiter(cfg.RateLimitPerIP, 30, cfg.MaxTrackedIPs),
		started: time.Now(),
		coins:   make(map[string]*CoinEntry),
		wsConn:  make(map[*websocket.Conn]struct{}),
		stats: Stats{
			DetectorCounts:  make(map[string]int64),
			ValidatorReject: make(map[string]int64),
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if cfg.AuthToken == "" || cfg.AuthToken == "placeholder" {
		log.Warn().Msg("dashboard: auth token unset or placeholder, write endpoints are unauthenticated")
	}

	b.router = mux.NewRouter()
	b.setupRoutes()
	b.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      b.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return b
}

func (b *Bridge) setupRoutes() {
	b.router.Use(b.requestIDMiddleware)
	b.router.Use(b.loggingMiddleware)
	b.router.Use(b.corsMiddleware)

	b.router.HandleFunc("/", b.handleIndex).Methods(http.MethodGet)
	b.router.HandleFunc("/health", b.handleHealth).Methods(http.MethodGet)
	b.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	rl := b.router.NewRoute().Subrouter()
	rl.Use(b.rateLimitMiddleware)
	rl.HandleFunc("/api/stats", b.handleStats).Methods(http.MethodGet)
	rl.HandleFunc("/api/coins", b.handleCoins).Methods(http.MethodGet)
	rl.HandleFunc("/api/signals", b.handleSignals).Methods(http.MethodGet)
	rl.HandleFunc("/api/orderflow/{symbol}", b.handleOrderFlow).Methods(http.MethodGet)
	rl.HandleFunc("/api/coins/add", b.withAuth(b.handleAddCoin)).Methods(http.MethodPost)
	rl.HandleFunc("/api/coins/remove/{symbol}", b.withAuth(b.handleRemoveCoin)).Methods(http.MethodDelete)
	rl.HandleFunc("/api/coins/{symbol}/toggle", b.withAuth(b.handleToggleCoin)).Methods(http.MethodPatch)

	b.router.HandleFunc("/api/export/signals.csv", b.withAuth(b.handleExportSignalsCSV)).Methods(http.MethodGet)
	b.router.HandleFunc("/api/export/baselines.csv", b.withAuth(b.handleExportBaselinesCSV)).Methods(http.MethodGet)
	b.router.HandleFunc("/api/stats/signals", b.withAuth(b.handleStatsSignals)).Methods(http.MethodGet)
	b.router.HandleFunc("/api/signals/history", b.withAuth(b.handleSignalsHistory)).Methods(http.MethodGet)

	b.router.HandleFunc("/ws", b.handleWebSocket)
}

// --- middleware, modeled on the teacher's requestID/logging/CORS chain ---

func (b *Bridge) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func (b *Bridge) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).Msg("dashboard: request served")
	})
}

func (b *Bridge) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range b.cfg.CORSOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Bridge) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !b.limiter.Allow(ip) {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

// withAuth enforces bearer-token auth via constant-time comparison,
// skipped entirely when no real token is configured (§4.11).
func (b *Bridge) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b.cfg.AuthToken == "" || b.cfg.AuthToken == "placeholder" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		supplied := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(b.cfg.AuthToken)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// --- handlers ---

func (b *Bridge) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<!doctype html><html><head><meta name="lw-token" content="%s"></head><body><div id="app"></div></body></html>`, b.cfg.AuthToken)
}

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	coinsTracked := len(b.coins)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_seconds":  time.Since(b.started).Seconds(),
		"coins_tracked":   coinsTracked,
	})
}

func (b *Bridge) handleStats(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	stats := b.stats
	stats.UptimeSeconds = time.Since(b.started).Seconds()
	stats.CoinsTracked = len(b.coins)
	detCopy := make(map[string]int64, len(stats.DetectorCounts))
	for k, v := range stats.DetectorCounts {
		detCopy[k] = v
	}
	stats.DetectorCounts = detCopy
	rejCopy := make(map[string]int64, len(stats.ValidatorReject))
	for k, v := range stats.ValidatorReject {
		rejCopy[k] = v
	}
	stats.ValidatorReject = rejCopy
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, stats)
}

func (b *Bridge) handleCoins(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	out := make([]CoinEntry, 0, len(b.coins))
	for _, c := range b.coins {
		out = append(out, *c)
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *Bridge) handleSignals(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	b.mu.Lock()
	start := 0
	if len(b.signals) > limit {
		start = len(b.signals) - limit
	}
	out := append([]domain.TradingSignal(nil), b.signals[start:]...)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (b *Bridge) handleOrderFlow(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	b.mu.Lock()
	entry, ok := b.coins[symbol]
	var flow FlowStats
	if ok {
		flow = entry.FlowStats
	}
	b.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

type addCoinRequest struct {
	Symbol string `json:"symbol"`
}

// normalizeAddSymbol strips a known quote suffix and reappends USDT
// (§4.11).
func normalizeAddSymbol(raw string) string {
	base := quoteSuffixPattern.ReplaceAllString(strings.ToUpper(raw), "")
	return base + "USDT"
}

func (b *Bridge) handleAddCoin(w http.ResponseWriter, r *http.Request) {
	var req addCoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	symbol := normalizeAddSymbol(req.Symbol)
	if !domain.ValidSymbol(symbol) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.coins[symbol] = &CoinEntry{Symbol: symbol, Active: true, LastUpdate: time.Now()}
	b.mu.Unlock()

	b.broadcast("coin_added", map[string]string{"symbol": symbol})
	writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol})
}

func (b *Bridge) handleRemoveCoin(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	b.mu.Lock()
	delete(b.coins, symbol)
	b.mu.Unlock()

	b.broadcast("coin_removed", map[string]string{"symbol": symbol})
	w.WriteHeader(http.StatusNoContent)
}

type toggleCoinRequest struct {
	Active bool `json:"active"`
}

func (b *Bridge) handleToggleCoin(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	var req toggleCoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	entry, ok := b.coins[symbol]
	if ok {
		entry.Active = req.Active
		entry.LastUpdate = time.Now()
	}
	b.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	b.broadcast("coin_toggled", map[string]any{"symbol": symbol, "active": req.Active})
	w.WriteHeader(http.StatusOK)
}

func (b *Bridge) handleExportSignalsCSV(w http.ResponseWriter, r *http.Request) {
	// Actual streaming is wired against the store by the Supervisor
	// (ExportFunc), injected via SetExportFuncs.
	if b.exportSignalsCSV == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=signals.csv")
	if err := b.exportSignalsCSV(r.Context(), w); err != nil {
		log.Error().Err(err).Msg("dashboard: export signals.csv failed")
	}
}

func (b *Bridge) handleExportBaselinesCSV(w http.ResponseWriter, r *http.Request) {
	if b.exportBaselinesCSV == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=baselines.csv")
	if err := b.exportBaselinesCSV(r.Context(), w); err != nil {
		log.Error().Err(err).Msg("dashboard: export baselines.csv failed")
	}
}

func (b *Bridge) handleStatsSignals(w http.ResponseWriter, r *http.Request) {
	if b.signalStatsFunc == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	stats, err := b.signalStatsFunc(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (b *Bridge) handleSignalsHistory(w http.ResponseWriter, r *http.Request) {
	if b.signalsHistoryFunc == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	rows, err := b.signalsHistoryFunc(r.Context(), 5000)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// --- push socket ---

type authFrame struct {
	Token string `json:"token"`
}

func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("dashboard: websocket upgrade failed")
		return
	}

	conn.SetReadDeadline(time.Now().Add(b.cfg.AuthGrace))
	var auth authFrame
	if err := conn.ReadJSON(&auth); err != nil {
		conn.Close()
		return
	}
	if b.cfg.AuthToken != "" && b.cfg.AuthToken != "placeholder" &&
		subtle.ConstantTimeCompare([]byte(auth.Token), []byte(b.cfg.AuthToken)) != 1 {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	b.wsMu.Lock()
	b.wsConn[conn] = struct{}{}
	b.wsMu.Unlock()

	defer func() {
		b.wsMu.Lock()
		delete(b.wsConn, conn)
		b.wsMu.Unlock()
		conn.Close()
	}()

	for {
		var action Action
		if err := conn.ReadJSON(&action); err != nil {
			return
		}
		if action.Kind != "subscribe" && action.Kind != "unsubscribe" {
			continue
		}
		b.mu.Lock()
		b.actions = append(b.actions, action)
		b.mu.Unlock()
	}
}

type pushMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// broadcast copies the payload under the mutex-protected peer set and
// writes to each connection without holding any other lock, so a slow
// peer cannot stall the pipeline (§4.11, §5).
func (b *Bridge) broadcast(event string, data any) {
	b.wsMu.Lock()
	peers := make([]*websocket.Conn, 0, len(b.wsConn))
	for c := range b.wsConn {
		peers = append(peers, c)
	}
	b.wsMu.Unlock()

	msg := pushMessage{Event: event, Data: data}
	for _, c := range peers {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Msg("dashboard: push-socket write failed, dropping peer")
		}
	}
}

// --- Supervisor-facing mutators ---

// ExportFunc streams a CSV export to w.
type ExportFunc func(ctx context.Context, w http.ResponseWriter) error

// SignalStatsFunc returns aggregate signal stats.
type SignalStatsFunc func(ctx context.Context) (any, error)

// SignalsHistoryFunc returns up to limit persisted signal rows.
type SignalsHistoryFunc func(ctx context.Context, limit int) (any, error)

// SetExportFuncs wires the store-backed export/history callbacks; must
// be called once before Serve.
func (b *Bridge) SetExportFuncs(signalsCSV, baselinesCSV ExportFunc, stats SignalStatsFunc, history SignalsHistoryFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exportSignalsCSV = signalsCSV
	b.exportBaselinesCSV = baselinesCSV
	b.signalStatsFunc = stats
	b.signalsHistoryFunc = history
}

// RecordSignal appends a signal to the bounded in-memory history and
// broadcasts it.
func (b *Bridge) RecordSignal(sig domain.TradingSignal) {
	b.mu.Lock()
	b.signals = append(b.signals, sig)
	if len(b.signals) > 200 {
		b.signals = b.signals[len(b.signals)-200:]
	}
	b.stats.SignalsTotal++
	b.mu.Unlock()

	b.broadcast("new_signal", sig)
}

// UpdateOrderFlow updates a symbol's flow stats and broadcasts the delta.
func (b *Bridge) UpdateOrderFlow(symbol string, flow FlowStats) {
	b.mu.Lock()
	entry, ok := b.coins[symbol]
	if ok {
		entry.FlowStats = flow
		entry.LastUpdate = time.Now()
	}
	b.mu.Unlock()

	if ok {
		b.broadcast("order_flow_update", map[string]any{"symbol": symbol, "flow": flow})
	}
}

// UpdateStats refreshes the counters snapshot and broadcasts it (§4.12's
// 30s stats reporter).
func (b *Bridge) UpdateStats(mutate func(*Stats)) {
	b.mu.Lock()
	mutate(&b.stats)
	snapshot := b.stats
	b.mu.Unlock()

	b.broadcast("stats_update", snapshot)
}

// DrainActions removes and returns all queued operator actions (§4.12's
// 10s dynamic subscription drain).
func (b *Bridge) DrainActions() []Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.actions
	b.actions = nil
	return out
}

// Stats returns a snapshot copy of the aggregate counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := b.stats
	stats.DetectorCounts = make(map[string]int64, len(b.stats.DetectorCounts))
	for k, v := range b.stats.DetectorCounts {
		stats.DetectorCounts[k] = v
	}
	stats.ValidatorReject = make(map[string]int64, len(b.stats.ValidatorReject))
	for k, v := range b.stats.ValidatorReject {
		stats.ValidatorReject[k] = v
	}
	return stats
}

// ActiveCoins returns symbols currently marked active.
func (b *Bridge) ActiveCoins() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bool, len(b.coins))
	for sym, c := range b.coins {
		out[sym] = c.Active
	}
	return out
}

// RestoreCoins seeds the coin list at startup from persisted state.
func (b *Bridge) RestoreCoins(coins map[string]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sym, active := range coins {
		b.coins[sym] = &CoinEntry{Symbol: sym, Active: active, LastUpdate: time.Now()}
	}
}

// Serve starts the HTTP server; blocks until it returns (on Shutdown or
// error).
func (b *Bridge) Serve() error {
	log.Info().Str("addr", b.cfg.ListenAddr).Msg("dashboard: listening")
	err := b.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (b *Bridge) Shutdown(ctx context.Context) error {
	return b.server.Shutdown(ctx)
}
