package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/liquidwatch/internal/alerts"
	"github.com/sawpanic/liquidwatch/internal/buffer"
	"github.com/sawpanic/liquidwatch/internal/config"
	"github.com/sawpanic/liquidwatch/internal/dashboard"
	"github.com/sawpanic/liquidwatch/internal/domain"
	"github.com/sawpanic/liquidwatch/internal/marketctx"
	"github.com/sawpanic/liquidwatch/internal/metrics"
	"github.com/sawpanic/liquidwatch/internal/queue"
	"github.com/sawpanic/liquidwatch/internal/scoring"
	"github.com/sawpanic/liquidwatch/internal/store"
	"github.com/sawpanic/liquidwatch/internal/stream"
	"github.com/sawpanic/liquidwatch/internal/supervisor"
	"github.com/sawpanic/liquidwatch/internal/tracker"
	"github.com/sawpanic/liquidwatch/internal/validator"
)

const (
	appName = "LiquidWatch"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     "liquiwatch",
		Short:   appName + " — real-time crypto derivatives market-intelligence pipeline",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/liquiwatch.yaml", "path to the YAML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full ingestion, detection, and dashboard pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the embedded store's schema, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(configPath)
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runMigrate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.Storage.DatabaseURL, 10*time.Second)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	fmt.Printf("schema ready at %s\n", cfg.Storage.DatabaseURL)
	return nil
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	st, err := store.Open(cfg.Storage.DatabaseURL, 10*time.Second)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	tierClass := domain.NewTierClassifier(cfg.Pairs.Primary, cfg.Pairs.Secondary)
	thresholds := domain.TierThresholdSet{
		domain.Tier1: domain.TierThresholds(cfg.Thresholds.Tier1),
		domain.Tier2: domain.TierThresholds(cfg.Thresholds.Tier2),
		domain.Tier3: domain.TierThresholds(cfg.Thresholds.Tier3),
	}

	bufMgr := buffer.NewManager(buffer.Config{
		MaxLiquidations: cfg.Buffers.MaxLiquidations,
		MaxTrades:       cfg.Buffers.MaxTrades,
		MaxBaselines:    cfg.Buffers.MaxBaselines,
		BaselineMaxAge:  cfg.Buffers.BaselineMaxAge,
	})

	mctxBuf := marketctx.NewBuffer()
	filter := marketctx.NewFilter(marketctx.FilterMode(cfg.Analysis.ContextFilterMode), true)

	scorer := scoring.NewScorer(scoring.DefaultConfig())

	validatorC := validator.NewValidator(validator.Config{
		MinConfidence:  cfg.Signals.MinConfidence,
		CooldownPeriod: cfg.Signals.CooldownPeriod,
		DedupWindow:    cfg.Signals.DedupWindow,
		MaxPerHour:     cfg.Signals.MaxPerHour,
		ConfidenceBand: 5,
	})

	persist := func(t domain.TrackedSignal) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.PersistTracked(ctx, t); err != nil {
			log.Error().Err(err).Str("symbol", t.Signal.Symbol).Msg("main: persist tracked signal failed")
		}
	}
	trk := tracker.NewTracker(tracker.Config{
		CheckInterval:   cfg.Analysis.TrackerCheckInterval,
		MaxExtendFactor: cfg.Analysis.MaxExtendFactor,
	}, scorer.RecordResult, persist)

	q := queue.NewQueue(cfg.Alerts.QueueDepth)

	dashCfg := dashboard.DefaultConfig()
	dashCfg.ListenAddr = cfg.Dashboard.ListenAddr
	dashCfg.AuthToken = cfg.Dashboard.AuthToken
	if cfg.Dashboard.RateLimitPerIP > 0 {
		dashCfg.RateLimitPerIP = cfg.Dashboard.RateLimitPerIP
	}
	if cfg.Dashboard.MaxTrackedIPs > 0 {
		dashCfg.MaxTrackedIPs = cfg.Dashboard.MaxTrackedIPs
	}
	if cfg.Dashboard.AuthGrace > 0 {
		dashCfg.AuthGrace = cfg.Dashboard.AuthGrace
	}
	bridge := dashboard.NewBridge(dashCfg)

	sink := alerts.NewTelegramSink(alerts.Config{
		Enabled:     cfg.Telegram.Enabled,
		BotToken:    cfg.Telegram.BotToken,
		ChatID:      cfg.Telegram.ChatID,
		MinSendGap:  cfg.Alerts.MinSendGap,
		HTTPTimeout: 10 * time.Second,
	}, alerts.DefaultFormatter)

	streamCfg := stream.DefaultConfig()
	streamCfg.URL = cfg.WebSocket.URL
	if cfg.WebSocket.HeartbeatInterval > 0 {
		streamCfg.HeartbeatInterval = cfg.WebSocket.HeartbeatInterval
	}
	if cfg.WebSocket.ReadDeadline > 0 {
		streamCfg.ReadDeadline = cfg.WebSocket.ReadDeadline
	}
	if cfg.WebSocket.LoginDeadline > 0 {
		streamCfg.LoginDeadline = cfg.WebSocket.LoginDeadline
	}
	streamClient := stream.NewClient(streamCfg, nil,
		func(err error) { log.Warn().Err(err).Msg("stream client error") },
		func(s stream.State) {
			reg.StreamState.Set(float64(s))
			log.Info().Str("state", s.String()).Msg("stream client state change")
		},
	)

	pollerCfg := stream.DefaultPollerConfig()
	pollerCfg.BaseURL = "https://open-api-v4.coinglass.com"
	pollerCfg.APIKey = cfg.Coinglass.APIKey
	poller := stream.NewPoller(pollerCfg, func(kind string, snap stream.OHLCSnapshot) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		switch kind {
		case "oi":
			mctxBuf.AddOI(marketctx.Snapshot{
				BaseSymbol: snap.Symbol, Current: snap.Current, Previous: snap.Previous,
				High: snap.High, Low: snap.Low, ChangePct: snap.ChangePct, RecordedAt: snap.RecordedAt,
			})
			err = st.SaveOISnapshot(ctx, snap.Symbol, snap.Current, snap.Previous, snap.High, snap.Low, snap.ChangePct, snap.RecordedAt)
		case "funding":
			mctxBuf.AddFunding(marketctx.Snapshot{
				BaseSymbol: snap.Symbol, Current: snap.Current, Previous: snap.Previous,
				High: snap.High, Low: snap.Low, ChangePct: snap.ChangePct, RecordedAt: snap.RecordedAt,
			})
			err = st.SaveFundingSnapshot(ctx, snap.Symbol, snap.Current, snap.Previous, snap.High, snap.Low, snap.ChangePct, snap.RecordedAt)
		}
		if err != nil {
			log.Error().Err(err).Str("symbol", snap.Symbol).Str("kind", kind).Msg("main: persist snapshot failed")
		}
	})

	svCfg := supervisor.DefaultConfig()
	svCfg.Tier1Symbols = cfg.Pairs.Primary
	svCfg.Tier2Symbols = cfg.Pairs.Secondary
	if cfg.Monitoring.StatsInterval > 0 {
		svCfg.StatsInterval = cfg.Monitoring.StatsInterval
	}
	if cfg.Monitoring.CleanupInterval > 0 {
		svCfg.CleanupInterval = cfg.Monitoring.CleanupInterval
	}
	if cfg.Analysis.TrackerCheckInterval > 0 {
		svCfg.TrackerInterval = cfg.Analysis.TrackerCheckInterval
	}

	sv := supervisor.New(svCfg, supervisor.RealClock, streamClient, poller, bufMgr, mctxBuf, filter,
		tierClass, thresholds, scorer, validatorC, trk, q, bridge, sink, st, reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Str("listen_addr", cfg.Dashboard.ListenAddr).Msg("liquiwatch starting")

	if err := sv.Start(ctx); err != nil {
		return fmt.Errorf("supervisor exited: %w", err)
	}

	log.Info().Msg("liquiwatch shut down cleanly")
	return nil
}
