// Package alerts implements the chat delivery sink: an HTTP POST to the
// Telegram bot API, rate-limited client-side and wrapped in a circuit
// breaker so a failing sink cannot back up the alert queue drain loop
// (§4.10, §6, §7).
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/liquidwatch/internal/domain"
	"github.com/sawpanic/liquidwatch/internal/netutil/ratelimit"
)

const maxMessageLen = 4096

// telegramAPIBase is a package-level var (not a const) so tests can point
// it at an httptest server instead of the real Telegram API.
var telegramAPIBase = "https://api.telegram.org/bot%s/sendMessage"

// Config controls the Telegram sink (§6).
type Config struct {
	Enabled     bool
	BotToken    string
	ChatID      string
	MinSendGap  time.Duration // default 3s
	HTTPTimeout time.Duration // default 10s
}

// DefaultConfig returns the spec's defaults; Enabled/BotToken/ChatID must
// be supplied from loaded configuration.
func DefaultConfig() Config {
	return Config{MinSendGap: 3 * time.Second, HTTPTimeout: 10 * time.Second}
}

// Formatter renders a TradingSignal to the chat message body. Pure
// function; the rendering template itself is implementation freedom
// per §1.
type Formatter func(domain.TradingSignal) string

// TelegramSink delivers formatted signal messages to a Telegram chat.
type TelegramSink struct {
	cfg       Config
	client    *http.Client
	limiter   *ratelimit.Limiter
	breaker   *gobreaker.CircuitBreaker
	format    Formatter
}

// NewTelegramSink builds a sink; format defaults to DefaultFormatter if nil.
func NewTelegramSink(cfg Config, format Formatter) *TelegramSink {
	if format == nil {
		format = DefaultFormatter
	}

	st := gobreaker.Settings{
		Name:        "telegram-sink",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}

	return &TelegramSink{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		limiter: ratelimit.NewLimiter(1.0/cfg.MinSendGap.Seconds(), 1),
		breaker: gobreaker.NewCircuitBreaker(st),
		format:  format,
	}
}

// DefaultFormatter is a compact single-line-per-field rendering of a fused
// signal.
func DefaultFormatter(sig domain.TradingSignal) string {
	return fmt.Sprintf("[%s] %s %s conf=%.0f prio=%d sources=%v",
		sig.Symbol, sig.Type, sig.Direction, sig.Confidence, sig.Priority, sig.Sources)
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Send delivers sig as a chat message within a 10s total timeout,
// respecting the configured minimum inter-send gap and tripping the
// circuit breaker after repeated failures (§4.10, §5, §6).
func (s *TelegramSink) Send(ctx context.Context, sig domain.TradingSignal) error {
	if !s.cfg.Enabled {
		return nil
	}

	if err := s.limiter.Wait(ctx, "telegram"); err != nil {
		return fmt.Errorf("telegram sink: rate limiter wait: %w", err)
	}

	text := s.format(sig)
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen-1] + "…"
	}

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.post(ctx, text)
	})
	if err != nil {
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("telegram sink: delivery failed")
		return err
	}
	return nil
}

func (s *TelegramSink) post(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HTTPTimeout)
	defer cancel()

	body, err := json.Marshal(sendMessageRequest{ChatID: s.cfg.ChatID, Text: text, ParseMode: "Markdown"})
	if err != nil {
		return fmt.Errorf("telegram sink: marshal request: %w", err)
	}

	url := fmt.Sprintf(telegramAPIBase, s.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sink: http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sink: unexpected status %d", resp.StatusCode)
	}
	return nil
}
