package alerts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sawpanic/liquidwatch/internal/domain"
)

func TestDefaultFormatterRendersKeyFields(t *testing.T) {
	sig := domain.TradingSignal{Symbol: "BTC", Type: domain.SigStopHunt, Direction: domain.DirLong, Confidence: 82, Priority: 1, Sources: []string{"stop_hunt"}}
	got := DefaultFormatter(sig)
	for _, want := range []string{"BTC", "STOP_HUNT", "LONG", "82", "prio=1"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected formatted message to contain %q, got %q", want, got)
		}
	}
}

func TestSendNoopWhenDisabled(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	orig := telegramAPIBase
	telegramAPIBase = srv.URL + "/bot%s/sendMessage"
	defer func() { telegramAPIBase = orig }()

	sink := NewTelegramSink(Config{Enabled: false, MinSendGap: time.Millisecond, HTTPTimeout: time.Second}, nil)
	if err := sink.Send(context.Background(), domain.TradingSignal{Symbol: "BTC"}); err != nil {
		t.Fatalf("expected no error when disabled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no HTTP call when the sink is disabled, got %d", calls)
	}
}

func TestSendDeliversToConfiguredEndpoint(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	orig := telegramAPIBase
	telegramAPIBase = srv.URL + "/bot%s/sendMessage"
	defer func() { telegramAPIBase = orig }()

	sink := NewTelegramSink(Config{Enabled: true, BotToken: "tok", ChatID: "123", MinSendGap: time.Millisecond, HTTPTimeout: time.Second}, nil)
	if err := sink.Send(context.Background(), domain.TradingSignal{Symbol: "BTC"}); err != nil {
		t.Fatalf("expected successful delivery, got %v", err)
	}
	if gotPath != "/bottok/sendMessage" {
		t.Errorf("expected the bot token embedded in the path, got %q", gotPath)
	}
}

func TestSendReturnsErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	orig := telegramAPIBase
	telegramAPIBase = srv.URL + "/bot%s/sendMessage"
	defer func() { telegramAPIBase = orig }()

	sink := NewTelegramSink(Config{Enabled: true, BotToken: "tok", ChatID: "123", MinSendGap: time.Millisecond, HTTPTimeout: time.Second}, nil)
	if err := sink.Send(context.Background(), domain.TradingSignal{Symbol: "BTC"}); err == nil {
		t.Error("expected an error on a non-200 response")
	}
}

func TestNewTelegramSinkDefaultsFormatter(t *testing.T) {
	sink := NewTelegramSink(DefaultConfig(), nil)
	if sink.format == nil {
		t.Error("expected a nil formatter to default to DefaultFormatter")
	}
}
