package scoring

import (
	"testing"

	"github.com/sawpanic/liquidwatch/internal/domain"
)

func TestScoreNeutralWithNoHistoryOrMetadata(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sig := domain.TradingSignal{Type: domain.SigStopHunt, Confidence: 70}
	if got := s.Score(sig, 0); got != 70 {
		t.Errorf("expected unchanged confidence with no history/metadata, got %v", got)
	}
}

func TestScoreHighWinRateAndTrendBoost(t *testing.T) {
	s := NewScorer(DefaultConfig())
	for i := 0; i < 10; i++ {
		s.RecordResult(domain.SigStopHunt, true)
	}
	if wr := s.WinRate(domain.SigStopHunt); wr <= 0.7 {
		t.Fatalf("expected win rate above 0.7 after 10 wins, got %v", wr)
	}
	sig := domain.TradingSignal{Type: domain.SigStopHunt, Confidence: 70}
	if got := s.Score(sig, 0); got != 78 {
		t.Errorf("expected 70 + 5 (win rate) + 3 (trend) = 78, got %v", got)
	}
}

func TestScoreLowWinRateAndTrendPenalty(t *testing.T) {
	s := NewScorer(DefaultConfig())
	for i := 0; i < 10; i++ {
		s.RecordResult(domain.SigStopHunt, false)
	}
	if wr := s.WinRate(domain.SigStopHunt); wr >= 0.4 {
		t.Fatalf("expected win rate below 0.4 after 10 losses, got %v", wr)
	}
	sig := domain.TradingSignal{Type: domain.SigStopHunt, Confidence: 70}
	if got := s.Score(sig, 0); got != 62 {
		t.Errorf("expected 70 - 5 (win rate) - 3 (trend) = 62, got %v", got)
	}
}

func TestScoreQualityBoostFromStopHuntMetadata(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sig := domain.TradingSignal{
		Type:       domain.SigStopHunt,
		Confidence: 70,
		StopHunt:   &domain.StopHuntSignal{AbsorptionVolume: 600, DirectionalPct: 0.9},
	}
	if got := s.Score(sig, 100); got != 74 {
		t.Errorf("expected 70 + 2 (absorption ratio) + 2 (directional pct) = 74, got %v", got)
	}
}

func TestScoreQualityBoostFromOrderFlowMetadata(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sig := domain.TradingSignal{
		Type:       domain.SigStopHunt,
		Confidence: 70,
		OrderFlow:  &domain.OrderFlowSignal{BuyRatio: 0.9, LargeBuys: 12, Type: domain.FlowAccumulation},
	}
	if got := s.Score(sig, 0); got != 73 {
		t.Errorf("expected 70 + 1.5 (buy ratio) + 1.5 (large orders) = 73, got %v", got)
	}
}

func TestScoreQualityBoostClampedAtFive(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sig := domain.TradingSignal{
		Type:       domain.SigStopHunt,
		Confidence: 70,
		StopHunt:   &domain.StopHuntSignal{AbsorptionVolume: 600, DirectionalPct: 0.9},
		OrderFlow:  &domain.OrderFlowSignal{BuyRatio: 0.9, LargeBuys: 12, Type: domain.FlowAccumulation},
		Events:     []domain.EventSignal{{}, {}},
	}
	if got := s.Score(sig, 100); got != 75 {
		t.Errorf("expected quality boost clamped to +5 => 75, got %v", got)
	}
}

func TestRestoreSnapshotRoundTrip(t *testing.T) {
	s := NewScorer(DefaultConfig())
	s.Restore(domain.SigStopHunt, LearnerState{History: []bool{true, false, true}, WinRate: 0.65})

	snap := s.Snapshot(domain.SigStopHunt)
	if snap.WinRate != 0.65 {
		t.Errorf("expected restored win rate 0.65, got %v", snap.WinRate)
	}
	if len(snap.History) != 3 {
		t.Fatalf("expected restored history of length 3, got %d", len(snap.History))
	}
}

func TestRecordResultBoundsHistoryAtCap(t *testing.T) {
	s := NewScorer(DefaultConfig())
	for i := 0; i < historyCap+10; i++ {
		s.RecordResult(domain.SigStopHunt, true)
	}
	snap := s.Snapshot(domain.SigStopHunt)
	if len(snap.History) != historyCap {
		t.Errorf("expected history capped at %d, got %d", historyCap, len(snap.History))
	}
}

func TestWinRateDefaultsToHalfForUnseenType(t *testing.T) {
	s := NewScorer(DefaultConfig())
	if got := s.WinRate(domain.SigEvent); got != defaultWinRate {
		t.Errorf("expected default win rate %v for unseen type, got %v", defaultWinRate, got)
	}
}
