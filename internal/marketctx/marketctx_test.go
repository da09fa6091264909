package marketctx

import "testing"

func TestFundingAlignmentLong(t *testing.T) {
	cases := []struct {
		rate float64
		want Alignment
	}{
		{0.00001, AlignNeutral},
		{0.0006, AlignCaution},
		{0.0002, AlignNeutral},
		{-0.0006, AlignFavorable},
	}
	for _, c := range cases {
		if got := FundingAlignment(c.rate, DirLong); got != c.want {
			t.Errorf("FundingAlignment(%v, LONG) = %v, want %v", c.rate, got, c.want)
		}
	}
}

func TestFundingAlignmentShort(t *testing.T) {
	cases := []struct {
		rate float64
		want Alignment
	}{
		{0.00001, AlignNeutral},
		{-0.0006, AlignCaution},
		{-0.0002, AlignNeutral},
		{0.0006, AlignFavorable},
	}
	for _, c := range cases {
		if got := FundingAlignment(c.rate, DirShort); got != c.want {
			t.Errorf("FundingAlignment(%v, SHORT) = %v, want %v", c.rate, got, c.want)
		}
	}
}

func TestOIAlignment(t *testing.T) {
	cases := []struct {
		pct  float64
		want Alignment
	}{
		{6, AlignSqueezeRisk},
		{3, AlignConfirmation},
		{-2, AlignWeak},
		{0, AlignNeutral},
	}
	for _, c := range cases {
		if got := OIAlignment(c.pct); got != c.want {
			t.Errorf("OIAlignment(%v) = %v, want %v", c.pct, got, c.want)
		}
	}
}

func TestCombine(t *testing.T) {
	cases := []struct {
		funding, oi Alignment
		want        Alignment
	}{
		{AlignCaution, AlignConfirmation, AlignUnfavorable},
		{AlignFavorable, AlignSqueezeRisk, AlignNeutral},
		{AlignFavorable, AlignConfirmation, AlignFavorable},
		{AlignFavorable, AlignNeutral, AlignFavorable},
		{AlignNeutral, AlignWeak, AlignNeutral},
	}
	for _, c := range cases {
		if got := Combine(c.funding, c.oi); got != c.want {
			t.Errorf("Combine(%v, %v) = %v, want %v", c.funding, c.oi, got, c.want)
		}
	}
}

func TestAssessNoData(t *testing.T) {
	b := NewBuffer()
	got := b.Assess("BTC", DirLong)
	if got.HasData {
		t.Error("expected HasData false with no snapshots recorded")
	}
}

func TestAssessWithData(t *testing.T) {
	b := NewBuffer()
	b.AddFunding(Snapshot{BaseSymbol: "BTC", Current: -0.0006})
	b.AddOI(Snapshot{BaseSymbol: "BTC", ChangePct: 3})

	got := b.Assess("BTC", DirLong)
	if !got.HasData {
		t.Fatal("expected HasData true once snapshots exist")
	}
	if got.Funding != AlignFavorable {
		t.Errorf("expected favorable funding alignment, got %v", got.Funding)
	}
	if got.OI != AlignConfirmation {
		t.Errorf("expected confirmation OI alignment, got %v", got.OI)
	}
	if got.Combined != AlignFavorable {
		t.Errorf("expected combined favorable, got %v", got.Combined)
	}
}

func TestBufferEvictsOldestSnapshot(t *testing.T) {
	b := NewBuffer()
	for i := 0; i < maxSnapshots+5; i++ {
		b.AddOI(Snapshot{BaseSymbol: "BTC", Current: float64(i)})
	}
	latest, ok := b.LatestOI("BTC")
	if !ok {
		t.Fatal("expected a latest OI snapshot")
	}
	if latest.Current != float64(maxSnapshots+4) {
		t.Errorf("expected latest snapshot to be the most recently added, got %v", latest.Current)
	}
}

func TestFilterApplyNoDataPassesThrough(t *testing.T) {
	f := NewFilter(ModeStrict, true)
	b := NewBuffer()
	res := f.Apply(b, "BTC", DirLong)
	if res.Blocked {
		t.Error("expected no-data assessment to never block")
	}
	if res.Adjustment != 0 {
		t.Errorf("expected zero adjustment with no data, got %v", res.Adjustment)
	}
}

func TestFilterApplyStrictModeBlocksNonFavorable(t *testing.T) {
	f := NewFilter(ModeStrict, false)
	b := NewBuffer()
	b.AddFunding(Snapshot{BaseSymbol: "BTC", Current: 0})
	b.AddOI(Snapshot{BaseSymbol: "BTC", ChangePct: 0})

	res := f.Apply(b, "BTC", DirLong)
	if !res.Blocked {
		t.Error("expected strict mode to block a non-favorable combined assessment")
	}
}

func TestFilterApplyNormalModeOnlyBlocksUnfavorable(t *testing.T) {
	f := NewFilter(ModeNormal, false)
	b := NewBuffer()
	b.AddFunding(Snapshot{BaseSymbol: "BTC", Current: 0.0006}) // caution for LONG -> unfavorable combined
	b.AddOI(Snapshot{BaseSymbol: "BTC", ChangePct: 0})

	res := f.Apply(b, "BTC", DirLong)
	if !res.Blocked {
		t.Error("expected normal mode to block an unfavorable combined assessment")
	}
}

func TestFilterApplyPermissiveNeverBlocks(t *testing.T) {
	f := NewFilter(ModePermissive, false)
	b := NewBuffer()
	b.AddFunding(Snapshot{BaseSymbol: "BTC", Current: 0.0006})
	b.AddOI(Snapshot{BaseSymbol: "BTC", ChangePct: 0})

	res := f.Apply(b, "BTC", DirLong)
	if res.Blocked {
		t.Error("expected permissive mode to never block")
	}
}

func TestFilterApplyAdjustConfidence(t *testing.T) {
	f := NewFilter(ModePermissive, true)
	b := NewBuffer()
	b.AddFunding(Snapshot{BaseSymbol: "BTC", Current: -0.0006})
	b.AddOI(Snapshot{BaseSymbol: "BTC", ChangePct: 3})

	res := f.Apply(b, "BTC", DirLong)
	if res.Adjustment != 5 {
		t.Errorf("expected +5 adjustment for favorable combined assessment, got %v", res.Adjustment)
	}
}

func TestNewFilterDefaultsToNormalMode(t *testing.T) {
	f := NewFilter("", false)
	if f.Mode != ModeNormal {
		t.Errorf("expected empty mode to default to normal, got %v", f.Mode)
	}
}
