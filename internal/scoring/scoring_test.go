package scoring

import (
	"testing"

	"github.com/tpu-agent/core/internal/types"
)

func TestDecideModeExplicit(t *testing.T) {
	if got := DecideMode(map[string]any{"mode": "snipe"}); got != ModeSnipe {
		t.Errorf("explicit mode: got %s, want snipe", got)
	}
}

func TestDecideModeKnownSource(t *testing.T) {
	if got := DecideMode(map[string]any{"scanner_source": "firehose"}); got != ModeSnipe {
		t.Errorf("known source: got %s, want snipe", got)
	}
}

func TestDecideModeFreshness(t *testing.T) {
	if got := DecideMode(map[string]any{"age_minutes": 5.0}); got != ModeSnipe {
		t.Errorf("fresh token: got %s, want snipe", got)
	}
	if got := DecideMode(map[string]any{"age_minutes": 60.0}); got != ModeTrade {
		t.Errorf("stale token: got %s, want trade", got)
	}
}

func TestDecideModeDefaultsToTrade(t *testing.T) {
	if got := DecideMode(map[string]any{}); got != ModeTrade {
		t.Errorf("empty ctx: got %s, want trade", got)
	}
}

func TestHardGateBlocksBeforeScoring(t *testing.T) {
	profile := DefaultProfile(ModeSnipe)
	ctx := map[string]any{
		"token_address":       "TBad",
		"lp_locked":           false,
		"t0_flow_score":       10.0,
		"wallet_score":        10.0,
	}
	v := EvaluateSnipe(profile, ctx)
	if v.Action != types.ActionIgnore || v.FinalScore != 0 {
		t.Fatalf("expected a gate rejection to force ignore/0, got %+v", v)
	}
}

func TestScoreClampedToHundred(t *testing.T) {
	profile := DefaultProfile(ModeTrade)
	profile.Gates = types.GateConfig{} // no hard gates for this test
	ctx := map[string]any{
		"lp_locked":       true,
		"chart_score":     10.0,
		"onchain_score":   10.0,
		"social_score":    10.0,
		"memory_score":    10.0,
		"flow_score":      10.0,
		"intuition_bonus": 5.0,
		"traits_bonus":    5.0,
		"wallet_bonus":    5.0,
	}
	v := EvaluateTrade(profile, ctx)
	if v.FinalScore > 100 {
		t.Fatalf("final score %v exceeds the 0..100 clamp", v.FinalScore)
	}
}

func TestScoreNeverNegative(t *testing.T) {
	profile := DefaultProfile(ModeTrade)
	profile.Gates = types.GateConfig{}
	ctx := map[string]any{"bundle_launch": true}
	v := EvaluateTrade(profile, ctx)
	if v.FinalScore < 0 {
		t.Fatalf("final score %v below the 0..100 clamp", v.FinalScore)
	}
}

func TestBandMonotonicity(t *testing.T) {
	thresholds := DefaultProfile(ModeTrade).Thresholds
	scores := []float64{0, 10, 25, 45, 60, 70, 85, 95}
	bandRank := map[types.Action]int{
		types.ActionIgnore: 0, types.ActionWatch: 1, types.ActionProbe: 2,
		types.ActionBuy: 3, types.ActionAggressiveBuy: 4, types.ActionAuto: 5,
	}
	prevRank := -1
	for _, s := range scores {
		band := mapBand(s, thresholds)
		rank := bandRank[band]
		if rank < prevRank {
			t.Errorf("band regressed at score=%v: rank %d < previous %d", s, rank, prevRank)
		}
		prevRank = rank
	}
}

func TestBandThresholdsValidForDefaultProfiles(t *testing.T) {
	for _, mode := range []Mode{ModeSnipe, ModeTrade} {
		if !DefaultProfile(mode).Thresholds.Valid() {
			t.Errorf("%s default profile has invalid band ordering", mode)
		}
	}
}

func TestMLBlendAppliesWeightedBoost(t *testing.T) {
	v := &types.Verdict{FinalScore: 50}
	applyMLBlend(v, map[string]any{"ml_price_pred": 1.0, "ml_rug_pred": 0.0, "ml_wallet_pred": 0.0})
	if v.FinalScore != 52 {
		t.Errorf("expected +2 ml_price_pred boost, got final score %v", v.FinalScore)
	}
}

func TestMLBlendRugPredictionPenalizes(t *testing.T) {
	v := &types.Verdict{FinalScore: 50}
	applyMLBlend(v, map[string]any{"ml_rug_pred": 1.0})
	if v.FinalScore != 47 {
		t.Errorf("expected -3 ml_rug_pred penalty, got final score %v", v.FinalScore)
	}
}

func TestRouterScoreEndToEnd(t *testing.T) {
	r := &Router{}
	ctx := map[string]any{
		"scanner_source": "firehose",
		"lp_locked":      true,
		"t0_flow_score":  8.0,
		"wallet_score":   7.0,
		"liquidity_score": 6.0,
	}
	v := r.Score(ctx)
	if v.Strategy != string(ModeSnipe) {
		t.Errorf("expected snipe mode routing, got %s", v.Strategy)
	}
	if v.FinalScore < 0 || v.FinalScore > 100 {
		t.Errorf("final score out of range: %v", v.FinalScore)
	}
}

type fakeBucketSource struct {
	scores map[string]float64
	calls  int
}

func (f *fakeBucketSource) DeriveBucketScores(token string) map[string]float64 {
	f.calls++
	return f.scores
}

func TestScoreFillsMissingBucketsFromSource(t *testing.T) {
	buckets := &fakeBucketSource{scores: map[string]float64{"wallet_score": 90.0, "t0_flow_score": 80.0}}
	r := &Router{Buckets: buckets}
	ctx := map[string]any{"token_address": "T1", "scanner_source": "firehose"}

	r.Score(ctx)

	if buckets.calls != 1 {
		t.Fatalf("expected DeriveBucketScores called once, got %d", buckets.calls)
	}
	if ctx["wallet_score"] != 90.0 {
		t.Errorf("expected wallet_score backfilled from source, got %v", ctx["wallet_score"])
	}
}

func TestScoreNeverOverridesExplicitBucketScore(t *testing.T) {
	buckets := &fakeBucketSource{scores: map[string]float64{"wallet_score": 90.0}}
	r := &Router{Buckets: buckets}
	ctx := map[string]any{"token_address": "T1", "scanner_source": "firehose", "wallet_score": 5.0}

	r.Score(ctx)

	if ctx["wallet_score"] != 5.0 {
		t.Errorf("expected caller-supplied wallet_score to win, got %v", ctx["wallet_score"])
	}
}
