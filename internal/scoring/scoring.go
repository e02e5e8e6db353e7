// Package scoring implements the Scoring Router and the Snipe/Trade
// Scoring Engines (spec 4.E, 4.F). Grounded directly on
// pkg/analyzer/analyzer.go's weighted-signal accumulation pattern
// (per-bucket scoreX() helpers summed into a breakdown map), carried
// forward into a profile-parameterized gate -> bucket -> band
// pipeline shared by both engines.
package scoring

import (
	"fmt"

	"github.com/tpu-agent/core/internal/bandit"
	"github.com/tpu-agent/core/internal/metrics"
	"github.com/tpu-agent/core/internal/types"
)

// Mode selects which engine a context routes to.
type Mode string

const (
	ModeSnipe Mode = "snipe"
	ModeTrade Mode = "trade"
)

var snipeSources = map[string]struct{}{
	"firehose": {}, "snipe_trigger": {}, "amm_listen": {}, "raydium_stream": {},
}

// DecideMode applies the explicit-mode / known-source / freshness
// decision rule named in spec 4.E.
func DecideMode(ctx map[string]any) Mode {
	if m, ok := ctx["mode"].(string); ok {
		switch Mode(m) {
		case ModeSnipe, ModeTrade:
			return Mode(m)
		}
	}
	if src, ok := ctx["scanner_source"].(string); ok {
		if _, known := snipeSources[src]; known {
			return ModeSnipe
		}
	}
	if age, ok := ctx["age_minutes"].(float64); ok && age < 10 {
		return ModeSnipe
	}
	return ModeTrade
}

// ProfileSelector resolves a StrategyProfile for (mode, ctx), typically
// bandit-backed; the router falls back to it only when the caller
// hasn't already pinned a profile in the context.
type ProfileSelector func(mode Mode, ctx map[string]any) types.StrategyProfile

// ChartMemory supplies the cached chart_score/ohlcv lookup the overlay
// blends in; a nil ChartMemory degrades the overlay to a no-op rather
// than failing the scoring pass.
type ChartMemory interface {
	ChartScore(token string) float64
	Forecast(token string) (expectedReturn float64, ok bool)
}

// BucketSource derives the weighted bucket inputs (t0_flow, wallet,
// liquidity, social, chart, onchain, memory, flow) the evaluate()
// pipeline reads via bucketScore, from whatever signal history the
// librarian/feature store has accumulated for token. Score only
// consults it for buckets the caller's context hasn't already set
// explicitly, so a caller with fresher inline signals always wins.
type BucketSource interface {
	DeriveBucketScores(token string) map[string]float64
}

// Router wires the Snipe and Trade engines behind the mode decision
// and applies the chart/forecast/ML overlays on their way out.
type Router struct {
	Bandit      *bandit.Manager
	Memory      ChartMemory
	Buckets     BucketSource
	PickProfile ProfileSelector
}

// fillBucketScores backfills any "<bucket>_score" key the context
// doesn't already carry, from the Buckets source.
func (r *Router) fillBucketScores(ctx map[string]any) {
	if r.Buckets == nil {
		return
	}
	token := stringField(ctx, "token_address", "token")
	if token == "" {
		return
	}
	for bucket, score := range r.Buckets.DeriveBucketScores(token) {
		if _, exists := ctx[bucket]; !exists {
			ctx[bucket] = score
		}
	}
}

// Score runs the full pipeline: mode decision, bucket derivation,
// profile pick, engine evaluation, then the chart/forecast/ML
// overlays, clamped to [0,100].
func (r *Router) Score(ctx map[string]any) types.Verdict {
	mode := DecideMode(ctx)
	r.fillBucketScores(ctx)

	profile, ok := ctx["_profile"].(types.StrategyProfile)
	if !ok {
		if r.PickProfile != nil {
			profile = r.PickProfile(mode, ctx)
		} else {
			profile = DefaultProfile(mode)
		}
	}

	var verdict types.Verdict
	switch mode {
	case ModeSnipe:
		verdict = EvaluateSnipe(profile, ctx)
	default:
		verdict = EvaluateTrade(profile, ctx)
	}
	verdict.Strategy = string(mode)

	applyMLBlend(&verdict, ctx)
	r.applyChartOverlay(&verdict, ctx, mode)
	r.applyForecastOverlay(&verdict, ctx, mode)

	verdict.FinalScore = types.Clamp(verdict.FinalScore, 0, 100)

	if verdict.Action.IsBuySide() && r.Bandit != nil {
		verdict.Variant = r.Bandit.ChooseVariantForBand(verdict.Action, "balanced")
	}
	metrics.IncScoringVerdict(string(verdict.Action), string(mode))
	return verdict
}

func applyMLBlend(v *types.Verdict, ctx map[string]any) {
	var boost float64
	if p, ok := ctx["ml_price_pred"].(float64); ok {
		boost += p * 2.0
		v.Reasoning = append(v.Reasoning, fmt.Sprintf("ml_price_pred:%.2fx2.0=%.2f", p, p*2.0))
	}
	if rug, ok := ctx["ml_rug_pred"].(float64); ok {
		boost -= rug * 3.0
		v.Reasoning = append(v.Reasoning, fmt.Sprintf("ml_rug_pred:%.2fx-3.0=%.2f", rug, -rug*3.0))
	}
	if w, ok := ctx["ml_wallet_pred"].(float64); ok {
		boost += w * 1.5
		v.Reasoning = append(v.Reasoning, fmt.Sprintf("ml_wallet_pred:%.2fx1.5=%.2f", w, w*1.5))
	}
	if boost != 0 {
		v.FinalScore = types.Clamp(v.FinalScore+boost, 0, 100)
		v.Reasoning = append(v.Reasoning, fmt.Sprintf("ml_blended_boost:%.2f", boost))
	}
}

func (r *Router) applyChartOverlay(v *types.Verdict, ctx map[string]any, mode Mode) {
	if r.Memory == nil {
		return
	}
	token := stringField(ctx, "token_address", "token")
	if token == "" {
		return
	}
	raw := types.Clamp(r.Memory.ChartScore(token), 0, 20)
	norm := raw / 20.0

	cap := 5.0
	if mode == ModeTrade {
		cap = 8.0
	}
	boost := norm * cap
	v.FinalScore = types.Clamp(v.FinalScore+boost, 0, 100)
	v.Reasoning = append(v.Reasoning, fmt.Sprintf("chart_overlay:+%.2f(norm=%.2f,cap=%.1f)", boost, norm, cap))
}

func (r *Router) applyForecastOverlay(v *types.Verdict, ctx map[string]any, mode Mode) {
	if r.Memory == nil {
		return
	}
	token := stringField(ctx, "token_address", "token")
	if token == "" {
		return
	}
	expected, ok := r.Memory.Forecast(token)
	if !ok || expected == 0 {
		return
	}
	weight := 0.08
	if mode == ModeTrade {
		weight = 0.05
	}
	boost := expected * 100.0 * weight
	v.FinalScore = types.Clamp(v.FinalScore+boost, 0, 100)
	v.Reasoning = append(v.Reasoning, fmt.Sprintf("forecast_overlay:+%.2f%%x%.2f", expected*100, weight))
}

func stringField(ctx map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := ctx[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// DefaultProfile returns a conservative, always-valid profile for a
// given mode, used when no bandit/profile selector is wired.
func DefaultProfile(mode Mode) types.StrategyProfile {
	weights := map[string]float64{"chart": 0.2, "onchain": 0.3, "social": 0.2, "memory": 0.1, "flow": 0.2}
	if mode == ModeSnipe {
		weights = map[string]float64{"t0_flow": 0.3, "wallet": 0.25, "liquidity": 0.25, "social": 0.1, "chart": 0.1}
	}
	return types.StrategyProfile{
		Mode: string(mode),
		Name: "default",
		Gates: types.GateConfig{
			MaxHoneypotSimilarity: 0.8,
			RequireLPLock:         mode == ModeSnipe,
			MaxTaxBps:             1500,
			MaxSpreadPct:          5,
			MaxSlippagePct:        5,
			MinDepthSOL:           1,
		},
		Weights: weights,
		Thresholds: types.BandThresholds{
			IgnoreMax: 20, WatchMax: 40, EffectiveBuyMin: 55, BuyMax: 75, AggMax: 90, ProbeSplit: true,
		},
		Dynamic: types.DynamicAdjustments{
			EarlyWindowSeconds:  30,
			EarlyWindowRelief:   5,
			TrustedSourceRelief: 5,
			BundleLaunchPenalty: 15,
		},
		Sizing: types.SizingConfig{
			SizeMultMin: 0.25, SizeMultMax: 1.0, MaxWalletPct: 0.1, MaxNotional: 5, MinNotional: 0.05,
		},
	}
}

func actionForMode(mode Mode) types.Action {
	if mode == ModeSnipe {
		return types.ActionSnipe
	}
	return types.ActionBuy
}

// evaluate runs the shared gate -> bucket -> soft-addition ->
// dynamic-adjustment -> band-mapping pipeline against ctx using the
// named bucket keys, common to both EvaluateSnipe and EvaluateTrade.
func evaluate(profile types.StrategyProfile, ctx map[string]any, buckets []string) types.Verdict {
	verdict := types.Verdict{Profile: profile.Name, Thresholds: profile.Thresholds, Breakdown: map[string]float64{}}

	if reason, blocked := checkHardGates(profile.Gates, ctx); blocked {
		verdict.Action = types.ActionIgnore
		verdict.FinalScore = 0
		verdict.Reasoning = []string{"gate:" + reason}
		return verdict
	}

	var score float64
	for _, bucket := range buckets {
		v := bucketScore(bucket, ctx)
		w := profile.Weights[bucket]
		contribution := v * 10 * w // each bucket scored 0..10, weighted, summed to 0..100
		verdict.Breakdown[bucket] = contribution
		score += contribution
	}

	score += softAdditions(ctx)
	score = dynamicAdjust(score, profile.Dynamic, ctx, &verdict.Reasoning)
	score = types.Clamp(score, 0, 100)

	if ctx["freeze"] == true {
		verdict.Action = types.ActionIgnore
		verdict.FinalScore = 0
		verdict.Reasoning = append(verdict.Reasoning, "gate:global_freeze")
		return verdict
	}

	verdict.FinalScore = score
	verdict.Action = mapBand(score, profile.Thresholds)
	return verdict
}

// EvaluateSnipe scores a freshly observed mint/LP-add context across
// the snipe buckets (spec 4.F).
func EvaluateSnipe(profile types.StrategyProfile, ctx map[string]any) types.Verdict {
	v := evaluate(profile, ctx, []string{"t0_flow", "wallet", "liquidity", "social", "chart"})
	if v.Action == "" {
		v.Action = actionForMode(ModeSnipe)
	}
	return v
}

// EvaluateTrade scores an established token across the trade buckets
// (spec 4.F).
func EvaluateTrade(profile types.StrategyProfile, ctx map[string]any) types.Verdict {
	return evaluate(profile, ctx, []string{"chart", "onchain", "social", "memory", "flow"})
}

// checkHardGates enforces the profile's non-negotiable thresholds.
// Any failure is a flat rejection, never a score penalty (spec 4.F #1).
func checkHardGates(gates types.GateConfig, ctx map[string]any) (reason string, blocked bool) {
	token := stringField(ctx, "token_address", "token")
	if _, blacklisted := gates.Blacklist[token]; blacklisted {
		return "blacklisted", true
	}
	if sim, ok := ctx["honeypot_similarity"].(float64); ok && gates.MaxHoneypotSimilarity > 0 && sim >= gates.MaxHoneypotSimilarity {
		return fmt.Sprintf("honeypot_similarity:%.2f", sim), true
	}
	if gates.RequireLPLock {
		if locked, ok := ctx["lp_locked"].(bool); !ok || !locked {
			return "lp_not_locked", true
		}
	}
	if taxBps, ok := ctx["total_tax_bps_normalized"].(int); ok && gates.MaxTaxBps > 0 && taxBps > gates.MaxTaxBps {
		return fmt.Sprintf("tax_too_high:%d", taxBps), true
	}
	if spread, ok := ctx["spread_pct"].(float64); ok && gates.MaxSpreadPct > 0 && spread > gates.MaxSpreadPct {
		return fmt.Sprintf("spread_too_wide:%.2f", spread), true
	}
	if slip, ok := ctx["slippage_pct"].(float64); ok && gates.MaxSlippagePct > 0 && slip > gates.MaxSlippagePct {
		return fmt.Sprintf("slippage_too_high:%.2f", slip), true
	}
	if depth, ok := ctx["depth_sol"].(float64); ok && gates.MinDepthSOL > 0 && depth < gates.MinDepthSOL {
		return fmt.Sprintf("depth_too_thin:%.2f", depth), true
	}
	return "", false
}

// bucketScore looks up ctx["<bucket>_score"], a 0..10 raw signal
// value the upstream data sources (librarian context, chart cortex,
// social fusion) are expected to populate; missing inputs score 0
// rather than erroring, matching the tolerant style of the grounding
// source's scoreX() helpers.
func bucketScore(bucket string, ctx map[string]any) float64 {
	v, ok := ctx[bucket+"_score"].(float64)
	if !ok {
		return 0
	}
	return types.Clamp(v, 0, 10)
}

// softAdditions folds in small, individually clamped bonuses that
// aren't part of the weighted bucket blend.
func softAdditions(ctx map[string]any) float64 {
	var total float64
	for _, key := range []string{"intuition_bonus", "traits_bonus", "wallet_bonus"} {
		if v, ok := ctx[key].(float64); ok {
			total += types.Clamp(v, -5, 5)
		}
	}
	return total
}

// dynamicAdjust applies the ultra-early-window relief, trusted-source
// relief, and bundle-launch penalty (spec 4.F #4).
func dynamicAdjust(score float64, adj types.DynamicAdjustments, ctx map[string]any, reasoning *[]string) float64 {
	if ageSec, ok := ctx["age_seconds"].(float64); ok && adj.EarlyWindowSeconds > 0 && ageSec <= adj.EarlyWindowSeconds {
		score += adj.EarlyWindowRelief
		*reasoning = append(*reasoning, fmt.Sprintf("early_window_relief:+%.1f", adj.EarlyWindowRelief))
	}
	if trusted, ok := ctx["trusted_source"].(bool); ok && trusted {
		score += adj.TrustedSourceRelief
		*reasoning = append(*reasoning, fmt.Sprintf("trusted_source_relief:+%.1f", adj.TrustedSourceRelief))
	}
	if bundled, ok := ctx["bundle_launch"].(bool); ok && bundled {
		score -= adj.BundleLaunchPenalty
		*reasoning = append(*reasoning, fmt.Sprintf("bundle_launch_penalty:-%.1f", adj.BundleLaunchPenalty))
	}
	return score
}

// mapBand converts a clamped 0..100 score to an action using the
// profile's ordered thresholds (spec 4.F #7). Ties prefer the higher
// band because each branch uses a strict upper bound comparison.
func mapBand(score float64, t types.BandThresholds) types.Action {
	switch {
	case score < t.IgnoreMax:
		return types.ActionIgnore
	case score < t.WatchMax:
		return types.ActionWatch
	case score < t.EffectiveBuyMin:
		return types.ActionWatch
	case score < t.BuyMax:
		if t.ProbeSplit && score < (t.EffectiveBuyMin+t.BuyMax)/2 {
			return types.ActionProbe
		}
		return types.ActionBuy
	case score < t.AggMax:
		return types.ActionAggressiveBuy
	default:
		return types.ActionAuto
	}
}

// PickProfileWithBandit is a ProfileSelector that asks the bandit for
// an arm name and maps it onto a profile variant, falling back to
// DefaultProfile when the arm has no matching named profile (spec
// 4.E: "may select a profile via the bandit").
func PickProfileWithBandit(m *bandit.Manager, profiles map[string]types.StrategyProfile) ProfileSelector {
	return func(mode Mode, ctx map[string]any) types.StrategyProfile {
		if m == nil {
			return DefaultProfile(mode)
		}
		arm := m.ChooseStrategy()
		if p, ok := profiles[arm]; ok {
			return p
		}
		return DefaultProfile(mode)
	}
}
