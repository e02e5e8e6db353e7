// Package types holds the domain entities shared across the agent's
// pipeline: trades, bars, token/wallet records, signals, positions,
// bandit arms, and strategy profiles.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ValidateAddress enforces the base58 32-44 char mint/wallet/signature
// invariant by routing through the real SDK parser instead of a
// hand-rolled regex.
func ValidateAddress(s string) (solana.PublicKey, error) {
	if len(s) < 32 || len(s) > 44 {
		return solana.PublicKey{}, fmt.Errorf("address %q: invalid length", s)
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("address %q: %w", s, err)
	}
	return pk, nil
}

// TradeEvent is produced by the firehose decoder and consumed by the
// OHLCV builder, the librarian, and the scoring engines.
type TradeEvent struct {
	TokenMint string
	TS        time.Time
	Price     float64
	Amount    float64
}

// Bar is one OHLCV candle for (token, interval). Invariant: Low <=
// Open,Close <= High; Volume >= 0; bars are strictly ordered by
// BucketStart within a series.
type Bar struct {
	BucketStart time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	Trades      int
}

// EventKind classifies a stream or social event.
type EventKind string

const (
	EventMintInit    EventKind = "mint_init"
	EventLPAdd       EventKind = "lp_add"
	EventSwap        EventKind = "swap"
	EventTransfer    EventKind = "transfer"
	EventSocialPost  EventKind = "social_post"
	EventPoolUpdate  EventKind = "pool_update"
	EventLPUnlock    EventKind = "lp_unlock"
	EventVaultDrain  EventKind = "vault_drain"
	EventHoneypot    EventKind = "honeypot_detected"
)

// MaxTokenEvents and MaxWalletEvents bound the FIFO event rings
// carried by TokenRecord and WalletRecord (spec 9: "every ring must
// be bounded").
const (
	MaxTokenEvents  = 500
	MaxWalletEvents = 500
	MaxTradeRing    = 10000
	MaxTrailingSamp = 500
)

// TokenRecord is the librarian's per-mint index entry.
type TokenRecord struct {
	Mint     string
	Tags     map[string]struct{}
	Scanners map[string]struct{}
	Meta     map[string]any
	Events   []SignalEvent // bounded FIFO, see MaxTokenEvents
	LastTS   time.Time
	Scores   []float64
}

// NewTokenRecord returns an empty, ready-to-mutate record.
func NewTokenRecord(mint string) *TokenRecord {
	return &TokenRecord{
		Mint:     mint,
		Tags:     make(map[string]struct{}),
		Scanners: make(map[string]struct{}),
		Meta:     make(map[string]any),
	}
}

// PushEvent appends with FIFO eviction at MaxTokenEvents.
func (t *TokenRecord) PushEvent(e SignalEvent) {
	t.Events = append(t.Events, e)
	if len(t.Events) > MaxTokenEvents {
		t.Events = t.Events[len(t.Events)-MaxTokenEvents:]
	}
	t.LastTS = e.TS
}

// WalletRecord mirrors TokenRecord's semantics for a wallet address.
type WalletRecord struct {
	Address  string
	Tags     map[string]struct{}
	Clusters map[string]struct{}
	Meta     map[string]any
	Events   []SignalEvent // bounded FIFO, see MaxWalletEvents
	LastTS   time.Time
}

// NewWalletRecord returns an empty, ready-to-mutate record.
func NewWalletRecord(addr string) *WalletRecord {
	return &WalletRecord{
		Address:  addr,
		Tags:     make(map[string]struct{}),
		Clusters: make(map[string]struct{}),
		Meta:     make(map[string]any),
	}
}

// PushEvent appends with FIFO eviction at MaxWalletEvents.
func (w *WalletRecord) PushEvent(e SignalEvent) {
	w.Events = append(w.Events, e)
	if len(w.Events) > MaxWalletEvents {
		w.Events = w.Events[len(w.Events)-MaxWalletEvents:]
	}
	w.LastTS = e.TS
}

// SignalEvent is the librarian's archived, normalized unit of signal.
// Archived to <Genre>/YYYY/MM/DD.jsonl.
type SignalEvent struct {
	Kind    EventKind      `json:"kind"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload"`
	Tags    []string       `json:"tags"`
	Genre   string         `json:"genre"`
	Topics  []string       `json:"topics,omitempty"`
	Token   string         `json:"token,omitempty"`
	Wallet  string         `json:"wallet,omitempty"`
	// Signature, when present, is used for idempotent re-ingestion.
	Signature string `json:"signature,omitempty"`
}

// PositionStatus enumerates a Position's lifecycle state.
type PositionStatus string

const (
	PositionHolding PositionStatus = "holding"
	PositionClosed  PositionStatus = "closed"
)

// Position tracks a single open (or closed) holding.
type Position struct {
	Wallet     string
	Token      string
	Amount     float64
	EntryPrice float64
	EntryTS    time.Time
	StrategyID string
	Status     PositionStatus
	LPAccounts map[string]struct{}
}

// Key returns the (wallet, token) identity used to enforce
// at-most-one-monitor-per-position.
func (p *Position) Key() string { return p.Wallet + ":" + p.Token }

// TrailingState is owned exclusively by the auto-sell monitor.
type TrailingState struct {
	Peak               float64
	Anchor             float64
	Prices             []float64 // bounded, see MaxTrailingSamp
	Timestamps         []time.Time
	BreakevenLiftDone  bool
	StartedAt          time.Time
}

// PushPrice appends with FIFO eviction at MaxTrailingSamp.
func (t *TrailingState) PushPrice(p float64, ts time.Time) {
	t.Prices = append(t.Prices, p)
	t.Timestamps = append(t.Timestamps, ts)
	if len(t.Prices) > MaxTrailingSamp {
		t.Prices = t.Prices[len(t.Prices)-MaxTrailingSamp:]
		t.Timestamps = t.Timestamps[len(t.Timestamps)-MaxTrailingSamp:]
	}
	if p > t.Peak {
		t.Peak = p
	}
}

// FeatureRowKind enumerates the Feature Store's event kinds.
type FeatureRowKind string

const (
	FeatureTrade          FeatureRowKind = "trade"
	FeatureSignal         FeatureRowKind = "signal"
	FeatureDecision       FeatureRowKind = "decision"
	FeaturePnLSnapshot    FeatureRowKind = "pnl_snapshot"
	FeatureWallet         FeatureRowKind = "wallet"
	FeatureToken          FeatureRowKind = "token"
	FeatureStrategyWeight FeatureRowKind = "strategy_weight"
	FeatureSentiment      FeatureRowKind = "sentiment"
	FeatureVolume         FeatureRowKind = "volume"
	FeatureCortex         FeatureRowKind = "cortex"
)

// FeatureRow is immutable once written.
type FeatureRow struct {
	Kind    FeatureRowKind `json:"kind"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload"`
	Tags    []string       `json:"tags,omitempty"`
}

// BanditArm is updated atomically per reward ingestion via Welford's
// online mean/variance algorithm.
type BanditArm struct {
	Name        string
	Pulls       int
	TotalReward float64
	MeanReward  float64
	M2          float64 // Welford variance accumulator
	LastUpdated time.Time
}

// Update folds one clamped reward into the arm's running statistics.
func (a *BanditArm) Update(reward float64, now time.Time) {
	a.Pulls++
	a.TotalReward += reward
	delta := reward - a.MeanReward
	a.MeanReward += delta / float64(a.Pulls)
	delta2 := reward - a.MeanReward
	a.M2 += delta * delta2
	a.LastUpdated = now
}

// Variance returns the sample variance, defaulting to 1.0 before two
// pulls (matches the bandit's cold-start convention).
func (a *BanditArm) Variance() float64 {
	if a.Pulls > 1 {
		return a.M2 / float64(a.Pulls-1)
	}
	return 1.0
}

// Decision enumerates DecisionRecord.Decision.
type Decision string

const (
	DecisionEnter Decision = "enter"
	DecisionSkip  Decision = "skip"
	DecisionExit  Decision = "exit"
)

// DecisionRecord is the causal layer's audit trail entry. ID is a
// uuid rather than a counter so records merge cleanly across shards.
type DecisionRecord struct {
	ID         string
	TS         time.Time
	Token      string
	Decision   Decision
	Confidence float64
	FusedScore float64
	Signals    map[string]any
	Outcome    *string
	PnL        *float64
	HoldS      *float64
}

// StrategyProfile parameterizes a scoring engine run. Identified by
// (Mode, Name), e.g. "snipe"/"t0_liquidity".
type StrategyProfile struct {
	Mode       string
	Name       string
	Gates      GateConfig
	Weights    map[string]float64 // bucket -> weight
	Thresholds BandThresholds
	Dynamic    DynamicAdjustments
	Sizing     SizingConfig
}

// GateConfig lists the hard gate thresholds a profile enforces.
type GateConfig struct {
	Blacklist              map[string]struct{}
	MaxHoneypotSimilarity  float64
	RequireLPLock          bool
	MaxTaxBps              int
	MaxSpreadPct           float64
	MaxSlippagePct         float64
	MinDepthSOL            float64
}

// BandThresholds defines the ordered action bands. Invariant:
// IgnoreMax < WatchMax <= EffectiveBuyMin <= BuyMax < AggMax < 100.
type BandThresholds struct {
	IgnoreMax       float64
	WatchMax        float64
	EffectiveBuyMin float64
	BuyMax          float64
	AggMax          float64
	ProbeSplit      bool
}

// Valid reports whether the band ordering invariant holds.
func (b BandThresholds) Valid() bool {
	return b.IgnoreMax < b.WatchMax &&
		b.WatchMax <= b.EffectiveBuyMin &&
		b.EffectiveBuyMin <= b.BuyMax &&
		b.BuyMax < b.AggMax &&
		b.AggMax < 100
}

// DynamicAdjustments captures the relief/penalty knobs applied after
// bucket scoring.
type DynamicAdjustments struct {
	EarlyWindowSeconds   float64
	EarlyWindowRelief    float64
	TrustedSourceRelief  float64
	BundleLaunchPenalty  float64
}

// SizingConfig holds position-sizing parameters used by the executor.
type SizingConfig struct {
	SizeMultMin   float64
	SizeMultMax   float64
	MaxWalletPct  float64
	MaxNotional   float64
	MinNotional   float64
}

// Action enumerates the final scoring verdict actions.
type Action string

const (
	ActionIgnore         Action = "ignore"
	ActionWatch          Action = "watch"
	ActionProbe          Action = "probe"
	ActionBuy            Action = "buy"
	ActionSnipe          Action = "snipe"
	ActionAggressiveBuy  Action = "aggressive_buy"
	ActionAuto           Action = "auto"
)

// IsBuySide reports whether an action should receive an execution
// variant from the bandit.
func (a Action) IsBuySide() bool {
	switch a {
	case ActionProbe, ActionBuy, ActionSnipe, ActionAggressiveBuy, ActionAuto:
		return true
	default:
		return false
	}
}

// Variant is the concrete execution plan a buy-side band attaches.
type Variant struct {
	ID     string
	Size   float64
	Ladder []float64
	Route  string
	Arm    string
}

// Verdict is what a scoring engine returns.
type Verdict struct {
	FinalScore float64
	Action     Action
	Reasoning  []string
	Strategy   string
	Breakdown  map[string]float64
	Profile    string
	Thresholds BandThresholds
	Variant    *Variant
}

// Clamp restricts v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NormalizeTaxBps resolves the Open Question on tax/fee field naming:
// every variant name collapses to a single canonical basis-points
// integer at ingestion.
func NormalizeTaxBps(payload map[string]any) int {
	candidates := []string{"total_tax_bps", "total_tax", "buy_fee", "sell_fee", "tax_bps"}
	for _, key := range candidates {
		v, ok := payload[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			// Fractional fields (e.g. 0.05) are fee fractions, not bps.
			if n < 1 && strings.Contains(key, "fee") {
				return int(n * 10000)
			}
			return int(n)
		}
	}
	return 0
}
