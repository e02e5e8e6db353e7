// Package executor implements the Trade Executor (spec 4.H): pre-trade
// scoring and gating, wallet selection, AMM-vs-aggregator path choice,
// impact-aware split orders, and post-fill position bookkeeping.
// Grounded on pkg/scanner/rpc.go's RPC-call-then-bookkeeping shape,
// now directed through the real solana-go-backed internal/chainrpc
// surface instead of hand-rolled JSON-RPC, and on
// original_source/tpu/exec/*'s buy/sell/split-order operations for the
// exact sizing and split-leg formulas.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/tpu-agent/core/internal/chainrpc"
	"github.com/tpu-agent/core/internal/featurestore"
	"github.com/tpu-agent/core/internal/metrics"
	"github.com/tpu-agent/core/internal/types"
)

// Quote is what a Route returns for a prospective swap.
type Quote struct {
	ExpectedOut     float64
	PriceImpactPct  float64
	MinOutAfterSlip float64
}

// Route abstracts a concrete swap path (direct AMM pool vs aggregator
// API). The executor never constructs raw instructions itself — that
// stays with the out-of-scope collaborator that owns the wallet
// signer, matching the "Web3 RPC session bootstrapping" Non-goal.
type Route interface {
	Name() string
	Quote(ctx context.Context, token string, amountSOL float64) (Quote, error)
	BuildSwap(ctx context.Context, token string, amountSOL float64, minOut float64) ([]byte, error)
}

// WalletRotator picks which wallet executes a given trade.
type WalletRotator interface {
	Pick(strategy string) (wallet solana.PublicKey, err error)
}

// Scorer is the narrow capability the executor calls into before
// trading (internal/scoring.Router in production).
type Scorer interface {
	Score(ctx map[string]any) types.Verdict
}

// PositionStore is the narrow capability the executor uses to tag a
// token once a position on it opens — internal/librarian in
// production, kept as an interface to respect the one-way ownership
// redesign note. Open positions themselves live in the executor.
type PositionStore interface {
	TagToken(token, tag string)
}

// Config mirrors the sizing/impact knobs named in spec 4.H.
type Config struct {
	SplitOrderThresholdSOL float64
	MaxPriceImpactPct      float64
	SlippageBps            int
	LegPauseMS             int
	ConfirmRetries         int
	ConfirmInterval        time.Duration
	BuyCooldown            time.Duration
}

func DefaultConfig() Config {
	return Config{
		SplitOrderThresholdSOL: 2.0,
		MaxPriceImpactPct:      3.0,
		SlippageBps:            150,
		LegPauseMS:             250,
		ConfirmRetries:         20,
		ConfirmInterval:        500 * time.Millisecond,
		BuyCooldown:            300 * time.Second,
	}
}

// Executor owns wallet selection, route choice, and position
// bookkeeping.
type Executor struct {
	cfg Config

	ammRoute        Route
	aggregatorRoute Route
	rotator         WalletRotator
	scorer          Scorer
	store           PositionStore
	features        *featurestore.Store
	rpc             *chainrpc.Client // nil in tests that don't exercise pool/ATA watches

	positions map[string]*types.Position       // keyed by Position.Key()
	watches   map[string][]*chainrpc.Subscription // keyed by Position.Key()
	lastBuyAt map[string]time.Time             // keyed by token, cooldown gate

	OnFill func(pos *types.Position)
	OnExit func(pos *types.Position, reason string, pnlSOL float64)
}

// New wires an Executor's collaborators at construction time. rpc may
// be nil, which disables pool/ATA account watches but leaves buy/sell
// fully functional — useful in tests that stub Route directly.
func New(cfg Config, amm, aggregator Route, rotator WalletRotator, scorer Scorer, store PositionStore, features *featurestore.Store, rpc *chainrpc.Client) *Executor {
	return &Executor{
		cfg: cfg, ammRoute: amm, aggregatorRoute: aggregator,
		rotator: rotator, scorer: scorer, store: store, features: features, rpc: rpc,
		positions: make(map[string]*types.Position),
		watches:   make(map[string][]*chainrpc.Subscription),
		lastBuyAt: make(map[string]time.Time),
	}
}

// cooldownActive reports whether token was bought within cfg.BuyCooldown,
// the mutex-free single-writer equivalent of GoPolymarket's risk-manager
// per-symbol cooldown gate, adapted from notional risk limits to repeat-buy
// suppression on a single token.
func (e *Executor) cooldownActive(token string) bool {
	if e.cfg.BuyCooldown <= 0 {
		return false
	}
	last, ok := e.lastBuyAt[token]
	return ok && time.Since(last) < e.cfg.BuyCooldown
}

// defaultSizing is used when a scoring verdict's context carries no
// profile-specific sizing config, matching scoring.DefaultProfile's
// own sizing knobs so the two stay in lockstep.
var defaultSizing = types.SizingConfig{
	SizeMultMin: 0.25, SizeMultMax: 1.0, MaxWalletPct: 0.1, MaxNotional: 5, MinNotional: 0.05,
}

// sizeAmount applies the score-scaled, portfolio-capped sizing formula
// from spec 4.H: scale = size_mult_min + (size_mult_max-size_mult_min)*score/100,
// capped by wallet balance and max_notional, floored by min_notional.
func sizeAmount(sizing types.SizingConfig, score, targetSOL, walletBalanceSOL float64) (amount float64, skip bool) {
	scale := sizing.SizeMultMin + (sizing.SizeMultMax-sizing.SizeMultMin)*score/100.0
	scaled := scale * targetSOL

	cap := scaled
	if walletCap := walletBalanceSOL * sizing.MaxWalletPct; walletCap < cap {
		cap = walletCap
	}
	if sizing.MaxNotional > 0 && sizing.MaxNotional < cap {
		cap = sizing.MaxNotional
	}
	if cap < sizing.MinNotional {
		return 0, true
	}
	return cap, false
}

const lamportsPerSOL = 1_000_000_000

// walletBalanceSOL queries the live SOL balance via chainrpc, the one
// point where lamports convert to the float64-SOL domain the rest of
// the executor works in. Falls back to a conservative heuristic
// (10x the trade's base amount) when no RPC client is wired, so the
// sizing math still has a sane cap to work against.
func (e *Executor) walletBalanceSOL(ctx context.Context, wallet solana.PublicKey, baseAmountSOL float64) float64 {
	if e.rpc == nil {
		return baseAmountSOL * 10
	}
	lamports, err := e.rpc.GetBalance(ctx, wallet, chainrpc.CommitmentConfirmed)
	if err != nil {
		log.Warn().Err(err).Str("wallet", wallet.String()).Msg("executor: balance lookup failed, using heuristic cap")
		return baseAmountSOL * 10
	}
	return float64(lamports) / lamportsPerSOL
}

// chooseRoute picks the fast-AMM direct path for snipe-origin flow,
// aggregator otherwise (spec 4.H: "Execution path selection").
func (e *Executor) chooseRoute(scannerSource string, verdict types.Verdict) Route {
	fastSources := map[string]bool{"firehose": true, "snipe_trigger": true, "amm_listen": true, "raydium_stream": true}
	if fastSources[scannerSource] || verdict.Action == types.ActionSnipe {
		if e.ammRoute != nil {
			return e.ammRoute
		}
	}
	return e.aggregatorRoute
}

// BuyToken scores the context, sizes, picks a route and wallet, splits
// the order if price impact or size demands it, and on success tracks
// a new position (spec 4.H: BuyToken).
func (e *Executor) BuyToken(ctx context.Context, token string, baseAmountSOL float64, ctxOverrides map[string]any, scannerSource string) (*types.Position, error) {
	scoreCtx := map[string]any{"token_address": token, "scanner_source": scannerSource}
	for k, v := range ctxOverrides {
		scoreCtx[k] = v
	}
	verdict := e.scorer.Score(scoreCtx)

	if !verdict.Action.IsBuySide() {
		return nil, fmt.Errorf("executor: verdict %s is not buy-side for %s", verdict.Action, token)
	}
	if e.cooldownActive(token) {
		return nil, fmt.Errorf("executor: %s is within the buy cooldown window", token)
	}

	sizing, ok := scoreCtx["_sizing"].(types.SizingConfig)
	if !ok {
		sizing = defaultSizing
	}

	wallet, err := e.rotator.Pick(verdict.Strategy)
	if err != nil {
		return nil, fmt.Errorf("executor: wallet rotation: %w", err)
	}
	balanceSOL := e.walletBalanceSOL(ctx, wallet, baseAmountSOL)

	amount, skip := sizeAmount(sizing, verdict.FinalScore, baseAmountSOL, balanceSOL)
	if skip {
		return nil, fmt.Errorf("executor: sized amount for %s below min_notional", token)
	}

	route := e.chooseRoute(scannerSource, verdict)
	if route == nil {
		return nil, fmt.Errorf("executor: no route configured for %s", token)
	}

	quote, err := route.Quote(ctx, token, amount)
	if err != nil {
		return nil, fmt.Errorf("executor: quote: %w", err)
	}

	legs := splitLegs(amount, quote.PriceImpactPct, e.cfg.SplitOrderThresholdSOL, e.cfg.MaxPriceImpactPct)
	if len(legs) > 1 {
		metrics.IncSplitOrder()
	}

	var filled float64
	var lastErr error
	for i, leg := range legs {
		if _, err := route.BuildSwap(ctx, token, leg, quote.MinOutAfterSlip*(leg/amount)); err != nil {
			lastErr = fmt.Errorf("executor: leg %d/%d failed: %w", i+1, len(legs), err)
			break
		}
		filled += leg
		if i < len(legs)-1 {
			time.Sleep(time.Duration(e.cfg.LegPauseMS) * time.Millisecond)
		}
	}
	if filled == 0 {
		return nil, lastErr
	}
	if lastErr != nil {
		log.Warn().Err(lastErr).Str("token", token).Msg("executor: partial fill on split order")
	}

	pos := &types.Position{
		Wallet: wallet.String(), Token: token, Amount: filled,
		EntryPrice: baseAmountSOL / filled, EntryTS: time.Now(),
		StrategyID: verdict.Strategy, Status: types.PositionHolding,
		LPAccounts: make(map[string]struct{}),
	}
	e.positions[pos.Key()] = pos
	e.lastBuyAt[token] = time.Now()
	e.subscribePoolAndATA(ctx, pos)

	metrics.IncExecutorTrade("buy", "filled")
	if e.store != nil {
		e.store.TagToken(token, "position_open")
	}
	if e.OnFill != nil {
		e.OnFill(pos)
	}
	return pos, nil
}

// subscribePoolAndATA opens one account subscription, on the
// position's token mint, through the RPC client surface; each update
// counts as a pool_update router metric. Pool/vault accounts and the
// wallet's associated token account are not subscribed.
func (e *Executor) subscribePoolAndATA(ctx context.Context, pos *types.Position) {
	if e.rpc == nil {
		return
	}
	mint, err := chainrpc.ValidateAddress(pos.Token)
	if err != nil {
		log.Warn().Err(err).Str("token", pos.Token).Msg("executor: skipping pool watch, invalid mint")
		return
	}
	sub, err := e.rpc.AccountSubscribe(ctx, mint, func(data []byte) {
		metrics.IncRouterEvent("pool_update")
	})
	if err != nil {
		log.Warn().Err(err).Str("token", pos.Token).Msg("executor: pool watch subscription failed")
		return
	}
	e.watches[pos.Key()] = append(e.watches[pos.Key()], sub)
}

func (e *Executor) teardownWatches(pos *types.Position) {
	for _, sub := range e.watches[pos.Key()] {
		sub.Close()
	}
	delete(e.watches, pos.Key())
}

// SellToken resolves the position's (or an explicitly given) amount,
// executes the swap, records PnL and the bandit reward via the
// Feature Store, and removes the position (spec 4.H: SellToken).
func (e *Executor) SellToken(ctx context.Context, token, wallet string, amountOverride float64, currentPrice, slipBps float64) (pnlSOL float64, err error) {
	key := wallet + ":" + token
	pos, ok := e.positions[key]
	if !ok {
		return 0, fmt.Errorf("executor: no open position for %s", key)
	}

	amount := pos.Amount
	if amountOverride > 0 {
		amount = amountOverride
	}

	route := e.aggregatorRoute
	if route == nil {
		route = e.ammRoute
	}
	if route == nil {
		return 0, fmt.Errorf("executor: no route configured for sell of %s", token)
	}

	if _, err := route.BuildSwap(ctx, token, -amount, 0); err != nil {
		return 0, fmt.Errorf("executor: sell swap failed: %w", err)
	}

	pnlSOL = (currentPrice - pos.EntryPrice) * amount
	holdSeconds := time.Since(pos.EntryTS).Seconds()
	pnlPct := 0.0
	if pos.EntryPrice > 0 {
		pnlPct = (currentPrice - pos.EntryPrice) / pos.EntryPrice * 100
	}

	if e.features != nil {
		if err := e.features.RecordOutcome(pos.StrategyID, token, pnlPct, slipBps, holdSeconds); err != nil {
			log.Warn().Err(err).Msg("executor: failed to record trade outcome")
		}
	}

	pos.Status = types.PositionClosed
	delete(e.positions, key)
	e.teardownWatches(pos)
	metrics.IncExecutorTrade("sell", "filled")
	if e.OnExit != nil {
		e.OnExit(pos, "manual_sell", pnlSOL)
	}
	return pnlSOL, nil
}

// HandleStreamAlert reacts to {lp_unlock, vault_drain, honeypot_detected}
// by exiting every holder wallet's full balance with an annotated
// reason (spec 4.H: Stream alerts).
func (e *Executor) HandleStreamAlert(ctx context.Context, token, reason string, currentPrice float64) {
	for key, pos := range e.positions {
		if pos.Token != token || pos.Status != types.PositionHolding {
			continue
		}
		pnl, err := e.SellToken(ctx, token, pos.Wallet, 0, currentPrice, 0)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Str("reason", reason).Msg("executor: stream-alert exit failed")
			continue
		}
		log.Warn().Str("token", token).Str("reason", reason).Float64("pnl_sol", pnl).Msg("executor: exited position on stream alert")
	}
}

// Position looks up a tracked open position by (wallet, token).
func (e *Executor) Position(wallet, token string) (*types.Position, bool) {
	pos, ok := e.positions[wallet+":"+token]
	return pos, ok
}

// splitLegs implements the impact-aware split-order rule (spec 4.H):
// 2 legs (60/40) or 3 legs (40/30/30) when impact or size crosses the
// configured thresholds, a single leg otherwise.
func splitLegs(amount, impactPct, sizeThreshold, maxImpactPct float64) []float64 {
	switch {
	case impactPct > maxImpactPct*1.5 || amount >= sizeThreshold*1.5:
		return []float64{amount * 0.4, amount * 0.3, amount * 0.3}
	case impactPct > maxImpactPct || amount >= sizeThreshold:
		return []float64{amount * 0.6, amount * 0.4}
	default:
		return []float64{amount}
	}
}
