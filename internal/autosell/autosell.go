// Package autosell implements the Auto-Sell Monitor: one cancellable
// trailing-stop task per open position, watching for a dynamic trailing
// stop, RSI/EMA momentum reversal, rug/honeypot signals, or a
// time-weighted profit deadline. Grounded on
// pkg/monitor/fresh_wallet.go's mutex-guarded map-of-watches plus
// ticker-loop-and-copy-then-iterate shape, generalized from wallet
// watches to per-position trailing state.
package autosell

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rs/zerolog/log"

	"github.com/tpu-agent/core/internal/indicators"
	"github.com/tpu-agent/core/internal/metrics"
	"github.com/tpu-agent/core/internal/types"
)

// PriceFeed is the narrow capability the monitor needs to read a
// token's current price. Satisfied by the firehose's bar cache or a
// polling RPC price lookup in production.
type PriceFeed interface {
	Price(ctx context.Context, token string) (float64, bool)
}

// RugGuard flags rug and honeypot behavior for a token mid-monitor.
type RugGuard interface {
	IsRugging(token string, price float64, prices []float64) bool
	IsHoneypot(token string) bool
}

// Seller executes the exit trade and records the outcome for the
// feature store / bandit reward pipeline (internal/executor in
// production).
type Seller interface {
	SellToken(ctx context.Context, token, wallet string, amountOverride, currentPrice, slipBps float64) (pnlSOL float64, err error)
}

// Blacklister marks a mint as unsafe once a honeypot is confirmed.
type Blacklister interface {
	TagToken(token, tag string)
}

// Config mirrors the trailing-stop knobs named in spec 4.I.
type Config struct {
	TickInterval       time.Duration
	DropPct            float64 // base trailing drop, e.g. 0.10
	TriggerPct         float64 // profit required before the trailing stop arms, e.g. 0.20
	DynamicWindow      int     // recent-price window for volatility pressure
	DynamicSensitivity float64
	MaxDynamicDrop     float64 // cap on the volatility-scaled drop, e.g. 0.25
	BreakevenLiftAtPct float64
	TimeWeightedExitS  time.Duration
	MinProfitPct       float64 // required profit for the time-weighted exit
	MaxConcurrent      int64   // semaphore width, default 10
}

func DefaultConfig() Config {
	return Config{
		TickInterval:       2 * time.Second,
		DropPct:            0.10,
		TriggerPct:         0.20,
		DynamicWindow:      30,
		DynamicSensitivity: 0.75,
		MaxDynamicDrop:     0.25,
		BreakevenLiftAtPct: 0.10,
		TimeWeightedExitS:  180 * time.Second,
		MinProfitPct:       0.30,
		MaxConcurrent:      10,
	}
}

// ExitReason enumerates why a monitored position was force-sold.
type ExitReason string

const (
	ExitRugDetected       ExitReason = "rug_detected"
	ExitHoneypot          ExitReason = "honeypot"
	ExitTrailingStop      ExitReason = "trailing_stop_triggered"
	ExitRSIDrop           ExitReason = "rsi_drop_detected"
	ExitEMAReversal       ExitReason = "ema_reversal"
	ExitTimeWeighted      ExitReason = "time_weighted_exit"
	ExitManualCancel      ExitReason = "cancelled"
)

// Insight is the per-tick diagnostic snapshot, also used as the record
// written alongside a trade-feedback entry.
type Insight struct {
	Token           string
	Price           float64
	BoughtAt        float64
	Peak            float64
	RSI             float64
	HasRSI          bool
	EMATail         []float64
	DropFromPeakPct float64
	DynamicDropPct  float64
	ProfitPct       float64
	ElapsedS        float64
}

// Monitor supervises one trailing-stop task per open position.
type Monitor struct {
	cfg   Config
	feed  PriceFeed
	guard RugGuard
	sell  Seller
	store Blacklister
	sem   *semaphore.Weighted

	mu    sync.Mutex
	tasks map[string]context.CancelFunc // keyed by Position.Key()

	// OnExit fires after a position is force-sold, carrying the final
	// insight snapshot and exit reason.
	OnExit func(pos *types.Position, reason ExitReason, insight Insight)
}

func New(cfg Config, feed PriceFeed, guard RugGuard, sell Seller, store Blacklister) *Monitor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	return &Monitor{
		cfg: cfg, feed: feed, guard: guard, sell: sell, store: store,
		sem:   semaphore.NewWeighted(cfg.MaxConcurrent),
		tasks: make(map[string]context.CancelFunc),
	}
}

// Watch starts the trailing-stop task for pos. It is idempotent: if a
// task for the same (wallet, token) is already running, that task is
// kept and no second one is started. The task's context is derived
// from parent and ends when the position exits or parent is cancelled.
func (m *Monitor) Watch(parent context.Context, pos *types.Position) {
	key := pos.Key()

	m.mu.Lock()
	if _, ok := m.tasks[key]; ok {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.tasks[key] = cancel
	m.mu.Unlock()

	go m.run(ctx, pos)
}

// Cancel stops the trailing-stop task for a (wallet, token) position
// without selling — used when a position is closed through another
// path (e.g. a manual sell).
func (m *Monitor) Cancel(wallet, token string) {
	key := wallet + ":" + token
	m.mu.Lock()
	cancel, ok := m.tasks[key]
	delete(m.tasks, key)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// ActiveCount reports how many positions currently have a running
// trailing-stop task.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Monitor) run(ctx context.Context, pos *types.Position) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.sem.Release(1)

	key := pos.Key()
	defer func() {
		m.mu.Lock()
		delete(m.tasks, key)
		m.mu.Unlock()
	}()

	anchor := pos.EntryPrice
	if anchor <= 0 {
		if price, ok := m.feed.Price(ctx, pos.Token); ok {
			anchor = price
		} else {
			log.Warn().Str("token", pos.Token).Msg("autosell: cannot monitor, no entry or live price")
			return
		}
	}

	state := &types.TrailingState{Peak: anchor, Anchor: anchor, StartedAt: time.Now()}
	state.PushPrice(anchor, state.StartedAt)
	deadline := state.StartedAt.Add(m.cfg.TimeWeightedExitS)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		price, ok := m.feed.Price(ctx, pos.Token)
		if !ok {
			continue
		}
		now := time.Now()
		state.PushPrice(price, now)

		reason, insight := m.evaluate(pos, state, price, now, deadline)
		if reason == "" {
			continue
		}

		m.exit(ctx, pos, reason, insight)
		return
	}
}

// evaluate runs the ordered exit-condition checks from spec 4.I
// against the current tick's state and returns the first triggered
// reason, or "" if the position should keep being held.
func (m *Monitor) evaluate(pos *types.Position, state *types.TrailingState, price float64, now time.Time, deadline time.Time) (ExitReason, Insight) {
	change := (price - state.Anchor) / state.Anchor
	dropFromPeak := (state.Peak - price) / math.Max(state.Peak, 1e-9)

	recent := state.Prices
	if len(recent) > m.cfg.DynamicWindow {
		recent = recent[len(recent)-m.cfg.DynamicWindow:]
	}
	dynDrop := m.cfg.DropPct
	if len(recent) >= 5 {
		vol := indicators.VolatilityPressure(recent)
		dynDrop = math.Min(m.cfg.MaxDynamicDrop, math.Max(m.cfg.DropPct*(1+m.cfg.DynamicSensitivity*vol), m.cfg.DropPct*0.6))
	}

	rsiWindow := tail(state.Prices, 30)
	rsiSeries := indicators.RSI(rsiWindow, 14)
	rsi, hasRSI := lastOf(rsiSeries, len(rsiWindow) >= 15)
	emaSeries := indicators.EMA(tail(state.Prices, 20), 10)
	emaTail := lastN(emaSeries, 3)

	insight := Insight{
		Token: pos.Token, Price: price, BoughtAt: state.Anchor, Peak: state.Peak,
		RSI: rsi, HasRSI: hasRSI, EMATail: emaTail,
		DropFromPeakPct: dropFromPeak * 100, DynamicDropPct: dynDrop * 100,
		ProfitPct: change * 100, ElapsedS: now.Sub(state.StartedAt).Seconds(),
	}

	if m.guard != nil {
		if m.guard.IsRugging(pos.Token, price, state.Prices) {
			return ExitRugDetected, insight
		}
		if m.guard.IsHoneypot(pos.Token) {
			return ExitHoneypot, insight
		}
	}

	if change >= m.cfg.TriggerPct && dropFromPeak >= dynDrop {
		return ExitTrailingStop, insight
	}

	if !state.BreakevenLiftDone && change >= m.cfg.BreakevenLiftAtPct {
		state.Anchor = math.Min(state.Anchor, price*0.995)
		state.BreakevenLiftDone = true
	}

	if hasRSI {
		prevWindow := tailRange(state.Prices, 32, 2)
		prevSeries := indicators.RSI(prevWindow, 14)
		prev, hasPrev := lastOf(prevSeries, len(prevWindow) >= 15)
		if hasPrev && rsi > 70 && rsi < prev {
			return ExitRSIDrop, insight
		}
	}

	if len(emaTail) == 3 && emaTail[2] < emaTail[1] && emaTail[1] < emaTail[0] {
		return ExitEMAReversal, insight
	}

	if now.After(deadline) && change >= m.cfg.MinProfitPct {
		return ExitTimeWeighted, insight
	}

	return "", insight
}

func (m *Monitor) exit(ctx context.Context, pos *types.Position, reason ExitReason, insight Insight) {
	log.Warn().Str("token", pos.Token).Str("reason", string(reason)).Float64("profit_pct", insight.ProfitPct).Msg("autosell: exit triggered")

	if reason == ExitHoneypot && m.store != nil {
		m.store.TagToken(pos.Token, "blacklisted")
	}

	pnl, err := m.sell.SellToken(ctx, pos.Token, pos.Wallet, 0, insight.Price, 0)
	if err != nil {
		log.Warn().Err(err).Str("token", pos.Token).Msg("autosell: exit sell failed")
	} else {
		log.Info().Str("token", pos.Token).Float64("pnl_sol", pnl).Msg("autosell: position closed")
	}
	metrics.IncAutosellExit(string(reason))

	if m.OnExit != nil {
		m.OnExit(pos, reason, insight)
	}
}

// tail returns the last n elements of xs (or all of xs if shorter).
func tail(xs []float64, n int) []float64 {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}

// tailRange mirrors Python's prices[-hi:-lo] slicing used for the
// lagged RSI comparison window.
func tailRange(xs []float64, hi, lo int) []float64 {
	if len(xs) <= hi {
		hi = len(xs)
	}
	start := len(xs) - hi
	end := len(xs) - lo
	if start < 0 {
		start = 0
	}
	if end <= start {
		return nil
	}
	return xs[start:end]
}

func lastN(xs []float64, n int) []float64 {
	if len(xs) < n {
		return nil
	}
	return xs[len(xs)-n:]
}

// lastOf returns the series' final value when valid reports the input
// window was long enough for the indicator's warmup period to have
// filled (indicators.RSI/EMA otherwise leave the prefix as zero/NaN).
func lastOf(xs []float64, valid bool) (float64, bool) {
	if !valid || len(xs) == 0 {
		return 0, false
	}
	return xs[len(xs)-1], true
}
