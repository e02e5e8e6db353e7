// Command agent wires the full pipeline — firehose, router, librarian,
// feature store, bandit, scoring, executor, auto-sell monitor,
// priority scheduler, crash guardian, social ingestion, and the
// status/metrics surface — into one supervised process. Grounded on
// cmd/tracker/main.go's zerolog-console-writer + context/signal
// shutdown + ticker-loops-aggregated-through-an-errCh idiom.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tpu-agent/core/internal/autosell"
	"github.com/tpu-agent/core/internal/bandit"
	"github.com/tpu-agent/core/internal/chainrpc"
	"github.com/tpu-agent/core/internal/config"
	"github.com/tpu-agent/core/internal/executor"
	"github.com/tpu-agent/core/internal/featurestore"
	"github.com/tpu-agent/core/internal/firehose"
	"github.com/tpu-agent/core/internal/guardian"
	"github.com/tpu-agent/core/internal/librarian"
	"github.com/tpu-agent/core/internal/router"
	"github.com/tpu-agent/core/internal/scheduler"
	"github.com/tpu-agent/core/internal/scoring"
	"github.com/tpu-agent/core/internal/social"
	"github.com/tpu-agent/core/internal/statusapi"
	"github.com/tpu-agent/core/internal/types"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	cfg := config.Load()
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	log.Info().Msg("agent starting")

	rpcEndpoint := os.Getenv("RPC_HTTP_URL")
	if rpcEndpoint == "" {
		rpcEndpoint = rpc.MainNetBeta_RPC
	}
	rpcClient := chainrpc.New(&staticProvider{httpURL: rpcEndpoint, wsURL: os.Getenv("RPC_WS_URL")}, 15*time.Second)

	fs, err := featurestore.New(featurestore.Config{
		Path: cfg.FeatureStore.Path, Gzip: cfg.FeatureStore.Gzip, MaxDays: cfg.FeatureStore.MaxDays,
		FlushEvery: cfg.FeatureStore.FlushEvery, MaxFileSize: cfg.FeatureStore.MaxFileSize,
		SyncInterval: cfg.FeatureStore.SyncInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("feature store init failed")
	}
	fs.Start()
	defer fs.Stop()

	lib := librarian.New(cfg.RuntimeDir + "/library")
	lib.Start()
	defer lib.Stop()

	banditMgr := bandit.New(fs, bandit.Config{
		Policy: bandit.Policy(cfg.Bandit.Policy), Arms: cfg.Bandit.Arms, MinPulls: cfg.Bandit.MinPulls,
		RewardHorizon: cfg.Bandit.RewardHorizon, RefreshEvery: cfg.Bandit.RefreshInterval,
		Epsilon: cfg.Bandit.Epsilon, ClipMin: cfg.Bandit.ClipRewardMin, ClipMax: cfg.Bandit.ClipRewardMax,
		PersistPath: cfg.Bandit.PersistPath,
	})
	banditMgr.Start()
	defer banditMgr.Stop()

	scoringRouter := &scoring.Router{Bandit: banditMgr, Buckets: lib}

	exec := executor.New(executor.DefaultConfig(), &unconfiguredRoute{"amm"}, &unconfiguredRoute{"aggregator"},
		&unconfiguredRotator{}, scoringRouter, lib, fs, rpcClient)

	autosellCfg := autosell.DefaultConfig()
	autosellCfg.DropPct = cfg.TrailingStop.DropPct
	autosellCfg.TriggerPct = cfg.TrailingStop.TriggerPct
	autosellCfg.DynamicWindow = cfg.TrailingStop.DynamicWindow
	autosellCfg.DynamicSensitivity = cfg.TrailingStop.DynamicSensitivity
	autosellCfg.BreakevenLiftAtPct = cfg.TrailingStop.BreakevenLiftAtPct

	sched := scheduler.New(scheduler.DefaultConfig())

	gd := guardian.New(rpcClient, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigCh; log.Info().Msg("shutting down"); cancel() }()

	// tryBuy runs one event through the Scoring Router and, on a
	// buy-side verdict, the Executor (spec 4: B→E→F→G→H). stage
	// labels the log lines so snipe-path and trade-path rejections
	// read distinctly.
	tryBuy := func(stage string, mode scoring.Mode, event types.SignalEvent, riskVerdict router.RiskVerdict) {
		if riskVerdict.Blacklisted || riskVerdict.RugSignature {
			log.Warn().Str("token", event.Token).Str("stage", stage).Msg("router: candidate rejected by risk gates")
			return
		}
		scoreCtx := map[string]any{
			"token_address":  event.Token,
			"scanner_source": event.Genre,
			"mode":           string(mode),
		}
		for k, v := range event.Payload {
			scoreCtx[k] = v
		}
		scoreVerdict := scoringRouter.Score(scoreCtx)
		if !scoreVerdict.Action.IsBuySide() {
			log.Info().Str("token", event.Token).Str("stage", stage).Str("action", string(scoreVerdict.Action)).Msg("router: candidate scored below buy threshold")
			return
		}
		if _, err := exec.BuyToken(ctx, event.Token, cfg.Executor.BuyAmountSOL, scoreCtx, event.Genre); err != nil {
			log.Warn().Err(err).Str("token", event.Token).Str("stage", stage).Msg("executor: buy failed")
		}
	}

	gates := &nopRiskGates{}
	evRouter := router.New(gates, lib,
		func(event types.SignalEvent, riskVerdict router.RiskVerdict) {
			tryBuy("snipe", scoring.ModeSnipe, event, riskVerdict)
		},
		func(event types.SignalEvent, riskVerdict router.RiskVerdict) {
			tryBuy("trade", scoring.ModeTrade, event, riskVerdict)
		},
	)

	var fh *firehose.Listener
	fh = firehose.New(cfg.Firehose.WSURL, cfg.Firehose.StallTimeout, func(ev types.TradeEvent) {
		evRouter.Dispatch(map[string]any{
			"is_mint_init": false,
			"price":        ev.Price,
			"amount":       ev.Amount,
		}, ev.TokenMint, "", "stream")
	})

	am := autosell.New(autosellCfg, &firehosePriceFeed{fh: fh}, &nopRugGuard{}, exec, lib)
	exec.OnFill = func(pos *types.Position) { am.Watch(ctx, pos) }

	socialAdapter := social.New(social.Config{Handles: cfg.Social.Handles, PollInterval: cfg.Social.PollInterval},
		social.NewScraperClient(), evRouter)

	statusSrv := statusapi.New(cfg.StatusHTTPAddr, gd, sched)

	errCh := make(chan error, 10)

	fh.Heartbeat = func() { gd.Beat("firehose") }
	socialAdapter.Heartbeat = func() { gd.Beat("social") }
	statusSrv.Heartbeat = func() { gd.Beat("statusapi") }

	gd.Register(ctx, "firehose", func(ctx context.Context) error { return fh.Start(ctx) })
	gd.Register(ctx, "social", func(ctx context.Context) error { return socialAdapter.Run(ctx) })
	gd.Register(ctx, "statusapi", func(ctx context.Context) error { return statusSrv.Run(ctx) })

	go func() { errCh <- gd.Run(ctx) }()
	go func() { errCh <- runScheduler(ctx, sched, fh) }()

	printBanner(cfg)
	printStatusTable(sched)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("fatal component error")
		}
	}
	log.Info().Msg("goodbye")
}

func runScheduler(ctx context.Context, sched *scheduler.Scheduler, fh *firehose.Listener) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sched.UpdateMarketState(scheduler.MarketState{TPS: fh.CurrentTPS()})
			sched.Step()
		}
	}
}

func printBanner(cfg *config.Config) {
	banner := color.New(color.FgCyan, color.Bold)
	banner.Println(strings.Repeat("=", 60))
	banner.Println("  agent online")
	banner.Println(strings.Repeat("=", 60))
	fmt.Printf("  status:  http://localhost%s/status\n", cfg.StatusHTTPAddr)
	fmt.Printf("  metrics: http://localhost%s/metrics\n", cfg.StatusHTTPAddr)
	fmt.Printf("  social handles: %v\n", cfg.Social.Handles)
}

func printStatusTable(sched *scheduler.Scheduler) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"component", "state"})
	table.Append([]string{"scheduler", string(sched.Current().Profile)})
	table.Append([]string{"executor", "armed (routes pending wallet/DEX wiring)"})
	table.Render()
}

// unconfiguredRoute is the explicit seam for the out-of-scope wallet
// signer / DEX integration the spec hands the executor at construction
// time; it rejects trades until a real Route is wired in.
type unconfiguredRoute struct{ name string }

func (r *unconfiguredRoute) Name() string { return r.name }
func (r *unconfiguredRoute) Quote(ctx context.Context, token string, amountSOL float64) (executor.Quote, error) {
	return executor.Quote{}, fmt.Errorf("route %s: no DEX/aggregator wired", r.name)
}
func (r *unconfiguredRoute) BuildSwap(ctx context.Context, token string, amountSOL, minOut float64) ([]byte, error) {
	return nil, fmt.Errorf("route %s: no DEX/aggregator wired", r.name)
}

type unconfiguredRotator struct{}

func (r *unconfiguredRotator) Pick(strategy string) (solana.PublicKey, error) {
	return solana.PublicKey{}, fmt.Errorf("wallet rotator: no signer wired")
}

type nopRiskGates struct{}

func (nopRiskGates) Evaluate(event types.SignalEvent) router.RiskVerdict { return router.RiskVerdict{} }

type nopRugGuard struct{}

func (nopRugGuard) IsRugging(token string, price float64, prices []float64) bool { return false }
func (nopRugGuard) IsHoneypot(token string) bool                                 { return false }

// firehosePriceFeed adapts the firehose's bar cache into the narrow
// PriceFeed the auto-sell monitor needs.
type firehosePriceFeed struct{ fh *firehose.Listener }

func (f *firehosePriceFeed) Price(ctx context.Context, token string) (float64, bool) {
	bars := f.fh.RecentOHLCV(token, 60, 5)
	if len(bars) == 0 {
		return 0, false
	}
	return bars[len(bars)-1].Close, true
}

// staticProvider hands the chainrpc client a fixed HTTP/WS endpoint
// pair, the minimal "RPC endpoint provider" collaborator the spec
// calls for.
type staticProvider struct {
	httpURL string
	wsURL   string
}

func (p *staticProvider) RPCClient() *rpc.Client {
	return rpc.New(p.httpURL)
}

func (p *staticProvider) WSClient(ctx context.Context) (*ws.Client, error) {
	if p.wsURL == "" {
		return nil, fmt.Errorf("chainrpc: no websocket endpoint configured")
	}
	return ws.Connect(ctx, p.wsURL)
}
