// Package config loads the agent's single canonical configuration
// structure from environment variables, optionally seeded from a
// .env file. It never parses an arbitrary config file format itself
// — that responsibility belongs to the out-of-scope host process.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// TrailingStop groups the Auto-Sell Monitor's trailing-exit knobs.
type TrailingStop struct {
	DropPct              float64
	TriggerPct           float64
	DynamicWindow        int
	DynamicSensitivity   float64
	BreakevenLiftAtPct   float64
}

// Bandit groups the Contextual Bandit's policy knobs.
type Bandit struct {
	Policy          string // "ucb1" | "thompson"
	Arms            []string
	MinPulls        int
	RewardHorizon   time.Duration
	RefreshInterval time.Duration
	Epsilon         float64
	ClipRewardMin   float64
	ClipRewardMax   float64
	PersistPath     string
}

// FeatureStore groups the Feature Store's durability knobs.
type FeatureStore struct {
	Path          string
	Gzip          bool
	MaxDays       int
	FlushEvery    int
	MaxFileSize   int64
	SyncInterval  time.Duration
}

// Executor groups the Trade Executor's sizing/execution knobs.
type Executor struct {
	BuyAmountSOL        float64
	SizeMultMin         float64
	SizeMultMax         float64
	MaxWalletRiskPct    float64
	MinNotionalSOL      float64
	MaxNotionalSOL      float64
	SwapSlippageBps     int
	MaxPriceImpactPct   float64
	SplitOrderEnabled   bool
	SplitOrderThreshold float64
	SplitOrderPauseS    float64
	ConfirmRetries      int
	ConfirmTimeout      time.Duration
	PriorityFeeLamports uint64
	ComputeUnitLimit    uint32
	SellProfitPercent   float64
	MaxLossPercent      float64
	TimeWeightedExitS   float64
	PerTokenCooldown    time.Duration
}

// Firehose groups the stream listener's connection knobs.
type Firehose struct {
	WSURL            string
	StallTimeout     time.Duration
}

// Social groups the ingestion adapter's polling knobs.
type Social struct {
	Handles      []string
	PollInterval time.Duration
}

// Config is the single canonical configuration structure (spec §6,
// §9): one struct, enumerated fields, unknown env keys are warned
// about and ignored rather than silently accepted.
type Config struct {
	LogLevel        string
	StatusHTTPAddr  string
	MetricsHTTPAddr string

	TrailingStop TrailingStop
	Bandit       Bandit
	FeatureStore FeatureStore
	Executor     Executor
	Firehose     Firehose
	Social       Social

	RuntimeDir string
}

// Load reads the process environment (optionally seeded by a .env
// file, matching the pack's godotenv idiom) into a Config.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:        envOr("LOG_LEVEL", "info"),
		StatusHTTPAddr:  envOr("STATUS_HTTP_ADDR", ":8787"),
		MetricsHTTPAddr: envOr("METRICS_HTTP_ADDR", ":9187"),
		RuntimeDir:      envOr("RUNTIME_DIR", "runtime"),

		TrailingStop: TrailingStop{
			DropPct:            envFloat("TRAILING_STOP_DROP_PCT", 0.10),
			TriggerPct:         envFloat("TRAILING_STOP_TRIGGER_PCT", 0.20),
			DynamicWindow:      envInt("TRAILING_STOP_DYNAMIC_WINDOW", 20),
			DynamicSensitivity: envFloat("TRAILING_STOP_DYNAMIC_SENSITIVITY", 1.0),
			BreakevenLiftAtPct: envFloat("TRAILING_STOP_BREAKEVEN_LIFT_AT_PCT", 0.15),
		},
		Bandit: Bandit{
			Policy:          envOr("BANDIT_POLICY", "thompson"),
			Arms:            splitTrim(envOr("BANDIT_ARMS", "balanced,passive,aggro,scalper,meta_trend")),
			MinPulls:        envInt("BANDIT_MIN_PULLS", 5),
			RewardHorizon:   time.Duration(envInt("BANDIT_REWARD_HORIZON_SEC", 86400)) * time.Second,
			RefreshInterval: time.Duration(envInt("BANDIT_REFRESH_SEC", 15)) * time.Second,
			Epsilon:         envFloat("BANDIT_EPSILON", 0.0),
			ClipRewardMin:   envFloat("BANDIT_CLIP_REWARD_MIN", -1.0),
			ClipRewardMax:   envFloat("BANDIT_CLIP_REWARD_MAX", 1.0),
			PersistPath:     envOr("BANDIT_PERSIST_PATH", "runtime/library/bandit/bandit_state.json"),
		},
		FeatureStore: FeatureStore{
			Path:         envOr("FEATURE_STORE_PATH", "runtime/library/feature_store"),
			Gzip:         envBool("FEATURE_STORE_GZIP", false),
			MaxDays:      envInt("FEATURE_STORE_MAX_DAYS", 30),
			FlushEvery:   envInt("FEATURE_STORE_FLUSH_EVERY", 200),
			MaxFileSize:  int64(envInt("FEATURE_STORE_MAX_FILE_SIZE", 20000)),
			SyncInterval: time.Duration(envInt("FEATURE_STORE_SYNC_INTERVAL_SEC", 5)) * time.Second,
		},
		Executor: Executor{
			BuyAmountSOL:        envFloat("BUY_AMOUNT", 0.5),
			SizeMultMin:         envFloat("SIZE_MULT_MIN", 0.5),
			SizeMultMax:         envFloat("SIZE_MULT_MAX", 2.0),
			MaxWalletRiskPct:    envFloat("MAX_WALLET_RISK_PCT", 0.1),
			MinNotionalSOL:      envFloat("MIN_NOTIONAL_SOL", 0.05),
			MaxNotionalSOL:      envFloat("MAX_NOTIONAL_SOL", 5.0),
			SwapSlippageBps:     envInt("SWAP_SLIPPAGE_BPS", 300),
			MaxPriceImpactPct:   envFloat("MAX_PRICE_IMPACT_PCT", 0.12),
			SplitOrderEnabled:   envBool("SPLIT_ORDER_ENABLED", true),
			SplitOrderThreshold: envFloat("SPLIT_ORDER_THRESHOLD", 1.0),
			SplitOrderPauseS:    envFloat("SPLIT_ORDER_PAUSE_S", 0.75),
			ConfirmRetries:      envInt("CONFIRM_RETRIES", 10),
			ConfirmTimeout:      time.Duration(envInt("CONFIRM_TIMEOUT_SEC", 30)) * time.Second,
			PriorityFeeLamports: uint64(envInt("PRIORITY_FEE_LAMPORTS", 5000)),
			ComputeUnitLimit:    uint32(envInt("COMPUTE_UNIT_LIMIT", 200000)),
			SellProfitPercent:   envFloat("SELL_PROFIT_PERCENT", 0.30),
			MaxLossPercent:      envFloat("MAX_LOSS_PERCENT", 0.25),
			TimeWeightedExitS:   envFloat("TIME_WEIGHTED_EXIT_SECONDS", 900),
			PerTokenCooldown:    time.Duration(envInt("PER_TOKEN_COOLDOWN_SEC", 300)) * time.Second,
		},
		Firehose: Firehose{
			WSURL:        envOr("FIREHOSE_WS_URL", "ws://127.0.0.1:8900/firehose"),
			StallTimeout: time.Duration(envInt("FIREHOSE_STALL_TIMEOUT_SEC", 5)) * time.Second,
		},
		Social: Social{
			Handles:      splitTrim(envOr("SOCIAL_HANDLES", "")),
			PollInterval: time.Duration(envInt("SOCIAL_POLL_INTERVAL_SEC", 45)) * time.Second,
		},
	}

	warnUnknownKeys()
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid int, using default")
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid float, using default")
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid bool, using default")
	}
	return def
}

func splitTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// knownPrefixes lists the documented env var namespaces; anything
// else present in the environment is logged, never silently honored.
var knownPrefixes = []string{
	"LOG_LEVEL", "STATUS_HTTP_ADDR", "METRICS_HTTP_ADDR", "RUNTIME_DIR",
	"TRAILING_STOP_", "BANDIT_", "FEATURE_STORE_", "BUY_AMOUNT", "SIZE_MULT_",
	"MAX_WALLET_RISK_PCT", "MIN_NOTIONAL_SOL", "MAX_NOTIONAL_SOL", "SWAP_SLIPPAGE_BPS",
	"MAX_PRICE_IMPACT_PCT", "SPLIT_ORDER_", "CONFIRM_", "PRIORITY_FEE_LAMPORTS",
	"COMPUTE_UNIT_LIMIT", "SELL_PROFIT_PERCENT", "MAX_LOSS_PERCENT", "TIME_WEIGHTED_EXIT_SECONDS",
	"PER_TOKEN_COOLDOWN_SEC", "FIREHOSE_", "SOCIAL_",
}

func warnUnknownKeys() {
	for _, e := range os.Environ() {
		key := strings.SplitN(e, "=", 2)[0]
		known := false
		for _, p := range knownPrefixes {
			if strings.HasPrefix(key, p) {
				known = true
				break
			}
		}
		if !known && looksLikeOurs(key) {
			log.Warn().Str("key", key).Msg("config: unrecognized env key ignored")
		}
	}
}

// looksLikeOurs avoids spamming warnings for the entire ambient
// process environment; only keys sharing our naming convention are
// considered candidates for a typo'd config key.
func looksLikeOurs(key string) bool {
	for _, p := range []string{"BANDIT", "TRAILING", "FEATURE_STORE", "FIREHOSE", "SOCIAL_", "EXECUTOR_"} {
		if strings.Contains(key, p) {
			return true
		}
	}
	return false
}
