// Package scheduler implements the Priority Scheduler (spec 4.J): it
// turns live market and internal-health signals into a smoothed
// market-heat/system-stress pair, picks an operating profile, and
// publishes a per-module throttle table, read through Throttle and
// Current. Only the status surface reads it; no loop in the agent
// paces its work by it. Grounded directly on
// original_source/tpu/runtime/priority_scheduler.py, translated from
// its dataclass/step() shape into a mutex-guarded Go struct.
package scheduler

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tpu-agent/core/internal/metrics"
)

// Profile enumerates the scheduler's operating modes.
type Profile string

const (
	ProfileLaunchFrenzy Profile = "launch_frenzy"
	ProfileChopZone     Profile = "chop_zone"
	ProfileBalanced     Profile = "balanced"
	ProfileRecovery     Profile = "recovery"
	ProfileSafeMode     Profile = "safe_mode"
)

// MarketState is the raw (pre-smoothing) market-side input.
type MarketState struct {
	TPS               float64
	Volatility        float64 // 0..1
	AvgSpread         float64 // 0..1, higher is worse
	LiquidityPressure float64 // 0..1, 0 calm, 1 illiquid
}

// InternalState is the raw (pre-smoothing) internal-health input.
type InternalState struct {
	LossStreak   int
	WinStreak    int
	CPU          float64 // 0..1
	MemPressure  float64 // 0..1
	ErrorRate    float64 // 0..1
	BacklogTasks int
	QueueLagS    float64
}

// Snapshot is the scheduler's published state after a Step.
type Snapshot struct {
	TS             time.Time
	Profile        Profile
	Throttles      map[string]float64
	Market         MarketState
	Internal       InternalState
	MarketHeat     float64
	SystemStress   float64
	Notes          string
}

// moduleNames is the set of agent loops the scheduler paces, carried
// over from the original's module table and renamed to this agent's
// package names.
var moduleNames = []string{
	"firehose", "router", "librarian", "featurestore",
	"bandit", "scoring", "executor", "autosell",
	"social", "guardian", "scheduler",
}

// defaultWeights mirrors DEFAULT_MODULES: base importance weights
// applied on top of the profile table's per-module multiplier.
var defaultWeights = map[string]float64{
	"firehose":     1.0,
	"router":       0.9,
	"librarian":    0.8,
	"featurestore": 0.8,
	"bandit":       0.7,
	"scoring":      0.9,
	"executor":     1.0,
	"autosell":     1.0,
	"social":       0.6,
	"guardian":     1.0,
	"scheduler":    1.0,
}

// profileTable gives each profile's multiplier BEFORE stress
// attenuation, module names carried over 1:1 from defaultWeights.
var profileTable = map[Profile]map[string]float64{
	ProfileLaunchFrenzy: {
		"firehose": 1.0, "router": 1.0, "librarian": 0.8, "featurestore": 0.8,
		"bandit": 0.4, "scoring": 1.0, "executor": 1.0, "autosell": 1.0,
		"social": 0.3, "guardian": 1.0, "scheduler": 1.0,
	},
	ProfileChopZone: {
		"firehose": 0.6, "router": 0.6, "librarian": 1.0, "featurestore": 1.0,
		"bandit": 0.9, "scoring": 0.8, "executor": 0.6, "autosell": 0.9,
		"social": 0.8, "guardian": 1.0, "scheduler": 1.0,
	},
	ProfileBalanced: {
		"firehose": 0.9, "router": 0.9, "librarian": 0.9, "featurestore": 0.9,
		"bandit": 0.7, "scoring": 0.9, "executor": 0.9, "autosell": 0.9,
		"social": 0.6, "guardian": 1.0, "scheduler": 1.0,
	},
	ProfileRecovery: {
		"firehose": 0.7, "router": 0.6, "librarian": 0.8, "featurestore": 0.8,
		"bandit": 1.0, "scoring": 0.5, "executor": 0.3, "autosell": 1.0,
		"social": 0.2, "guardian": 1.0, "scheduler": 1.0,
	},
	ProfileSafeMode: {
		"firehose": 0.3, "router": 0.2, "librarian": 0.5, "featurestore": 0.5,
		"bandit": 1.0, "scoring": 0.1, "executor": 0.0, "autosell": 1.0,
		"social": 0.0, "guardian": 1.0, "scheduler": 1.0,
	},
}

// Config holds the EWMA smoothing and band-cutpoint knobs.
type Config struct {
	Alpha          float64 // EWMA smoothing factor
	MarketHeatLow  float64
	MarketHeatHigh float64
	StressMild     float64 // attenuation begins past this point
	StressRecovery float64
	StressSafeMode float64
	ModuleWeights  map[string]float64
}

func DefaultConfig() Config {
	return Config{
		Alpha:          0.3,
		MarketHeatLow:  0.35,
		MarketHeatHigh: 0.65,
		StressMild:     0.40,
		StressRecovery: 0.75,
		StressSafeMode: 0.90,
		ModuleWeights:  defaultWeights,
	}
}

// Scheduler computes smoothed market-heat/system-stress and publishes
// a throttle table every Step.
type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	market   MarketState
	internal InternalState

	heatSmoothed   float64
	stressSmoothed float64
	last           Snapshot
}

func New(cfg Config) *Scheduler {
	if cfg.ModuleWeights == nil {
		cfg.ModuleWeights = defaultWeights
	}
	s := &Scheduler{cfg: cfg}
	s.last = Snapshot{Profile: ProfileBalanced, Throttles: neutralThrottles()}
	return s
}

func neutralThrottles() map[string]float64 {
	out := make(map[string]float64, len(moduleNames))
	for _, m := range moduleNames {
		out[m] = 1.0
	}
	return out
}

// UpdateMarketState ingests the latest market-side readings (clipped
// to [0,1] where applicable; TPS is unbounded).
func (s *Scheduler) UpdateMarketState(m MarketState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.market = MarketState{
		TPS:               math.Max(0, m.TPS),
		Volatility:        clip01(m.Volatility),
		AvgSpread:         clip01(m.AvgSpread),
		LiquidityPressure: clip01(m.LiquidityPressure),
	}
}

// UpdateInternalState ingests the latest internal-health readings.
func (s *Scheduler) UpdateInternalState(i InternalState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.internal = InternalState{
		LossStreak: i.LossStreak, WinStreak: i.WinStreak,
		CPU: clip01(i.CPU), MemPressure: clip01(i.MemPressure), ErrorRate: clip01(i.ErrorRate),
		BacklogTasks: maxInt(i.BacklogTasks, 0), QueueLagS: math.Max(i.QueueLagS, 0),
	}
}

// Step recomputes market_heat/system_stress, smooths them, chooses a
// profile, and rebuilds the throttle table.
func (s *Scheduler) Step() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	heat := calcMarketHeat(s.market)
	stress := calcSystemStress(s.internal)
	s.heatSmoothed = ewma(s.heatSmoothed, heat, s.cfg.Alpha)
	s.stressSmoothed = ewma(s.stressSmoothed, stress, s.cfg.Alpha)

	profile := s.chooseProfile(s.heatSmoothed, s.stressSmoothed)
	throttles := s.buildThrottleTable(profile, s.stressSmoothed)

	snap := Snapshot{
		TS: time.Now(), Profile: profile, Throttles: throttles,
		Market: s.market, Internal: s.internal,
		MarketHeat: s.heatSmoothed, SystemStress: s.stressSmoothed,
		Notes: notes(profile, s.heatSmoothed, s.stressSmoothed),
	}
	s.last = snap

	metrics.SetMarketHeat(s.heatSmoothed)
	metrics.SetSystemStress(s.stressSmoothed)

	return snap
}

// Current returns the most recent snapshot without recomputing.
func (s *Scheduler) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Throttle returns the current pacing multiplier for a module, 1.0 if
// unknown (no throttling applied).
func (s *Scheduler) Throttle(module string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.last.Throttles[module]; ok {
		return v
	}
	return 1.0
}

func calcMarketHeat(m MarketState) float64 {
	tpsScore := 1.0 - math.Exp(-m.TPS/500.0)
	heat := (0.5*m.Volatility + 0.4*tpsScore + 0.1*(1-m.AvgSpread)) * (1 - 0.3*m.LiquidityPressure)
	return clip01(heat)
}

func calcSystemStress(s InternalState) float64 {
	resource := math.Max(s.CPU, s.MemPressure)
	stability := math.Max(s.ErrorRate, math.Min(1.0, float64(s.LossStreak)/5.0))
	backlog := math.Min(1.0, float64(s.BacklogTasks)/100.0+s.QueueLagS/5.0)
	return clip01(math.Max(resource, math.Max(stability, backlog)))
}

func (s *Scheduler) chooseProfile(heat, stress float64) Profile {
	if stress >= s.cfg.StressSafeMode {
		return ProfileSafeMode
	}
	if stress >= s.cfg.StressRecovery {
		return ProfileRecovery
	}
	if heat >= s.cfg.MarketHeatHigh {
		return ProfileLaunchFrenzy
	}
	if heat <= s.cfg.MarketHeatLow {
		return ProfileChopZone
	}
	return ProfileBalanced
}

// buildThrottleTable attenuates non-critical modules as stress climbs
// past StressMild; guardian/scheduler/bandit are exempt,
// matching the original's "always-on" exemption list (generalized
// from strategy_auditor/self_tuner to this pack's equivalent
// self-correcting loops: bandit and guardian).
func (s *Scheduler) buildThrottleTable(profile Profile, stress float64) map[string]float64 {
	base := profileTable[profile]
	exempt := map[string]bool{"guardian": true, "scheduler": true, "bandit": true}
	attenuation := 1.0 - 0.7*math.Max(0, stress-s.cfg.StressMild)

	out := make(map[string]float64, len(base))
	for module, baseMult := range base {
		weight := s.cfg.ModuleWeights[module]
		if weight == 0 {
			weight = 1.0
		}
		mult := baseMult * weight
		if !exempt[module] {
			mult *= math.Max(0.2, attenuation)
		}
		out[module] = clip01(mult)
	}
	return out
}

func notes(p Profile, heat, stress float64) string {
	return fmt.Sprintf("profile=%s mh=%.2f stress=%.2f", p, heat, stress)
}

func ewma(prev, next, alpha float64) float64 {
	return alpha*next + (1-alpha)*prev
}

func clip01(x float64) float64 {
	if x > 1 {
		return 1
	}
	if x < 0 {
		return 0
	}
	return x
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
