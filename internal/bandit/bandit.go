// Package bandit implements the contextual bandit (spec 4.G): arm
// selection over execution strategies via UCB1, Thompson sampling, or
// epsilon-greedy, with rewards synced from the Feature Store and state
// persisted to a JSON file for restart continuity. Grounded directly
// on original_source/tpu/strategy/contextual_bandit.py, translated
// into the teacher's struct+mutex+ticker-loop idiom in place of the
// original's asyncio task loop.
package bandit

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tpu-agent/core/internal/featurestore"
	"github.com/tpu-agent/core/internal/types"
)

// Policy selects between UCB1 and Thompson sampling; epsilon-greedy is
// an optional override on top of either, set by Config.Epsilon.
type Policy string

const (
	PolicyUCB1     Policy = "ucb1"
	PolicyThompson Policy = "thompson"
)

// Config mirrors DEFAULT_BANDIT_CFG from the original implementation.
type Config struct {
	Policy        Policy
	Arms          []string
	MinPulls      int
	RewardHorizon time.Duration
	RefreshEvery  time.Duration
	Epsilon       float64
	ClipMin       float64
	ClipMax       float64
	PersistPath   string
}

// DefaultConfig returns the spec's named defaults.
func DefaultConfig() Config {
	return Config{
		Policy:        PolicyThompson,
		Arms:          []string{"balanced", "passive", "aggro", "scalper", "meta_trend"},
		MinPulls:      5,
		RewardHorizon: 24 * time.Hour,
		RefreshEvery:  15 * time.Second,
		Epsilon:       0,
		ClipMin:       -1,
		ClipMax:       1,
		PersistPath:   "runtime/library/bandit/bandit_state.json",
	}
}

// Manager owns arm statistics and exposes the selection API consumed
// by the scoring engines.
type Manager struct {
	cfg Config
	fs  *featurestore.Store

	mu         sync.Mutex
	arms       map[string]*types.BanditArm
	lastChoice string

	stopCh chan struct{}
}

// New constructs a Manager, loading any persisted state.
func New(fs *featurestore.Store, cfg Config) *Manager {
	if len(cfg.Arms) == 0 {
		cfg = DefaultConfig()
	}
	if cfg.PersistPath == "" {
		cfg.PersistPath = DefaultConfig().PersistPath
	}
	m := &Manager{
		cfg:  cfg,
		fs:   fs,
		arms: make(map[string]*types.BanditArm, len(cfg.Arms)),
	}
	for _, a := range cfg.Arms {
		m.arms[a] = &types.BanditArm{Name: a}
	}
	m.loadState()
	return m
}

// Start launches the periodic reward-sync loop.
func (m *Manager) Start() {
	m.stopCh = make(chan struct{})
	go m.refreshLoop()
	log.Info().Str("policy", string(m.cfg.Policy)).Msg("bandit: manager started")
}

// Stop halts the refresh loop and persists final state.
func (m *Manager) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
	m.saveState()
	log.Info().Msg("bandit: manager stopped")
}

func (m *Manager) refreshLoop() {
	ticker := time.NewTicker(m.cfg.RefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.SyncRewardsFromFeatureStore()
		}
	}
}

// ChooseStrategy is the fast in-memory arm-selection entry point:
// epsilon-greedy override, then warmup, then the configured policy.
func (m *Manager) ChooseStrategy() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Epsilon > 0 && rand.Float64() < m.cfg.Epsilon {
		arm := m.randomArmLocked()
		m.lastChoice = arm
		return arm
	}

	var cold []string
	for name, a := range m.arms {
		if a.Pulls < m.cfg.MinPulls {
			cold = append(cold, name)
		}
	}
	if len(cold) > 0 {
		arm := cold[rand.Intn(len(cold))]
		m.lastChoice = arm
		return arm
	}

	var arm string
	if m.cfg.Policy == PolicyUCB1 {
		arm = m.chooseUCB1Locked()
	} else {
		arm = m.chooseThompsonLocked()
	}
	m.lastChoice = arm
	return arm
}

func (m *Manager) randomArmLocked() string {
	names := make([]string, 0, len(m.arms))
	for n := range m.arms {
		names = append(names, n)
	}
	return names[rand.Intn(len(names))]
}

func (m *Manager) chooseUCB1Locked() string {
	totalPulls := 1
	for _, a := range m.arms {
		totalPulls += a.Pulls
	}
	bestArm, bestUCB := "", math.Inf(-1)
	for name, a := range m.arms {
		if a.Pulls == 0 {
			return name
		}
		bonus := math.Sqrt(2.0 * math.Log(float64(totalPulls)) / float64(a.Pulls))
		ucb := a.MeanReward + bonus
		if ucb > bestUCB {
			bestUCB = ucb
			bestArm = name
		}
	}
	return bestArm
}

func (m *Manager) chooseThompsonLocked() string {
	bestArm, bestSample := "", math.Inf(-1)
	for name, a := range m.arms {
		std := math.Sqrt(a.Variance()) / math.Sqrt(float64(a.Pulls)+1.0)
		if std < 1e-6 {
			std = 1e-6
		}
		sample := a.MeanReward + rand.NormFloat64()*std
		if sample > bestSample {
			bestSample = sample
			bestArm = name
		}
	}
	return bestArm
}

// RecordReward pushes a reward directly into an arm's statistics.
func (m *Manager) RecordReward(strategy string, reward float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	arm, ok := m.arms[strategy]
	if !ok {
		return
	}
	reward = types.Clamp(reward, m.cfg.ClipMin, m.cfg.ClipMax)
	arm.Update(reward, time.Now())
	m.saveStateLocked()
}

// SyncRewardsFromFeatureStore pulls recent rewards per arm from the
// Feature Store and folds in only the new ones, diffing on pull count
// (matching the "quick and dirty" diff in the grounding source).
func (m *Manager) SyncRewardsFromFeatureStore() {
	if m.fs == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, arm := range m.arms {
		rewards := m.fs.GetRecentRewardsByStrategy(name, m.cfg.RewardHorizon)
		if len(rewards) <= arm.Pulls {
			continue
		}
		for _, r := range rewards[arm.Pulls:] {
			arm.Update(types.Clamp(r, m.cfg.ClipMin, m.cfg.ClipMax), time.Now())
		}
	}
	m.saveStateLocked()
}

// variantCatalog mirrors SAFE_VARIANTS_BY_BAND: a hand-curated,
// capped set of concrete execution plans per action band so the
// bandit never invents an unvetted route or ladder depth.
var variantCatalog = map[types.Action][]types.Variant{
	types.ActionBuy: {
		{ID: "balanced", Size: 0.35, Ladder: []float64{1}, Route: "amm"},
		{ID: "passive", Size: 0.25, Ladder: []float64{0.5, 0.5}, Route: "amm"},
		{ID: "aggro", Size: 0.50, Ladder: []float64{0.5, 0.5}, Route: "aggregator"},
		{ID: "scalper", Size: 0.30, Ladder: []float64{0.34, 0.33, 0.33}, Route: "amm"},
		{ID: "meta_trend", Size: 0.40, Ladder: []float64{0.5, 0.5}, Route: "aggregator"},
	},
	types.ActionAggressiveBuy: {
		{ID: "balanced", Size: 0.60, Ladder: []float64{0.5, 0.5}, Route: "aggregator"},
		{ID: "aggro", Size: 0.80, Ladder: []float64{0.34, 0.33, 0.33}, Route: "aggregator"},
		{ID: "scalper", Size: 0.50, Ladder: []float64{0.34, 0.33, 0.33}, Route: "amm"},
		{ID: "meta_trend", Size: 0.70, Ladder: []float64{0.5, 0.5}, Route: "aggregator"},
	},
	types.ActionAuto: {
		{ID: "aggro", Size: 1.00, Ladder: []float64{0.5, 0.5}, Route: "aggregator"},
		{ID: "balanced", Size: 0.80, Ladder: []float64{0.5, 0.5}, Route: "aggregator"},
		{ID: "meta_trend", Size: 0.90, Ladder: []float64{0.5, 0.5}, Route: "amm"},
	},
}

var sizeCaps = map[types.Action]float64{
	types.ActionBuy:           0.5,
	types.ActionAggressiveBuy: 1.0,
	types.ActionAuto:          1.0,
}

// ChooseVariantForBand maps the bandit's chosen arm to a concrete
// execution variant for the given action band. It never changes the
// scoring engine's band — only the sizing/ladder/route within it.
func (m *Manager) ChooseVariantForBand(band types.Action, defaultID string) *types.Variant {
	variants, ok := variantCatalog[band]
	if !ok || len(variants) == 0 {
		return nil
	}
	arm := m.ChooseStrategy()

	var chosen *types.Variant
	for i := range variants {
		if variants[i].ID == arm {
			chosen = &variants[i]
			break
		}
	}
	if chosen == nil {
		for i := range variants {
			if variants[i].ID == defaultID {
				chosen = &variants[i]
				break
			}
		}
	}
	if chosen == nil {
		chosen = &variants[0]
	}

	cap := sizeCaps[band]
	if cap == 0 {
		cap = 0.5
	}
	out := *chosen
	if out.Size > cap {
		out.Size = cap
	}
	if len(out.Ladder) > 4 {
		out.Ladder = out.Ladder[:4]
	}
	out.Arm = arm
	return &out
}

// CurrentWeights reports a softmax of mean rewards, for display only —
// selection never consults this directly.
func (m *Manager) CurrentWeights() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	maxMean := math.Inf(-1)
	for _, a := range m.arms {
		if a.MeanReward > maxMean {
			maxMean = a.MeanReward
		}
	}
	exps := make(map[string]float64, len(m.arms))
	var sum float64
	for name, a := range m.arms {
		e := math.Exp(a.MeanReward - maxMean)
		exps[name] = e
		sum += e
	}
	if sum == 0 {
		sum = 1
	}
	out := make(map[string]float64, len(exps))
	for name, e := range exps {
		out[name] = e / sum
	}
	return out
}

// LastChoice returns the most recently selected arm name.
func (m *Manager) LastChoice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChoice
}

// HealthSnapshot mirrors health_snapshot() for the status surface.
type HealthSnapshot struct {
	Policy     Policy             `json:"policy"`
	Epsilon    float64            `json:"epsilon"`
	Arms       map[string]ArmView `json:"arms"`
	Weights    map[string]float64 `json:"weights"`
	LastChoice string             `json:"last_choice"`
	TS         time.Time          `json:"ts"`
}

// ArmView is the JSON-friendly projection of one arm's statistics.
type ArmView struct {
	Pulls       int       `json:"pulls"`
	MeanReward  float64   `json:"mean_reward"`
	StdDev      float64   `json:"std"`
	LastUpdated time.Time `json:"last_updated"`
}

func (m *Manager) HealthSnapshot() HealthSnapshot {
	m.mu.Lock()
	arms := make(map[string]ArmView, len(m.arms))
	for name, a := range m.arms {
		arms[name] = ArmView{
			Pulls:       a.Pulls,
			MeanReward:  a.MeanReward,
			StdDev:      math.Sqrt(a.Variance()),
			LastUpdated: a.LastUpdated,
		}
	}
	lastChoice := m.lastChoice
	m.mu.Unlock()

	return HealthSnapshot{
		Policy:     m.cfg.Policy,
		Epsilon:    m.cfg.Epsilon,
		Arms:       arms,
		Weights:    m.CurrentWeights(),
		LastChoice: lastChoice,
		TS:         time.Now(),
	}
}

type persistedState struct {
	Arms map[string]persistedArm `json:"arms"`
}

type persistedArm struct {
	Pulls       int       `json:"pulls"`
	TotalReward float64   `json:"total_reward"`
	MeanReward  float64   `json:"mean_reward"`
	M2          float64   `json:"m2"`
	LastUpdated time.Time `json:"last_updated"`
}

func (m *Manager) saveState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveStateLocked()
}

func (m *Manager) saveStateLocked() {
	state := persistedState{Arms: make(map[string]persistedArm, len(m.arms))}
	for name, a := range m.arms {
		state.Arms[name] = persistedArm{
			Pulls: a.Pulls, TotalReward: a.TotalReward, MeanReward: a.MeanReward,
			M2: a.M2, LastUpdated: a.LastUpdated,
		}
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.PersistPath), 0o755); err != nil {
		log.Warn().Err(err).Msg("bandit: mkdir for persist path failed")
		return
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("bandit: marshal state failed")
		return
	}
	tmp := m.cfg.PersistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Warn().Err(err).Msg("bandit: write temp state failed")
		return
	}
	if err := os.Rename(tmp, m.cfg.PersistPath); err != nil {
		log.Warn().Err(err).Msg("bandit: atomic rename of state failed")
	}
}

func (m *Manager) loadState() {
	data, err := os.ReadFile(m.cfg.PersistPath)
	if err != nil {
		return // no prior state: fresh cold-start arms, not an error
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warn().Err(err).Msg("bandit: discarding corrupt persisted state")
		return
	}
	for name, s := range state.Arms {
		arm, ok := m.arms[name]
		if !ok {
			arm = &types.BanditArm{Name: name}
			m.arms[name] = arm
		}
		arm.Pulls = s.Pulls
		arm.TotalReward = s.TotalReward
		arm.MeanReward = s.MeanReward
		arm.M2 = s.M2
		arm.LastUpdated = s.LastUpdated
	}
}

// ErrNoVariant is returned by callers that expect ChooseVariantForBand
// to always resolve for an action that IsBuySide(); kept as a named
// sentinel for band/variant-catalog consistency checks in scoring.
var ErrNoVariant = fmt.Errorf("bandit: no variant catalog entry for band")
