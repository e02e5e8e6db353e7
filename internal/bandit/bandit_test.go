package bandit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tpu-agent/core/internal/types"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.PersistPath == "" || cfg.PersistPath == DefaultConfig().PersistPath {
		cfg.PersistPath = filepath.Join(t.TempDir(), "bandit_state.json")
	}
	return New(nil, cfg)
}

func TestWarmupForcesColdArmSelection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Arms = []string{"a", "b"}
	cfg.MinPulls = 3
	m := newTestManager(t, cfg)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		seen[m.ChooseStrategy()] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected both cold arms to be selectable during warmup, got %v", seen)
	}
}

func TestUCB1PrefersUntestedArmFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = PolicyUCB1
	cfg.Arms = []string{"a", "b"}
	cfg.MinPulls = 0
	m := newTestManager(t, cfg)

	m.RecordReward("a", 0.9)
	m.RecordReward("a", 0.9)
	choice := m.ChooseStrategy()
	if choice != "b" {
		t.Fatalf("expected UCB1 to try the untested arm b first, got %s", choice)
	}
}

func TestRecordRewardClampsToConfiguredRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Arms = []string{"a"}
	cfg.ClipMin, cfg.ClipMax = -1, 1
	m := newTestManager(t, cfg)

	m.RecordReward("a", 50)
	m.mu.Lock()
	mean := m.arms["a"].MeanReward
	m.mu.Unlock()
	if mean != 1 {
		t.Errorf("expected reward clamped to 1, got %v", mean)
	}
}

func TestChooseVariantForBandNeverExceedsSizeCap(t *testing.T) {
	cfg := DefaultConfig()
	m := newTestManager(t, cfg)
	for i := 0; i < 20; i++ {
		v := m.ChooseVariantForBand(types.ActionBuy, "balanced")
		if v == nil {
			t.Fatal("expected a variant for the buy band")
		}
		if v.Size > 0.5 {
			t.Errorf("variant size %v exceeds the buy band's 0.5 cap", v.Size)
		}
		if len(v.Ladder) > 4 {
			t.Errorf("ladder depth %d exceeds the cap of 4", len(v.Ladder))
		}
	}
}

func TestChooseVariantForBandUnknownBandReturnsNil(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	if v := m.ChooseVariantForBand(types.ActionIgnore, "balanced"); v != nil {
		t.Errorf("expected nil variant for a non-buy-side band, got %+v", v)
	}
}

func TestStatePersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bandit_state.json")

	cfg := DefaultConfig()
	cfg.Arms = []string{"a", "b"}
	cfg.PersistPath = path
	m1 := New(nil, cfg)
	m1.RecordReward("a", 0.5)
	m1.RecordReward("a", 0.7)

	m2 := New(nil, cfg)
	m2.mu.Lock()
	pulls := m2.arms["a"].Pulls
	m2.mu.Unlock()
	if pulls != 2 {
		t.Fatalf("expected restored arm to carry 2 pulls from disk, got %d", pulls)
	}
}

func TestWelfordVarianceDefaultsBeforeTwoPulls(t *testing.T) {
	arm := &types.BanditArm{Name: "a"}
	if v := arm.Variance(); v != 1.0 {
		t.Errorf("expected default variance 1.0 with zero pulls, got %v", v)
	}
	arm.Update(0.3, time.Now())
	if v := arm.Variance(); v != 1.0 {
		t.Errorf("expected default variance 1.0 with one pull, got %v", v)
	}
	arm.Update(0.7, time.Now())
	if v := arm.Variance(); v <= 0 {
		t.Errorf("expected positive variance after two pulls, got %v", v)
	}
}
