package featurestore

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/tpu-agent/core/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{Path: filepath.Join(dir, "fs"), FlushEvery: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestRewardShapingExtremes(t *testing.T) {
	up := ComputeReward(100, 0, 0)
	want := math.Tanh(100.0 / 6.0)
	if math.Abs(up-want) > 1e-9 {
		t.Errorf("positive reward = %v, want ~%v", up, want)
	}
	if up > 1 || up < -1 {
		t.Errorf("reward out of clamp range: %v", up)
	}

	down := ComputeReward(-100, 0, 0)
	wantDown := math.Tanh(-100.0 / 6.0)
	if math.Abs(down-wantDown) > 1e-9 {
		t.Errorf("negative reward = %v, want ~%v", down, wantDown)
	}
}

func TestRewardShapingPenalizesSlippage(t *testing.T) {
	clean := ComputeReward(10, 0, 30)
	slipped := ComputeReward(10, 200, 30)
	if slipped >= clean {
		t.Errorf("slippage should reduce reward: clean=%v slipped=%v", clean, slipped)
	}
}

func TestRewardAlwaysClamped(t *testing.T) {
	for _, pnl := range []float64{-1000, -1, 0, 1, 1000} {
		r := ComputeReward(pnl, 500, 0)
		if r < -1 || r > 1 {
			t.Errorf("reward %v out of [-1,1] for pnl=%v", r, pnl)
		}
	}
}

func TestAppendFlushesAtThreshold(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.Append(types.FeatureRow{Kind: types.FeatureTrade, TS: time.Now(), Payload: map[string]any{"i": i}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	s.mu.Lock()
	bufLen := len(s.buffer)
	s.mu.Unlock()
	if bufLen != 0 {
		t.Errorf("expected buffer flushed at threshold, got %d pending", bufLen)
	}
}

func TestRecordOutcomeWritesTradeAndWeightRows(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordOutcome("ucb1", "TokenX", 12.5, 40, 90); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	s.ForceFlush()

	trades := s.GetLastEvents(types.FeatureTrade, 10)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade row, got %d", len(trades))
	}
	weights := s.GetLastEvents(types.FeatureStrategyWeight, 10)
	if len(weights) != 1 {
		t.Fatalf("expected 1 strategy_weight row, got %d", len(weights))
	}
	if weights[0].Payload["strategy"] != "ucb1" {
		t.Errorf("unexpected strategy field: %v", weights[0].Payload["strategy"])
	}
}

func TestGetRecentRewardsByStrategyFiltersByName(t *testing.T) {
	s := newTestStore(t)
	_ = s.RecordOutcome("ucb1", "TokenX", 10, 0, 0)
	_ = s.RecordOutcome("thompson", "TokenY", -10, 0, 0)
	s.ForceFlush()

	rewards := s.GetRecentRewardsByStrategy("ucb1", time.Hour)
	if len(rewards) != 1 {
		t.Fatalf("expected 1 reward for ucb1, got %d", len(rewards))
	}
	if rewards[0] <= 0 {
		t.Errorf("expected positive reward for profitable ucb1 trade, got %v", rewards[0])
	}
}

func TestWALRecoveryReplaysUnflushedRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fs")

	s1, err := New(Config{Path: path, FlushEvery: 1000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Append(types.FeatureRow{Kind: types.FeatureTrade, TS: time.Now(), Payload: map[string]any{"x": 1}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Simulate a crash: close the WAL file without flushing the buffer.
	s1.walFile.Close()

	s2, err := New(Config{Path: path, FlushEvery: 1000})
	if err != nil {
		t.Fatalf("New (recovery): %v", err)
	}
	t.Cleanup(s2.Stop)

	rows := s2.scanRecentShards(types.FeatureTrade, 10)
	if len(rows) != 1 {
		t.Fatalf("expected WAL-recovered row to land in a shard, got %d", len(rows))
	}
}
