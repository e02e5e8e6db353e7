package autosell

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tpu-agent/core/internal/types"
)

// scriptedFeed replays a fixed price sequence, one price per Price call.
type scriptedFeed struct {
	mu     sync.Mutex
	prices []float64
	i      int
}

func (f *scriptedFeed) Price(ctx context.Context, token string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.prices) {
		return f.prices[len(f.prices)-1], true
	}
	p := f.prices[f.i]
	f.i++
	return p, true
}

type noopGuard struct{ rug, honeypot bool }

func (g noopGuard) IsRugging(token string, price float64, prices []float64) bool { return g.rug }
func (g noopGuard) IsHoneypot(token string) bool                                 { return g.honeypot }

type recordingSeller struct {
	mu    sync.Mutex
	sells int
}

func (s *recordingSeller) SellToken(ctx context.Context, token, wallet string, amountOverride, currentPrice, slipBps float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sells++
	return 1, nil
}

type noopStore struct{}

func (noopStore) TagToken(token, tag string) {}

type recordingStore struct {
	mu   sync.Mutex
	tags []string
}

func (s *recordingStore) TagToken(token, tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append(s.tags, token+":"+tag)
}

func testPosition() *types.Position {
	return &types.Position{Wallet: "WalletA", Token: "TokenA", Amount: 10, EntryPrice: 1.0, EntryTS: time.Now(), Status: types.PositionHolding}
}

func TestTrailingStopTriggersAfterProfitAndDrop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Millisecond
	cfg.TriggerPct = 0.20
	cfg.DropPct = 0.10

	// Rally to +50%, then drop 15% off the peak (above the 10% base drop).
	feed := &scriptedFeed{prices: []float64{1.0, 1.5, 1.5, 1.5, 1.5, 1.5, 1.275}}
	seller := &recordingSeller{}
	var exitReason ExitReason
	done := make(chan struct{})

	m := New(cfg, feed, noopGuard{}, seller, noopStore{})
	m.OnExit = func(pos *types.Position, reason ExitReason, insight Insight) {
		exitReason = reason
		close(done)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Watch(ctx, testPosition())

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for trailing-stop exit")
	}
	if exitReason != ExitTrailingStop {
		t.Errorf("expected trailing_stop_triggered, got %s", exitReason)
	}
	if seller.sells != 1 {
		t.Errorf("expected exactly one sell, got %d", seller.sells)
	}
}

func TestRugDetectionExitsImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Millisecond

	feed := &scriptedFeed{prices: []float64{1.0, 1.02}}
	seller := &recordingSeller{}
	done := make(chan ExitReason, 1)

	m := New(cfg, feed, noopGuard{rug: true}, seller, noopStore{})
	m.OnExit = func(pos *types.Position, reason ExitReason, insight Insight) { done <- reason }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Watch(ctx, testPosition())

	select {
	case reason := <-done:
		if reason != ExitRugDetected {
			t.Errorf("expected rug_detected, got %s", reason)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for rug exit")
	}
}

func TestHoneypotExitBlacklistsToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Millisecond

	feed := &scriptedFeed{prices: []float64{1.0, 1.01}}
	seller := &recordingSeller{}
	store := &recordingStore{}
	done := make(chan struct{})

	m := New(cfg, feed, noopGuard{honeypot: true}, seller, store)
	m.OnExit = func(pos *types.Position, reason ExitReason, insight Insight) { close(done) }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Watch(ctx, testPosition())

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for honeypot exit")
	}
	store.mu.Lock()
	tags := store.tags
	store.mu.Unlock()
	if len(tags) != 1 || tags[0] != "TokenA:blacklisted" {
		t.Errorf("expected the honeypot exit to tag TokenA as blacklisted, got %v", tags)
	}
}

func TestBreakevenLiftFiresOnceWhenProfitCrossesThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerPct = 10 // keep the trailing stop from pre-empting this check
	m := New(cfg, &scriptedFeed{}, noopGuard{}, &recordingSeller{}, noopStore{})

	state := &types.TrailingState{Peak: 1.0, Anchor: 1.0, StartedAt: time.Now()}
	state.PushPrice(1.0, state.StartedAt)
	state.PushPrice(1.12, time.Now())

	wantAnchor := min(state.Anchor, 1.12*0.995)
	reason, _ := m.evaluate(testPosition(), state, 1.12, time.Now(), time.Now().Add(time.Hour))
	if reason != "" {
		t.Fatalf("expected no exit on the lift tick itself, got %s", reason)
	}
	if !state.BreakevenLiftDone {
		t.Fatal("expected breakeven lift to have fired")
	}
	if state.Anchor != wantAnchor {
		t.Errorf("anchor = %v, want %v", state.Anchor, wantAnchor)
	}

	// A second tick must not flip breakeven_lift_done again or move the anchor.
	prevAnchor := state.Anchor
	m.evaluate(testPosition(), state, 1.20, time.Now(), time.Now().Add(time.Hour))
	if state.Anchor != prevAnchor {
		t.Errorf("anchor moved on a second tick after the lift already fired: %v -> %v", prevAnchor, state.Anchor)
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func TestTimeWeightedExitFiresPastDeadlineWhenProfitable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinProfitPct = 0.05
	m := New(cfg, &scriptedFeed{}, noopGuard{}, &recordingSeller{}, noopStore{})

	state := &types.TrailingState{Peak: 1.0, Anchor: 1.0, StartedAt: time.Now().Add(-time.Hour)}
	state.PushPrice(1.0, state.StartedAt)

	reason, _ := m.evaluate(testPosition(), state, 1.10, time.Now(), time.Now().Add(-time.Minute))
	if reason != ExitTimeWeighted {
		t.Errorf("expected time_weighted_exit past deadline while profitable, got %s", reason)
	}
}

func TestTimeWeightedExitDoesNotFireWhenUnprofitable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinProfitPct = 0.05
	cfg.TriggerPct = 10 // disable trailing stop for this check
	m := New(cfg, &scriptedFeed{}, noopGuard{}, &recordingSeller{}, noopStore{})

	state := &types.TrailingState{Peak: 1.0, Anchor: 1.0, StartedAt: time.Now().Add(-time.Hour)}
	state.PushPrice(1.0, state.StartedAt)

	reason, _ := m.evaluate(testPosition(), state, 0.98, time.Now(), time.Now().Add(-time.Minute))
	if reason == ExitTimeWeighted {
		t.Error("time_weighted_exit should not fire when unprofitable")
	}
}

func TestCancelStopsTheTaskWithoutSelling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	feed := &scriptedFeed{prices: []float64{1.0, 1.0, 1.0, 1.0, 1.0, 1.0}}
	seller := &recordingSeller{}

	m := New(cfg, feed, noopGuard{}, seller, noopStore{})
	pos := testPosition()
	m.Watch(context.Background(), pos)
	if m.ActiveCount() != 1 {
		t.Fatalf("expected one active task, got %d", m.ActiveCount())
	}

	m.Cancel(pos.Wallet, pos.Token)
	time.Sleep(50 * time.Millisecond)

	if m.ActiveCount() != 0 {
		t.Errorf("expected the cancelled task to be removed, got %d active", m.ActiveCount())
	}
	seller.mu.Lock()
	sells := seller.sells
	seller.mu.Unlock()
	if sells != 0 {
		t.Errorf("expected cancel to skip the sell path, got %d sells", sells)
	}
}

func TestDynamicDropWidensWithVolatility(t *testing.T) {
	cfg := DefaultConfig()
	m := New(cfg, &scriptedFeed{}, noopGuard{}, &recordingSeller{}, noopStore{})

	calm := &types.TrailingState{Peak: 1.0, Anchor: 1.0, StartedAt: time.Now()}
	for _, p := range []float64{1.0, 1.01, 0.99, 1.0, 1.01} {
		calm.PushPrice(p, time.Now())
	}
	_, calmInsight := m.evaluate(testPosition(), calm, 1.0, time.Now(), time.Now().Add(time.Hour))

	volatile := &types.TrailingState{Peak: 1.0, Anchor: 1.0, StartedAt: time.Now()}
	for _, p := range []float64{1.0, 1.3, 0.7, 1.2, 0.8} {
		volatile.PushPrice(p, time.Now())
	}
	_, volatileInsight := m.evaluate(testPosition(), volatile, 0.8, time.Now(), time.Now().Add(time.Hour))

	if volatileInsight.DynamicDropPct <= calmInsight.DynamicDropPct {
		t.Errorf("expected a volatile window to widen the dynamic drop: calm=%v volatile=%v",
			calmInsight.DynamicDropPct, volatileInsight.DynamicDropPct)
	}
}
