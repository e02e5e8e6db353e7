package guardian

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type capturingAlerter struct {
	mu    sync.Mutex
	texts []string
}

func (a *capturingAlerter) Alert(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
}

func (a *capturingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.texts)
}

func TestStaleHeartbeatTriggersRestart(t *testing.T) {
	g := New(nil, nil)
	var starts int32

	start := func(ctx context.Context) error {
		atomic.AddInt32(&starts, 1)
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g.Register(ctx, "worker", start, WithHeartbeatTimeout(10*time.Millisecond), WithStartupGrace(0))
	time.Sleep(5 * time.Millisecond)
	if atomic.LoadInt32(&starts) != 1 {
		t.Fatalf("expected exactly one initial start, got %d", starts)
	}

	// Never call Beat — let the heartbeat go stale and the initial
	// backoff (1 s plus up to 0.4 s jitter) elapse, then force a check.
	time.Sleep(1500 * time.Millisecond)
	g.checkModules(ctx)
	// Give the restarted goroutine a moment to register its start.
	time.Sleep(10 * time.Millisecond)

	if atomic.LoadInt32(&starts) < 2 {
		t.Errorf("expected the stale module to be restarted, got %d starts", starts)
	}
}

func TestFreshHeartbeatPreventsRestart(t *testing.T) {
	g := New(nil, nil)
	var starts int32

	start := func(ctx context.Context) error {
		atomic.AddInt32(&starts, 1)
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g.Register(ctx, "worker", start, WithHeartbeatTimeout(50*time.Millisecond), WithStartupGrace(0))
	time.Sleep(5 * time.Millisecond)
	g.Beat("worker")
	g.checkModules(ctx)

	if atomic.LoadInt32(&starts) != 1 {
		t.Errorf("expected no restart while heartbeats are fresh, got %d starts", starts)
	}
}

func TestStartupGraceSuppressesImmediateRestart(t *testing.T) {
	g := New(nil, nil)
	var starts int32
	start := func(ctx context.Context) error {
		atomic.AddInt32(&starts, 1)
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g.Register(ctx, "worker", start, WithHeartbeatTimeout(time.Nanosecond), WithStartupGrace(time.Hour))
	time.Sleep(5 * time.Millisecond)
	g.checkModules(ctx)

	if atomic.LoadInt32(&starts) != 1 {
		t.Errorf("expected startup grace to suppress a restart, got %d starts", starts)
	}
}

func TestNoRestartOptionLeavesModuleDown(t *testing.T) {
	g := New(nil, nil)
	var starts int32
	start := func(ctx context.Context) error {
		atomic.AddInt32(&starts, 1)
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g.Register(ctx, "worker", start, WithHeartbeatTimeout(time.Nanosecond), WithStartupGrace(0), NoRestart())
	time.Sleep(5 * time.Millisecond)
	g.checkModules(ctx)
	time.Sleep(10 * time.Millisecond)

	if atomic.LoadInt32(&starts) != 1 {
		t.Errorf("expected no restart when restart is disabled, got %d starts", starts)
	}
}

func TestAlertThrottleSuppressesRepeats(t *testing.T) {
	g := New(nil, nil)
	if !g.shouldAlert("k") {
		t.Fatal("expected the first alert to fire")
	}
	if g.shouldAlert("k") {
		t.Error("expected a repeat alert within the cooldown to be suppressed")
	}
}

func TestStatusReportsRegisteredModules(t *testing.T) {
	g := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g.Register(ctx, "worker", func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() })
	time.Sleep(5 * time.Millisecond)

	snap := g.Status()
	if len(snap.Modules) != 1 || snap.Modules[0].Name != "worker" {
		t.Fatalf("expected one module named worker in the snapshot, got %+v", snap.Modules)
	}
	if !snap.Modules[0].Alive {
		t.Error("expected a freshly registered module to report alive")
	}
}
