// Package guardian implements the Crash Guardian (spec 4.K): a
// registrable heartbeat supervisor that restarts stalled loops with
// exponential backoff and jitter, polls coarse system/RPC health, and
// publishes a status snapshot for the status surface. Grounded on
// cmd/tracker/main.go's errCh-plus-ticker-loop supervision idiom,
// generalized into a registrable table per
// original_source/tpu/utils/crash_guardian.py's ModuleMeta/watchdog
// shape.
package guardian

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tpu-agent/core/internal/chainrpc"
	"github.com/tpu-agent/core/internal/metrics"
)

const (
	defaultHeartbeatTimeout = 90 * time.Second
	defaultStartupGrace     = 30 * time.Second
	watchdogInterval        = 2 * time.Second
	systemCheckInterval     = 60 * time.Second
	rpcCheckInterval        = 60 * time.Second
	alertThrottle           = 5 * time.Minute
	minRestartInterval      = 10 * time.Second
	backoffStart            = time.Second
	backoffMax              = 60 * time.Second
	highCPUThreshold        = 0.90
	highMemThreshold        = 0.90
)

// StartFunc is a long-running loop the guardian supervises. It should
// return promptly when ctx is cancelled, and call Beat periodically.
type StartFunc func(ctx context.Context) error

// moduleMeta tracks one registered loop's lifecycle.
type moduleMeta struct {
	name          string
	start         StartFunc
	heartbeatTO   time.Duration
	restart       bool
	critical      bool
	startupGrace  time.Duration
	minSleep      time.Duration
	lastBeat      time.Time
	lastRestart   time.Time
	backoff       time.Duration
	cancel        context.CancelFunc
}

// ModuleStatus is one module's row in a StatusSnapshot.
type ModuleStatus struct {
	Name        string
	Alive       bool
	LastBeat    time.Time
	Restarts    int
	Critical    bool
	BackoffSecs float64
}

// SystemStatus reports coarse resource usage, stdlib+runtime only.
type SystemStatus struct {
	Goroutines int
	HeapAllocMB float64
	HighUsage  bool
}

// RPCStatus reports the last blockhash ping outcome.
type RPCStatus struct {
	Healthy bool
	LastOK  time.Time
	LastErr string
}

// StatusSnapshot is exposed to the status/metrics surface.
type StatusSnapshot struct {
	TS      time.Time
	Modules []ModuleStatus
	System  SystemStatus
	RPC     RPCStatus
}

// Alerter receives throttled guardian alerts (e.g. a social or status
// sink); nil disables alerting beyond logging.
type Alerter interface {
	Alert(text string)
}

// Guardian supervises registered modules and coarse system/RPC health.
type Guardian struct {
	mu      sync.Mutex
	modules map[string]*moduleMeta
	restarts map[string]int
	lastAlert map[string]time.Time

	rpc     *chainrpc.Client
	alerter Alerter

	systemStatus SystemStatus
	rpcStatus    RPCStatus
}

// Option configures Register.
type Option func(*moduleMeta)

func WithHeartbeatTimeout(d time.Duration) Option { return func(m *moduleMeta) { m.heartbeatTO = d } }
func WithStartupGrace(d time.Duration) Option     { return func(m *moduleMeta) { m.startupGrace = d } }
func WithMinSleep(d time.Duration) Option         { return func(m *moduleMeta) { m.minSleep = d } }
func WithCritical(critical bool) Option           { return func(m *moduleMeta) { m.critical = critical } }
func NoRestart() Option                           { return func(m *moduleMeta) { m.restart = false } }

func New(rpc *chainrpc.Client, alerter Alerter) *Guardian {
	return &Guardian{
		modules:   make(map[string]*moduleMeta),
		restarts:  make(map[string]int),
		lastAlert: make(map[string]time.Time),
		rpc:       rpc,
		alerter:   alerter,
	}
}

// Register adds a supervised loop, launching it immediately.
func (g *Guardian) Register(ctx context.Context, name string, start StartFunc, opts ...Option) {
	meta := &moduleMeta{
		name: name, start: start,
		heartbeatTO:  defaultHeartbeatTimeout,
		restart:      true,
		critical:     true,
		startupGrace: defaultStartupGrace,
		backoff:      backoffStart,
		lastBeat:     time.Now(),
	}
	for _, opt := range opts {
		opt(meta)
	}

	g.mu.Lock()
	g.modules[name] = meta
	g.mu.Unlock()

	g.startModule(ctx, meta)
}

// Beat records a liveness pulse from a registered module.
func (g *Guardian) Beat(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if meta, ok := g.modules[name]; ok {
		meta.lastBeat = time.Now()
	}
}

func (g *Guardian) startModule(ctx context.Context, meta *moduleMeta) {
	runCtx, cancel := context.WithCancel(ctx)
	meta.cancel = cancel
	meta.lastRestart = time.Now()
	meta.backoff = backoffStart
	metrics.SetGuardianAlive(meta.name, true)

	go func() {
		err := meta.start(runCtx)
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Str("module", meta.name).Msg("guardian: supervised loop exited")
		}
	}()
}

// Run drives the watchdog, system, and RPC checks until ctx is
// cancelled.
func (g *Guardian) Run(ctx context.Context) error {
	watchdog := time.NewTicker(watchdogInterval)
	sysTicker := time.NewTicker(systemCheckInterval)
	rpcTicker := time.NewTicker(rpcCheckInterval)
	defer watchdog.Stop()
	defer sysTicker.Stop()
	defer rpcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watchdog.C:
			g.checkModules(ctx)
		case <-sysTicker.C:
			g.checkSystem()
		case <-rpcTicker.C:
			g.checkRPC(ctx)
		}
	}
}

func (g *Guardian) checkModules(ctx context.Context) {
	now := time.Now()

	g.mu.Lock()
	metas := make([]*moduleMeta, 0, len(g.modules))
	for _, m := range g.modules {
		metas = append(metas, m)
	}
	g.mu.Unlock()

	for _, meta := range metas {
		g.mu.Lock()
		withinGrace := now.Sub(meta.lastRestart) < meta.startupGrace
		stale := now.Sub(meta.lastBeat) > meta.heartbeatTO
		g.mu.Unlock()

		if withinGrace || !stale {
			metrics.SetGuardianAlive(meta.name, !stale)
			continue
		}

		metrics.SetGuardianAlive(meta.name, false)
		if g.shouldAlert("mod_" + meta.name + "_dead") {
			g.alert(meta.name + " unresponsive past heartbeat timeout")
		}
		if !meta.restart {
			continue
		}

		g.mu.Lock()
		delay := meta.backoff + time.Duration(rand.Int63n(int64(400*time.Millisecond)))
		if meta.minSleep > delay {
			delay = meta.minSleep
		}
		dueForRestart := now.Sub(meta.lastRestart) >= delay
		g.mu.Unlock()
		if !dueForRestart {
			continue
		}

		g.restartModule(ctx, meta)
	}
}

func (g *Guardian) restartModule(ctx context.Context, meta *moduleMeta) {
	g.mu.Lock()
	if meta.cancel != nil {
		meta.cancel()
	}
	g.restarts[meta.name]++
	g.mu.Unlock()

	metrics.IncGuardianRestart(meta.name)
	log.Warn().Str("module", meta.name).Msg("guardian: restarting stalled module")

	g.startModule(ctx, meta)

	g.mu.Lock()
	meta.backoff = minDuration(meta.backoff*2, backoffMax)
	g.mu.Unlock()
}

func (g *Guardian) checkSystem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := float64(ms.HeapAlloc) / (1024 * 1024)

	g.mu.Lock()
	g.systemStatus = SystemStatus{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: heapMB,
		HighUsage:   heapMB > 2048, // coarse stdlib+runtime proxy for "high usage"
	}
	high := g.systemStatus.HighUsage
	g.mu.Unlock()

	if high && g.shouldAlert("sys_high_usage") {
		g.alert("high memory usage detected")
	}
}

func (g *Guardian) checkRPC(ctx context.Context) {
	if g.rpc == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := g.rpc.GetLatestBlockhash(rctx, chainrpc.CommitmentConfirmed)

	g.mu.Lock()
	wasHealthy := g.rpcStatus.Healthy
	if err != nil {
		g.rpcStatus = RPCStatus{Healthy: false, LastOK: g.rpcStatus.LastOK, LastErr: err.Error()}
	} else {
		g.rpcStatus = RPCStatus{Healthy: true, LastOK: time.Now()}
	}
	healthy := g.rpcStatus.Healthy
	g.mu.Unlock()

	if !healthy && g.shouldAlert("rpc_down") {
		g.alert("RPC blockhash ping failed")
	} else if healthy && !wasHealthy && g.shouldAlert("rpc_recovered") {
		g.alert("RPC connectivity recovered")
	}
}

func (g *Guardian) shouldAlert(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.lastAlert[key]
	if ok && time.Since(last) < alertThrottle {
		return false
	}
	g.lastAlert[key] = time.Now()
	return true
}

func (g *Guardian) alert(text string) {
	log.Warn().Msg("guardian: " + text)
	if g.alerter != nil {
		g.alerter.Alert(text)
	}
}

// Status builds a point-in-time snapshot for the status surface.
func (g *Guardian) Status() StatusSnapshot {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	modules := make([]ModuleStatus, 0, len(g.modules))
	for name, meta := range g.modules {
		modules = append(modules, ModuleStatus{
			Name: name, Alive: now.Sub(meta.lastBeat) <= meta.heartbeatTO,
			LastBeat: meta.lastBeat, Restarts: g.restarts[name],
			Critical: meta.critical, BackoffSecs: meta.backoff.Seconds(),
		})
	}
	return StatusSnapshot{TS: now, Modules: modules, System: g.systemStatus, RPC: g.rpcStatus}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
