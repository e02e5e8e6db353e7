// Package metrics registers and exposes every Prometheus collector
// the agent's components update during operation. Collectors are
// declared and registered in init(), mirroring the pack's own
// metrics.go idiom, and served by the status/metrics surface's
// promhttp handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	FirehosePacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_firehose_packets_total", Help: "Firehose packets received, by outcome."},
		[]string{"outcome"}, // ok|malformed
	)
	FirehoseDecodeLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "agent_firehose_decode_latency_seconds", Help: "Time to decode one firehose frame."},
	)
	FirehoseTPS = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "agent_firehose_tps", Help: "Current observed trades-per-second."},
	)

	RouterEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_router_events_total", Help: "Events classified and dispatched, by kind."},
		[]string{"kind"},
	)

	ScoringVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_scoring_verdicts_total", Help: "Scoring verdicts emitted, by action."},
		[]string{"action", "mode"},
	)

	BanditArmPulls = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "agent_bandit_arm_pulls", Help: "Pull count per bandit arm."},
		[]string{"arm"},
	)
	BanditArmMeanReward = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "agent_bandit_arm_mean_reward", Help: "Mean reward per bandit arm."},
		[]string{"arm"},
	)

	ExecutorTradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_executor_trades_total", Help: "Trades executed, by side and result."},
		[]string{"side", "result"},
	)
	ExecutorSplitOrdersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "agent_executor_split_orders_total", Help: "Orders split due to price impact."},
	)

	AutosellExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_autosell_exits_total", Help: "Auto-sell exits, by reason."},
		[]string{"reason"},
	)

	SchedulerMarketHeat = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "agent_scheduler_market_heat", Help: "Smoothed market heat in [0,1]."},
	)
	SchedulerSystemStress = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "agent_scheduler_system_stress", Help: "Smoothed system stress in [0,1]."},
	)

	GuardianRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_guardian_restarts_total", Help: "Supervised loop restarts, by module."},
		[]string{"module"},
	)
	GuardianAlive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "agent_guardian_module_alive", Help: "1 if the module is currently alive."},
		[]string{"module"},
	)
)

func init() {
	prometheus.MustRegister(
		FirehosePacketsTotal, FirehoseDecodeLatencySeconds, FirehoseTPS,
		RouterEventsTotal,
		ScoringVerdictsTotal,
		BanditArmPulls, BanditArmMeanReward,
		ExecutorTradesTotal, ExecutorSplitOrdersTotal,
		AutosellExitsTotal,
		SchedulerMarketHeat, SchedulerSystemStress,
		GuardianRestartsTotal, GuardianAlive,
	)
}

func IncFirehosePacket(outcome string)     { FirehosePacketsTotal.WithLabelValues(outcome).Inc() }
func ObserveDecodeLatency(seconds float64) { FirehoseDecodeLatencySeconds.Observe(seconds) }
func SetFirehoseTPS(v float64)             { FirehoseTPS.Set(v) }

func IncRouterEvent(kind string) { RouterEventsTotal.WithLabelValues(kind).Inc() }

func IncScoringVerdict(action, mode string) { ScoringVerdictsTotal.WithLabelValues(action, mode).Inc() }

func SetBanditArm(arm string, pulls int, meanReward float64) {
	BanditArmPulls.WithLabelValues(arm).Set(float64(pulls))
	BanditArmMeanReward.WithLabelValues(arm).Set(meanReward)
}

func IncExecutorTrade(side, result string) { ExecutorTradesTotal.WithLabelValues(side, result).Inc() }
func IncSplitOrder()                       { ExecutorSplitOrdersTotal.Inc() }

func IncAutosellExit(reason string) { AutosellExitsTotal.WithLabelValues(reason).Inc() }

func SetMarketHeat(v float64)   { SchedulerMarketHeat.Set(v) }
func SetSystemStress(v float64) { SchedulerSystemStress.Set(v) }

func IncGuardianRestart(module string)    { GuardianRestartsTotal.WithLabelValues(module).Inc() }
func SetGuardianAlive(module string, v bool) {
	f := 0.0
	if v {
		f = 1.0
	}
	GuardianAlive.WithLabelValues(module).Set(f)
}
