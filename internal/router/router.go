// Package router implements the Event Router (spec 4.B): it
// classifies incoming stream and social events, runs fast risk gates,
// forwards everything to the Data Librarian, and triggers the fast
// snipe path for new mints / LP adds. Grounded on
// pkg/twitter/monitor.go's extract-then-dispatch shape, generalized
// from tweets to every event kind.
package router

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tpu-agent/core/internal/metrics"
	"github.com/tpu-agent/core/internal/types"
)

// RiskVerdict is a gate's best-effort, non-fatal judgement. Gate
// rejection is expressed here, never as a Go error (spec 9).
type RiskVerdict struct {
	Blacklisted       bool
	HoneypotSimScore  float64
	RugSignature      bool
	LPLocked          bool
}

// RiskGates is the narrow capability the router calls into before
// librarian ingestion. A real implementation would consult an
// external blacklist/rug-signature service; the interface keeps that
// swappable.
type RiskGates interface {
	Evaluate(event types.SignalEvent) RiskVerdict
}

// Librarian is the narrow capability the router depends on for
// ingestion, matching the one-way ownership redesign note (spec 9):
// the router never reaches back into the librarian's internals.
type Librarian interface {
	IngestStreamEvent(event types.SignalEvent) error
}

// SnipeTrigger is invoked once risk gates and librarian ingestion have
// completed, for mint/LP events (onSnipe) or ordinary swaps (onTrade).
type SnipeTrigger func(event types.SignalEvent, risk RiskVerdict)

// Router classifies and dispatches events.
type Router struct {
	gates     RiskGates
	librarian Librarian
	onSnipe   SnipeTrigger
	onTrade   SnipeTrigger
}

// New constructs a Router with its dependencies wired at composition
// time (spec 9: explicit constructor wiring, no lazy global init).
// onSnipe fires for mint/LP events, onTrade for ordinary swaps; either
// may be nil.
func New(gates RiskGates, librarian Librarian, onSnipe, onTrade SnipeTrigger) *Router {
	return &Router{gates: gates, librarian: librarian, onSnipe: onSnipe, onTrade: onTrade}
}

// Classify maps a raw payload to an EventKind using the fields the
// spec names (mint/LP/swap/social).
func Classify(payload map[string]any) types.EventKind {
	if kind, ok := payload["kind"].(string); ok && kind != "" {
		return types.EventKind(kind)
	}
	switch {
	case payload["is_mint_init"] == true:
		return types.EventMintInit
	case payload["is_lp_add"] == true:
		return types.EventLPAdd
	case payload["is_social_post"] == true:
		return types.EventSocialPost
	case payload["is_pool_update"] == true:
		return types.EventPoolUpdate
	case payload["is_transfer"] == true:
		return types.EventTransfer
	default:
		return types.EventSwap
	}
}

// Dispatch classifies, gates, normalizes, and ingests one incoming
// event, then routes it onward to the Scoring Router: mint/LP events
// trigger the fast snipe path, ordinary swaps trigger the trade path.
func (r *Router) Dispatch(payload map[string]any, token, wallet, genre string) {
	kind := Classify(payload)
	payload["total_tax_bps_normalized"] = types.NormalizeTaxBps(payload)

	event := types.SignalEvent{
		Kind:      kind,
		TS:        time.Now(),
		Payload:   payload,
		Tags:      classificationTags(kind),
		Genre:     genre,
		Token:     token,
		Wallet:    wallet,
		Signature: stringField(payload, "signature"),
	}

	metrics.IncRouterEvent(string(kind))

	var verdict RiskVerdict
	if r.gates != nil {
		verdict = r.gates.Evaluate(event)
	}

	if r.librarian != nil {
		if err := r.librarian.IngestStreamEvent(event); err != nil {
			log.Warn().Err(err).Str("kind", string(kind)).Msg("router: librarian ingest failed")
		}
	}

	switch kind {
	case types.EventMintInit, types.EventLPAdd:
		if r.onSnipe != nil {
			r.onSnipe(event, verdict)
		}
	case types.EventSwap:
		if r.onTrade != nil {
			r.onTrade(event, verdict)
		}
	}
}

func classificationTags(kind types.EventKind) []string {
	tags := []string{string(kind)}
	switch kind {
	case types.EventMintInit, types.EventLPAdd:
		tags = append(tags, "fast_snipe_candidate")
	case types.EventSocialPost:
		tags = append(tags, "social")
	}
	return tags
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
