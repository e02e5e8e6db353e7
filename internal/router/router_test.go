package router

import (
	"testing"

	"github.com/tpu-agent/core/internal/types"
)

func TestClassifyPrefersExplicitKind(t *testing.T) {
	kind := Classify(map[string]any{"kind": "lp_add", "is_mint_init": true})
	if kind != types.EventLPAdd {
		t.Errorf("expected explicit kind to win, got %s", kind)
	}
}

func TestClassifyFallsBackToBooleanFlags(t *testing.T) {
	cases := []struct {
		payload map[string]any
		want    types.EventKind
	}{
		{map[string]any{"is_mint_init": true}, types.EventMintInit},
		{map[string]any{"is_lp_add": true}, types.EventLPAdd},
		{map[string]any{"is_social_post": true}, types.EventSocialPost},
		{map[string]any{"is_pool_update": true}, types.EventPoolUpdate},
		{map[string]any{"is_transfer": true}, types.EventTransfer},
		{map[string]any{}, types.EventSwap},
	}
	for _, c := range cases {
		if got := Classify(c.payload); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.payload, got, c.want)
		}
	}
}

type fakeGates struct {
	verdict RiskVerdict
	calls   int
}

func (f *fakeGates) Evaluate(event types.SignalEvent) RiskVerdict {
	f.calls++
	return f.verdict
}

type fakeLibrarian struct {
	ingested []types.SignalEvent
	err      error
}

func (f *fakeLibrarian) IngestStreamEvent(event types.SignalEvent) error {
	f.ingested = append(f.ingested, event)
	return f.err
}

func TestDispatchIngestsAndTagsEveryEvent(t *testing.T) {
	gates := &fakeGates{}
	lib := &fakeLibrarian{}
	r := New(gates, lib, nil, nil)

	r.Dispatch(map[string]any{"is_mint_init": true}, "TOKEN1", "WALLET1", "stream")

	if gates.calls != 1 {
		t.Fatalf("expected gates evaluated once, got %d", gates.calls)
	}
	if len(lib.ingested) != 1 {
		t.Fatalf("expected one event ingested, got %d", len(lib.ingested))
	}
	got := lib.ingested[0]
	if got.Kind != types.EventMintInit {
		t.Errorf("expected mint_init kind, got %s", got.Kind)
	}
	if got.Token != "TOKEN1" || got.Wallet != "WALLET1" || got.Genre != "stream" {
		t.Errorf("expected token/wallet/genre to propagate, got %+v", got)
	}
	found := false
	for _, tag := range got.Tags {
		if tag == "fast_snipe_candidate" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected fast_snipe_candidate tag on a mint_init event, got %v", got.Tags)
	}
}

func TestDispatchTriggersSnipeOnlyForMintAndLPEvents(t *testing.T) {
	var triggered []types.EventKind
	onSnipe := func(event types.SignalEvent, verdict RiskVerdict) {
		triggered = append(triggered, event.Kind)
	}
	r := New(&fakeGates{}, &fakeLibrarian{}, onSnipe, nil)

	r.Dispatch(map[string]any{"is_mint_init": true}, "T1", "", "stream")
	r.Dispatch(map[string]any{"is_lp_add": true}, "T2", "", "stream")
	r.Dispatch(map[string]any{}, "T3", "", "stream")

	if len(triggered) != 2 {
		t.Fatalf("expected snipe trigger for mint_init and lp_add only, got %v", triggered)
	}
}

func TestDispatchTriggersTradeOnlyForSwapEvents(t *testing.T) {
	var snipeTriggered, tradeTriggered []types.EventKind
	onSnipe := func(event types.SignalEvent, verdict RiskVerdict) {
		snipeTriggered = append(snipeTriggered, event.Kind)
	}
	onTrade := func(event types.SignalEvent, verdict RiskVerdict) {
		tradeTriggered = append(tradeTriggered, event.Kind)
	}
	r := New(&fakeGates{}, &fakeLibrarian{}, onSnipe, onTrade)

	r.Dispatch(map[string]any{"is_mint_init": true}, "T1", "", "stream")
	r.Dispatch(map[string]any{"is_lp_add": true}, "T2", "", "stream")
	r.Dispatch(map[string]any{}, "T3", "", "stream")
	r.Dispatch(map[string]any{"is_social_post": true}, "T4", "", "stream")

	if len(tradeTriggered) != 1 || tradeTriggered[0] != types.EventSwap {
		t.Fatalf("expected trade trigger for the swap event only, got %v", tradeTriggered)
	}
	if len(snipeTriggered) != 2 {
		t.Fatalf("expected snipe trigger unaffected by onTrade wiring, got %v", snipeTriggered)
	}
}

func TestDispatchNormalizesTaxBpsOnPayload(t *testing.T) {
	lib := &fakeLibrarian{}
	r := New(&fakeGates{}, lib, nil, nil)

	r.Dispatch(map[string]any{"buy_fee": 0.05}, "T1", "", "stream")

	if got := lib.ingested[0].Payload["total_tax_bps_normalized"]; got != 500 {
		t.Errorf("expected normalized tax bps 500, got %v", got)
	}
}

func TestDispatchToleratesNilGatesAndLibrarian(t *testing.T) {
	r := New(nil, nil, nil, nil)
	// Must not panic with every collaborator absent.
	r.Dispatch(map[string]any{"is_mint_init": true}, "T1", "", "stream")
}

func TestDispatchCarriesSignatureForIdempotentReingestion(t *testing.T) {
	lib := &fakeLibrarian{}
	r := New(&fakeGates{}, lib, nil, nil)

	r.Dispatch(map[string]any{"signature": "  abc123  "}, "T1", "", "stream")

	if lib.ingested[0].Signature != "abc123" {
		t.Errorf("expected trimmed signature abc123, got %q", lib.ingested[0].Signature)
	}
}
