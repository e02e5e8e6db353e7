package librarian

import (
	"os"
	"testing"
	"time"

	"github.com/tpu-agent/core/internal/types"
)

func newTestLibrarian(t *testing.T) *Librarian {
	t.Helper()
	dir := t.TempDir()
	return New(dir)
}

func TestIngestIsIdempotentBySignature(t *testing.T) {
	l := newTestLibrarian(t)
	event := types.SignalEvent{
		Kind:      types.EventSwap,
		TS:        time.Now(),
		Payload:   map[string]any{"token": "Mint1111111111111111111111111111111111111"},
		Genre:     "stream",
		Token:     "Mint1111111111111111111111111111111111111",
		Signature: "sig-abc",
	}
	if err := l.IngestStreamEvent(event); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := l.IngestStreamEvent(event); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	signals := l.GetSignalsForToken(event.Token)
	if len(signals) != 1 {
		t.Fatalf("expected exactly one signal after duplicate ingestion, got %d", len(signals))
	}
}

func TestTagsAreDeduplicatedSets(t *testing.T) {
	l := newTestLibrarian(t)
	l.TagToken("T1", "hot")
	l.TagToken("T1", "hot")
	l.TagToken("T1", "risky")

	ctx := l.BuildContext("T1")
	if len(ctx.Tags) != 2 {
		t.Fatalf("expected 2 deduplicated tags, got %v", ctx.Tags)
	}
}

func TestEventsAreDroppedWithoutTokenOrWallet(t *testing.T) {
	l := newTestLibrarian(t)
	event := types.SignalEvent{Kind: types.EventSwap, TS: time.Now(), Payload: map[string]any{}}
	if err := l.IngestStreamEvent(event); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if stats := l.Stats(); stats.Tokens != 0 || stats.Wallets != 0 {
		t.Fatalf("expected event with no identity to be dropped, got %+v", stats)
	}
}

func TestDeriveBucketScoresUnknownTokenReturnsNil(t *testing.T) {
	l := newTestLibrarian(t)
	if got := l.DeriveBucketScores("nope"); got != nil {
		t.Fatalf("expected nil for unknown token, got %v", got)
	}
}

func TestDeriveBucketScoresReflectsSwapActivityAndTrustedWallets(t *testing.T) {
	l := newTestLibrarian(t)
	l.TagWallet("W1", "trusted_buyer")

	for i := 0; i < 3; i++ {
		event := types.SignalEvent{
			Kind:    types.EventSwap,
			TS:      time.Now(),
			Payload: map[string]any{"amount": 10.0},
			Token:   "T1",
			Wallet:  "W1",
		}
		if err := l.IngestStreamEvent(event); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	scores := l.DeriveBucketScores("T1")
	if scores["t0_flow_score"] <= 0 {
		t.Errorf("expected positive t0_flow_score from swap activity, got %v", scores)
	}
	if scores["wallet_score"] != 100 {
		t.Errorf("expected wallet_score 100 with a single trusted buyer, got %v", scores["wallet_score"])
	}
	if scores["liquidity_score"] <= 0 {
		t.Errorf("expected positive liquidity_score from swap volume, got %v", scores)
	}
}

func TestArchiveWritesDatePartitionedJSONL(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	event := types.SignalEvent{
		Kind:    types.EventSwap,
		TS:      time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		Payload: map[string]any{},
		Genre:   "stream",
		Token:   "T1",
	}
	if err := l.IngestStreamEvent(event); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	path := dir + "/stream/2026/03/04.jsonl"
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected archive file at %s: %v", path, err)
	}
}
