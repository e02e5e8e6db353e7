// Package librarian implements the Data Librarian (spec 4.C): a
// central, mutex-guarded in-memory index of tokens, wallets, and
// signals, backed by an append-only date-partitioned JSONL archive.
// Grounded on pkg/db/store.go's method-naming/struct-wrapping style,
// translated from sqlite upserts to atomic JSON-file writes, and on
// pkg/twitter/monitor.go's in-memory map-of-state pattern.
package librarian

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/tpu-agent/core/internal/types"
)

// Context is what BuildContext hands to the scoring engines: every
// signal the librarian can recall about a token, merged into one
// object.
type Context struct {
	Token      string
	Meta       map[string]any
	Tags       []string
	ChartScore float64
	WalletTags map[string][]string
	SocialRefs []types.SignalEvent
	RiskFlags  []string
	VolumeSOL  float64
}

// Librarian is the central normalization and query surface.
type Librarian struct {
	mu sync.Mutex

	tokens  map[string]*types.TokenRecord
	wallets map[string]*types.WalletRecord
	seenSig map[string]struct{} // signature -> seen, for idempotent re-ingestion

	rootDir string
	cronSvc *cron.Cron
}

// New constructs a Librarian rooted at rootDir (default
// "runtime/library"), matching the persisted file layout in spec §6.
func New(rootDir string) *Librarian {
	if rootDir == "" {
		rootDir = "runtime/library"
	}
	return &Librarian{
		tokens:  make(map[string]*types.TokenRecord),
		wallets: make(map[string]*types.WalletRecord),
		seenSig: make(map[string]struct{}),
		rootDir: rootDir,
	}
}

// Start registers the retention cadences (spec 4.C: prune_memory,
// trim_token_history) on a cron schedule, wired through robfig/cron
// rather than a hand-rolled ticker goroutine.
func (l *Librarian) Start() {
	l.cronSvc = cron.New()
	_, _ = l.cronSvc.AddFunc("@every 1h", func() {
		l.PruneMemory(types.MaxTokenEvents, 14*24*time.Hour)
	})
	_, _ = l.cronSvc.AddFunc("@every 6h", func() {
		l.TrimTokenHistory(types.MaxTokenEvents, 30*24*time.Hour)
	})
	l.cronSvc.Start()
}

// Stop halts the retention cron.
func (l *Librarian) Stop() {
	if l.cronSvc != nil {
		l.cronSvc.Stop()
	}
}

// IngestStreamEvent derives (token, wallet) identity by priority
// (the event's own Token/Wallet first, then the payload's
// token/mint/token_mint and wallet/owner keys), tags both as
// "stream_seen", updates the in-memory index, and archives
// the event. Re-ingesting the same Signature is a no-op (idempotence,
// spec §8).
func (l *Librarian) IngestStreamEvent(event types.SignalEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Signature != "" {
		if _, dup := l.seenSig[event.Signature]; dup {
			return nil
		}
		l.seenSig[event.Signature] = struct{}{}
	}

	token := event.Token
	if token == "" {
		token = stringFromPayload(event.Payload, "token", "mint", "token_mint")
	}
	wallet := event.Wallet
	if wallet == "" {
		wallet = stringFromPayload(event.Payload, "wallet", "owner")
	}

	if token == "" && wallet == "" {
		return nil // neither available: event dropped, per spec 4.C
	}

	if token != "" {
		rec, ok := l.tokens[token]
		if !ok {
			rec = types.NewTokenRecord(token)
			l.tokens[token] = rec
		}
		rec.Tags["stream_seen"] = struct{}{}
		rec.PushEvent(event)
		if id := uuid.New().String(); id != "" {
			rec.Meta["last_signal_id"] = id
		}
	}
	if wallet != "" {
		rec, ok := l.wallets[wallet]
		if !ok {
			rec = types.NewWalletRecord(wallet)
			l.wallets[wallet] = rec
		}
		rec.Tags["stream_seen"] = struct{}{}
		rec.PushEvent(event)
	}

	return l.archive(event)
}

func stringFromPayload(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// archive appends event as one JSON line to
// <rootDir>/<genre>/YYYY/MM/DD.jsonl with a single O_APPEND write;
// no temp file or rename is used, on a new day's file or otherwise.
func (l *Librarian) archive(event types.SignalEvent) error {
	genre := event.Genre
	if genre == "" {
		genre = "stream"
	}
	dir := filepath.Join(l.rootDir, genre, event.TS.Format("2006"), event.TS.Format("01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("librarian: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, event.TS.Format("02")+".jsonl")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("librarian: open %s: %w", path, err)
	}
	defer f.Close()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("librarian: marshal event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("librarian: append %s: %w", path, err)
	}
	return nil
}

// BuildContext merges metadata/social/wallet recall plus in-memory
// TokenRecord into a single object consumed by scoring.
func (l *Librarian) BuildContext(token string) Context {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx := Context{Token: token, Meta: make(map[string]any), WalletTags: make(map[string][]string)}
	rec, ok := l.tokens[token]
	if !ok {
		return ctx
	}
	for tag := range rec.Tags {
		ctx.Tags = append(ctx.Tags, tag)
	}
	sort.Strings(ctx.Tags)
	for k, v := range rec.Meta {
		ctx.Meta[k] = v
	}
	for _, e := range rec.Events {
		if e.Kind == types.EventSocialPost {
			ctx.SocialRefs = append(ctx.SocialRefs, e)
		}
		if amt, ok := e.Payload["amount"].(float64); ok {
			ctx.VolumeSOL += amt
		}
	}
	return ctx
}

// DeriveBucketScores turns the raw signal history the Librarian holds
// for token into the weighted bucket inputs the Scoring Router's
// evaluate() pipeline reads (t0_flow_score, flow_score, wallet_score,
// liquidity_score, social_score, onchain_score, memory_score,
// chart_score). Each is a crude, cheap-to-compute proxy clamped to
// [0,100]; satisfies scoring.BucketSource.
func (l *Librarian) DeriveBucketScores(token string) map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.tokens[token]
	if !ok {
		return nil
	}

	var swapCount, socialCount, transferCount int
	var swapVolume float64
	var trustedBuyerHits, totalWallets int
	seenWallets := make(map[string]struct{})

	for _, e := range rec.Events {
		switch e.Kind {
		case types.EventSwap:
			swapCount++
			if amt, ok := e.Payload["amount"].(float64); ok {
				swapVolume += amt
			}
		case types.EventSocialPost:
			socialCount++
		case types.EventTransfer:
			transferCount++
		}
		if e.Wallet == "" {
			continue
		}
		if _, seen := seenWallets[e.Wallet]; seen {
			continue
		}
		seenWallets[e.Wallet] = struct{}{}
		totalWallets++
		if w, ok := l.wallets[e.Wallet]; ok {
			if _, trusted := w.Tags["trusted_buyer"]; trusted {
				trustedBuyerHits++
			}
		}
	}

	_, lpLocked := rec.Tags["lp_locked"]
	_, rugFlag := rec.Tags["rug_signature"]

	var walletScore float64
	if totalWallets > 0 {
		walletScore = types.Clamp(float64(trustedBuyerHits)/float64(totalWallets)*100, 0, 100)
	}

	memoryScore := types.Clamp(float64(len(rec.Events))/float64(types.MaxTokenEvents)*100, 0, 100)

	onchainScore := boolScore(lpLocked) - boolScore(rugFlag)*50
	onchainScore = types.Clamp(onchainScore, 0, 100)

	return map[string]float64{
		"t0_flow_score":   types.Clamp(float64(swapCount)*5, 0, 100),
		"flow_score":      types.Clamp(float64(swapCount+transferCount)*3, 0, 100),
		"wallet_score":    walletScore,
		"liquidity_score": types.Clamp(swapVolume/5, 0, 100),
		"social_score":    types.Clamp(float64(socialCount)*10, 0, 100),
		"onchain_score":   onchainScore,
		"memory_score":    memoryScore,
		"chart_score":     0, // overlaid separately from ChartMemory, not derivable from librarian state alone
	}
}

func boolScore(b bool) float64 {
	if b {
		return 100
	}
	return 0
}

// TagToken / TagWallet are set-based and held in the in-memory Tags
// set only; archive writes events, not tags, so tags are not
// persisted to disk.
func (l *Librarian) TagToken(token, tag string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.tokens[token]
	if !ok {
		rec = types.NewTokenRecord(token)
		l.tokens[token] = rec
	}
	rec.Tags[tag] = struct{}{}
}

func (l *Librarian) TagWallet(wallet, tag string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.wallets[wallet]
	if !ok {
		rec = types.NewWalletRecord(wallet)
		l.wallets[wallet] = rec
	}
	rec.Tags[tag] = struct{}{}
}

// TokenOrderBy enumerates GetTopTokens ranking criteria.
type TokenOrderBy string

const (
	OrderByActivity TokenOrderBy = "activity"
	OrderByScore    TokenOrderBy = "score"
)

// GetTopTokens ranks known tokens by recent activity or last score.
func (l *Librarian) GetTopTokens(by TokenOrderBy, limit int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	type ranked struct {
		mint  string
		value float64
	}
	var items []ranked
	for mint, rec := range l.tokens {
		var v float64
		switch by {
		case OrderByScore:
			if len(rec.Scores) > 0 {
				v = rec.Scores[len(rec.Scores)-1]
			}
		default:
			v = float64(len(rec.Events))
		}
		items = append(items, ranked{mint: mint, value: v})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].value > items[j].value })
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.mint
	}
	return out
}

// GetSignalsForToken returns the bounded, most-recent event FIFO for
// a mint.
func (l *Librarian) GetSignalsForToken(token string) []types.SignalEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.tokens[token]
	if !ok {
		return nil
	}
	out := make([]types.SignalEvent, len(rec.Events))
	copy(out, rec.Events)
	return out
}

// GetSignalsForWallet mirrors GetSignalsForToken for wallets.
func (l *Librarian) GetSignalsForWallet(wallet string) []types.SignalEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.wallets[wallet]
	if !ok {
		return nil
	}
	out := make([]types.SignalEvent, len(rec.Events))
	copy(out, rec.Events)
	return out
}

// Stats reports coarse index sizes, used by the status surface.
type Stats struct {
	Tokens  int
	Wallets int
}

func (l *Librarian) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Tokens: len(l.tokens), Wallets: len(l.wallets)}
}

// PruneMemory evicts event history beyond maxItemsPerKey or older
// than maxAge, across both token and wallet indices.
func (l *Librarian) PruneMemory(maxItemsPerKey int, maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for _, rec := range l.tokens {
		rec.Events = pruneEvents(rec.Events, maxItemsPerKey, cutoff)
	}
	for _, rec := range l.wallets {
		rec.Events = pruneEvents(rec.Events, maxItemsPerKey, cutoff)
	}
	log.Debug().Int("tokens", len(l.tokens)).Int("wallets", len(l.wallets)).Msg("librarian: pruned memory")
}

// TrimTokenHistory is PruneMemory scoped to tokens only, matching the
// spec's distinct retention knob for token history specifically.
func (l *Librarian) TrimTokenHistory(maxEntries int, maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for _, rec := range l.tokens {
		rec.Events = pruneEvents(rec.Events, maxEntries, cutoff)
	}
}

func pruneEvents(events []types.SignalEvent, maxItems int, cutoff time.Time) []types.SignalEvent {
	kept := events[:0:0]
	for _, e := range events {
		if e.TS.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if maxItems > 0 && len(kept) > maxItems {
		kept = kept[len(kept)-maxItems:]
	}
	return kept
}
