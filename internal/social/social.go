// Package social implements the Social Ingestion Adapter (spec 4.M): it
// polls a configured set of handles via the real Twitter/X scraper
// client, extracts token/wallet/link mentions from post text, and
// emits a social_post signal event per post into the router. Grounded
// on pkg/twitter/monitor.go's last-seen-ID map plus poll-ticker shape,
// and pkg/extractor/extractor.go's regex extraction, now backed by
// imperatrona/twitter-scraper instead of hand-rolled HTTP+Nitter-RSS.
package social

import (
	"context"
	"regexp"
	"strings"
	"time"

	twitterscraper "github.com/imperatrona/twitter-scraper"
	"github.com/rs/zerolog/log"

	"github.com/tpu-agent/core/internal/types"
)

var (
	solanaAddrRe = regexp.MustCompile(`\b([1-9A-HJ-NP-Za-km-z]{32,44})\b`)
	evmAddrRe    = regexp.MustCompile(`\b(0x[a-fA-F0-9]{40})\b`)
	tickerRe     = regexp.MustCompile(`\$([A-Za-z][A-Za-z0-9]{1,10})\b`)
	genericURLRe = regexp.MustCompile(`https?://[^\s\)\]]+`)

	falsePositives = map[string]bool{
		"SOL": true, "USDC": true, "USDT": true, "BONK": true, "WIF": true,
		"JUP": true, "RAY": true, "ORCA": true, "Twitter": true, "Telegram": true,
	}
	noiseTickers = map[string]bool{
		"USD": true, "EUR": true, "GBP": true, "BTC": true, "ETH": true,
		"NFT": true, "DM": true, "RT": true, "DYOR": true, "NFA": true,
		"ATH": true, "ATL": true, "APY": true, "TVL": true, "DEX": true,
		"CEX": true, "DCA": true, "FUD": true, "HODL": true, "FOMO": true,
	}
)

// Extraction is the token/wallet/link content pulled from one post.
type Extraction struct {
	TokensMentioned  []string
	WalletsMentioned []string
	Links            []string
}

// Extract parses post text for mint-like addresses, $TICKER mentions,
// and links, filtering obvious false positives the same way the
// teacher's standalone extractor does.
func Extract(text string) Extraction {
	var ex Extraction

	for _, addr := range solanaAddrRe.FindAllString(text, -1) {
		if isValidSolanaAddress(addr) {
			ex.WalletsMentioned = appendUnique(ex.WalletsMentioned, addr)
		}
	}
	for _, addr := range evmAddrRe.FindAllString(text, -1) {
		ex.WalletsMentioned = appendUnique(ex.WalletsMentioned, addr)
	}
	for _, m := range tickerRe.FindAllStringSubmatch(text, -1) {
		ticker := strings.ToUpper(m[1])
		if !noiseTickers[ticker] {
			ex.TokensMentioned = appendUnique(ex.TokensMentioned, ticker)
		}
	}
	ex.Links = genericURLRe.FindAllString(text, -1)

	return ex
}

func isValidSolanaAddress(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 || falsePositives[addr] {
		return false
	}
	hasUpper, hasLower, hasDigit := false, false, false
	for _, c := range addr {
		switch {
		case c >= 'A' && c <= 'Z':
			hasUpper = true
		case c >= 'a' && c <= 'z':
			hasLower = true
		case c >= '0' && c <= '9':
			hasDigit = true
		}
	}
	return hasUpper && hasLower && hasDigit
}

func appendUnique(xs []string, v string) []string {
	for _, x := range xs {
		if x == v {
			return xs
		}
	}
	return append(xs, v)
}

// EventSink is the narrow capability the adapter dispatches into,
// matching the router's Dispatch signature and the one-way ownership
// shape (spec 9): the adapter builds a payload, the router owns
// classification/tagging/ingestion.
type EventSink interface {
	Dispatch(payload map[string]any, token, wallet, genre string)
}

// Config holds the polling knobs named in spec 4.M / config.Social.
type Config struct {
	Handles      []string
	PollInterval time.Duration
}

// Client is the narrow scraper capability the adapter needs, letting
// tests substitute a fake without touching the network.
type Client interface {
	FetchTweets(ctx context.Context, handle string, count int) ([]Post, error)
}

// Post is one fetched social post, trimmed to the fields this adapter
// cares about.
type Post struct {
	ID        string
	Handle    string
	Text      string
	CreatedAt time.Time
}

// Adapter polls configured handles and emits social_post events.
type Adapter struct {
	cfg    Config
	client Client
	sink   EventSink

	// Heartbeat, if set, is called on every poll tick so the crash
	// guardian sees this loop as alive.
	Heartbeat func()

	lastSeenID map[string]string
}

func New(cfg Config, client Client, sink EventSink) *Adapter {
	return &Adapter{cfg: cfg, client: client, sink: sink, lastSeenID: make(map[string]string)}
}

// Run polls every handle on cfg.PollInterval until ctx is cancelled.
// It keeps ticking (and beating) even with no handles configured, so
// the crash guardian doesn't mistake an idle-by-config adapter for a
// stalled one.
func (a *Adapter) Run(ctx context.Context) error {
	interval := a.cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if len(a.cfg.Handles) > 0 {
		a.pollAll(ctx)
	}
	a.beat()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.beat()
			if len(a.cfg.Handles) > 0 {
				a.pollAll(ctx)
			}
		}
	}
}

func (a *Adapter) beat() {
	if a.Heartbeat != nil {
		a.Heartbeat()
	}
}

func (a *Adapter) pollAll(ctx context.Context) {
	for _, handle := range a.cfg.Handles {
		if ctx.Err() != nil {
			return
		}
		posts, err := a.client.FetchTweets(ctx, handle, 20)
		if err != nil {
			log.Error().Err(err).Str("handle", handle).Msg("social: failed to fetch posts")
			continue
		}
		for _, p := range posts {
			a.process(p)
		}
	}
}

func (a *Adapter) process(p Post) {
	if p.ID != "" && p.ID == a.lastSeenID[p.Handle] {
		return
	}

	ex := Extract(p.Text)
	payload := map[string]any{
		"kind":              string(types.EventSocialPost),
		"is_social_post":    true,
		"handle":            p.Handle,
		"text":              p.Text,
		"tokens_mentioned":  ex.TokensMentioned,
		"wallets_mentioned": ex.WalletsMentioned,
		"links":             ex.Links,
	}

	var token, wallet string
	if len(ex.TokensMentioned) > 0 {
		token = ex.TokensMentioned[0]
	}
	if len(ex.WalletsMentioned) > 0 {
		wallet = ex.WalletsMentioned[0]
	}

	a.sink.Dispatch(payload, token, wallet, "social")

	if p.ID != "" {
		a.lastSeenID[p.Handle] = p.ID
	}
}

// ScraperClient adapts the real imperatrona/twitter-scraper client to
// the narrow Client interface above.
type ScraperClient struct {
	scraper *twitterscraper.Scraper
}

func NewScraperClient() *ScraperClient {
	return &ScraperClient{scraper: twitterscraper.New()}
}

func (c *ScraperClient) FetchTweets(ctx context.Context, handle string, count int) ([]Post, error) {
	var posts []Post
	for result := range c.scraper.GetTweets(ctx, handle, count) {
		if result.Error != nil {
			return posts, result.Error
		}
		posts = append(posts, Post{
			ID: result.Tweet.ID, Handle: handle,
			Text: result.Tweet.Text, CreatedAt: result.Tweet.TimeParsed,
		})
	}
	return posts, nil
}
