package social

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tpu-agent/core/internal/types"
)

func TestExtractPullsTickersWalletsAndLinks(t *testing.T) {
	text := "just aped into $BONK2 via https://pump.fun/abcd check wallet 7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	ex := Extract(text)

	if len(ex.TokensMentioned) != 1 || ex.TokensMentioned[0] != "BONK2" {
		t.Errorf("expected ticker BONK2, got %v", ex.TokensMentioned)
	}
	if len(ex.Links) != 1 {
		t.Errorf("expected one link extracted, got %v", ex.Links)
	}
	if len(ex.WalletsMentioned) != 1 {
		t.Errorf("expected one wallet-like address extracted, got %v", ex.WalletsMentioned)
	}
}

func TestExtractFiltersNoiseTickers(t *testing.T) {
	ex := Extract("check the $ATH on this one, also $NFA")
	if len(ex.TokensMentioned) != 0 {
		t.Errorf("expected noise tickers filtered, got %v", ex.TokensMentioned)
	}
}

type fakeClient struct {
	mu    sync.Mutex
	posts map[string][]Post
	calls int
}

func (c *fakeClient) FetchTweets(ctx context.Context, handle string, count int) ([]Post, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.posts[handle], nil
}

type dispatchCall struct {
	payload              map[string]any
	token, wallet, genre string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (s *recordingSink) Dispatch(payload map[string]any, token, wallet, genre string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, dispatchCall{payload: payload, token: token, wallet: wallet, genre: genre})
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestPollAllEmitsOneEventPerPost(t *testing.T) {
	client := &fakeClient{posts: map[string][]Post{
		"alice": {{ID: "1", Handle: "alice", Text: "buying $FOO now", CreatedAt: time.Now()}},
	}}
	sink := &recordingSink{}
	a := New(Config{Handles: []string{"alice"}, PollInterval: time.Hour}, client, sink)

	a.pollAll(context.Background())

	if sink.count() != 1 {
		t.Fatalf("expected one emitted event, got %d", sink.count())
	}
	if sink.calls[0].payload["kind"] != string(types.EventSocialPost) {
		t.Errorf("expected social_post kind, got %v", sink.calls[0].payload["kind"])
	}
	if sink.calls[0].genre != "social" {
		t.Errorf("expected genre=social, got %s", sink.calls[0].genre)
	}
}

func TestProcessSkipsDuplicateLastSeenID(t *testing.T) {
	client := &fakeClient{}
	sink := &recordingSink{}
	a := New(Config{Handles: []string{"alice"}}, client, sink)

	post := Post{ID: "42", Handle: "alice", Text: "hi", CreatedAt: time.Now()}
	a.process(post)
	a.process(post)

	if sink.count() != 1 {
		t.Errorf("expected the duplicate post to be skipped, got %d events", sink.count())
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	client := &fakeClient{}
	sink := &recordingSink{}
	a := New(Config{Handles: []string{"alice"}, PollInterval: time.Millisecond}, client, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}

func TestRunWithNoHandlesIdlesUntilCancelled(t *testing.T) {
	a := New(Config{}, &fakeClient{}, &recordingSink{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(2 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after cancellation even with no handles")
	}
}
