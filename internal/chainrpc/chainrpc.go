// Package chainrpc is the agent's only point of contact with a chain
// endpoint. It wraps gagliardetto/solana-go's RPC and websocket
// clients behind a narrow interface so the rest of the agent never
// constructs its own endpoint list or wallet signer — that
// bootstrapping is handed in by the out-of-scope host process.
package chainrpc

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

// Commitment re-exports the three levels the spec names so callers
// don't need to import the SDK package directly.
type Commitment = rpc.CommitmentType

const (
	CommitmentProcessed = rpc.CommitmentProcessed
	CommitmentConfirmed = rpc.CommitmentConfirmed
	CommitmentFinalized = rpc.CommitmentFinalized
)

// Provider is the narrow interface the out-of-scope host hands in:
// "an RPC endpoint provider". The agent core only ever depends on
// this interface, never on how the endpoints were discovered.
type Provider interface {
	RPCClient() *rpc.Client
	WSClient(ctx context.Context) (*ws.Client, error)
}

// Client is the thin pass-through surface named in spec §6/4.L.
type Client struct {
	provider Provider
	timeout  time.Duration
}

// New builds a Client around a Provider.
func New(provider Provider, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{provider: provider, timeout: timeout}
}

func (c *Client) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.timeout)
}

// ValidateAddress is the single source of truth for the base58
// 32-44 char mint/wallet/signature invariant.
func ValidateAddress(s string) (solana.PublicKey, error) {
	if len(s) < 32 || len(s) > 44 {
		return solana.PublicKey{}, fmt.Errorf("address %q: invalid length", s)
	}
	return solana.PublicKeyFromBase58(s)
}

// GetLatestBlockhash wraps rpc.Client.GetLatestBlockhash.
func (c *Client) GetLatestBlockhash(ctx context.Context, commitment Commitment) (*rpc.GetLatestBlockhashResult, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return c.provider.RPCClient().GetLatestBlockhash(ctx, commitment)
}

// GetBalance wraps rpc.Client.GetBalance.
func (c *Client) GetBalance(ctx context.Context, addr solana.PublicKey, commitment Commitment) (uint64, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	out, err := c.provider.RPCClient().GetBalance(ctx, addr, commitment)
	if err != nil {
		return 0, fmt.Errorf("getBalance %s: %w", addr, err)
	}
	return out.Value, nil
}

// GetTokenAccountsByOwner wraps rpc.Client.GetTokenAccountsByOwner.
func (c *Client) GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, mint solana.PublicKey) (*rpc.GetTokenAccountsResult, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return c.provider.RPCClient().GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{Mint: &mint}, &rpc.GetTokenAccountsOpts{Commitment: CommitmentConfirmed})
}

// GetTokenLargestAccounts wraps rpc.Client.GetTokenLargestAccounts.
func (c *Client) GetTokenLargestAccounts(ctx context.Context, mint solana.PublicKey) (*rpc.GetTokenLargestAccountsResult, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return c.provider.RPCClient().GetTokenLargestAccounts(ctx, mint, CommitmentConfirmed)
}

// GetSignaturesForAddress wraps rpc.Client.GetSignaturesForAddress.
func (c *Client) GetSignaturesForAddress(ctx context.Context, addr solana.PublicKey, limit int) ([]*rpc.TransactionSignature, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return c.provider.RPCClient().GetSignaturesForAddressWithOpts(ctx, addr, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: CommitmentConfirmed,
	})
}

// GetTransaction wraps rpc.Client.GetTransaction.
func (c *Client) GetTransaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	maxVer := uint64(0)
	return c.provider.RPCClient().GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVer,
	})
}

// GetAccountInfo wraps rpc.Client.GetAccountInfo.
func (c *Client) GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return c.provider.RPCClient().GetAccountInfo(ctx, addr)
}

// SendRawTransaction wraps rpc.Client.SendRawTransaction.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("decode raw tx: %w", err)
	}
	return c.provider.RPCClient().SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: CommitmentProcessed,
	})
}

// SimulateTransaction wraps rpc.Client.SimulateTransaction.
func (c *Client) SimulateTransaction(ctx context.Context, raw []byte) (*rpc.SimulateTransactionResponse, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw tx: %w", err)
	}
	return c.provider.RPCClient().SimulateTransaction(ctx, tx)
}

// GetSignatureStatuses wraps rpc.Client.GetSignatureStatuses.
func (c *Client) GetSignatureStatuses(ctx context.Context, sigs []solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	return c.provider.RPCClient().GetSignatureStatuses(ctx, true, sigs...)
}

// ConfirmSignature polls GetSignatureStatuses up to `retries` times,
// waiting `interval` between attempts, for finalized confirmation —
// the spec's "finalized for sell confirmation with retries x timeout".
func (c *Client) ConfirmSignature(ctx context.Context, sig solana.Signature, retries int, interval time.Duration) (bool, error) {
	for i := 0; i < retries; i++ {
		statuses, err := c.GetSignatureStatuses(ctx, []solana.Signature{sig})
		if err == nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			st := statuses.Value[0]
			if st.Err != nil {
				return false, fmt.Errorf("transaction %s failed: %v", sig, st.Err)
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return true, nil
			}
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
	return false, nil
}

// SubscriptionKind enumerates the websocket subscription primitives.
type SubscriptionKind string

const (
	SubLogs      SubscriptionKind = "logsSubscribe"
	SubAccount   SubscriptionKind = "accountSubscribe"
	SubProgram   SubscriptionKind = "programSubscribe"
	SubSignature SubscriptionKind = "signatureSubscribe"
)

// Subscription is a live websocket subscription handle the caller can
// cancel independently.
type Subscription struct {
	Kind   SubscriptionKind
	Key    string
	cancel context.CancelFunc
}

// Close tears down the subscription's background goroutine.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// LogsSubscribe mirrors the ws.Client.LogsSubscribeMentions primitive,
// invoking onLog for every notification until the subscription or
// parent context ends.
func (c *Client) LogsSubscribe(ctx context.Context, mention solana.PublicKey, onLog func(sig solana.Signature, logs []string)) (*Subscription, error) {
	wsClient, err := c.provider.WSClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("logsSubscribe: ws client: %w", err)
	}
	sub, err := wsClient.LogsSubscribeMentions(mention, CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("logsSubscribe: %w", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}
			got, err := sub.Recv(subCtx)
			if err != nil {
				return
			}
			if got != nil && got.Value != nil {
				onLog(got.Value.Signature, got.Value.Logs)
			}
		}
	}()
	return &Subscription{Kind: SubLogs, Key: mention.String(), cancel: cancel}, nil
}

// AccountSubscribe mirrors ws.Client.AccountSubscribe, used by the
// executor to watch pool/ATA accounts for a given position.
func (c *Client) AccountSubscribe(ctx context.Context, account solana.PublicKey, onUpdate func(data []byte)) (*Subscription, error) {
	wsClient, err := c.provider.WSClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("accountSubscribe: ws client: %w", err)
	}
	sub, err := wsClient.AccountSubscribe(account, CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("accountSubscribe: %w", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}
			got, err := sub.Recv(subCtx)
			if err != nil {
				return
			}
			if got != nil {
				onUpdate(got.Value.Account.Data.GetBinary())
			}
		}
	}()
	return &Subscription{Kind: SubAccount, Key: account.String(), cancel: cancel}, nil
}

// ProgramSubscribe mirrors ws.Client.ProgramSubscribe.
func (c *Client) ProgramSubscribe(ctx context.Context, program solana.PublicKey, onUpdate func(pubkey solana.PublicKey, data []byte)) (*Subscription, error) {
	wsClient, err := c.provider.WSClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("programSubscribe: ws client: %w", err)
	}
	sub, err := wsClient.ProgramSubscribe(program, CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("programSubscribe: %w", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}
			got, err := sub.Recv(subCtx)
			if err != nil {
				return
			}
			if got != nil {
				onUpdate(got.Value.Pubkey, got.Value.Account.Data.GetBinary())
			}
		}
	}()
	return &Subscription{Kind: SubProgram, Key: program.String(), cancel: cancel}, nil
}

// SignatureSubscribe mirrors ws.Client.SignatureSubscribe, used to
// learn the moment a submitted transaction lands.
func (c *Client) SignatureSubscribe(ctx context.Context, sig solana.Signature, onResult func(err any)) (*Subscription, error) {
	wsClient, err := c.provider.WSClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("signatureSubscribe: ws client: %w", err)
	}
	sub, err := wsClient.SignatureSubscribe(sig, CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("signatureSubscribe: %w", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer sub.Unsubscribe()
		got, err := sub.Recv(subCtx)
		if err == nil && got != nil {
			onResult(got.Value.Err)
		}
	}()
	return &Subscription{Kind: SubSignature, Key: sig.String(), cancel: cancel}, nil
}
