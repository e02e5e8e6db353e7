// Package firehose maintains the websocket connection to a local
// decoder endpoint, decodes length-delimited binary frames into trade
// events, rolls them into OHLCV bars, and fans them out to the Event
// Router. Grounded on cmd/tracker/main.go's reconnect-and-ticker idiom
// and the corpus's gorilla/websocket pattern for custom binary feeds.
package firehose

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tpu-agent/core/internal/metrics"
	"github.com/tpu-agent/core/internal/types"
)

// Packet is the decoded shape of one firehose frame: a slot plus the
// transactions bundled into it. Each websocket message carries one
// frame, and the frame has no length prefix of its own; its fixed,
// big-endian layout is given on decodeFrame. No generated protobuf
// code is used.
type Packet struct {
	Slot         uint64
	Transactions []TxRecord
}

// TxRecord is one transaction's worth of trade data inside a Packet.
type TxRecord struct {
	TokenMint string
	Price     float64
	Amount    float64
	TS        time.Time
}

// RouterFunc is how decoded events reach the Event Router without the
// firehose package importing it directly (keeps the dependency graph
// one-way, per the spec's cyclic-reference redesign note).
type RouterFunc func(types.TradeEvent)

// Listener owns the websocket connection, the bounded trade ring, and
// the per-token OHLCV builders.
type Listener struct {
	url          string
	stallTimeout time.Duration
	onTrade      RouterFunc

	// Heartbeat, if set, is called on every reconnect attempt and
	// every received frame, so the crash guardian sees this loop as
	// alive whether or not the socket is currently connected.
	Heartbeat func()

	mu     sync.Mutex
	ring   []types.TradeEvent
	ohlcv  map[string]map[time.Duration][]types.Bar
	live   bool
	tps    float64

	lastPacket time.Time
}

// New constructs a Listener bound to the local decoder endpoint.
func New(url string, stallTimeout time.Duration, onTrade RouterFunc) *Listener {
	if stallTimeout <= 0 {
		stallTimeout = 5 * time.Second
	}
	return &Listener{
		url:          url,
		stallTimeout: stallTimeout,
		onTrade:      onTrade,
		ohlcv:        make(map[string]map[time.Duration][]types.Bar),
	}
}

// Start enters the reconnect loop. It returns only when ctx is
// cancelled; dial, read and stall errors are logged and retried after
// 2 s — restartability is the guardian's job, not this loop's.
func (l *Listener) Start(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.beat()
		if err := l.runOnce(ctx); err != nil {
			log.Warn().Err(err).Str("url", l.url).Msg("firehose: connection error, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	l.setLive(true)
	defer l.setLive(false)

	stall := time.NewTimer(l.stallTimeout)
	defer stall.Stop()

	frames := make(chan []byte, 64)
	errs := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errs <- err
				return
			}
			frames <- data
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return fmt.Errorf("read: %w", err)
		case <-stall.C:
			return fmt.Errorf("stall: no packet in %s", l.stallTimeout)
		case frame := <-frames:
			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(l.stallTimeout)
			l.beat()
			l.handleFrame(frame)
		}
	}
}

func (l *Listener) beat() {
	if l.Heartbeat != nil {
		l.Heartbeat()
	}
}

func (l *Listener) handleFrame(frame []byte) {
	start := time.Now()
	pkt, err := decodeFrame(frame)
	if err != nil {
		metrics.IncFirehosePacket("malformed")
		log.Debug().Err(err).Msg("firehose: dropped malformed packet")
		return
	}
	metrics.IncFirehosePacket("ok")
	metrics.ObserveDecodeLatency(time.Since(start).Seconds())

	l.mu.Lock()
	l.lastPacket = time.Now()
	l.mu.Unlock()

	for _, tx := range pkt.Transactions {
		ev := types.TradeEvent{TokenMint: tx.TokenMint, TS: tx.TS, Price: tx.Price, Amount: tx.Amount}
		l.recordTrade(ev)
		l.buildBar(ev)
		if l.onTrade != nil {
			l.onTrade(ev)
		}
	}
	l.updateTPS(len(pkt.Transactions))
}

// decodeFrame parses one frame (one websocket message):
// uint64 slot | uint16 txCount | txCount * (uint16 mintLen | mint | float64 price | float64 amount | uint64 tsNanos)
// Kept deliberately simple: the mint is length-prefixed UTF-8, price
// and amount are float64, ts is unix nanos, all big-endian.
func decodeFrame(data []byte) (Packet, error) {
	r := newByteReader(data)
	slot, err := r.u64()
	if err != nil {
		return Packet{}, fmt.Errorf("read slot: %w", err)
	}
	count, err := r.u16()
	if err != nil {
		return Packet{}, fmt.Errorf("read tx count: %w", err)
	}
	pkt := Packet{Slot: slot, Transactions: make([]TxRecord, 0, count)}
	for i := uint16(0); i < count; i++ {
		mintLen, err := r.u16()
		if err != nil {
			return Packet{}, fmt.Errorf("read mint len: %w", err)
		}
		mint, err := r.bytes(int(mintLen))
		if err != nil {
			return Packet{}, fmt.Errorf("read mint: %w", err)
		}
		price, err := r.f64()
		if err != nil {
			return Packet{}, fmt.Errorf("read price: %w", err)
		}
		amount, err := r.f64()
		if err != nil {
			return Packet{}, fmt.Errorf("read amount: %w", err)
		}
		tsNanos, err := r.u64()
		if err != nil {
			return Packet{}, fmt.Errorf("read ts: %w", err)
		}
		pkt.Transactions = append(pkt.Transactions, TxRecord{
			TokenMint: string(mint),
			Price:     price,
			Amount:    amount,
			TS:        time.Unix(0, int64(tsNanos)),
		})
	}
	return pkt, nil
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(b []byte) *byteReader { return &byteReader{data: b} }

func (r *byteReader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *byteReader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *byteReader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *byteReader) f64() (float64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (l *Listener) recordTrade(ev types.TradeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring = append(l.ring, ev)
	if len(l.ring) > types.MaxTradeRing {
		l.ring = l.ring[len(l.ring)-types.MaxTradeRing:]
	}
}

// buildBar maintains the 1s, 5s, and 60s granularity bars for the
// token the trade belongs to. Bars are strictly ordered by
// BucketStart and satisfy Low <= Open,Close <= High, Volume >= 0.
func (l *Listener) buildBar(ev types.TradeEvent) {
	granularities := []time.Duration{time.Second, 5 * time.Second, 60 * time.Second}
	l.mu.Lock()
	defer l.mu.Unlock()
	byGran, ok := l.ohlcv[ev.TokenMint]
	if !ok {
		byGran = make(map[time.Duration][]types.Bar)
		l.ohlcv[ev.TokenMint] = byGran
	}
	for _, g := range granularities {
		bucket := ev.TS.Truncate(g)
		bars := byGran[g]
		if len(bars) == 0 || bars[len(bars)-1].BucketStart.Before(bucket) {
			bars = append(bars, types.Bar{
				BucketStart: bucket,
				Open:        ev.Price,
				High:        ev.Price,
				Low:         ev.Price,
				Close:       ev.Price,
				Volume:      ev.Amount,
				Trades:      1,
			})
		} else {
			b := &bars[len(bars)-1]
			if ev.Price > b.High {
				b.High = ev.Price
			}
			if ev.Price < b.Low {
				b.Low = ev.Price
			}
			b.Close = ev.Price
			b.Volume += ev.Amount
			b.Trades++
		}
		byGran[g] = bars
	}
}

func (l *Listener) updateTPS(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Exponentially-weighted count of trades per received frame; it is
	// not divided by elapsed time, so it equals trades/sec only when
	// frames arrive once a second. Same smoothing convention as the
	// scheduler (alpha = 0.3).
	const alpha = 0.3
	l.tps = alpha*float64(n) + (1-alpha)*l.tps
	metrics.SetFirehoseTPS(l.tps)
}

func (l *Listener) setLive(v bool) {
	l.mu.Lock()
	l.live = v
	l.mu.Unlock()
}

// IsLive reports whether the websocket connection is currently up.
func (l *Listener) IsLive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// CurrentTPS returns the smoothed trades-per-frame value kept by
// updateTPS.
func (l *Listener) CurrentTPS() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tps
}

// RecentTrades returns up to limit most recent trades from the ring.
func (l *Listener) RecentTrades(limit int) []types.TradeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.ring) {
		limit = len(l.ring)
	}
	out := make([]types.TradeEvent, limit)
	copy(out, l.ring[len(l.ring)-limit:])
	return out
}

// RecentOHLCV returns bars for (token, granularity) within windowS of now.
func (l *Listener) RecentOHLCV(token string, windowS, granularityS int) []types.Bar {
	l.mu.Lock()
	defer l.mu.Unlock()
	byGran, ok := l.ohlcv[token]
	if !ok {
		return nil
	}
	bars, ok := byGran[time.Duration(granularityS)*time.Second]
	if !ok {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(windowS) * time.Second)
	var out []types.Bar
	for _, b := range bars {
		if !b.BucketStart.Before(cutoff) {
			out = append(out, b)
		}
	}
	return out
}
