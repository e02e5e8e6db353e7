package firehose

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/tpu-agent/core/internal/types"
)

func encodeTestFrame(t *testing.T, slot uint64, mint string, price, amount float64, tsNanos uint64) []byte {
	t.Helper()
	buf := make([]byte, 0, 64)
	put64 := func(v uint64) {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		buf = append(buf, b...)
	}
	put16 := func(v uint16) {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, v)
		buf = append(buf, b...)
	}
	putF64 := func(v float64) { put64(math.Float64bits(v)) }

	put64(slot)
	put16(1) // tx count
	put16(uint16(len(mint)))
	buf = append(buf, []byte(mint)...)
	putF64(price)
	putF64(amount)
	put64(tsNanos)
	return buf
}

func TestBuildBarInvariants(t *testing.T) {
	l := New("ws://example.invalid", time.Second, nil)
	base := time.Unix(1700000000, 0)
	trades := []types.TradeEvent{
		{TokenMint: "T1", TS: base, Price: 1.0, Amount: 10},
		{TokenMint: "T1", TS: base.Add(100 * time.Millisecond), Price: 1.2, Amount: 5},
		{TokenMint: "T1", TS: base.Add(200 * time.Millisecond), Price: 0.9, Amount: 3},
	}
	var totalVolume float64
	for _, tr := range trades {
		l.buildBar(tr)
		totalVolume += tr.Amount
	}

	bars := l.RecentOHLCV("T1", 3600, 1)
	if len(bars) != 1 {
		t.Fatalf("expected one 1s bucket, got %d", len(bars))
	}
	b := bars[0]
	if b.Low > b.Open || b.Low > b.Close || b.High < b.Open || b.High < b.Close {
		t.Errorf("bar invariant violated: %+v", b)
	}
	if b.Volume != totalVolume {
		t.Errorf("volume = %v, want %v", b.Volume, totalVolume)
	}
	if b.Low != 0.9 || b.High != 1.2 {
		t.Errorf("unexpected high/low: %+v", b)
	}
}

func TestRecentTradesRingBounded(t *testing.T) {
	l := New("ws://example.invalid", time.Second, nil)
	for i := 0; i < types.MaxTradeRing+50; i++ {
		l.recordTrade(types.TradeEvent{TokenMint: "T1", Price: 1, Amount: 1, TS: time.Now()})
	}
	if got := len(l.RecentTrades(0)); got != types.MaxTradeRing {
		t.Errorf("ring size = %d, want %d", got, types.MaxTradeRing)
	}
}

func TestDecodeFrameRoundTrip(t *testing.T) {
	// Hand-encode a single-transaction frame matching decodeFrame's layout.
	frame := encodeTestFrame(t, 42, "Mint111111111111111111111111111111111111", 1.5, 2.0, 1700000000000000000)
	pkt, err := decodeFrame(frame)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if pkt.Slot != 42 || len(pkt.Transactions) != 1 {
		t.Fatalf("unexpected packet: %+v", pkt)
	}
	tx := pkt.Transactions[0]
	if tx.Price != 1.5 || tx.Amount != 2.0 {
		t.Errorf("unexpected tx: %+v", tx)
	}
}
