// Package featurestore implements the Feature Store (spec 4.D): a
// durable JSONL(+gzip) shard archive with a write-ahead log, backing
// bandit reward retrieval and analytics. Grounded on pkg/db/store.go's
// durability idiom (translated from SQL transactions to WAL+fsync+
// rename) and on the original implementation's shard/WAL/reward-row
// behavior, consulted to resolve the exact reward formula and flush
// thresholds.
package featurestore

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/tpu-agent/core/internal/types"
)

// Config mirrors the durability knobs named in spec §6
// (feature_store.{path,gzip,max_days,flush_every,max_file_size,sync_interval_sec}).
type Config struct {
	Path         string
	Gzip         bool
	MaxDays      int
	FlushEvery   int
	MaxFileSize  int64
	SyncInterval time.Duration
}

// Store is the append-only event archive.
type Store struct {
	cfg Config

	mu        sync.Mutex
	buffer    []types.FeatureRow
	ring      []types.FeatureRow // small in-memory ring for fast reads
	walPath   string
	walFile   *os.File
	shardDate string
	shardSeq  int

	cronSvc *cron.Cron
}

const ringCapacity = 2000

// New constructs a Store rooted at cfg.Path, replaying any WAL left
// from a previous run before serving writes (spec 4.D: Recovery).
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "runtime/library/feature_store"
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 200
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 20000
	}
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = 30
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("featurestore: mkdir: %w", err)
	}

	s := &Store{cfg: cfg, walPath: filepath.Join(cfg.Path, "_wal.jsonl")}
	if err := s.recoverWAL(); err != nil {
		return nil, fmt.Errorf("featurestore: wal recovery: %w", err)
	}
	if err := s.openWAL(); err != nil {
		return nil, fmt.Errorf("featurestore: open wal: %w", err)
	}
	return s, nil
}

// Start registers the background cadences on a cron schedule: a flush
// of any buffered rows every 5 s and shard pruning every hour (cron
// entries rather than a bespoke ticker so the cadence is declarative).
func (s *Store) Start() {
	s.cronSvc = cron.New(cron.WithSeconds())
	_, _ = s.cronSvc.AddFunc("*/5 * * * * *", s.flushIfDue)
	_, _ = s.cronSvc.AddFunc("@every 1h", s.pruneOldShards)
	s.cronSvc.Start()
}

// Stop halts the cron and performs a final durable flush.
func (s *Store) Stop() {
	if s.cronSvc != nil {
		s.cronSvc.Stop()
	}
	s.ForceFlush()
	s.mu.Lock()
	if s.walFile != nil {
		s.walFile.Close()
	}
	s.mu.Unlock()
}

func (s *Store) openWAL() error {
	f, err := os.OpenFile(s.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.walFile = f
	return nil
}

func (s *Store) recoverWAL() error {
	f, err := os.Open(s.walPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var rows []types.FeatureRow
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var row types.FeatureRow
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			log.Warn().Err(err).Msg("featurestore: discarding corrupt WAL line")
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) > 0 {
		log.Info().Int("rows", len(rows)).Msg("featurestore: replaying WAL from previous run")
		for _, r := range rows {
			if err := s.writeShard(r); err != nil {
				return err
			}
		}
	}
	return os.Remove(s.walPath)
}

// Append writes row to the in-memory buffer + WAL, flushing to the
// current shard once the buffer reaches FlushEvery.
func (s *Store) Append(row types.FeatureRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("featurestore: marshal: %w", err)
	}
	if _, err := s.walFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("featurestore: wal append: %w", err)
	}

	s.buffer = append(s.buffer, row)
	s.ring = append(s.ring, row)
	if len(s.ring) > ringCapacity {
		s.ring = s.ring[len(s.ring)-ringCapacity:]
	}

	if len(s.buffer) >= s.cfg.FlushEvery {
		return s.flushLocked()
	}
	return nil
}

func (s *Store) flushIfDue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) > 0 {
		if err := s.flushLocked(); err != nil {
			log.Warn().Err(err).Msg("featurestore: scheduled flush failed")
		}
	}
}

// ForceFlush flushes the buffer regardless of size.
func (s *Store) ForceFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) > 0 {
		if err := s.flushLocked(); err != nil {
			log.Warn().Err(err).Msg("featurestore: forced flush failed")
		}
	}
}

func (s *Store) flushLocked() error {
	for _, row := range s.buffer {
		if err := s.writeShard(row); err != nil {
			return err
		}
	}
	s.buffer = s.buffer[:0]

	// WAL durably fsync'd before the shard rotation clears it.
	if err := s.walFile.Sync(); err != nil {
		return fmt.Errorf("featurestore: fsync wal: %w", err)
	}
	if err := s.walFile.Truncate(0); err != nil {
		return fmt.Errorf("featurestore: truncate wal: %w", err)
	}
	if _, err := s.walFile.Seek(0, 0); err != nil {
		return fmt.Errorf("featurestore: seek wal: %w", err)
	}
	return nil
}

func (s *Store) shardPath(dateKey string, seq int) string {
	name := fmt.Sprintf("features_%s_%d.jsonl", dateKey, seq)
	if s.cfg.Gzip {
		name += ".gz"
	}
	return filepath.Join(s.cfg.Path, name)
}

func (s *Store) writeShard(row types.FeatureRow) error {
	dateKey := row.TS.Format("2006-01-02")
	if dateKey != s.shardDate {
		s.shardDate = dateKey
		s.shardSeq = 0
	}
	path := s.shardPath(s.shardDate, s.shardSeq)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		if count, _ := countLines(path, s.cfg.Gzip); int64(count) >= s.cfg.MaxFileSize {
			s.shardSeq++
			path = s.shardPath(s.shardDate, s.shardSeq)
		}
	}

	line, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("featurestore: marshal shard row: %w", err)
	}

	if s.cfg.Gzip {
		return appendGzip(path, line)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("featurestore: open shard: %w", err)
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func appendGzip(path string, line []byte) error {
	// gzip doesn't support in-place append cleanly; read-decompress,
	// append, recompress. Acceptable given shards rotate at 20k rows.
	var existing []byte
	if f, err := os.Open(path); err == nil {
		gr, gerr := gzip.NewReader(f)
		if gerr == nil {
			existing, _ = readAll(gr)
			gr.Close()
		}
		f.Close()
	}
	existing = append(existing, line...)
	existing = append(existing, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	if _, err := gw.Write(existing); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

func readAll(r *gzip.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	return out, nil
}

func countLines(path string, gzipped bool) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var r = bufio.NewScanner(f)
	if gzipped {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return 0, err
		}
		defer gr.Close()
		r = bufio.NewScanner(gr)
	}
	count := 0
	for r.Scan() {
		count++
	}
	return count, nil
}

// pruneOldShards removes shard files older than MaxDays.
func (s *Store) pruneOldShards() {
	entries, err := os.ReadDir(s.cfg.Path)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.MaxDays)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(s.cfg.Path, e.Name()))
		}
	}
}

// GetLastEvents consults the in-memory ring first, then falls back to
// scanning the last ~6 shards plus the rows still in the unflushed
// buffer, so each row is returned once.
func (s *Store) GetLastEvents(kind types.FeatureRowKind, n int) []types.FeatureRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fromRing []types.FeatureRow
	for i := len(s.ring) - 1; i >= 0 && len(fromRing) < n; i-- {
		if s.ring[i].Kind == kind {
			fromRing = append(fromRing, s.ring[i])
		}
	}

	if len(fromRing) >= n {
		reverse(fromRing)
		return fromRing
	}

	scanned := s.scanRecentShards(kind, n)
	for _, r := range s.buffer {
		if r.Kind == kind {
			scanned = append(scanned, r)
		}
	}
	if len(scanned) > n {
		scanned = scanned[len(scanned)-n:]
	}
	return scanned
}

func reverse(rows []types.FeatureRow) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}

func (s *Store) scanRecentShards(kind types.FeatureRowKind, n int) []types.FeatureRow {
	entries, err := os.ReadDir(s.cfg.Path)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if ok, _ := filepath.Match("features_*", e.Name()); ok && !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > 6 {
		names = names[len(names)-6:]
	}

	var out []types.FeatureRow
	for _, name := range names {
		path := filepath.Join(s.cfg.Path, name)
		rows := readShardRows(path, filepath.Ext(name) == ".gz")
		for _, r := range rows {
			if r.Kind == kind {
				out = append(out, r)
			}
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func readShardRows(path string, gzipped bool) []types.FeatureRow {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var scanner *bufio.Scanner
	if gzipped {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil
		}
		defer gr.Close()
		scanner = bufio.NewScanner(gr)
	} else {
		scanner = bufio.NewScanner(f)
	}
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var rows []types.FeatureRow
	for scanner.Scan() {
		var row types.FeatureRow
		if json.Unmarshal(scanner.Bytes(), &row) == nil {
			rows = append(rows, row)
		}
	}
	return rows
}

// GetRecentRewardsByStrategy scans strategy_weight rows for the given
// strategy within horizon of now.
func (s *Store) GetRecentRewardsByStrategy(strategy string, horizon time.Duration) []float64 {
	cutoff := time.Now().Add(-horizon)
	rows := s.GetLastEvents(types.FeatureStrategyWeight, 5000)
	var rewards []float64
	for _, r := range rows {
		if r.TS.Before(cutoff) {
			continue
		}
		if s, ok := r.Payload["strategy"].(string); !ok || s != strategy {
			continue
		}
		if reward, ok := r.Payload["reward"].(float64); ok {
			rewards = append(rewards, reward)
		}
	}
	return rewards
}

// ComputeReward is the single reward-shaping formula named in spec
// 4.D / §8: tanh(pnl_pct/6) - min(|slip_bps|/100, 1)*0.15 + time_bonus,
// clamped to [-1, 1].
func ComputeReward(pnlPct, slipBps, holdSeconds float64) float64 {
	timeBonus := 0.0
	if holdSeconds > 0 && holdSeconds < 60 {
		timeBonus = 0.02 // small bonus for a fast, decisive close
	}
	reward := math.Tanh(pnlPct/6.0) - math.Min(math.Abs(slipBps)/100.0, 1.0)*0.15 + timeBonus
	return types.Clamp(reward, -1, 1)
}

// RecordOutcome writes a trade row AND a strategy_weight row carrying
// the shaped reward, as named in spec 4.D.
func (s *Store) RecordOutcome(strategy, token string, pnlPct, slipBps, holdSeconds float64) error {
	now := time.Now()
	reward := ComputeReward(pnlPct, slipBps, holdSeconds)

	if err := s.Append(types.FeatureRow{
		Kind: types.FeatureTrade,
		TS:   now,
		Payload: map[string]any{
			"strategy": strategy, "token": token,
			"pnl_pct": pnlPct, "slip_bps": slipBps, "hold_s": holdSeconds,
		},
	}); err != nil {
		return err
	}
	return s.Append(types.FeatureRow{
		Kind: types.FeatureStrategyWeight,
		TS:   now,
		Payload: map[string]any{
			"strategy": strategy, "reward": reward,
		},
	})
}
