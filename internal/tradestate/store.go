// Package tradestate persists per-day trade facts so the bot survives
// restarts without forgetting which symbols were already traded or
// re-entering positions that no longer exist.
package tradestate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"orb-trading-bot/internal/logger"
	"orb-trading-bot/internal/metrics"
	"orb-trading-bot/internal/types"
)

const dateLayout = "2006-01-02"

// Record is the on-disk document, one per calendar day per market.
type Record struct {
	Date          string   `json:"date"`
	TradedSymbols []string `json:"traded_symbols"`
	OpenPositions []string `json:"open_positions"`
	TotalTrades   int      `json:"total_trades"`
}

type Store struct {
	mu sync.Mutex

	dir           string
	market        string
	retentionDays int
	loc           *time.Location
	now           func() time.Time

	date        string
	traded      map[string]struct{}
	open        map[string]struct{}
	totalTrades int
}

// Open loads (or creates) today's record. An unusable persistence directory
// is a fatal condition: the caller must refuse to begin trading.
func Open(dir, market string, retentionDays int, loc *time.Location) (*Store, error) {
	s := &Store{
		dir:           dir,
		market:        market,
		retentionDays: retentionDays,
		loc:           loc,
		now:           time.Now,
		traded:        make(map[string]struct{}),
		open:          make(map[string]struct{}),
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trade state dir %s unusable: %w", dir, err)
	}

	s.date = s.today()
	s.prune()

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) today() string {
	return s.now().In(s.loc).Format(dateLayout)
}

func (s *Store) path() string {
	name := fmt.Sprintf("%s_trades_%s.json", strings.ToLower(s.market), s.date)
	return filepath.Join(s.dir, name)
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return s.save()
	}
	if err != nil {
		return fmt.Errorf("load trade state: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return fmt.Errorf("parse trade state %s: %w", s.path(), err)
	}
	for _, sym := range rec.TradedSymbols {
		s.traded[sym] = struct{}{}
	}
	for _, sym := range rec.OpenPositions {
		s.open[sym] = struct{}{}
	}
	s.totalTrades = rec.TotalTrades
	return nil
}

// save writes the record durably. Callers are only told an operation
// succeeded after the write has been synced.
func (s *Store) save() error {
	rec := Record{
		Date:          s.date,
		TradedSymbols: sortedKeys(s.traded),
		OpenPositions: sortedKeys(s.open),
		TotalTrades:   s.totalTrades,
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path())
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RecordEntry marks a symbol traded and open in one durable write.
func (s *Store) RecordEntry(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traded[symbol] = struct{}{}
	s.open[symbol] = struct{}{}
	s.totalTrades++
	return s.save()
}

// MarkTraded consumes a symbol for the day without opening a position
// (capital-classified order rejections).
func (s *Store) MarkTraded(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traded[symbol] = struct{}{}
	return s.save()
}

// MarkClosed drops a symbol from the open set. With retainTraded false the
// traded mark is cleared too, making the symbol eligible again.
func (s *Store) MarkClosed(symbol string, retainTraded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, symbol)
	if !retainTraded {
		delete(s.traded, symbol)
	}
	return s.save()
}

func (s *Store) TradedToday(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.traded[symbol]
	return ok
}

func (s *Store) IsOpen(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[symbol]
	return ok
}

func (s *Store) OpenSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.open)
}

func (s *Store) TotalTrades() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalTrades
}

func (s *Store) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Record{
		Date:          s.date,
		TradedSymbols: sortedKeys(s.traded),
		OpenPositions: sortedKeys(s.open),
		TotalTrades:   s.totalTrades,
	}
}

// SyncWithGateway aligns the record with live broker positions at startup.
// If the gateway reports zero positions while the loaded record is
// non-empty, the record is preserved: a transient empty response during
// reconnect must never be mistaken for "nothing was traded".
func (s *Store) SyncWithGateway(ctx context.Context, positions []types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(positions) == 0 && (len(s.traded) > 0 || len(s.open) > 0) {
		logger.Reconcile(ctx, "", "empty_gateway_response_preserved",
			"traded", len(s.traded), "open", len(s.open))
		metrics.RecordDrift()
		return nil
	}

	broker := make(map[string]struct{})
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		broker[p.Underlying] = struct{}{}
		if _, known := s.traded[p.Underlying]; !known {
			logger.Info(ctx, "Recovered broker position, marking traded", "symbol", p.Underlying, "contract", p.Symbol)
			s.traded[p.Underlying] = struct{}{}
		}
	}
	// traded marks from earlier in the day are preserved
	s.open = broker
	return s.save()
}

// Rollover starts a fresh record for a new calendar day.
func (s *Store) Rollover() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.today()
	if today == s.date {
		return nil
	}
	s.date = today
	s.traded = make(map[string]struct{})
	s.open = make(map[string]struct{})
	s.totalTrades = 0
	return s.save()
}

// prune removes records older than the retention window.
func (s *Store) prune() {
	prefix := strings.ToLower(s.market) + "_trades_"
	cutoff := s.now().In(s.loc).AddDate(0, 0, -s.retentionDays)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		d, err := time.ParseInLocation(dateLayout, dateStr, s.loc)
		if err != nil {
			continue
		}
		if d.Before(cutoff) {
			_ = os.Remove(filepath.Join(s.dir, name))
		}
	}
}
