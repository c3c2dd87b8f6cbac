package tradestate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"orb-trading-bot/internal/types"
)

func testStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, "NSE", 7, time.UTC)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestRecordSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s := testStore(t, dir)
	if err := s.RecordEntry("RELIANCE"); err != nil {
		t.Fatalf("RecordEntry failed: %v", err)
	}
	if err := s.MarkTraded("TCS"); err != nil {
		t.Fatalf("MarkTraded failed: %v", err)
	}

	// A new Store over the same directory is a process restart.
	s2 := testStore(t, dir)
	if !s2.TradedToday("RELIANCE") || !s2.IsOpen("RELIANCE") {
		t.Error("Expected RELIANCE traded and open after restart")
	}
	if !s2.TradedToday("TCS") {
		t.Error("Expected TCS traded after restart")
	}
	if s2.IsOpen("TCS") {
		t.Error("TCS never opened a position")
	}
	if got := s2.TotalTrades(); got != 1 {
		t.Errorf("Expected 1 total trade, got %d", got)
	}
}

func TestEmptyGatewayResponsePreservesRecord(t *testing.T) {
	dir := t.TempDir()

	s := testStore(t, dir)
	if err := s.RecordEntry("RELIANCE"); err != nil {
		t.Fatalf("RecordEntry failed: %v", err)
	}

	// Startup sync sees zero positions while the record says one is open.
	// The record must be left untouched.
	if err := s.SyncWithGateway(context.Background(), nil); err != nil {
		t.Fatalf("SyncWithGateway failed: %v", err)
	}

	if !s.IsOpen("RELIANCE") {
		t.Error("Expected open position preserved on empty gateway response")
	}
	if !s.TradedToday("RELIANCE") {
		t.Error("Expected traded mark preserved on empty gateway response")
	}
}

func TestSyncAdoptsBrokerPositions(t *testing.T) {
	dir := t.TempDir()

	s := testStore(t, dir)
	if err := s.RecordEntry("RELIANCE"); err != nil {
		t.Fatalf("RecordEntry failed: %v", err)
	}

	// RELIANCE closed at the broker, INFY appeared from a previous run.
	positions := []types.Position{
		{Symbol: "INFY24SEPFUT", Underlying: "INFY", Quantity: 50},
	}
	if err := s.SyncWithGateway(context.Background(), positions); err != nil {
		t.Fatalf("SyncWithGateway failed: %v", err)
	}

	if s.IsOpen("RELIANCE") {
		t.Error("Expected RELIANCE open mark cleared")
	}
	if !s.TradedToday("RELIANCE") {
		t.Error("Expected RELIANCE traded mark retained")
	}
	if !s.IsOpen("INFY") || !s.TradedToday("INFY") {
		t.Error("Expected INFY adopted as open and traded")
	}
}

func TestMarkClosedRetention(t *testing.T) {
	dir := t.TempDir()

	s := testStore(t, dir)
	if err := s.RecordEntry("RELIANCE"); err != nil {
		t.Fatalf("RecordEntry failed: %v", err)
	}

	if err := s.MarkClosed("RELIANCE", true); err != nil {
		t.Fatalf("MarkClosed failed: %v", err)
	}
	if s.IsOpen("RELIANCE") {
		t.Error("Expected position closed")
	}
	if !s.TradedToday("RELIANCE") {
		t.Error("Expected traded mark retained under one-trade policy")
	}

	if err := s.RecordEntry("TCS"); err != nil {
		t.Fatalf("RecordEntry failed: %v", err)
	}
	if err := s.MarkClosed("TCS", false); err != nil {
		t.Fatalf("MarkClosed failed: %v", err)
	}
	if s.TradedToday("TCS") {
		t.Error("Expected traded mark cleared when retention is off")
	}
}

func TestRolloverStartsFreshRecord(t *testing.T) {
	dir := t.TempDir()

	s := testStore(t, dir)
	if err := s.RecordEntry("RELIANCE"); err != nil {
		t.Fatalf("RecordEntry failed: %v", err)
	}

	// Move the clock to the next day.
	s.now = func() time.Time { return time.Now().AddDate(0, 0, 1) }
	if err := s.Rollover(); err != nil {
		t.Fatalf("Rollover failed: %v", err)
	}

	if s.TradedToday("RELIANCE") || s.IsOpen("RELIANCE") {
		t.Error("Expected fresh record after rollover")
	}
	if got := s.TotalTrades(); got != 0 {
		t.Errorf("Expected 0 trades after rollover, got %d", got)
	}
}

func TestPruneRemovesExpiredRecords(t *testing.T) {
	dir := t.TempDir()

	old := time.Now().UTC().AddDate(0, 0, -10).Format(dateLayout)
	fresh := time.Now().UTC().AddDate(0, 0, -2).Format(dateLayout)
	oldFile := filepath.Join(dir, "nse_trades_"+old+".json")
	freshFile := filepath.Join(dir, "nse_trades_"+fresh+".json")
	for _, p := range []string{oldFile, freshFile} {
		if err := os.WriteFile(p, []byte(`{"date":"x"}`), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	testStore(t, dir)

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("Expected 10-day-old record pruned")
	}
	if _, err := os.Stat(freshFile); err != nil {
		t.Error("Expected 2-day-old record kept")
	}
}
