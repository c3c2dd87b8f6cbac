// Package tradelog appends a human-auditable JSON-lines record of fills,
// closes, and session summaries, one file per trading day. It is separate
// from structured logging: these files survive log rotation and are the
// record a person checks after a bad day.
package tradelog

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	mu  sync.Mutex
	dir = "logs"
	loc = time.FixedZone("IST", 19800)
)

// Init sets the output directory and timezone used for day bucketing.
func Init(directory string, location *time.Location) {
	mu.Lock()
	defer mu.Unlock()
	if directory != "" {
		dir = directory
	}
	if location != nil {
		loc = location
	}
}

// FillEntry records a bracket entry that reached the broker.
type FillEntry struct {
	Time       string         `json:"time"`
	Symbol     string         `json:"symbol"`
	Contract   string         `json:"contract"`
	Side       string         `json:"side"`
	Qty        int            `json:"qty"`
	Entry      float64        `json:"entry"`
	StopLoss   float64        `json:"stop_loss"`
	TakeProfit float64        `json:"take_profit"`
	Cost       float64        `json:"cost"`
	OrderID    string         `json:"order_id,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// CloseEntry records a position leaving the book, however it left.
type CloseEntry struct {
	Time     string  `json:"time"`
	Symbol   string  `json:"symbol"`
	Reason   string  `json:"reason"`
	Released float64 `json:"released,omitempty"`
}

// SummaryEntry records the end-of-session rollup.
type SummaryEntry struct {
	Time        string  `json:"time"`
	Market      string  `json:"market"`
	TotalTrades int     `json:"total_trades"`
	OpenCount   int     `json:"open_count"`
	Allocated   float64 `json:"allocated"`
	Realized    float64 `json:"realized"`
	Unrealized  float64 `json:"unrealized"`
}

func dailyFilepath(t time.Time) string {
	return filepath.Join(dir, t.Format("2006-01-02")+".txt")
}

func appendLine(v any) error {
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().In(loc)
	p := dailyFilepath(now)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	b, _ := json.Marshal(v)
	_, err = fmt.Fprintln(f, string(b))
	return err
}

func stamp() string {
	return time.Now().In(loc).Format("2006-01-02 15:04:05")
}

func AppendFill(e FillEntry) error {
	e.Time = stamp()
	return appendLine(e)
}

func AppendClose(e CloseEntry) error {
	e.Time = stamp()
	return appendLine(e)
}

func AppendSummary(e SummaryEntry) error {
	e.Time = stamp()
	return appendLine(e)
}

// CompressOlder gzips daily files older than retentionDays. Originals are
// removed once a compressed copy exists.
func CompressOlder(retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}

	mu.Lock()
	root := dir
	mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(p) != ".txt" {
			return nil
		}
		info, er := os.Stat(p)
		if er != nil || !info.ModTime().Before(cutoff) {
			return nil
		}

		gz := p + ".gz"
		if _, e2 := os.Stat(gz); e2 == nil {
			_ = os.Remove(p)
			return nil
		}
		if e3 := gzipFile(p, gz); e3 != nil {
			return nil
		}
		_ = os.Remove(p)
		return nil
	})
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	gw := gzip.NewWriter(out)
	if _, err = io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		return err
	}
	if err = gw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
