package store

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Mode    string   `yaml:"mode"` // DRY_RUN or LIVE
	Market  string   `yaml:"market"`
	Symbols []string `yaml:"symbols"`

	Session struct {
		Timezone            string `yaml:"timezone"`
		OpenTime            string `yaml:"open_time"`      // "09:15"
		CloseTime           string `yaml:"close_time"`     // "15:30"
		MaxEntryTime        string `yaml:"max_entry_time"` // "14:15", entries stop at this wall-clock time
		PollSeconds         int    `yaml:"poll_seconds"`
		ForceFlattenMinutes int    `yaml:"force_flatten_minutes"`
	} `yaml:"session"`

	Risk struct {
		MaxAllocationPct  float64 `yaml:"max_allocation_pct"`
		MaxPositionPct    float64 `yaml:"max_position_pct"`
		DailyLossLimitPct float64 `yaml:"daily_loss_limit_pct"`
	} `yaml:"risk"`

	Policy struct {
		OneTradePerSymbol bool `yaml:"one_trade_per_symbol"`
		MaxTradesPerDay   int  `yaml:"max_trades_per_day"`
	} `yaml:"policy"`

	Reconcile struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"reconcile"`

	State struct {
		Dir           string `yaml:"dir"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"state"`

	Gateway struct {
		Exchange           string  `yaml:"exchange"`
		CallTimeoutSeconds int     `yaml:"call_timeout_seconds"`
		RequestsPerSecond  float64 `yaml:"requests_per_second"`
	} `yaml:"gateway"`

	Monitor struct {
		PollSeconds int `yaml:"poll_seconds"`
		BarCount    int `yaml:"bar_count"`
	} `yaml:"monitor"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"metrics"`

	TradelogDir string `yaml:"tradelog_dir"`
}

func (c *Config) Validate() error {
	if c.Mode != "DRY_RUN" && c.Mode != "LIVE" {
		return fmt.Errorf("invalid mode '%s': must be 'DRY_RUN' or 'LIVE'", c.Mode)
	}
	if c.Market == "" {
		return fmt.Errorf("market cannot be empty")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols cannot be empty")
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("invalid session.timezone '%s': %w", c.Session.Timezone, err)
	}
	if _, err := ParseTimeOfDay(c.Session.OpenTime); err != nil {
		return fmt.Errorf("invalid session.open_time: %w", err)
	}
	close, err := ParseTimeOfDay(c.Session.CloseTime)
	if err != nil {
		return fmt.Errorf("invalid session.close_time: %w", err)
	}
	cutoff, err := ParseTimeOfDay(c.Session.MaxEntryTime)
	if err != nil {
		return fmt.Errorf("invalid session.max_entry_time: %w", err)
	}
	// Entries must stop before the force-flatten window opens, otherwise a
	// fill could land inside it.
	if cutoff.Minutes() >= close.Minutes()-c.Session.ForceFlattenMinutes {
		return fmt.Errorf("session.max_entry_time '%s' must be before close_time minus force_flatten_minutes", c.Session.MaxEntryTime)
	}
	if c.Risk.MaxAllocationPct <= 0 || c.Risk.MaxAllocationPct > 1 {
		return fmt.Errorf("risk.max_allocation_pct must be in (0,1], got %.2f", c.Risk.MaxAllocationPct)
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("risk.max_position_pct must be in (0,1], got %.2f", c.Risk.MaxPositionPct)
	}
	if c.Risk.DailyLossLimitPct < 0 || c.Risk.DailyLossLimitPct > 1 {
		return fmt.Errorf("risk.daily_loss_limit_pct must be in [0,1], got %.2f", c.Risk.DailyLossLimitPct)
	}
	if c.Gateway.CallTimeoutSeconds < 1 || c.Gateway.CallTimeoutSeconds > 9 {
		return fmt.Errorf("gateway.call_timeout_seconds must be 1-9 seconds, got %d", c.Gateway.CallTimeoutSeconds)
	}
	return nil
}

// TimeOfDay is a wall-clock time within a session day.
type TimeOfDay struct {
	Hour, Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var t TimeOfDay
	if _, err := fmt.Sscanf(s, "%d:%d", &t.Hour, &t.Minute); err != nil {
		return t, fmt.Errorf("want HH:MM, got '%s'", s)
	}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return t, fmt.Errorf("out of range: '%s'", s)
	}
	return t, nil
}

// Minutes is the offset from midnight, for ordering comparisons.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// On anchors the time-of-day to a calendar date in the given location.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, loc)
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if c.Session.Timezone == "" {
		c.Session.Timezone = "Asia/Kolkata"
	}
	if c.Session.OpenTime == "" {
		c.Session.OpenTime = "09:15"
	}
	if c.Session.CloseTime == "" {
		c.Session.CloseTime = "15:30"
	}
	if c.Session.MaxEntryTime == "" {
		c.Session.MaxEntryTime = "14:15"
	}
	if c.Session.PollSeconds == 0 {
		c.Session.PollSeconds = 5
	}
	if c.Session.ForceFlattenMinutes == 0 {
		c.Session.ForceFlattenMinutes = 15
	}
	if c.Reconcile.IntervalSeconds == 0 {
		c.Reconcile.IntervalSeconds = 60
	}
	if c.State.Dir == "" {
		c.State.Dir = "data/trade_state"
	}
	if c.State.RetentionDays == 0 {
		c.State.RetentionDays = 7
	}
	if c.Gateway.Exchange == "" {
		c.Gateway.Exchange = "NFO"
	}
	if c.Gateway.CallTimeoutSeconds == 0 {
		c.Gateway.CallTimeoutSeconds = 5
	}
	if c.Gateway.RequestsPerSecond == 0 {
		c.Gateway.RequestsPerSecond = 3
	}
	if c.Monitor.PollSeconds == 0 {
		c.Monitor.PollSeconds = 15
	}
	if c.Monitor.BarCount == 0 {
		c.Monitor.BarCount = 250
	}
	if c.TradelogDir == "" {
		c.TradelogDir = "logs"
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}
