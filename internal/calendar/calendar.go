// Package calendar answers "is the market trading on this date". Holiday
// data is scraped from the NSE site and backed by a static override table;
// when neither is available the service degrades to weekday-only.
package calendar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"orb-trading-bot/internal/logger"
)

type Service interface {
	IsTradingDay(date time.Time, market string) bool
	NextTradingDay(after time.Time, market string) time.Time
}

const dateLayout = "2006-01-02"

// Static NSE holiday overrides. The scraped calendar is incomplete early in
// the year, before the exchange publishes the full list.
var nseHolidayOverrides = []string{
	// 2026
	"2026-01-26", // Republic Day
	"2026-03-04", // Holi
	"2026-03-21", // Id-Ul-Fitr
	"2026-04-03", // Good Friday
	"2026-04-14", // Dr. Ambedkar Jayanti
	"2026-05-01", // Maharashtra Day
	"2026-08-15", // Independence Day
	"2026-10-02", // Mahatma Gandhi Jayanti
	"2026-11-10", // Diwali
	"2026-12-25", // Christmas
}

// NSECalendar implements Service for the NSE market.
type NSECalendar struct {
	mu          sync.RWMutex
	holidays    map[string]bool
	fetched     bool
	fetchWarned bool
	sourceURL   string
}

func NewNSE() *NSECalendar {
	c := &NSECalendar{
		holidays:  make(map[string]bool),
		sourceURL: "https://www.nseindia.com/resources/exchange-communication-holidays",
	}
	for _, d := range nseHolidayOverrides {
		c.holidays[d] = true
	}
	return c
}

// Refresh fetches the published holiday list. Failure is never fatal: the
// service keeps the overrides and degrades to weekday-only determination.
func (c *NSECalendar) Refresh(ctx context.Context) error {
	collector := colly.NewCollector(
		colly.UserAgent("Mozilla/5.0 (compatible; orb-trading-bot)"),
	)
	collector.SetRequestTimeout(15 * time.Second)

	found := make(map[string]bool)

	collector.OnHTML("table tbody tr", func(e *colly.HTMLElement) {
		e.DOM.Find("td").Each(func(_ int, cell *goquery.Selection) {
			if d, ok := parseHolidayDate(strings.TrimSpace(cell.Text())); ok {
				found[d] = true
			}
		})
	})

	if err := collector.Visit(c.sourceURL); err != nil {
		logger.Warn(ctx, "Holiday calendar fetch failed, degrading to weekday-only determination", "error", err)
		return fmt.Errorf("holiday calendar fetch: %w", err)
	}
	collector.Wait()

	if len(found) == 0 {
		logger.Warn(ctx, "Holiday calendar fetch returned no rows, degrading to weekday-only determination")
		return fmt.Errorf("holiday calendar fetch: empty result")
	}

	c.mu.Lock()
	for d := range found {
		c.holidays[d] = true
	}
	c.fetched = true
	c.mu.Unlock()

	logger.Info(ctx, "Holiday calendar loaded", "holidays", len(found))
	return nil
}

// parseHolidayDate accepts the formats the NSE table has used over time.
func parseHolidayDate(s string) (string, bool) {
	for _, layout := range []string{"02-Jan-2006", "2-Jan-2006", "January 2, 2006", "02 Jan 2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(dateLayout), true
		}
	}
	return "", false
}

func (c *NSECalendar) IsTradingDay(date time.Time, market string) bool {
	if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}

	c.mu.RLock()
	holiday := c.holidays[date.Format(dateLayout)]
	degraded := !c.fetched
	warned := c.fetchWarned
	c.mu.RUnlock()

	if degraded && !warned {
		logger.Warn(context.Background(), "Holiday calendar unavailable, using weekday-only determination with static overrides", "market", market)
		c.mu.Lock()
		c.fetchWarned = true
		c.mu.Unlock()
	}

	return !holiday
}

func (c *NSECalendar) NextTradingDay(after time.Time, market string) time.Time {
	day := after.AddDate(0, 0, 1)
	for !c.IsTradingDay(day, market) {
		day = day.AddDate(0, 0, 1)
	}
	return day
}
