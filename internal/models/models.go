package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SymbolStatus is the normalized trading status of a symbol.
type SymbolStatus string

const (
	SymbolStatusTrading SymbolStatus = "trading"
	SymbolStatusHalted  SymbolStatus = "halted"
)

// NormalizeStatus maps the upstream status strings to the normalized set.
// Unknown statuses are passed through lowercased so nothing is lost.
func NormalizeStatus(raw string) SymbolStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "TRADING":
		return SymbolStatusTrading
	case "HALT", "BREAK":
		return SymbolStatusHalted
	default:
		return SymbolStatus(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// Symbol is one tradable pair from the upstream exchange metadata.
// Identity is Name.
type Symbol struct {
	Name       string
	Status     SymbolStatus
	BaseAsset  string
	QuoteAsset string
}

// Interval is a kline interval identifier as used by the upstream API.
type Interval string

const Interval1d Interval = "1d"

// Duration returns the wall-clock length of one interval step.
func (i Interval) Duration() time.Duration {
	s := string(i)
	if len(s) < 2 {
		return 0
	}
	n := 0
	for _, r := range s[:len(s)-1] {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	switch s[len(s)-1] {
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Kline is one candlestick for a symbol and interval. Identity is
// (Symbol, Interval, OpenTime); re-fetching the same candle must never
// produce a second row downstream.
type Kline struct {
	Symbol              string
	Interval            Interval
	OpenTime            time.Time
	Open                decimal.Decimal
	High                decimal.Decimal
	Low                 decimal.Decimal
	Close               decimal.Decimal
	Volume              decimal.Decimal
	CloseTime           time.Time
	QuoteVolume         decimal.Decimal
	Trades              int64
	TakerBuyBaseVolume  decimal.Decimal
	TakerBuyQuoteVolume decimal.Decimal
}

// WriteReport summarizes one write call against the target store.
type WriteReport struct {
	Inserted int
	Updated  int
}

// Total returns the number of rows touched by the write.
func (r WriteReport) Total() int {
	return r.Inserted + r.Updated
}

// Add merges another report into this one.
func (r WriteReport) Add(other WriteReport) WriteReport {
	return WriteReport{
		Inserted: r.Inserted + other.Inserted,
		Updated:  r.Updated + other.Updated,
	}
}
