package planner

import (
	"time"

	"klineflow/internal/models"
	"klineflow/internal/source"
)

// Kind identifies what a fetch request retrieves.
type Kind int

const (
	KindSymbolList Kind = iota
	KindKlineSeries
)

func (k Kind) String() string {
	switch k {
	case KindSymbolList:
		return "symbol_list"
	case KindKlineSeries:
		return "kline_series"
	default:
		return "unknown"
	}
}

// FetchRequest is one unit of work against the source. Symbol, Interval and
// Limit are only meaningful for kline requests. A zero EndTime asks for the
// newest page.
type FetchRequest struct {
	Kind     Kind
	Symbol   string
	Interval models.Interval
	Limit    int
	EndTime  time.Time
}

// Inputs selects which request kinds a plan contains.
type Inputs struct {
	ScrapeSymbols  bool
	ScrapeKlines   bool
	Interval       models.Interval
	DatapointLimit int
}

// Plan builds the ordered request list for one iteration. The symbol list
// request comes first so a fresh universe lands before any series data. Kline
// requests follow in universe order; a datapoint limit above the source page
// size is split into page-sized requests walking backwards in time, newest
// page first. The same inputs, universe and clock always yield the same plan.
func Plan(in Inputs, universe []models.Symbol, now time.Time) []FetchRequest {
	var requests []FetchRequest

	if in.ScrapeSymbols {
		requests = append(requests, FetchRequest{Kind: KindSymbolList})
	}

	if !in.ScrapeKlines || in.DatapointLimit <= 0 {
		return requests
	}

	step := in.Interval.Duration()
	for _, sym := range universe {
		remaining := in.DatapointLimit
		for page := 0; remaining > 0; page++ {
			limit := remaining
			if limit > source.MaxPageSize {
				limit = source.MaxPageSize
			}
			req := FetchRequest{
				Kind:     KindKlineSeries,
				Symbol:   sym.Name,
				Interval: in.Interval,
				Limit:    limit,
			}
			if page > 0 {
				req.EndTime = now.Add(-time.Duration(page*source.MaxPageSize) * step)
			}
			requests = append(requests, req)
			remaining -= limit
		}
	}
	return requests
}
