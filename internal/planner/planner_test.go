package planner

import (
	"reflect"
	"testing"
	"time"

	"klineflow/internal/models"
)

var testUniverse = []models.Symbol{
	{Name: "BTCUSDT", Status: models.SymbolStatusTrading},
	{Name: "ETHUSDT", Status: models.SymbolStatusTrading},
}

func TestPlanSymbolListFirst(t *testing.T) {
	in := Inputs{
		ScrapeSymbols:  true,
		ScrapeKlines:   true,
		Interval:       models.Interval1d,
		DatapointLimit: 10,
	}
	plan := Plan(in, testUniverse, time.Now())
	if len(plan) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(plan))
	}
	if plan[0].Kind != KindSymbolList {
		t.Errorf("first request must be the symbol list, got %s", plan[0].Kind)
	}
	if plan[1].Symbol != "BTCUSDT" || plan[2].Symbol != "ETHUSDT" {
		t.Errorf("kline requests must follow universe order: %+v", plan[1:])
	}
}

func TestPlanSymbolsOnly(t *testing.T) {
	plan := Plan(Inputs{ScrapeSymbols: true}, testUniverse, time.Now())
	if len(plan) != 1 || plan[0].Kind != KindSymbolList {
		t.Fatalf("expected a single symbol list request, got %+v", plan)
	}
}

func TestPlanKlinesDisabled(t *testing.T) {
	plan := Plan(Inputs{}, testUniverse, time.Now())
	if len(plan) != 0 {
		t.Fatalf("expected empty plan, got %+v", plan)
	}
}

func TestPlanPagination(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := Inputs{
		ScrapeKlines:   true,
		Interval:       models.Interval1d,
		DatapointLimit: 2500,
	}
	universe := testUniverse[:1]

	plan := Plan(in, universe, now)
	if len(plan) != 3 {
		t.Fatalf("expected 3 page requests for 2500 datapoints, got %d", len(plan))
	}

	if plan[0].Limit != 1000 || !plan[0].EndTime.IsZero() {
		t.Errorf("newest page must be full and unanchored: %+v", plan[0])
	}
	if plan[1].Limit != 1000 {
		t.Errorf("second page limit: got %d, want 1000", plan[1].Limit)
	}
	if want := now.Add(-1000 * 24 * time.Hour); !plan[1].EndTime.Equal(want) {
		t.Errorf("second page end time: got %v, want %v", plan[1].EndTime, want)
	}
	if plan[2].Limit != 500 {
		t.Errorf("final page carries the remainder: got %d, want 500", plan[2].Limit)
	}
	if want := now.Add(-2000 * 24 * time.Hour); !plan[2].EndTime.Equal(want) {
		t.Errorf("final page end time: got %v, want %v", plan[2].EndTime, want)
	}
}

func TestPlanDeterministic(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := Inputs{
		ScrapeSymbols:  true,
		ScrapeKlines:   true,
		Interval:       models.Interval1d,
		DatapointLimit: 1500,
	}
	first := Plan(in, testUniverse, now)
	second := Plan(in, testUniverse, now)
	if !reflect.DeepEqual(first, second) {
		t.Error("identical inputs must produce identical plans")
	}
}

func TestKindString(t *testing.T) {
	if KindSymbolList.String() != "symbol_list" || KindKlineSeries.String() != "kline_series" {
		t.Error("unexpected kind names")
	}
	if Kind(99).String() != "unknown" {
		t.Error("out-of-range kinds must render as unknown")
	}
}
