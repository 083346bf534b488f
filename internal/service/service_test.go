package service

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"klineflow/config"
	"klineflow/internal/models"
)

type fakeSource struct {
	connectErr   error
	symbolsErr   error
	klinesErr    map[string]error
	symbols      []models.Symbol
	klinesPer    int
	connected    bool
	connectCalls int
	symbolCalls  atomic.Int32
	klineCalls   []string
}

func (f *fakeSource) Connect(ctx context.Context) error {
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSource) IsConnected() bool { return f.connected }

func (f *fakeSource) FetchSymbols(ctx context.Context) ([]models.Symbol, error) {
	f.symbolCalls.Add(1)
	if f.symbolsErr != nil {
		return nil, f.symbolsErr
	}
	return f.symbols, nil
}

func (f *fakeSource) FetchKlines(ctx context.Context, symbol string, interval models.Interval, limit int, endTime time.Time) ([]models.Kline, error) {
	f.klineCalls = append(f.klineCalls, symbol)
	if err := f.klinesErr[symbol]; err != nil {
		return nil, err
	}
	out := make([]models.Kline, f.klinesPer)
	for i := range out {
		out[i] = models.Kline{Symbol: symbol, Interval: interval}
	}
	return out, nil
}

type fakeTarget struct {
	connectErr   error
	writeErr     error
	connected    bool
	connectCalls int
	symbolWrites [][]models.Symbol
	klineWrites  [][]models.Kline
}

func (f *fakeTarget) Connect(ctx context.Context) error {
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTarget) IsConnected() bool { return f.connected }

func (f *fakeTarget) WriteSymbols(ctx context.Context, symbols []models.Symbol) (models.WriteReport, error) {
	if f.writeErr != nil {
		return models.WriteReport{}, f.writeErr
	}
	f.symbolWrites = append(f.symbolWrites, symbols)
	return models.WriteReport{Inserted: len(symbols)}, nil
}

func (f *fakeTarget) WriteKlines(ctx context.Context, klines []models.Kline) (models.WriteReport, error) {
	if f.writeErr != nil {
		return models.WriteReport{}, f.writeErr
	}
	f.klineWrites = append(f.klineWrites, klines)
	return models.WriteReport{Inserted: len(klines)}, nil
}

func singleShotSettings() *config.Settings {
	cfg := config.Defaults()
	cfg.RunAsService = false
	cfg.Source = "http://localhost"
	cfg.Target = "postgres://localhost/markets"
	cfg.ScrapeSymbol = true
	cfg.ScrapeKline1d = true
	cfg.DatapointLimit = 10
	return &cfg
}

func tradingUniverse() []models.Symbol {
	return []models.Symbol{
		{Name: "ETHUSDT", Status: models.SymbolStatusTrading},
		{Name: "BTCUSDT", Status: models.SymbolStatusTrading},
		{Name: "LUNAUSDT", Status: models.SymbolStatusHalted},
	}
}

func TestSingleShotRunsOneIteration(t *testing.T) {
	src := &fakeSource{symbols: tradingUniverse(), klinesPer: 2}
	tgt := &fakeTarget{}
	svc := New(singleShotSettings(), src, tgt)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if src.connectCalls != 1 || tgt.connectCalls != 1 {
		t.Errorf("expected one connect per dependency, got source=%d target=%d", src.connectCalls, tgt.connectCalls)
	}
	// One universe fetch plus one symbol list request.
	if got := src.symbolCalls.Load(); got != 2 {
		t.Errorf("expected 2 symbol fetches, got %d", got)
	}
	// Halted symbols are excluded and the universe is sorted by name.
	want := []string{"BTCUSDT", "ETHUSDT"}
	if len(src.klineCalls) != len(want) {
		t.Fatalf("kline fetches: got %v, want %v", src.klineCalls, want)
	}
	for i, sym := range want {
		if src.klineCalls[i] != sym {
			t.Errorf("kline fetch %d: got %s, want %s", i, src.klineCalls[i], sym)
		}
	}
	if len(tgt.symbolWrites) != 1 || len(tgt.klineWrites) != 1 {
		t.Errorf("expected one write per batch kind, got symbols=%d klines=%d", len(tgt.symbolWrites), len(tgt.klineWrites))
	}
	if got := len(tgt.klineWrites[0]); got != 4 {
		t.Errorf("expected 4 klines persisted, got %d", got)
	}
	if svc.State() != StateTerminated {
		t.Errorf("expected terminated state, got %s", svc.State())
	}
}

func TestDryRunSkipsTarget(t *testing.T) {
	cfg := singleShotSettings()
	cfg.DryRun = true
	cfg.Target = ""

	src := &fakeSource{symbols: tradingUniverse(), klinesPer: 1}
	tgt := &fakeTarget{}
	svc := New(cfg, src, tgt)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if tgt.connectCalls != 0 {
		t.Errorf("dry run must never connect the target, got %d calls", tgt.connectCalls)
	}
	if len(tgt.symbolWrites) != 0 || len(tgt.klineWrites) != 0 {
		t.Error("dry run must never write to the target")
	}
}

func TestSingleShotConnectionFailure(t *testing.T) {
	src := &fakeSource{connectErr: errors.New("connection refused")}
	svc := New(singleShotSettings(), src, &fakeTarget{})

	err := svc.Run(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if connErr.Component != "source" {
		t.Errorf("unexpected component: %s", connErr.Component)
	}
}

func TestSingleShotTargetConnectionFailure(t *testing.T) {
	src := &fakeSource{symbols: tradingUniverse()}
	tgt := &fakeTarget{connectErr: errors.New("password authentication failed")}
	svc := New(singleShotSettings(), src, tgt)

	err := svc.Run(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Component != "target" {
		t.Fatalf("expected target ConnectionError, got %v", err)
	}
}

func TestSingleShotPartialIteration(t *testing.T) {
	src := &fakeSource{
		symbols:   tradingUniverse(),
		klinesPer: 1,
		klinesErr: map[string]error{"ETHUSDT": errors.New("HTTP 500")},
	}
	tgt := &fakeTarget{}
	svc := New(singleShotSettings(), src, tgt)

	err := svc.Run(context.Background())
	if !errors.Is(err, ErrPartialIteration) {
		t.Fatalf("expected ErrPartialIteration, got %v", err)
	}
	// The surviving fetches are still persisted.
	if len(tgt.klineWrites) != 1 || len(tgt.klineWrites[0]) != 1 {
		t.Errorf("expected the successful kline batch to be written, got %v", tgt.klineWrites)
	}
}

func TestServiceModeLoopsUntilCancelled(t *testing.T) {
	cfg := singleShotSettings()
	cfg.RunAsService = true
	cfg.MinSleep = 0
	cfg.MaxSleep = 0
	cfg.ScrapeKline1d = false

	src := &fakeSource{symbols: tradingUniverse()}
	tgt := &fakeTarget{}
	svc := New(cfg, src, tgt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for src.symbolCalls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("service loop did not iterate in time")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled run must return nil, got %v", err)
		}
	case <-deadline:
		t.Fatal("Run did not return after cancellation")
	}
}

func TestJitterFixedWindow(t *testing.T) {
	cfg := singleShotSettings()
	cfg.MinSleep = 7
	cfg.MaxSleep = 7
	svc := New(cfg, &fakeSource{}, &fakeTarget{})

	for i := 0; i < 10; i++ {
		if d := svc.jitter(); d != 7*time.Second {
			t.Fatalf("fixed window must always sleep 7s, got %v", d)
		}
	}
}

func TestJitterStaysInBounds(t *testing.T) {
	cfg := singleShotSettings()
	cfg.MinSleep = 2
	cfg.MaxSleep = 5
	svc := New(cfg, &fakeSource{}, &fakeTarget{}, WithRand(rand.New(rand.NewSource(1))))

	for i := 0; i < 200; i++ {
		d := svc.jitter()
		if d < 2*time.Second || d > 5*time.Second {
			t.Fatalf("jitter out of bounds: %v", d)
		}
	}
}

func TestWriteFailureCountsAsPartial(t *testing.T) {
	src := &fakeSource{symbols: tradingUniverse(), klinesPer: 1}
	tgt := &fakeTarget{writeErr: errors.New("relation does not exist")}
	svc := New(singleShotSettings(), src, tgt)

	err := svc.Run(context.Background())
	if !errors.Is(err, ErrPartialIteration) {
		t.Fatalf("expected ErrPartialIteration on write failure, got %v", err)
	}
}
