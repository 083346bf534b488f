package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"klineflow/config"
	"klineflow/internal/models"
	"klineflow/internal/planner"
	"klineflow/internal/shard"
	"klineflow/logger"
)

// Source is the upstream dependency of the loop. *source.Source satisfies it.
type Source interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	FetchSymbols(ctx context.Context) ([]models.Symbol, error)
	FetchKlines(ctx context.Context, symbol string, interval models.Interval, limit int, endTime time.Time) ([]models.Kline, error)
}

// Target is the downstream dependency of the loop. *target.Target satisfies
// it.
type Target interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	WriteSymbols(ctx context.Context, symbols []models.Symbol) (models.WriteReport, error)
	WriteKlines(ctx context.Context, klines []models.Kline) (models.WriteReport, error)
}

// State is the scheduler loop state, exposed for logging.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StatePlanning
	StateFetching
	StatePersisting
	StateSleeping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePlanning:
		return "planning"
	case StateFetching:
		return "fetching"
	case StatePersisting:
		return "persisting"
	case StateSleeping:
		return "sleeping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ConnectionError reports that a dependency could not be reached. In
// single-shot mode it aborts the run; in service mode the loop retries.
type ConnectionError struct {
	Component string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect %s: %v", e.Component, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ErrPartialIteration is returned by a single-shot run when at least one
// fetch or write in the iteration failed.
var ErrPartialIteration = errors.New("iteration completed with failures")

// Service drives the fetch loop: connect, plan, fetch, persist, sleep. One
// Service owns its source and target exclusively.
type Service struct {
	cfg    *config.Settings
	source Source
	target Target
	log    *logger.Entry

	state State
	rng   *rand.Rand
	now   func() time.Time
}

// Option customizes a Service; used by tests to pin the clock and the jitter.
type Option func(*Service)

// WithClock overrides the time source used to anchor fetch plans.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRand overrides the randomness behind sleep jitter.
func WithRand(rng *rand.Rand) Option {
	return func(s *Service) { s.rng = rng }
}

// New builds a Service from resolved settings and connected-or-not
// dependencies.
func New(cfg *config.Settings, src Source, tgt Target, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		source: src,
		target: tgt,
		log:    logger.GetLogger().WithComponent("service"),
		state:  StateIdle,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current loop state.
func (s *Service) State() State {
	return s.state
}

func (s *Service) setState(next State) {
	if s.state == next {
		return
	}
	s.log.WithFields(logger.Fields{
		"from": s.state.String(),
		"to":   next.String(),
	}).Debug("state transition")
	s.state = next
}

// Run executes the loop until the context is cancelled (service mode) or one
// iteration completes (single-shot mode). A cancelled context is a graceful
// shutdown and returns nil.
func (s *Service) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			s.setState(StateTerminated)
			return nil
		}

		s.setState(StateConnecting)
		if err := s.connect(ctx); err != nil {
			if !s.cfg.RunAsService {
				s.setState(StateTerminated)
				return err
			}
			s.log.WithError(err).Error("connection failed, retrying after minimum sleep")
			if !s.sleep(ctx, time.Duration(s.cfg.MinSleep)*time.Second) {
				s.setState(StateTerminated)
				return nil
			}
			continue
		}

		stats := s.runIteration(ctx)

		if !s.cfg.RunAsService {
			s.setState(StateTerminated)
			if stats.failures > 0 {
				return fmt.Errorf("%w: %d of %d requests failed", ErrPartialIteration, stats.failures, stats.requests)
			}
			return nil
		}

		s.setState(StateSleeping)
		if !s.sleep(ctx, s.jitter()) {
			s.setState(StateTerminated)
			return nil
		}
	}
}

// connect brings up the source and, unless dry-run disables persistence, the
// target. Already-connected dependencies are left alone, so reconnects only
// happen after a failure dropped the flag.
func (s *Service) connect(ctx context.Context) error {
	if !s.source.IsConnected() {
		if err := s.source.Connect(ctx); err != nil {
			return &ConnectionError{Component: "source", Err: err}
		}
	}
	if s.cfg.DryRun {
		return nil
	}
	if !s.target.IsConnected() {
		if err := s.target.Connect(ctx); err != nil {
			return &ConnectionError{Component: "target", Err: err}
		}
	}
	return nil
}

type iterationStats struct {
	requests int
	failures int
	report   models.WriteReport
}

// runIteration performs one plan-fetch-persist cycle. Individual request
// failures are logged and counted but never abort the iteration.
func (s *Service) runIteration(ctx context.Context) iterationStats {
	deliveryID := uuid.New().String()
	started := s.now()
	log := s.log.WithFields(logger.Fields{"delivery_id": deliveryID})

	s.setState(StatePlanning)
	var stats iterationStats

	universe, failed := s.resolveUniverse(ctx, log)
	if failed {
		stats.failures++
	}

	plan := planner.Plan(planner.Inputs{
		ScrapeSymbols:  s.cfg.ScrapeSymbol,
		ScrapeKlines:   s.cfg.ScrapeKline1d,
		Interval:       models.Interval1d,
		DatapointLimit: s.cfg.DatapointLimit,
	}, universe, started)
	stats.requests = len(plan)
	log.WithFields(logger.Fields{
		"requests": len(plan),
		"symbols":  len(universe),
	}).Info("iteration planned")

	s.setState(StateFetching)
	var symbols []models.Symbol
	var klines []models.Kline
	for i, req := range plan {
		if ctx.Err() != nil {
			stats.failures += len(plan) - i
			break
		}
		switch req.Kind {
		case planner.KindSymbolList:
			fetched, err := s.source.FetchSymbols(ctx)
			if err != nil {
				stats.failures++
				log.WithError(err).Error("symbol list fetch failed")
				continue
			}
			symbols = append(symbols, fetched...)
		case planner.KindKlineSeries:
			fetched, err := s.source.FetchKlines(ctx, req.Symbol, req.Interval, req.Limit, req.EndTime)
			if err != nil {
				stats.failures++
				log.WithError(err).WithFields(logger.Fields{
					"symbol": req.Symbol,
				}).Error("kline fetch failed")
				continue
			}
			klines = append(klines, fetched...)
		}
	}

	s.setState(StatePersisting)
	if s.cfg.DryRun {
		log.WithFields(logger.Fields{
			"symbols": len(symbols),
			"klines":  len(klines),
		}).Info("dry run, skipping persistence")
	} else {
		if len(symbols) > 0 {
			report, err := s.target.WriteSymbols(ctx, symbols)
			if err != nil {
				stats.failures++
				log.WithError(err).Error("symbol write failed")
			} else {
				stats.report = stats.report.Add(report)
			}
		}
		if len(klines) > 0 {
			report, err := s.target.WriteKlines(ctx, klines)
			if err != nil {
				stats.failures++
				log.WithError(err).Error("kline write failed")
			} else {
				stats.report = stats.report.Add(report)
			}
		}
	}

	log.WithFields(logger.Fields{
		"requests": stats.requests,
		"failures": stats.failures,
		"inserted": stats.report.Inserted,
		"updated":  stats.report.Updated,
		"elapsed":  s.now().Sub(started).String(),
	}).Info("iteration finished")
	return stats
}

// resolveUniverse fetches the symbol universe when kline scraping needs one:
// trading symbols only, filtered down to this shard, sorted by name so plans
// are deterministic. The second return reports a fetch failure; the iteration
// then continues with an empty universe.
func (s *Service) resolveUniverse(ctx context.Context, log *logger.Entry) ([]models.Symbol, bool) {
	if !s.cfg.ScrapeKline1d {
		return nil, false
	}

	all, err := s.source.FetchSymbols(ctx)
	if err != nil {
		log.WithError(err).Error("universe fetch failed")
		return nil, true
	}

	universe := make([]models.Symbol, 0, len(all))
	for _, sym := range all {
		if sym.Status != models.SymbolStatusTrading {
			continue
		}
		if !shard.Assign(sym.Name, s.cfg.Shard, s.cfg.ShardCount) {
			continue
		}
		universe = append(universe, sym)
	}
	sort.Slice(universe, func(i, j int) bool { return universe[i].Name < universe[j].Name })
	return universe, false
}

// jitter picks a sleep duration uniformly from [min_sleep, max_sleep] whole
// seconds.
func (s *Service) jitter() time.Duration {
	seconds := s.cfg.MinSleep
	if spread := s.cfg.MaxSleep - s.cfg.MinSleep; spread > 0 {
		seconds += s.rng.Intn(spread + 1)
	}
	return time.Duration(seconds) * time.Second
}

// sleep waits for d or until the context is cancelled. It returns false on
// cancellation.
func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
