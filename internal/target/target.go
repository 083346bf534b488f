package target

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"klineflow/internal/models"
	"klineflow/logger"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultMaxConns       = 4
)

const upsertSymbolSQL = `
INSERT INTO symbols (name, status, base_asset, quote_asset, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (name) DO UPDATE SET
	status      = EXCLUDED.status,
	base_asset  = EXCLUDED.base_asset,
	quote_asset = EXCLUDED.quote_asset,
	updated_at  = now()
RETURNING (xmax = 0) AS inserted`

const upsertKlineSQL = `
INSERT INTO klines (
	symbol, interval, open_time, open, high, low, close, volume,
	close_time, quote_volume, trades, taker_buy_base_volume, taker_buy_quote_volume
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
	open                   = EXCLUDED.open,
	high                   = EXCLUDED.high,
	low                    = EXCLUDED.low,
	close                  = EXCLUDED.close,
	volume                 = EXCLUDED.volume,
	close_time             = EXCLUDED.close_time,
	quote_volume           = EXCLUDED.quote_volume,
	trades                 = EXCLUDED.trades,
	taker_buy_base_volume  = EXCLUDED.taker_buy_base_volume,
	taker_buy_quote_volume = EXCLUDED.taker_buy_quote_volume
RETURNING (xmax = 0) AS inserted`

// Target owns the connection lifecycle to the relational store and exposes
// idempotent batch writes. Each write call runs in its own transaction, so a
// batch lands fully or not at all. Like Source it is owned exclusively by the
// scheduler loop.
type Target struct {
	dsn  string
	pool *pgxpool.Pool
	log  *logger.Log

	mu        sync.RWMutex
	connected bool
}

// New builds a Target for the given connection string. No I/O happens until
// Connect.
func New(connectionString string) *Target {
	return &Target{
		dsn: connectionString,
		log: logger.GetLogger(),
	}
}

// Connect parses the connection string, opens the pool and verifies it with a
// ping. It is idempotent; a failed attempt closes any partially opened pool
// and leaves the target disconnected.
func (t *Target) Connect(ctx context.Context) error {
	if t.IsConnected() {
		return nil
	}

	cfg, err := pgxpool.ParseConfig(t.dsn)
	if err != nil {
		return &Error{
			Reason:     ReasonInvalidEndpoint,
			Context:    connectContext,
			Underlying: err,
			Detail:     "invalid connection string",
		}
	}
	cfg.MaxConns = defaultMaxConns
	cfg.ConnConfig.ConnectTimeout = defaultConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return &Error{
			Reason:     ReasonNetworkFailure,
			Context:    connectContext,
			Underlying: err,
			Detail:     "failed to open connection pool",
		}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return &Error{
			Reason:     ReasonNetworkFailure,
			Context:    connectContext,
			Underlying: err,
			Detail:     "target did not answer ping",
		}
	}

	t.mu.Lock()
	t.pool = pool
	t.connected = true
	t.mu.Unlock()

	t.log.WithComponent("target").Info("target connected")
	return nil
}

// IsConnected reports the connection state without any I/O.
func (t *Target) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Close releases the pool. The target can be reconnected afterwards.
func (t *Target) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pool != nil {
		t.pool.Close()
		t.pool = nil
	}
	t.connected = false
}

// WriteSymbols upserts the batch keyed on the symbol name and reports how
// many rows were newly inserted versus updated in place.
func (t *Target) WriteSymbols(ctx context.Context, symbols []models.Symbol) (models.WriteReport, error) {
	if !t.IsConnected() {
		return models.WriteReport{}, notConnectedError()
	}
	if len(symbols) == 0 {
		return models.WriteReport{}, nil
	}

	batch := &pgx.Batch{}
	for _, s := range symbols {
		batch.Queue(upsertSymbolSQL, s.Name, string(s.Status), s.BaseAsset, s.QuoteAsset)
	}

	report, err := t.runBatch(ctx, batch)
	if err != nil {
		return models.WriteReport{}, writeError(err, fmt.Sprintf("failed to upsert %d symbols", len(symbols)))
	}

	t.log.WithComponent("target").WithFields(logger.Fields{
		"rows":     report.Total(),
		"inserted": report.Inserted,
		"updated":  report.Updated,
	}).Debug("symbols written")
	return report, nil
}

// WriteKlines upserts the batch keyed on (symbol, interval, open_time) and
// reports inserted versus updated counts. Re-fetching the same candle never
// produces a second row.
func (t *Target) WriteKlines(ctx context.Context, klines []models.Kline) (models.WriteReport, error) {
	if !t.IsConnected() {
		return models.WriteReport{}, notConnectedError()
	}
	if len(klines) == 0 {
		return models.WriteReport{}, nil
	}

	batch := &pgx.Batch{}
	for _, k := range klines {
		batch.Queue(upsertKlineSQL,
			k.Symbol, string(k.Interval), k.OpenTime,
			k.Open.String(), k.High.String(), k.Low.String(), k.Close.String(),
			k.Volume.String(), k.CloseTime, k.QuoteVolume.String(), k.Trades,
			k.TakerBuyBaseVolume.String(), k.TakerBuyQuoteVolume.String(),
		)
	}

	report, err := t.runBatch(ctx, batch)
	if err != nil {
		return models.WriteReport{}, writeError(err, fmt.Sprintf("failed to upsert %d klines", len(klines)))
	}

	t.log.WithComponent("target").WithFields(logger.Fields{
		"rows":     report.Total(),
		"inserted": report.Inserted,
		"updated":  report.Updated,
	}).Debug("klines written")
	return report, nil
}

// runBatch executes the queued upserts inside a single transaction and folds
// the RETURNING flags into a report.
func (t *Target) runBatch(ctx context.Context, batch *pgx.Batch) (models.WriteReport, error) {
	t.mu.RLock()
	pool := t.pool
	t.mu.RUnlock()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return models.WriteReport{}, err
	}
	defer tx.Rollback(ctx)

	var report models.WriteReport
	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		var inserted bool
		if err := results.QueryRow().Scan(&inserted); err != nil {
			results.Close()
			return models.WriteReport{}, err
		}
		if inserted {
			report.Inserted++
		} else {
			report.Updated++
		}
	}
	if err := results.Close(); err != nil {
		return models.WriteReport{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.WriteReport{}, err
	}
	return report, nil
}

func writeError(err error, detail string) *Error {
	return &Error{
		Reason:     ReasonWriteFailed,
		Context:    writeContext,
		Underlying: err,
		Detail:     detail,
	}
}
