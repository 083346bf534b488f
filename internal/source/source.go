package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"klineflow/internal/models"
	"klineflow/logger"
)

// MaxPageSize is the upstream limit on klines returned per request. The
// fetch planner splits larger datapoint limits into page-sized requests;
// FetchKlines never loops internally.
const MaxPageSize = 1000

const (
	defaultHTTPTimeout       = 120 * time.Second
	defaultRequestsPerSecond = 5
)

// Source owns the connection lifecycle to the upstream market-data API and
// exposes typed fetch operations. It is not safe to share a Source between
// concurrently running loops; the scheduler owns it exclusively.
type Source struct {
	url     string
	client  *binance.Client
	limiter *rate.Limiter
	log     *logger.Log

	mu        sync.RWMutex
	connected bool
}

// Option customizes a Source.
type Option func(*Source)

// WithHTTPTimeout overrides the per-request HTTP timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(s *Source) {
		s.client.HTTPClient.Timeout = d
	}
}

// WithRequestsPerSecond overrides the request pacing inside an iteration.
func WithRequestsPerSecond(rps float64) Option {
	return func(s *Source) {
		s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// New builds a Source for the given base URL. No I/O happens until Connect.
func New(connectionString string, opts ...Option) *Source {
	client := binance.NewClient("", "")
	client.BaseURL = strings.TrimRight(strings.TrimSpace(connectionString), "/")
	client.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}

	s := &Source{
		url:     client.BaseURL,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), 1),
		log:     logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the configured base URL.
func (s *Source) URL() string {
	return s.url
}

// Connect verifies reachability of the upstream API with a ping request and
// marks the source connected. It is idempotent and safe to call repeatedly;
// a failed attempt leaves the source disconnected and holds no resources.
func (s *Source) Connect(ctx context.Context) error {
	parsed, err := url.Parse(s.url)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" ||
		(parsed.Scheme != "http" && parsed.Scheme != "https") {
		s.setConnected(false)
		return &Error{
			Reason:     ReasonInvalidEndpoint,
			Context:    connectContext,
			Underlying: err,
			Detail:     fmt.Sprintf("invalid endpoint %q", s.url),
		}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		s.setConnected(false)
		return &Error{Reason: ReasonNetworkFailure, Context: connectContext, Underlying: err}
	}

	if err := s.client.NewPingService().Do(ctx); err != nil {
		s.setConnected(false)
		connErr := classifyFetch(err, "ping request failed")
		connErr.Context = connectContext
		return connErr
	}

	s.setConnected(true)
	s.log.WithComponent("source").WithFields(logger.Fields{
		"url": s.url,
	}).Info("source connected")
	return nil
}

// IsConnected reports the connection state without any I/O.
func (s *Source) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Source) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// fetchError classifies a fetch failure. A transport-level failure drops the
// connected flag so the next loop pass re-verifies the endpoint.
func (s *Source) fetchError(err error, detail string) *Error {
	e := classifyFetch(err, detail)
	if e.Reason == ReasonNetworkFailure {
		s.setConnected(false)
	}
	return e
}

// FetchSymbols retrieves the full symbol universe from the exchange metadata
// endpoint. It requires a connected source.
func (s *Source) FetchSymbols(ctx context.Context) ([]models.Symbol, error) {
	if !s.IsConnected() {
		return nil, notConnectedError()
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, s.fetchError(err, "rate limiter interrupted")
	}

	info, err := s.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, s.fetchError(err, "exchange info request failed")
	}

	symbols := make([]models.Symbol, 0, len(info.Symbols))
	for _, sym := range info.Symbols {
		symbols = append(symbols, models.Symbol{
			Name:       sym.Symbol,
			Status:     models.NormalizeStatus(sym.Status),
			BaseAsset:  sym.BaseAsset,
			QuoteAsset: sym.QuoteAsset,
		})
	}
	return symbols, nil
}

// FetchKlines retrieves at most one page of klines for the symbol and
// interval, newest last. A zero endTime means the latest page. limit is
// capped at MaxPageSize; pagination is the caller's responsibility.
func (s *Source) FetchKlines(ctx context.Context, symbol string, interval models.Interval, limit int, endTime time.Time) ([]models.Kline, error) {
	if !s.IsConnected() {
		return nil, notConnectedError()
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, s.fetchError(err, "rate limiter interrupted")
	}

	svc := s.client.NewKlinesService().
		Symbol(symbol).
		Interval(string(interval)).
		Limit(limit)
	if !endTime.IsZero() {
		svc = svc.EndTime(endTime.UnixMilli())
	}

	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, s.fetchError(err, fmt.Sprintf("klines request failed for %s", symbol))
	}

	klines := make([]models.Kline, 0, len(raw))
	for _, k := range raw {
		if k == nil {
			continue
		}
		kline, err := convertKline(symbol, interval, k)
		if err != nil {
			return nil, &Error{
				Reason:     ReasonMalformedResponse,
				Context:    fetchContext,
				Underlying: err,
				Detail:     fmt.Sprintf("unparseable kline for %s", symbol),
			}
		}
		klines = append(klines, kline)
	}
	return klines, nil
}

// convertKline maps the raw string payload to the typed model.
func convertKline(symbol string, interval models.Interval, k *binance.Kline) (models.Kline, error) {
	var (
		out models.Kline
		err error
	)
	out.Symbol = symbol
	out.Interval = interval
	out.OpenTime = time.UnixMilli(k.OpenTime).UTC()
	out.CloseTime = time.UnixMilli(k.CloseTime).UTC()
	out.Trades = k.TradeNum

	fields := []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&out.Open, k.Open},
		{&out.High, k.High},
		{&out.Low, k.Low},
		{&out.Close, k.Close},
		{&out.Volume, k.Volume},
		{&out.QuoteVolume, k.QuoteAssetVolume},
		{&out.TakerBuyBaseVolume, k.TakerBuyBaseAssetVolume},
		{&out.TakerBuyQuoteVolume, k.TakerBuyQuoteAssetVolume},
	}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return models.Kline{}, fmt.Errorf("invalid decimal %q: %w", f.raw, err)
		}
	}
	return out, nil
}
