package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/r3e-network/neo-service-layer-sub002/internal/audit"
	"github.com/r3e-network/neo-service-layer-sub002/internal/chain"
	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/internal/metrics"
	"github.com/r3e-network/neo-service-layer-sub002/pkg/logger"
)

// Defaults applied when a source or the feed config leaves them unset.
const (
	defaultFetchTimeout = 30 * time.Second
	defaultRateLimit    = 5 // requests per second per source
	maxResponseBytes    = 1 << 20
)

// Signer obtains signatures from the key custodian. The service wallet signs
// price payloads; SigningAccount unlocks an explicit submission wallet.
type Signer interface {
	SignWithServiceWallet(ctx context.Context, data []byte) ([]byte, error)
	SigningAccount(ctx context.Context, walletID, accountID, password string) (*wallet.Account, error)
	ServiceSigner() (*wallet.Account, error)
}

// Config assembles a Feed.
type Config struct {
	// Sources are the configured quote sources, usually from LoadSources.
	Sources []Source
	// Signer signs fetched prices and unlocks submission wallets. Nil
	// leaves prices unsigned and disables oracle submission.
	Signer Signer
	// Oracle submits signed prices on-chain. Nil disables submission.
	Oracle *chain.OracleContract
	// HTTPClient defaults to a plain client; per-fetch timeouts come from
	// source config or FetchTimeout.
	HTTPClient *http.Client
	// FetchTimeout bounds one source fetch when the source sets none.
	FetchTimeout time.Duration
	Audit        *audit.Sink
	Logger       *logger.Logger
}

// Feed is the price oracle aggregator.
type Feed struct {
	log     *logger.Logger
	audit   *audit.Sink
	signer  Signer
	oracle  *chain.OracleContract
	client  *http.Client
	sources []Source
	timeout time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Feed over the configured sources.
func New(cfg Config) (*Feed, error) {
	for i, src := range cfg.Sources {
		if err := checkSource(src); err != nil {
			return nil, fmt.Errorf("source %d (%s): %w", i, src.ID, err)
		}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("pricefeed")
	}
	sink := cfg.Audit
	if sink == nil {
		sink = audit.Nop()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	return &Feed{
		log:      log,
		audit:    sink,
		signer:   cfg.Signer,
		oracle:   cfg.Oracle,
		client:   client,
		sources:  cfg.Sources,
		timeout:  timeout,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Sources returns the configured sources.
func (f *Feed) Sources() []Source {
	out := make([]Source, len(f.sources))
	copy(out, f.sources)
	return out
}

// resolveSources picks the request's inline sources when given, the
// configured set otherwise.
func (f *Feed) resolveSources(inline []Source) ([]Source, error) {
	if len(inline) == 0 {
		if len(f.sources) == 0 {
			return nil, core.NewValidationError("sources", "no price sources configured")
		}
		return f.sources, nil
	}
	for i, src := range inline {
		if err := checkSource(src); err != nil {
			return nil, fmt.Errorf("source %d (%s): %w", i, src.ID, err)
		}
	}
	return inline, nil
}

// FetchPrices fetches every symbol every source supports. One failed
// (source, symbol) fetch is logged and skipped, never aborting the batch.
// Successfully fetched prices are signed before they are returned.
func (f *Feed) FetchPrices(ctx context.Context, baseCurrency string, inline []Source) ([]Price, error) {
	if baseCurrency == "" {
		return nil, core.RequiredError("baseCurrency")
	}
	sources, err := f.resolveSources(inline)
	if err != nil {
		return nil, err
	}

	var prices []Price
	for _, src := range sources {
		for _, symbol := range src.Symbols {
			price, err := f.fetchOne(ctx, src, symbol, baseCurrency)
			if err != nil {
				f.skip(src, symbol, err)
				continue
			}
			prices = append(prices, price)
		}
	}
	return prices, nil
}

// FetchPriceForSymbol fetches one symbol from every supporting source. With
// more than one quote, a weighted aggregate is appended to the result set.
func (f *Feed) FetchPriceForSymbol(ctx context.Context, symbol, baseCurrency string, inline []Source) ([]Price, error) {
	if symbol == "" {
		return nil, core.RequiredError("symbol")
	}
	if baseCurrency == "" {
		return nil, core.RequiredError("baseCurrency")
	}
	sources, err := f.resolveSources(inline)
	if err != nil {
		return nil, err
	}

	var prices []Price
	for _, src := range sources {
		if !src.Supports(symbol) {
			continue
		}
		price, err := f.fetchOne(ctx, src, symbol, baseCurrency)
		if err != nil {
			f.skip(src, symbol, err)
			continue
		}
		prices = append(prices, price)
	}

	if len(prices) > 1 {
		agg, err := f.aggregatePrice(ctx, symbol, baseCurrency, prices)
		if err != nil {
			return nil, err
		}
		prices = append(prices, agg)
	}
	return prices, nil
}

// FetchPriceFromSource fetches every symbol one source supports.
func (f *Feed) FetchPriceFromSource(ctx context.Context, src Source, baseCurrency string) ([]Price, error) {
	if baseCurrency == "" {
		return nil, core.RequiredError("baseCurrency")
	}
	if err := checkSource(src); err != nil {
		return nil, err
	}

	var prices []Price
	for _, symbol := range src.Symbols {
		price, err := f.fetchOne(ctx, src, symbol, baseCurrency)
		if err != nil {
			f.skip(src, symbol, err)
			continue
		}
		prices = append(prices, price)
	}
	return prices, nil
}

// GeneratePriceHistory buckets raw observations into a sparse OHLCV series.
func (f *Feed) GeneratePriceHistory(symbol, baseCurrency, interval string, start, end time.Time, points []PricePoint) (PriceHistory, error) {
	if symbol == "" {
		return PriceHistory{}, core.RequiredError("symbol")
	}
	if baseCurrency == "" {
		return PriceHistory{}, core.RequiredError("baseCurrency")
	}
	if !end.After(start) {
		return PriceHistory{}, core.NewValidationError("endTime", "must be after startTime")
	}
	stride, err := parseInterval(interval)
	if err != nil {
		return PriceHistory{}, err
	}

	return PriceHistory{
		Symbol:       symbol,
		BaseCurrency: baseCurrency,
		Interval:     interval,
		StartTime:    start,
		EndTime:      end,
		DataPoints:   bucketize(points, start, end, stride),
	}, nil
}

// ValidateSource statically validates the source and probes it live with
// its first declared symbol. Meant to run before a source is activated.
func (f *Feed) ValidateSource(ctx context.Context, src Source) error {
	if err := checkSource(src); err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, f.fetchTimeout(src))
	defer cancel()

	req, err := f.buildRequest(probeCtx, src, src.Symbols[0], "USD")
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return core.NewUpstreamError(src.ID, fmt.Errorf("connectivity probe: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode >= http.StatusInternalServerError {
		return core.NewUpstreamError(src.ID, fmt.Errorf("connectivity probe: status %d", resp.StatusCode))
	}
	return nil
}

// aggregatePrice folds per-source quotes into one signed aggregate.
func (f *Feed) aggregatePrice(ctx context.Context, symbol, baseCurrency string, quotes []Price) (Price, error) {
	contributions := make([]SourcePrice, 0, len(quotes))
	for _, q := range quotes {
		contributions = append(contributions, q.Sources...)
	}

	value := Aggregate(contributions)
	now := time.Now().UTC()
	agg := Price{
		Symbol:       symbol,
		BaseCurrency: baseCurrency,
		Value:        value,
		Timestamp:    now,
		Sources:      contributions,
		Confidence:   Confidence(contributions, value),
		CreatedAt:    now,
	}

	sig, err := f.sign(ctx, agg)
	if err != nil {
		return Price{}, err
	}
	agg.Signature = sig
	return agg, nil
}

// fetchOne issues one rate-limited GET against a source for one symbol and
// shapes the extracted value into a signed single-source Price.
func (f *Feed) fetchOne(ctx context.Context, src Source, symbol, baseCurrency string) (Price, error) {
	if err := f.limiter(src).Wait(ctx); err != nil {
		return Price{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.fetchTimeout(src))
	defer cancel()

	req, err := f.buildRequest(fetchCtx, src, symbol, baseCurrency)
	if err != nil {
		return Price{}, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.RecordPriceFetch(src.ID, "failure")
		return Price{}, core.NewUpstreamError(src.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.RecordPriceFetch(src.ID, "failure")
		return Price{}, core.NewUpstreamError(src.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.RecordPriceFetch(src.ID, "failure")
		return Price{}, core.NewUpstreamError(src.ID, fmt.Errorf("status %d", resp.StatusCode))
	}

	value, ts, err := extract(src, symbol, baseCurrency, body)
	if err != nil {
		metrics.RecordPriceFetch(src.ID, "failure")
		return Price{}, err
	}

	now := time.Now().UTC()
	price := Price{
		Symbol:       symbol,
		BaseCurrency: baseCurrency,
		Value:        value,
		Timestamp:    ts,
		Sources: []SourcePrice{{
			SourceID:   src.ID,
			SourceName: src.Name,
			Value:      value,
			Timestamp:  ts,
			Weight:     src.Weight,
		}},
		Confidence: 100,
		CreatedAt:  now,
	}

	sig, err := f.sign(ctx, price)
	if err != nil {
		metrics.RecordPriceFetch(src.ID, "failure")
		return Price{}, err
	}
	price.Signature = sig

	metrics.RecordPriceFetch(src.ID, "success")
	return price, nil
}

// buildRequest expands the source templates for one (symbol, base) pair.
func (f *Feed) buildRequest(ctx context.Context, src Source, symbol, baseCurrency string) (*http.Request, error) {
	target := substitute(src.URL, symbol, baseCurrency)
	u, err := url.Parse(target)
	if err != nil {
		return nil, core.NewValidationError("url", fmt.Sprintf("malformed: %v", err))
	}

	if len(src.QueryParams) > 0 {
		q := u.Query()
		for k, v := range src.QueryParams {
			q.Set(k, substitute(v, symbol, baseCurrency))
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, core.NewUpstreamError(src.ID, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// extract pulls the price value and optional timestamp out of a source
// response using the source's JSON path rules.
func extract(src Source, symbol, baseCurrency string, body []byte) (float64, time.Time, error) {
	if !gjson.ValidBytes(body) {
		return 0, time.Time{}, core.NewUpstreamError(src.ID, fmt.Errorf("response is not valid JSON"))
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, time.Time{}, core.NewUpstreamError(src.ID, fmt.Errorf("decode response: %w", err))
	}

	pricePath := substitute(src.PricePath, symbol, baseCurrency)
	raw, err := jsonpath.Get(pricePath, doc)
	if err != nil {
		return 0, time.Time{}, core.NewUpstreamError(src.ID, fmt.Errorf("price path %s: %w", pricePath, err))
	}
	value, err := toFloat(raw)
	if err != nil {
		return 0, time.Time{}, core.NewUpstreamError(src.ID, fmt.Errorf("price path %s: %w", pricePath, err))
	}
	if value <= 0 {
		return 0, time.Time{}, core.NewUpstreamError(src.ID, fmt.Errorf("non-positive price %v", value))
	}

	ts := time.Now().UTC()
	if src.TimestampPath != "" {
		tsPath := substitute(src.TimestampPath, symbol, baseCurrency)
		if rawTS, err := jsonpath.Get(tsPath, doc); err == nil {
			if parsed, ok := parseTimestamp(rawTS); ok {
				ts = parsed
			}
		}
	}
	return value, ts, nil
}

func toFloat(v interface{}) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", val)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC 3339.
func parseTimestamp(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case float64:
		// Millisecond epochs are 3 orders of magnitude above any
		// plausible second epoch.
		if val > 1e12 {
			return time.UnixMilli(int64(val)).UTC(), true
		}
		return time.Unix(int64(val), 0).UTC(), true
	case string:
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t.UTC(), true
		}
		if sec, err := strconv.ParseInt(val, 10, 64); err == nil {
			if sec > 1e12 {
				return time.UnixMilli(sec).UTC(), true
			}
			return time.Unix(sec, 0).UTC(), true
		}
	}
	return time.Time{}, false
}

// sign obtains the service-wallet signature for a price payload. An absent
// signer leaves the price unsigned rather than failing the fetch.
func (f *Feed) sign(ctx context.Context, p Price) ([]byte, error) {
	if f.signer == nil {
		return nil, nil
	}
	sig, err := f.signer.SignWithServiceWallet(ctx, SigningPayload(p.Symbol, p.BaseCurrency, p.Value, p.Timestamp))
	if err != nil {
		return nil, core.WrapServiceError("pricefeed", "sign price", err)
	}
	return sig, nil
}

func (f *Feed) fetchTimeout(src Source) time.Duration {
	if src.Timeout > 0 {
		return src.Timeout
	}
	return f.timeout
}

func (f *Feed) limiter(src Source) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if lim, ok := f.limiters[src.ID]; ok {
		return lim
	}
	rps := src.RateLimit
	if rps <= 0 {
		rps = defaultRateLimit
	}
	lim := rate.NewLimiter(rate.Limit(rps), 1)
	f.limiters[src.ID] = lim
	return lim
}

func (f *Feed) skip(src Source, symbol string, err error) {
	f.log.WithError(err).WithFields(map[string]interface{}{
		"source": src.ID,
		"symbol": symbol,
	}).Warn("price fetch skipped")
}
