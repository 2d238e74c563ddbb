package moex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/trustmycode/moex-agent/internal/config"
	"github.com/trustmycode/moex-agent/internal/domain"
)

const (
	maxAttempts     = 3
	backoffBase     = 200 * time.Millisecond
	shortWindowDays = 7 // OHLCV windows up to this length are cacheable
)

// ISSClient is the production Provider backed by the MOEX ISS HTTP API.
//
// All upstream access flows through a single token-bucket rate limiter and a
// circuit breaker; both are process-wide and concurrency-safe.
type ISSClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	cache      *Cache
	lookback   int
	log        zerolog.Logger
}

// NewISSClient creates a configured ISS client.
func NewISSClient(cfg config.MOEXConfig, log zerolog.Logger) *ISSClient {
	var cache *Cache
	if cfg.EnableCache {
		cache = NewCache(cfg.CacheMaxSize, cfg.CacheTTL)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "moex-iss",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &ISSClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		// Bucket depth 1 keeps any sliding 1-second window at or below
		// rps+1 upstream calls.
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1),
		breaker:    breaker,
		cache:      cache,
		lookback:   cfg.MaxLookbackDays,
		log:        log.With().Str("component", "moex-iss").Logger(),
	}
}

// Snapshot implements Provider.
func (c *ISSClient) Snapshot(ctx context.Context, ticker, board string) (*domain.SecuritySnapshot, error) {
	if board == "" {
		board = domain.DefaultBoard
	}
	if err := validateTicker(ticker); err != nil {
		return nil, err
	}

	key := CacheKey("snapshot", map[string]string{"ticker": ticker, "board": board})
	if cached, ok := c.cacheGet(key); ok {
		return cached.(*domain.SecuritySnapshot), nil
	}

	path := fmt.Sprintf("/engines/stock/markets/shares/boards/%s/securities/%s.json", board, strings.ToUpper(ticker))
	doc, err := c.getJSON(ctx, path, url.Values{"iss.meta": {"off"}})
	if err != nil {
		return nil, err
	}

	snapshot, err := parseSnapshot(doc, ticker, board)
	if err != nil {
		return nil, err
	}

	c.cacheSet(key, snapshot)
	return snapshot, nil
}

// OHLCV implements Provider.
func (c *ISSClient) OHLCV(ctx context.Context, ticker, board string, from, to time.Time, interval domain.Interval) ([]domain.OHLCVBar, error) {
	if board == "" {
		board = domain.DefaultBoard
	}
	if err := validateTicker(ticker); err != nil {
		return nil, err
	}
	if err := c.checkRange(from, to); err != nil {
		return nil, err
	}
	if interval == "" {
		interval = domain.IntervalDaily
	}

	cacheable := to.Sub(from) <= shortWindowDays*24*time.Hour
	key := CacheKey("ohlcv", map[string]string{
		"ticker":   ticker,
		"board":    board,
		"from":     from.Format("2006-01-02"),
		"to":       to.Format("2006-01-02"),
		"interval": string(interval),
	})
	if cacheable {
		if cached, ok := c.cacheGet(key); ok {
			return cached.([]domain.OHLCVBar), nil
		}
	}

	issInterval := "24"
	if interval == domain.IntervalHourly {
		issInterval = "60"
	}

	path := fmt.Sprintf("/engines/stock/markets/shares/boards/%s/securities/%s/candles.json", board, strings.ToUpper(ticker))
	params := url.Values{
		"iss.meta": {"off"},
		"from":     {from.Format("2006-01-02")},
		"till":     {to.Format("2006-01-02")},
		"interval": {issInterval},
	}

	doc, err := c.getJSON(ctx, path, params)
	if err != nil {
		return nil, err
	}

	bars, err := parseCandles(doc, ticker)
	if err != nil {
		return nil, err
	}

	if cacheable {
		c.cacheSet(key, bars)
	}
	return bars, nil
}

// Constituents implements Provider.
func (c *ISSClient) Constituents(ctx context.Context, indexTicker string, asOf time.Time) ([]domain.IndexConstituent, error) {
	if err := validateTicker(indexTicker); err != nil {
		return nil, err
	}

	key := CacheKey("constituents", map[string]string{
		"index": indexTicker,
		"as_of": asOf.Format("2006-01-02"),
	})
	if cached, ok := c.cacheGet(key); ok {
		return cached.([]domain.IndexConstituent), nil
	}

	path := fmt.Sprintf("/statistics/engines/stock/markets/index/analytics/%s.json", strings.ToUpper(indexTicker))
	params := url.Values{"iss.meta": {"off"}, "limit": {"100"}}
	if !asOf.IsZero() {
		params.Set("date", asOf.Format("2006-01-02"))
	}

	doc, err := c.getJSON(ctx, path, params)
	if err != nil {
		return nil, err
	}

	constituents, err := parseConstituents(doc, indexTicker)
	if err != nil {
		return nil, err
	}

	c.cacheSet(key, constituents)
	return constituents, nil
}

// Dividends implements Provider.
func (c *ISSClient) Dividends(ctx context.Context, ticker string, from, to time.Time) ([]domain.DividendRecord, error) {
	if err := validateTicker(ticker); err != nil {
		return nil, err
	}
	if err := c.checkRange(from, to); err != nil {
		return nil, err
	}

	key := CacheKey("dividends", map[string]string{
		"ticker": ticker,
		"from":   from.Format("2006-01-02"),
		"to":     to.Format("2006-01-02"),
	})
	if cached, ok := c.cacheGet(key); ok {
		return cached.([]domain.DividendRecord), nil
	}

	path := fmt.Sprintf("/securities/%s/dividends.json", strings.ToUpper(ticker))
	doc, err := c.getJSON(ctx, path, url.Values{"iss.meta": {"off"}})
	if err != nil {
		return nil, err
	}

	records, err := parseDividends(doc, ticker, from, to)
	if err != nil {
		return nil, err
	}

	c.cacheSet(key, records)
	return records, nil
}

// checkRange enforces the lookback window before any request is issued.
func (c *ISSClient) checkRange(from, to time.Time) error {
	if to.Before(from) {
		return domain.NewValidationError("from_date", "from_date must not be after to_date")
	}
	days := int(to.Sub(from).Hours() / 24)
	if days > c.lookback {
		return domain.NewError(domain.CategoryDateRangeTooLarge,
			fmt.Sprintf("requested window of %d days exceeds the %d day limit", days, c.lookback), nil)
	}
	return nil
}

func (c *ISSClient) cacheGet(key string) (any, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(key)
}

func (c *ISSClient) cacheSet(key string, value any) {
	if c.cache != nil {
		c.cache.Set(key, value)
	}
}

// getJSON performs a rate-limited GET with retries and error normalisation.
//
// Retries apply to network failures, HTTP 5xx and HTTP 429 rate-limit
// responses only, with exponential backoff (base 200 ms) and ±50% jitter. Context cancellation aborts both the
// in-flight request and any backoff sleep.
func (c *ISSClient) getJSON(ctx context.Context, path string, params url.Values) (*issDocument, error) {
	requestURL := c.baseURL + path
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := backoffBase << (attempt - 2)
			jitter := time.Duration((rand.Float64() - 0.5) * float64(backoff))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return nil, domain.NewError(domain.CategoryISSTimeout, "request cancelled during backoff", ctx.Err())
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, domain.NewError(domain.CategoryISSTimeout, "request cancelled waiting for rate limiter", err)
		}

		result, err := c.breaker.Execute(func() (any, error) {
			return c.doRequest(ctx, requestURL)
		})
		if err == nil {
			return result.(*issDocument), nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewError(domain.CategoryISS5xx, "upstream circuit breaker open", err)
		}
		if !retryable(err) {
			return nil, err
		}

		c.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("url", requestURL).
			Msg("ISS request failed, will retry")
	}

	return nil, lastErr
}

// doRequest performs a single HTTP round trip and classifies failures.
func (c *ISSClient) doRequest(ctx context.Context, requestURL string) (*issDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, domain.NewError(domain.CategoryUnknown, "failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, domain.NewError(domain.CategoryISSTimeout, "ISS request timed out", err)
		}
		return nil, domain.NewError(domain.CategoryISS5xx, "ISS request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, domain.NewError(domain.CategoryISS5xx, "failed to read ISS response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.NewError(domain.CategoryInvalidTicker, "security not found", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.NewError(domain.CategoryRateLimit, "ISS rate limit exceeded", nil)
	case resp.StatusCode >= 500:
		return nil, domain.NewError(domain.CategoryISS5xx,
			fmt.Sprintf("ISS returned status %d", resp.StatusCode), nil)
	default:
		return nil, domain.NewError(domain.CategoryInvalidTicker,
			fmt.Sprintf("ISS rejected request with status %d", resp.StatusCode), nil)
	}

	var doc issDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, domain.NewError(domain.CategoryISS5xx, "failed to parse ISS response", err)
	}
	return &doc, nil
}

// retryable reports whether an error is worth another attempt.
func retryable(err error) bool {
	switch domain.CategoryOf(err) {
	case domain.CategoryISS5xx, domain.CategoryISSTimeout, domain.CategoryRateLimit:
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// validateTicker rejects obviously malformed tickers before spending a
// rate-limiter token on them.
func validateTicker(ticker string) error {
	if ticker == "" || len(ticker) > 16 {
		return domain.NewError(domain.CategoryInvalidTicker, fmt.Sprintf("malformed ticker %q", ticker), nil)
	}
	for _, r := range ticker {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return domain.NewError(domain.CategoryInvalidTicker, fmt.Sprintf("malformed ticker %q", ticker), nil)
		}
	}
	return nil
}
