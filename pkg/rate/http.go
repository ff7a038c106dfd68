package rate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	ratelimit "golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// APIClient performs rate-limited, retried GET requests against a price API.
type APIClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *ratelimit.Limiter
	retries uint
	logger  *zap.Logger
}

// APIOption configures an APIClient.
type APIOption func(*APIClient)

// WithAPIKey sends key in the Authorization header.
func WithAPIKey(key string) APIOption {
	return func(c *APIClient) { c.apiKey = key }
}

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) APIOption {
	return func(c *APIClient) { c.http = hc }
}

// WithLimiter overrides the request rate limiter.
func WithLimiter(l *ratelimit.Limiter) APIOption {
	return func(c *APIClient) { c.limiter = l }
}

// WithRetries sets the number of attempts per request.
func WithRetries(n uint) APIOption {
	return func(c *APIClient) { c.retries = n }
}

// NewAPIClient creates a client for baseURL allowing one request per second by default.
func NewAPIClient(baseURL string, logger *zap.Logger, opts ...APIOption) *APIClient {
	c := &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		limiter: ratelimit.NewLimiter(ratelimit.Every(time.Second), 2),
		retries: 3,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches path (with query) and decodes the JSON body into out.
func (c *APIClient) Get(ctx context.Context, path string, out any) error {
	return retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to wait on limiter: %w", err))
			}
			return c.get(ctx, path, out)
		},
		retry.Context(ctx),
		retry.Attempts(c.retries),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call price API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read price API response: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("price API returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return retry.Unrecoverable(fmt.Errorf("price API returned status %d: %s", resp.StatusCode, truncate(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to decode price API response: %w", err))
	}
	c.logger.Debug("Price API response", zap.String("path", path), zap.Int("status", resp.StatusCode))
	return nil
}

func truncate(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

type tickerResponse struct {
	Error  []string `json:"error"`
	Result map[string]struct {
		// c is [last trade price, lot volume]
		C []string `json:"c"`
	} `json:"result"`
}

// TickerRatio derives A→B as price(A/USD) ÷ price(B/USD) from a
// Kraken-style public ticker endpoint.
type TickerRatio struct {
	client    *APIClient
	basePair  string
	quotePair string
}

// NewTickerRatio creates a ratio source for basePair / quotePair, e.g. SOLUSD / STXUSD.
func NewTickerRatio(client *APIClient, basePair, quotePair string) *TickerRatio {
	return &TickerRatio{client: client, basePair: basePair, quotePair: quotePair}
}

// Rate fetches both last-trade prices and divides them.
func (t *TickerRatio) Rate(ctx context.Context) (decimal.Decimal, error) {
	base, err := t.lastPrice(ctx, t.basePair)
	if err != nil {
		return decimal.Zero, err
	}
	quote, err := t.lastPrice(ctx, t.quotePair)
	if err != nil {
		return decimal.Zero, err
	}
	if !quote.IsPositive() || !base.IsPositive() {
		return decimal.Zero, ErrNonPositiveRate
	}
	return base.DivRound(quote, divisionPrecision), nil
}

func (t *TickerRatio) lastPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	var resp tickerResponse
	if err := t.client.Get(ctx, "/0/public/Ticker?pair="+url.QueryEscape(pair), &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch price for %s: %w", pair, err)
	}
	if len(resp.Error) > 0 {
		return decimal.Zero, fmt.Errorf("price API error for %s: %s", pair, strings.Join(resp.Error, ", "))
	}

	entry, ok := resp.Result[pair]
	if !ok && len(resp.Result) == 1 {
		// the API may answer with its canonical pair name
		for _, v := range resp.Result {
			entry, ok = v, true
		}
	}
	if !ok || len(entry.C) == 0 {
		return decimal.Zero, fmt.Errorf("price API returned no last trade for %s", pair)
	}
	price, err := decimal.NewFromString(entry.C[0])
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q for %s: %w", entry.C[0], pair, err)
	}
	return price, nil
}

// Conversion asks a coin-conversion API how much of one asset a single unit
// of another buys: GET /coin/convert/{from}/{to}/1.
type Conversion struct {
	client *APIClient
	from   string
	to     string
	field  string
}

// NewConversion creates a conversion source. field is a dot path into the
// JSON response holding the converted amount; it defaults to "result".
func NewConversion(client *APIClient, from, to, field string) *Conversion {
	if field == "" {
		field = "result"
	}
	return &Conversion{client: client, from: from, to: to, field: field}
}

// Rate returns the converted amount of one unit.
func (c *Conversion) Rate(ctx context.Context) (decimal.Decimal, error) {
	var body map[string]any
	path := fmt.Sprintf("/coin/convert/%s/%s/1", url.PathEscape(c.from), url.PathEscape(c.to))
	if err := c.client.Get(ctx, path, &body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to convert %s to %s: %w", c.from, c.to, err)
	}

	v, err := lookup(body, c.field)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := toDecimal(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid conversion field %s: %w", c.field, err)
	}
	if !r.IsPositive() {
		return decimal.Zero, ErrNonPositiveRate
	}
	return r, nil
}

func lookup(body map[string]any, path string) (any, error) {
	var cur any = body
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %s not found in conversion response", path)
		}
		if cur, ok = m[key]; !ok {
			return nil, fmt.Errorf("field %s not found in conversion response", path)
		}
	}
	return cur, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		return decimal.NewFromString(x)
	case float64:
		// JSON numbers arrive as float64; re-parse the shortest exact form.
		return decimal.NewFromString(strconv.FormatFloat(x, 'f', -1, 64))
	case json.Number:
		return decimal.NewFromString(x.String())
	default:
		return decimal.Zero, fmt.Errorf("unsupported type %T", v)
	}
}
