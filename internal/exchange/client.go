package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/tradegate/internal/domain"
	"github.com/sawpanic/tradegate/internal/risk"
)

// ClientConfig configures the live exchange client.
type ClientConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RatePerSecond  float64
	MaxRetries     int
	BackoffInitial time.Duration
}

// Client is the live exchange REST client. Every call goes through a
// client-side rate limiter and a circuit breaker; transient failures are
// retried with exponential backoff within the call's deadline.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewClient creates a live exchange client.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	settings := gobreaker.Settings{
		Name:    "exchange",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)+1),
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log.With().Str("component", "exchange").Logger(),
	}
}

// transientError marks responses worth retrying.
type transientError struct{ status int }

func (e *transientError) Error() string {
	return fmt.Sprintf("exchange transient failure: status %d", e.status)
}

// do performs one HTTP call through limiter and breaker, decoding the
// JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait aborted: %w", err)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request: %w", err)
			}
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &transientError{status: resp.StatusCode}
		}
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("exchange rejected %s %s: status %d: %s", method, path, resp.StatusCode, data)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// doWithRetry retries transient failures with exponential backoff. A
// final failure surfaces to the caller as "no decision this tick"; the
// pipeline retries on the next tick.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body, out interface{}) error {
	backoff := c.cfg.BackoffInitial
	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if _, transient := err.(*transientError); !transient {
			return err
		}
		c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("retrying exchange call")
	}
	return err
}

type accountResponse struct {
	Equity    decimal.Decimal `json:"equity"`
	Positions []struct {
		Instrument string          `json:"instrument"`
		Size       decimal.Decimal `json:"size"` // signed: negative = short
		EntryPrice decimal.Decimal `json:"entry_price"`
		Leverage   decimal.Decimal `json:"leverage"`
	} `json:"positions"`
}

// AccountState fetches equity and open positions from the exchange.
func (c *Client) AccountState(ctx context.Context) (*domain.AccountState, error) {
	var resp accountResponse
	if err := c.doWithRetry(ctx, http.MethodGet, "/v1/account", nil, &resp); err != nil {
		return nil, err
	}
	state := &domain.AccountState{
		Equity:    resp.Equity.InexactFloat64(),
		FetchedAt: time.Now().UTC(),
	}
	for _, p := range resp.Positions {
		size := p.Size.InexactFloat64()
		if size == 0 {
			continue
		}
		side := domain.DirectionLong
		if size < 0 {
			side = domain.DirectionShort
			size = -size
		}
		state.OpenPositions = append(state.OpenPositions, domain.Position{
			Instrument: p.Instrument,
			Side:       side,
			Size:       size,
			EntryPrice: p.EntryPrice.InexactFloat64(),
			Leverage:   p.Leverage.InexactFloat64(),
		})
	}
	return state, nil
}

// PlaceEntry submits a market entry order.
func (c *Client) PlaceEntry(ctx context.Context, order *risk.Order) (*Fill, error) {
	req := OrderRequest{
		Instrument: order.Instrument,
		Side:       sideFor(order.Direction),
		Size:       decimal.NewFromFloat(order.Size),
		Leverage:   decimal.NewFromFloat(order.Leverage),
		MarginMode: string(order.MarginMode),
	}
	var fill Fill
	if err := c.doWithRetry(ctx, http.MethodPost, "/v1/orders", req, &fill); err != nil {
		return nil, err
	}
	return &fill, nil
}

// ClosePosition submits a reduce-only market order for a fraction of the
// position.
func (c *Client) ClosePosition(ctx context.Context, pos *domain.Position, fraction float64) (*Fill, error) {
	if fraction <= 0 || fraction > 1 {
		return nil, fmt.Errorf("invalid close fraction %.2f", fraction)
	}
	req := OrderRequest{
		Instrument: pos.Instrument,
		Side:       closeSideFor(pos.Side),
		Size:       decimal.NewFromFloat(pos.Size * fraction),
		ReduceOnly: true,
	}
	var fill Fill
	if err := c.doWithRetry(ctx, http.MethodPost, "/v1/orders", req, &fill); err != nil {
		return nil, err
	}
	return &fill, nil
}

// UpdateLeverage sets leverage and margin mode for an instrument.
func (c *Client) UpdateLeverage(ctx context.Context, instrument string, leverage float64, margin domain.MarginMode) error {
	req := map[string]interface{}{
		"instrument":  instrument,
		"leverage":    decimal.NewFromFloat(leverage),
		"margin_mode": string(margin),
	}
	return c.doWithRetry(ctx, http.MethodPost, "/v1/leverage", req, nil)
}

type metaResponse struct {
	Universe []struct {
		Instrument   string          `json:"instrument"`
		MaxLeverage  decimal.Decimal `json:"max_leverage"`
		IsolatedOnly bool            `json:"isolated_only"`
	} `json:"universe"`
}

// FetchAssetLimits pulls the wholesale per-instrument limit table. The
// exchange publishes it as one document; per-call lookups do not exist.
func (c *Client) FetchAssetLimits(ctx context.Context) (map[string]domain.AssetLimit, error) {
	var resp metaResponse
	if err := c.doWithRetry(ctx, http.MethodGet, "/v1/meta", nil, &resp); err != nil {
		return nil, err
	}
	limits := make(map[string]domain.AssetLimit, len(resp.Universe))
	for _, a := range resp.Universe {
		limits[a.Instrument] = domain.AssetLimit{
			Instrument:   a.Instrument,
			MaxLeverage:  a.MaxLeverage.InexactFloat64(),
			IsolatedOnly: a.IsolatedOnly,
		}
	}
	return limits, nil
}
