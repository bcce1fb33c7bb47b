package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/tradegate/internal/domain"
)

type marketResponse struct {
	Instruments []struct {
		Instrument      string          `json:"instrument"`
		Price           decimal.Decimal `json:"price"`
		Bias            string          `json:"bias"`
		RegimeShifted   bool            `json:"regime_shifted"`
		AlignmentScore  float64         `json:"alignment_score"`
		ATR             decimal.Decimal `json:"atr"`
		EMAFast         decimal.Decimal `json:"ema_fast"`
		EMASlow         decimal.Decimal `json:"ema_slow"`
		RecentHigh      decimal.Decimal `json:"recent_high"`
		RecentLow       decimal.Decimal `json:"recent_low"`
		SwingHigh       decimal.Decimal `json:"swing_high"`
		SwingLow        decimal.Decimal `json:"swing_low"`
		LastCandlePct   float64         `json:"last_candle_pct"`
		ConfluenceCount int             `json:"confluence_count"`
	} `json:"instruments"`
}

// MarketSnapshot fetches the indicator snapshot for the given
// instruments from the market data service.
func (c *Client) MarketSnapshot(ctx context.Context, instruments []string) (*domain.MarketState, error) {
	path := "/v1/market?instruments=" + strings.Join(instruments, ",")
	var resp marketResponse
	if err := c.doWithRetry(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	state := &domain.MarketState{
		Timestamp:   time.Now().UTC(),
		Instruments: make(map[string]domain.InstrumentState, len(resp.Instruments)),
	}
	for _, i := range resp.Instruments {
		state.Instruments[i.Instrument] = domain.InstrumentState{
			Instrument:      i.Instrument,
			Price:           i.Price.InexactFloat64(),
			Bias:            domain.Bias(i.Bias),
			RegimeShifted:   i.RegimeShifted,
			AlignmentScore:  i.AlignmentScore,
			ATR:             i.ATR.InexactFloat64(),
			EMAFast:         i.EMAFast.InexactFloat64(),
			EMASlow:         i.EMASlow.InexactFloat64(),
			RecentHigh:      i.RecentHigh.InexactFloat64(),
			RecentLow:       i.RecentLow.InexactFloat64(),
			SwingHigh:       i.SwingHigh.InexactFloat64(),
			SwingLow:        i.SwingLow.InexactFloat64(),
			LastCandlePct:   i.LastCandlePct,
			ConfluenceCount: i.ConfluenceCount,
		}
	}
	if len(state.Instruments) == 0 {
		return nil, fmt.Errorf("market snapshot empty for instruments %v", instruments)
	}
	return state, nil
}

// MarketFeed binds a client to a fixed instrument universe. Implements
// the pipeline's market source.
type MarketFeed struct {
	client      *Client
	instruments []string
}

// NewMarketFeed creates a feed over the configured universe.
func NewMarketFeed(client *Client, instruments []string) *MarketFeed {
	return &MarketFeed{client: client, instruments: instruments}
}

// Snapshot fetches the current tick snapshot.
func (f *MarketFeed) Snapshot(ctx context.Context) (*domain.MarketState, error) {
	return f.client.MarketSnapshot(ctx, f.instruments)
}
