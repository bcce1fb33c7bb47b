package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/tradegate/internal/domain"
	"github.com/sawpanic/tradegate/internal/risk"
)

// PaperBroker simulates fills against the current market price without
// any exchange interaction. It backs PAPER_ONLY routing and the shadow
// book in SHADOW mode.
type PaperBroker struct {
	mu     sync.Mutex
	equity float64 // realized
	prices map[string]float64
	open   map[string]*exposure // instrument+side -> aggregate exposure
	log    zerolog.Logger
}

// exposure aggregates simulated fills per instrument and side so open
// paper risk marks to market in the account snapshot.
type exposure struct {
	instrument string
	side       domain.Direction
	entry      float64 // weighted average
	size       float64
}

// NewPaperBroker creates a paper broker seeded with starting equity.
func NewPaperBroker(startEquity float64, log zerolog.Logger) *PaperBroker {
	return &PaperBroker{
		equity: startEquity,
		prices: make(map[string]float64),
		open:   make(map[string]*exposure),
		log:    log.With().Str("component", "paper").Logger(),
	}
}

// SetPrice updates the simulated market price for an instrument. The
// pipeline feeds this from the tick snapshot.
func (b *PaperBroker) SetPrice(instrument string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[instrument] = price
}

// AccountState returns simulated equity, realized plus the unrealized
// PnL of open paper exposure at the last seen prices. Open positions are
// tracked by the pipeline's own open-set, so none are reported here.
func (b *PaperBroker) AccountState(_ context.Context) (*domain.AccountState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &domain.AccountState{Equity: b.equity + b.unrealizedLocked(), FetchedAt: time.Now().UTC()}, nil
}

func (b *PaperBroker) unrealizedLocked() float64 {
	var pnl float64
	for _, ex := range b.open {
		price := b.prices[ex.instrument]
		if price <= 0 {
			continue
		}
		if ex.side == domain.DirectionLong {
			pnl += (price - ex.entry) * ex.size
		} else {
			pnl += (ex.entry - price) * ex.size
		}
	}
	return pnl
}

// PlaceEntry fills immediately at the current simulated price, falling
// back to the order's reference price when no tick has been seen.
func (b *PaperBroker) PlaceEntry(_ context.Context, order *risk.Order) (*Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	price := b.prices[order.Instrument]
	if price <= 0 {
		price = order.EntryPrice
	}
	if price <= 0 {
		return nil, fmt.Errorf("paper fill impossible: no price for %s", order.Instrument)
	}
	key := order.Instrument + "/" + string(order.Direction)
	ex, ok := b.open[key]
	if !ok {
		ex = &exposure{instrument: order.Instrument, side: order.Direction}
		b.open[key] = ex
	}
	total := ex.size + order.Size
	ex.entry = (ex.entry*ex.size + price*order.Size) / total
	ex.size = total

	fill := &Fill{
		OrderID:    "paper-" + uuid.NewString(),
		Instrument: order.Instrument,
		Side:       sideFor(order.Direction),
		Price:      decimal.NewFromFloat(price),
		Size:       decimal.NewFromFloat(order.Size),
		FilledAt:   time.Now().UTC(),
		Simulated:  true,
	}
	b.log.Info().
		Str("instrument", order.Instrument).
		Str("side", fill.Side).
		Float64("price", price).
		Float64("size", order.Size).
		Msg("paper entry filled")
	return fill, nil
}

// ClosePosition fills the reduction at the simulated price and realizes
// the PnL into paper equity.
func (b *PaperBroker) ClosePosition(_ context.Context, pos *domain.Position, fraction float64) (*Fill, error) {
	if fraction <= 0 || fraction > 1 {
		return nil, fmt.Errorf("invalid close fraction %.2f", fraction)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	price := b.prices[pos.Instrument]
	if price <= 0 {
		price = pos.EntryPrice
	}
	closeSize := pos.Size * fraction
	pnl := pos.UnrealizedPnL(price) * fraction
	b.equity += pnl

	if ex, ok := b.open[pos.Instrument+"/"+string(pos.Side)]; ok {
		ex.size -= closeSize
		if ex.size <= 1e-12 {
			delete(b.open, pos.Instrument+"/"+string(pos.Side))
		}
	}

	fill := &Fill{
		OrderID:    "paper-" + uuid.NewString(),
		Instrument: pos.Instrument,
		Side:       closeSideFor(pos.Side),
		Price:      decimal.NewFromFloat(price),
		Size:       decimal.NewFromFloat(closeSize),
		FilledAt:   time.Now().UTC(),
		Simulated:  true,
	}
	b.log.Info().
		Str("instrument", pos.Instrument).
		Float64("fraction", fraction).
		Float64("pnl", pnl).
		Float64("equity", b.equity).
		Msg("paper close filled")
	return fill, nil
}

// UpdateLeverage is a no-op for simulated positions.
func (b *PaperBroker) UpdateLeverage(_ context.Context, _ string, _ float64, _ domain.MarginMode) error {
	return nil
}

// Equity returns the realized simulated equity.
func (b *PaperBroker) Equity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.equity
}
