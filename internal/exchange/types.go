// Package exchange talks to the execution venue. Wire-level price and
// size fields are decimals; the conversion to float happens here, at the
// boundary, and nowhere else.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/tradegate/internal/domain"
	"github.com/sawpanic/tradegate/internal/risk"
)

// OrderRequest is the wire form of an entry or exit order.
type OrderRequest struct {
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"` // "buy" or "sell"
	Size       decimal.Decimal `json:"size"`
	Price      decimal.Decimal `json:"price,omitempty"` // empty for market orders
	ReduceOnly bool            `json:"reduce_only"`
	Leverage   decimal.Decimal `json:"leverage,omitempty"`
	MarginMode string          `json:"margin_mode,omitempty"`
}

// Fill is the wire form of an execution report.
type Fill struct {
	OrderID    string          `json:"order_id"`
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	FilledAt   time.Time       `json:"filled_at"`
	Simulated  bool            `json:"simulated,omitempty"`
}

// PriceFloat returns the fill price as float64 for internal math.
func (f *Fill) PriceFloat() float64 { return f.Price.InexactFloat64() }

// SizeFloat returns the fill size as float64 for internal math.
func (f *Fill) SizeFloat() float64 { return f.Size.InexactFloat64() }

// Broker is the execution interface consumed by the router. The live
// client, the paper broker and test fakes implement it.
type Broker interface {
	// AccountState fetches equity and open positions.
	AccountState(ctx context.Context) (*domain.AccountState, error)
	// PlaceEntry submits a bounded entry order and returns its fill.
	PlaceEntry(ctx context.Context, order *risk.Order) (*Fill, error)
	// ClosePosition closes a fraction (0,1] of a position at market.
	ClosePosition(ctx context.Context, pos *domain.Position, fraction float64) (*Fill, error)
	// UpdateLeverage sets instrument leverage and margin mode before entry.
	UpdateLeverage(ctx context.Context, instrument string, leverage float64, margin domain.MarginMode) error
}

// sideFor maps a direction to the wire side for an entry.
func sideFor(d domain.Direction) string {
	if d == domain.DirectionLong {
		return "buy"
	}
	return "sell"
}

// closeSideFor maps a position side to the wire side that reduces it.
func closeSideFor(d domain.Direction) string {
	if d == domain.DirectionLong {
		return "sell"
	}
	return "buy"
}
