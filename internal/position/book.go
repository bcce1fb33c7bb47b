package position

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/tradegate/internal/domain"
)

// Book is the open-set of positions. All mutation goes through it; the
// pipeline holds one book for real positions and one for the paper book.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position // id -> position
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{positions: make(map[string]*domain.Position)}
}

// Open records a new position from an entry fill.
func (b *Book) Open(p domain.Position) *domain.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	if p.TrailingRef == 0 {
		p.TrailingRef = p.EntryPrice
	}
	if p.OriginalSize == 0 {
		p.OriginalSize = p.Size
	}
	if p.InitialRisk == 0 && p.StopPrice > 0 {
		if p.Side == domain.DirectionLong {
			p.InitialRisk = p.EntryPrice - p.StopPrice
		} else {
			p.InitialRisk = p.StopPrice - p.EntryPrice
		}
	}
	b.positions[p.ID] = &p
	return &p
}

// Get returns a position by id.
func (b *Book) Get(id string) (*domain.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[id]
	return p, ok
}

// ByInstrument returns the open positions for one instrument.
func (b *Book) ByInstrument(instrument string) []*domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*domain.Position
	for _, p := range b.positions {
		if p.Instrument == instrument {
			out = append(out, p)
		}
	}
	return out
}

// All returns every open position.
func (b *Book) All() []*domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out
}

// Len returns the number of open positions.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// ApplyAdd folds a pyramiding fill into the position: size grows and the
// entry becomes the weighted average.
func (b *Book) ApplyAdd(id string, addSize, addPrice float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[id]
	if !ok || addSize <= 0 {
		return
	}
	total := p.Size + addSize
	p.EntryPrice = (p.EntryPrice*p.Size + addPrice*addSize) / total
	p.Size = total
	p.AddsCount++
}

// ApplyPartial reduces the position by a fraction. Marks the partial
// taken; full reduction removes the position.
func (b *Book) ApplyPartial(id string, fraction float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[id]
	if !ok {
		return
	}
	if fraction >= 1 {
		delete(b.positions, id)
		return
	}
	p.Size *= 1 - fraction
	p.PartialTaken = true
}

// MoveStop tightens the stop and records derived flags.
func (b *Book) MoveStop(id string, newStop float64, breakeven bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[id]
	if !ok {
		return
	}
	p.StopPrice = newStop
	if breakeven {
		p.BreakevenSet = true
		p.RiskFree = true
	}
}

// UpdateTrailingRef advances the high/low water mark.
func (b *Book) UpdateTrailingRef(id string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[id]
	if !ok {
		return
	}
	if p.Side == domain.DirectionLong && price > p.TrailingRef {
		p.TrailingRef = price
	}
	if p.Side == domain.DirectionShort && (p.TrailingRef == 0 || price < p.TrailingRef) {
		p.TrailingRef = price
	}
}

// Close removes a position from the open-set.
func (b *Book) Close(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, id)
}

// Reconcile drops positions that no longer exist on the exchange. The
// account snapshot is authoritative for real positions; paper positions
// are never reconciled away.
func (b *Book) Reconcile(exchangePositions []domain.Position) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	onExchange := make(map[string]bool, len(exchangePositions))
	for _, p := range exchangePositions {
		onExchange[p.Instrument] = true
	}
	var removed []string
	for id, p := range b.positions {
		if p.Paper {
			continue
		}
		if !onExchange[p.Instrument] {
			removed = append(removed, p.Instrument)
			delete(b.positions, id)
		}
	}
	return removed
}
