package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradegate/internal/domain"
)

type fakeSource struct {
	limits map[string]domain.AssetLimit
	err    error
	calls  int
}

func (f *fakeSource) FetchAssetLimits(_ context.Context) (map[string]domain.AssetLimit, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.limits, nil
}

func newTestRegistry(src *fakeSource) *Registry {
	return NewRegistry(src, time.Minute, time.Hour, 3, zerolog.Nop())
}

func TestRegistry_EmptyFailsClosed(t *testing.T) {
	r := newTestRegistry(&fakeSource{})

	assert.False(t, r.Ready())
	limit, fresh := r.Lookup("BTC")
	assert.False(t, fresh)
	// Conservative default: low leverage, isolated margin only.
	assert.InDelta(t, 3.0, limit.MaxLeverage, 1e-9)
	assert.True(t, limit.IsolatedOnly)
}

func TestRegistry_RefreshSwapsWholeTable(t *testing.T) {
	src := &fakeSource{limits: map[string]domain.AssetLimit{
		"BTC": {Instrument: "BTC", MaxLeverage: 50},
		"ETH": {Instrument: "ETH", MaxLeverage: 25, IsolatedOnly: true},
	}}
	r := newTestRegistry(src)

	require.NoError(t, r.Refresh(context.Background()))
	assert.True(t, r.Ready())

	btc, fresh := r.Lookup("BTC")
	assert.True(t, fresh)
	assert.InDelta(t, 50.0, btc.MaxLeverage, 1e-9)
	assert.False(t, btc.LastRefreshed.IsZero())

	eth, _ := r.Lookup("ETH")
	assert.True(t, eth.IsolatedOnly)
}

func TestRegistry_UnknownInstrumentFallsBack(t *testing.T) {
	src := &fakeSource{limits: map[string]domain.AssetLimit{
		"BTC": {Instrument: "BTC", MaxLeverage: 50},
	}}
	r := newTestRegistry(src)
	require.NoError(t, r.Refresh(context.Background()))

	limit, fresh := r.Lookup("DOGE")
	assert.False(t, fresh)
	assert.InDelta(t, 3.0, limit.MaxLeverage, 1e-9)
	assert.True(t, limit.IsolatedOnly)
}

func TestRegistry_FailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	src := &fakeSource{limits: map[string]domain.AssetLimit{
		"BTC": {Instrument: "BTC", MaxLeverage: 50},
	}}
	r := newTestRegistry(src)
	require.NoError(t, r.Refresh(context.Background()))

	src.err = errors.New("exchange down")
	assert.Error(t, r.Refresh(context.Background()))

	// Previous table still serves lookups.
	limit, fresh := r.Lookup("BTC")
	assert.True(t, fresh)
	assert.InDelta(t, 50.0, limit.MaxLeverage, 1e-9)
}
