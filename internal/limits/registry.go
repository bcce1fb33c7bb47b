// Package limits maintains the per-instrument exchange constraints used
// for sizing. The registry holds an immutable snapshot that is swapped
// atomically on refresh, so in-flight sizing decisions never observe a
// partially updated table.
package limits

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/domain"
)

// Source provides the wholesale per-instrument limit table. Implemented
// by the exchange client.
type Source interface {
	FetchAssetLimits(ctx context.Context) (map[string]domain.AssetLimit, error)
}

// Registry is a point-in-time lookup of asset limits. Missing or stale
// entries resolve to a conservative default, never to an unbounded value.
type Registry struct {
	source   Source
	log      zerolog.Logger
	snapshot atomic.Value // *tableSnapshot

	refreshInterval time.Duration
	staleAfter      time.Duration
	defaultMax      float64
}

type tableSnapshot struct {
	limits      map[string]domain.AssetLimit
	refreshedAt time.Time
}

// NewRegistry creates an empty registry. Until the first successful
// refresh every lookup fails closed to the conservative default.
func NewRegistry(source Source, refreshInterval, staleAfter time.Duration, defaultMaxLeverage float64, log zerolog.Logger) *Registry {
	r := &Registry{
		source:          source,
		log:             log.With().Str("component", "limits").Logger(),
		refreshInterval: refreshInterval,
		staleAfter:      staleAfter,
		defaultMax:      defaultMaxLeverage,
	}
	r.snapshot.Store(&tableSnapshot{limits: map[string]domain.AssetLimit{}})
	return r
}

// Refresh replaces the whole table from the source. The old snapshot
// stays visible until the new one is complete.
func (r *Registry) Refresh(ctx context.Context) error {
	limits, err := r.source.FetchAssetLimits(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("asset limit refresh failed, keeping previous snapshot")
		return err
	}
	now := time.Now().UTC()
	for k, l := range limits {
		l.LastRefreshed = now
		limits[k] = l
	}
	r.snapshot.Store(&tableSnapshot{limits: limits, refreshedAt: now})
	r.log.Info().Int("instruments", len(limits)).Msg("asset limits refreshed")
	return nil
}

// Run refreshes on its own timer until the context is cancelled. The
// refresh loop is decoupled from the decision loop.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Refresh(ctx)
		}
	}
}

// Lookup returns the constraints for an instrument. The second return is
// false when the registry fell back to the conservative default because
// the entry is missing or the snapshot is stale.
func (r *Registry) Lookup(instrument string) (domain.AssetLimit, bool) {
	snap := r.snapshot.Load().(*tableSnapshot)
	limit, ok := snap.limits[instrument]
	if !ok || time.Since(snap.refreshedAt) > r.staleAfter {
		return domain.AssetLimit{
			Instrument:    instrument,
			MaxLeverage:   r.defaultMax,
			IsolatedOnly:  true,
			LastRefreshed: snap.refreshedAt,
		}, false
	}
	return limit, true
}

// Ready reports whether at least one successful refresh has happened.
// Sizing is blocked entirely while the registry is empty at boot.
func (r *Registry) Ready() bool {
	snap := r.snapshot.Load().(*tableSnapshot)
	return len(snap.limits) > 0
}

// RefreshedAt returns the time of the last successful refresh.
func (r *Registry) RefreshedAt() time.Time {
	return r.snapshot.Load().(*tableSnapshot).refreshedAt
}
