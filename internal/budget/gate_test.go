package budget

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradegate/internal/domain"
)

func testGate(t *testing.T, limits map[string]ClassLimit) *Gate {
	t.Helper()
	return NewGate(context.Background(), limits, nil, 0, 0.8, zerolog.Nop())
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestGate_DailyLimit(t *testing.T) {
	g := testGate(t, map[string]ClassLimit{
		"structural": {DailyMax: 2, Cooldown: 0},
	})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.SetClock(fixedClock(now))

	res := g.Register(context.Background(), "structural", nil)
	require.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)

	res = g.Register(context.Background(), "structural", nil)
	require.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	res = g.Register(context.Background(), "structural", nil)
	assert.False(t, res.Allowed)
	assert.Equal(t, domain.ReasonDailyLimit, res.Reason)
	assert.False(t, res.RetryAt.IsZero())
}

func TestGate_Cooldown(t *testing.T) {
	g := testGate(t, map[string]ClassLimit{
		"tactical": {DailyMax: 10, Cooldown: 10 * time.Minute},
	})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.SetClock(fixedClock(now))

	require.True(t, g.Register(context.Background(), "tactical", nil).Allowed)

	res := g.CanCall("tactical")
	assert.False(t, res.Allowed)
	assert.Equal(t, domain.ReasonCooldown, res.Reason)
	assert.Equal(t, now.Add(10*time.Minute), res.RetryAt)

	g.SetClock(fixedClock(now.Add(10 * time.Minute)))
	assert.True(t, g.CanCall("tactical").Allowed)
}

func TestGate_DailyRolloverAtResetHour(t *testing.T) {
	g := NewGate(context.Background(), map[string]ClassLimit{
		"structural": {DailyMax: 1},
	}, nil, 0, 0.8, zerolog.Nop())

	now := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	g.SetClock(fixedClock(now))
	require.True(t, g.Register(context.Background(), "structural", nil).Allowed)
	require.False(t, g.CanCall("structural").Allowed)

	// Past midnight UTC the window resets and the quota is fresh.
	g.SetClock(fixedClock(time.Date(2025, 6, 2, 0, 30, 0, 0, time.UTC)))
	assert.True(t, g.CanCall("structural").Allowed)
	stats := g.Stats()
	assert.Equal(t, 0, stats["structural"].CallsToday)
}

func TestGate_WarnThreshold(t *testing.T) {
	g := testGate(t, map[string]ClassLimit{
		"tactical": {DailyMax: 4},
	})
	g.SetClock(fixedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))

	assert.False(t, g.Register(context.Background(), "tactical", nil).Warned)
	assert.False(t, g.Register(context.Background(), "tactical", nil).Warned)
	// Third call crosses 80% utilization but must still be allowed.
	res := g.Register(context.Background(), "tactical", nil)
	assert.True(t, res.Allowed)
	assert.True(t, res.Warned)
}

func TestGate_UnknownClass(t *testing.T) {
	g := testGate(t, map[string]ClassLimit{"structural": {DailyMax: 1}})
	assert.False(t, g.CanCall("unknown").Allowed)
	assert.False(t, g.Register(context.Background(), "unknown", nil).Allowed)
}

func TestGate_RestoresPersistedState(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{state: &State{
		Class:       "structural",
		CallsToday:  5,
		WindowStart: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		LastCallAt:  now.Add(-2 * time.Hour),
	}}
	g := NewGate(context.Background(), map[string]ClassLimit{
		"structural": {DailyMax: 5, Cooldown: time.Hour},
	}, store, 0, 0.8, zerolog.Nop())
	g.SetClock(fixedClock(now))

	// A restart must not grant a fresh quota for the same window.
	res := g.CanCall("structural")
	assert.False(t, res.Allowed)
	assert.Equal(t, domain.ReasonDailyLimit, res.Reason)
}

func TestGate_RegisterPersists(t *testing.T) {
	store := &fakeStore{}
	g := NewGate(context.Background(), map[string]ClassLimit{
		"tactical": {DailyMax: 3},
	}, store, 0, 0.8, zerolog.Nop())
	g.SetClock(fixedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))

	require.True(t, g.Register(context.Background(), "tactical", nil).Allowed)
	require.NotNil(t, store.saved)
	assert.Equal(t, 1, store.saved.CallsToday)
}

type fakeStore struct {
	state *State
	saved *State
}

func (f *fakeStore) LoadBudget(_ context.Context, class string) (*State, error) {
	if f.state != nil && f.state.Class == class {
		return f.state, nil
	}
	return nil, nil
}

func (f *fakeStore) SaveBudget(_ context.Context, st State) error {
	f.saved = &st
	return nil
}

func TestRedisStore_RoundTrip(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client)

	st := State{
		Class:       "structural",
		CallsToday:  3,
		WindowStart: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		LastCallAt:  time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(st)
	require.NoError(t, err)

	mock.ExpectSet("tradegate:budget:structural", data, 0).SetVal("OK")
	require.NoError(t, store.SaveBudget(context.Background(), st))

	mock.ExpectGet("tradegate:budget:structural").SetVal(string(data))
	loaded, err := store.LoadBudget(context.Background(), "structural")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, st.CallsToday, loaded.CallsToday)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_MissingKey(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client)

	mock.ExpectGet("tradegate:budget:tactical").RedisNil()
	loaded, err := store.LoadBudget(context.Background(), "tactical")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
