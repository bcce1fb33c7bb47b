package execmode

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	state   *State
	loadErr error
	saveErr error
}

func (f *fakeStore) LoadMode(_ context.Context) (*State, error) {
	return f.state, f.loadErr
}

func (f *fakeStore) SaveMode(_ context.Context, st State) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.state = &st
	return nil
}

func TestLoad_ColdStartIsPaperOnly(t *testing.T) {
	c, err := Load(context.Background(), &fakeStore{}, zerolog.Nop())
	require.NoError(t, err)

	st := c.Snapshot()
	assert.Equal(t, ModePaperOnly, st.Mode)
	assert.False(t, st.AllowsLive())
	assert.False(t, c.NeedsConfirmation())
}

func TestLoad_RestoresPersistedMode(t *testing.T) {
	store := &fakeStore{state: &State{Mode: ModeLive, SetBy: "alice"}}
	c, err := Load(context.Background(), store, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, ModeLive, c.Snapshot().Mode)
}

func TestLoad_CorruptStateBlocksLive(t *testing.T) {
	store := &fakeStore{loadErr: errors.New("disk gremlins")}
	c, err := Load(context.Background(), store, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptState)
	assert.True(t, c.NeedsConfirmation())
	// Fail safe: the in-memory mode is the non-live default.
	assert.Equal(t, ModePaperOnly, c.Snapshot().Mode)

	// Explicit operator confirmation clears the block.
	require.NoError(t, c.ConfirmMode(context.Background(), ModeShadow, "bob"))
	assert.False(t, c.NeedsConfirmation())
	assert.Equal(t, ModeShadow, c.Snapshot().Mode)
}

func TestLoad_InvalidPersistedMode(t *testing.T) {
	store := &fakeStore{state: &State{Mode: Mode("YOLO")}}
	c, err := Load(context.Background(), store, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptState)
	assert.True(t, c.NeedsConfirmation())
}

func TestSetMode_RequiresActor(t *testing.T) {
	c, err := Load(context.Background(), &fakeStore{}, zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, c.SetMode(context.Background(), ModeLive, ""), ErrUnauthorized)
	assert.Equal(t, ModePaperOnly, c.Snapshot().Mode)
}

func TestSetMode_PersistsAndRecordsActor(t *testing.T) {
	store := &fakeStore{}
	c, err := Load(context.Background(), store, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, c.SetMode(context.Background(), ModeLive, "alice"))
	require.NotNil(t, store.state)
	assert.Equal(t, ModeLive, store.state.Mode)
	assert.Equal(t, "alice", store.state.SetBy)
	assert.False(t, store.state.SetAt.IsZero())
}

func TestSetMode_RejectsInvalidMode(t *testing.T) {
	c, err := Load(context.Background(), &fakeStore{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Error(t, c.SetMode(context.Background(), Mode("bogus"), "alice"))
}

func TestSetMode_PersistFailureSurfaces(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("redis down")}
	c, err := Load(context.Background(), store, zerolog.Nop())
	require.NoError(t, err)
	assert.Error(t, c.SetMode(context.Background(), ModeLive, "alice"))
}

func TestSetPaused(t *testing.T) {
	store := &fakeStore{state: &State{Mode: ModeLive}}
	c, err := Load(context.Background(), store, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, c.SetPaused(context.Background(), true, "alice"))
	st := c.Snapshot()
	assert.True(t, st.Paused)
	// Pause is an overlay, not a mode change.
	assert.Equal(t, ModeLive, st.Mode)
	assert.True(t, st.AllowsLive())

	require.NoError(t, c.SetPaused(context.Background(), false, "alice"))
	assert.False(t, c.Snapshot().Paused)
}

func TestModeRouting(t *testing.T) {
	assert.True(t, State{Mode: ModeLive}.AllowsLive())
	assert.False(t, State{Mode: ModeLive}.AllowsPaper())
	assert.False(t, State{Mode: ModePaperOnly}.AllowsLive())
	assert.True(t, State{Mode: ModePaperOnly}.AllowsPaper())
	assert.True(t, State{Mode: ModeShadow}.AllowsLive())
	assert.True(t, State{Mode: ModeShadow}.AllowsPaper())
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mode.json")
	store := NewFileStore(path)

	loaded, err := store.LoadMode(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)

	require.NoError(t, store.SaveMode(context.Background(), State{Mode: ModeShadow, SetBy: "alice"}))
	loaded, err = store.LoadMode(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, ModeShadow, loaded.Mode)
	assert.Equal(t, "alice", loaded.SetBy)
}
