package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "sessions.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleState() State {
	return State{Messages: []Message{
		{Role: RoleUser, Content: "what is 2+3?"},
		{Role: RoleAssistant, ActionRequests: []ActionRequest{
			{ID: "call_1", Name: "add", Arguments: json.RawMessage(`{"a":2,"b":3}`)},
		}},
		{Role: RoleTool, CallID: "call_1", Name: "add", Content: "5"},
		{Role: RoleAssistant, Content: "2+3 is 5."},
	}}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	state := sampleState()
	require.NoError(t, store.Save(ctx, "s1", state))

	rec, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "s1", rec.ID)
	assert.Equal(t, state, rec.State)
	assert.Equal(t, 4, rec.MessageCount)
	assert.NotEmpty(t, rec.Revision)
	assert.WithinDuration(t, time.Now(), rec.UpdatedAt, time.Minute)
}

func TestSQLiteStoreUnknownSession(t *testing.T) {
	store := openTestStore(t)

	rec, err := store.Load(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSQLiteStoreOverwriteKeepsCreatedAt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "s1", State{Messages: []Message{{Role: RoleUser, Content: "hi"}}}))
	first, err := store.Load(ctx, "s1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Save(ctx, "s1", sampleState()))
	second, err := store.Load(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.NotEqual(t, first.Revision, second.Revision)
	assert.Equal(t, 4, second.MessageCount)
}

func TestSQLiteStoreList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"old", "mid", "new"} {
		require.NoError(t, store.Save(ctx, id, State{Messages: []Message{{Role: RoleUser, Content: id}}}))
		time.Sleep(5 * time.Millisecond)
	}

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "old", all[2].ID)
	assert.Equal(t, 1, all[0].MessageCount)

	limited, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "mid", limited[1].ID)
}

func TestSQLiteStoreDistinctSessionsDoNotCrossWrite(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const sessions = 16
	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", i)
			state := State{Messages: []Message{{Role: RoleUser, Content: id}}}
			errs <- store.Save(ctx, id, state)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := range sessions {
		id := fmt.Sprintf("session-%d", i)
		rec, err := store.Load(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.Len(t, rec.State.Messages, 1)
		assert.Equal(t, id, rec.State.Messages[0].Content)
	}
}

func TestSQLiteStoreHonoursContext(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, store.Save(ctx, "s1", sampleState()))
	_, err := store.Load(ctx, "s1")
	assert.Error(t, err)
}

func TestCodecRoundTrip(t *testing.T) {
	blob, err := encodeState(sampleState())
	require.NoError(t, err)

	got, err := decodeState(blob)
	require.NoError(t, err)
	assert.Equal(t, sampleState(), got)

	_, err = decodeState([]byte("not zstd"))
	assert.Error(t, err)
}

func TestStateCloneIsDeep(t *testing.T) {
	orig := sampleState()
	clone := orig.Clone()
	clone.Messages[1].ActionRequests[0].Arguments[2] = 'X'
	clone.Messages[0].Content = "changed"

	assert.Equal(t, sampleState(), orig)
}

func TestNopStore(t *testing.T) {
	var store Store = NopStore{}
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "s1", sampleState()))
	rec, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	require.NoError(t, store.Close())
}
