package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	require.NoError(t, writeFileAtomic(path, []byte(`{"ok":true}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a successful write")
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, writeFileAtomic(path, []byte("first")))
	require.NoError(t, writeFileAtomic(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestStateHashDeterministicAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"phase": "build", "nested": map[string]any{"x": 1, "y": 2}}
	b := map[string]any{"nested": map[string]any{"y": 2, "x": 1}, "phase": "build"}

	assert.Equal(t, StateHash(a), StateHash(b))

	c := map[string]any{"phase": "test", "nested": map[string]any{"x": 1, "y": 2}}
	assert.NotEqual(t, StateHash(a), StateHash(c))
}

func TestEventStoreAppendAndFilter(t *testing.T) {
	dir := t.TempDir()
	store := NewEventStore(dir, nil)

	_, err := store.Append("session_a", EventTaskStart, map[string]any{"task": "build"})
	require.NoError(t, err)
	_, err = store.Append("session_b", EventLogin, nil)
	require.NoError(t, err)
	ev, err := store.Append("session_a", EventTaskComplete, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.EventID)
	assert.NotEmpty(t, ev.Timestamp)

	all, err := store.Events()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventTaskStart, all[0].EventType)

	forA, err := store.EventsForSession("session_a")
	require.NoError(t, err)
	require.Len(t, forA, 2)
	assert.Equal(t, EventTaskComplete, forA[1].EventType)
}

func TestEventStoreEmptyHistory(t *testing.T) {
	store := NewEventStore(t.TempDir(), nil)
	events, err := store.Events()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCheckpointStoreRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store := NewCheckpointStore(dir)

	require.NoError(t, store.Save(Checkpoint{
		SessionID: "session_x",
		Data:      map[string]any{"step": "validate"},
		Status:    StatusPaused,
		Progress:  0.4,
	}))

	cp, err := store.Load("session_x")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, cp.Status)
	assert.Equal(t, "validate", cp.Data["step"])
	assert.NotEmpty(t, cp.Timestamp)

	// A new save replaces the prior checkpoint.
	require.NoError(t, store.Save(Checkpoint{SessionID: "session_x", Progress: 1.7}))
	cp, err = store.Load("session_x")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, cp.Status)
	assert.Equal(t, 1.0, cp.Progress, "progress clamps to [0,1]")
}

func TestCheckpointStoreMissing(t *testing.T) {
	store := NewCheckpointStore(t.TempDir())
	_, err := store.Load("nope")
	assert.Error(t, err)
	assert.NoError(t, store.Delete("nope"))
}

func TestCheckpointRequiresSessionID(t *testing.T) {
	store := NewCheckpointStore(t.TempDir())
	assert.Error(t, store.Save(Checkpoint{}))
}
