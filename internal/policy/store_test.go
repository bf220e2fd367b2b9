package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/advisor/internal/domain"
)

type recordingRecorder struct {
	mu      sync.Mutex
	changes []ChangeEvent
}

func (r *recordingRecorder) PolicyChange(change ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *recordingRecorder) all() []ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChangeEvent(nil), r.changes...)
}

func writePolicyFile(t *testing.T, doc *Document) string {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "policies.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestStoreSnapshotBeforeLoad(t *testing.T) {
	store := NewStore(nil, zerolog.Nop())
	_, err := store.Snapshot()
	assert.ErrorIs(t, err, domain.ErrNotLoaded)
}

func TestStoreLoadFromSource(t *testing.T) {
	store := NewStore(nil, zerolog.Nop())
	path := writePolicyFile(t, DefaultDocument())

	require.NoError(t, store.LoadFromSource(path))

	snap, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", snap.Version)
	assert.Len(t, snap.Checksum, 64)
	assert.False(t, snap.LoadedAt.IsZero())
}

func TestStoreLoadBadSourceKeepsSnapshot(t *testing.T) {
	store := NewStore(nil, zerolog.Nop())
	require.NoError(t, store.Update(DefaultDocument()))
	before, err := store.Snapshot()
	require.NoError(t, err)

	err = store.LoadFromSource(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, domain.ErrPolicySource)

	after, err := store.Snapshot()
	require.NoError(t, err)
	assert.Same(t, before, after)
}

func TestStoreUpdateNotifiesSubscribersWithSnapshot(t *testing.T) {
	store := NewStore(nil, zerolog.Nop())

	var got []*Snapshot
	store.Subscribe(func(s *Snapshot) { got = append(got, s) })
	store.Subscribe(func(s *Snapshot) { panic("bad subscriber") })

	var gotAfterPanic *Snapshot
	store.Subscribe(func(s *Snapshot) { gotAfterPanic = s })

	require.NoError(t, store.Update(DefaultDocument()))

	require.Len(t, got, 1)
	assert.NotNil(t, gotAfterPanic, "subscribers after a panicking one still run")
	assert.Equal(t, got[0], gotAfterPanic)
}

func TestStoreEmitsChangeEventOnReplacement(t *testing.T) {
	rec := &recordingRecorder{}
	store := NewStore(rec, zerolog.Nop())

	require.NoError(t, store.Update(DefaultDocument()))
	assert.Empty(t, rec.all(), "first load is not a change")

	changed := DefaultDocument()
	changed.Version = "1.1.0"
	rule := changed.Rules["CONC-001"]
	rule.Params["max_position"] = 0.15
	changed.Rules["CONC-001"] = rule
	require.NoError(t, store.Update(changed))

	changes := rec.all()
	require.Len(t, changes, 1)
	assert.Equal(t, "1.0.0", changes[0].OldVersion)
	assert.Equal(t, "1.1.0", changes[0].NewVersion)
	assert.NotEqual(t, changes[0].OldChecksum, changes[0].NewChecksum)
	assert.Contains(t, changes[0].Diff, "0.15")
}

func TestStoreWatcherReloadsOnChange(t *testing.T) {
	store := NewStore(nil, zerolog.Nop())
	path := writePolicyFile(t, DefaultDocument())
	require.NoError(t, store.LoadFromSource(path))

	notified := make(chan *Snapshot, 4)
	store.Subscribe(func(s *Snapshot) { notified <- s })

	store.StartWatcher(path, 20*time.Millisecond)
	store.StartWatcher(path, 20*time.Millisecond) // idempotent
	defer store.StopWatcher()

	changed := DefaultDocument()
	changed.Version = "2.0.0"
	data, err := json.Marshal(changed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	select {
	case snap := <-notified:
		assert.Equal(t, "2.0.0", snap.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not reload")
	}
}

func TestStoreWatcherSurvivesMalformedFile(t *testing.T) {
	store := NewStore(nil, zerolog.Nop())
	path := writePolicyFile(t, DefaultDocument())
	require.NoError(t, store.LoadFromSource(path))
	before, err := store.Snapshot()
	require.NoError(t, err)

	store.StartWatcher(path, 20*time.Millisecond)
	defer store.StopWatcher()

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))
	time.Sleep(100 * time.Millisecond)

	after, err := store.Snapshot()
	require.NoError(t, err)
	assert.Same(t, before, after, "malformed reload keeps serving the previous snapshot")
}
