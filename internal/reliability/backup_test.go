package reliability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/modules/sessions"
)

// fakeStore is an in-memory ObjectStore.
type fakeStore struct {
	objects map[string][]byte
	stamps  map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, stamps: map[string]time.Time{}}
}

func (f *fakeStore) Upload(_ context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = data
	f.stamps[key] = time.Now().UTC()
	return nil
}

func (f *fakeStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for key, data := range f.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, ObjectInfo{Key: key, Size: int64(len(data)), LastModified: f.stamps[key]})
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func newTestDB(t *testing.T, name string) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", t.Name(), name),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBackupDatabaseWritesSnapshot(t *testing.T) {
	db := newTestDB(t, "core")
	svc := NewBackupService(map[string]*database.DB{"core": db}, nil, t.TempDir(), zerolog.Nop())

	dest := filepath.Join(t.TempDir(), "core.db")
	require.NoError(t, svc.BackupDatabase("core", dest))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestBackupDatabaseUnknownName(t *testing.T) {
	svc := NewBackupService(map[string]*database.DB{}, nil, t.TempDir(), zerolog.Nop())
	assert.Error(t, svc.BackupDatabase("nope", filepath.Join(t.TempDir(), "x.db")))
}

func TestCreateAndUploadBackup(t *testing.T) {
	core := newTestDB(t, "core")
	agents := newTestDB(t, "agents")
	store := newFakeStore()
	svc := NewBackupService(map[string]*database.DB{"core": core, "agents": agents}, store, t.TempDir(), zerolog.Nop())

	require.NoError(t, svc.CreateAndUploadBackup(context.Background()))

	require.Len(t, store.objects, 1)
	for key, data := range store.objects {
		assert.Contains(t, key, archivePrefix)
		assert.Contains(t, key, ".tar.gz")
		// gzip magic bytes.
		assert.True(t, bytes.HasPrefix(data, []byte{0x1f, 0x8b}))
	}

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Less(t, backups[0].AgeHours, int64(1))
}

func TestRotateOldBackupsKeepsMinimum(t *testing.T) {
	store := newFakeStore()
	svc := NewBackupService(nil, store, t.TempDir(), zerolog.Nop())

	// Five ancient backups; rotation must keep the newest three.
	base := time.Now().UTC().AddDate(0, 0, -100)
	for i := 0; i < 5; i++ {
		key := archivePrefix + base.AddDate(0, 0, i).Format(archiveTimestamp) + ".tar.gz"
		store.objects[key] = []byte("x")
		store.stamps[key] = base
	}

	require.NoError(t, svc.RotateOldBackups(context.Background(), 30))
	assert.Len(t, store.objects, minBackupsToKeep)

	remaining, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	for _, b := range remaining {
		assert.True(t, b.Timestamp.After(base.AddDate(0, 0, 1)) || b.Timestamp.Equal(base.AddDate(0, 0, 2)))
	}
}

func TestRotateZeroRetentionKeepsAll(t *testing.T) {
	store := newFakeStore()
	svc := NewBackupService(nil, store, t.TempDir(), zerolog.Nop())
	key := archivePrefix + time.Now().UTC().AddDate(0, 0, -400).Format(archiveTimestamp) + ".tar.gz"
	store.objects[key] = []byte("x")

	require.NoError(t, svc.RotateOldBackups(context.Background(), 0))
	assert.Len(t, store.objects, 1)
}

func TestHourlySweepCompletesStaleSessions(t *testing.T) {
	agents := newTestDB(t, "agents")
	repo := sessions.NewRepository(agents, zerolog.Nop())

	id, err := repo.StartSession("user-1", "general", nil)
	require.NoError(t, err)
	// Age the session past the sweep cutoff.
	_, err = agents.Exec(
		`UPDATE ai_sessions SET started_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-48*time.Hour).Format(time.RFC3339), id,
	)
	require.NoError(t, err)

	m := NewMaintenance(nil, nil, repo, nil, zerolog.Nop())
	m.HourlySweep()

	sess, err := repo.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", sess.Status)
}

func TestNightlyMaintenanceSurvivesAllDatabases(t *testing.T) {
	core := newTestDB(t, "core")
	audit := newTestDB(t, "audit")
	m := NewMaintenance(map[string]*database.DB{"core": core, "audit": audit}, nil, nil, nil, zerolog.Nop())

	// Must not panic or corrupt anything; both databases stay usable.
	m.NightlyMaintenance()

	var n int
	require.NoError(t, core.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n))
	assert.Equal(t, 0, n)
}
