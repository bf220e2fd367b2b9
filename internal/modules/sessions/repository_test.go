package sessions

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    "file:" + t.Name() + "_agents?mode=memory&cache=shared",
		Profile: database.ProfileStandard,
		Name:    "agents",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db, zerolog.Nop())
}

func TestStartSessionAndGet(t *testing.T) {
	repo := newRepo(t)

	id, err := repo.StartSession("user-1", "portfolio_analysis", map[string]interface{}{"channel": "web"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, err := repo.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, "active", sess.Status)
	assert.Equal(t, "portfolio_analysis", sess.SessionType)
	assert.Equal(t, "web", sess.Context["channel"])
	assert.Equal(t, 0, sess.MessageCount)
}

func TestLogMessageUpdatesTotalsAtomically(t *testing.T) {
	repo := newRepo(t)
	id, err := repo.StartSession("user-1", "general", nil)
	require.NoError(t, err)

	assert.True(t, repo.LogMessage(id, "supervisor", "user", "buy 10 AAPL", 8))
	assert.True(t, repo.LogMessage(id, "supervisor", "assistant", "Reviewing that trade...", 120))

	sess, err := repo.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.MessageCount)
	assert.Equal(t, 128, sess.TotalTokens)
}

func TestLogMessageUnknownSessionFailsWithoutOrphanRow(t *testing.T) {
	repo := newRepo(t)
	assert.False(t, repo.LogMessage("missing", "supervisor", "user", "hello", 1))

	// The message insert rolled back with the totals update.
	msgs, err := repo.GetHistory("missing", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGetHistoryOrderAndLimit(t *testing.T) {
	repo := newRepo(t)
	id, err := repo.StartSession("user-1", "general", nil)
	require.NoError(t, err)

	for _, content := range []string{"first", "second", "third"} {
		require.True(t, repo.LogMessage(id, "supervisor", "user", content, 1))
		time.Sleep(2 * time.Millisecond) // distinct created_at
	}

	msgs, err := repo.GetHistory(id, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "third", msgs[2].Content)

	// Limit keeps the most recent, still ascending.
	msgs, err = repo.GetHistory(id, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Content)
	assert.Equal(t, "third", msgs[1].Content)
}

func TestEndSession(t *testing.T) {
	repo := newRepo(t)
	id, err := repo.StartSession("user-1", "general", nil)
	require.NoError(t, err)

	require.NoError(t, repo.EndSession(id))

	sess, err := repo.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", sess.Status)
	require.NotNil(t, sess.EndedAt)

	// Ending twice reports not found (no longer active).
	assert.ErrorIs(t, repo.EndSession(id), domain.ErrNotFound)
}

func TestGetActiveSessions(t *testing.T) {
	repo := newRepo(t)
	a, err := repo.StartSession("user-1", "general", nil)
	require.NoError(t, err)
	_, err = repo.StartSession("user-2", "general", nil)
	require.NoError(t, err)
	require.NoError(t, repo.EndSession(a))

	active, err := repo.GetActiveSessions("")
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, "user-2", active[0].UserID)

	active, err = repo.GetActiveSessions("user-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDeleteSessionCascades(t *testing.T) {
	repo := newRepo(t)
	id, err := repo.StartSession("user-1", "general", nil)
	require.NoError(t, err)
	require.True(t, repo.LogMessage(id, "supervisor", "user", "hello", 1))

	require.NoError(t, repo.DeleteSession(id))

	_, err = repo.GetSession(id)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	msgs, err := repo.GetHistory(id, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
