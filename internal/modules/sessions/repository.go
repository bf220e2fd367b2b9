// Package sessions implements the advisory conversation log: session
// rows, message rows and per-session totals in the agents database.
package sessions

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
)

// Session is one advisory conversation.
type Session struct {
	ID           string
	UserID       string
	Status       string // active, completed
	SessionType  string
	Context      map[string]interface{}
	StartedAt    time.Time
	EndedAt      *time.Time
	MessageCount int
	TotalTokens  int
}

// Message is one logged turn fragment within a session.
type Message struct {
	ID        string
	SessionID string
	Role      string // user, assistant, system
	Content   string
	Agent     string
	Tokens    int
	CreatedAt time.Time
}

const sessionColumns = "id, user_id, status, session_type, context, started_at, ended_at, message_count, total_tokens"

// Repository owns all SQL against ai_sessions and ai_messages.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a sessions repository on the agents database.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "sessions").Logger(),
	}
}

// StartSession persists a new active session and returns its id.
func (r *Repository) StartSession(userID, sessionType string, context map[string]interface{}) (string, error) {
	if sessionType == "" {
		sessionType = "general"
	}
	contextJSON := "{}"
	if context != nil {
		if data, err := json.Marshal(context); err == nil {
			contextJSON = string(data)
		}
	}

	id := uuid.NewString()
	_, err := r.db.Exec(
		`INSERT INTO ai_sessions (id, user_id, status, session_type, context, started_at)
		 VALUES (?, ?, 'active', ?, ?, ?)`,
		id, userID, sessionType, contextJSON, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("%w: failed to start session: %v", domain.ErrStore, err)
	}
	return id, nil
}

// LogMessage appends a message and bumps the session totals in the same
// store transaction. Returns whether persistence succeeded.
func (r *Repository) LogMessage(sessionID, agent, role, content string, tokens int) bool {
	err := database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO ai_messages (id, session_id, role, content, agent, tokens, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), sessionID, role, content, agent, tokens,
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		res, err := tx.Exec(
			`UPDATE ai_sessions SET message_count = message_count + 1, total_tokens = total_tokens + ?
			 WHERE id = ?`,
			tokens, sessionID,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("session %s not found", sessionID)
		}
		return nil
	})
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to log message")
		return false
	}
	return true
}

// EndSession marks a session completed.
func (r *Repository) EndSession(sessionID string) error {
	res, err := r.db.Exec(
		`UPDATE ai_sessions SET status = 'completed', ended_at = ? WHERE id = ? AND status = 'active'`,
		time.Now().UTC().Format(time.RFC3339), sessionID,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to end session: %v", domain.ErrStore, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return nil
}

// GetSession fetches one session row.
func (r *Repository) GetSession(sessionID string) (*Session, error) {
	row := r.db.QueryRow(`SELECT `+sessionColumns+` FROM ai_sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// GetActiveSessions returns all active sessions, optionally for one user.
func (r *Repository) GetActiveSessions(userID string) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM ai_sessions WHERE status = 'active'`
	args := []interface{}{}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list active sessions: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// GetHistory returns a session's messages in ascending chronological
// order, most recent `limit` of them.
func (r *Repository) GetHistory(sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		`SELECT id, session_id, role, content, agent, tokens, created_at FROM (
		   SELECT id, session_id, role, content, agent, tokens, created_at
		   FROM ai_messages WHERE session_id = ?
		   ORDER BY created_at DESC LIMIT ?
		 ) ORDER BY created_at ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read history: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Agent, &m.Tokens, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan message: %v", domain.ErrStore, err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteSession removes a session; messages cascade.
func (r *Repository) DeleteSession(sessionID string) error {
	_, err := r.db.Exec(`DELETE FROM ai_sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("%w: failed to delete session: %v", domain.ErrStore, err)
	}
	return nil
}

// SweepStale completes active sessions idle since before the cutoff.
// Returns how many were closed.
func (r *Repository) SweepStale(cutoff time.Time) (int, error) {
	res, err := r.db.Exec(
		`UPDATE ai_sessions SET status = 'completed', ended_at = ?
		 WHERE status = 'active' AND started_at < ?
		 AND id NOT IN (SELECT DISTINCT session_id FROM ai_messages WHERE created_at >= ?)`,
		time.Now().UTC().Format(time.RFC3339),
		cutoff.UTC().Format(time.RFC3339),
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to sweep sessions: %v", domain.ErrStore, err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var contextJSON, startedAt string
	var endedAt sql.NullString
	err := row.Scan(&s.ID, &s.UserID, &s.Status, &s.SessionType, &contextJSON,
		&startedAt, &endedAt, &s.MessageCount, &s.TotalTokens)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan session: %v", domain.ErrStore, err)
	}
	_ = json.Unmarshal([]byte(contextJSON), &s.Context)
	s.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339, endedAt.String)
		s.EndedAt = &t
	}
	return &s, nil
}

func scanSessionRows(rows *sql.Rows) (*Session, error) {
	return scanSession(rows)
}
