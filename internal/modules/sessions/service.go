package sessions

import (
	"github.com/rs/zerolog"

	"github.com/meridianhq/advisor/internal/events"
)

// Service wraps the repository with logging and bus notifications.
type Service struct {
	repo *Repository
	bus  *events.Bus
	log  zerolog.Logger
}

// NewService creates the session service. bus may be nil.
func NewService(repo *Repository, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		bus:  bus,
		log:  log.With().Str("service", "sessions").Logger(),
	}
}

// Start opens a new session.
func (s *Service) Start(userID, sessionType string, context map[string]interface{}) (string, error) {
	id, err := s.repo.StartSession(userID, sessionType, context)
	if err != nil {
		return "", err
	}
	s.log.Debug().Str("session_id", id).Str("user_id", userID).Str("type", sessionType).Msg("Session started")
	return id, nil
}

// LogMessage appends a message; returns whether persistence succeeded.
func (s *Service) LogMessage(sessionID, agent, role, content string, tokens int) bool {
	return s.repo.LogMessage(sessionID, agent, role, content, tokens)
}

// End completes a session and emits SessionEnded.
func (s *Service) End(sessionID string) error {
	if err := s.repo.EndSession(sessionID); err != nil {
		return err
	}
	if s.bus != nil {
		if sess, err := s.repo.GetSession(sessionID); err == nil {
			s.bus.Emit(events.SessionEnded, "sessions", &events.SessionEndedData{
				SessionID:    sess.ID,
				UserID:       sess.UserID,
				MessageCount: sess.MessageCount,
				TotalTokens:  sess.TotalTokens,
			})
		}
	}
	return nil
}

// StartWorkflow records a sub-agent run beginning. Tracking is best
// effort; a failure returns "" and the turn proceeds untracked.
func (s *Service) StartWorkflow(sessionID, userID, agent string) string {
	id, err := s.repo.StartWorkflow(sessionID, userID, agent)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Str("agent", agent).Msg("Failed to start workflow")
		return ""
	}
	return id
}

// FinishWorkflow moves a workflow to a terminal state. A "" id from a
// failed StartWorkflow is a no-op.
func (s *Service) FinishWorkflow(workflowID, state, detail string) {
	if workflowID == "" {
		return
	}
	if err := s.repo.FinishWorkflow(workflowID, state, detail); err != nil {
		s.log.Warn().Err(err).Str("workflow_id", workflowID).Msg("Failed to finish workflow")
	}
}

// History returns the most recent messages in chronological order.
func (s *Service) History(sessionID string, limit int) ([]Message, error) {
	return s.repo.GetHistory(sessionID, limit)
}

// Get fetches one session.
func (s *Service) Get(sessionID string) (*Session, error) {
	return s.repo.GetSession(sessionID)
}

// Active lists active sessions.
func (s *Service) Active(userID string) ([]Session, error) {
	return s.repo.GetActiveSessions(userID)
}
