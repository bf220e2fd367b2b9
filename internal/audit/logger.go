// Package audit implements the append-only audit log: a structured
// JSON-lines sink plus best-effort rows in the audit database. Persistence
// failures are recorded to the sink and never propagate to callers.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/policy"
)

// ComplianceEvent is the record emitted for every evaluator verdict.
type ComplianceEvent struct {
	ID                 string      `json:"id"`
	At                 time.Time   `json:"at"`
	Type               string      `json:"type"` // trade, portfolio, recommendation
	Subject            string      `json:"subject"`
	RuleIDs            []string    `json:"rule_ids"`
	Decision           string      `json:"decision"` // approved, rejected
	Score              int         `json:"score"`
	UserID             string      `json:"user_id,omitempty"`
	RecommendationID   string      `json:"recommendation_id,omitempty"`
	Symbol             string      `json:"symbol,omitempty"`
	Action             string      `json:"action,omitempty"`
	Approved           bool        `json:"approved"`
	Violations         []string    `json:"violations"`
	Warnings           []string    `json:"warnings"`
	RequiresDisclosure bool        `json:"requires_disclosure"`
	PolicyChecksum     string      `json:"policy_checksum,omitempty"`
	Input              interface{} `json:"input,omitempty"`
	Result             interface{} `json:"result,omitempty"`
}

// Logger writes audit records. db is the audit database (ledger profile)
// and may be nil; the JSONL sink always receives every record.
type Logger struct {
	db   *database.DB
	mu   sync.Mutex
	sink *os.File
	log  zerolog.Logger
}

// New opens the structured sink (append mode) and returns the logger.
func New(db *database.DB, sinkPath string, log zerolog.Logger) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(sinkPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit sink directory: %w", err)
	}
	sink, err := os.OpenFile(sinkPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit sink: %w", err)
	}
	return &Logger{
		db:   db,
		sink: sink,
		log:  log.With().Str("service", "audit").Logger(),
	}, nil
}

// Close closes the sink file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink.Close()
}

// PolicyChange records a policy_change event. Implements
// policy.ChangeRecorder.
func (l *Logger) PolicyChange(change policy.ChangeEvent) {
	l.writeSink("policy_change", change)

	if l.db == nil {
		return
	}
	detail, _ := json.Marshal(change)
	_, err := l.db.Exec(
		`INSERT INTO audit_trail (id, event_type, user_id, entity_id, detail, created_at)
		 VALUES (?, 'policy_change', NULL, NULL, ?, ?)`,
		uuid.NewString(), string(detail), change.ChangedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		l.recordDBFailure("policy_change", err)
	}
}

// ComplianceEvent records an evaluator verdict. References that are not
// well-formed uuids are nulled before insert; the full event still lands
// in the sink unmodified.
func (l *Logger) ComplianceEvent(ev ComplianceEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	l.writeSink("compliance_event", ev)

	if l.db == nil {
		return
	}

	violations, _ := json.Marshal(ev.Violations)
	warnings, _ := json.Marshal(ev.Warnings)

	_, err := l.db.Exec(
		`INSERT INTO compliance_checks
		 (id, user_id, recommendation_id, symbol, action, approved, score,
		  violations, warnings, requires_disclosure, policy_checksum, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		nullableID(ev.UserID),
		nullableID(ev.RecommendationID),
		ev.Symbol,
		ev.Action,
		boolToInt(ev.Approved),
		ev.Score,
		string(violations),
		string(warnings),
		boolToInt(ev.RequiresDisclosure),
		ev.PolicyChecksum,
		ev.At.UTC().Format(time.RFC3339),
	)
	if err != nil {
		l.recordDBFailure("compliance_event", err)
	}
}

// Record appends a generic audit_trail row (trade transitions, sync
// passes, session lifecycle).
func (l *Logger) Record(eventType, userID, entityID string, detail map[string]interface{}) {
	payload := map[string]interface{}{
		"event_type": eventType,
		"user_id":    userID,
		"entity_id":  entityID,
		"detail":     detail,
	}
	l.writeSink(eventType, payload)

	if l.db == nil {
		return
	}
	detailJSON, _ := json.Marshal(detail)
	if detailJSON == nil {
		detailJSON = []byte("{}")
	}
	_, err := l.db.Exec(
		`INSERT INTO audit_trail (id, event_type, user_id, entity_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), eventType, nullableID(userID), nullableID(entityID),
		string(detailJSON), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		l.recordDBFailure(eventType, err)
	}
}

type sinkLine struct {
	Kind string      `json:"kind"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

func (l *Logger) writeSink(kind string, data interface{}) {
	line, err := json.Marshal(sinkLine{Kind: kind, At: time.Now().UTC(), Data: data})
	if err != nil {
		l.log.Error().Err(err).Str("kind", kind).Msg("Failed to marshal audit record")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.sink.Write(append(line, '\n')); err != nil {
		l.log.Error().Err(err).Str("kind", kind).Msg("Failed to write audit sink")
	}
}

func (l *Logger) recordDBFailure(kind string, err error) {
	l.log.Error().Err(err).Str("kind", kind).Msg("Audit database insert failed")
	l.writeSink("audit_db_failure", map[string]string{"kind": kind, "error": err.Error()})
}

// nullableID returns nil unless id parses as a uuid. Malformed references
// become NULL rather than poisoning the ledger.
func nullableID(id string) interface{} {
	if id == "" {
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	return id
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
