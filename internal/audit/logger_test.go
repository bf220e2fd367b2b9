package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/policy"
)

func newAuditLogger(t *testing.T) (*Logger, *database.DB, string) {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    "file:" + t.Name() + "_audit?mode=memory&cache=shared",
		Profile: database.ProfileLedger,
		Name:    "audit",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	sinkPath := filepath.Join(t.TempDir(), "audit", "compliance.jsonl")
	logger, err := New(db, sinkPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	return logger, db, sinkPath
}

func readSinkKinds(t *testing.T, sinkPath string) []string {
	t.Helper()
	f, err := os.Open(sinkPath)
	require.NoError(t, err)
	defer f.Close()

	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		kinds = append(kinds, line.Kind)
	}
	return kinds
}

func TestComplianceEventPersistsToDBAndSink(t *testing.T) {
	logger, db, sinkPath := newAuditLogger(t)

	userID := uuid.NewString()
	logger.ComplianceEvent(ComplianceEvent{
		Type:       "trade",
		Subject:    "BUY 10 AAPL",
		RuleIDs:    []string{"CONC-001"},
		Decision:   "approved",
		Score:      95,
		UserID:     userID,
		Symbol:     "AAPL",
		Action:     "BUY",
		Approved:   true,
		Violations: []string{},
		Warnings:   []string{"minor note"},
	})

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM compliance_checks WHERE user_id = ?`, userID).Scan(&count))
	assert.Equal(t, 1, count)

	assert.Equal(t, []string{"compliance_event"}, readSinkKinds(t, sinkPath))
}

func TestComplianceEventNullsMalformedReferences(t *testing.T) {
	logger, db, _ := newAuditLogger(t)

	logger.ComplianceEvent(ComplianceEvent{
		Type:             "trade",
		UserID:           "not-a-uuid'); DROP TABLE compliance_checks;--",
		RecommendationID: "also bad",
		Symbol:           "MSFT",
		Approved:         false,
		Score:            40,
	})

	var userID, recID interface{}
	require.NoError(t, db.QueryRow(`SELECT user_id, recommendation_id FROM compliance_checks`).Scan(&userID, &recID))
	assert.Nil(t, userID)
	assert.Nil(t, recID)
}

func TestPolicyChangeWritesTrailRow(t *testing.T) {
	logger, db, sinkPath := newAuditLogger(t)

	logger.PolicyChange(policy.ChangeEvent{
		OldVersion:  "1.0.0",
		NewVersion:  "1.1.0",
		OldChecksum: "aaa",
		NewChecksum: "bbb",
		Diff:        "-x\n+y\n",
		ChangedAt:   time.Now().UTC(),
	})

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM audit_trail WHERE event_type = 'policy_change'`).Scan(&count))
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"policy_change"}, readSinkKinds(t, sinkPath))
}

func TestRecordGenericEvent(t *testing.T) {
	logger, db, _ := newAuditLogger(t)

	entityID := uuid.NewString()
	logger.Record("trade_executed", uuid.NewString(), entityID, map[string]interface{}{
		"symbol": "NVDA",
		"status": "executed",
	})

	var detail string
	require.NoError(t, db.QueryRow(`SELECT detail FROM audit_trail WHERE entity_id = ?`, entityID).Scan(&detail))
	assert.Contains(t, detail, "NVDA")
}

func TestSinkOnlyModeWithNilDB(t *testing.T) {
	sinkPath := filepath.Join(t.TempDir(), "compliance.jsonl")
	logger, err := New(nil, sinkPath, zerolog.Nop())
	require.NoError(t, err)
	defer logger.Close()

	logger.ComplianceEvent(ComplianceEvent{Type: "portfolio", Score: 80, Approved: true})
	logger.Record("sync_completed", "", "", nil)

	assert.Equal(t, []string{"compliance_event", "sync_completed"}, readSinkKinds(t, sinkPath))
}
