package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
)

const recommendationColumns = "id, user_id, symbol, action, quantity, order_type, rationale, created_at"

// RecommendationRepository owns SQL against the recommendations table.
// Rows are append-only; compliance check records reference them by id.
type RecommendationRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRecommendationRepository creates a recommendation repository on the
// core database.
func NewRecommendationRepository(db *database.DB, log zerolog.Logger) *RecommendationRepository {
	return &RecommendationRepository{db: db, log: log.With().Str("repo", "recommendations").Logger()}
}

// CreateRecommendation persists an advised trade and fills rec.ID.
func (r *RecommendationRepository) CreateRecommendation(rec *domain.Recommendation) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OrderType == "" {
		rec.OrderType = domain.OrderMarket
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(
		`INSERT INTO recommendations (id, user_id, symbol, action, quantity, order_type, rationale, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Symbol, string(rec.Action),
		rec.Quantity.String(), string(rec.OrderType), rec.Rationale,
		rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to create recommendation: %v", domain.ErrStore, err)
	}
	return nil
}

// GetRecommendation fetches one row, ErrNotFound when absent.
func (r *RecommendationRepository) GetRecommendation(id string) (*domain.Recommendation, error) {
	row := r.db.QueryRow(`SELECT `+recommendationColumns+` FROM recommendations WHERE id = ?`, id)
	return scanRecommendation(row)
}

// GetRecentRecommendations lists a user's latest advised trades, newest
// first.
func (r *RecommendationRepository) GetRecentRecommendations(userID string, limit int) ([]domain.Recommendation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(
		`SELECT `+recommendationColumns+` FROM recommendations
		 WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list recommendations: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var recs []domain.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func scanRecommendation(row rowScanner) (*domain.Recommendation, error) {
	var rec domain.Recommendation
	var action, quantity, orderType, createdAt string

	err := row.Scan(&rec.ID, &rec.UserID, &rec.Symbol, &action, &quantity, &orderType, &rec.Rationale, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan recommendation: %v", domain.ErrStore, err)
	}

	rec.Action = domain.TransactionType(action)
	rec.Quantity = mustDecimal(quantity)
	rec.OrderType = domain.OrderType(orderType)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &rec, nil
}
