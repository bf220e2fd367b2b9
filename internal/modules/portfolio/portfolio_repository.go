package portfolio

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
)

const portfolioColumns = "id, user_id, name, type, is_primary, total_value, cash_balance, created_at, updated_at"

// PortfolioRepository owns SQL against the portfolios table.
type PortfolioRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewPortfolioRepository creates a portfolio repository on the core database.
func NewPortfolioRepository(db *database.DB, log zerolog.Logger) *PortfolioRepository {
	return &PortfolioRepository{db: db, log: log.With().Str("repo", "portfolios").Logger()}
}

// GetUserPortfolios lists a user's portfolios, primary first.
func (r *PortfolioRepository) GetUserPortfolios(userID string) ([]domain.Portfolio, error) {
	rows, err := r.db.Query(
		`SELECT `+portfolioColumns+` FROM portfolios WHERE user_id = ? ORDER BY is_primary DESC, created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list portfolios: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var portfolios []domain.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		portfolios = append(portfolios, *p)
	}
	return portfolios, rows.Err()
}

// GetPrimaryPortfolio returns the user's primary portfolio, or
// ErrNoPortfolio when the user has none.
func (r *PortfolioRepository) GetPrimaryPortfolio(userID string) (*domain.Portfolio, error) {
	portfolios, err := r.GetUserPortfolios(userID)
	if err != nil {
		return nil, err
	}
	if len(portfolios) == 0 {
		return nil, domain.ErrNoPortfolio
	}
	return &portfolios[0], nil
}

// GetPortfolio fetches one portfolio by id.
func (r *PortfolioRepository) GetPortfolio(portfolioID string) (*domain.Portfolio, error) {
	row := r.db.QueryRow(`SELECT `+portfolioColumns+` FROM portfolios WHERE id = ?`, portfolioID)
	return scanPortfolio(row)
}

// GetStalePortfolios lists portfolios not updated since the cutoff.
func (r *PortfolioRepository) GetStalePortfolios(cutoff time.Time) ([]domain.Portfolio, error) {
	rows, err := r.db.Query(
		`SELECT `+portfolioColumns+` FROM portfolios WHERE updated_at < ? ORDER BY updated_at ASC`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list stale portfolios: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var portfolios []domain.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		portfolios = append(portfolios, *p)
	}
	return portfolios, rows.Err()
}

// CreatePortfolio persists a new portfolio and returns its id.
func (r *PortfolioRepository) CreatePortfolio(p *domain.Portfolio) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Name == "" {
		p.Name = "Primary"
	}
	if p.Type == "" {
		p.Type = "taxable"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.Exec(
		`INSERT INTO portfolios (id, user_id, name, type, is_primary, total_value, cash_balance, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, p.Type, boolToInt(p.IsPrimary),
		p.TotalValue.String(), p.CashBalance.String(), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create portfolio: %v", domain.ErrStore, err)
	}
	return p.ID, nil
}

// Updatable portfolio fields for partial updates.
var portfolioFields = map[string]bool{
	"name":         true,
	"total_value":  true,
	"cash_balance": true,
	"is_primary":   true,
}

// UpdatePortfolio applies a partial update. Unknown fields fail fast.
func (r *PortfolioRepository) UpdatePortfolio(portfolioID string, fields map[string]interface{}) error {
	return r.updatePortfolio(r.db.Conn(), portfolioID, fields)
}

// UpdatePortfolioTx is UpdatePortfolio inside an existing transaction.
func (r *PortfolioRepository) UpdatePortfolioTx(tx *sql.Tx, portfolioID string, fields map[string]interface{}) error {
	return r.updatePortfolio(tx, portfolioID, fields)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (r *PortfolioRepository) updatePortfolio(db execer, portfolioID string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !portfolioFields[k] {
			return fmt.Errorf("%w: unknown portfolio field %q", domain.ErrStore, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys)+1)
	args := make([]interface{}, 0, len(keys)+2)
	for _, k := range keys {
		sets = append(sets, k+" = ?")
		args = append(args, normalizeValue(fields[k]))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().Format(time.RFC3339))
	args = append(args, portfolioID)

	res, err := db.Exec(`UPDATE portfolios SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("%w: failed to update portfolio: %v", domain.ErrStore, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: portfolio %s", domain.ErrNotFound, portfolioID)
	}
	return nil
}

func scanPortfolio(row rowScanner) (*domain.Portfolio, error) {
	var p domain.Portfolio
	var isPrimary int
	var totalValue, cashBalance, createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Type, &isPrimary,
		&totalValue, &cashBalance, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan portfolio: %v", domain.ErrStore, err)
	}

	p.IsPrimary = isPrimary != 0
	p.TotalValue = mustDecimal(totalValue)
	p.CashBalance = mustDecimal(cashBalance)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// normalizeValue converts decimals and bools to their stored forms.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case decimal.Decimal:
		return val.String()
	case *decimal.Decimal:
		if val == nil {
			return nil
		}
		return val.String()
	case bool:
		return boolToInt(val)
	default:
		return v
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
