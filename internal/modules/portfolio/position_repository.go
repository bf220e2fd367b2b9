package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
)

const positionColumns = "id, portfolio_id, symbol, quantity, average_cost, current_price, market_value, sector, asset_type, updated_at"

// quantityEpsilon treats stored quantities at or below this as zero.
var quantityEpsilon = decimal.New(1, -9)

// PositionRepository owns SQL against the portfolio_assets table.
type PositionRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewPositionRepository creates a position repository on the core database.
func NewPositionRepository(db *database.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{db: db, log: log.With().Str("repo", "positions").Logger()}
}

// GetPortfolioAssets lists all positions of a portfolio.
func (r *PositionRepository) GetPortfolioAssets(portfolioID string) ([]domain.Position, error) {
	rows, err := r.db.Query(
		`SELECT `+positionColumns+` FROM portfolio_assets WHERE portfolio_id = ? ORDER BY symbol ASC`,
		portfolioID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list positions: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// GetPositionBySymbol fetches one position, ErrNotFound when absent.
func (r *PositionRepository) GetPositionBySymbol(portfolioID, symbol string) (*domain.Position, error) {
	row := r.db.QueryRow(
		`SELECT `+positionColumns+` FROM portfolio_assets WHERE portfolio_id = ? AND symbol = ?`,
		portfolioID, symbol,
	)
	return scanPosition(row)
}

// UpsertPosition writes a position keyed on (portfolio, symbol). A
// quantity at or below the epsilon deletes the row instead.
func (r *PositionRepository) UpsertPosition(pos *domain.Position) error {
	return r.upsert(r.db.Conn(), pos)
}

// UpsertPositionTx is UpsertPosition inside an existing transaction.
func (r *PositionRepository) UpsertPositionTx(tx *sql.Tx, pos *domain.Position) error {
	return r.upsert(tx, pos)
}

func (r *PositionRepository) upsert(db execer, pos *domain.Position) error {
	if pos.Quantity.LessThanOrEqual(quantityEpsilon) {
		_, err := db.Exec(
			`DELETE FROM portfolio_assets WHERE portfolio_id = ? AND symbol = ?`,
			pos.PortfolioID, pos.Symbol,
		)
		if err != nil {
			return fmt.Errorf("%w: failed to delete empty position: %v", domain.ErrStore, err)
		}
		return nil
	}

	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	marketValue := pos.MarketValue
	if marketValue.IsZero() && pos.CurrentPrice.IsPositive() {
		marketValue = pos.Quantity.Mul(pos.CurrentPrice)
	}

	_, err := db.Exec(
		`INSERT INTO portfolio_assets (id, portfolio_id, symbol, quantity, average_cost, current_price, market_value, sector, asset_type, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(portfolio_id, symbol) DO UPDATE SET
		   quantity = excluded.quantity,
		   average_cost = excluded.average_cost,
		   current_price = excluded.current_price,
		   market_value = excluded.market_value,
		   sector = excluded.sector,
		   asset_type = excluded.asset_type,
		   updated_at = excluded.updated_at`,
		pos.ID, pos.PortfolioID, pos.Symbol,
		pos.Quantity.String(), pos.AverageCost.String(), pos.CurrentPrice.String(),
		marketValue.String(), pos.Sector, pos.AssetType,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert position: %v", domain.ErrStore, err)
	}
	return nil
}

// SumMarketValueTx totals position market values inside a transaction,
// for the portfolio total reconciliation that follows a fill.
func (r *PositionRepository) SumMarketValueTx(tx *sql.Tx, portfolioID string) (decimal.Decimal, error) {
	rows, err := tx.Query(`SELECT market_value FROM portfolio_assets WHERE portfolio_id = ?`, portfolioID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: failed to sum positions: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return decimal.Zero, fmt.Errorf("%w: failed to scan market value: %v", domain.ErrStore, err)
		}
		total = total.Add(mustDecimal(value))
	}
	return total, rows.Err()
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var quantity, avgCost, price, marketValue, updatedAt string

	err := row.Scan(&p.ID, &p.PortfolioID, &p.Symbol, &quantity, &avgCost,
		&price, &marketValue, &p.Sector, &p.AssetType, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan position: %v", domain.ErrStore, err)
	}

	p.Quantity = mustDecimal(quantity)
	p.AverageCost = mustDecimal(avgCost)
	p.CurrentPrice = mustDecimal(price)
	p.MarketValue = mustDecimal(marketValue)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}
