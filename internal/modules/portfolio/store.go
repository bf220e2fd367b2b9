package portfolio

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/advisor/internal/audit"
	"github.com/meridianhq/advisor/internal/compliance"
	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
)

// Store bundles the core-database repositories behind one facade and
// adapts them to the interfaces other modules consume.
type Store struct {
	Users           *UserRepository
	Portfolios      *PortfolioRepository
	Positions       *PositionRepository
	Transactions    *TransactionRepository
	Recommendations *RecommendationRepository

	db      *database.DB
	auditor *audit.Logger
	log     zerolog.Logger
}

// NewStore wires the facade. auditor may be nil.
func NewStore(db *database.DB, auditor *audit.Logger, log zerolog.Logger) *Store {
	return &Store{
		Users:           NewUserRepository(db, log),
		Portfolios:      NewPortfolioRepository(db, log),
		Positions:       NewPositionRepository(db, log),
		Transactions:    NewTransactionRepository(db, log),
		Recommendations: NewRecommendationRepository(db, log),
		db:              db,
		auditor:         auditor,
		log:             log.With().Str("service", "portfolio_store").Logger(),
	}
}

// DB exposes the underlying database for multi-repository transactions.
func (s *Store) DB() *database.DB {
	return s.db
}

// PositionBySymbol implements compliance.HoldingsReader.
func (s *Store) PositionBySymbol(portfolioID, symbol string) (*domain.Position, error) {
	return s.Positions.GetPositionBySymbol(portfolioID, symbol)
}

// PositionsOf returns every position in a portfolio, the compliance view
// of the holdings.
func (s *Store) PositionsOf(portfolioID string) ([]domain.Position, error) {
	return s.Positions.GetPortfolioAssets(portfolioID)
}

// RecentSells implements compliance.HoldingsReader: executed sells of a
// symbol since the cutoff, with cost basis when recorded.
func (s *Store) RecentSells(userID, symbol string, since time.Time) ([]compliance.SellRecord, error) {
	sales, err := s.Transactions.GetRecentSales(userID, symbol, since)
	if err != nil {
		return nil, err
	}
	records := make([]compliance.SellRecord, 0, len(sales))
	for _, sale := range sales {
		tx := sale.Transaction
		soldAt := tx.CreatedAt
		if tx.ExecutionDate != nil {
			soldAt = *tx.ExecutionDate
		}
		price := tx.TotalAmount
		if tx.Price != nil {
			price = *tx.Price
		} else if tx.Quantity.IsPositive() {
			price = tx.TotalAmount.Div(tx.Quantity)
		}
		records = append(records, compliance.SellRecord{
			Symbol:      tx.Symbol,
			Quantity:    tx.Quantity,
			Price:       price,
			SoldAt:      soldAt,
			AverageCost: sale.CostBasis,
		})
	}
	return records, nil
}

// CreateAuditEntry records a generic audit_trail row via the attached
// audit logger; a nil logger makes this a no-op.
func (s *Store) CreateAuditEntry(userID, entityType, entityID, action string, oldValue, newValue interface{}) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(action, userID, entityID, map[string]interface{}{
		"entity_type": entityType,
		"old":         oldValue,
		"new":         newValue,
	})
}

var _ compliance.HoldingsReader = (*storeHoldings)(nil)

// storeHoldings adapts Store to compliance.HoldingsReader without
// forcing the Positions method name onto the facade.
type storeHoldings struct{ store *Store }

// Holdings returns the compliance view of the store.
func (s *Store) Holdings() compliance.HoldingsReader {
	return &storeHoldings{store: s}
}

func (h *storeHoldings) PositionBySymbol(portfolioID, symbol string) (*domain.Position, error) {
	return h.store.PositionBySymbol(portfolioID, symbol)
}

func (h *storeHoldings) Positions(portfolioID string) ([]domain.Position, error) {
	return h.store.PositionsOf(portfolioID)
}

func (h *storeHoldings) RecentSells(userID, symbol string, since time.Time) ([]compliance.SellRecord, error) {
	return h.store.RecentSells(userID, symbol, since)
}
