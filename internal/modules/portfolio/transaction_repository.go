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

const transactionColumns = "id, user_id, portfolio_id, symbol, type, quantity, price, total_amount, status, order_type, broker_ref, cost_basis, notes, created_at, updated_at, execution_date"

// TransactionRepository owns SQL against the transactions table and
// enforces the state machine: terminal rows are immutable except notes,
// and status changes are compare-and-swap on the current status.
type TransactionRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewTransactionRepository creates a transaction repository on the core
// database.
func NewTransactionRepository(db *database.DB, log zerolog.Logger) *TransactionRepository {
	return &TransactionRepository{db: db, log: log.With().Str("repo", "transactions").Logger()}
}

// CreateTransaction persists a new row. Status defaults to pending; a
// terminal initial status is allowed for rejected-at-creation rows.
func (r *TransactionRepository) CreateTransaction(tx *domain.Transaction) (string, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Status == "" {
		tx.Status = domain.StatusPending
	}
	if tx.OrderType == "" {
		tx.OrderType = domain.OrderMarket
	}

	var price interface{}
	if tx.Price != nil {
		price = tx.Price.String()
	}
	var portfolioID interface{}
	if tx.PortfolioID != nil {
		portfolioID = *tx.PortfolioID
	}
	var brokerRef interface{}
	if tx.BrokerRef != nil {
		brokerRef = *tx.BrokerRef
	}
	var executionDate interface{}
	if tx.ExecutionDate != nil {
		executionDate = tx.ExecutionDate.UTC().Format(time.RFC3339)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.Exec(
		`INSERT INTO transactions (id, user_id, portfolio_id, symbol, type, quantity, price, total_amount, status, order_type, broker_ref, notes, created_at, updated_at, execution_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, portfolioID, tx.Symbol, string(tx.Type),
		tx.Quantity.String(), price, tx.TotalAmount.String(),
		string(tx.Status), string(tx.OrderType), brokerRef, tx.Notes,
		now, now, executionDate,
	)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create transaction: %v", domain.ErrStore, err)
	}
	return tx.ID, nil
}

// GetTransaction fetches one row by id.
func (r *TransactionRepository) GetTransaction(txID string) (*domain.Transaction, error) {
	row := r.db.QueryRow(`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, txID)
	return scanTransaction(row)
}

// GetPendingTransactions lists a user's pending rows, newest first.
func (r *TransactionRepository) GetPendingTransactions(userID string) ([]domain.Transaction, error) {
	rows, err := r.db.Query(
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = ? AND status = 'pending' ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list pending transactions: %v", domain.ErrStore, err)
	}
	return collectTransactions(rows)
}

// GetPendingWithBrokerRef lists pending rows that already have a broker
// reference, for the synchronizer.
func (r *TransactionRepository) GetPendingWithBrokerRef(userID string) ([]domain.Transaction, error) {
	rows, err := r.db.Query(
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE user_id = ? AND status = 'pending' AND broker_ref IS NOT NULL
		 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list pending transactions: %v", domain.ErrStore, err)
	}
	return collectTransactions(rows)
}

// UsersWithPending returns the distinct user ids that have pending rows.
func (r *TransactionRepository) UsersWithPending() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT user_id FROM transactions WHERE status = 'pending'`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list users with pending: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStore, err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// GetRecentTransactions lists a user's rows since a cutoff, newest first.
func (r *TransactionRepository) GetRecentTransactions(userID string, since time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE user_id = ? AND created_at >= ? ORDER BY created_at DESC LIMIT ?`,
		userID, since.UTC().Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list transactions: %v", domain.ErrStore, err)
	}
	return collectTransactions(rows)
}

// SellSale is one executed sale relevant to wash-sale analysis.
type SellSale struct {
	Transaction domain.Transaction
	CostBasis   *decimal.Decimal
}

// GetRecentSales returns executed sells of a symbol since the cutoff,
// with the cost basis recorded at execution when available.
func (r *TransactionRepository) GetRecentSales(userID, symbol string, since time.Time) ([]SellSale, error) {
	rows, err := r.db.Query(
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE user_id = ? AND symbol = ? AND type = 'SELL' AND status = 'executed'
		 AND COALESCE(execution_date, created_at) >= ?
		 ORDER BY created_at ASC`,
		userID, symbol, since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list recent sales: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var sales []SellSale
	for rows.Next() {
		tx, basis, err := scanTransactionWithBasis(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, SellSale{Transaction: *tx, CostBasis: basis})
	}
	return sales, rows.Err()
}

// Fields callers may touch through partial updates.
var transactionFields = map[string]bool{
	"status":         true,
	"price":          true,
	"total_amount":   true,
	"broker_ref":     true,
	"cost_basis":     true,
	"notes":          true,
	"execution_date": true,
	"quantity":       true,
}

// queryExecer is satisfied by both *sql.DB and *sql.Tx.
type queryExecer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// UpdateTransaction applies a partial update under the state machine:
// terminal rows accept only notes; a status change requires the row to
// currently be pending (compare-and-swap) and the target to be legal.
func (r *TransactionRepository) UpdateTransaction(txID string, fields map[string]interface{}) error {
	return r.update(r.db.Conn(), "id", txID, fields)
}

// UpdateTransactionTx is UpdateTransaction inside an existing database
// transaction, so a fill lands atomically with its position updates.
func (r *TransactionRepository) UpdateTransactionTx(tx *sql.Tx, txID string, fields map[string]interface{}) error {
	return r.update(tx, "id", txID, fields)
}

// UpdateTransactionByBrokerRef is UpdateTransaction keyed on the broker
// reference, used by the synchronizer.
func (r *TransactionRepository) UpdateTransactionByBrokerRef(brokerRef string, fields map[string]interface{}) error {
	return r.update(r.db.Conn(), "broker_ref", brokerRef, fields)
}

func (r *TransactionRepository) update(db queryExecer, keyColumn, keyValue string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !transactionFields[k] {
			return fmt.Errorf("%w: unknown transaction field %q", domain.ErrStore, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	newStatus, changesStatus := fields["status"]
	notesOnly := len(fields) == 1 && keys[0] == "notes"

	if changesStatus {
		status, ok := newStatus.(domain.TransactionStatus)
		if !ok {
			if s, isString := newStatus.(string); isString {
				status = domain.TransactionStatus(s)
			} else {
				return fmt.Errorf("%w: status must be a TransactionStatus", domain.ErrStore)
			}
		}
		if !domain.StatusPending.CanTransitionTo(status) {
			return fmt.Errorf("%w: pending -> %s", domain.ErrInvalidStateTransition, status)
		}
		fields["status"] = string(status)
	}

	sets := make([]string, 0, len(keys)+1)
	args := make([]interface{}, 0, len(keys)+2)
	for _, k := range keys {
		sets = append(sets, k+" = ?")
		args = append(args, normalizeValue(fields[k]))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().Format(time.RFC3339))
	args = append(args, keyValue)

	query := `UPDATE transactions SET ` + strings.Join(sets, ", ") + ` WHERE ` + keyColumn + ` = ?`
	if !notesOnly {
		// Any mutation beyond notes is only legal while pending.
		query += ` AND status = 'pending'`
	}

	res, err := db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%w: failed to update transaction: %v", domain.ErrStore, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStore, err)
	}
	if affected > 0 {
		return nil
	}

	// Distinguish missing row from illegal transition.
	var status string
	err = db.QueryRow(`SELECT status FROM transactions WHERE `+keyColumn+` = ?`, keyValue).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: transaction %s=%s", domain.ErrNotFound, keyColumn, keyValue)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStore, err)
	}
	return fmt.Errorf("%w: transaction is %s", domain.ErrInvalidStateTransition, status)
}

func collectTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var txs []domain.Transaction
	for rows.Next() {
		tx, _, err := scanTransactionWithBasis(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	tx, _, err := scanTransactionWithBasis(row)
	return tx, err
}

func scanTransactionWithBasis(row rowScanner) (*domain.Transaction, *decimal.Decimal, error) {
	var tx domain.Transaction
	var portfolioID, price, brokerRef, costBasis, executionDate sql.NullString
	var txType, quantity, totalAmount, status, orderType, createdAt, updatedAt string

	err := row.Scan(&tx.ID, &tx.UserID, &portfolioID, &tx.Symbol, &txType,
		&quantity, &price, &totalAmount, &status, &orderType,
		&brokerRef, &costBasis, &tx.Notes, &createdAt, &updatedAt, &executionDate)
	if err == sql.ErrNoRows {
		return nil, nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to scan transaction: %v", domain.ErrStore, err)
	}

	tx.Type = domain.TransactionType(txType)
	tx.Quantity = mustDecimal(quantity)
	tx.TotalAmount = mustDecimal(totalAmount)
	tx.Status = domain.TransactionStatus(status)
	tx.OrderType = domain.OrderType(orderType)
	tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	tx.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	if portfolioID.Valid {
		tx.PortfolioID = &portfolioID.String
	}
	if price.Valid {
		p := mustDecimal(price.String)
		tx.Price = &p
	}
	if brokerRef.Valid {
		tx.BrokerRef = &brokerRef.String
	}
	if executionDate.Valid {
		if t, err := time.Parse(time.RFC3339, executionDate.String); err == nil {
			tx.ExecutionDate = &t
		}
	}

	var basis *decimal.Decimal
	if costBasis.Valid {
		b := mustDecimal(costBasis.String)
		basis = &b
	}
	return &tx, basis, nil
}
