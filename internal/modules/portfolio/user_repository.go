// Package portfolio is the persistence facade over the core database:
// users, portfolios, positions, transactions and runtime settings.
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

const userColumns = "id, email, first_name, last_name, password_hash, risk_tolerance, objective, date_of_birth, annual_income, net_worth, created_at"

// UserRepository owns SQL against the users table.
type UserRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewUserRepository creates a user repository on the core database.
func NewUserRepository(db *database.DB, log zerolog.Logger) *UserRepository {
	return &UserRepository{db: db, log: log.With().Str("repo", "users").Logger()}
}

// GetUser fetches a user by id.
func (r *UserRepository) GetUser(userID string) (*domain.User, error) {
	row := r.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	return scanUser(row)
}

// GetUserByEmail fetches a user by email, for login.
func (r *UserRepository) GetUserByEmail(email string) (*domain.User, error) {
	row := r.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// CreateUser persists a new user and returns its id.
func (r *UserRepository) CreateUser(user *domain.User) (string, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.RiskTolerance == "" {
		user.RiskTolerance = domain.RiskModerate
	}
	if user.Objective == "" {
		user.Objective = domain.ObjectiveGrowth
	}

	var dob interface{}
	if user.DateOfBirth != nil {
		dob = user.DateOfBirth.UTC().Format("2006-01-02")
	}

	_, err := r.db.Exec(
		`INSERT INTO users (id, email, first_name, last_name, password_hash, risk_tolerance, objective, date_of_birth, annual_income, net_worth, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.FirstName, user.LastName, user.PasswordHash,
		string(user.RiskTolerance), string(user.Objective), dob,
		user.AnnualIncome.String(), user.NetWorth.String(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create user: %v", domain.ErrStore, err)
	}
	return user.ID, nil
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	var tolerance, objective, income, netWorth, createdAt string
	var dob sql.NullString

	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash,
		&tolerance, &objective, &dob, &income, &netWorth, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan user: %v", domain.ErrStore, err)
	}

	u.RiskTolerance = domain.RiskTolerance(tolerance)
	u.Objective = domain.InvestmentObjective(objective)
	u.AnnualIncome = mustDecimal(income)
	u.NetWorth = mustDecimal(netWorth)
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if dob.Valid {
		if t, err := time.Parse("2006-01-02", dob.String); err == nil {
			u.DateOfBirth = &t
		}
	}
	return &u, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// mustDecimal parses stored decimal text, treating unparseable or empty
// values as zero. Money columns are written by this package, so a bad
// value indicates external tampering, not a normal code path.
func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
