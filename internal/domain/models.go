// Package domain contains the pure domain models and the cross-module
// interfaces. Nothing in this package imports infrastructure; repositories
// and services depend on domain, never the other way around.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskTolerance classifies how much volatility a client accepts.
type RiskTolerance string

const (
	RiskConservative RiskTolerance = "conservative"
	RiskModerate     RiskTolerance = "moderate"
	RiskAggressive   RiskTolerance = "aggressive"
)

// Level maps a risk tolerance onto an ordinal scale for suitability
// comparisons. Unknown values map to moderate.
func (r RiskTolerance) Level() int {
	switch r {
	case RiskConservative:
		return 1
	case RiskAggressive:
		return 3
	default:
		return 2
	}
}

// InvestmentObjective is the client's stated goal for the account.
type InvestmentObjective string

const (
	ObjectiveIncome         InvestmentObjective = "income"
	ObjectiveGrowth         InvestmentObjective = "growth"
	ObjectiveWealthBuilding InvestmentObjective = "wealth_building"
	ObjectiveRetirement     InvestmentObjective = "retirement"
)

// User is a client of the platform. The core treats users as read-only;
// the signup handler is the single writer.
type User struct {
	ID            string
	Email         string
	FirstName     string
	LastName      string
	PasswordHash  string
	RiskTolerance RiskTolerance
	Objective     InvestmentObjective
	DateOfBirth   *time.Time
	AnnualIncome  decimal.Decimal
	NetWorth      decimal.Decimal
	CreatedAt     time.Time
}

// Portfolio is a client account. TotalValue is derived-but-stored: after
// reconciliation it equals CashBalance plus the sum of position market
// values, within one cent.
type Portfolio struct {
	ID          string
	UserID      string
	Name        string
	Type        string // taxable, ira, roth_ira
	IsPrimary   bool
	TotalValue  decimal.Decimal
	CashBalance decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsTaxable reports whether wash-sale rules apply to the account.
func (p *Portfolio) IsTaxable() bool {
	return p.Type == "" || p.Type == "taxable"
}

// Position is a holding within a portfolio, unique on (portfolio, symbol).
// Positions are created on the first buy and removed when quantity reaches
// zero; MarketValue tracks Quantity times CurrentPrice.
type Position struct {
	ID           string
	PortfolioID  string
	Symbol       string
	Quantity     decimal.Decimal
	AverageCost  decimal.Decimal
	CurrentPrice decimal.Decimal
	MarketValue  decimal.Decimal
	Sector       string
	AssetType    string // stock, etf, bond
	UpdatedAt    time.Time
}

// TransactionType is the direction of a trade.
type TransactionType string

const (
	TransactionBuy  TransactionType = "BUY"
	TransactionSell TransactionType = "SELL"
)

// TransactionStatus is the lifecycle state of a transaction. Pending is
// the only non-terminal state; terminal rows are immutable except notes.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusExecuted  TransactionStatus = "executed"
	StatusRejected  TransactionStatus = "rejected"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s TransactionStatus) IsTerminal() bool {
	return s != StatusPending
}

// CanTransitionTo reports whether the state machine allows moving from s
// to next. Only pending rows transition, and never back to pending.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusExecuted, StatusRejected, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// OrderType is the broker order type requested for a transaction.
type OrderType string

const (
	OrderMarket    OrderType = "market"
	OrderLimit     OrderType = "limit"
	OrderStop      OrderType = "stop"
	OrderStopLimit OrderType = "stop_limit"
)

// Valid reports whether the order type is one the broker layer accepts.
func (o OrderType) Valid() bool {
	switch o {
	case OrderMarket, OrderLimit, OrderStop, OrderStopLimit:
		return true
	}
	return false
}

// Transaction is the trade lifecycle record owned by the execution service.
// Price stays nil until the broker reports a fill.
type Transaction struct {
	ID            string
	UserID        string
	PortfolioID   *string
	Symbol        string
	Type          TransactionType
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	TotalAmount   decimal.Decimal
	Status        TransactionStatus
	OrderType     OrderType
	BrokerRef     *string
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExecutionDate *time.Time
}

// Recommendation is the denormalized record the supervisor produces before
// compliance review. Compliance check rows reference it by id.
type Recommendation struct {
	ID        string
	UserID    string
	Symbol    string
	Action    TransactionType
	Quantity  decimal.Decimal
	OrderType OrderType
	Rationale string
	CreatedAt time.Time
}

// Cent is the tolerance used by money reconciliation checks.
var Cent = decimal.NewFromFloat(0.01)
