// Package compliance implements the scored rule evaluator for trades and
// portfolios: concentration, suitability, wash-sale, pattern-day-trader
// and penny-stock checks against the active policy snapshot.
package compliance

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianhq/advisor/internal/domain"
)

// Violation is a single rule breach.
type Violation struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// TradeInput carries everything CheckTrade needs. Price may be nil; the
// evaluator then asks the broker and falls back to zero.
type TradeInput struct {
	TradeType      domain.TransactionType
	Symbol         string
	Quantity       decimal.Decimal
	Price          *decimal.Decimal
	PortfolioValue decimal.Decimal
	ClientType     string // "individual", "institutional"
	AccountType    string // "taxable", "ira", ...
	RiskTolerance  domain.RiskTolerance
	AssetRisk      domain.RiskTolerance // risk class of the recommended asset

	UserID           string
	PortfolioID      string
	TransactionID    string
	RecommendationID string
}

// TradeVerdict is the scored result of CheckTrade.
type TradeVerdict struct {
	Approved            bool        `json:"approved"`
	Violations          []Violation `json:"violations"`
	Warnings            []string    `json:"warnings"`
	Recommendations     []string    `json:"recommendations"`
	RequiresDisclosure  bool        `json:"requires_disclosure"`
	Score               int         `json:"score"`
	RecommendedWaitDate *time.Time  `json:"recommended_wait_date,omitempty"`
	PolicyChecksum      string      `json:"policy_checksum,omitempty"`
}

// ViolationMessages returns the violation texts for persistence in
// transaction notes.
func (v *TradeVerdict) ViolationMessages() []string {
	out := make([]string, 0, len(v.Violations))
	for _, viol := range v.Violations {
		out = append(out, viol.Message)
	}
	return out
}

// RuleIDs returns the distinct violated rule ids.
func (v *TradeVerdict) RuleIDs() []string {
	seen := make(map[string]bool, len(v.Violations))
	out := make([]string, 0, len(v.Violations))
	for _, viol := range v.Violations {
		if !seen[viol.RuleID] {
			seen[viol.RuleID] = true
			out = append(out, viol.RuleID)
		}
	}
	return out
}

// PortfolioAsset is one holding in a portfolio check.
type PortfolioAsset struct {
	Symbol      string
	Quantity    decimal.Decimal
	MarketValue decimal.Decimal
	Sector      string
	AssetType   string
}

// PortfolioInput carries everything CheckPortfolio needs.
type PortfolioInput struct {
	Assets         []PortfolioAsset
	PortfolioValue decimal.Decimal
	RiskTolerance  domain.RiskTolerance
	ClientType     string
	UserID         string
	PortfolioID    string
}

// PortfolioVerdict is the scored result of CheckPortfolio.
type PortfolioVerdict struct {
	Violations         []Violation        `json:"violations"`
	Warnings           []string           `json:"warnings"`
	Recommendations    []string           `json:"recommendations"`
	SectorAllocations  map[string]float64 `json:"sector_allocations"`
	RequiresDisclosure bool               `json:"requires_disclosure"`
	Score              int                `json:"score"`
	PolicyChecksum     string             `json:"policy_checksum,omitempty"`
}

// SellRecord is a prior sale relevant to wash-sale analysis.
// AverageCost is the cost basis at sale time when the store can recover
// it; nil triggers the conservative fallback.
type SellRecord struct {
	Symbol      string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	SoldAt      time.Time
	AverageCost *decimal.Decimal
}

// AssetRisk classifies an asset type onto the client risk scale. Bonds
// and cash equivalents map to conservative, broad ETFs to moderate,
// individual stocks to aggressive.
func AssetRisk(assetType string) domain.RiskTolerance {
	switch assetType {
	case "bond", "cash", "money_market":
		return domain.RiskConservative
	case "etf", "mutual_fund":
		return domain.RiskModerate
	default:
		return domain.RiskAggressive
	}
}
