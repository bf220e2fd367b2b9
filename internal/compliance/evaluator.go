package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianhq/advisor/internal/audit"
	"github.com/meridianhq/advisor/internal/domain"
	"github.com/meridianhq/advisor/internal/policy"
)

// PolicySource yields the active policy snapshot.
type PolicySource interface {
	Snapshot() (*policy.Snapshot, error)
}

// PriceSource resolves current prices when the input carries none.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (domain.Quote, error)
}

// HoldingsReader is the portfolio-store surface the evaluator needs:
// the existing position for concentration and prior sells for wash-sale
// analysis.
type HoldingsReader interface {
	PositionBySymbol(portfolioID, symbol string) (*domain.Position, error)
	Positions(portfolioID string) ([]domain.Position, error)
	RecentSells(userID, symbol string, since time.Time) ([]SellRecord, error)
}

// Recorder receives the audit event for every verdict.
type Recorder interface {
	ComplianceEvent(ev audit.ComplianceEvent)
}

// Evaluator runs the rule set. Stateless with respect to policy: each
// evaluation reads one snapshot and uses it throughout.
type Evaluator struct {
	policies PolicySource
	prices   PriceSource
	holdings HoldingsReader
	recorder Recorder
	log      zerolog.Logger
}

// NewEvaluator wires the evaluator. holdings and recorder may be nil
// (position-independent checks still run; audit is skipped).
func NewEvaluator(policies PolicySource, prices PriceSource, holdings HoldingsReader, recorder Recorder, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		policies: policies,
		prices:   prices,
		holdings: holdings,
		recorder: recorder,
		log:      log.With().Str("service", "compliance").Logger(),
	}
}

// snapshot returns the active snapshot, falling back to the built-in
// default rule set when the store has not loaded yet.
func (e *Evaluator) snapshot() *policy.Snapshot {
	if e.policies != nil {
		if snap, err := e.policies.Snapshot(); err == nil {
			return snap
		}
	}
	doc := policy.DefaultDocument()
	snap, err := policy.BuildSnapshot(doc)
	if err != nil {
		// The built-in document always canonicalizes.
		panic(fmt.Sprintf("default policy document invalid: %v", err))
	}
	return snap
}

// CheckTrade evaluates a proposed trade and returns a scored verdict.
// It never returns an error: missing data degrades to conservative
// assumptions, and the verdict carries the consequences.
func (e *Evaluator) CheckTrade(ctx context.Context, input TradeInput) *TradeVerdict {
	snap := e.snapshot()
	verdict := &TradeVerdict{
		Violations:      []Violation{},
		Warnings:        []string{},
		Recommendations: []string{},
		PolicyChecksum:  snap.Checksum,
	}

	price := e.resolvePrice(ctx, input, verdict)
	tradeValue := input.Quantity.Mul(price)

	e.checkConcentration(snap, input, tradeValue, verdict)
	e.checkSectors(snap, input.PortfolioID, input.PortfolioValue, verdict)
	e.checkSuitability(snap, input.RiskTolerance, input.AssetRisk, verdict)
	e.checkWashSale(snap, input, price, verdict)
	e.checkDayTraderEquity(snap, input, verdict)
	e.checkPennyStock(snap, price, verdict)
	e.checkLargeTrade(input, tradeValue, verdict)

	finalize(verdict)

	e.log.Debug().
		Str("symbol", input.Symbol).
		Str("type", string(input.TradeType)).
		Int("score", verdict.Score).
		Bool("approved", verdict.Approved).
		Msg("Trade checked")

	e.emitAudit("trade", input, verdict)
	return verdict
}

func (e *Evaluator) resolvePrice(ctx context.Context, input TradeInput, verdict *TradeVerdict) decimal.Decimal {
	if input.Price != nil {
		return *input.Price
	}
	if e.prices != nil {
		if quote, err := e.prices.GetPrice(ctx, input.Symbol); err == nil {
			return quote.Price
		}
	}
	verdict.Warnings = append(verdict.Warnings,
		fmt.Sprintf("current price for %s unavailable; evaluated with conservative zero-price assumption", input.Symbol))
	return decimal.Zero
}

// CONC-001: single-position concentration after the trade. Above
// max_position blocks; between warn_position and max_position warns.
func (e *Evaluator) checkConcentration(snap *policy.Snapshot, input TradeInput, tradeValue decimal.Decimal, verdict *TradeVerdict) {
	if !snap.RuleEnabled("CONC-001") || input.TradeType != domain.TransactionBuy {
		return
	}
	if !input.PortfolioValue.IsPositive() {
		return
	}

	existing := decimal.Zero
	if e.holdings != nil && input.PortfolioID != "" {
		if pos, err := e.holdings.PositionBySymbol(input.PortfolioID, input.Symbol); err == nil && pos != nil {
			existing = pos.MarketValue
		}
	}

	newPct := existing.Add(tradeValue).Div(input.PortfolioValue)
	blockPos := decimal.NewFromFloat(snap.ParamFloat("CONC-001", "block_position", 0.50))
	warnPos := decimal.NewFromFloat(snap.ParamFloat("CONC-001", "max_position", 0.25))

	pctDisplay := newPct.Mul(decimal.NewFromInt(100)).Round(1)
	switch {
	case newPct.GreaterThan(blockPos):
		verdict.Violations = append(verdict.Violations, Violation{
			RuleID:   "CONC-001",
			Severity: string(ruleSeverity(snap, "CONC-001", policy.SeverityMajor)),
			Message:  fmt.Sprintf("position in %s would be %s%% of portfolio, above the %s%% concentration limit", input.Symbol, pctDisplay, blockPos.Mul(decimal.NewFromInt(100)).Round(0)),
		})
	case newPct.GreaterThanOrEqual(warnPos):
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("position in %s would be %s%% of portfolio; consider diversifying", input.Symbol, pctDisplay))
	}
}

// CONC-002: sector allocation above max_sector warns.
func (e *Evaluator) checkSectors(snap *policy.Snapshot, portfolioID string, portfolioValue decimal.Decimal, verdict *TradeVerdict) {
	if !snap.RuleEnabled("CONC-002") || e.holdings == nil || portfolioID == "" || !portfolioValue.IsPositive() {
		return
	}
	positions, err := e.holdings.Positions(portfolioID)
	if err != nil {
		return
	}
	maxSector := snap.ParamFloat("CONC-002", "max_sector", 0.40)
	for sector, value := range sectorTotals(positions) {
		pct, _ := value.Div(portfolioValue).Float64()
		if pct > maxSector {
			verdict.Warnings = append(verdict.Warnings,
				fmt.Sprintf("sector %s is %.1f%% of portfolio, above the %.0f%% guideline", sector, pct*100, maxSector*100))
		}
	}
}

// SUIT-001: asset risk more than one level above client tolerance is a
// critical violation. SUIT-003 adds reasonable-basis guidance when the
// asset is at the tolerance boundary.
func (e *Evaluator) checkSuitability(snap *policy.Snapshot, tolerance, assetRisk domain.RiskTolerance, verdict *TradeVerdict) {
	if assetRisk == "" {
		return
	}
	gap := assetRisk.Level() - tolerance.Level()
	if snap.RuleEnabled("SUIT-001") && gap > 1 {
		verdict.Violations = append(verdict.Violations, Violation{
			RuleID:   "SUIT-001",
			Severity: string(ruleSeverity(snap, "SUIT-001", policy.SeverityCritical)),
			Message:  fmt.Sprintf("%s-risk asset is unsuitable for a %s investor", assetRisk, tolerance),
		})
		return
	}
	if snap.RuleEnabled("SUIT-003") && gap == 1 {
		verdict.Recommendations = append(verdict.Recommendations,
			"asset risk is at the edge of the client's tolerance; document the reasonable basis for this recommendation")
	}
}

// TAX-001: wash sale. A buy in a taxable account within the window of a
// loss sale of the same symbol blocks, with a recommended wait date.
func (e *Evaluator) checkWashSale(snap *policy.Snapshot, input TradeInput, price decimal.Decimal, verdict *TradeVerdict) {
	if !snap.RuleEnabled("TAX-001") || input.TradeType != domain.TransactionBuy {
		return
	}
	if input.AccountType != "" && input.AccountType != "taxable" {
		return
	}
	if e.holdings == nil || input.UserID == "" {
		return
	}

	windowDays := snap.ParamInt("TAX-001", "window_days", 30)
	since := time.Now().UTC().AddDate(0, 0, -windowDays)
	sells, err := e.holdings.RecentSells(input.UserID, input.Symbol, since)
	if err != nil || len(sells) == 0 {
		return
	}

	assumedLossPct := decimal.NewFromFloat(snap.ParamFloat("TAX-001", "assumed_loss_pct", 0.10))
	disallowed := decimal.Zero
	var latestLossSale time.Time

	for _, sell := range sells {
		var lossPerShare decimal.Decimal
		if sell.AverageCost != nil {
			lossPerShare = sell.AverageCost.Sub(sell.Price)
			if !lossPerShare.IsPositive() {
				continue // sale at a gain is not a wash sale
			}
		} else {
			lossPerShare = sell.Price.Mul(assumedLossPct)
			verdict.Warnings = append(verdict.Warnings,
				fmt.Sprintf("cost basis for the %s sale on %s is unavailable; assumed a %s%% loss", input.Symbol, sell.SoldAt.Format("2006-01-02"), assumedLossPct.Mul(decimal.NewFromInt(100)).Round(0)))
		}
		matched := decimal.Min(input.Quantity, sell.Quantity)
		disallowed = disallowed.Add(lossPerShare.Mul(matched))
		if sell.SoldAt.After(latestLossSale) {
			latestLossSale = sell.SoldAt
		}
	}

	if disallowed.IsZero() {
		return
	}

	waitDays := snap.ParamInt("TAX-001", "recommended_wait_days", 31)
	waitDate := latestLossSale.AddDate(0, 0, waitDays)
	verdict.RecommendedWaitDate = &waitDate
	verdict.Violations = append(verdict.Violations, Violation{
		RuleID:   "TAX-001",
		Severity: string(ruleSeverity(snap, "TAX-001", policy.SeverityMajor)),
		Message: fmt.Sprintf("wash sale: repurchasing %s within %d days of a loss sale disallows $%s of losses; wait until %s",
			input.Symbol, windowDays, disallowed.StringFixed(2), waitDate.Format("2006-01-02")),
	})
}

// TRAD-001: individual accounts under the PDT minimum equity warn.
func (e *Evaluator) checkDayTraderEquity(snap *policy.Snapshot, input TradeInput, verdict *TradeVerdict) {
	if !snap.RuleEnabled("TRAD-001") {
		return
	}
	if input.ClientType != "" && input.ClientType != "individual" {
		return
	}
	minEquity := decimal.NewFromInt(int64(snap.ParamInt("TRAD-001", "min_equity", 25000)))
	if input.PortfolioValue.LessThan(minEquity) {
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("account equity $%s is below the $%s pattern-day-trader minimum; day-trading restrictions may apply",
				input.PortfolioValue.StringFixed(2), minEquity.StringFixed(0)))
	}
}

// PENNY-001: sub-threshold prices are an advisory violation and require
// a disclosure.
func (e *Evaluator) checkPennyStock(snap *policy.Snapshot, price decimal.Decimal, verdict *TradeVerdict) {
	if !snap.RuleEnabled("PENNY-001") || !price.IsPositive() {
		return
	}
	maxPrice := decimal.NewFromFloat(snap.ParamFloat("PENNY-001", "max_price", 5.00))
	if price.LessThan(maxPrice) {
		verdict.Violations = append(verdict.Violations, Violation{
			RuleID:   "PENNY-001",
			Severity: string(ruleSeverity(snap, "PENNY-001", policy.SeverityAdvisory)),
			Message:  fmt.Sprintf("price $%s is below $%s; penny-stock risk disclosure required", price.StringFixed(2), maxPrice.StringFixed(2)),
		})
		verdict.RequiresDisclosure = true
	}
}

func (e *Evaluator) checkLargeTrade(input TradeInput, tradeValue decimal.Decimal, verdict *TradeVerdict) {
	if !input.PortfolioValue.IsPositive() {
		return
	}
	half := input.PortfolioValue.Div(decimal.NewFromInt(2))
	if tradeValue.GreaterThan(half) {
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("trade value $%s exceeds half the portfolio value", tradeValue.StringFixed(2)))
	}
}

// CheckPortfolio evaluates a whole portfolio: sector concentration and
// suitability of the aggregate holdings.
func (e *Evaluator) CheckPortfolio(ctx context.Context, input PortfolioInput) *PortfolioVerdict {
	snap := e.snapshot()
	verdict := &PortfolioVerdict{
		Violations:        []Violation{},
		Warnings:          []string{},
		Recommendations:   []string{},
		SectorAllocations: map[string]float64{},
		PolicyChecksum:    snap.Checksum,
	}

	if input.PortfolioValue.IsPositive() {
		maxSector := snap.ParamFloat("CONC-002", "max_sector", 0.40)
		for _, asset := range input.Assets {
			sector := asset.Sector
			if sector == "" {
				sector = "unclassified"
			}
			pct, _ := asset.MarketValue.Div(input.PortfolioValue).Float64()
			verdict.SectorAllocations[sector] += pct
		}
		if snap.RuleEnabled("CONC-002") {
			for sector, pct := range verdict.SectorAllocations {
				if pct > maxSector {
					verdict.Violations = append(verdict.Violations, Violation{
						RuleID:   "CONC-002",
						Severity: string(ruleSeverity(snap, "CONC-002", policy.SeverityWarning)),
						Message:  fmt.Sprintf("sector %s is %.1f%% of portfolio, above the %.0f%% guideline", sector, pct*100, maxSector*100),
					})
				}
			}
		}

		e.checkAggregateSuitability(snap, input, verdict)
	}

	score := 100
	for _, v := range verdict.Violations {
		score -= policy.Severity(v.Severity).ScorePenalty()
	}
	score -= 5 * len(verdict.Warnings)
	verdict.Score = clamp(score)
	verdict.RequiresDisclosure = len(verdict.Violations) > 0

	e.emitPortfolioAudit(input, verdict)
	return verdict
}

// SUIT-001/002 at the portfolio level: individually unsuitable assets
// are critical; a high-risk tilt above the tolerance-implied cap warns.
func (e *Evaluator) checkAggregateSuitability(snap *policy.Snapshot, input PortfolioInput, verdict *PortfolioVerdict) {
	highRisk := decimal.Zero
	for _, asset := range input.Assets {
		risk := AssetRisk(asset.AssetType)
		if snap.RuleEnabled("SUIT-001") && risk.Level()-input.RiskTolerance.Level() > 1 {
			verdict.Violations = append(verdict.Violations, Violation{
				RuleID:   "SUIT-001",
				Severity: string(ruleSeverity(snap, "SUIT-001", policy.SeverityCritical)),
				Message:  fmt.Sprintf("holding %s (%s risk) is unsuitable for a %s investor", asset.Symbol, risk, input.RiskTolerance),
			})
		}
		if risk == domain.RiskAggressive {
			highRisk = highRisk.Add(asset.MarketValue)
		}
	}

	if !snap.RuleEnabled("SUIT-002") {
		return
	}
	// Aggressive-allocation caps per tolerance level.
	caps := map[domain.RiskTolerance]float64{
		domain.RiskConservative: 0.20,
		domain.RiskModerate:     0.60,
		domain.RiskAggressive:   1.00,
	}
	limit := caps[domain.RiskModerate]
	if c, ok := caps[input.RiskTolerance]; ok {
		limit = c
	}
	pct, _ := highRisk.Div(input.PortfolioValue).Float64()
	if pct > limit {
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("%.1f%% of the portfolio is in high-risk assets, above the %.0f%% guideline for a %s profile", pct*100, limit*100, input.RiskTolerance))
		if snap.RuleEnabled("SUIT-003") {
			verdict.Recommendations = append(verdict.Recommendations,
				"rebalance toward assets matching the stated risk tolerance")
		}
	}
}

func (e *Evaluator) emitAudit(kind string, input TradeInput, verdict *TradeVerdict) {
	if e.recorder == nil {
		return
	}
	decision := "approved"
	if !verdict.Approved {
		decision = "rejected"
	}
	e.recorder.ComplianceEvent(audit.ComplianceEvent{
		Type:               kind,
		Subject:            fmt.Sprintf("%s %s %s", input.TradeType, input.Quantity, input.Symbol),
		RuleIDs:            verdict.RuleIDs(),
		Decision:           decision,
		Score:              verdict.Score,
		UserID:             input.UserID,
		RecommendationID:   input.RecommendationID,
		Symbol:             input.Symbol,
		Action:             string(input.TradeType),
		Approved:           verdict.Approved,
		Violations:         verdict.ViolationMessages(),
		Warnings:           verdict.Warnings,
		RequiresDisclosure: verdict.RequiresDisclosure,
		PolicyChecksum:     verdict.PolicyChecksum,
		Input:              input,
		Result:             verdict,
	})
}

func (e *Evaluator) emitPortfolioAudit(input PortfolioInput, verdict *PortfolioVerdict) {
	if e.recorder == nil {
		return
	}
	ruleIDs := make([]string, 0, len(verdict.Violations))
	msgs := make([]string, 0, len(verdict.Violations))
	for _, v := range verdict.Violations {
		ruleIDs = append(ruleIDs, v.RuleID)
		msgs = append(msgs, v.Message)
	}
	decision := "approved"
	approved := true
	for _, v := range verdict.Violations {
		if policy.Severity(v.Severity).Blocks() {
			decision = "rejected"
			approved = false
			break
		}
	}
	e.recorder.ComplianceEvent(audit.ComplianceEvent{
		Type:               "portfolio",
		Subject:            fmt.Sprintf("portfolio %s", input.PortfolioID),
		RuleIDs:            ruleIDs,
		Decision:           decision,
		Score:              verdict.Score,
		UserID:             input.UserID,
		Approved:           approved,
		Violations:         msgs,
		Warnings:           verdict.Warnings,
		RequiresDisclosure: verdict.RequiresDisclosure,
		PolicyChecksum:     verdict.PolicyChecksum,
		Input:              input,
		Result:             verdict,
	})
}

// finalize computes score, approval and disclosure from the collected
// violations and warnings.
func finalize(v *TradeVerdict) {
	score := 100
	approved := true
	for _, viol := range v.Violations {
		sev := policy.Severity(viol.Severity)
		score -= sev.ScorePenalty()
		if sev.Blocks() {
			approved = false
		}
	}
	score -= 5 * len(v.Warnings)
	v.Score = clamp(score)
	v.Approved = approved
	if len(v.Violations) > 0 {
		v.RequiresDisclosure = true
	}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func ruleSeverity(snap *policy.Snapshot, ruleID string, def policy.Severity) policy.Severity {
	if rule, ok := snap.Rule(ruleID); ok && rule.Severity != "" {
		return rule.Severity
	}
	return def
}

func sectorTotals(positions []domain.Position) map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for _, pos := range positions {
		sector := pos.Sector
		if sector == "" {
			sector = "unclassified"
		}
		totals[sector] = totals[sector].Add(pos.MarketValue)
	}
	return totals
}
