package policy

// DefaultDocument returns the built-in rule set used when no policy file
// exists yet. Parameter values mirror the regulatory defaults the
// evaluator falls back to.
func DefaultDocument() *Document {
	return &Document{
		Version: "1.0.0",
		Rules: map[string]Rule{
			"CONC-001": {
				RegulationSource: "FINRA",
				RuleName:         "Position concentration",
				Description:      "Single-position concentration limits relative to total portfolio value.",
				Severity:         SeverityMajor,
				AppliesTo:        []string{"trade"},
				Params: map[string]interface{}{
					"max_position":   0.25,
					"block_position": 0.50,
				},
			},
			"CONC-002": {
				RegulationSource: "FINRA",
				RuleName:         "Sector concentration",
				Description:      "Sector allocation should not exceed the configured share of the portfolio.",
				Severity:         SeverityWarning,
				AppliesTo:        []string{"trade", "portfolio"},
				Params: map[string]interface{}{
					"max_sector": 0.40,
				},
			},
			"SUIT-001": {
				RegulationSource: "FINRA",
				RuleName:         "Suitability: risk alignment",
				Description:      "Recommendation risk must not exceed client tolerance by more than one level.",
				Severity:         SeverityCritical,
				AppliesTo:        []string{"trade", "portfolio", "recommendation"},
			},
			"SUIT-002": {
				RegulationSource: "FINRA",
				RuleName:         "Suitability: aggregate",
				Description:      "Aggregate holdings should remain suitable for the client profile.",
				Severity:         SeverityWarning,
				AppliesTo:        []string{"portfolio"},
			},
			"SUIT-003": {
				RegulationSource: "FINRA",
				RuleName:         "Suitability: reasonable basis",
				Description:      "Recommendations require a reasonable basis.",
				Severity:         SeverityWarning,
				AppliesTo:        []string{"recommendation"},
			},
			"TAX-001": {
				RegulationSource: "IRS",
				RuleName:         "Wash sale",
				Description:      "Repurchase within 30 days of a loss sale disallows the loss in taxable accounts.",
				Severity:         SeverityMajor,
				AppliesTo:        []string{"trade"},
				Params: map[string]interface{}{
					"window_days":          30,
					"assumed_loss_pct":     0.10,
					"recommended_wait_days": 31,
				},
			},
			"TRAD-001": {
				RegulationSource: "FINRA",
				RuleName:         "Pattern day trader equity",
				Description:      "Individual accounts under the PDT minimum equity draw a warning.",
				Severity:         SeverityWarning,
				AppliesTo:        []string{"trade"},
				Params: map[string]interface{}{
					"min_equity": 25000,
				},
			},
			"PENNY-001": {
				RegulationSource: "SEC",
				RuleName:         "Penny stock disclosure",
				Description:      "Trades priced under the threshold require a disclosure.",
				Severity:         SeverityAdvisory,
				AppliesTo:        []string{"trade"},
				Params: map[string]interface{}{
					"max_price": 5.00,
				},
			},
		},
	}
}
