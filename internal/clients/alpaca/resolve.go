package alpaca

import "strings"

// resolveTable maps common company names to tickers so conversational
// input like "buy 10 shares of apple" lands on the right symbol.
var resolveTable = map[string]string{
	"apple":     "AAPL",
	"microsoft": "MSFT",
	"nvidia":    "NVDA",
	"tesla":     "TSLA",
	"google":    "GOOGL",
	"alphabet":  "GOOGL",
	"amazon":    "AMZN",
	"nutanix":   "NTNX",
	"s&p":       "SPY",
	"s&p 500":   "SPY",
	"sp500":     "SPY",
	"spdr":      "SPY",
	"meta":      "META",
	"facebook":  "META",
	"netflix":   "NFLX",
}

func resolveSymbol(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if ticker, ok := resolveTable[normalized]; ok {
		return ticker
	}
	return strings.ToUpper(strings.TrimSpace(text))
}
