package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianhq/advisor/internal/clients/llm"
	"github.com/meridianhq/advisor/internal/domain"
)

// TradeDetails is the structured form of a trade request extracted from
// free text. SellAll marks "sell all X" requests whose quantity must be
// resolved against the current position.
type TradeDetails struct {
	Symbol    string
	Action    domain.TransactionType
	Quantity  decimal.Decimal
	SellAll   bool
	OrderType domain.OrderType
	Rationale string
}

const extractorSystemPrompt = `Extract the trade the user is requesting.
Respond with a JSON object:
{"symbol": "<ticker or company name>", "action": "buy"|"sell", "quantity": <number, 0 if "all">, "sell_all": <bool>, "order_type": "market"|"limit", "rationale": "<one line>"}`

// Extractor turns a free-text trade request into TradeDetails, with a
// regex fallback when the model output is unusable.
type Extractor struct {
	provider llm.Provider
	log      zerolog.Logger
}

// NewExtractor creates the trade-detail extractor.
func NewExtractor(provider llm.Provider, log zerolog.Logger) *Extractor {
	return &Extractor{provider: provider, log: log.With().Str("component", "extractor").Logger()}
}

// Extract parses one trade request. The LLM does the heavy lifting; a
// pattern fallback covers simple imperatives when the model fails.
func (e *Extractor) Extract(ctx context.Context, message string) (*TradeDetails, error) {
	resp, err := e.provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: extractorSystemPrompt},
			{Role: "user", Content: message},
		},
		Temperature: 0,
		JSONMode:    true,
	})
	if err == nil {
		if details, perr := parseTradeDetails(resp.Content); perr == nil {
			return details, nil
		} else {
			e.log.Warn().Err(perr).Str("raw", resp.Content).Msg("extractor returned invalid JSON; trying pattern fallback")
		}
	} else {
		e.log.Warn().Err(err).Msg("extractor LLM call failed; trying pattern fallback")
	}

	if details := patternExtract(message); details != nil {
		return details, nil
	}
	return nil, fmt.Errorf("could not extract trade details from request")
}

type rawTradeDetails struct {
	Symbol    string          `json:"symbol"`
	Action    string          `json:"action"`
	Quantity  json.Number     `json:"quantity"`
	SellAll   bool            `json:"sell_all"`
	OrderType string          `json:"order_type"`
	Rationale string          `json:"rationale"`
	Extra     json.RawMessage `json:"-"`
}

func parseTradeDetails(raw string) (*TradeDetails, error) {
	var parsed rawTradeDetails
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		return nil, err
	}
	if parsed.Symbol == "" {
		return nil, fmt.Errorf("missing symbol")
	}

	var action domain.TransactionType
	switch strings.ToLower(parsed.Action) {
	case "buy":
		action = domain.TransactionBuy
	case "sell":
		action = domain.TransactionSell
	default:
		return nil, fmt.Errorf("unknown action %q", parsed.Action)
	}

	quantity := decimal.Zero
	if parsed.Quantity != "" {
		q, err := decimal.NewFromString(parsed.Quantity.String())
		if err != nil {
			return nil, fmt.Errorf("bad quantity %q", parsed.Quantity)
		}
		quantity = q
	}
	if !parsed.SellAll && !quantity.IsPositive() {
		return nil, fmt.Errorf("quantity must be positive")
	}

	orderType := domain.OrderMarket
	if parsed.OrderType == string(domain.OrderLimit) {
		orderType = domain.OrderLimit
	}
	return &TradeDetails{
		Symbol:    parsed.Symbol,
		Action:    action,
		Quantity:  quantity,
		SellAll:   parsed.SellAll,
		OrderType: orderType,
		Rationale: parsed.Rationale,
	}, nil
}

var (
	tradePattern   = regexp.MustCompile(`(?i)\b(buy|sell)\s+(\d+(?:\.\d+)?)\s+(?:shares?\s+(?:of\s+)?)?([A-Za-z&.]+)`)
	sellAllPattern = regexp.MustCompile(`(?i)\bsell\s+all\s+(?:of\s+)?(?:my\s+)?([A-Za-z&.]+)`)
)

// patternExtract handles the common imperative shapes without a model.
func patternExtract(message string) *TradeDetails {
	if m := sellAllPattern.FindStringSubmatch(message); m != nil {
		return &TradeDetails{
			Symbol:    m[1],
			Action:    domain.TransactionSell,
			SellAll:   true,
			OrderType: domain.OrderMarket,
		}
	}
	if m := tradePattern.FindStringSubmatch(message); m != nil {
		quantity, err := decimal.NewFromString(m[2])
		if err != nil || !quantity.IsPositive() {
			return nil
		}
		action := domain.TransactionBuy
		if strings.EqualFold(m[1], "sell") {
			action = domain.TransactionSell
		}
		return &TradeDetails{
			Symbol:    m[3],
			Action:    action,
			Quantity:  quantity,
			OrderType: domain.OrderMarket,
		}
	}
	return nil
}
