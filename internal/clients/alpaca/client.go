// Package alpaca provides the brokerage client: a REST client against
// the Alpaca trading and market-data APIs, a deterministic offline mock,
// and a websocket stream for trade updates.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianhq/advisor/internal/domain"
)

const (
	paperTradingURL = "https://paper-api.alpaca.markets"
	liveTradingURL  = "https://api.alpaca.markets"
	marketDataURL   = "https://data.alpaca.markets"
)

// Client talks to the Alpaca REST API. It implements domain.BrokerClient.
type Client struct {
	apiKey     string
	apiSecret  string
	tradingURL string
	dataURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a REST client. paper selects the paper-trading
// endpoint; market data always comes from the data host.
func NewClient(apiKey, apiSecret string, paper bool, log zerolog.Logger) *Client {
	tradingURL := liveTradingURL
	if paper {
		tradingURL = paperTradingURL
	}
	return &Client{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		tradingURL: tradingURL,
		dataURL:    marketDataURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("client", "alpaca").Logger(),
	}
}

// SetCredentials replaces the API credentials, for settings overrides
// applied after startup.
func (c *Client) SetCredentials(apiKey, apiSecret string) {
	c.apiKey = apiKey
	c.apiSecret = apiSecret
}

// IsMock implements domain.BrokerClient.
func (c *Client) IsMock() bool { return false }

type apiAccount struct {
	PortfolioValue string `json:"portfolio_value"`
	Cash           string `json:"cash"`
	BuyingPower    string `json:"buying_power"`
	Status         string `json:"status"`
}

type apiPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	MarketValue   string `json:"market_value"`
	AssetClass    string `json:"asset_class"`
}

type apiOrder struct {
	ID             string     `json:"id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Qty            string     `json:"qty"`
	Status         string     `json:"status"`
	FilledQty      string     `json:"filled_qty"`
	FilledAvgPrice *string    `json:"filled_avg_price"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	FilledAt       *time.Time `json:"filled_at"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// AccountSnapshot implements domain.BrokerClient: account state plus all
// open positions, fetched in two calls.
func (c *Client) AccountSnapshot(ctx context.Context) (*domain.BrokerAccount, error) {
	var acct apiAccount
	if err := c.do(ctx, http.MethodGet, c.tradingURL+"/v2/account", nil, &acct); err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var positions []apiPosition
	if err := c.do(ctx, http.MethodGet, c.tradingURL+"/v2/positions", nil, &positions); err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	snapshot := &domain.BrokerAccount{
		PortfolioValue: parseDecimal(acct.PortfolioValue),
		Cash:           parseDecimal(acct.Cash),
		BuyingPower:    parseDecimal(acct.BuyingPower),
		Positions:      make([]domain.BrokerPosition, 0, len(positions)),
	}
	for _, p := range positions {
		snapshot.Positions = append(snapshot.Positions, domain.BrokerPosition{
			Symbol:        p.Symbol,
			Quantity:      parseDecimal(p.Qty),
			AvgEntryPrice: parseDecimal(p.AvgEntryPrice),
			CurrentPrice:  parseDecimal(p.CurrentPrice),
			MarketValue:   parseDecimal(p.MarketValue),
			AssetType:     assetTypeFromClass(p.AssetClass),
		})
	}
	return snapshot, nil
}

// GetPrice implements domain.BrokerClient using the latest-trade
// endpoint of the market data API.
func (c *Client) GetPrice(ctx context.Context, symbol string) (domain.Quote, error) {
	var resp struct {
		Symbol string `json:"symbol"`
		Trade  struct {
			Price     json.Number `json:"p"`
			Timestamp time.Time   `json:"t"`
		} `json:"trade"`
	}
	url := fmt.Sprintf("%s/v2/stocks/%s/trades/latest", c.dataURL, symbol)
	if err := c.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return domain.Quote{}, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}

	price, err := decimal.NewFromString(resp.Trade.Price.String())
	if err != nil {
		return domain.Quote{}, fmt.Errorf("unparseable price for %s: %w", symbol, err)
	}
	return domain.Quote{Symbol: symbol, Price: price, AsOf: resp.Trade.Timestamp}, nil
}

// PlaceOrder implements domain.BrokerClient.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.BrokerOrder, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tif := req.TimeInForce
	if tif == "" {
		tif = domain.TIFDay
	}
	body := map[string]interface{}{
		"symbol":        req.Symbol,
		"side":          string(req.Side),
		"qty":           req.Quantity.String(),
		"type":          string(req.OrderType),
		"time_in_force": string(tif),
	}
	if req.LimitPrice != nil {
		body["limit_price"] = req.LimitPrice.String()
	}
	if req.StopPrice != nil {
		body["stop_price"] = req.StopPrice.String()
	}

	var order apiOrder
	if err := c.do(ctx, http.MethodPost, c.tradingURL+"/v2/orders", body, &order); err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}
	c.log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("quantity", req.Quantity.String()).
		Str("order_id", order.ID).
		Msg("order submitted")
	return transformOrder(&order), nil
}

// GetOrderStatus implements domain.BrokerClient.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*domain.BrokerOrder, error) {
	var order apiOrder
	if err := c.do(ctx, http.MethodGet, c.tradingURL+"/v2/orders/"+orderID, nil, &order); err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return transformOrder(&order), nil
}

// ResolveSymbol implements domain.BrokerClient: common company names map
// to tickers, everything else is uppercased as-is.
func (c *Client) ResolveSymbol(_ context.Context, text string) (string, error) {
	return resolveSymbol(text), nil
}

// HealthCheck implements domain.BrokerClient.
func (c *Client) HealthCheck(ctx context.Context) error {
	var acct apiAccount
	if err := c.do(ctx, http.MethodGet, c.tradingURL+"/v2/account", nil, &acct); err != nil {
		return err
	}
	if acct.Status != "ACTIVE" {
		return fmt.Errorf("account status is %s", acct.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("alpaca %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("alpaca %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func transformOrder(o *apiOrder) *domain.BrokerOrder {
	order := &domain.BrokerOrder{
		OrderID:     o.ID,
		Symbol:      o.Symbol,
		Side:        domain.OrderSide(o.Side),
		Quantity:    parseDecimal(o.Qty),
		Status:      mapOrderStatus(o.Status),
		FilledQty:   parseDecimal(o.FilledQty),
		SubmittedAt: o.SubmittedAt,
		FilledAt:    o.FilledAt,
	}
	if o.FilledAvgPrice != nil {
		order.FilledAvgPrice = parseDecimal(*o.FilledAvgPrice)
	}
	return order
}

// mapOrderStatus folds Alpaca's order states into the internal set.
func mapOrderStatus(status string) domain.BrokerOrderStatus {
	switch status {
	case "new", "accepted", "pending_new", "accepted_for_bidding":
		return domain.BrokerOrderAccepted
	case "partially_filled":
		return domain.BrokerOrderPartiallyFilled
	case "filled":
		return domain.BrokerOrderFilled
	case "canceled", "pending_cancel", "done_for_day":
		return domain.BrokerOrderCanceled
	case "rejected", "expired", "stopped", "suspended":
		return domain.BrokerOrderRejected
	default:
		return domain.BrokerOrderPending
	}
}

func assetTypeFromClass(class string) string {
	switch class {
	case "us_equity", "":
		return "stock"
	default:
		return class
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
