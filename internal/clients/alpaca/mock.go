package alpaca

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianhq/advisor/internal/domain"
)

// mockPrices is the fixed quote table served in mock mode. Deterministic
// prices keep offline runs and tests reproducible.
var mockPrices = map[string]string{
	"AAPL":  "185.50",
	"MSFT":  "401.25",
	"NVDA":  "875.10",
	"SPY":   "512.30",
	"TSLA":  "248.75",
	"GOOGL": "172.40",
	"AMZN":  "186.90",
	"NTNX":  "61.25",
}

// mockFallbackPrice is served for symbols outside the table so any
// ticker works offline.
var mockFallbackPrice = decimal.NewFromInt(100)

// MockClient is the deterministic offline broker. Orders fill instantly
// at the table price and are kept in memory for status polling.
type MockClient struct {
	mu       sync.RWMutex
	orders   map[string]*domain.BrokerOrder
	account  domain.BrokerAccount
	failNext error
	log      zerolog.Logger
}

// NewMockClient creates the offline broker with a funded paper account.
func NewMockClient(log zerolog.Logger) *MockClient {
	return &MockClient{
		orders: make(map[string]*domain.BrokerOrder),
		account: domain.BrokerAccount{
			PortfolioValue: decimal.NewFromInt(100000),
			Cash:           decimal.NewFromInt(100000),
			BuyingPower:    decimal.NewFromInt(200000),
		},
		log: log.With().Str("client", "alpaca_mock").Logger(),
	}
}

// IsMock implements domain.BrokerClient.
func (m *MockClient) IsMock() bool { return true }

// SeedAccount replaces the mock account snapshot, for tests and demo
// fixtures.
func (m *MockClient) SeedAccount(account domain.BrokerAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = account
}

// FailNext makes the next broker call return err, then clears itself.
func (m *MockClient) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MockClient) takeFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.failNext
	m.failNext = nil
	return err
}

// AccountSnapshot implements domain.BrokerClient.
func (m *MockClient) AccountSnapshot(_ context.Context) (*domain.BrokerAccount, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := m.account
	snapshot.Positions = append([]domain.BrokerPosition(nil), m.account.Positions...)
	return &snapshot, nil
}

// GetPrice implements domain.BrokerClient from the fixed table.
func (m *MockClient) GetPrice(_ context.Context, symbol string) (domain.Quote, error) {
	if err := m.takeFailure(); err != nil {
		return domain.Quote{}, err
	}
	price := mockFallbackPrice
	if fixed, ok := mockPrices[symbol]; ok {
		price, _ = decimal.NewFromString(fixed)
	}
	return domain.Quote{Symbol: symbol, Price: price, AsOf: time.Now().UTC()}, nil
}

// PlaceOrder implements domain.BrokerClient. The order fills immediately
// at the table price.
func (m *MockClient) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.BrokerOrder, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	quote, _ := m.GetPrice(ctx, req.Symbol)
	fillPrice := quote.Price
	if req.OrderType == domain.OrderLimit && req.LimitPrice != nil {
		fillPrice = *req.LimitPrice
	}

	now := time.Now().UTC()
	order := &domain.BrokerOrder{
		OrderID:        "mock-" + uuid.NewString(),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Status:         domain.BrokerOrderFilled,
		FilledQty:      req.Quantity,
		FilledAvgPrice: fillPrice,
		SubmittedAt:    now,
		FilledAt:       &now,
	}

	m.mu.Lock()
	m.orders[order.OrderID] = order
	m.mu.Unlock()

	m.log.Debug().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("fill_price", fillPrice.String()).
		Msg("mock order filled")
	return cloneOrder(order), nil
}

// GetOrderStatus implements domain.BrokerClient.
func (m *MockClient) GetOrderStatus(_ context.Context, orderID string) (*domain.BrokerOrder, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	return cloneOrder(order), nil
}

// ResolveSymbol implements domain.BrokerClient with the same table as
// the real client.
func (m *MockClient) ResolveSymbol(_ context.Context, text string) (string, error) {
	return resolveSymbol(text), nil
}

// HealthCheck implements domain.BrokerClient. The mock is always up.
func (m *MockClient) HealthCheck(_ context.Context) error { return nil }

func cloneOrder(o *domain.BrokerOrder) *domain.BrokerOrder {
	clone := *o
	if o.FilledAt != nil {
		at := *o.FilledAt
		clone.FilledAt = &at
	}
	return &clone
}
