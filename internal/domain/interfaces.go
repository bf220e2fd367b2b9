package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// BrokerClient is the brokerage abstraction the execution service and the
// portfolio synchronizer depend on. The alpaca package provides the real
// and mock implementations; defining the interface here keeps the modules
// free of client imports.
type BrokerClient interface {
	// AccountSnapshot returns the authoritative account state including
	// all open positions.
	AccountSnapshot(ctx context.Context) (*BrokerAccount, error)

	// GetPrice returns the latest trade price for a symbol.
	GetPrice(ctx context.Context, symbol string) (Quote, error)

	// PlaceOrder submits an order. The returned order carries the broker
	// reference id used for status polling.
	PlaceOrder(ctx context.Context, req OrderRequest) (*BrokerOrder, error)

	// GetOrderStatus fetches the current broker-side state of an order.
	GetOrderStatus(ctx context.Context, orderID string) (*BrokerOrder, error)

	// ResolveSymbol maps free-text like "apple" to a ticker. Returns the
	// input uppercased when no mapping exists.
	ResolveSymbol(ctx context.Context, text string) (string, error)

	// IsMock reports whether the client is the deterministic offline
	// implementation.
	IsMock() bool

	// HealthCheck verifies broker connectivity.
	HealthCheck(ctx context.Context) error
}

// Quote is a point-in-time price observation.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	AsOf   time.Time
}
