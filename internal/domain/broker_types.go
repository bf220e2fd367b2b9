package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the broker-facing direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// SideFromTransactionType converts the internal BUY/SELL enum to the
// broker wire value.
func SideFromTransactionType(t TransactionType) OrderSide {
	if t == TransactionSell {
		return SideSell
	}
	return SideBuy
}

// TimeInForce controls how long an order stays working at the broker.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// BrokerOrderStatus is the broker-side order state.
type BrokerOrderStatus string

const (
	BrokerOrderPending         BrokerOrderStatus = "pending"
	BrokerOrderAccepted        BrokerOrderStatus = "accepted"
	BrokerOrderPartiallyFilled BrokerOrderStatus = "partially_filled"
	BrokerOrderFilled          BrokerOrderStatus = "filled"
	BrokerOrderCanceled        BrokerOrderStatus = "canceled"
	BrokerOrderRejected        BrokerOrderStatus = "rejected"
)

// IsTerminal reports whether the broker will make no further changes to
// the order.
func (s BrokerOrderStatus) IsTerminal() bool {
	switch s {
	case BrokerOrderFilled, BrokerOrderCanceled, BrokerOrderRejected:
		return true
	}
	return false
}

// OrderRequest is a broker order submission. LimitPrice is required for
// limit and stop_limit orders, StopPrice for stop and stop_limit.
type OrderRequest struct {
	Symbol      string
	Side        OrderSide
	Quantity    decimal.Decimal
	OrderType   OrderType
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce TimeInForce
}

// Validate checks the structural requirements of an order request.
func (r *OrderRequest) Validate() error {
	if r.Symbol == "" {
		return ErrInvalidOrder
	}
	if !r.Quantity.IsPositive() {
		return ErrInvalidOrder
	}
	if !r.OrderType.Valid() {
		return ErrInvalidOrder
	}
	if (r.OrderType == OrderLimit || r.OrderType == OrderStopLimit) && r.LimitPrice == nil {
		return ErrInvalidOrder
	}
	if (r.OrderType == OrderStop || r.OrderType == OrderStopLimit) && r.StopPrice == nil {
		return ErrInvalidOrder
	}
	return nil
}

// BrokerOrder is the broker's view of an order, returned by PlaceOrder and
// GetOrderStatus.
type BrokerOrder struct {
	OrderID        string
	Symbol         string
	Side           OrderSide
	Quantity       decimal.Decimal
	Status         BrokerOrderStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	SubmittedAt    time.Time
	FilledAt       *time.Time
}

// BrokerPosition is a holding as reported by the broker account.
type BrokerPosition struct {
	Symbol        string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
	MarketValue   decimal.Decimal
	Sector        string
	AssetType     string
}

// BrokerAccount is the authoritative account snapshot used during
// portfolio reconciliation.
type BrokerAccount struct {
	PortfolioValue decimal.Decimal
	Cash           decimal.Decimal
	BuyingPower    decimal.Decimal
	Positions      []BrokerPosition
}
