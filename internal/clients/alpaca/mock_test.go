package alpaca

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/advisor/internal/domain"
)

func TestMockPricesAreDeterministic(t *testing.T) {
	mock := NewMockClient(zerolog.Nop())

	first, err := mock.GetPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	second, err := mock.GetPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "185.5", first.Price.String())
	assert.True(t, first.Price.Equal(second.Price))

	// Unknown symbols still quote, so offline demos never dead-end.
	unknown, err := mock.GetPrice(context.Background(), "ZZZZ")
	require.NoError(t, err)
	assert.Equal(t, "100", unknown.Price.String())
}

func TestMockOrderFillsImmediately(t *testing.T) {
	mock := NewMockClient(zerolog.Nop())

	order, err := mock.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:    "MSFT",
		Side:      domain.SideBuy,
		Quantity:  decimal.NewFromInt(10),
		OrderType: domain.OrderMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerOrderFilled, order.Status)
	assert.Equal(t, "401.25", order.FilledAvgPrice.String())
	require.NotNil(t, order.FilledAt)

	// Status polling sees the same terminal order.
	polled, err := mock.GetOrderStatus(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerOrderFilled, polled.Status)
	assert.True(t, polled.FilledQty.Equal(decimal.NewFromInt(10)))
}

func TestMockLimitOrderFillsAtLimit(t *testing.T) {
	mock := NewMockClient(zerolog.Nop())
	limit := decimal.RequireFromString("400.00")

	order, err := mock.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:     "MSFT",
		Side:       domain.SideBuy,
		Quantity:   decimal.NewFromInt(1),
		OrderType:  domain.OrderLimit,
		LimitPrice: &limit,
	})
	require.NoError(t, err)
	assert.Equal(t, "400", order.FilledAvgPrice.String())
}

func TestMockUnknownOrder(t *testing.T) {
	mock := NewMockClient(zerolog.Nop())
	_, err := mock.GetOrderStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMockFailNext(t *testing.T) {
	mock := NewMockClient(zerolog.Nop())
	boom := errors.New("broker down")
	mock.FailNext(boom)

	_, err := mock.GetPrice(context.Background(), "AAPL")
	assert.ErrorIs(t, err, boom)

	// The failure clears after one call.
	_, err = mock.GetPrice(context.Background(), "AAPL")
	assert.NoError(t, err)
}

func TestMockIsMock(t *testing.T) {
	assert.True(t, NewMockClient(zerolog.Nop()).IsMock())
	assert.False(t, NewClient("", "", true, zerolog.Nop()).IsMock())
}
