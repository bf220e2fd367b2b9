package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusEmitDeliversToSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var received []*Event
	bus.Subscribe(TradeExecuted, func(e *Event) {
		received = append(received, e)
	})

	bus.Emit(TradeExecuted, "execution", &TradeExecutedData{
		TransactionID: "tx-1",
		Symbol:        "AAPL",
		Side:          "buy",
	})

	require.Len(t, received, 1)
	assert.Equal(t, TradeExecuted, received[0].Type)
	assert.Equal(t, "execution", received[0].Module)
	assert.False(t, received[0].Timestamp.IsZero())

	data, ok := received[0].Data.(*TradeExecutedData)
	require.True(t, ok)
	assert.Equal(t, "AAPL", data.Symbol)
}

func TestBusEmitNoSubscribersIsNoop(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	assert.NotPanics(t, func() {
		bus.Emit(PolicyReloaded, "policy", nil)
	})
}

func TestBusHandlerPanicIsIsolated(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	called := false
	bus.Subscribe(SyncCompleted, func(e *Event) { panic("bad handler") })
	bus.Subscribe(SyncCompleted, func(e *Event) { called = true })

	assert.NotPanics(t, func() {
		bus.Emit(SyncCompleted, "sync", &SyncCompletedData{Portfolios: 2})
	})
	assert.True(t, called, "second handler should still run")
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var types []EventType
	bus.SubscribeAll(func(e *Event) { types = append(types, e.Type) })

	bus.Emit(TradeExecuted, "a", nil)
	bus.Emit(PolicyReloaded, "b", nil)
	bus.Emit(ErrorOccurred, "c", nil)

	assert.Equal(t, []EventType{TradeExecuted, PolicyReloaded, ErrorOccurred}, types)
}
