package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/advisor/internal/clients/alpaca"
	"github.com/meridianhq/advisor/internal/compliance"
	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
	"github.com/meridianhq/advisor/internal/events"
	"github.com/meridianhq/advisor/internal/modules/execution"
	"github.com/meridianhq/advisor/internal/modules/market_hours"
	"github.com/meridianhq/advisor/internal/modules/portfolio"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type approveAll struct{}

func (approveAll) CheckTrade(_ context.Context, _ compliance.TradeInput) *compliance.TradeVerdict {
	return &compliance.TradeVerdict{Approved: true, Score: 100}
}

type syncFixture struct {
	syn    *Synchronizer
	store  *portfolio.Store
	broker *alpaca.MockClient
	bus    *events.Bus
	userID string
	pfID   string
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		Profile: database.ProfileStandard,
		Name:    "core",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	store := portfolio.NewStore(db, nil, zerolog.Nop())
	user := &domain.User{Email: "sync@example.com"}
	_, err = store.Users.CreateUser(user)
	require.NoError(t, err)
	pf := &domain.Portfolio{
		UserID: user.ID, IsPrimary: true,
		TotalValue: dec("100000"), CashBalance: dec("100000"),
	}
	_, err = store.Portfolios.CreatePortfolio(pf)
	require.NoError(t, err)

	broker := alpaca.NewMockClient(zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	executor := execution.NewService(store, broker, approveAll{}, bus, zerolog.Nop())
	hours := market_hours.NewService(zerolog.Nop())

	return &syncFixture{
		syn:    New(store, broker, executor, nil, hours, bus, zerolog.Nop()),
		store:  store,
		broker: broker,
		bus:    bus,
		userID: user.ID,
		pfID:   pf.ID,
	}
}

// seedPendingWithOrder places an order at the mock broker and records a
// matching pending transaction, as if submission outran the fill.
func (f *syncFixture) seedPendingWithOrder(t *testing.T, symbol string, qty decimal.Decimal) string {
	t.Helper()
	order, err := f.broker.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:    symbol,
		Side:      domain.SideBuy,
		Quantity:  qty,
		OrderType: domain.OrderMarket,
	})
	require.NoError(t, err)

	tx := &domain.Transaction{
		UserID:      f.userID,
		PortfolioID: &f.pfID,
		Symbol:      symbol,
		Type:        domain.TransactionBuy,
		Quantity:    qty,
		TotalAmount: qty.Mul(order.FilledAvgPrice),
		OrderType:   domain.OrderMarket,
		Status:      domain.StatusPending,
		BrokerRef:   &order.OrderID,
	}
	_, err = f.store.Transactions.CreateTransaction(tx)
	require.NoError(t, err)
	return tx.ID
}

func TestPassSettlesPendingOrders(t *testing.T) {
	f := newSyncFixture(t)
	txID := f.seedPendingWithOrder(t, "MSFT", dec("10"))

	report := f.syn.RunPass(context.Background())
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 0, report.Failed)

	tx, err := f.store.Transactions.GetTransaction(txID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, tx.Status)
	require.NotNil(t, tx.Price)
	assert.True(t, tx.Price.Equal(dec("401.25")))

	// The fill triggered reconciliation against the account snapshot:
	// the mock account has no positions, so balances follow it.
	pf, err := f.store.Portfolios.GetPortfolio(f.pfID)
	require.NoError(t, err)
	assert.True(t, pf.TotalValue.Equal(dec("100000")))
	assert.True(t, pf.CashBalance.Equal(dec("100000")))
}

func TestPassReconcilesStalePortfolio(t *testing.T) {
	f := newSyncFixture(t)

	// Age the portfolio past the refresh window.
	_, err := f.store.DB().Exec(
		`UPDATE portfolios SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-2*time.Hour).Format(time.RFC3339), f.pfID,
	)
	require.NoError(t, err)

	f.broker.SeedAccount(domain.BrokerAccount{
		PortfolioValue: dec("120000"),
		Cash:           dec("30000"),
		BuyingPower:    dec("60000"),
		Positions: []domain.BrokerPosition{{
			Symbol:        "NVDA",
			Quantity:      dec("100"),
			AvgEntryPrice: dec("800"),
			CurrentPrice:  dec("875.10"),
			MarketValue:   dec("87510"),
			Sector:        "Technology",
			AssetType:     "stock",
		}},
	})

	report := f.syn.RunPass(context.Background())
	assert.Equal(t, 1, report.Synced)

	pf, err := f.store.Portfolios.GetPortfolio(f.pfID)
	require.NoError(t, err)
	assert.True(t, pf.TotalValue.Equal(dec("120000")))
	assert.True(t, pf.CashBalance.Equal(dec("30000")))

	pos, err := f.store.Positions.GetPositionBySymbol(f.pfID, "NVDA")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(dec("100")))
	assert.True(t, pos.MarketValue.Equal(dec("87510")))
	assert.Equal(t, "Technology", pos.Sector)
}

func TestPassSkipsFreshPortfolioWithoutPending(t *testing.T) {
	f := newSyncFixture(t)

	report := f.syn.RunPass(context.Background())
	assert.Equal(t, 0, report.Synced)
	assert.Equal(t, 0, report.Failed)
}

func TestPassIsolatesBrokerFailure(t *testing.T) {
	f := newSyncFixture(t)

	// Second user whose portfolio is also stale.
	other := &domain.User{Email: "other@example.com"}
	_, err := f.store.Users.CreateUser(other)
	require.NoError(t, err)
	otherPf := &domain.Portfolio{UserID: other.ID, IsPrimary: true,
		TotalValue: dec("5000"), CashBalance: dec("5000")}
	_, err = f.store.Portfolios.CreatePortfolio(otherPf)
	require.NoError(t, err)

	_, err = f.store.DB().Exec(
		`UPDATE portfolios SET updated_at = ?`,
		time.Now().UTC().Add(-2*time.Hour).Format(time.RFC3339),
	)
	require.NoError(t, err)

	// First snapshot call fails; the second portfolio still reconciles.
	f.broker.FailNext(assert.AnError)

	report := f.syn.RunPass(context.Background())
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Synced)
}

func TestPassSingleFlight(t *testing.T) {
	f := newSyncFixture(t)
	require.True(t, f.syn.inFlight.CompareAndSwap(false, true))
	defer f.syn.inFlight.Store(false)

	report := f.syn.RunPass(context.Background())
	assert.True(t, report.Skipped)
}

func TestPassEmitsSyncCompleted(t *testing.T) {
	f := newSyncFixture(t)

	var got *events.SyncCompletedData
	f.bus.Subscribe(events.SyncCompleted, func(ev *events.Event) {
		got = ev.Data.(*events.SyncCompletedData)
	})

	f.seedPendingWithOrder(t, "AAPL", dec("5"))
	f.syn.RunPass(context.Background())

	require.NotNil(t, got)
	assert.Equal(t, 1, got.Portfolios)
	assert.Equal(t, 0, got.Failed)
	assert.NotEmpty(t, got.Phase)
}
