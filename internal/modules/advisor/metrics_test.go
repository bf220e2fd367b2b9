package advisor

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/advisor/internal/clientdata"
	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
	"github.com/meridianhq/advisor/internal/modules/portfolio"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) (*Service, *portfolio.Store, *clientdata.Cache, string) {
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
	user := &domain.User{Email: "m@example.com"}
	_, err = store.Users.CreateUser(user)
	require.NoError(t, err)
	pf := &domain.Portfolio{
		UserID: user.ID, IsPrimary: true,
		TotalValue: dec("10000"), CashBalance: dec("2000"),
	}
	_, err = store.Portfolios.CreatePortfolio(pf)
	require.NoError(t, err)

	cache := clientdata.NewCache(db, zerolog.Nop())
	return NewService(store, cache, zerolog.Nop()), store, cache, pf.ID
}

func seedPosition(t *testing.T, store *portfolio.Store, pfID, symbol, sector, value string) {
	t.Helper()
	require.NoError(t, store.Positions.UpsertPosition(&domain.Position{
		PortfolioID: pfID, Symbol: symbol, Sector: sector,
		Quantity: dec("10"), AverageCost: dec("100"),
		CurrentPrice: dec("110"), MarketValue: dec(value),
	}))
}

func TestPortfolioMetricsBasics(t *testing.T) {
	svc, store, _, pfID := newFixture(t)
	seedPosition(t, store, pfID, "MSFT", "Technology", "5000")
	seedPosition(t, store, pfID, "JNJ", "Healthcare", "3000")

	metrics, err := svc.PortfolioMetrics(pfID)
	require.NoError(t, err)

	assert.Equal(t, 2, metrics.PositionCount)
	assert.InDelta(t, 0.20, metrics.CashWeight, 1e-9)
	assert.InDelta(t, 0.50, metrics.SectorAllocations["Technology"], 1e-9)
	assert.InDelta(t, 0.30, metrics.SectorAllocations["Healthcare"], 1e-9)
	assert.InDelta(t, 0.50, metrics.TopHoldingWeight, 1e-9)

	// HHI over invested capital: (5/8)^2 + (3/8)^2.
	assert.InDelta(t, 0.390625+0.140625, metrics.ConcentrationHHI, 1e-9)

	// Holdings come back largest first.
	require.Len(t, metrics.Holdings, 2)
	assert.Equal(t, "MSFT", metrics.Holdings[0].Symbol)
	assert.InDelta(t, 0.10, metrics.Holdings[0].GainPct, 1e-9)
}

func TestSingleHoldingHHI(t *testing.T) {
	svc, store, _, pfID := newFixture(t)
	seedPosition(t, store, pfID, "NVDA", "Technology", "8000")

	metrics, err := svc.PortfolioMetrics(pfID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, metrics.ConcentrationHHI, 1e-9)
}

func TestHistoryMetrics(t *testing.T) {
	svc, store, cache, pfID := newFixture(t)
	seedPosition(t, store, pfID, "SPY", "Index", "8000")

	// 25 daily closes drifting upward give the SMA something to chew on.
	base := time.Now().Add(-30 * 24 * time.Hour)
	for i := 0; i < 25; i++ {
		price := decimal.NewFromInt(500).Add(decimal.NewFromInt(int64(i)))
		require.NoError(t, cache.Put(domain.Quote{
			Symbol: "SPY", Price: price,
			AsOf: base.Add(time.Duration(i) * 24 * time.Hour).UTC(),
		}, "test"))
	}

	metrics, err := svc.PortfolioMetrics(pfID)
	require.NoError(t, err)

	require.Contains(t, metrics.DailyVolatility, "SPY")
	assert.Greater(t, metrics.DailyVolatility["SPY"], 0.0)

	require.Len(t, metrics.Trends, 1)
	trend := metrics.Trends[0]
	assert.Equal(t, "SPY", trend.Symbol)
	// Monotonically rising closes sit above their trailing average.
	assert.True(t, trend.AboveSMA)
	assert.Greater(t, trend.LastPrice, trend.SMA)
}

func TestDescribeMentionsHoldings(t *testing.T) {
	svc, store, _, pfID := newFixture(t)
	seedPosition(t, store, pfID, "MSFT", "Technology", "5000")

	metrics, err := svc.PortfolioMetrics(pfID)
	require.NoError(t, err)
	text := svc.Describe(metrics)
	assert.Contains(t, text, "MSFT")
	assert.Contains(t, text, "Technology")
	assert.Contains(t, text, "1 positions")
}
