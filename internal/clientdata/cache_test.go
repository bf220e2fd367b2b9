package clientdata

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		Profile: database.ProfileCache,
		Name:    "core",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return NewCache(db, zerolog.Nop())
}

func quote(symbol, price string, age time.Duration) domain.Quote {
	p, _ := decimal.NewFromString(price)
	return domain.Quote{Symbol: symbol, Price: p, AsOf: time.Now().Add(-age).UTC().Truncate(time.Second)}
}

func TestPutAndGetFresh(t *testing.T) {
	cache := newTestCache(t)
	q := quote("AAPL", "185.50", time.Minute)
	require.NoError(t, cache.Put(q, "alpaca"))

	got, err := cache.GetFresh("AAPL", TTLQuote)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(q.Price))
	assert.WithinDuration(t, q.AsOf, got.AsOf, time.Second)
}

func TestGetFreshRejectsStale(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.Put(quote("MSFT", "401.25", 20*time.Minute), "alpaca"))

	_, err := cache.GetFresh("MSFT", TTLQuote)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// The stale row is still reachable as a fallback.
	got, err := cache.GetLatest("MSFT")
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("401.25")))
}

func TestGetLatestPicksNewestRow(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.Put(quote("NVDA", "870.00", time.Hour), "alpaca"))
	require.NoError(t, cache.Put(quote("NVDA", "875.10", time.Minute), "alpaca"))

	got, err := cache.GetLatest("NVDA")
	require.NoError(t, err)
	assert.Equal(t, "875.1", got.Price.String())
}

func TestGetLatestMissingSymbol(t *testing.T) {
	cache := newTestCache(t)
	_, err := cache.GetLatest("ZZZZ")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHistoryOrderAndWindow(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.Put(quote("SPY", "500.00", 72*time.Hour), "alpaca"))
	require.NoError(t, cache.Put(quote("SPY", "508.00", 24*time.Hour), "alpaca"))
	require.NoError(t, cache.Put(quote("SPY", "512.30", time.Minute), "alpaca"))

	history, err := cache.History("SPY", time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "508", history[0].Price.String())
	assert.Equal(t, "512.3", history[1].Price.String())
}

func TestDeleteOlderThanKeepsNewestPerSymbol(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.Put(quote("TSLA", "240.00", 100*24*time.Hour), "alpaca"))
	require.NoError(t, cache.Put(quote("TSLA", "248.75", 95*24*time.Hour), "alpaca"))

	deleted, err := cache.DeleteOlderThan(time.Now().Add(-RetentionWindow))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// The newest row survives even though it is older than the cutoff.
	got, err := cache.GetLatest("TSLA")
	require.NoError(t, err)
	assert.Equal(t, "248.75", got.Price.String())
}
