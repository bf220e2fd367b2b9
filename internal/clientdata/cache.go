// Package clientdata caches external market data in the core database
// so repeated compliance checks and portfolio refreshes do not hammer
// the broker API. Rows are keyed on (symbol, as_of); the latest row per
// symbol is the cache entry, older rows are the price history.
package clientdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
)

// TTL constants for cached market data.
const (
	// TTLQuote bounds how stale a cached quote may be before the broker
	// is asked again. Matches the market-hours sync cadence.
	TTLQuote = 5 * time.Minute

	// TTLQuoteOffHours relaxes the bound when markets are closed and
	// prices cannot move.
	TTLQuoteOffHours = 2 * time.Hour

	// RetentionWindow is how much price history the cleanup keeps.
	RetentionWindow = 90 * 24 * time.Hour
)

// quoteRecord is the msgpack payload stored next to the indexed columns.
// It carries the fields the indexed columns cannot, and survives schema
// growth without a migration.
type quoteRecord struct {
	Symbol string `msgpack:"symbol"`
	Price  string `msgpack:"price"`
	AsOf   int64  `msgpack:"as_of"`
	Source string `msgpack:"source,omitempty"`
}

// Cache is the persistent quote cache over the market_data table.
type Cache struct {
	db  *database.DB
	log zerolog.Logger
}

// NewCache creates a quote cache on the core database.
func NewCache(db *database.DB, log zerolog.Logger) *Cache {
	return &Cache{db: db, log: log.With().Str("repo", "quote_cache").Logger()}
}

// Put stores a quote. Writing the same (symbol, as_of) twice is a no-op
// replace, so sync retries are safe.
func (c *Cache) Put(quote domain.Quote, source string) error {
	payload, err := msgpack.Marshal(quoteRecord{
		Symbol: quote.Symbol,
		Price:  quote.Price.String(),
		AsOf:   quote.AsOf.Unix(),
		Source: source,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to encode quote: %v", domain.ErrStore, err)
	}

	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO market_data (symbol, price, as_of, payload) VALUES (?, ?, ?, ?)`,
		quote.Symbol, quote.Price.String(), quote.AsOf.UTC().Format(time.RFC3339), payload,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to cache quote: %v", domain.ErrStore, err)
	}
	return nil
}

// GetFresh returns the newest cached quote for a symbol when it is
// younger than ttl, or ErrNotFound when missing or stale.
func (c *Cache) GetFresh(symbol string, ttl time.Duration) (*domain.Quote, error) {
	quote, err := c.GetLatest(symbol)
	if err != nil {
		return nil, err
	}
	if time.Since(quote.AsOf) > ttl {
		return nil, fmt.Errorf("%w: quote for %s is stale", domain.ErrNotFound, symbol)
	}
	return quote, nil
}

// GetLatest returns the newest cached quote regardless of age. Stale
// data beats no data when the broker is unreachable.
func (c *Cache) GetLatest(symbol string) (*domain.Quote, error) {
	var priceText, asOfText string
	var payload []byte
	err := c.db.QueryRow(
		`SELECT price, as_of, payload FROM market_data WHERE symbol = ? ORDER BY as_of DESC LIMIT 1`,
		symbol,
	).Scan(&priceText, &asOfText, &payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no cached quote for %s", domain.ErrNotFound, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read quote cache: %v", domain.ErrStore, err)
	}

	quote := &domain.Quote{Symbol: symbol}
	if len(payload) > 0 {
		var rec quoteRecord
		if err := msgpack.Unmarshal(payload, &rec); err == nil {
			quote.Price, _ = decimal.NewFromString(rec.Price)
			quote.AsOf = time.Unix(rec.AsOf, 0).UTC()
			return quote, nil
		}
		// Fall through to the indexed columns on a corrupt payload.
	}
	quote.Price, _ = decimal.NewFromString(priceText)
	quote.AsOf, _ = time.Parse(time.RFC3339, asOfText)
	return quote, nil
}

// History returns cached quotes for a symbol since the cutoff, oldest
// first, for the analytics trend calculations.
func (c *Cache) History(symbol string, since time.Time) ([]domain.Quote, error) {
	rows, err := c.db.Query(
		`SELECT price, as_of FROM market_data WHERE symbol = ? AND as_of >= ? ORDER BY as_of ASC`,
		symbol, since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read price history: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var quotes []domain.Quote
	for rows.Next() {
		var priceText, asOfText string
		if err := rows.Scan(&priceText, &asOfText); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStore, err)
		}
		q := domain.Quote{Symbol: symbol}
		q.Price, _ = decimal.NewFromString(priceText)
		q.AsOf, _ = time.Parse(time.RFC3339, asOfText)
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}

// DeleteOlderThan trims price history before the cutoff and returns the
// number of rows removed. The newest row per symbol is kept so the
// stale-fallback path always has something to serve.
func (c *Cache) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res, err := c.db.Exec(
		`DELETE FROM market_data WHERE as_of < ? AND as_of NOT IN
		 (SELECT MAX(as_of) FROM market_data md WHERE md.symbol = market_data.symbol)`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to trim price history: %v", domain.ErrStore, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStore, err)
	}
	return deleted, nil
}
