package alpaca

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/advisor/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient("key", "secret", true, zerolog.Nop())
	client.tradingURL = server.URL
	client.dataURL = server.URL
	return client
}

func TestAccountSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/account", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"portfolio_value": "105000.50",
			"cash":            "25000.25",
			"buying_power":    "50000.50",
			"status":          "ACTIVE",
		})
	})
	mux.HandleFunc("/v2/positions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{{
			"symbol":          "AAPL",
			"qty":             "10",
			"avg_entry_price": "180.00",
			"current_price":   "185.50",
			"market_value":    "1855.00",
			"asset_class":     "us_equity",
		}})
	})

	client := newTestClient(t, mux)
	snapshot, err := client.AccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "105000.5", snapshot.PortfolioValue.String())
	require.Len(t, snapshot.Positions, 1)
	assert.Equal(t, "AAPL", snapshot.Positions[0].Symbol)
	assert.Equal(t, "stock", snapshot.Positions[0].AssetType)
}

func TestGetPrice(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/stocks/MSFT/trades/latest", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbol":"MSFT","trade":{"p":401.25,"t":"2026-08-25T14:30:00Z"}}`))
	})

	client := newTestClient(t, mux)
	quote, err := client.GetPrice(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, "401.25", quote.Price.String())
	assert.Equal(t, 2026, quote.AsOf.Year())
}

func TestPlaceOrderMapsStatuses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/orders", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "NVDA", body["symbol"])
		assert.Equal(t, "buy", body["side"])
		assert.Equal(t, "4", body["qty"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":           "ord-1",
			"symbol":       "NVDA",
			"side":         "buy",
			"qty":          "4",
			"status":       "new",
			"filled_qty":   "0",
			"submitted_at": "2026-08-25T14:30:00Z",
		})
	})

	client := newTestClient(t, mux)
	order, err := client.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:    "NVDA",
		Side:      domain.SideBuy,
		Quantity:  decimal.NewFromInt(4),
		OrderType: domain.OrderMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", order.OrderID)
	assert.Equal(t, domain.BrokerOrderAccepted, order.Status)
}

func TestPlaceOrderValidatesBeforeHTTP(t *testing.T) {
	client := NewClient("key", "secret", true, zerolog.Nop())
	_, err := client.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:    "AAPL",
		Side:      domain.SideBuy,
		Quantity:  decimal.NewFromInt(1),
		OrderType: domain.OrderLimit, // missing limit price
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestAPIErrorSurfacesMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/orders/ord-404", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":40410000,"message":"order not found"}`))
	})

	client := newTestClient(t, mux)
	_, err := client.GetOrderStatus(context.Background(), "ord-404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order not found")
}

func TestHealthCheckRejectsInactiveAccount(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/account", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ACCOUNT_BLOCKED"})
	})

	client := newTestClient(t, mux)
	err := client.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ACCOUNT_BLOCKED")
}

func TestResolveSymbol(t *testing.T) {
	client := NewClient("", "", true, zerolog.Nop())
	cases := map[string]string{
		"apple":  "AAPL",
		"Apple":  "AAPL",
		"nvidia": "NVDA",
		"msft":   "MSFT",
		"zztop":  "ZZTOP",
	}
	for input, want := range cases {
		got, err := client.ResolveSymbol(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, want, got, input)
	}
}
