package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCTrader(t *testing.T, handler http.Handler) *CTrader {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewCTrader(CTraderConfig{
		BaseURL:           srv.URL,
		AccessToken:       "test-token",
		AccountID:         "12345",
		RequestsPerSecond: 1000,
	})
	require.NoError(t, err)
	return c
}

func TestCTraderPlaceOrder(t *testing.T) {
	var got ctraderOrderPayload
	c := newTestCTrader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/orders", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"orderId":"987654"}`))
	}))

	res, err := c.PlaceOrder(context.Background(), OrderRequest{
		Instrument: "XAUUSD",
		Direction:  "long",
		Size:       0.5,
		StopLoss:   2340,
		TakeProfit: 2380,
		ClientRef:  "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, "987654", res.BrokerOrderID)
	assert.Equal(t, OrderWorking, res.State)

	assert.Equal(t, "12345", got.AccountID)
	assert.Equal(t, "XAUUSD", got.SymbolName)
	assert.Equal(t, "BUY", got.TradeSide)
	// 0.5 lot 黄金 = 50 units
	assert.Equal(t, int64(50), got.Volume)
	assert.Equal(t, "MARKET", got.OrderType)
	assert.Equal(t, "abc123", got.Label)
	assert.InDelta(t, 2340.0, got.StopLoss, 1e-9)
}

func TestCTraderPlaceOrderShortLimit(t *testing.T) {
	var got ctraderOrderPayload
	c := newTestCTrader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"orderId":"1"}`))
	}))

	_, err := c.PlaceOrder(context.Background(), OrderRequest{
		Instrument: "EURUSD",
		Direction:  "short",
		Size:       0.1,
		EntryPrice: 1.0850,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELL", got.TradeSide)
	assert.Equal(t, "LIMIT", got.OrderType)
	assert.InDelta(t, 1.0850, got.LimitPrice, 1e-9)
	// 0.1 lot 外汇 = 10000 units
	assert.Equal(t, int64(10000), got.Volume)
}

func TestCTraderDefinitiveRejection(t *testing.T) {
	c := newTestCTrader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"TRADING_BAD_VOLUME"}`))
	}))

	_, err := c.PlaceOrder(context.Background(), OrderRequest{Instrument: "XAUUSD", Direction: "long", Size: 0.5})
	require.Error(t, err)
	assert.True(t, IsDefinitive(err))

	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusBadRequest, be.StatusCode)
	assert.Contains(t, be.Message, "TRADING_BAD_VOLUME")
}

func TestCTraderTransientFailure(t *testing.T) {
	c := newTestCTrader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.PlaceOrder(context.Background(), OrderRequest{Instrument: "XAUUSD", Direction: "long", Size: 0.5})
	require.Error(t, err)
	assert.False(t, IsDefinitive(err), "5xx 应判定为可重试")
}

func TestCTraderAccountEquity(t *testing.T) {
	c := newTestCTrader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/accounts/12345", r.URL.Path)
		w.Write([]byte(`{"balance":10250.75,"currency":"USD"}`))
	}))

	equity, err := c.AccountEquity(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10250.75, equity, 1e-9)
}

func TestCTraderOrderStatus(t *testing.T) {
	cases := map[string]OrderState{
		`{"orderStatus":"FILLED"}`:   OrderFilled,
		`{"orderStatus":"REJECTED"}`: OrderRejected,
		`{"status":"ACCEPTED"}`:      OrderWorking,
		`{"status":"WEIRD"}`:         OrderUnknown,
	}
	for payload, want := range cases {
		body := payload
		c := newTestCTrader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		state, err := c.OrderStatus(context.Background(), "42")
		require.NoError(t, err)
		assert.Equal(t, want, state, payload)
	}
}

func TestUnitsPerLot(t *testing.T) {
	assert.InDelta(t, 100.0, unitsPerLot("XAUUSD"), 1e-9)
	assert.InDelta(t, 100000.0, unitsPerLot("EURUSD"), 1e-9)
	assert.InDelta(t, 1.0, unitsPerLot("BTCUSD"), 1e-9)
}
