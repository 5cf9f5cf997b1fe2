package routes

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmevawala/compound-clone/config"
	"github.com/cmevawala/compound-clone/core"
	"github.com/cmevawala/compound-clone/gateway/middleware"
	"github.com/cmevawala/compound-clone/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		AdminAccount: "admin",
		Markets: []config.MarketConfig{
			{Symbol: "ETH", InitialExchangeRate: "0.02", ReserveFactor: "0.2", CollateralFactor: "0.75", BaseRate: "0.02", Multiplier: "0.3"},
			{Symbol: "DAI", InitialExchangeRate: "0.02", ReserveFactor: "0.2", CollateralFactor: "0", BaseRate: "0.02", Multiplier: "0.3"},
		},
		Prices: map[string]string{"ETH": "2000", "DAI": "1"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node, err := core.NewNode(storage.NewMemDB(), cfg, logger)
	require.NoError(t, err)

	handler := New(Config{Node: node, Logger: logger})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func post(t *testing.T, server *httptest.Server, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, server *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

const oneUnderlying = "1000000000000000000"

func TestHealthz(t *testing.T) {
	server := newTestServer(t)
	resp := get(t, server, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))
}

func TestListMarkets(t *testing.T) {
	server := newTestServer(t)
	resp := get(t, server, "/v1/lending/markets")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var markets []core.MarketStats
	decodeBody(t, resp, &markets)
	require.Len(t, markets, 2)
	require.Equal(t, "ETH", markets[0].Symbol)
	require.Equal(t, "DAI", markets[1].Symbol)
}

func TestGetMarketNotFound(t *testing.T) {
	server := newTestServer(t)
	resp := get(t, server, "/v1/lending/markets/USDC")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSupplyFlow(t *testing.T) {
	server := newTestServer(t)

	resp := post(t, server, "/v1/lending/faucet", map[string]string{
		"caller": "admin", "account": "alice", "symbol": "ETH", "amount": oneUnderlying,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, server, "/v1/lending/approve", map[string]string{
		"account": "alice", "symbol": "ETH", "amount": oneUnderlying,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, server, "/v1/lending/supply", map[string]string{
		"account": "alice", "symbol": "ETH", "amount": oneUnderlying,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]json.Number
	decodeBody(t, resp, &out)
	require.Equal(t, "50000000000000000000", out["shares"].String())
}

func TestFaucetForbiddenForNonAdmin(t *testing.T) {
	server := newTestServer(t)
	resp := post(t, server, "/v1/lending/faucet", map[string]string{
		"caller": "mallory", "account": "mallory", "symbol": "ETH", "amount": oneUnderlying,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSupplyWithoutApprovalIsRejected(t *testing.T) {
	server := newTestServer(t)
	resp := post(t, server, "/v1/lending/faucet", map[string]string{
		"caller": "admin", "account": "alice", "symbol": "ETH", "amount": oneUnderlying,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, server, "/v1/lending/supply", map[string]string{
		"account": "alice", "symbol": "ETH", "amount": oneUnderlying,
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestMalformedAmount(t *testing.T) {
	server := newTestServer(t)
	resp := post(t, server, "/v1/lending/supply", map[string]string{
		"account": "alice", "symbol": "ETH", "amount": "one",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnterMarketsAndLiquidity(t *testing.T) {
	server := newTestServer(t)

	for _, step := range []struct {
		path    string
		payload map[string]string
	}{
		{"/v1/lending/faucet", map[string]string{"caller": "admin", "account": "alice", "symbol": "ETH", "amount": oneUnderlying}},
		{"/v1/lending/approve", map[string]string{"account": "alice", "symbol": "ETH", "amount": oneUnderlying}},
		{"/v1/lending/supply", map[string]string{"account": "alice", "symbol": "ETH", "amount": oneUnderlying}},
	} {
		resp := post(t, server, step.path, step.payload)
		require.Equal(t, http.StatusOK, resp.StatusCode, step.path)
	}

	resp := post(t, server, "/v1/lending/enter-markets", map[string]any{
		"account": "alice", "symbols": []string{"ETH"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entered map[string][]string
	decodeBody(t, resp, &entered)
	require.Equal(t, []string{"ETH"}, entered["entered"])

	resp = get(t, server, "/v1/lending/accounts/alice/liquidity")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var liquidity map[string]json.Number
	decodeBody(t, resp, &liquidity)
	require.Equal(t, "1500000000000000000000", liquidity["liquidity"].String())

	// Redeeming entered collateral is refused.
	resp = post(t, server, "/v1/lending/withdraw", map[string]string{
		"account": "alice", "symbol": "ETH", "amount": "50000000000000000000",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRatesEndpoint(t *testing.T) {
	server := newTestServer(t)
	resp := get(t, server, "/v1/lending/markets/DAI/rates")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]json.Number
	decodeBody(t, resp, &out)
	// Empty market: borrowers pay the base rate, suppliers earn nothing.
	require.Equal(t, "9512937595", out["borrowRatePerBlock"].String())
	require.Equal(t, "0", out["supplyRatePerBlock"].String())
}

func TestPositions(t *testing.T) {
	server := newTestServer(t)
	resp := get(t, server, "/v1/lending/accounts/alice/positions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var positions []positionResponse
	decodeBody(t, resp, &positions)
	require.Len(t, positions, 2)
	for _, p := range positions {
		require.Zero(t, p.Shares.Sign())
		require.Zero(t, p.BorrowBalance.Sign())
	}
}

func TestRateLimiter(t *testing.T) {
	server := newTestServerWithLimit(t, 1)
	first := get(t, server, "/v1/lending/markets")
	require.Equal(t, http.StatusOK, first.StatusCode)
	second := get(t, server, "/v1/lending/markets")
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	// Health endpoint stays outside the limited group.
	health := get(t, server, "/healthz")
	require.Equal(t, http.StatusOK, health.StatusCode)
}

func newTestServerWithLimit(t *testing.T, burst int) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		AdminAccount: "admin",
		Markets: []config.MarketConfig{
			{Symbol: "ETH", InitialExchangeRate: "0.02", ReserveFactor: "0.2", CollateralFactor: "0.75", BaseRate: "0.02", Multiplier: "0.3"},
		},
		Prices: map[string]string{"ETH": "2000"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node, err := core.NewNode(storage.NewMemDB(), cfg, logger)
	require.NoError(t, err)

	limiter := middleware.NewRateLimiter(middleware.RateLimit{RequestsPerSecond: 0.001, Burst: burst}, logger)
	handler := New(Config{Node: node, Logger: logger, RateLimiter: limiter})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}
