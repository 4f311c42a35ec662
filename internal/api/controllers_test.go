package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/events"
	"papertrade/internal/ledger"
	"papertrade/internal/market"
	"papertrade/internal/monitor"
	"papertrade/internal/settlement"
	"papertrade/pkg/auth"
	"papertrade/pkg/db"
)

type testEnv struct {
	server *httptest.Server
	oracle *market.StaticOracle
	bus    *events.Bus
}

func newTestAPIServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	oracle := market.NewStaticOracle(map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(100),
		"NVDA": decimal.NewFromInt(880),
	})
	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	svc := settlement.New(database.Ledger(), oracle, bus,
		settlement.WithMetrics(metrics),
		settlement.WithCatalog(market.DefaultCatalog()))

	server := NewServer(Deps{
		Settlement: svc,
		Users:      database,
		Catalog:    market.DefaultCatalog(),
		Oracle:     oracle,
		Bus:        bus,
		Metrics:    metrics,
		JWTSecret:  "test-secret",
		Meta:       SystemMeta{NodeID: "test-node", PriceSource: "static", DBDriver: "sqlite", Version: "test"},
	})

	httpServer := httptest.NewServer(server.Router)
	t.Cleanup(func() {
		httpServer.Close()
		_ = database.Close()
	})
	return &testEnv{server: httpServer, oracle: oracle, bus: bus}
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func registerAndLogin(t *testing.T, client *http.Client, baseURL, email string) string {
	t.Helper()
	var regResp struct {
		UserID string `json:"user_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, baseURL+"/api/auth/register", "", map[string]string{
		"username": "tester",
		"email":    email,
		"password": "StrongPass123!",
	}, &regResp)
	if status != http.StatusCreated {
		t.Fatalf("register status=%d resp=%+v", status, regResp)
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	status = doJSONRequest(t, client, http.MethodPost, baseURL+"/api/auth/login", "", map[string]string{
		"email":    email,
		"password": "StrongPass123!",
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	return loginResp.Token
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func TestHealth(t *testing.T) {
	env := newTestAPIServer(t)
	var resp map[string]string
	status := doJSONRequest(t, env.server.Client(), http.MethodGet, env.server.URL+"/health", "", nil, &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "test-node", resp["node_id"])
}

func TestAuth(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()
	registerAndLogin(t, client, env.server.URL, "tester@example.com")

	t.Run("duplicate email", func(t *testing.T) {
		var resp errorResponse
		status := doJSONRequest(t, client, http.MethodPost, env.server.URL+"/api/auth/register", "", map[string]string{
			"email": "Tester@Example.com", "password": "AnotherPass1",
		}, &resp)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "EMAIL_ALREADY_REGISTERED", resp.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		var resp errorResponse
		status := doJSONRequest(t, client, http.MethodPost, env.server.URL+"/api/auth/login", "", map[string]string{
			"email": "tester@example.com", "password": "nope-nope",
		}, &resp)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "INVALID_CREDENTIALS", resp.Code)
	})

	t.Run("protected route without token", func(t *testing.T) {
		var resp errorResponse
		status := doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/positions", "", nil, &resp)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "MISSING_TOKEN", resp.Code)
	})

	t.Run("not a bearer header", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/positions", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body errorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "INVALID_AUTH_HEADER", body.Code)
	})

	t.Run("forged token", func(t *testing.T) {
		forged, _, err := auth.NewTokens("other-secret", time.Hour).Issue("someone")
		require.NoError(t, err)
		var resp errorResponse
		status := doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/positions", forged, nil, &resp)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "INVALID_TOKEN", resp.Code)
	})
}

func TestOrderLifecycle(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()
	token := registerAndLogin(t, client, env.server.URL, "trader@example.com")
	base := env.server.URL + "/api"

	var account struct {
		Balance string `json:"balance"`
	}
	status := doJSONRequest(t, client, http.MethodGet, base+"/account", token, nil, &account)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "100000", account.Balance)

	var filled struct {
		Status        string `json:"status"`
		ExecutedPrice string `json:"executed_price"`
		PositionID    string `json:"position_id"`
	}
	status = doJSONRequest(t, client, http.MethodPost, base+"/orders", token, map[string]any{
		"instrument_id": "aapl",
		"side":          "buy",
		"quantity":      "10",
	}, &filled)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "FILLED", filled.Status)
	assert.Equal(t, "100", filled.ExecutedPrice)
	require.NotEmpty(t, filled.PositionID)

	var positions []struct {
		ID         string `json:"id"`
		Quantity   string `json:"quantity"`
		EntryPrice string `json:"entry_price"`
	}
	status = doJSONRequest(t, client, http.MethodGet, base+"/positions", token, nil, &positions)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, positions, 1)
	assert.Equal(t, "10", positions[0].Quantity)

	env.oracle.Set("AAPL", decimal.NewFromInt(110))
	var closed struct {
		Success     bool   `json:"success"`
		Message     string `json:"message"`
		RealizedPnL string `json:"realized_pnl"`
	}
	status = doJSONRequest(t, client, http.MethodPost, base+"/positions/"+filled.PositionID+"/close", token, nil, &closed)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, closed.Success)
	assert.Equal(t, "100", closed.RealizedPnL)

	var again struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodPost, base+"/positions/"+filled.PositionID+"/close", token, nil, &again)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, again.Success)
	assert.Equal(t, "POSITION_NOT_FOUND", again.Code)

	var trades []struct {
		Side string `json:"side"`
		PnL  string `json:"pnl"`
	}
	status = doJSONRequest(t, client, http.MethodGet, base+"/trades?limit=1", token, nil, &trades)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, trades, 1)
	assert.Equal(t, "SELL", trades[0].Side)

	var final struct {
		Balance string `json:"balance"`
		WinRate string `json:"win_rate"`
	}
	status = doJSONRequest(t, client, http.MethodGet, base+"/account", token, nil, &final)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "100100", final.Balance)
	assert.Equal(t, "50", final.WinRate)
}

func TestOrderRejections(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()
	token := registerAndLogin(t, client, env.server.URL, "rejects@example.com")
	url := env.server.URL + "/api/orders"

	cases := []struct {
		name    string
		payload map[string]any
		status  int
		code    string
	}{
		{"zero quantity", map[string]any{"instrument_id": "AAPL", "side": "BUY", "quantity": "0"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad side", map[string]any{"instrument_id": "AAPL", "side": "HOLD", "quantity": "1"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"limit without price", map[string]any{"instrument_id": "AAPL", "side": "BUY", "type": "LIMIT", "quantity": "1"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown instrument", map[string]any{"instrument_id": "NOPE", "side": "BUY", "quantity": "1"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"insufficient funds", map[string]any{"instrument_id": "NVDA", "side": "BUY", "quantity": "200"}, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"},
		{"sell without position", map[string]any{"instrument_id": "AAPL", "side": "SELL", "quantity": "1"}, http.StatusUnprocessableEntity, "NO_POSITION"},
		{"no price", map[string]any{"instrument_id": "MSFT", "side": "BUY", "quantity": "1"}, http.StatusServiceUnavailable, "PRICE_UNAVAILABLE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp errorResponse
			status := doJSONRequest(t, client, http.MethodPost, url, token, tc.payload, &resp)
			assert.Equal(t, tc.status, status, resp.Error)
			assert.Equal(t, tc.code, resp.Code)
		})
	}
}

func TestUsersAreIsolated(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()
	alice := registerAndLogin(t, client, env.server.URL, "alice@example.com")
	bob := registerAndLogin(t, client, env.server.URL, "bob@example.com")

	var filled struct {
		PositionID string `json:"position_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.server.URL+"/api/orders", alice, map[string]any{
		"instrument_id": "AAPL", "side": "BUY", "quantity": 1,
	}, &filled)
	require.Equal(t, http.StatusCreated, status)

	var resp struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodPost, env.server.URL+"/api/positions/"+filled.PositionID+"/close", bob, nil, &resp)
	assert.Equal(t, http.StatusNotFound, status)

	var positions []json.RawMessage
	status = doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/positions", bob, nil, &positions)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, positions)
}

func TestPublicMarketEndpoints(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()

	var instruments []market.Instrument
	status := doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/instruments?type=forex", "", nil, &instruments)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, instruments)
	for _, inst := range instruments {
		assert.Equal(t, market.TypeForex, inst.Type)
	}

	var quote struct {
		Price  string `json:"price"`
		Source string `json:"source"`
	}
	status = doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/prices/aapl", "", nil, &quote)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "100", quote.Price)

	var resp errorResponse
	status = doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/prices/NOPE", "", nil, &resp)
	assert.Equal(t, http.StatusNotFound, status)

	resp2, err := client.Get(env.server.URL + "/api/system/metrics/prom")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp2.Body)
	assert.Contains(t, buf.String(), "papertrade_api_requests_total")
}

func TestWebsocketPushesLedgerChanges(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()
	token := registerAndLogin(t, client, env.server.URL, "ws@example.com")

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	userID, err := auth.NewTokens("test-secret", 0).Verify(token)
	require.NoError(t, err)
	// The handler subscribes after the upgrade; wait until it is listening.
	require.Eventually(t, func() bool {
		return env.bus.Subscribers(events.UserTopic(userID)) > 0
	}, time.Second, 5*time.Millisecond)

	status := doJSONRequest(t, client, http.MethodPost, env.server.URL+"/api/orders", token, map[string]any{
		"instrument_id": "AAPL", "side": "BUY", "quantity": "2",
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Kind string `json:"kind"`
		Data struct {
			Action  string `json:"action"`
			Account struct {
				Balance string `json:"balance"`
			} `json:"account"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, string(events.KindPositionChanged), frame.Kind)
	assert.Equal(t, "opened", frame.Data.Action)
	assert.Equal(t, "99800", frame.Data.Account.Balance)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	env := newTestAPIServer(t)
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestErrorStatusMapping(t *testing.T) {
	status, code := errorStatus(ledger.ErrPersistenceConflict)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONFLICT", code)

	status, code = errorStatus(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL", code)
}
