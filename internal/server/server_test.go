package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/config"
	"perp-gateway/internal/market"
	"perp-gateway/internal/order"
	"perp-gateway/internal/task"
	"perp-gateway/internal/venue"
)

// stubVenue 同时充当编排器的下单网关与只读端点的数据源。
type stubVenue struct {
	mu         sync.Mutex
	placeCalls int
	positions  []venue.Position
}

func (v *stubVenue) GetMarket(ctx context.Context, name string) (venue.MarketInfo, error) {
	return venue.MarketInfo{
		Name:      name,
		MarkPrice: decimal.RequireFromString("50000"),
		Precision: venue.Precision{
			Tick:    decimal.RequireFromString("0.1"),
			Step:    decimal.RequireFromString("0.001"),
			MinSize: decimal.RequireFromString("0.001"),
		},
	}, nil
}

func (v *stubVenue) PlaceOrder(ctx context.Context, req venue.PlaceRequest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeCalls++
	return "abc", nil
}

func (v *stubVenue) GetOpenOrders(ctx context.Context, f venue.OrderFilter) ([]venue.Order, error) {
	return nil, nil
}

func (v *stubVenue) GetOrderHistory(ctx context.Context, f venue.OrderFilter) ([]venue.Order, error) {
	return nil, nil
}

func (v *stubVenue) GetPositions(ctx context.Context, f venue.PositionFilter) ([]venue.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions, nil
}

func (v *stubVenue) GetBalance(ctx context.Context) (venue.Balance, error) {
	return venue.Balance{Total: decimal.RequireFromString("1000")}, nil
}

func (v *stubVenue) CancelOrder(ctx context.Context, externalID string) error { return nil }

func (v *stubVenue) SetLeverage(ctx context.Context, market string, leverage decimal.Decimal) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *stubVenue) {
	t.Helper()

	stub := &stubVenue{}
	registry := task.NewRegistry()
	resolver := market.NewResolver(stub, 30*time.Second, nil)

	opts := config.OrdersConfig{
		RetryAttempts:       3,
		RetryDelay:          5 * time.Millisecond,
		PlaceTimeout:        time.Second,
		CloseTimeout:        time.Second,
		SettleDelay:         time.Millisecond,
		PollInterval:        5 * time.Millisecond,
		CloseConfirmTimeout: 100 * time.Millisecond,
		CloseSlippagePct:    "2.0",
		DustSize:            "0.001",
	}
	orders, err := order.NewService(stub, resolver, registry, opts, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	t.Cleanup(orders.Shutdown)

	srv := New(config.ServerConfig{
		Port:          5000,
		QueryTimeout:  time.Second,
		LookupTimeout: time.Second,
	}, orders, registry, stub, resolver, nil, nil, nil)
	return srv, stub
}

func doJSON(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var payload map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
			t.Fatalf("response is not JSON: %v (%s)", err, w.Body.String())
		}
	}
	return w, payload
}

func TestServer_PlaceLimitAcceptedAndObservable(t *testing.T) {
	srv, _ := newTestServer(t)

	w, payload := doJSON(t, srv, http.MethodPost, "/order",
		`{"market":"BTC-USD","side":"BUY","size":"0.05","offset_pct":"0.01"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", w.Code, w.Body.String())
	}
	token, _ := payload["external_id"].(string)
	if token == "" {
		t.Fatal("expected external_id in response")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		w, payload = doJSON(t, srv, http.MethodGet, "/order/status/"+token, "")
		if w.Code != http.StatusOK {
			t.Fatalf("status endpoint = %d", w.Code)
		}
		if payload["status"] == "placed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never reached placed, last payload: %v", payload)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if payload["order_id"] != "abc" {
		t.Errorf("order_id = %v, want abc", payload["order_id"])
	}
}

func TestServer_StatusUnknownTokenIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	w, _ := doJSON(t, srv, http.MethodGet, "/order/status/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestServer_BadIntentIs400(t *testing.T) {
	srv, stub := newTestServer(t)

	w, _ := doJSON(t, srv, http.MethodPost, "/order",
		`{"market":"BTC-USD","side":"HOLD","size":"0.05"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.placeCalls != 0 {
		t.Errorf("place calls = %d, want 0", stub.placeCalls)
	}
}

func TestServer_KillTerminalTaskReportsFalse(t *testing.T) {
	srv, _ := newTestServer(t)

	_, payload := doJSON(t, srv, http.MethodPost, "/order",
		`{"market":"BTC-USD","side":"BUY","size":"0.05","offset_pct":"0.01","external_id":"kill-me"}`)
	if payload["external_id"] != "kill-me" {
		t.Fatalf("unexpected token: %v", payload["external_id"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, ok := srv.registry.Get("kill-me")
		if ok && rec.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never terminal")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w, payload := doJSON(t, srv, http.MethodPost, "/order/kill/kill-me", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if payload["cancelled"] != false {
		t.Errorf("cancelled = %v, want false for terminal task", payload["cancelled"])
	}

	w, _ = doJSON(t, srv, http.MethodPost, "/order/kill/unknown", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("kill unknown = %d, want 404", w.Code)
	}
}

func TestServer_MarketEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	w, payload := doJSON(t, srv, http.MethodGet, "/market/price/BTC-USD", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if payload["mark_price"] != "50000" {
		t.Errorf("mark_price = %v, want 50000", payload["mark_price"])
	}

	w, payload = doJSON(t, srv, http.MethodGet, "/market/info/BTC-USD", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if payload["tick_size"] != "0.1" || payload["step_size"] != "0.001" {
		t.Errorf("unexpected precision payload: %v", payload)
	}
}

func TestServer_HealthAndBalance(t *testing.T) {
	srv, _ := newTestServer(t)

	w, payload := doJSON(t, srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || payload["status"] != "ok" {
		t.Errorf("health = %d %v", w.Code, payload)
	}

	w, _ = doJSON(t, srv, http.MethodGet, "/balance", "")
	if w.Code != http.StatusOK {
		t.Errorf("balance = %d, want 200", w.Code)
	}
}
