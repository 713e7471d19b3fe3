package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/config"
	"perp-gateway/internal/task"
	"perp-gateway/internal/venue"
)

type transportErr struct{}

func (transportErr) Error() string   { return "connection reset by peer" }
func (transportErr) Timeout() bool   { return true }
func (transportErr) Temporary() bool { return true }

type duplicateErr struct{}

func (duplicateErr) Error() string { return "order already placed" }

type placeResult struct {
	id  string
	err error
}

type stubGateway struct {
	mu           sync.Mutex
	placeResults []placeResult
	placeCalls   int
	placeReqs    []venue.PlaceRequest

	openOrders []venue.Order
	openCalls  int
	history    []venue.Order
	positions  []venue.Position
	posCalls   int
}

func (g *stubGateway) PlaceOrder(ctx context.Context, req venue.PlaceRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placeCalls++
	g.placeReqs = append(g.placeReqs, req)

	idx := g.placeCalls - 1
	if idx >= len(g.placeResults) {
		idx = len(g.placeResults) - 1
	}
	if idx < 0 {
		return "", nil
	}
	r := g.placeResults[idx]
	return r.id, r.err
}

func (g *stubGateway) GetOpenOrders(ctx context.Context, filter venue.OrderFilter) ([]venue.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openCalls++
	return g.openOrders, nil
}

func (g *stubGateway) GetOrderHistory(ctx context.Context, filter venue.OrderFilter) ([]venue.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.history, nil
}

func (g *stubGateway) GetPositions(ctx context.Context, filter venue.PositionFilter) ([]venue.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.posCalls++
	return g.positions, nil
}

func (g *stubGateway) snapshot() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.placeCalls, g.posCalls
}

type stubMarkets struct {
	info venue.MarketInfo
}

func (m *stubMarkets) Info(ctx context.Context, market string) (venue.MarketInfo, error) {
	return m.info, nil
}

func testOpts() config.OrdersConfig {
	return config.OrdersConfig{
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
}

func btcMarkets() *stubMarkets {
	return &stubMarkets{info: venue.MarketInfo{
		Name:      "BTC-USD",
		MarkPrice: decimal.RequireFromString("50000"),
		Precision: venue.Precision{
			Tick:    decimal.RequireFromString("0.1"),
			Step:    decimal.RequireFromString("0.001"),
			MinSize: decimal.RequireFromString("0.001"),
		},
	}}
}

func newTestService(t *testing.T, gateway *stubGateway) *Service {
	t.Helper()
	svc, err := NewService(gateway, btcMarkets(), task.NewRegistry(), testOpts(), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	t.Cleanup(svc.Shutdown)
	return svc
}

func waitTerminal(t *testing.T, reg *task.Registry, token string) task.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := reg.Get(token); ok && rec.Status.Terminal() {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("task did not reach a terminal state in time")
	return task.Record{}
}

func limitIntent() LimitIntent {
	return LimitIntent{
		Market:    "BTC-USD",
		Side:      venue.SideBuy,
		Size:      decimal.RequireFromString("0.05"),
		OffsetPct: decimal.RequireFromString("0.01"),
	}
}

func TestService_LimitPlacedFirstAttempt(t *testing.T) {
	gateway := &stubGateway{placeResults: []placeResult{{id: "abc"}}}
	svc := newTestService(t, gateway)

	token, err := svc.PlaceLimit(limitIntent())
	if err != nil {
		t.Fatalf("PlaceLimit returned error: %v", err)
	}

	rec := waitTerminal(t, svc.Registry(), token)
	if rec.Status != task.StatusPlaced {
		t.Errorf("status = %s, want placed", rec.Status)
	}
	if rec.OrderID != "abc" {
		t.Errorf("order id = %q, want abc", rec.OrderID)
	}
	if !rec.Price.Equal(decimal.RequireFromString("49995.0")) {
		t.Errorf("quantized price = %s, want 49995.0", rec.Price)
	}
	if !rec.Size.Equal(decimal.RequireFromString("0.050")) {
		t.Errorf("quantized size = %s, want 0.050", rec.Size)
	}

	calls, _ := gateway.snapshot()
	if calls != 1 {
		t.Errorf("place calls = %d, want 1", calls)
	}
	if req := gateway.placeReqs[0]; req.ExternalID != token {
		t.Errorf("external id on wire = %q, want %q", req.ExternalID, token)
	}
}

func TestService_RetriesTransportErrorThenSucceeds(t *testing.T) {
	gateway := &stubGateway{placeResults: []placeResult{
		{err: transportErr{}},
		{err: transportErr{}},
		{id: "abc"},
	}}
	svc := newTestService(t, gateway)

	token, err := svc.PlaceLimit(limitIntent())
	if err != nil {
		t.Fatalf("PlaceLimit returned error: %v", err)
	}

	rec := waitTerminal(t, svc.Registry(), token)
	if rec.Status != task.StatusPlaced || rec.OrderID != "abc" {
		t.Errorf("record = %s/%s, want placed/abc", rec.Status, rec.OrderID)
	}
	if calls, _ := gateway.snapshot(); calls != 3 {
		t.Errorf("place calls = %d, want exactly 3", calls)
	}
}

func TestService_DuplicateErrorIsIdempotentSuccess(t *testing.T) {
	gateway := &stubGateway{placeResults: []placeResult{{err: duplicateErr{}}}}
	svc := newTestService(t, gateway)

	token, err := svc.PlaceLimit(limitIntent())
	if err != nil {
		t.Fatalf("PlaceLimit returned error: %v", err)
	}

	rec := waitTerminal(t, svc.Registry(), token)
	if rec.Status != task.StatusPlaced {
		t.Errorf("status = %s, want placed (duplicate means prior acceptance)", rec.Status)
	}
	if rec.Error != "" {
		t.Errorf("error = %q, want empty on idempotent success", rec.Error)
	}

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	if gateway.placeCalls != 1 {
		t.Errorf("place calls = %d, want exactly 1 (no retry on duplicate)", gateway.placeCalls)
	}
	if gateway.openCalls != 0 {
		t.Errorf("open-orders calls = %d, want 0 (duplicate is terminal, not ambiguous)", gateway.openCalls)
	}
}

func TestService_MarketDuplicateSettlesAsFilled(t *testing.T) {
	gateway := &stubGateway{placeResults: []placeResult{{err: duplicateErr{}}}}
	svc := newTestService(t, gateway)

	token, err := svc.PlaceMarket(MarketIntent{
		Market:      "BTC-USD",
		Side:        venue.SideBuy,
		Size:        decimal.RequireFromString("0.05"),
		SlippagePct: decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("PlaceMarket returned error: %v", err)
	}

	rec := waitTerminal(t, svc.Registry(), token)
	if rec.Status != task.StatusFilled {
		t.Errorf("status = %s, want filled", rec.Status)
	}

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	if gateway.openCalls != 0 {
		t.Errorf("open-orders calls = %d, want 0 (no reconcile on duplicate)", gateway.openCalls)
	}
}

func TestService_RejectsBelowMinimumBeforeVenueCall(t *testing.T) {
	gateway := &stubGateway{placeResults: []placeResult{{id: "abc"}}}
	svc := newTestService(t, gateway)

	intent := limitIntent()
	intent.Size = decimal.RequireFromString("0.0005")
	token, err := svc.PlaceLimit(intent)
	if err != nil {
		t.Fatalf("PlaceLimit returned error: %v", err)
	}

	rec := waitTerminal(t, svc.Registry(), token)
	if rec.Status != task.StatusError {
		t.Errorf("status = %s, want error", rec.Status)
	}
	if rec.Error == "" {
		t.Error("expected error message on record")
	}
	if calls, _ := gateway.snapshot(); calls != 0 {
		t.Errorf("place calls = %d, want 0 (validation precedes venue call)", calls)
	}
}

func TestService_ExhaustedRetriesReconcileToAccepted(t *testing.T) {
	gateway := &stubGateway{placeResults: []placeResult{{err: transportErr{}}}}
	svc := newTestService(t, gateway)

	token, err := svc.PlaceLimit(limitIntent())
	if err != nil {
		t.Fatalf("PlaceLimit returned error: %v", err)
	}

	rec := waitTerminal(t, svc.Registry(), token)
	if rec.Status != task.StatusAccepted {
		t.Errorf("status = %s, want accepted (not error)", rec.Status)
	}
	if calls, _ := gateway.snapshot(); calls != 3 {
		t.Errorf("place calls = %d, want 3", calls)
	}
}

func TestService_UnusualOpenStatusPassedThrough(t *testing.T) {
	gateway := &stubGateway{
		placeResults: []placeResult{{err: transportErr{}}},
		openOrders:   []venue.Order{{ID: "o-1", Status: "PARTIALLY_FILLED"}},
	}
	svc := newTestService(t, gateway)

	token, _ := svc.PlaceLimit(limitIntent())
	rec := waitTerminal(t, svc.Registry(), token)
	if rec.Status != task.Status("open_PARTIALLY_FILLED") {
		t.Errorf("status = %s, want open_PARTIALLY_FILLED", rec.Status)
	}
	if rec.OrderID != "o-1" {
		t.Errorf("order id = %q, want o-1", rec.OrderID)
	}
}

func TestService_MarketAmbiguousFallsBackToHistory(t *testing.T) {
	gateway := &stubGateway{
		placeResults: []placeResult{{err: transportErr{}}},
		history:      []venue.Order{{ID: "h-1", Status: "FILLED"}},
	}
	svc := newTestService(t, gateway)

	token, err := svc.PlaceMarket(MarketIntent{
		Market:      "BTC-USD",
		Side:        venue.SideSell,
		Size:        decimal.RequireFromString("0.05"),
		SlippagePct: decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("PlaceMarket returned error: %v", err)
	}

	rec := waitTerminal(t, svc.Registry(), token)
	if rec.Status != task.StatusFilled || rec.OrderID != "h-1" {
		t.Errorf("record = %s/%s, want filled/h-1", rec.Status, rec.OrderID)
	}
}

func TestService_BusinessRejectionIsFatalWithoutRetry(t *testing.T) {
	gateway := &stubGateway{placeResults: []placeResult{
		{err: &venue.APIError{Status: 400, Message: "invalid price"}},
	}}
	svc := newTestService(t, gateway)

	token, _ := svc.PlaceLimit(limitIntent())
	rec := waitTerminal(t, svc.Registry(), token)
	if rec.Status != task.StatusError {
		t.Errorf("status = %s, want error", rec.Status)
	}
	if calls, _ := gateway.snapshot(); calls != 1 {
		t.Errorf("place calls = %d, want 1 (business errors are not retried)", calls)
	}
}

func TestService_CloseConfirmsOnFirstEmptyPoll(t *testing.T) {
	gateway := &stubGateway{placeResults: []placeResult{{id: "c-1"}}}
	svc := newTestService(t, gateway)

	token, err := svc.ClosePosition(CloseIntent{
		Market: "BTC-USD",
		Side:   venue.PositionLong,
		Size:   decimal.RequireFromString("0.05"),
	})
	if err != nil {
		t.Fatalf("ClosePosition returned error: %v", err)
	}

	rec := waitTerminal(t, svc.Registry(), token)
	if rec.Status != task.StatusClosedConfirmed {
		t.Errorf("status = %s, want closed_confirmed", rec.Status)
	}
	if rec.OrderID != "c-1" {
		t.Errorf("order id = %q, want c-1", rec.OrderID)
	}

	calls, polls := gateway.snapshot()
	if calls != 1 {
		t.Errorf("place calls = %d, want 1 (close never retries)", calls)
	}
	if polls != 1 {
		t.Errorf("position polls = %d, want exactly 1", polls)
	}

	// 平仓方向为持仓反向, 保护价允许向下穿越 2%。
	req := gateway.placeReqs[0]
	if req.Side != venue.SideSell {
		t.Errorf("close side = %s, want SELL", req.Side)
	}
	if !req.Price.Equal(decimal.RequireFromString("49000.0")) {
		t.Errorf("close price = %s, want 49000.0", req.Price)
	}
}

func TestService_CloseTimeoutIsNotError(t *testing.T) {
	gateway := &stubGateway{
		placeResults: []placeResult{{id: "c-1"}},
		positions: []venue.Position{{
			Market: "BTC-USD",
			Side:   venue.PositionLong,
			Size:   decimal.RequireFromString("0.05"),
		}},
	}
	svc := newTestService(t, gateway)

	token, _ := svc.ClosePosition(CloseIntent{
		Market: "BTC-USD",
		Side:   venue.PositionLong,
		Size:   decimal.RequireFromString("0.05"),
	})

	rec := waitTerminal(t, svc.Registry(), token)
	if rec.Status != task.StatusClosedTimeout {
		t.Errorf("status = %s, want closed_timeout (not error)", rec.Status)
	}
}

func TestService_CloseRejectionStillConfirmsByPosition(t *testing.T) {
	gateway := &stubGateway{
		placeResults: []placeResult{
			{err: &venue.APIError{Status: 400, Message: "reduce-only order rejected"}},
		},
		history: []venue.Order{{ID: "h-7", Status: "FILLED"}},
	}
	svc := newTestService(t, gateway)

	token, err := svc.ClosePosition(CloseIntent{
		Market: "BTC-USD",
		Side:   venue.PositionLong,
		Size:   decimal.RequireFromString("0.05"),
	})
	if err != nil {
		t.Fatalf("ClosePosition returned error: %v", err)
	}

	// 拒单不终结平仓任务, 持仓为空即视为平掉。
	rec := waitTerminal(t, svc.Registry(), token)
	if rec.Status != task.StatusClosedConfirmed {
		t.Errorf("status = %s, want closed_confirmed despite rejection", rec.Status)
	}
	if rec.OrderID != "h-7" {
		t.Errorf("order id = %q, want h-7 from history check", rec.OrderID)
	}

	_, polls := gateway.snapshot()
	if polls < 1 {
		t.Errorf("position polls = %d, want at least 1", polls)
	}
}

func TestService_CloseAlreadyFlatSkipsPlacement(t *testing.T) {
	gateway := &stubGateway{}
	svc := newTestService(t, gateway)

	token, _ := svc.ClosePosition(CloseIntent{
		Market: "BTC-USD",
		Side:   venue.PositionShort,
	})

	rec := waitTerminal(t, svc.Registry(), token)
	if rec.Status != task.StatusClosedConfirmed {
		t.Errorf("status = %s, want closed_confirmed", rec.Status)
	}
	if calls, _ := gateway.snapshot(); calls != 0 {
		t.Errorf("place calls = %d, want 0 for a flat position", calls)
	}
}

func TestService_CancelAfterTerminalReturnsFalse(t *testing.T) {
	gateway := &stubGateway{placeResults: []placeResult{{id: "abc"}}}
	svc := newTestService(t, gateway)

	token, _ := svc.PlaceLimit(limitIntent())
	waitTerminal(t, svc.Registry(), token)

	if svc.Registry().Cancel(token) {
		t.Error("expected cancel on terminal task to return false")
	}
}

func TestService_CallerSuppliedTokenIsPreserved(t *testing.T) {
	gateway := &stubGateway{placeResults: []placeResult{{id: "abc"}}}
	svc := newTestService(t, gateway)

	intent := limitIntent()
	intent.Token = "caller-token-1"
	token, err := svc.PlaceLimit(intent)
	if err != nil {
		t.Fatalf("PlaceLimit returned error: %v", err)
	}
	if token != "caller-token-1" {
		t.Fatalf("token = %q, want caller-token-1", token)
	}
	waitTerminal(t, svc.Registry(), token)
}

func TestService_BadIntentRejectedSynchronously(t *testing.T) {
	svc := newTestService(t, &stubGateway{})

	if _, err := svc.PlaceLimit(LimitIntent{Side: venue.SideBuy, Size: decimal.NewFromInt(1)}); err == nil {
		t.Error("expected error for empty market")
	}
	if _, err := svc.PlaceMarket(MarketIntent{Market: "BTC-USD", Side: "HOLD", Size: decimal.NewFromInt(1)}); err == nil {
		t.Error("expected error for bad side")
	}
	if _, err := svc.ClosePosition(CloseIntent{Market: "BTC-USD", Side: "SIDEWAYS"}); err == nil {
		t.Error("expected error for bad position side")
	}
}
