package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/venue"
)

type stubSource struct {
	calls int
	info  venue.MarketInfo
	err   error
}

func (s *stubSource) GetMarket(ctx context.Context, market string) (venue.MarketInfo, error) {
	s.calls++
	if s.err != nil {
		return venue.MarketInfo{}, s.err
	}
	return s.info, nil
}

func validInfo() venue.MarketInfo {
	return venue.MarketInfo{
		Name:      "BTC-USD",
		MarkPrice: decimal.RequireFromString("50000"),
		Precision: venue.Precision{
			Tick:    decimal.RequireFromString("0.1"),
			Step:    decimal.RequireFromString("0.001"),
			MinSize: decimal.RequireFromString("0.001"),
		},
	}
}

func TestResolver_CachesWithinTTL(t *testing.T) {
	source := &stubSource{info: validInfo()}
	resolver := NewResolver(source, 30*time.Second, nil)

	current := time.Unix(1_700_000_000, 0)
	resolver.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		if _, err := resolver.Info(context.Background(), "BTC-USD"); err != nil {
			t.Fatalf("Info returned error: %v", err)
		}
	}

	if source.calls != 1 {
		t.Fatalf("expected single upstream call within TTL, got %d", source.calls)
	}
}

func TestResolver_RefreshesAfterTTL(t *testing.T) {
	source := &stubSource{info: validInfo()}
	resolver := NewResolver(source, 30*time.Second, nil)

	current := time.Unix(1_700_000_000, 0)
	resolver.now = func() time.Time { return current }

	if _, err := resolver.Info(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("Info returned error: %v", err)
	}

	current = current.Add(31 * time.Second)
	if _, err := resolver.Info(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("Info returned error: %v", err)
	}

	if source.calls != 2 {
		t.Fatalf("expected refresh after TTL, got %d calls", source.calls)
	}
}

func TestResolver_RejectsBadPrecision(t *testing.T) {
	info := validInfo()
	info.Precision.Tick = decimal.Zero
	source := &stubSource{info: info}
	resolver := NewResolver(source, 30*time.Second, nil)

	_, err := resolver.Precision(context.Background(), "BTC-USD")
	if !errors.Is(err, ErrBadPrecision) {
		t.Fatalf("expected ErrBadPrecision, got %v", err)
	}
}

func TestResolver_MarkPriceComesFromCache(t *testing.T) {
	source := &stubSource{info: validInfo()}
	resolver := NewResolver(source, 30*time.Second, nil)

	price, err := resolver.MarkPrice(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("MarkPrice returned error: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("50000")) {
		t.Errorf("mark price = %s, want 50000", price)
	}

	if _, err := resolver.Precision(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("Precision returned error: %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected mark price and precision to share one fetch, got %d", source.calls)
	}
}
