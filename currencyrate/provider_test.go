package currencyrate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestServer(t *testing.T, rates map[string]string, status map[string]int) (*httptest.Server, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.URL.Path)
		mu.Unlock()
		if code, ok := status[r.URL.Path]; ok {
			w.WriteHeader(code)
			return
		}
		rate, ok := rates[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		parts := strings.Split(r.URL.Path, "/")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rate":"` + rate + `","date":"` + parts[len(parts)-1] + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestProvider(url string) *HTTPProvider {
	return &HTTPProvider{BaseURL: url, BaseCurrency: "EUR", MaxFallbackDays: 7, HTTP: http.DefaultClient}
}

func TestHTTPProvider_WalksBackOverMissingDays(t *testing.T) {
	srv, calls := newTestServer(t, map[string]string{"/rates/USD/2026-03-06": "0.9150"}, nil)
	p := newTestProvider(srv.URL)

	// 2026-03-08 is a Sunday; Friday's rate applies
	rate, err := p.GetRate(context.Background(), "usd", time.Date(2026, 3, 8, 15, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GetRate error: %v", err)
	}
	if !rate.Rate.Equal(decimal.RequireFromString("0.915")) {
		t.Fatalf("expected rate 0.915, got %s", rate.Rate)
	}
	if got := rate.Date.Format(DateLayout); got != "2026-03-06" {
		t.Fatalf("expected published date 2026-03-06, got %s", got)
	}
	if len(*calls) != 3 {
		t.Fatalf("expected 3 lookups, got %d (%v)", len(*calls), *calls)
	}
}

func TestHTTPProvider_GivesUpAfterFallbackWindow(t *testing.T) {
	srv, calls := newTestServer(t, nil, nil)
	p := newTestProvider(srv.URL)
	p.MaxFallbackDays = 2

	_, err := p.GetRate(context.Background(), "USD", time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}
	if len(*calls) != 3 {
		t.Fatalf("expected 3 lookups, got %d", len(*calls))
	}
}

func TestHTTPProvider_ServerErrorIsReturned(t *testing.T) {
	srv, _ := newTestServer(t, nil, map[string]int{"/rates/USD/2026-03-08": http.StatusBadGateway})
	p := newTestProvider(srv.URL)

	_, err := p.GetRate(context.Background(), "USD", time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC))
	if err == nil || errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected a fetch error, got %v", err)
	}
}

func TestHTTPProvider_BaseCurrencyNeedsNoLookup(t *testing.T) {
	srv, calls := newTestServer(t, nil, nil)
	p := newTestProvider(srv.URL)

	rate, err := p.GetRate(context.Background(), "eur", time.Now())
	if err != nil {
		t.Fatalf("GetRate error: %v", err)
	}
	if !rate.Rate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected rate 1, got %s", rate.Rate)
	}
	if len(*calls) != 0 {
		t.Fatalf("expected no lookups, got %d", len(*calls))
	}
}

type mapCache struct {
	rates map[string]Rate
}

func (c *mapCache) Get(_ context.Context, key string, dest *Rate) (bool, error) {
	r, ok := c.rates[key]
	if ok {
		*dest = r
	}
	return ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, rate Rate, _ time.Duration) error {
	c.rates[key] = rate
	return nil
}

type countingProvider struct {
	Provider
	calls int
}

func (p *countingProvider) GetRate(ctx context.Context, currency string, date time.Time) (Rate, error) {
	p.calls++
	return p.Provider.GetRate(ctx, currency, date)
}

func TestCachedProvider_MemoizesPerDay(t *testing.T) {
	next := &countingProvider{Provider: Static{BaseCurrency: "EUR", Rates: map[string]decimal.Decimal{"PLN": decimal.RequireFromString("0.23")}}}
	p := NewCachedProvider(next, &mapCache{rates: map[string]Rate{}}, time.Hour, nil)
	ctx := context.Background()
	day := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rate, err := p.GetRate(ctx, "PLN", day.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("GetRate error: %v", err)
		}
		if !rate.Rate.Equal(decimal.RequireFromString("0.23")) {
			t.Fatalf("unexpected rate %s", rate.Rate)
		}
	}
	if next.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", next.calls)
	}

	if _, err := p.GetRate(ctx, "PLN", day.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("GetRate error: %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("expected a second upstream call for a new day, got %d", next.calls)
	}
}

func TestCachedProvider_DoesNotCacheFailures(t *testing.T) {
	boom := errors.New("rate service down")
	next := &countingProvider{Provider: Static{BaseCurrency: "EUR", Err: boom}}
	p := NewCachedProvider(next, &mapCache{rates: map[string]Rate{}}, time.Hour, nil)

	for i := 0; i < 2; i++ {
		if _, err := p.GetRate(context.Background(), "USD", time.Now()); !errors.Is(err, boom) {
			t.Fatalf("expected upstream error, got %v", err)
		}
	}
	if next.calls != 2 {
		t.Fatalf("expected every failure to reach upstream, got %d calls", next.calls)
	}
}
