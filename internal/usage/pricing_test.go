package usage

import (
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

const pricingFixture = `{
  "sample_spec": {"input_cost_per_token": "not a number"},
  "gpt-4o": {"input_cost_per_token": 0.0000025, "output_cost_per_token": 0.00001, "cache_read_input_token_cost": 0.00000125},
  "gpt-4o-mini": {"input_cost_per_token": 0.00000015, "output_cost_per_token": 0.0000006},
  "groq/llama3-70b-8192": {"input_cost_per_token": 0.00000059, "output_cost_per_token": 0.00000079},
  "claude-sonnet-4-5": {"input_cost_per_token": 0.000003, "output_cost_per_token": 0.000015,
    "input_cost_per_token_above_200k_tokens": 0.000006}
}`

func newTestFetcher(t *testing.T) (*PricingFetcher, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(pricingFixture))
	}))
	t.Cleanup(srv.Close)
	return NewPricingFetcherWith(srv.URL, t.TempDir(), srv.Client()), &hits
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestGetPricing_Lookup(t *testing.T) {
	p, hits := newTestFetcher(t)

	tests := []struct {
		model     string
		wantInput float64
	}{
		{"gpt-4o", 0.0000025},
		{"openai/gpt-4o-mini", 0.00000015},
		{"groq/llama3-70b-8192", 0.00000059},
		{"gpt-4o-mini-2024-07-18", 0.00000015},
	}
	for _, tc := range tests {
		got, err := p.GetPricing(tc.model)
		if err != nil {
			t.Fatalf("GetPricing(%q) error = %v", tc.model, err)
		}
		if !approx(got.InputCostPerToken, tc.wantInput) {
			t.Errorf("GetPricing(%q).InputCostPerToken = %v, want %v", tc.model, got.InputCostPerToken, tc.wantInput)
		}
	}

	if _, err := p.GetPricing("totally-unknown"); err == nil {
		t.Error("expected error for unknown model")
	}
	if n := atomic.LoadInt32(hits); n != 1 {
		t.Errorf("pricing fetched %d times, want 1", n)
	}
}

func TestCost(t *testing.T) {
	p, _ := newTestFetcher(t)

	got, err := p.Cost("gpt-4o", 1000, 100, 400)
	if err != nil {
		t.Fatal(err)
	}
	want := 600*0.0000025 + 100*0.00001 + 400*0.00000125
	if !approx(got, want) {
		t.Errorf("Cost() = %v, want %v", got, want)
	}

	got, _ = p.Cost("gpt-4o-mini", 100, 0, 50)
	if !approx(got, 100*0.00000015) {
		t.Errorf("cached tokens without a cache rate should bill as input, got %v", got)
	}
}

func TestCalculateTieredCost(t *testing.T) {
	tests := []struct {
		name   string
		tokens int
		base   float64
		tiered float64
		want   float64
	}{
		{"zero tokens", 0, 1, 2, 0},
		{"below threshold", 1000, 0.001, 0.002, 1},
		{"above threshold", 300_000, 0.001, 0.002, 200_000*0.001 + 100_000*0.002},
		{"above threshold without tier", 300_000, 0.001, 0, 300},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := calculateTieredCost(tc.tokens, tc.base, tc.tiered); !approx(got, tc.want) {
				t.Errorf("calculateTieredCost() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFetch_FailureWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPricingFetcherWith(srv.URL, t.TempDir(), srv.Client())
	if _, err := p.Cost("gpt-4o", 10, 10, 0); err == nil {
		t.Error("expected error when pricing cannot be fetched")
	}
}

func TestFetch_StaleCacheSurvivesOutage(t *testing.T) {
	dir := t.TempDir()
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(pricingFixture))
	}))
	defer srv.Close()

	if _, err := NewPricingFetcherWith(srv.URL, dir, srv.Client()).GetPricing("gpt-4o"); err != nil {
		t.Fatal(err)
	}
	down.Store(true)

	if _, err := NewPricingFetcherWith(srv.URL, dir, srv.Client()).GetPricing("gpt-4o"); err != nil {
		t.Errorf("disk cache should serve while the table is unreachable: %v", err)
	}
}
