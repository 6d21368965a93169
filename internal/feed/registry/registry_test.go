package registry

import (
	"strings"
	"testing"
	"time"
)

func validCfgs() []SourceConfig {
	return []SourceConfig{
		{Name: "coingecko", Category: "market_prices", BaseURL: "https://a", PriorityTier: 1, RateLimitPerMinute: 50},
		{Name: "binance", Category: "market_prices", BaseURL: "https://b", PriorityTier: 0, RateLimitPerMinute: 1200},
		{Name: "coinbase", Category: "market_prices", BaseURL: "https://c", PriorityTier: 0, RateLimitPerMinute: 600},
		{Name: "cryptopanic", Category: "news", BaseURL: "https://d", PriorityTier: 0, RateLimitPerMinute: 30},
	}
}

type stubLatency map[string]time.Duration

func (s stubLatency) AvgLatency(name string) time.Duration { return s[name] }

func TestSourcesForTierOrder(t *testing.T) {
	r, err := New(validCfgs(), nil)
	if err != nil {
		t.Fatal(err)
	}

	got := r.SourcesFor("market_prices")
	if len(got) != 3 {
		t.Fatalf("want 3 sources, got %d", len(got))
	}
	// tier 0 在前；同 tier 无延迟样本时按注册顺序
	want := []string{"binance", "coinbase", "coingecko"}
	for i, n := range want {
		if got[i].Name != n {
			t.Errorf("pos %d: want %s, got %s", i, n, got[i].Name)
		}
	}
}

func TestSourcesForLatencyTieBreak(t *testing.T) {
	r, err := New(validCfgs(), nil)
	if err != nil {
		t.Fatal(err)
	}
	r.SetLatencyProvider(stubLatency{
		"binance":  200 * time.Millisecond,
		"coinbase": 50 * time.Millisecond,
	})

	got := r.SourcesFor("market_prices")
	// 同 tier 0 内延迟低者优先；tier 1 永远垫后
	want := []string{"coinbase", "binance", "coingecko"}
	for i, n := range want {
		if got[i].Name != n {
			t.Errorf("pos %d: want %s, got %s", i, n, got[i].Name)
		}
	}
}

func TestSourcesForReturnsCopy(t *testing.T) {
	r, err := New(validCfgs(), nil)
	if err != nil {
		t.Fatal(err)
	}
	a := r.SourcesFor("market_prices")
	a[0].Name = "mutated"
	b := r.SourcesFor("market_prices")
	if b[0].Name == "mutated" {
		t.Error("SourcesFor must not expose internal slice")
	}
}

func TestSourcesForUnknownCategory(t *testing.T) {
	r, _ := New(validCfgs(), nil)
	if got := r.SourcesFor("nope"); got != nil {
		t.Errorf("want nil, got %v", got)
	}
}

func TestDefaultsApplied(t *testing.T) {
	r, err := New([]SourceConfig{
		{Name: "s", Category: "c", BaseURL: "https://x", RateLimitPerMinute: 10},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	d, ok := r.Get("s")
	if !ok {
		t.Fatal("source not found")
	}
	if d.Method != "GET" {
		t.Errorf("want default method GET, got %q", d.Method)
	}
	if d.Timeout != defaultTimeout {
		t.Errorf("want default timeout %v, got %v", defaultTimeout, d.Timeout)
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func([]SourceConfig) []SourceConfig
		wantErr string
	}{
		{"missing name", func(c []SourceConfig) []SourceConfig { c[0].Name = ""; return c }, "name is required"},
		{"missing category", func(c []SourceConfig) []SourceConfig { c[0].Category = ""; return c }, "category is required"},
		{"missing base_url", func(c []SourceConfig) []SourceConfig { c[0].BaseURL = ""; return c }, "base_url is required"},
		{"negative tier", func(c []SourceConfig) []SourceConfig { c[0].PriorityTier = -1; return c }, "priority_tier"},
		{"zero rate limit", func(c []SourceConfig) []SourceConfig { c[0].RateLimitPerMinute = 0; return c }, "rate_limit_per_minute"},
		{"duplicate name", func(c []SourceConfig) []SourceConfig { c[1].Name = c[0].Name; return c }, "duplicate"},
		{"empty set", func(c []SourceConfig) []SourceConfig { return nil }, "no sources"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.mutate(validCfgs()), nil)
			if err == nil {
				t.Fatal("want error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("want error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCategories(t *testing.T) {
	r, _ := New(validCfgs(), nil)
	got := r.Categories()
	want := []string{"market_prices", "news"}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("want %v, got %v", want, got)
		}
	}
}
