package aggregate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplesOf(vals map[string]float64) []Sample {
	out := make([]Sample, 0, len(vals))
	// map 遍历无序正好：对账不能依赖样本顺序
	for src, v := range vals {
		out = append(out, Sample{Source: src, Value: decimal.NewFromFloat(v)})
	}
	return out
}

func TestReconcileOutlierFlagsAnomaly(t *testing.T) {
	res, err := Reconcile("BTC-USD", samplesOf(map[string]float64{
		"a": 100, "b": 102, "c": 1000,
	}), 0.05)
	require.NoError(t, err)

	// 中位数不被离群值带跑
	assert.Equal(t, "102", res.Median.String())
	assert.True(t, res.AnomalyFlag)
	assert.Equal(t, 3, res.SampleCount)
	assert.Len(t, res.Spread, 3)
}

func TestReconcileTightSamplesNoAnomaly(t *testing.T) {
	res, err := Reconcile("BTC-USD", samplesOf(map[string]float64{
		"a": 67000.0, "b": 67010.5, "c": 66995.2,
	}), 0.05)
	require.NoError(t, err)

	assert.False(t, res.AnomalyFlag)
	assert.Equal(t, "67000", res.Median.String())
}

func TestReconcileEvenCountMedian(t *testing.T) {
	res, err := Reconcile("k", samplesOf(map[string]float64{
		"a": 10, "b": 20, "c": 30, "d": 40,
	}), 1.0)
	require.NoError(t, err)

	// 偶数个取中间两个的平均
	assert.Equal(t, "25", res.Median.String())
	assert.Equal(t, "25", res.Mean.String())
}

func TestReconcileSingleSample(t *testing.T) {
	res, err := Reconcile("k", samplesOf(map[string]float64{"a": 42}), 0.05)
	require.NoError(t, err)
	assert.Equal(t, "42", res.Median.String())
	assert.Zero(t, res.StdDev)
	assert.False(t, res.AnomalyFlag)
}

func TestReconcileNoSamples(t *testing.T) {
	_, err := Reconcile("k", nil, 0.05)
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestReconcileZeroMean(t *testing.T) {
	// 资金费率这类围绕 0 的值：无法归一化，有任何离散就标异常
	res, err := Reconcile("funding", samplesOf(map[string]float64{"a": -1, "b": 1}), 0.05)
	require.NoError(t, err)
	assert.True(t, res.AnomalyFlag)

	res, err = Reconcile("funding", samplesOf(map[string]float64{"a": 0, "b": 0}), 0.05)
	require.NoError(t, err)
	assert.False(t, res.AnomalyFlag)
}

func TestToDecimal(t *testing.T) {
	cases := []struct {
		in   any
		want string
		ok   bool
	}{
		{67000.5, "67000.5", true},
		{int(42), "42", true},
		{int64(42), "42", true},
		{json.Number("67000.123456789"), "67000.123456789", true},
		{"99.9", "99.9", true},
		{decimal.NewFromInt(7), "7", true},
		{"not-a-number", "", false},
		{map[string]any{"price": 1.0}, "", false},
		{nil, "", false},
	}
	for _, tc := range cases {
		d, ok := ToDecimal(tc.in)
		if ok != tc.ok {
			t.Errorf("ToDecimal(%v): want ok=%v, got %v", tc.in, tc.ok, ok)
			continue
		}
		if ok && d.String() != tc.want {
			t.Errorf("ToDecimal(%v): want %s, got %s", tc.in, tc.want, d.String())
		}
	}
}

func TestCanonicalURL(t *testing.T) {
	cases := []struct {
		a, b string
	}{
		{"https://Example.com/News/btc/", "https://example.com/News/btc"},
		{"https://example.com/a?utm_source=x&utm_campaign=y", "https://example.com/a"},
		{"https://example.com/a#section", "https://example.com/a"},
		{"HTTPS://EXAMPLE.COM/a?id=1&utm_medium=z", "https://example.com/a?id=1"},
	}
	for _, tc := range cases {
		if CanonicalURL(tc.a) != CanonicalURL(tc.b) {
			t.Errorf("want %q == %q, got %q vs %q", tc.a, tc.b, CanonicalURL(tc.a), CanonicalURL(tc.b))
		}
	}

	// 路径大小写保留：/News 和 /news 是不同资源
	if CanonicalURL("https://example.com/News") == CanonicalURL("https://example.com/news") {
		t.Error("path case must be preserved")
	}
}

func TestMergeDocumentsDedupAndOrder(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	fromA := []Document{
		{Title: "btc rally", URL: "https://news.example.com/btc-rally", Source: "cryptopanic", PublishedAt: t0},
		{Title: "eth merge", URL: "https://news.example.com/eth", Source: "cryptopanic", PublishedAt: t0.Add(2 * time.Hour)},
	}
	fromB := []Document{
		// 同一篇文章，带 utm 跟踪参数和尾斜杠
		{Title: "btc rally (syndicated)", URL: "https://News.example.com/btc-rally/?utm_source=rss", Source: "newsdata", PublishedAt: t0},
		{Title: "sol outage", URL: "https://news.example.com/sol", Source: "newsdata", PublishedAt: t0.Add(time.Hour)},
	}

	got := MergeDocuments(fromA, fromB)
	require.Len(t, got, 3)

	// 发布时间倒序
	assert.Equal(t, "eth merge", got[0].Title)
	assert.Equal(t, "sol outage", got[1].Title)
	// 去重保留先到的版本
	assert.Equal(t, "btc rally", got[2].Title)
	assert.Equal(t, "cryptopanic", got[2].Source)
}
