package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"quotefeed.com/internal/feed/source"
)

func testDescs(names ...string) []source.Descriptor {
	out := make([]source.Descriptor, 0, len(names))
	for _, n := range names {
		out = append(out, source.Descriptor{
			Name:               n,
			Category:           "market_prices",
			BaseURL:            "https://example.com",
			RateLimitPerMinute: 60,
		})
	}
	return out
}

// 固定时钟，测试里手动拨
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(cfg Config, names ...string) (*Monitor, *fakeClock) {
	m := NewMonitor(cfg, testDescs(names...))
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clk.now
	return m, clk
}

func TestFailureThresholdEntersCooldown(t *testing.T) {
	m, clk := newTestMonitor(Config{}, "binance")

	// 阈值以下不动
	m.RecordFailure("binance", source.KindTimeout)
	m.RecordFailure("binance", source.KindTransport)
	assert.True(t, m.IsAvailable("binance"))

	// 第三次连续失败进入冷却
	m.RecordFailure("binance", source.KindServerError)
	assert.False(t, m.IsAvailable("binance"))
	assert.Equal(t, StatusCooldown, m.Stats()["binance"].Status)

	// 冷却期内始终不可用
	clk.advance(59 * time.Second)
	assert.False(t, m.IsAvailable("binance"))

	// 到期惰性恢复
	clk.advance(2 * time.Second)
	assert.True(t, m.IsAvailable("binance"))
	assert.Equal(t, StatusAvailable, m.Stats()["binance"].Status)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	m, _ := newTestMonitor(Config{}, "binance")

	m.RecordFailure("binance", source.KindTimeout)
	m.RecordFailure("binance", source.KindTimeout)
	m.RecordSuccess("binance", 100*time.Millisecond)
	m.RecordFailure("binance", source.KindTimeout)
	m.RecordFailure("binance", source.KindTimeout)

	// 成功清零计数，4 次失败夹 1 次成功不会触发阈值 3
	assert.True(t, m.IsAvailable("binance"))
}

func TestCooldownBackoffDoubles(t *testing.T) {
	m, clk := newTestMonitor(Config{}, "binance")

	trip := func() {
		for i := 0; i < 3; i++ {
			m.RecordFailure("binance", source.KindTimeout)
		}
	}

	// 第一轮：60s
	trip()
	clk.advance(59 * time.Second)
	assert.False(t, m.IsAvailable("binance"))
	clk.advance(2 * time.Second)
	assert.True(t, m.IsAvailable("binance"))

	// 第二轮：120s
	trip()
	clk.advance(119 * time.Second)
	assert.False(t, m.IsAvailable("binance"))
	clk.advance(2 * time.Second)
	assert.True(t, m.IsAvailable("binance"))

	// 多轮后封顶 300s
	for i := 0; i < 5; i++ {
		trip()
		clk.advance(301 * time.Second)
		require.True(t, m.IsAvailable("binance"))
	}
	trip()
	clk.advance(299 * time.Second)
	assert.False(t, m.IsAvailable("binance"))
	clk.advance(2 * time.Second)
	assert.True(t, m.IsAvailable("binance"))
}

func TestRateLimitedUsesLongerPenalty(t *testing.T) {
	m, clk := newTestMonitor(Config{}, "coingecko")

	// 一次 429 立刻进惩罚窗口，不需要连续阈值
	m.RecordFailure("coingecko", source.KindRateLimited)
	st := m.Stats()["coingecko"]
	assert.Equal(t, StatusRateLimited, st.Status)
	assert.EqualValues(t, 1, st.RateLimitHits)

	clk.advance(4 * time.Minute)
	assert.False(t, m.IsAvailable("coingecko"))
	clk.advance(2 * time.Minute)
	assert.True(t, m.IsAvailable("coingecko"))

	// 第二次被限，窗口翻倍到 10m
	m.RecordFailure("coingecko", source.KindRateLimited)
	clk.advance(9 * time.Minute)
	assert.False(t, m.IsAvailable("coingecko"))
	clk.advance(2 * time.Minute)
	assert.True(t, m.IsAvailable("coingecko"))
}

func TestAuthFailureLongCooldown(t *testing.T) {
	m, clk := newTestMonitor(Config{}, "cryptopanic")

	m.RecordFailure("cryptopanic", source.KindAuthFailure)
	clk.advance(23 * time.Hour)
	assert.False(t, m.IsAvailable("cryptopanic"))
	clk.advance(2 * time.Hour)
	assert.True(t, m.IsAvailable("cryptopanic"))
}

func TestDisabledNeverAutoRecovers(t *testing.T) {
	m, clk := newTestMonitor(Config{}, "binance")

	m.Disable("binance")
	clk.advance(365 * 24 * time.Hour)
	assert.False(t, m.IsAvailable("binance"))

	// 失败只记数，状态不动
	m.RecordFailure("binance", source.KindTimeout)
	assert.Equal(t, StatusDisabled, m.Stats()["binance"].Status)

	m.Enable("binance")
	assert.True(t, m.IsAvailable("binance"))
}

func TestLocalWindowSoftLimit(t *testing.T) {
	cfg := Config{}
	descs := testDescs("binance")
	descs[0].RateLimitPerMinute = 3
	m := NewMonitor(cfg, descs)
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clk.now

	for i := 0; i < 3; i++ {
		require.True(t, m.IsAvailable("binance"))
		m.MarkRequest("binance")
		clk.advance(time.Second)
	}

	// 窗口打满：不可用但状态仍是 Available（软限速不进状态机）
	assert.False(t, m.IsAvailable("binance"))
	assert.Equal(t, StatusAvailable, m.Stats()["binance"].Status)

	// 窗口滑过后自动放行，无需任何恢复动作
	clk.advance(time.Minute)
	assert.True(t, m.IsAvailable("binance"))
}

func TestLatencyEMA(t *testing.T) {
	m, _ := newTestMonitor(Config{}, "binance")

	// 首个样本直接采纳
	m.RecordSuccess("binance", 100*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, m.AvgLatency("binance"))

	// 0.9*100ms + 0.1*200ms = 110ms
	m.RecordSuccess("binance", 200*time.Millisecond)
	assert.InDelta(t, float64(110*time.Millisecond), float64(m.AvgLatency("binance")), float64(time.Millisecond))
}

func TestRaceStragglerSuccessRecovers(t *testing.T) {
	m, _ := newTestMonitor(Config{}, "okx-depth")

	for i := 0; i < 3; i++ {
		m.RecordFailure("okx-depth", source.KindTimeout)
	}
	require.Equal(t, StatusCooldown, m.Stats()["okx-depth"].Status)

	// race 落败方可能在冷却判定之后才成功回来：直接视为恢复
	m.RecordSuccess("okx-depth", 80*time.Millisecond)
	assert.True(t, m.IsAvailable("okx-depth"))
}

func TestResetClearsEverything(t *testing.T) {
	m, _ := newTestMonitor(Config{}, "binance")

	m.MarkRequest("binance")
	m.RecordFailure("binance", source.KindRateLimited)
	m.RecordSuccess("binance", 50*time.Millisecond)
	m.Reset("binance")

	st := m.Stats()["binance"]
	assert.Equal(t, StatusAvailable, st.Status)
	assert.Zero(t, st.TotalRequests)
	assert.Zero(t, st.RateLimitHits)
	assert.Zero(t, st.AvgLatencyMs)
}

func TestUpdateConfigTakesEffect(t *testing.T) {
	m, clk := newTestMonitor(Config{}, "binance")
	m.UpdateConfig(Config{
		FailureCooldown:    10 * time.Second,
		FailureCooldownMax: 10 * time.Second,
	})

	for i := 0; i < 3; i++ {
		m.RecordFailure("binance", source.KindTimeout)
	}
	// 热更新后的冷却时长生效：10s 而不是默认 60s
	clk.advance(9 * time.Second)
	assert.False(t, m.IsAvailable("binance"))
	clk.advance(2 * time.Second)
	assert.True(t, m.IsAvailable("binance"))
}

func TestUnknownSourceUnavailable(t *testing.T) {
	m, _ := newTestMonitor(Config{}, "binance")
	assert.False(t, m.IsAvailable("nope"))
	assert.Zero(t, m.AvgLatency("nope"))
}
