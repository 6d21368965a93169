package health

import (
	"sync"
	"time"

	"quotefeed.com/internal/feed/source"
	"quotefeed.com/pkg/metrics"
)

type Status string

const (
	StatusAvailable   Status = "available"
	StatusCooldown    Status = "cooldown"
	StatusRateLimited Status = "rate_limited"
	StatusDisabled    Status = "disabled"
)

// Config 冷却/阈值都是运营调参，不是正确性常量，全部可配。
type Config struct {
	// 连续失败多少次进入 Cooldown
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	// Cooldown 基础时长，重复进入时按 2^n 放大
	FailureCooldown    time.Duration `yaml:"failure_cooldown" mapstructure:"failure_cooldown"`
	FailureCooldownMax time.Duration `yaml:"failure_cooldown_max" mapstructure:"failure_cooldown_max"`
	// 服务端 429 的惩罚窗口，历史上被限越多次越长
	RateLimitCooldown    time.Duration `yaml:"rate_limit_cooldown" mapstructure:"rate_limit_cooldown"`
	RateLimitCooldownMax time.Duration `yaml:"rate_limit_cooldown_max" mapstructure:"rate_limit_cooldown_max"`
	// 401/403：基本是配置坏了，给一天
	AuthCooldown time.Duration `yaml:"auth_cooldown" mapstructure:"auth_cooldown"`
	// 平均延迟 EMA 的新样本权重
	LatencyEMAWeight float64 `yaml:"latency_ema_weight" mapstructure:"latency_ema_weight"`
	// 本地限速的滑动窗口宽度
	Window time.Duration `yaml:"window" mapstructure:"window"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:     3,
		FailureCooldown:      60 * time.Second,
		FailureCooldownMax:   300 * time.Second,
		RateLimitCooldown:    5 * time.Minute,
		RateLimitCooldownMax: 60 * time.Minute,
		AuthCooldown:         24 * time.Hour,
		LatencyEMAWeight:     0.1,
		Window:               time.Minute,
	}
}

// record 单个数据源的健康记录。进程启动时按描述符创建，只重置不删除。
type record struct {
	mu sync.Mutex

	status              Status
	consecutiveFailures int
	cooldownUntil       time.Time
	cooldownCycles      int // 重复进入 Cooldown 的轮数，驱动时长放大

	avgLatency time.Duration // EMA

	totalRequests int64
	successCount  int64
	failureCount  int64
	rateLimitHits int64

	// 最近一分钟的请求时间戳（本地软限速窗口）
	requestTimestamps []time.Time
	limitPerMinute    int
}

// Monitor 数据源健康跟踪。独占持有全部 SourceHealthRecord。
type Monitor struct {
	mu   sync.RWMutex
	recs map[string]*record
	cfg  Config

	// 测试注入时钟
	now func() time.Time
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = def.FailureCooldown
	}
	if c.FailureCooldownMax <= 0 {
		c.FailureCooldownMax = def.FailureCooldownMax
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = def.RateLimitCooldown
	}
	if c.RateLimitCooldownMax <= 0 {
		c.RateLimitCooldownMax = def.RateLimitCooldownMax
	}
	if c.AuthCooldown <= 0 {
		c.AuthCooldown = def.AuthCooldown
	}
	if c.LatencyEMAWeight <= 0 || c.LatencyEMAWeight > 1 {
		c.LatencyEMAWeight = def.LatencyEMAWeight
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	return c
}

func NewMonitor(cfg Config, descs []source.Descriptor) *Monitor {
	m := &Monitor{
		recs: make(map[string]*record, len(descs)),
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}
	for _, d := range descs {
		m.recs[d.Name] = &record{
			status:         StatusAvailable,
			limitPerMinute: d.RateLimitPerMinute,
		}
	}
	return m
}

func (m *Monitor) get(name string) *record {
	m.mu.RLock()
	r := m.recs[name]
	m.mu.RUnlock()
	return r
}

func (m *Monitor) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// UpdateConfig 热更新调参值（阈值、冷却时长、EMA 权重）。
// 已在冷却中的源不受影响，下一次状态翻转才用新值。
func (m *Monitor) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// IsAvailable 选源前的可用性判断：
//  1. Disabled 永远不可用（只能手动恢复）
//  2. Cooldown/RateLimited 到期后惰性转回 Available
//  3. 滑动一分钟窗口内请求数达到 rateLimitPerMinute 则软限速——
//     只返回不可用，不改状态（和服务端 429 的硬惩罚是两回事）
func (m *Monitor) IsAvailable(name string) bool {
	r := m.get(name)
	if r == nil {
		return false
	}
	now := m.now()
	cfg := m.config()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.status {
	case StatusDisabled:
		return false
	case StatusCooldown, StatusRateLimited:
		if now.Before(r.cooldownUntil) {
			return false
		}
		// 冷却到期，惰性恢复
		r.status = StatusAvailable
		r.consecutiveFailures = 0
		m.gauge(name, StatusAvailable)
	}

	// 本地窗口限速（advisory，每分钟自清）
	r.pruneWindowLocked(now, cfg.Window)
	if r.limitPerMinute > 0 && len(r.requestTimestamps) >= r.limitPerMinute {
		return false
	}
	return true
}

// MarkRequest 记一次出站请求进滑动窗口。策略层在真正发起 fetch 前调用。
func (m *Monitor) MarkRequest(name string) {
	r := m.get(name)
	if r == nil {
		return
	}
	now := m.now()

	r.mu.Lock()
	r.pruneWindowLocked(now, m.config().Window)
	r.requestTimestamps = append(r.requestTimestamps, now)
	r.totalRequests++
	r.mu.Unlock()
}

func (m *Monitor) RecordSuccess(name string, latency time.Duration) {
	r := m.get(name)
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.successCount++
	r.consecutiveFailures = 0
	if r.avgLatency == 0 {
		r.avgLatency = latency
	} else {
		w := m.config().LatencyEMAWeight
		r.avgLatency = time.Duration(float64(r.avgLatency)*(1-w) + float64(latency)*w)
	}
	if r.status != StatusDisabled && r.status != StatusAvailable {
		// race 模式下落败源可能在冷却判定后才成功回来，直接视为恢复
		r.status = StatusAvailable
		m.gauge(name, StatusAvailable)
	}
}

// RecordFailure 按错误分类推进状态机。分类 → 冷却时长是纯映射，见 cooldownFor。
func (m *Monitor) RecordFailure(name string, kind source.Kind) {
	r := m.get(name)
	if r == nil {
		return
	}
	now := m.now()
	cfg := m.config()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.failureCount++

	if r.status == StatusDisabled {
		return // 只记数，状态不动
	}

	switch kind {
	case source.KindRateLimited:
		r.rateLimitHits++
		r.status = StatusRateLimited
		r.cooldownUntil = now.Add(backoff(cfg.RateLimitCooldown, int(r.rateLimitHits)-1, cfg.RateLimitCooldownMax))
		m.gauge(name, StatusRateLimited)

	case source.KindAuthFailure:
		r.status = StatusCooldown
		r.cooldownUntil = now.Add(cfg.AuthCooldown)
		m.gauge(name, StatusCooldown)

	default:
		// Timeout / Transport / ServerError / InvalidResult：短冷却路径
		r.consecutiveFailures++
		if r.consecutiveFailures >= cfg.FailureThreshold {
			r.cooldownCycles++
			r.status = StatusCooldown
			r.cooldownUntil = now.Add(backoff(cfg.FailureCooldown, r.cooldownCycles-1, cfg.FailureCooldownMax))
			r.consecutiveFailures = 0
			m.gauge(name, StatusCooldown)
		}
	}
}

// backoff base * 2^n，封顶 max
func backoff(base time.Duration, n int, max time.Duration) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Disable 手动下线（配置错误的源永久排除），绝不自动恢复
func (m *Monitor) Disable(name string) {
	if r := m.get(name); r != nil {
		r.mu.Lock()
		r.status = StatusDisabled
		r.mu.Unlock()
		m.gauge(name, StatusDisabled)
	}
}

// Enable 手动恢复 Disabled 的源
func (m *Monitor) Enable(name string) {
	if r := m.get(name); r != nil {
		r.mu.Lock()
		if r.status == StatusDisabled {
			r.status = StatusAvailable
			r.consecutiveFailures = 0
			r.cooldownUntil = time.Time{}
		}
		r.mu.Unlock()
		m.gauge(name, StatusAvailable)
	}
}

// Reset 手动清零一个源的健康记录（计数器、冷却轮数全清）
func (m *Monitor) Reset(name string) {
	if r := m.get(name); r != nil {
		r.mu.Lock()
		limit := r.limitPerMinute
		*r = record{status: StatusAvailable, limitPerMinute: limit}
		r.mu.Unlock()
		m.gauge(name, StatusAvailable)
	}
}

// AvgLatency 实现 registry.LatencyProvider；0 表示无样本
func (m *Monitor) AvgLatency(name string) time.Duration {
	r := m.get(name)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.avgLatency
}

// SourceStats 监控面板消费的只读快照
type SourceStats struct {
	Name                string    `json:"name"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitzero"`
	AvgLatencyMs        float64   `json:"avg_latency_ms"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessCount        int64     `json:"success_count"`
	FailureCount        int64     `json:"failure_count"`
	RateLimitHits       int64     `json:"rate_limit_hits"`
	SuccessRate         float64   `json:"success_rate"`
}

func (m *Monitor) Stats() map[string]SourceStats {
	m.mu.RLock()
	names := make([]string, 0, len(m.recs))
	for n := range m.recs {
		names = append(names, n)
	}
	m.mu.RUnlock()

	out := make(map[string]SourceStats, len(names))
	for _, n := range names {
		r := m.get(n)
		r.mu.Lock()
		st := SourceStats{
			Name:                n,
			Status:              r.status,
			ConsecutiveFailures: r.consecutiveFailures,
			CooldownUntil:       r.cooldownUntil,
			AvgLatencyMs:        float64(r.avgLatency) / float64(time.Millisecond),
			TotalRequests:       r.totalRequests,
			SuccessCount:        r.successCount,
			FailureCount:        r.failureCount,
			RateLimitHits:       r.rateLimitHits,
		}
		if done := r.successCount + r.failureCount; done > 0 {
			st.SuccessRate = float64(r.successCount) / float64(done)
		}
		r.mu.Unlock()
		out[n] = st
	}
	return out
}

func (r *record) pruneWindowLocked(now time.Time, window time.Duration) {
	cut := now.Add(-window)
	i := 0
	for ; i < len(r.requestTimestamps); i++ {
		if r.requestTimestamps[i].After(cut) {
			break
		}
	}
	if i > 0 {
		r.requestTimestamps = append(r.requestTimestamps[:0], r.requestTimestamps[i:]...)
	}
}

// gauge 状态翻转时更新 prometheus（0/1 向量）
func (m *Monitor) gauge(name string, st Status) {
	for _, s := range []Status{StatusAvailable, StatusCooldown, StatusRateLimited, StatusDisabled} {
		v := 0.0
		if s == st {
			v = 1.0
		}
		metrics.SourceState.WithLabelValues(name, string(s)).Set(v)
	}
}
