package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"quotefeed.com/pkg/metrics"
)

// 按资源名（redis / nats / influx）管理熔断器。
// 数据源本身不走这里——数据源的熔断语义由 health.Monitor 的状态机承担
// （RateLimited/AuthFailure 有各自的惩罚时长，Disabled 只能手动恢复，
// gobreaker 表达不了）。这里只保护基础设施依赖，让 redis 故障时
// 快速失败回落到内存路径，而不是每次请求都等超时。

type Rule struct {
	// Half-Open 状态允许通过的探测请求数（MaxRequests=0 时库会当作 1）
	MaxRequests uint32

	// Closed 状态计数窗口
	Interval time.Duration

	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32  // 连续失败阈值
	TripFailureRate         float64 // 失败率阈值（0~1）
	TripMinRequests         uint32  // 失败率计算的最小样本数
}

type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	defaultRule Rule
	rules       map[string]Rule

	// isFailure 决定哪些错误计入熔断失败；nil 时任何非空错误都计入
	isFailure func(err error) bool
}

func NewManager(defaultRule Rule, perResource map[string]Rule, isFailure func(err error) bool) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 3
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 5 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = 10 * time.Second
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 5
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 10
	}

	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[struct{}], 8),
		defaultRule: defaultRule,
		rules:       perResource,
		isFailure:   isFailure,
	}
}

// Do 在熔断器内执行 fn。熔断打开时返回 ErrOpen，调用方自行降级。
func (m *Manager) Do(resource string, fn func() error) error {
	cb := m.Get(resource)
	_, err := cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.BreakerRejectTotal.WithLabelValues(resource).Inc()
		return ErrOpen
	}
	return err
}

// ErrOpen 熔断打开期间的快速失败信号
var ErrOpen = errors.New("breaker: open")

func (m *Manager) Get(resource string) *gobreaker.CircuitBreaker[struct{}] {
	// 快路径：读锁
	m.mu.RLock()
	cb := m.m[resource]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	// 慢路径：创建
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb = m.m[resource]; cb != nil {
		return cb
	}

	rule, ok := m.rules[resource]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:        resource,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,

		ReadyToTrip: func(c gobreaker.Counts) bool {
			// 1) 连续失败阈值优先（最直观）
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			// 2) 失败率阈值（适合波动流量）
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				failRate := float64(c.TotalFailures) / float64(c.Requests)
				return failRate >= rule.TripFailureRate
			}
			return false
		},

		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// 调用方取消不代表依赖不健康
			if errors.Is(err, context.Canceled) {
				return true
			}
			if m.isFailure != nil {
				return !m.isFailure(err)
			}
			return false
		},
	}

	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	m.m[resource] = cb
	return cb
}
