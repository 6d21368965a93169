package strategy

import (
	"errors"
	"time"

	"quotefeed.com/internal/feed/source"
)

// HealthTracker 策略层对健康监控的最小依赖（health.Monitor 实现）
type HealthTracker interface {
	IsAvailable(name string) bool
	MarkRequest(name string)
	RecordSuccess(name string, latency time.Duration)
	RecordFailure(name string, kind source.Kind)
}

// Result 策略执行成功的产物
type Result struct {
	Value  any
	Source string
	// 本次调用实际发起的 fetch 次数
	Attempts int
}

var (
	// ErrNoSources 过滤可用性之后一个候选都不剩
	ErrNoSources = errors.New("strategy: no available sources")
	// ErrExhausted 所有候选都试过且全部失败
	ErrExhausted = errors.New("strategy: all sources failed")
)
