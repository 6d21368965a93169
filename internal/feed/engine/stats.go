package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
	"quotefeed.com/internal/feed/attempt"
	"quotefeed.com/internal/feed/health"
)

// 运维面：监控面板消费，引擎本体不依赖这里。

// MonitoringStats 每个源的健康快照
func (e *Engine) MonitoringStats() map[string]health.SourceStats {
	return e.health.Stats()
}

// RecentAttempts 某类别最近 n 条尝试审计
func (e *Engine) RecentAttempts(category string, n int) []attempt.Record {
	return e.attempts.Recent(category, n)
}

// ClearCache 清空响应缓存（运维操作）
func (e *Engine) ClearCache(ctx context.Context) error {
	return e.cache.Clear(ctx)
}

// DisableSource 手动下线一个源（永不自动恢复）
func (e *Engine) DisableSource(name string) bool {
	if _, ok := e.reg.Get(name); !ok {
		return false
	}
	e.health.Disable(name)
	return true
}

// EnableSource 手动恢复
func (e *Engine) EnableSource(name string) bool {
	if _, ok := e.reg.Get(name); !ok {
		return false
	}
	e.health.Enable(name)
	return true
}

// ResetSource 清零健康记录（冷却轮数、计数器）
func (e *Engine) ResetSource(name string) bool {
	if _, ok := e.reg.Get(name); !ok {
		return false
	}
	e.health.Reset(name)
	return true
}

// Warm 并发预热一批 key（启动或定时任务用）。失败的 key 不中断
// 其它 key 的预热，结果按 key 返回。
func (e *Engine) Warm(ctx context.Context, category string, keys []string, params map[string]string) map[string]Result {
	out := make(map[string]Result, len(keys))
	results := make([]Result, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			results[i] = e.Acquire(gctx, category, k, params)
			return nil
		})
	}
	_ = g.Wait() // Acquire 不返回 error，Wait 只等完成

	for i, k := range keys {
		out[k] = results[i]
	}
	return out
}
