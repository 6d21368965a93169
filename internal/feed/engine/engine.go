package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"quotefeed.com/internal/feed/aggregate"
	"quotefeed.com/internal/feed/attempt"
	"quotefeed.com/internal/feed/cache"
	"quotefeed.com/internal/feed/health"
	"quotefeed.com/internal/feed/publish"
	"quotefeed.com/internal/feed/registry"
	"quotefeed.com/internal/feed/source"
	"quotefeed.com/internal/feed/strategy"
	"quotefeed.com/pkg/logger"
	"quotefeed.com/pkg/metrics"
	"quotefeed.com/pkg/ratelimit"
	"quotefeed.com/pkg/safe"
)

// Engine 获取门面：缓存读 → 策略执行 → 交叉校验 → 缓存写 → 陈旧兜底。
// 一个实例独占持有全部可变状态（健康表、缓存、审计环），
// 显式传递，不做进程级单例。
// 错误永远不会越过这个边界往上抛——调用方拿到的始终是结构化 Result。

type StrategyKind string

const (
	StrategyCascade StrategyKind = "cascade"
	StrategyRace    StrategyKind = "race"
)

// CategoryConfig 每个类别的获取参数
type CategoryConfig struct {
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl"`
	// 陈旧兜底的应急窗口，必须 > TTL
	MaxAge   time.Duration `yaml:"max_age" mapstructure:"max_age"`
	Strategy StrategyKind  `yaml:"strategy" mapstructure:"strategy"`
	// race 模式并发源数
	RaceK int `yaml:"race_k" mapstructure:"race_k"`
	// 数值类的多源交叉校验
	Validate       bool    `yaml:"validate" mapstructure:"validate"`
	ValidateProbes int     `yaml:"validate_probes" mapstructure:"validate_probes"`
	VarianceThresh float64 `yaml:"variance_threshold" mapstructure:"variance_threshold"`
}

func (c CategoryConfig) withDefaults() CategoryConfig {
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.MaxAge <= c.TTL {
		c.MaxAge = 10 * c.TTL
	}
	if c.Strategy == "" {
		c.Strategy = StrategyCascade
	}
	if c.RaceK <= 0 {
		c.RaceK = 3
	}
	if c.ValidateProbes <= 0 {
		c.ValidateProbes = 4
	}
	return c
}

// Result 门面的统一出参。调用方分支看字段，不 catch 异常。
type Result struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	// 本次数据由哪个源给出；校验聚合时为主样本源
	Source string `json:"source,omitempty"`
	Cached bool   `json:"cached"`
	Stale  bool   `json:"stale"`
	// 多源交叉校验是否生效
	Validated bool               `json:"validated"`
	Aggregate *aggregate.Numeric `json:"aggregate,omitempty"`
	Attempts  int                `json:"attempts"`
	Error     string             `json:"error,omitempty"`
}

type Engine struct {
	reg      *registry.Registry
	health   *health.Monitor
	cache    cache.Store
	attempts *attempt.Log

	// catMu 同时罩住 cats 和 fetchers：热更新 / 注册与并发 Acquire 互斥
	catMu    sync.RWMutex
	cats     map[string]CategoryConfig
	fetchers map[string]source.FetchFunc

	sf singleflight.Group

	// 可选件
	broker   publish.Broker   // 可信值广播
	outbound *ratelimit.Store // 出站全局限速
}

type Option func(*Engine)

func WithBroker(b publish.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

// WithOutboundLimit 出站全局限速（所有源共享的 rps 上限）
func WithOutboundLimit(store *ratelimit.Store) Option {
	return func(e *Engine) { e.outbound = store }
}

func WithAttemptLogSize(n int) Option {
	return func(e *Engine) { e.attempts = attempt.NewLog(n) }
}

func New(reg *registry.Registry, mon *health.Monitor, store cache.Store, cats map[string]CategoryConfig, opts ...Option) *Engine {
	e := &Engine{
		reg:      reg,
		health:   mon,
		cache:    store,
		attempts: attempt.NewLog(256),
		cats:     make(map[string]CategoryConfig, len(cats)),
		fetchers: make(map[string]source.FetchFunc, len(cats)),
	}
	for k, v := range cats {
		e.cats[k] = v.withDefaults()
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RegisterFetcher 按类别注入外部 fetch 函数。引擎不理解任何 provider
// 的线上格式，只负责调度这个黑盒。与进行中的 Acquire 并发调用是安全的。
func (e *Engine) RegisterFetcher(category string, fn source.FetchFunc) {
	e.catMu.Lock()
	e.fetchers[category] = fn
	e.catMu.Unlock()
}

func (e *Engine) fetcher(category string) source.FetchFunc {
	e.catMu.RLock()
	defer e.catMu.RUnlock()
	return e.fetchers[category]
}

// UpdateCategories 热更新类别调参（TTL、策略、校验阈值）。
// 配置热加载回调用；in-flight 的获取继续用旧值。
func (e *Engine) UpdateCategories(cats map[string]CategoryConfig) {
	next := make(map[string]CategoryConfig, len(cats))
	for k, v := range cats {
		next[k] = v.withDefaults()
	}
	e.catMu.Lock()
	e.cats = next
	e.catMu.Unlock()
}

func (e *Engine) categoryConfig(category string) CategoryConfig {
	e.catMu.RLock()
	cfg := e.cats[category]
	e.catMu.RUnlock()
	return cfg.withDefaults()
}

// AttemptLog 暴露给 sink / 监控面板
func (e *Engine) AttemptLog() *attempt.Log { return e.attempts }

// ---------------------------------------------------------
// Acquire
// ---------------------------------------------------------

type acquireOpts struct {
	useCache    bool
	ttlOverride time.Duration
}

type AcquireOption func(*acquireOpts)

// NoCache 跳过新鲜缓存读（强制回源）。写路径不受影响。
func NoCache() AcquireOption {
	return func(o *acquireOpts) { o.useCache = false }
}

func WithTTL(ttl time.Duration) AcquireOption {
	return func(o *acquireOpts) { o.ttlOverride = ttl }
}

// Acquire 单一入口。永远返回结构化结果，不 panic 不抛错。
func (e *Engine) Acquire(ctx context.Context, category, key string, params map[string]string, opts ...AcquireOption) Result {
	o := acquireOpts{useCache: true}
	for _, fn := range opts {
		fn(&o)
	}

	cfg := e.categoryConfig(category)
	cacheKey := category + ":" + key

	// 1. 新鲜缓存命中直接返回
	if o.useCache {
		if v, ok := e.cache.Get(ctx, cacheKey); ok {
			metrics.CacheOpsTotal.WithLabelValues(category, "hit").Inc()
			return Result{Success: true, Data: v, Cached: true}
		}
		metrics.CacheOpsTotal.WithLabelValues(category, "miss").Inc()
	}

	// 2. singleflight 防击穿：同 key 并发 miss 只回源一次
	v, err, _ := e.sf.Do(cacheKey, func() (interface{}, error) {
		return e.fetchAndStore(ctx, cfg, category, key, cacheKey, params, o), nil
	})
	_ = err // 闭包永远返回 nil error，失败在 Result 里表达

	return v.(Result)
}

// fetchAndStore 策略执行 + 缓存写 + 陈旧兜底
func (e *Engine) fetchAndStore(ctx context.Context, cfg CategoryConfig, category, key, cacheKey string, params map[string]string, o acquireOpts) Result {
	sources := e.reg.SourcesFor(category)
	fetch := e.fetcher(category)

	// key 对 fetcher 可见：并入参数。调用方显式给过 key 就不覆盖。
	if _, ok := params["key"]; !ok {
		merged := make(map[string]string, len(params)+1)
		for k, v := range params {
			merged[k] = v
		}
		merged["key"] = key
		params = merged
	}

	var res Result
	switch {
	case len(sources) == 0:
		res = Result{Error: fmt.Sprintf("no sources configured for category %q", category)}
	case fetch == nil:
		res = Result{Error: fmt.Sprintf("no fetcher registered for category %q", category)}
	default:
		if e.outbound != nil {
			// 出站全局限速：排队而不是丢弃，ctx 取消时放弃
			if err := e.outbound.Wait(ctx, "outbound"); err != nil {
				return e.staleFallback(ctx, cfg, category, cacheKey, Result{Error: err.Error()})
			}
		}
		if cfg.Validate {
			res = e.acquireValidated(ctx, cfg, category, key, sources, fetch, params)
		} else {
			res = e.acquirePlain(ctx, cfg, category, key, sources, fetch, params)
		}
	}

	// 3. 成功：写缓存（整体覆盖）并广播可信值
	if res.Success {
		ttl := cfg.TTL
		if o.ttlOverride > 0 {
			ttl = o.ttlOverride
		}
		if err := e.cache.Set(ctx, cacheKey, res.Data, ttl); err != nil {
			logger.Warn(ctx, "cache write failed",
				zap.String("key", cacheKey), zap.Error(err))
		}
		e.publishTrusted(category, key, res)
		return res
	}

	// 4. 全部源失败：陈旧兜底
	return e.staleFallback(ctx, cfg, category, cacheKey, res)
}

// acquirePlain 非校验类别：cascade 或 race 单值获取
func (e *Engine) acquirePlain(ctx context.Context, cfg CategoryConfig, category, key string, sources []source.Descriptor, fetch source.FetchFunc, params map[string]string) Result {
	var (
		sres strategy.Result
		err  error
	)
	if cfg.Strategy == StrategyRace {
		sres, err = strategy.Race(ctx, category, key, sources, cfg.RaceK, fetch, e.health, e.attempts, params)
	} else {
		sres, err = strategy.Cascade(ctx, category, key, sources, fetch, e.health, e.attempts, params)
	}

	if err != nil {
		return Result{Attempts: sres.Attempts, Error: err.Error()}
	}
	return Result{Success: true, Data: sres.Value, Source: sres.Source, Attempts: sres.Attempts}
}

// acquireValidated 数值类别：顺序探测一小撮源（不打满整个候选表，
// 控制延迟），凑够 ≥2 份成功样本就统计对账，中位数作为可信值。
// 只凑到 1 份时退化为未校验的单源结果。
func (e *Engine) acquireValidated(ctx context.Context, cfg CategoryConfig, category, key string, sources []source.Descriptor, fetch source.FetchFunc, params map[string]string) Result {
	probes := cfg.ValidateProbes
	if probes > len(sources) {
		probes = len(sources)
	}

	var (
		samples  []aggregate.Sample
		attempts int
		probed   int
		lastErr  string
	)

	for _, src := range sources {
		if probed >= probes || len(samples) >= 2 && probed >= 2 {
			// 凑够两份样本且至少探测两源后即可对账，不再追加延迟
			break
		}
		if ctx.Err() != nil {
			break
		}
		if !e.health.IsAvailable(src.Name) {
			continue
		}
		probed++

		sres, err := strategy.Cascade(ctx, category, key, []source.Descriptor{src}, fetch, e.health, e.attempts, params)
		attempts += sres.Attempts
		if err != nil {
			lastErr = err.Error()
			continue
		}

		d, ok := aggregate.ToDecimal(sres.Value)
		if !ok {
			// 校验类别吐出非数值：形状不对，按 InvalidResult 计入健康
			e.health.RecordFailure(src.Name, source.KindInvalidResult)
			lastErr = fmt.Sprintf("source %s returned non-numeric value", src.Name)
			continue
		}
		samples = append(samples, aggregate.Sample{Source: src.Name, Value: d})
	}

	switch len(samples) {
	case 0:
		return Result{Attempts: attempts, Error: firstNonEmpty(lastErr, "all sources failed")}
	case 1:
		// 样本不足，退化为未校验单值
		return Result{
			Success:  true,
			Data:     samples[0].Value,
			Source:   samples[0].Source,
			Attempts: attempts,
		}
	}

	agg, err := aggregate.Reconcile(key, samples, cfg.VarianceThresh)
	if err != nil {
		return Result{Attempts: attempts, Error: err.Error()}
	}
	if agg.AnomalyFlag {
		metrics.AggregateAnomalyTotal.WithLabelValues(category).Inc()
		logger.Warn(ctx, "cross-source variance exceeded threshold",
			zap.String("category", category),
			zap.String("key", key),
			zap.Float64("stddev", agg.StdDev),
			zap.Int("samples", agg.SampleCount),
		)
	}

	return Result{
		Success:   true,
		Data:      agg.Median,
		Source:    samples[0].Source,
		Validated: true,
		Aggregate: &agg,
		Attempts:  attempts,
	}
}

// staleFallback 只在源全灭时走：应急窗口内的过期条目好过没有
func (e *Engine) staleFallback(ctx context.Context, cfg CategoryConfig, category, cacheKey string, failed Result) Result {
	if v, ok := e.cache.GetStale(ctx, cacheKey, cfg.MaxAge); ok {
		metrics.CacheOpsTotal.WithLabelValues(category, "stale").Inc()
		logger.Warn(ctx, "serving stale cache after source exhaustion",
			zap.String("key", cacheKey),
			zap.Int("attempts", failed.Attempts),
			zap.String("last_error", failed.Error),
		)
		return Result{
			Success:  true,
			Data:     v,
			Cached:   true,
			Stale:    true,
			Attempts: failed.Attempts,
		}
	}

	// 显式失败结果：没有任何可用数据
	failed.Success = false
	if failed.Error == "" {
		failed.Error = "all sources failed and no usable cache"
	}
	return failed
}

// publishTrusted 广播可信值（best-effort，不阻塞、不影响返回）
func (e *Engine) publishTrusted(category, key string, res Result) {
	if e.broker == nil {
		return
	}
	type payload struct {
		Category  string             `json:"category"`
		Key       string             `json:"key"`
		Data      any                `json:"data"`
		Source    string             `json:"source"`
		Validated bool               `json:"validated"`
		Aggregate *aggregate.Numeric `json:"aggregate,omitempty"`
		Ts        int64              `json:"ts"`
	}
	b, err := json.Marshal(payload{
		Category:  category,
		Key:       key,
		Data:      res.Data,
		Source:    res.Source,
		Validated: res.Validated,
		Aggregate: res.Aggregate,
		Ts:        time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	topic := "feed:" + category + ":" + key
	safe.Go(func() {
		pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.broker.Publish(pctx, topic, b); err != nil {
			logger.Warn(pctx, "trusted value publish failed",
				zap.String("topic", topic), zap.Error(err))
		}
	})
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
