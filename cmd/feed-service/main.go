package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"quotefeed.com/internal/feed/attempt"
	"quotefeed.com/internal/feed/cache"
	"quotefeed.com/internal/feed/engine"
	"quotefeed.com/internal/feed/health"
	"quotefeed.com/internal/feed/httpapi"
	"quotefeed.com/internal/feed/publish"
	"quotefeed.com/internal/feed/registry"
	"quotefeed.com/internal/feed/sink"
	"quotefeed.com/pkg/breaker"
	vipconfig "quotefeed.com/pkg/config"
	"quotefeed.com/pkg/logger"
	"quotefeed.com/pkg/ratelimit"
	"quotefeed.com/pkg/safe"
	"quotefeed.com/pkg/xredis"
)

const serviceName = "feed-service"

// Config 宿主进程的总配置。sources 配置坏了直接 Fatal——
// 配置错误是启动期致命错误，不留到运行时。
type Config struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Nats struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
	} `mapstructure:"nats"`

	Influx struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
		Token   string `mapstructure:"token"`
		Org     string `mapstructure:"org"`
		Bucket  string `mapstructure:"bucket"`
	} `mapstructure:"influx"`

	// 出站全局限速（0 = 不限）
	Outbound struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"outbound"`

	Health     health.Config                    `mapstructure:"health"`
	Categories map[string]engine.CategoryConfig `mapstructure:"categories"`
	Sources    []registry.SourceConfig          `mapstructure:"sources"`
}

func main() {
	var cfg Config

	// 热加载钩子：引擎/监控建好之后才挂上（viper 的回调在建之前就可能触发）
	var hooksMu sync.Mutex
	var reloadHooks []func()
	if _, err := vipconfig.LoadAndWatch(serviceName, &cfg, func() {
		hooksMu.Lock()
		defer hooksMu.Unlock()
		for _, fn := range reloadHooks {
			fn()
		}
	}); err != nil {
		panic("load config: " + err.Error())
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	logger.Init(serviceName, cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.New(cfg.Sources, nil)
	if err != nil {
		logger.Fatal(ctx, "source registry load failed", zap.Error(err))
	}
	// 健康记录按描述符逐源创建；注册表的同 tier 排序回头用它的延迟 EMA
	mon := health.NewMonitor(cfg.Health, reg.All())
	reg.SetLatencyProvider(mon)

	store, cleanup := buildCache(ctx, &cfg)
	defer cleanup()

	opts := []engine.Option{}
	if b := buildBroker(ctx, &cfg); b != nil {
		opts = append(opts, engine.WithBroker(b))
		defer b.Close()
	}
	if cfg.Outbound.RPS > 0 {
		burst := cfg.Outbound.Burst
		if burst <= 0 {
			burst = int(cfg.Outbound.RPS)
		}
		opts = append(opts, engine.WithOutboundLimit(
			ratelimit.NewStore(rate.Limit(cfg.Outbound.RPS), burst, time.Hour)))
	}

	eng := engine.New(reg, mon, store, cfg.Categories, opts...)

	// 调参热更新：冷却/阈值/TTL 改了立即生效，描述符不动
	hooksMu.Lock()
	reloadHooks = append(reloadHooks, func() {
		mon.UpdateConfig(cfg.Health)
		eng.UpdateCategories(cfg.Categories)
	})
	hooksMu.Unlock()

	// 每个类别一个 fetch 黑盒；引擎不理解任何 provider 的线上格式
	client := &http.Client{} // 超时由策略层按描述符设置
	for cat := range cfg.Categories {
		eng.RegisterFetcher(cat, jsonFetcher(client))
	}

	startInflux(ctx, &cfg, eng)

	srv := httpapi.NewRouter(ctx, cfg.HTTP.Addr, eng)
	safe.Go(func() {
		logger.Info(ctx, "http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(ctx, "http server failed", zap.Error(err))
		}
	})

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
}

// buildCache redis 可用就用温缓存（重启不丢），否则纯内存。
// redis 连不上不致命，降级即可。
func buildCache(ctx context.Context, cfg *Config) (cache.Store, func()) {
	maxAge := maxCategoryAge(cfg.Categories)

	if cfg.Redis.Enabled {
		rdb, err := xredis.NewRedis(&xredis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err == nil {
			cb := breaker.NewManager(breaker.Rule{}, nil, cache.IsRedisFailure)
			return cache.NewRedisStore(rdb, cb, maxAge), func() { _ = rdb.Close() }
		}
		logger.Warn(ctx, "redis unavailable, falling back to in-memory cache", zap.Error(err))
	}

	mem := cache.NewMemStore()
	mem.StartJanitor(ctx, time.Minute, maxAge)
	return mem, func() {}
}

func buildBroker(ctx context.Context, cfg *Config) publish.Broker {
	if !cfg.Nats.Enabled {
		return nil
	}
	b, err := publish.NewNatsBroker(cfg.Nats.URL)
	if err != nil {
		logger.Warn(ctx, "nats unavailable, trusted values will not be published", zap.Error(err))
		return nil
	}
	return b
}

// startInflux attempt 审计旁路进 influx，面板回溯延迟/成功率
func startInflux(ctx context.Context, cfg *Config, eng *engine.Engine) {
	if !cfg.Influx.Enabled {
		return
	}
	s := sink.New(sink.Config{
		URL:    cfg.Influx.URL,
		Token:  cfg.Influx.Token,
		Org:    cfg.Influx.Org,
		Bucket: cfg.Influx.Bucket,
	})

	ch := make(chan attempt.Record, 4096)
	eng.AttemptLog().SetTap(func(rec attempt.Record) {
		// 旁路满了直接丢，绝不反压 acquire 路径
		select {
		case ch <- rec:
		default:
		}
	})
	safe.GoCtx(ctx, func(ctx context.Context) {
		defer s.Close()
		_ = s.Run(ctx, ch)
	})
}

func maxCategoryAge(cats map[string]engine.CategoryConfig) time.Duration {
	max := time.Hour
	for _, c := range cats {
		if c.MaxAge > max {
			max = c.MaxAge
		}
	}
	return max
}
