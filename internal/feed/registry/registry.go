package registry

import (
	"fmt"
	"sort"
	"time"

	"quotefeed.com/internal/feed/source"
)

// SourceConfig：yaml 里的一条数据源描述。
// 配置错误在加载时就失败（fatal），不留到第一次使用才炸。
type SourceConfig struct {
	Name               string            `yaml:"name" mapstructure:"name"`
	Category           string            `yaml:"category" mapstructure:"category"`
	BaseURL            string            `yaml:"base_url" mapstructure:"base_url"`
	Method             string            `yaml:"method" mapstructure:"method"`
	Headers            map[string]string `yaml:"headers" mapstructure:"headers"`
	CredentialRef      string            `yaml:"credential_ref" mapstructure:"credential_ref"`
	PriorityTier       int               `yaml:"priority_tier" mapstructure:"priority_tier"`
	RateLimitPerMinute int               `yaml:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	TimeoutSeconds     int               `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// LatencyProvider 提供历史平均延迟，用于同 tier 排序。
// 实际注入的是 health.Monitor；返回 0 表示还没有样本。
type LatencyProvider interface {
	AvgLatency(name string) time.Duration
}

// Registry 类别 → 数据源目录。加载后只读，无副作用。
type Registry struct {
	byCategory map[string][]source.Descriptor
	byName     map[string]source.Descriptor
	regOrder   map[string]int // 注册顺序，平局的最后一级
	lat        LatencyProvider
}

const defaultTimeout = 10 * time.Second

func New(cfgs []SourceConfig, lat LatencyProvider) (*Registry, error) {
	r := &Registry{
		byCategory: make(map[string][]source.Descriptor),
		byName:     make(map[string]source.Descriptor),
		regOrder:   make(map[string]int),
		lat:        lat,
	}

	for i, c := range cfgs {
		if c.Name == "" {
			return nil, fmt.Errorf("registry: sources[%d]: name is required", i)
		}
		if c.Category == "" {
			return nil, fmt.Errorf("registry: source %q: category is required", c.Name)
		}
		if c.BaseURL == "" {
			return nil, fmt.Errorf("registry: source %q: base_url is required", c.Name)
		}
		if c.PriorityTier < 0 {
			return nil, fmt.Errorf("registry: source %q: priority_tier must be >= 0", c.Name)
		}
		if c.RateLimitPerMinute <= 0 {
			return nil, fmt.Errorf("registry: source %q: rate_limit_per_minute must be > 0", c.Name)
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate source name %q", c.Name)
		}

		timeout := time.Duration(c.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		method := c.Method
		if method == "" {
			method = "GET"
		}

		d := source.Descriptor{
			Name:               c.Name,
			Category:           c.Category,
			BaseURL:            c.BaseURL,
			Method:             method,
			Headers:            c.Headers,
			CredentialRef:      c.CredentialRef,
			PriorityTier:       c.PriorityTier,
			RateLimitPerMinute: c.RateLimitPerMinute,
			Timeout:            timeout,
		}

		r.byName[d.Name] = d
		r.regOrder[d.Name] = i
		r.byCategory[d.Category] = append(r.byCategory[d.Category], d)
	}

	if len(r.byName) == 0 {
		return nil, fmt.Errorf("registry: no sources configured")
	}
	return r, nil
}

// SetLatencyProvider 注入延迟来源。健康监控的记录表要按注册表的
// 描述符初始化，两者互相引用，注册表先建、再回填这个 hook。
func (r *Registry) SetLatencyProvider(lp LatencyProvider) { r.lat = lp }

// SourcesFor 返回某类别下的数据源，tier 升序；
// 同 tier 按历史平均延迟升序（无样本视为相等），再按注册顺序。
func (r *Registry) SourcesFor(category string) []source.Descriptor {
	list := r.byCategory[category]
	if len(list) == 0 {
		return nil
	}

	out := make([]source.Descriptor, len(list))
	copy(out, list)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PriorityTier != out[j].PriorityTier {
			return out[i].PriorityTier < out[j].PriorityTier
		}
		if r.lat != nil {
			li, lj := r.lat.AvgLatency(out[i].Name), r.lat.AvgLatency(out[j].Name)
			// 0 表示无样本，不参与比较
			if li > 0 && lj > 0 && li != lj {
				return li < lj
			}
		}
		return r.regOrder[out[i].Name] < r.regOrder[out[j].Name]
	})
	return out
}

func (r *Registry) Get(name string) (source.Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

func (r *Registry) Categories() []string {
	cats := make([]string, 0, len(r.byCategory))
	for c := range r.byCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

// All 所有描述符（健康记录初始化用），注册顺序
func (r *Registry) All() []source.Descriptor {
	out := make([]source.Descriptor, 0, len(r.byName))
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return r.regOrder[names[i]] < r.regOrder[names[j]] })
	for _, n := range names {
		out = append(out, r.byName[n])
	}
	return out
}
