package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// 多源交叉校验：同一个查询拿到 ≥2 份独立结果后做统计对账。
// 数值类（价格）发布中位数为可信值；方差超阈值打异常标记。
// 文档类（新闻）按规范化 URL 去重合并。

// Sample 某个源给出的一个数值
type Sample struct {
	Source string
	Value  decimal.Decimal
}

// Numeric 数值对账结果。
// 不变量：AnomalyFlag == true 当且仅当 stddev/mean > 阈值。
type Numeric struct {
	Key         string                     `json:"key"`
	Median      decimal.Decimal            `json:"median"`
	Mean        decimal.Decimal            `json:"mean"`
	StdDev      float64                    `json:"stddev"`
	SampleCount int                        `json:"sample_count"`
	SourcesUsed []string                   `json:"sources_used"`
	Spread      map[string]decimal.Decimal `json:"spread"` // 每个源的原始值，面板观测用
	AnomalyFlag bool                       `json:"anomaly"`
}

var ErrNoSamples = errors.New("aggregate: no samples")

// DefaultVarianceThreshold 默认 5%（变异系数），运营调参值
const DefaultVarianceThreshold = 0.05

// Reconcile 统计对账。threshold <= 0 时用默认 5%。
func Reconcile(key string, samples []Sample, threshold float64) (Numeric, error) {
	if len(samples) == 0 {
		return Numeric{}, ErrNoSamples
	}
	if threshold <= 0 {
		threshold = DefaultVarianceThreshold
	}

	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value.LessThan(sorted[j].Value) })

	n := len(sorted)
	var median decimal.Decimal
	if n%2 == 1 {
		median = sorted[n/2].Value
	} else {
		median = sorted[n/2-1].Value.Add(sorted[n/2].Value).Div(decimal.NewFromInt(2))
	}

	sum := decimal.Zero
	for _, s := range sorted {
		sum = sum.Add(s.Value)
	}
	mean := sum.Div(decimal.NewFromInt(int64(n)))

	// 标准差只在开方这一步走 float64
	meanF := mean.InexactFloat64()
	var variance float64
	for _, s := range sorted {
		d := s.Value.InexactFloat64() - meanF
		variance += d * d
	}
	variance /= float64(n)
	stddev := math.Sqrt(variance)

	res := Numeric{
		Key:         key,
		Median:      median,
		Mean:        mean,
		StdDev:      stddev,
		SampleCount: n,
		Spread:      make(map[string]decimal.Decimal, n),
	}
	for _, s := range samples {
		res.SourcesUsed = append(res.SourcesUsed, s.Source)
		res.Spread[s.Source] = s.Value
	}

	// 变异系数 > 阈值 ⇒ 异常（mean 为 0 时无法归一化，同样视为异常）
	if meanF == 0 {
		res.AnomalyFlag = stddev > 0
	} else {
		res.AnomalyFlag = stddev/math.Abs(meanF) > threshold
	}
	return res, nil
}

// ToDecimal 把 fetcher 返回的黑盒数值规整成 decimal。
// 支持 float/int/string/json.Number/decimal，其余形状不认。
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case float64:
		return decimal.NewFromFloat(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(x)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

// ---------------------------------------------------------
// 文档类合并（新闻）
// ---------------------------------------------------------

type Document struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Summary     string    `json:"summary,omitempty"`
}

// MergeDocuments 多源文档合并：按规范化 URL 去重（保留先到的），
// 按发布时间倒序。
func MergeDocuments(lists ...[]Document) []Document {
	seen := make(map[string]struct{})
	var out []Document

	for _, list := range lists {
		for _, d := range list {
			key := CanonicalURL(d.URL)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, d)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	return out
}

// CanonicalURL 同一篇文章在不同聚合站的链接差异主要是
// 大小写 host、尾斜杠和 utm 跟踪参数，这里全部归一。
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(raw), "/"))
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()

	return fmt.Sprintf("%s://%s%s%s", u.Scheme, u.Host, u.Path, queryTail(u.RawQuery))
}

func queryTail(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	return "?" + rawQuery
}
