package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Descriptor：一个数据源的静态描述。启动时从配置加载，之后不可变。
// 具体的请求构造 / 响应解析不在本核心（FetchFunc 对引擎是黑盒）。
type Descriptor struct {
	Name     string // 唯一标识，例如 "binance" / "coingecko"
	Category string // 所属类别，例如 "market_prices" / "news"

	BaseURL string
	Method  string
	Headers map[string]string
	// 凭证引用（密钥名），令牌管理本身不在本核心
	CredentialRef string

	// 越小越优先
	PriorityTier int
	// 本地每分钟请求数软限制
	RateLimitPerMinute int
	// 单次请求超时
	Timeout time.Duration
}

// FetchFunc 由宿主按类别注入：引擎只负责调度，不理解任何 provider 的线上格式。
type FetchFunc func(ctx context.Context, src Descriptor, params map[string]string) (any, error)

// ---------------------------------------------------------
// 错误分类：每种 Kind 映射到健康状态机里不同的冷却策略
// ---------------------------------------------------------

type Kind string

const (
	KindTimeout       Kind = "timeout"
	KindTransport     Kind = "transport"
	KindRateLimited   Kind = "rate_limited"
	KindAuthFailure   Kind = "auth_failure"
	KindServerError   Kind = "server_error"
	KindInvalidResult Kind = "invalid_result"
)

// FetchError 带分类的数据源错误。fetcher 用 NewError 标注分类，
// 没标注的由 KindOf 兜底归类。
type FetchError struct {
	Kind   Kind
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func NewError(kind Kind, source string, err error) error {
	return &FetchError{Kind: kind, Source: source, Err: err}
}

// KindOf 纯函数：错误 → 分类。单独测试，健康状态机直接消费结果。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindTransport
	}

	// 不认识的错误按连接级故障处理（短冷却，最保守）
	return KindTransport
}

// ---------------------------------------------------------
// 基础形状校验（InvalidResult 的典型来源）
// ---------------------------------------------------------

// Candle 单根 K 线，校验用的最小形状
type Candle struct {
	Open, High, Low, Close float64
	Volume                 float64
	TsUnixMs               int64
}

// SanityCheck 校验 OHLC 基本不变量：low ≤ open,close ≤ high，且全部非负。
// 不满足的响应按 InvalidResult 计入健康跟踪。
func (c Candle) SanityCheck() error {
	if c.Low < 0 || c.Volume < 0 {
		return fmt.Errorf("negative value: low=%v vol=%v", c.Low, c.Volume)
	}
	if c.Low > c.Open || c.Low > c.Close || c.Open > c.High || c.Close > c.High || c.Low > c.High {
		return fmt.Errorf("ohlc out of order: o=%v h=%v l=%v c=%v", c.Open, c.High, c.Low, c.Close)
	}
	return nil
}
