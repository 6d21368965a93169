package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"quotefeed.com/internal/feed/attempt"
	"quotefeed.com/internal/feed/source"
	"quotefeed.com/pkg/logger"
	"quotefeed.com/pkg/metrics"
)

// Cascade 默认策略：按优先级逐个试，成功即止。
// 尝试预算 len(sources)+1——防止某个源在级联中途恢复后被反复打
// （单次级联内同一个源最多一次）。
func Cascade(
	ctx context.Context,
	category, key string,
	sources []source.Descriptor,
	fetch source.FetchFunc,
	h HealthTracker,
	log *attempt.Log,
	params map[string]string,
) (Result, error) {
	budget := len(sources) + 1
	attempts := 0
	var lastErr error

	for _, src := range sources {
		if ctx.Err() != nil {
			return Result{Attempts: attempts}, ctx.Err()
		}
		if attempts >= budget {
			break
		}
		if !h.IsAvailable(src.Name) {
			continue
		}

		attempts++
		val, latency, err := doFetch(ctx, src, fetch, h, params)
		record(log, category, key, src.Name, latency, err)

		if err == nil {
			h.RecordSuccess(src.Name, latency)
			return Result{Value: val, Source: src.Name, Attempts: attempts}, nil
		}

		kind := source.KindOf(err)
		h.RecordFailure(src.Name, kind)
		lastErr = err
		logger.Debug(ctx, "cascade source failed",
			zap.String("category", category),
			zap.String("source", src.Name),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}

	if attempts == 0 {
		return Result{}, ErrNoSources
	}
	return Result{Attempts: attempts}, fmt.Errorf("%w: last: %v", ErrExhausted, lastErr)
}

// doFetch 单次尝试：窗口记账 → 带超时的出站调用
func doFetch(
	ctx context.Context,
	src source.Descriptor,
	fetch source.FetchFunc,
	h HealthTracker,
	params map[string]string,
) (any, time.Duration, error) {
	h.MarkRequest(src.Name)

	// 每次出站调用必须有超时；超时等同传输失败计入健康跟踪
	fctx, cancel := context.WithTimeout(ctx, src.Timeout)
	defer cancel()

	start := time.Now()
	val, err := fetch(fctx, src, params)
	latency := time.Since(start)

	metrics.FetchLatency.WithLabelValues(src.Category, src.Name).Observe(latency.Seconds())
	return val, latency, err
}

func record(log *attempt.Log, category, key, src string, latency time.Duration, err error) {
	if log == nil {
		return
	}
	rec := attempt.Record{
		Source:    src,
		Category:  category,
		Key:       key,
		StartedAt: time.Now().Add(-latency),
		Latency:   latency,
		Outcome:   attempt.OutcomeSuccess,
	}
	outcome := "success"
	if err != nil {
		rec.Outcome = attempt.OutcomeFailure
		rec.ErrorKind = source.KindOf(err)
		outcome = "failure"
		// race 模式落败方被取消不算源的失败
		if errors.Is(err, context.Canceled) {
			rec.Outcome = attempt.OutcomeCancelled
			rec.ErrorKind = ""
			outcome = "cancelled"
		}
	}
	metrics.FetchAttemptTotal.WithLabelValues(category, src, outcome).Inc()
	log.Append(rec)
}
