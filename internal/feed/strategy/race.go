package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quotefeed.com/internal/feed/attempt"
	"quotefeed.com/internal/feed/source"
	"quotefeed.com/pkg/safe"
)

// raceOutcome 单个参赛源的完成信号
type raceOutcome struct {
	src     string
	val     any
	err     error
	latency time.Duration
}

// Race 并发打 top-K 可用源，第一个成功者胜出，其余通过共享
// cancel context 取消。胜出后仍在飞的调用交给后台协程收尾：
// 它们的健康结果照记（真实失败计失败、被取消不计），但绝不让
// 调用方等它们。
func Race(
	ctx context.Context,
	category, key string,
	sources []source.Descriptor,
	k int,
	fetch source.FetchFunc,
	h HealthTracker,
	log *attempt.Log,
	params map[string]string,
) (Result, error) {
	if k <= 0 {
		k = 3
	}

	// 选出 top-K 可用源（sources 已按 tier/延迟排好序）
	picked := make([]source.Descriptor, 0, k)
	for _, src := range sources {
		if len(picked) == k {
			break
		}
		if h.IsAvailable(src.Name) {
			picked = append(picked, src)
		}
	}
	if len(picked) == 0 {
		return Result{}, ErrNoSources
	}

	raceCtx, cancel := context.WithCancel(ctx)

	// 缓冲 == 参赛数，落败协程发送永不阻塞
	ch := make(chan raceOutcome, len(picked))
	for _, src := range picked {
		s := src
		safe.Go(func() {
			val, latency, err := doFetch(raceCtx, s, fetch, h, params)
			ch <- raceOutcome{src: s.Name, val: val, err: err, latency: latency}
		})
	}

	launched := len(picked)
	received := 0
	var lastErr error

	for received < launched {
		select {
		case <-ctx.Done():
			cancel()
			safe.Go(func() { drain(ch, launched-received, category, key, h, log) })
			return Result{Attempts: launched}, ctx.Err()

		case o := <-ch:
			received++
			record(log, category, key, o.src, o.latency, o.err)

			if o.err == nil {
				// 赢家定了：取消其余在飞调用，收尾不阻塞调用方
				h.RecordSuccess(o.src, o.latency)
				cancel()
				remaining := launched - received
				if remaining > 0 {
					safe.Go(func() { drain(ch, remaining, category, key, h, log) })
				}
				return Result{Value: o.val, Source: o.src, Attempts: launched}, nil
			}

			if !errors.Is(o.err, context.Canceled) {
				h.RecordFailure(o.src, source.KindOf(o.err))
			}
			lastErr = o.err
		}
	}

	cancel()
	return Result{Attempts: launched}, fmt.Errorf("%w: last: %v", ErrExhausted, lastErr)
}

// drain 赢家产生后继续消费落败者的完成信号（best-effort）。
// 被取消的不算源失败；取消前已经真实失败/成功的照常记账。
func drain(ch <-chan raceOutcome, n int, category, key string, h HealthTracker, log *attempt.Log) {
	for i := 0; i < n; i++ {
		o := <-ch
		record(log, category, key, o.src, o.latency, o.err)
		switch {
		case o.err == nil:
			h.RecordSuccess(o.src, o.latency)
		case errors.Is(o.err, context.Canceled):
			// 被我们取消的，不影响健康记录
		default:
			h.RecordFailure(o.src, source.KindOf(o.err))
		}
	}
}
