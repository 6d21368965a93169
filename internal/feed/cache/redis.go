package cache

import (
	"context"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"quotefeed.com/pkg/breaker"
)

// RedisStore 可选的温缓存后端：重启后缓存不清零。
// 语义和 MemStore 一致——redis 的 key TTL 设为应急窗口上限，
// 新鲜度仍由客户端按 storedAt/ttl 判定，这样一份数据同时服务
// Get 和 GetStale 两种读法。
//
// 所有命令套在熔断器里：redis 挂掉时快速失败，调用方当 miss 处理。
type RedisStore struct {
	client *redis.Client
	cb     *breaker.Manager
	prefix string

	// redis 侧的保底过期（必须 ≥ 所有类别的 maxAge）
	hardMaxAge time.Duration
}

// envelope 落进 redis 的信封，新鲜度元数据随值一起存
type envelope struct {
	Value    json.RawMessage `json:"v"`
	StoredAt int64           `json:"at"` // unix ms
	TTLMs    int64           `json:"ttl"`
}

const breakerResource = "redis"

// IsRedisFailure 给熔断器用的分类：miss 是正常路径，不计入失败
func IsRedisFailure(err error) bool {
	if err == nil {
		return false
	}
	if err == redis.Nil {
		return false
	}
	return true
}

func NewRedisStore(client *redis.Client, cb *breaker.Manager, hardMaxAge time.Duration) *RedisStore {
	if hardMaxAge <= 0 {
		hardMaxAge = 24 * time.Hour
	}
	return &RedisStore{
		client:     client,
		cb:         cb,
		prefix:     "feed:cache:",
		hardMaxAge: hardMaxAge,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (any, bool) {
	env, ok := s.load(ctx, key)
	if !ok {
		return nil, false
	}
	if time.Since(time.UnixMilli(env.StoredAt)) >= time.Duration(env.TTLMs)*time.Millisecond {
		return nil, false
	}
	return decode(env.Value)
}

func (s *RedisStore) GetStale(ctx context.Context, key string, maxAge time.Duration) (any, bool) {
	env, ok := s.load(ctx, key)
	if !ok {
		return nil, false
	}
	if maxAge <= 0 || time.Since(time.UnixMilli(env.StoredAt)) >= maxAge {
		return nil, false
	}
	return decode(env.Value)
}

func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	env := envelope{Value: raw, StoredAt: time.Now().UnixMilli(), TTLMs: ttl.Milliseconds()}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	// 加入随机时间 防止抖动
	expire := withJitter(s.hardMaxAge, time.Second)
	return s.cb.Do(breakerResource, func() error {
		return s.client.Set(ctx, s.prefix+key, b, expire).Err()
	})
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.cb.Do(breakerResource, func() error {
		return s.client.Del(ctx, s.prefix+key).Err()
	})
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.cb.Do(breakerResource, func() error {
		iter := s.client.Scan(ctx, 0, s.prefix+"*", 512).Iterator()
		for iter.Next(ctx) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return err
			}
		}
		return iter.Err()
	})
}

func (s *RedisStore) load(ctx context.Context, key string) (envelope, bool) {
	var b []byte
	err := s.cb.Do(breakerResource, func() error {
		var e error
		b, e = s.client.Get(ctx, s.prefix+key).Bytes()
		return e
	})
	if err != nil {
		return envelope{}, false // miss、redis 故障、熔断打开：统一按 miss
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		// 缓存脏了就删掉，避免持续命中错误
		_ = s.cb.Do(breakerResource, func() error {
			return s.client.Del(ctx, s.prefix+key).Err()
		})
		return envelope{}, false
	}
	return env, true
}

func decode(raw json.RawMessage) (any, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

func withJitter(ttl time.Duration, jitter time.Duration) time.Duration {
	if ttl <= 0 || jitter <= 0 {
		return ttl
	}
	// [0, jitter) 的随机
	j := time.Duration(rand.Int63n(int64(jitter)))
	return ttl + j
}
