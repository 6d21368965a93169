package sink

import (
	"context"
	"fmt"
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"quotefeed.com/internal/feed/attempt"
)

// 把 FetchAttempt 异步写进 influx，供延迟/成功率面板回溯。
// 这是观测数据，不是行情历史存储——引擎本体的缓存和健康记录
// 仍然只活在内存里。

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	// 写入优化项
	BatchSize     uint          // 建议从 1000 起步
	FlushInterval time.Duration // 例如 1s
	UseGzip       bool
}

type Influx struct {
	client influxdb2.Client
	write  api.WriteAPI
}

func New(cfg Config) *Influx {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 1 * time.Second
	}

	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)

	// 关键：必须消费 Errors()，否则异步写入错误可能导致阻塞/泄露
	go func() {
		for err := range w.Errors() {
			log.Printf("[influx] write error: %v", err)
		}
	}()

	return &Influx{client: c, write: w}
}

func (s *Influx) Close() {
	// Close 会 flush buffer
	s.client.Close()
}

func (s *Influx) WriteAttempt(rec attempt.Record) {
	// tags 用于筛选与分组；注意 tag cardinality（key 不进 tag）
	tags := map[string]string{
		"category": rec.Category,
		"source":   rec.Source,
		"outcome":  string(rec.Outcome),
	}
	fields := map[string]interface{}{
		"latency_ms": float64(rec.Latency) / float64(time.Millisecond),
		"key":        rec.Key,
	}
	if rec.ErrorKind != "" {
		fields["error_kind"] = string(rec.ErrorKind)
	}

	p := write.NewPoint("fetch_attempt", tags, fields, rec.StartedAt)
	s.write.WritePoint(p)
}

// Run 从引擎的 attempt 通道持续消费直到 ctx 取消
func (s *Influx) Run(ctx context.Context, in <-chan attempt.Record) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-in:
			if !ok {
				return nil
			}
			s.WriteAttempt(rec)
		}
	}
}

func (cfg Config) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		cfg.URL, cfg.Org, cfg.Bucket, cfg.BatchSize, cfg.FlushInterval, cfg.UseGzip)
}
