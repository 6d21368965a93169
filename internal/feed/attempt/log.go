package attempt

import (
	"sync"
	"time"

	"quotefeed.com/internal/feed/source"
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// Record 一次 fetch 尝试的审计记录，追加后不再修改
type Record struct {
	Source    string        `json:"source"`
	Category  string        `json:"category"`
	Key       string        `json:"key"`
	StartedAt time.Time     `json:"started_at"`
	Latency   time.Duration `json:"latency"`
	Outcome   Outcome       `json:"outcome"`
	ErrorKind source.Kind   `json:"error_kind,omitempty"`
}

// Log 按类别的有界环形缓冲。只追加，写满后覆盖最老的。
type Log struct {
	mu  sync.Mutex
	per map[string]*ring
	cap int

	// tap 旁路观察者（influx sink 等），Append 时在锁外调用
	tap func(Record)
}

// SetTap 注册旁路观察者。必须在并发使用前设置，且回调不能阻塞。
func (l *Log) SetTap(fn func(Record)) { l.tap = fn }

func NewLog(capPerCategory int) *Log {
	if capPerCategory <= 0 {
		capPerCategory = 256
	}
	return &Log{
		per: make(map[string]*ring, 8),
		cap: capPerCategory,
	}
}

func (l *Log) Append(rec Record) {
	l.mu.Lock()
	r, ok := l.per[rec.Category]
	if !ok {
		r = &ring{buf: make([]Record, l.cap)}
		l.per[rec.Category] = r
	}
	r.push(rec)
	l.mu.Unlock()

	if l.tap != nil {
		l.tap(rec)
	}
}

// Recent 最近 n 条，新的在前
func (l *Log) Recent(category string, n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.per[category]
	if !ok {
		return nil
	}
	return r.recent(n)
}

type ring struct {
	buf  []Record
	next int
	full bool
}

func (r *ring) push(rec Record) {
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) recent(n int) []Record {
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
