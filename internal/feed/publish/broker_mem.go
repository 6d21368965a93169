package publish

import (
	"context"
	"sync"
)

// MemBroker 进程内广播，单机部署 / 测试用
type MemBroker struct {
	mu   sync.RWMutex
	subs map[string][]chan Message
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string][]chan Message)}
}

func (b *MemBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	// fanout：at-most-once，慢订阅者直接丢。
	// 整个 fanout 持读锁：退订（写锁）摘掉 channel 之后才会 close，
	// 不存在向已关闭 channel 发送的窗口。
	b.mu.RLock()
	defer b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, 1024)
	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	// ctx 取消即退订：先从所有 topic 摘掉，再 close
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for _, t := range topics {
			b.subs[t] = removeChan(b.subs[t], ch)
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func removeChan(list []chan Message, ch chan Message) []chan Message {
	out := list[:0]
	for _, c := range list {
		if c != ch {
			out = append(out, c)
		}
	}
	return out
}

func (b *MemBroker) Close() error { return nil }
