package publish

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// NatsBroker 跨进程广播：可信值发到 feed.<category>.<key>，
// 下游（告警、持久化、面板推送）自行订阅。
type NatsBroker struct {
	nc *nats.Conn
}

func NewNatsBroker(url string, opts ...nats.Option) (*NatsBroker, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBroker{nc: nc}, nil
}

func (b *NatsBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.nc.Publish(topicToSubject(topic), payload)
}

func (b *NatsBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	out := make(chan Message, 4096)

	// Unsubscribe 返回后仍可能有已派发的回调在跑，
	// close(out) 必须和发送互斥，否则是 send-on-closed panic
	var mu sync.Mutex
	closed := false

	deliver := func(msg Message) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		// at-most-once：慢消费者直接丢，避免把 NATS 回调卡死
		select {
		case out <- msg:
		default:
		}
	}

	// 保存订阅，退出时取消
	subs := make([]*nats.Subscription, 0, len(topics))

	for _, t := range topics {
		subj := topicToSubject(t) // 允许传入带通配符的 topic 形式
		sub, err := b.nc.Subscribe(subj, func(m *nats.Msg) {
			deliver(Message{
				Topic:   subjectToTopic(m.Subject),
				Payload: m.Data,
			})
		})
		if err != nil {
			for _, ss := range subs {
				_ = ss.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	// 监听 ctx.Done 清理
	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()

	return out, nil
}

func (b *NatsBroker) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}

func topicToSubject(topic string) string { return strings.ReplaceAll(topic, ":", ".") }
func subjectToTopic(subj string) string  { return strings.ReplaceAll(subj, ".", ":") }
