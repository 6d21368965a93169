package publish

import "context"

// 可信值（交叉校验后的中位数等）向下游的广播通道。
// 发布是 best-effort：广播失败不影响 acquire 的返回。

type Message struct {
	Topic   string
	Payload []byte
}

type Broker interface {
	// publish
	Publish(ctx context.Context, topic string, payload []byte) error
	// 订阅
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	// 关闭
	Close() error
}
