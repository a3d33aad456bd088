// Package bus 进程内通知总线。
//
// 会话控制器把时间线 / token / 会话状态变化发布到总线, 订阅者 (dashboard SSE、
// CLI 渲染) 按 topic 前缀过滤接收。发布从不阻塞: 订阅者通道满时丢弃该条消息。
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

// ========================================
// 消息类型
// ========================================

// Message 总线消息。
type Message struct {
	Topic     string          `json:"topic"`   // timeline.changed / tokens.changed / session.notice
	From      string          `json:"from"`    // 来源组件 ("session" / "tokens")
	Type      string          `json:"type"`    // 消息类型, 与 topic 相同或更细分
	Payload   json.RawMessage `json:"payload"` // 具体数据
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"` // 全局序列号
}

// Topic 前缀。
const (
	TopicTimeline     = "timeline"
	TopicTokens       = "tokens"
	TopicSession      = "session"
	TopicConversation = "conversation"

	// TopicAll 广播 (所有订阅者收到)。
	TopicAll = "*"
)

// 消息类型 (同时用作完整 topic)。
const (
	// MsgTimelineChanged 时间线结构或内容变化。
	MsgTimelineChanged = "timeline.changed"
	// MsgTimelineScroll 请求滚动到底部。
	MsgTimelineScroll = "timeline.scroll"
	// MsgTokensChanged token 计数变化。
	MsgTokensChanged = "tokens.changed"
	// MsgSessionNotice 需要用户确认的提示 (对话管理失败等)。
	MsgSessionNotice = "session.notice"
	// MsgSessionReset 会话重置。
	MsgSessionReset = "session.reset"
	// MsgSessionStatus 巡检得出的会话健康状态变化。
	MsgSessionStatus = "session.status"
	// MsgConversationChanged 当前对话切换 / 标题变化。
	MsgConversationChanged = "conversation.changed"
)

// subscriberBuffer 订阅者通道容量。
const subscriberBuffer = 64

// ========================================
// Subscriber
// ========================================

// Subscriber 订阅者。
type Subscriber struct {
	ID     string       // 唯一标识
	Filter string       // topic 前缀过滤 ("timeline" / "*" / "tokens.changed")
	Ch     chan Message // 消息通道
}

// ========================================
// MessageBus 进程内 topic pub/sub。
// ========================================

// MessageBus 进程内消息总线。
//
// 支持 topic 前缀匹配和广播:
//   - 订阅 "timeline" → 收到 timeline.changed, timeline.scroll
//   - 订阅 "*" → 收到所有消息
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // key = subscriber ID
	seq         int64
	dropped     int64
	onPublish   func(Message) // 可选: 每条消息的全局回调
}

// NewMessageBus 创建消息总线。
func NewMessageBus() *MessageBus {
	return &MessageBus{
		subscribers: make(map[string]*Subscriber),
	}
}

// SetOnPublish 设置全局发布回调。
func (b *MessageBus) SetOnPublish(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Publish 发布消息到匹配的订阅者。
//
// seq 递增和 fan-out 在同一把锁下执行, 保证消息到达顺序与 seq 一致。
func (b *MessageBus) Publish(msg Message) {
	b.mu.Lock()
	b.seq++
	msg.Seq = b.seq
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Type == "" {
		msg.Type = msg.Topic
	}
	onPub := b.onPublish

	for _, sub := range b.subscribers {
		if matchTopic(sub.Filter, msg.Topic) {
			select {
			case sub.Ch <- msg:
			default:
				// 通道满, 丢弃 (避免阻塞发布者)
				b.dropped++
			}
		}
	}
	b.mu.Unlock()

	// 全局回调在锁外执行
	if onPub != nil {
		onPub(msg)
	}
}

// PublishJSON 序列化 payload 后发布到 topic。
func (b *MessageBus) PublishJSON(topic, from string, payload any) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			logger.Error("bus: marshal payload failed", logger.FieldTopic, topic, logger.FieldError, err)
			return
		}
		data = raw
	}
	b.Publish(Message{Topic: topic, From: from, Type: topic, Payload: data})
}

// Subscribe 订阅消息。filter 为 topic 前缀 ("timeline" / "*" / "session")。
// 同 id 重复订阅会替换 (并关闭) 旧通道。
func (b *MessageBus) Subscribe(id, filter string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.subscribers[id]; ok {
		close(prev.Ch)
	}
	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Message, subscriberBuffer),
	}
	b.subscribers[id] = sub
	logger.Debug("bus: subscribed", logger.FieldSubscriber, id, logger.FieldTopic, filter)
	return sub
}

// SubscribeAuto 以随机 id 订阅。
func (b *MessageBus) SubscribeAuto(filter string) *Subscriber {
	return b.Subscribe("sub-"+uuid.NewString(), filter)
}

// Unsubscribe 取消订阅并关闭通道。
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Seq 返回当前序列号。
func (b *MessageBus) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Dropped 因订阅者通道满而丢弃的投递次数。
func (b *MessageBus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// ========================================
// Topic 匹配
// ========================================

// matchTopic 检查 topic 是否匹配 filter。
//
// 规则:
//   - filter "*" 匹配所有 topic
//   - filter "timeline" 匹配 "timeline", "timeline.changed", "timeline.scroll"
//   - filter "tokens.changed" 只匹配自身及其子 topic
func matchTopic(filter, topic string) bool {
	if filter == TopicAll {
		return true
	}
	if topic == filter {
		return true
	}
	if len(topic) > len(filter) && topic[:len(filter)] == filter && topic[len(filter)] == '.' {
		return true
	}
	return false
}
