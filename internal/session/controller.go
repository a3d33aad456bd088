// controller.go — 会话控制器: 持有当前对话、活跃 turn 句柄、工具注册表与构建器。
//
// 架构:
//
//	feed 读循环 → HandleEvent → handler 表 → Builder 变更 → 通知 / token 刷新
//	CLI / dashboard → List / Load / New / Delete / Duplicate / Compress / SendMessage / RequestStop
//
// 拆分说明:
//   - handlers.go:      实时事件 → 时间线变更
//   - conversations.go: 对话管理与历史加载
//   - send.go:          发送消息 / 命令 / 停止请求
package session

import (
	"context"
	"sync"
	"time"

	"github.com/JOJO6618/ai-coding-agent/internal/api"
	"github.com/JOJO6618/ai-coding-agent/internal/bus"
	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
	"github.com/JOJO6618/ai-coding-agent/internal/tokens"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

// Sender 发送通道 (feed.Client 实现)。
type Sender interface {
	SendMessage(message string) error
	SendCommand(command string) error
	StopTask() error
}

// ConversationService 对话管理 (api.Client 实现)。
type ConversationService interface {
	ListConversations(ctx context.Context, limit, offset int) (*api.ConversationPage, error)
	CreateConversation(ctx context.Context) (string, error)
	LoadConversation(ctx context.Context, id string) (string, error)
	DeleteConversation(ctx context.Context, id string) error
	DuplicateConversation(ctx context.Context, id string) (string, error)
	CompressConversation(ctx context.Context, id string) (string, error)
}

// HistorySource 按对话 id 拉取有序历史记录 (api.Client / store 实现)。
type HistorySource interface {
	Messages(ctx context.Context, conversationID string) ([]timeline.Record, error)
}

// Deps 控制器依赖。Bus 可为 nil (不发布通知)。
type Deps struct {
	Sender        Sender
	Conversations ConversationService
	History       HistorySource
	Tokens        *tokens.Synchronizer
	Bus           *bus.MessageBus
}

// Options 控制器参数。
type Options struct {
	PageSize            int
	ContextRefreshDelay time.Duration
	SendRefreshDelay    time.Duration
	LoadTimeout         time.Duration
	Clock               func() time.Time
	BuilderOptions      []timeline.BuilderOption
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 20
	}
	if o.ContextRefreshDelay < 0 {
		o.ContextRefreshDelay = 0
	}
	if o.SendRefreshDelay < 0 {
		o.SendRefreshDelay = 0
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// ResetReason 会话重置原因。
type ResetReason string

const (
	ResetConnect    ResetReason = "connect"
	ResetDisconnect ResetReason = "disconnect"
	ResetStopped    ResetReason = "stopped"
	ResetComplete   ResetReason = "complete"
	ResetError      ResetReason = "error"
	ResetClear      ResetReason = "clear"
	ResetSwitch     ResetReason = "switch"
)

func (r ResetReason) finishReason() timeline.FinishReason {
	switch r {
	case ResetComplete:
		return timeline.FinishComplete
	case ResetStopped:
		return timeline.FinishStopped
	case ResetError:
		return timeline.FinishError
	}
	return timeline.FinishReset
}

// 发布来源。
const publisherName = "session"

// Controller 会话控制器。
//
// 所有时间线变更在 mu 下同步完成; 网络调用 (对话管理、历史拉取) 在锁外进行。
// 通知与 token 操作通过 later 排队, 释放锁后执行, 订阅回调可安全回读控制器。
type Controller struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	conv     *timeline.Conversation
	handle   timeline.Handle
	registry *timeline.Registry
	builder  *timeline.Builder
	handlers map[string]eventHandler

	stopRequested bool
	autoScroll    bool
	userScrolling bool

	loadGen       uint64 // 每次切换对话递增, 丢弃过期的历史加载
	conversations []api.ConversationSummary
	listOffset    int
	hasMore       bool

	deferred []func()

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建控制器。
func New(deps Deps, opts Options) *Controller {
	opts = opts.withDefaults()
	reg := timeline.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		deps:       deps,
		opts:       opts,
		conv:       timeline.NewConversation("", ""),
		registry:   reg,
		builder:    timeline.NewBuilder(reg, append([]timeline.BuilderOption{timeline.WithClock(opts.Clock)}, opts.BuilderOptions...)...),
		autoScroll: true,
		ctx:        ctx,
		cancel:     cancel,
	}
	c.registerHandlers()
	return c
}

// Close 取消后台加载与延迟刷新。
func (c *Controller) Close() {
	c.cancel()
	if c.deps.Tokens != nil {
		c.deps.Tokens.Close()
	}
}

// ========================================
// 锁与延迟任务
// ========================================

// locked 在锁内执行 fn, 释放锁后执行 fn 期间排队的任务。
func (c *Controller) locked(fn func()) {
	c.mu.Lock()
	fn()
	tasks := c.deferred
	c.deferred = nil
	c.mu.Unlock()
	for _, t := range tasks {
		t()
	}
}

// later 排队一个在释放锁后执行的任务 (调用方必须持有锁)。
func (c *Controller) later(fn func()) {
	c.deferred = append(c.deferred, fn)
}

func (c *Controller) now() time.Time { return c.opts.Clock() }

// publish 排队一条总线通知。
func (c *Controller) publish(topic string, payload any) {
	if c.deps.Bus == nil {
		return
	}
	b := c.deps.Bus
	c.later(func() { b.PublishJSON(topic, publisherName, payload) })
}

// ========================================
// 快照
// ========================================

// State 控制器状态快照。Turns 为深拷贝。
type State struct {
	ConversationID string           `json:"conversation_id"`
	Title          string           `json:"title"`
	Turns          []*timeline.Turn `json:"turns"`
	Streaming      bool             `json:"streaming"`
	StopRequested  bool             `json:"stop_requested"`
	AutoScroll     bool             `json:"auto_scroll"`
	UserScrolling  bool             `json:"user_scrolling"`
	PendingTools   int              `json:"pending_tools"`
	Tokens         tokens.Snapshot  `json:"tokens"`
}

// TimelineNotice timeline.changed 通知载荷。
type TimelineNotice struct {
	ConversationID string `json:"conversation_id"`
	Turns          int    `json:"turns"`
	Streaming      bool   `json:"streaming"`
}

// Notice session.notice 载荷: 需要用户确认的提示。
type Notice struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

// ConversationNotice conversation.changed 载荷。
type ConversationNotice struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

// Snapshot 返回当前状态的深拷贝。
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	st := State{
		ConversationID: c.conv.ID,
		Title:          c.conv.Title,
		Turns:          timeline.CloneTurns(c.conv.Turns),
		Streaming:      c.handle.Active(),
		StopRequested:  c.stopRequested,
		AutoScroll:     c.autoScroll,
		UserScrolling:  c.userScrolling,
		PendingTools:   c.registry.Len(),
	}
	c.mu.Unlock()
	if c.deps.Tokens != nil {
		st.Tokens = c.deps.Tokens.Snapshot()
	}
	return st
}

// ConversationID 当前对话 id。
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.ID
}

// Streaming 是否有 assistant turn 正在接收流式事件。
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle.Active()
}

// ========================================
// 重置 / 滚动
// ========================================

// Reset 完整重置会话状态 (对话内容保留)。
func (c *Controller) Reset(reason ResetReason) {
	c.locked(func() { c.resetLocked(reason) })
}

// resetLocked 清除活跃 turn 与流式累加器, 清空注册表, 收敛未结束工具, 恢复自动滚动。
func (c *Controller) resetLocked(reason ResetReason) {
	swept := c.builder.Finish(c.conv, &c.handle, reason.finishReason())
	cleared := c.registry.Clear()
	c.stopRequested = false
	c.autoScroll = true
	c.userScrolling = false
	logger.Debug("session: reset",
		"reason", string(reason),
		"swept", swept,
		"pending_cleared", cleared,
	)
	c.publish(bus.MsgSessionReset, map[string]string{"reason": string(reason)})
	c.applyEffects(timeline.EffectChanged)
}

// UserScrolled 用户滚动: 离开底部时暂停自动滚动, 回到底部时恢复。
func (c *Controller) UserScrolled(atBottom bool) {
	c.locked(func() {
		c.autoScroll = atBottom
		c.userScrolling = !atBottom
	})
}

// applyEffects 执行 Builder 返回的副作用请求 (调用方必须持有锁)。
func (c *Controller) applyEffects(e timeline.Effects) {
	if e.Has(timeline.EffectChanged) {
		c.publish(bus.MsgTimelineChanged, TimelineNotice{
			ConversationID: c.conv.ID,
			Turns:          len(c.conv.Turns),
			Streaming:      c.handle.Active(),
		})
	}
	if e.Has(timeline.EffectScroll) && c.autoScroll {
		c.publish(bus.MsgTimelineScroll, nil)
	}
	if e.Has(timeline.EffectToolCompleted) {
		c.scheduleContextRefreshLocked()
	}
}

// scheduleContextRefreshLocked 有当前对话时延迟刷新上下文 token。
func (c *Controller) scheduleContextRefreshLocked() {
	if c.conv.ID == "" || c.deps.Tokens == nil {
		return
	}
	ts, delay := c.deps.Tokens, c.opts.ContextRefreshDelay
	c.later(func() { ts.ScheduleContextRefresh(delay) })
}

// switchConversationLocked 切换到新对话: 完整重置, 清空 turn, token 归零, 作废进行中的加载。
func (c *Controller) switchConversationLocked(id, title string) uint64 {
	c.resetLocked(ResetSwitch)
	c.conv = timeline.NewConversation(id, title)
	c.loadGen++
	if c.deps.Tokens != nil {
		ts := c.deps.Tokens
		c.later(func() { ts.SetConversation(id) })
	}
	c.publish(bus.MsgConversationChanged, ConversationNotice{ConversationID: id, Title: title})
	c.applyEffects(timeline.EffectChanged)
	return c.loadGen
}
