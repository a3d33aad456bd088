// builder.go — 实时路径: 逐条把有序流事件翻译为 turn / action 变更。
//
// 所有方法只做同步变更, 不做重排、合并或前瞻。守卫失败 (无活跃 turn、
// 找不到匹配 action、工具标识无法解析) 一律记日志后丢弃, 不返回错误。
package timeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

// Effects 一次变更附带的副作用请求, 由会话控制器执行。
type Effects uint8

const (
	// EffectChanged 时间线有变化 (需要通知订阅者)。
	EffectChanged Effects = 1 << iota
	// EffectScroll 请求滚动到底部 (用户手动滚开时由控制器忽略)。
	EffectScroll
	// EffectToolCompleted 某个工具进入 completed, 需要延迟刷新上下文 token。
	EffectToolCompleted
)

// Has 是否包含 f。
func (e Effects) Has(f Effects) bool { return e&f != 0 }

const (
	effectsMutation = EffectChanged | EffectScroll
)

// DefaultPreparingMessage 工具准备阶段的默认预览文案。
func DefaultPreparingMessage(name string) string {
	return fmt.Sprintf("准备调用 %s...", name)
}

// ToolStart 工具开始执行事件。
type ToolStart struct {
	ToolID      string
	PreparingID string
	ExecutionID string
	Name        string
	Arguments   json.RawMessage
}

// ToolUpdate 通用工具增量; 指针 / nil 字段表示 "未提供", 不覆盖原值。
type ToolUpdate struct {
	Key             ToolKey
	Status          ToolStatus
	Result          json.RawMessage
	Message         *string
	AwaitingContent *bool
}

// FinishReason 终止事件类型。
type FinishReason string

const (
	FinishComplete FinishReason = "complete"
	FinishStopped  FinishReason = "stopped"
	FinishError    FinishReason = "error"
	FinishReset    FinishReason = "reset"
)

// Builder 实时时间线构建器。持有注册表; 活跃 turn 由调用方通过 Handle 传入。
type Builder struct {
	registry *Registry
	now      func() time.Time
	newID    func(kind ActionKind) string
}

// BuilderOption 构建器选项。
type BuilderOption func(*Builder)

// WithClock 注入时钟 (测试用)。
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithIDGenerator 注入 action id 生成器 (测试用)。
func WithIDGenerator(fn func(kind ActionKind) string) BuilderOption {
	return func(b *Builder) { b.newID = fn }
}

// NewBuilder 创建构建器。
func NewBuilder(registry *Registry, opts ...BuilderOption) *Builder {
	b := &Builder{
		registry: registry,
		now:      time.Now,
		newID: func(kind ActionKind) string {
			return string(kind) + "-" + uuid.NewString()
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry 返回构建器使用的注册表。
func (b *Builder) Registry() *Registry { return b.registry }

func (b *Builder) activeTurn(h *Handle, event string) *Turn {
	if !h.Active() {
		logger.Debug("timeline: event dropped, no active turn", logger.FieldEventType, event)
		return nil
	}
	return h.Turn()
}

// TurnStart 新建 assistant turn, 追加到对话并设为活跃。
func (b *Builder) TurnStart(conv *Conversation, h *Handle) Effects {
	if h.Active() {
		// 上一个 turn 没有收到终止事件, 只是失去活跃状态, 其工具等待下一次终止事件收敛。
		logger.Debug("timeline: turn start while another turn active")
	}
	turn := NewAssistantTurn(b.now())
	conv.AppendTurn(turn)
	h.Set(turn)
	return effectsMutation
}

// SegmentStart 开始 thinking / text 片段。
func (b *Builder) SegmentStart(h *Handle, kind ActionKind) Effects {
	if !kind.IsSegment() {
		return 0
	}
	turn := b.activeTurn(h, string(kind)+"_start")
	if turn == nil {
		return 0
	}
	turn.StreamingThinking = ""
	turn.StreamingText = ""
	turn.CurrentStreamingType = kind
	turn.appendAction(&Action{
		ID:        b.newID(kind),
		Kind:      kind,
		Timestamp: b.now(),
		Streaming: true,
	})
	return effectsMutation
}

// SegmentChunk 追加片段内容。最后一个 action 必须是同类型且仍在流式中。
func (b *Builder) SegmentChunk(h *Handle, kind ActionKind, chunk string) Effects {
	if !kind.IsSegment() {
		return 0
	}
	turn := b.activeTurn(h, string(kind)+"_chunk")
	if turn == nil {
		return 0
	}
	last := turn.lastAction()
	if last == nil || last.Kind != kind || !last.Streaming {
		logger.Debug("timeline: chunk dropped, no open segment",
			logger.FieldActionKind, string(kind),
			logger.FieldDataLen, len(chunk),
		)
		return 0
	}
	*turn.accumulator(kind) += chunk
	last.Content += chunk
	return effectsMutation
}

// SegmentEnd 结束片段: 向后扫描最近一个同类型且 streaming 的 action,
// 以事件携带的最终内容覆盖 (中间可能夹着工具 action, 所以不能只看最后一个)。
func (b *Builder) SegmentEnd(h *Handle, kind ActionKind, full string) Effects {
	if !kind.IsSegment() {
		return 0
	}
	turn := b.activeTurn(h, string(kind)+"_end")
	if turn == nil {
		return 0
	}
	var effects Effects
	if a := lastStreaming(turn.Actions, kind); a != nil {
		a.Streaming = false
		a.Content = full
		effects = EffectChanged
	} else {
		logger.Debug("timeline: segment end without open segment", logger.FieldActionKind, string(kind))
	}
	*turn.accumulator(kind) = ""
	if turn.CurrentStreamingType == kind {
		turn.CurrentStreamingType = ""
	}
	return effects
}

// lastStreaming 有界向后扫描。
func lastStreaming(actions []*Action, kind ActionKind) *Action {
	for i := len(actions) - 1; i >= 0; i-- {
		if a := actions[i]; a.Kind == kind && a.Streaming {
			return a
		}
	}
	return nil
}

// ToolPreparing 追加 preparing 状态的工具 action, 并在注册表登记。
func (b *Builder) ToolPreparing(h *Handle, id, name, message string) Effects {
	turn := b.activeTurn(h, "tool_preparing")
	if turn == nil {
		return 0
	}
	if id == "" {
		logger.Warn("timeline: tool preparing without id", logger.FieldToolName, name)
		return 0
	}
	if message == "" {
		message = DefaultPreparingMessage(name)
	}
	if !b.registry.Register(id, name, message) {
		logger.Debug("timeline: duplicate tool preparing ignored", logger.FieldPreparingID, id)
		return 0
	}
	turn.appendAction(&Action{
		ID:        id,
		Kind:      ActionTool,
		Timestamp: b.now(),
		Tool: &ToolInvocation{
			ID:        id,
			Name:      name,
			Arguments: emptyObject,
			Status:    ToolPreparing,
			Message:   message,
		},
	})
	return effectsMutation
}

// ToolStart 工具开始执行。
//
// preparing_id 在注册表中: 原地把对应 action 转为 running, 填充参数,
// 清除预览文案并记录执行 id; 否则 (跳过了准备阶段) 直接追加 running action。
func (b *Builder) ToolStart(h *Handle, ev ToolStart) Effects {
	turn := b.activeTurn(h, "tool_start")
	if turn == nil {
		return 0
	}
	args := ArgumentsFromRaw(ev.Arguments)
	if ev.PreparingID != "" && b.registry.Has(ev.PreparingID) {
		b.registry.Take(ev.PreparingID)
		a, ok := findToolByActionID(turn.Actions, ev.PreparingID)
		if ok {
			if !a.Tool.Advance(ToolRunning) {
				logger.Debug("timeline: tool start ignored, tool already terminal",
					logger.FieldPreparingID, ev.PreparingID,
					logger.FieldStatus, string(a.Tool.Status),
				)
				return 0
			}
			a.Tool.Arguments = args
			a.Tool.Message = ""
			a.Tool.ExecutionID = ev.ExecutionID
			if a.Tool.Name == "" {
				a.Tool.Name = ev.Name
			}
			return effectsMutation
		}
		logger.Warn("timeline: preparing action missing from active turn",
			logger.FieldPreparingID, ev.PreparingID,
			logger.FieldToolName, ev.Name,
		)
	}
	id := ev.ToolID
	if id == "" {
		id = ev.ExecutionID
	}
	if id == "" {
		id = b.newID(ActionTool)
	}
	turn.appendAction(&Action{
		ID:        id,
		Kind:      ActionTool,
		Timestamp: b.now(),
		Tool: &ToolInvocation{
			ID:          id,
			ExecutionID: ev.ExecutionID,
			Name:        ev.Name,
			Arguments:   args,
			Status:      ToolRunning,
		},
	})
	return effectsMutation
}

func findToolByActionID(actions []*Action, id string) (*Action, bool) {
	for _, a := range actions {
		if a.Kind == ActionTool && a.Tool != nil && a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// ToolUpdate 通过三路标识解析目标 action (仅活跃 turn), 按字段部分更新。
//
// 状态回退被忽略, 同一增量中的其它字段照常应用。
func (b *Builder) ToolUpdate(h *Handle, up ToolUpdate) Effects {
	var effects Effects
	if up.Status == ToolCompleted {
		effects |= EffectToolCompleted
	}
	turn := b.activeTurn(h, "update_action")
	if turn == nil {
		return effects
	}
	a, match := b.registry.Resolve(turn.Actions, up.Key)
	if a == nil {
		logger.Debug("timeline: tool update unresolved",
			logger.FieldExecutionID, up.Key.ExecutionID,
			logger.FieldToolID, up.Key.ToolID,
			logger.FieldPreparingID, up.Key.PreparingID,
		)
		return effects
	}
	tool := a.Tool
	statusApplied := false
	if up.Status != "" {
		if tool.Advance(up.Status) {
			statusApplied = true
		} else {
			logger.Debug("timeline: tool status regression ignored",
				logger.FieldActionID, a.ID,
				"from", string(tool.Status),
				"to", string(up.Status),
				"match", string(match),
			)
		}
	}
	if r := NormalizeResult(up.Result); r != nil {
		tool.Result = r
	}
	if up.Message != nil {
		tool.Message = *up.Message
	}
	switch {
	case up.AwaitingContent != nil:
		tool.AwaitingContent = *up.AwaitingContent
	case statusApplied && up.Status == ToolCompleted:
		tool.AwaitingContent = false
	}
	return effects | effectsMutation
}

// ToolStatusDetail 更新活跃 turn 中第一个同名工具的进度文案。
func (b *Builder) ToolStatusDetail(h *Handle, name, detail, statusType string) Effects {
	turn := b.activeTurn(h, "tool_status")
	if turn == nil {
		return 0
	}
	a := firstToolByName(turn.Actions, name)
	if a == nil {
		logger.Debug("timeline: tool status for unknown tool", logger.FieldToolName, name)
		return 0
	}
	a.Tool.StatusDetail = detail
	a.Tool.StatusType = statusType
	return EffectChanged
}

// AppendPayload 追加 append 摘要 action (创建即终态)。
func (b *Builder) AppendPayload(h *Handle, summary AppendSummary) Effects {
	turn := b.activeTurn(h, "append_payload")
	if turn == nil {
		return 0
	}
	s := summary
	if s.Path == "" {
		s.Path = UnknownPath
	}
	turn.appendAction(&Action{
		ID:        b.newID(ActionAppendPayload),
		Kind:      ActionAppendPayload,
		Timestamp: b.now(),
		Append:    &s,
	})
	return effectsMutation
}

// ModifyPayload 追加 modify 摘要 action (创建即终态)。
func (b *Builder) ModifyPayload(h *Handle, summary ModifySummary) Effects {
	turn := b.activeTurn(h, "modify_payload")
	if turn == nil {
		return 0
	}
	s := summary
	if s.Path == "" {
		s.Path = UnknownPath
	}
	s.Completed = normalizeList(s.Completed)
	s.Failed = normalizeList(s.Failed)
	if s.Details != nil {
		s.Details = normalizeList(s.Details)
	}
	turn.appendAction(&Action{
		ID:        b.newID(ActionModifyPayload),
		Kind:      ActionModifyPayload,
		Timestamp: b.now(),
		Modify:    &s,
	})
	return effectsMutation
}

// SystemMessage 有活跃 turn 时作为 system action 追加, 否则追加独立 system turn。
func (b *Builder) SystemMessage(conv *Conversation, h *Handle, content string) Effects {
	if turn := h.Turn(); turn != nil {
		turn.appendAction(&Action{
			ID:        b.newID(ActionSystem),
			Kind:      ActionSystem,
			Timestamp: b.now(),
			Content:   content,
		})
		return effectsMutation
	}
	conv.AppendTurn(NewMessageTurn(RoleSystem, content, b.now()))
	return effectsMutation
}

// Finish 处理终止事件 (完成 / 停止 / 错误 / 重置):
// 取消活跃 turn, 清空流式状态, 并把全部 turn 中仍为 preparing / running 的工具强制置为 completed。
// 返回被强制收敛的工具数量。
func (b *Builder) Finish(conv *Conversation, h *Handle, reason FinishReason) int {
	if turn := h.Turn(); turn != nil {
		turn.clearStreaming()
	}
	h.Clear()
	for _, t := range conv.Turns {
		if t.Role != RoleAssistant {
			continue
		}
		for _, a := range t.Actions {
			if a.Kind.IsSegment() && a.Streaming {
				a.Streaming = false
			}
		}
	}
	swept := forceCompleteOpenTools(conv.Turns)
	if swept > 0 {
		logger.Debug("timeline: open tools force-completed",
			"reason", string(reason),
			logger.FieldCount, swept,
		)
	}
	return swept
}

// UnknownPath 摘要缺少路径时的占位文本。
const UnknownPath = "未知文件"
