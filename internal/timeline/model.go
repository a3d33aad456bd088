// model.go — 对话时间线数据模型: Conversation → Turn → Action → ToolInvocation。
//
// 实时事件路径 (Builder) 与历史重建路径 (Reconstruct) 写入同一套结构,
// 两条路径产出的 Action 序列在同一语义下必须一致。
package timeline

import (
	"encoding/json"
	"time"
)

// Role Turn 的作者。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ActionKind Action 判别字段。
type ActionKind string

const (
	ActionThinking      ActionKind = "thinking"
	ActionText          ActionKind = "text"
	ActionTool          ActionKind = "tool"
	ActionAppendPayload ActionKind = "append_payload"
	ActionModifyPayload ActionKind = "modify_payload"
	ActionSystem        ActionKind = "system"
)

// IsSegment 是否为流式片段类型 (thinking / text)。
func (k ActionKind) IsSegment() bool {
	return k == ActionThinking || k == ActionText
}

// ToolStatus 工具调用状态: preparing → running → {completed, error}。
type ToolStatus string

const (
	ToolPreparing ToolStatus = "preparing"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// rank 状态序; 未知状态返回 -1。completed 与 error 同级 (都是终态)。
func (s ToolStatus) rank() int {
	switch s {
	case ToolPreparing:
		return 0
	case ToolRunning:
		return 1
	case ToolCompleted, ToolError:
		return 2
	}
	return -1
}

// Valid 是否为已知状态。
func (s ToolStatus) Valid() bool { return s.rank() >= 0 }

// Terminal completed / error 为终态。
func (s ToolStatus) Terminal() bool { return s.rank() == 2 }

// Open preparing / running 视为未结束, 终止事件时会被强制收敛。
func (s ToolStatus) Open() bool { return s == ToolPreparing || s == ToolRunning }

// ToolInvocation tool action 的载荷。
//
// 一个工具最多有三个标识: 准备阶段的临时 id (= action id)、工具 id、执行 id。
// Arguments / Result 保存为紧凑 JSON, 便于深拷贝与逐字节比较。
type ToolInvocation struct {
	ID              string          `json:"id"`
	ExecutionID     string          `json:"executionId,omitempty"`
	Name            string          `json:"name"`
	Arguments       json.RawMessage `json:"arguments"`
	Status          ToolStatus      `json:"status"`
	Result          json.RawMessage `json:"result"`
	Message         string          `json:"message,omitempty"`
	StatusDetail    string          `json:"statusDetail,omitempty"`
	StatusType      string          `json:"statusType,omitempty"`
	AwaitingContent bool            `json:"awaiting_content"`
}

// Advance 单调推进状态。回退或离开终态时返回 false 且不修改。
func (t *ToolInvocation) Advance(next ToolStatus) bool {
	if !next.Valid() {
		return false
	}
	if t.Status.Terminal() && next != t.Status {
		return false
	}
	if next.rank() < t.Status.rank() {
		return false
	}
	t.Status = next
	return true
}

// AppendSummary append_payload action 的载荷。
type AppendSummary struct {
	Path    string `json:"path"`
	Success bool   `json:"success"`
	Summary string `json:"summary,omitempty"`
	Lines   *int   `json:"lines"`
	Bytes   *int   `json:"bytes"`
	Forced  bool   `json:"forced"`
}

// ModifySummary modify_payload action 的载荷。completed / failed 为块编号列表。
type ModifySummary struct {
	Path      string          `json:"path"`
	Total     *int            `json:"total"`
	Completed json.RawMessage `json:"completed"`
	Failed    json.RawMessage `json:"failed"`
	Forced    bool            `json:"forced"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Action assistant turn 内的一个输出单元。只追加、原地修改, 从不删除或重排。
type Action struct {
	ID        string          `json:"id"`
	Kind      ActionKind      `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Content   string          `json:"content,omitempty"`
	Streaming bool            `json:"streaming,omitempty"`
	Tool      *ToolInvocation `json:"tool,omitempty"`
	Append    *AppendSummary  `json:"append,omitempty"`
	Modify    *ModifySummary  `json:"modify,omitempty"`
}

// IsOpenTool 是否为未结束的工具 action。
func (a *Action) IsOpenTool() bool {
	return a.Kind == ActionTool && a.Tool != nil && a.Tool.Status.Open()
}

// Turn 对话中的一条消息。
//
// user / system turn 只有 Content; assistant turn 拥有有序 Actions
// 以及仅在生成过程中使用的流式累加器。
type Turn struct {
	Role                 Role       `json:"role"`
	Content              string     `json:"content,omitempty"`
	Actions              []*Action  `json:"actions,omitempty"`
	StreamingThinking    string     `json:"streamingThinking,omitempty"`
	StreamingText        string     `json:"streamingText,omitempty"`
	CurrentStreamingType ActionKind `json:"currentStreamingType,omitempty"`
	Timestamp            time.Time  `json:"timestamp"`
}

// NewAssistantTurn 创建空 assistant turn。
func NewAssistantTurn(ts time.Time) *Turn {
	return &Turn{Role: RoleAssistant, Actions: []*Action{}, Timestamp: ts}
}

// NewMessageTurn 创建纯文本 user / system turn。
func NewMessageTurn(role Role, content string, ts time.Time) *Turn {
	return &Turn{Role: role, Content: content, Timestamp: ts}
}

// appendAction 追加 action。
func (t *Turn) appendAction(a *Action) {
	t.Actions = append(t.Actions, a)
}

// lastAction 返回最后一个 action, 空时为 nil。
func (t *Turn) lastAction() *Action {
	if len(t.Actions) == 0 {
		return nil
	}
	return t.Actions[len(t.Actions)-1]
}

// accumulator 返回 kind 对应的流式累加器指针。
func (t *Turn) accumulator(kind ActionKind) *string {
	switch kind {
	case ActionThinking:
		return &t.StreamingThinking
	case ActionText:
		return &t.StreamingText
	}
	return nil
}

// clearStreaming 清空流式累加器与当前流类型。
func (t *Turn) clearStreaming() {
	t.StreamingThinking = ""
	t.StreamingText = ""
	t.CurrentStreamingType = ""
}

// Conversation 一个对话: id + 标题 + 有序 Turn 列表。
// Token 计数由 tokens 包维护, 不在此结构中。
type Conversation struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Turns []*Turn `json:"turns"`
}

// NewConversation 创建空对话。
func NewConversation(id, title string) *Conversation {
	return &Conversation{ID: id, Title: title, Turns: []*Turn{}}
}

// AppendTurn 追加 turn。
func (c *Conversation) AppendTurn(t *Turn) {
	c.Turns = append(c.Turns, t)
}

// ClearTurns 清空全部 turn (仅整对话重置使用)。
func (c *Conversation) ClearTurns() {
	c.Turns = []*Turn{}
}

// Handle 指向当前活跃 (正在接收实时事件) 的 assistant turn。
// 零值表示没有活跃 turn。由会话控制器持有并显式传给 Builder。
type Handle struct {
	turn *Turn
}

// Active 是否有活跃 turn。
func (h *Handle) Active() bool { return h != nil && h.turn != nil }

// Turn 返回活跃 turn, 无则 nil。
func (h *Handle) Turn() *Turn {
	if h == nil {
		return nil
	}
	return h.turn
}

// Set 设置活跃 turn。
func (h *Handle) Set(t *Turn) { h.turn = t }

// Clear 清除活跃 turn。
func (h *Handle) Clear() { h.turn = nil }
