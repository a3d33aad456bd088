// Package feed 实时事件流客户端: WebSocket 信封解码、类型化载荷、发送通道。
//
// 线上格式: {"event": "<name>", "data": {...}}, 收发同构。
// connect / disconnect 由客户端在连接状态变化时合成, 不来自服务端。
package feed

import (
	"encoding/json"

	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/util"
)

// Event 事件信封。
type Event struct {
	Type string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EventHandler 事件回调。由读循环串行调用, 调用顺序即到达顺序。
type EventHandler func(Event)

// ========================================
// 事件名
// ========================================

const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"

	EventSystemReady = "system_ready"

	EventAIMessageStart = "ai_message_start"
	EventThinkingStart  = "thinking_start"
	EventThinkingChunk  = "thinking_chunk"
	EventThinkingEnd    = "thinking_end"
	EventTextStart      = "text_start"
	EventTextChunk      = "text_chunk"
	EventTextEnd        = "text_end"

	EventToolHint      = "tool_hint"
	EventToolPreparing = "tool_preparing"
	EventToolStatus    = "tool_status"
	EventToolStart     = "tool_start"
	EventUpdateAction  = "update_action"

	EventAppendPayload = "append_payload"
	EventModifyPayload = "modify_payload"
	EventSystemMessage = "system_message"

	EventStopRequested = "stop_requested"
	EventTaskStopped   = "task_stopped"
	EventTaskComplete  = "task_complete"
	EventError         = "error"

	EventFocusedFilesUpdate  = "focused_files_update"
	EventFileTreeUpdate      = "file_tree_update"
	EventTokenUpdate         = "token_update"
	EventConversationChanged = "conversation_changed"
	EventConversationLoaded  = "conversation_loaded"
	EventConversationList    = "conversation_list_update"
	EventStatusUpdate        = "status_update"
	EventCommandResult       = "command_result"
)

// 发送帧名。
const (
	FrameSendMessage = "send_message"
	FrameSendCommand = "send_command"
	FrameStopTask    = "stop_task"
)

// ========================================
// 载荷
// ========================================

// ChunkData thinking_chunk / text_chunk。
type ChunkData struct {
	Content string `json:"content"`
}

// SegmentEndData thinking_end / text_end。
type SegmentEndData struct {
	FullContent string `json:"full_content"`
}

// ToolHintData 工具提示 (仅记录)。
type ToolHintData struct {
	Name string `json:"name"`
}

// ToolPreparingData 工具准备中。
type ToolPreparingData struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// ToolStatusData 工具进度文案。
type ToolStatusData struct {
	Tool   string `json:"tool"`
	Detail string `json:"detail"`
	Status string `json:"status"`
}

// ToolStartData 工具开始执行。
type ToolStartData struct {
	ID          string          `json:"id"`
	PreparingID string          `json:"preparing_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// ResolvedExecutionID execution_id 缺失时回退为 id。
func (d ToolStartData) ResolvedExecutionID() string {
	if d.ExecutionID != "" {
		return d.ExecutionID
	}
	return d.ID
}

// UpdateActionData 通用工具增量。指针 / RawMessage 为 nil 表示字段未出现。
type UpdateActionData struct {
	ID              string          `json:"id,omitempty"`
	ToolID          string          `json:"tool_id,omitempty"`
	PreparingID     string          `json:"preparing_id,omitempty"`
	ExecutionID     string          `json:"execution_id,omitempty"`
	Status          string          `json:"status,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Message         *string         `json:"message,omitempty"`
	AwaitingContent *bool           `json:"awaiting_content,omitempty"`
}

// ResolvedExecutionID 与 ToolStartData 一致: execution_id 缺失时 id 即执行 id。
func (d UpdateActionData) ResolvedExecutionID() string {
	return util.FirstNonEmpty(d.ExecutionID, d.ID)
}

// AppendPayloadData 追加摘要。
type AppendPayloadData struct {
	Path    string `json:"path"`
	Forced  bool   `json:"forced"`
	Success *bool  `json:"success,omitempty"`
	Lines   *int   `json:"lines,omitempty"`
	Bytes   *int   `json:"bytes,omitempty"`
}

// ModifyPayloadData 修改摘要。
type ModifyPayloadData struct {
	Path      string          `json:"path"`
	Total     *int            `json:"total,omitempty"`
	Completed json.RawMessage `json:"completed,omitempty"`
	Failed    json.RawMessage `json:"failed,omitempty"`
	Forced    bool            `json:"forced"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// SystemMessageData 系统消息。
type SystemMessageData struct {
	Content string `json:"content"`
}

// ErrorData 服务端错误。
type ErrorData struct {
	Message string `json:"message"`
}

// TokenUpdateData 累计 token 推送。
type TokenUpdateData struct {
	ConversationID         string `json:"conversation_id"`
	CumulativeInputTokens  int64  `json:"cumulative_input_tokens"`
	CumulativeOutputTokens int64  `json:"cumulative_output_tokens"`
	CumulativeTotalTokens  int64  `json:"cumulative_total_tokens"`
}

// ConversationChangedData 当前对话切换。
type ConversationChangedData struct {
	ConversationID string  `json:"conversation_id"`
	Title          *string `json:"title,omitempty"`
	Cleared        bool    `json:"cleared"`
}

// ConversationLoadedData 对话已加载。
type ConversationLoadedData struct {
	ConversationID string  `json:"conversation_id"`
	Title          *string `json:"title,omitempty"`
	ClearUI        bool    `json:"clear_ui"`
}

// StatusUpdateData 系统状态。
type StatusUpdateData struct {
	Conversation *struct {
		CurrentID string `json:"current_id"`
	} `json:"conversation,omitempty"`
}

// CommandResultData 斜杠命令结果。
type CommandResultData struct {
	Command string          `json:"command"`
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SendMessageData send_message 帧。
type SendMessageData struct {
	Message string `json:"message"`
}

// SendCommandData send_command 帧。
type SendCommandData struct {
	Command string `json:"command"`
}

// Decode 把事件数据解码为 T; 数据为空时返回零值。
func Decode[T any](ev Event) (T, error) {
	var out T
	if len(ev.Data) == 0 || string(ev.Data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(ev.Data, &out); err != nil {
		return out, apperrors.Wrapf(err, "feed.Decode", "decode %s payload", ev.Type)
	}
	return out, nil
}

// NewEvent 构造事件 (data 为 nil 时省略)。
func NewEvent(name string, data any) (Event, error) {
	ev := Event{Type: name}
	if data == nil {
		return ev, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ev, apperrors.Wrapf(err, "feed.NewEvent", "encode %s payload", name)
	}
	ev.Data = raw
	return ev, nil
}
