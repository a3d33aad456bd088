package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JOJO6618/ai-coding-agent/internal/bus"
	"github.com/JOJO6618/ai-coding-agent/internal/feed"
	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
	"github.com/JOJO6618/ai-coding-agent/internal/tokens"
)

func TestHandleEvent_ThinkingThenText(t *testing.T) {
	h := newHarness(t)
	h.emit(
		ev(feed.EventAIMessageStart),
		ev(feed.EventThinkingStart),
		ev(feed.EventThinkingChunk, `{"content":"a"}`),
		ev(feed.EventThinkingChunk, `{"content":"b"}`),
		ev(feed.EventThinkingEnd, `{"full_content":"ab"}`),
		ev(feed.EventTextStart),
		ev(feed.EventTextChunk, `{"content":"hi"}`),
		ev(feed.EventTextEnd, `{"full_content":"hi"}`),
	)

	st := h.c.Snapshot()
	require.Len(t, st.Turns, 1)
	turn := st.Turns[0]
	require.Len(t, turn.Actions, 2)
	assert.Equal(t, timeline.ActionThinking, turn.Actions[0].Kind)
	assert.Equal(t, "ab", turn.Actions[0].Content)
	assert.False(t, turn.Actions[0].Streaming)
	assert.Equal(t, "hi", turn.Actions[1].Content)
	assert.False(t, turn.Actions[1].Streaming)
	assert.True(t, st.Streaming, "turn stays active until a terminal event")
}

func TestHandleEvent_ToolLifecycle(t *testing.T) {
	h := newHarness(t)
	h.emit(
		ev(feed.EventAIMessageStart),
		ev(feed.EventToolPreparing, `{"id":"P","name":"run_command"}`),
		ev(feed.EventToolStart, `{"id":"T","preparing_id":"P","execution_id":"E","name":"run_command","arguments":{"command":"ls"}}`),
		ev(feed.EventToolStatus, `{"tool":"run_command","detail":"运行中","status":"info"}`),
		ev(feed.EventUpdateAction, `{"execution_id":"E","status":"completed","result":{"output":"a.go","success":true}}`),
	)

	turn := lastTurn(t, h.c.Snapshot())
	require.Len(t, turn.Actions, 1)
	tool := turn.Actions[0].Tool
	assert.Equal(t, "P", turn.Actions[0].ID)
	assert.Equal(t, timeline.ToolCompleted, tool.Status)
	assert.Equal(t, "E", tool.ExecutionID)
	assert.JSONEq(t, `{"command":"ls"}`, string(tool.Arguments))
	assert.JSONEq(t, `{"output":"a.go","success":true}`, string(tool.Result))
	assert.Equal(t, "运行中", tool.StatusDetail)
	assert.Zero(t, h.c.Snapshot().PendingTools)
}

func TestHandleEvent_UpdateByLegacyIDField(t *testing.T) {
	h := newHarness(t)
	h.emit(
		ev(feed.EventAIMessageStart),
		ev(feed.EventToolStart, `{"id":"T1","name":"read_file","arguments":"{\"path\":\"a.go\"}"}`),
		ev(feed.EventUpdateAction, `{"id":"T1","status":"error","message":"权限不足"}`),
	)
	tool := lastTurn(t, h.c.Snapshot()).Actions[0].Tool
	assert.Equal(t, timeline.ToolError, tool.Status)
	assert.Equal(t, "权限不足", tool.Message)
	assert.JSONEq(t, `{"path":"a.go"}`, string(tool.Arguments))
}

func TestHandleEvent_UpdateByExecutionIDInIDField(t *testing.T) {
	h := newHarness(t)
	h.emit(
		ev(feed.EventAIMessageStart),
		ev(feed.EventToolPreparing, `{"id":"P","name":"run_command"}`),
		ev(feed.EventToolStart, `{"id":"E","preparing_id":"P","name":"run_command","arguments":{"command":"make"}}`),
		ev(feed.EventUpdateAction, `{"id":"E","status":"completed","result":{"ok":true}}`),
	)

	turn := lastTurn(t, h.c.Snapshot())
	require.Len(t, turn.Actions, 1)
	tool := turn.Actions[0].Tool
	assert.Equal(t, "P", tool.ID)
	assert.Equal(t, "E", tool.ExecutionID)
	assert.Equal(t, timeline.ToolCompleted, tool.Status)
	assert.JSONEq(t, `{"ok":true}`, string(tool.Result))
}

func TestHandleEvent_PayloadsAndSystemMessage(t *testing.T) {
	h := newHarness(t)
	h.emit(
		ev(feed.EventSystemMessage, `{"content":"欢迎"}`),
		ev(feed.EventAIMessageStart),
		ev(feed.EventAppendPayload, `{"path":"notes.md","lines":3,"bytes":42}`),
		ev(feed.EventModifyPayload, `{"path":"main.go","total":2,"completed":[1],"failed":[2],"forced":true}`),
		ev(feed.EventSystemMessage, `{"content":"注意"}`),
	)

	st := h.c.Snapshot()
	require.Len(t, st.Turns, 2)
	assert.Equal(t, timeline.RoleSystem, st.Turns[0].Role)
	assert.Equal(t, "欢迎", st.Turns[0].Content)

	actions := st.Turns[1].Actions
	require.Len(t, actions, 3)
	require.NotNil(t, actions[0].Append)
	assert.True(t, actions[0].Append.Success, "success defaults to true")
	assert.Equal(t, 3, *actions[0].Append.Lines)
	require.NotNil(t, actions[1].Modify)
	assert.JSONEq(t, `[2]`, string(actions[1].Modify.Failed))
	assert.Equal(t, timeline.ActionSystem, actions[2].Kind)
}

func TestTaskStopped_SweepsRunningTool(t *testing.T) {
	h := newHarness(t)
	h.emit(
		ev(feed.EventAIMessageStart),
		ev(feed.EventToolStart, `{"id":"T","name":"sleep","arguments":{"seconds":5}}`),
		ev(feed.EventToolPreparing, `{"id":"P2","name":"read_file"}`),
		ev(feed.EventTaskStopped),
	)

	st := h.c.Snapshot()
	assert.False(t, st.Streaming)
	assert.Zero(t, st.PendingTools)
	for _, a := range lastTurn(t, st).Actions {
		assert.Equal(t, timeline.ToolCompleted, a.Tool.Status, a.ID)
	}
}

func TestError_SurfacesMessageAndResets(t *testing.T) {
	h := newHarness(t)
	h.emit(
		ev(feed.EventAIMessageStart),
		ev(feed.EventTextStart),
		ev(feed.EventTextChunk, `{"content":"部分"}`),
		ev(feed.EventToolPreparing, `{"id":"P","name":"web_search"}`),
		ev(feed.EventError, `{"message":"模型超时"}`),
	)

	st := h.c.Snapshot()
	assert.False(t, st.Streaming)
	actions := lastTurn(t, st).Actions
	require.Len(t, actions, 3)
	assert.False(t, actions[0].Streaming)
	assert.Equal(t, timeline.ToolCompleted, actions[1].Tool.Status)
	assert.Equal(t, "错误: 模型超时", actions[2].Content)

	// 重置后块事件被丢弃
	h.emit(ev(feed.EventTextChunk, `{"content":"late"}`))
	assert.Equal(t, "部分", lastTurn(t, h.c.Snapshot()).Actions[0].Content)
}

func TestMalformedPayloadDropped(t *testing.T) {
	h := newHarness(t)
	h.emit(
		ev(feed.EventAIMessageStart),
		ev(feed.EventToolStart, `"not an object"`),
		ev("unknown_event", `{}`),
	)
	assert.Empty(t, lastTurn(t, h.c.Snapshot()).Actions)
}

func TestReset_ReenablesAutoScroll(t *testing.T) {
	h := newHarness(t)
	h.c.UserScrolled(false)
	st := h.c.Snapshot()
	assert.False(t, st.AutoScroll)
	assert.True(t, st.UserScrolling)

	h.emit(ev(feed.EventDisconnect))
	st = h.c.Snapshot()
	assert.True(t, st.AutoScroll)
	assert.False(t, st.UserScrolling)
}

func TestTurnStart_ClearsStopGateAndRestoresAutoScroll(t *testing.T) {
	h := newHarness(t)
	h.emit(ev(feed.EventAIMessageStart))
	sent, err := h.c.RequestStop()
	require.NoError(t, err)
	require.True(t, sent)
	h.c.UserScrolled(false)

	// 下一个 turn 直接开始, 中间没有终止事件
	h.emit(ev(feed.EventAIMessageStart))
	st := h.c.Snapshot()
	assert.False(t, st.StopRequested)
	assert.True(t, st.AutoScroll)
	assert.False(t, st.UserScrolling)

	sent, err = h.c.RequestStop()
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, 2, h.sender.stops)
}

func TestScrollRequests_SuppressedWhileUserScrolling(t *testing.T) {
	h := newHarness(t)
	scroll := h.bus.Subscribe("scroll", bus.MsgTimelineScroll)
	changed := h.bus.Subscribe("changed", bus.MsgTimelineChanged)

	h.emit(ev(feed.EventAIMessageStart))
	assert.Len(t, drain(scroll), 1)
	assert.Len(t, drain(changed), 1)

	h.c.UserScrolled(false)
	h.emit(ev(feed.EventTextStart))
	assert.Empty(t, drain(scroll))
	assert.Len(t, drain(changed), 1)

	h.c.UserScrolled(true)
	h.emit(ev(feed.EventTextChunk, `{"content":"x"}`))
	msgs := drain(scroll)
	require.Len(t, msgs, 1)
	assert.Equal(t, publisherName, msgs[0].From)

	var notice TimelineNotice
	last := drain(changed)
	require.Len(t, last, 1)
	require.NoError(t, json.Unmarshal(last[0].Payload, &notice))
	assert.True(t, notice.Streaming)
	assert.Equal(t, 1, notice.Turns)
}

func TestCommandResult(t *testing.T) {
	h := newHarness(t)
	h.tokens.SetConversation("c1")
	h.tokens.ApplyPush("c1", tokens.Cumulative{Total: 50})
	h.emit(
		ev(feed.EventSystemMessage, `{"content":"旧消息"}`),
		ev(feed.EventCommandResult, `{"command":"clear","success":true}`),
	)
	assert.Empty(t, h.c.Snapshot().Turns)
	assert.Equal(t, tokens.Cumulative{}, h.tokens.Snapshot().Cumulative)

	h.emit(ev(feed.EventCommandResult, `{"command":"status","success":true,"data":{"model":"x"}}`))
	assert.Equal(t, "系统状态:\n{\n  \"model\": \"x\"\n}", lastTurn(t, h.c.Snapshot()).Content)

	h.emit(ev(feed.EventCommandResult, `{"command":"compress","success":false,"message":"对话过短"}`))
	assert.Equal(t, "命令失败: 对话过短", lastTurn(t, h.c.Snapshot()).Content)
}

func TestToolCompleted_SchedulesContextRefresh(t *testing.T) {
	h := newHarness(t)
	h.emit(ev(feed.EventConversationChanged, `{"conversation_id":"c1"}`))
	h.source.setContext("c1", 2048)

	h.emit(
		ev(feed.EventAIMessageStart),
		ev(feed.EventToolStart, `{"id":"T","execution_id":"E","name":"create_file","arguments":{}}`),
		ev(feed.EventUpdateAction, `{"execution_id":"E","status":"completed"}`),
	)
	require.Eventually(t, func() bool { return h.tokens.Snapshot().Current == 2048 }, time.Second, 5*time.Millisecond)
}

func TestFileTreeUpdate_RefreshOnlyWithConversation(t *testing.T) {
	h := newHarness(t)
	h.emit(ev(feed.EventFileTreeUpdate, `{}`))
	assert.Zero(t, h.tokens.Pending())

	h.emit(ev(feed.EventConversationChanged, `{"conversation_id":"c1"}`))
	h.source.setContext("c1", 77)
	h.emit(ev(feed.EventFocusedFilesUpdate, `{"files":["a.go"]}`))
	require.Eventually(t, func() bool { return h.tokens.Snapshot().Current == 77 }, time.Second, 5*time.Millisecond)
}

func TestTokenUpdate(t *testing.T) {
	h := newHarness(t)
	h.emit(ev(feed.EventConversationChanged, `{"conversation_id":"c1","title":"标题"}`))
	h.source.setContext("c1", 900)

	h.emit(ev(feed.EventTokenUpdate, `{"conversation_id":"c2","cumulative_total_tokens":999}`))
	assert.Zero(t, h.tokens.Snapshot().Cumulative.Total)

	h.emit(ev(feed.EventTokenUpdate, `{"conversation_id":"c1","cumulative_input_tokens":100,"cumulative_output_tokens":20,"cumulative_total_tokens":120}`))
	assert.Equal(t, tokens.Cumulative{Input: 100, Output: 20, Total: 120}, h.tokens.Snapshot().Cumulative)
	require.Eventually(t, func() bool { return h.tokens.Snapshot().Current == 900 }, time.Second, 5*time.Millisecond)

	st := h.c.Snapshot()
	assert.Equal(t, "c1", st.ConversationID)
	assert.Equal(t, "标题", st.Title)
}

func TestConversationChanged_Cleared(t *testing.T) {
	h := newHarness(t)
	h.emit(
		ev(feed.EventConversationChanged, `{"conversation_id":"c1"}`),
		ev(feed.EventSystemMessage, `{"content":"hello"}`),
		ev(feed.EventConversationChanged, `{"conversation_id":"c1","cleared":true}`),
	)
	st := h.c.Snapshot()
	assert.Equal(t, "c1", st.ConversationID)
	assert.Empty(t, st.Turns)
}

func TestStatusUpdate_AdoptsCurrentConversation(t *testing.T) {
	h := newHarness(t)
	h.emit(ev(feed.EventStatusUpdate, `{"conversation":{"current_id":"c7"}}`))
	assert.Equal(t, "c7", h.c.ConversationID())
	assert.Equal(t, "c7", h.tokens.ConversationID())

	h.emit(ev(feed.EventStatusUpdate, `{}`))
	assert.Equal(t, "c7", h.c.ConversationID())
}

func TestConversationLoadedEvent_LoadsHistory(t *testing.T) {
	h := newHarness(t)
	h.history.records["c3"] = []timeline.Record{
		{Role: "user", Content: "你好"},
		{Role: "assistant", Content: "<think>想想</think>你好!"},
	}
	h.source.setContext("c3", 12)
	h.emit(
		ev(feed.EventSystemMessage, `{"content":"旧对话内容"}`),
		ev(feed.EventConversationLoaded, `{"conversation_id":"c3","title":"问候","clear_ui":true}`),
	)

	require.Eventually(t, func() bool { return len(h.c.Snapshot().Turns) == 2 }, time.Second, 5*time.Millisecond)
	st := h.c.Snapshot()
	assert.Equal(t, "问候", st.Title)
	assert.Equal(t, timeline.ActionThinking, st.Turns[1].Actions[0].Kind)
	require.Eventually(t, func() bool { return h.tokens.Snapshot().Current == 12 }, time.Second, 5*time.Millisecond)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	h := newHarness(t)
	h.emit(ev(feed.EventAIMessageStart), ev(feed.EventTextStart), ev(feed.EventTextChunk, `{"content":"a"}`))
	snap := h.c.Snapshot()
	snap.Turns[0].Actions[0].Content = "mutated"

	h.emit(ev(feed.EventTextChunk, `{"content":"b"}`))
	assert.Equal(t, "ab", lastTurn(t, h.c.Snapshot()).Actions[0].Content)
}
