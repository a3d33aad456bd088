package timeline

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBuilder 固定时钟 + 自增 id, 保证断言稳定。
func newTestBuilder() *Builder {
	seq := 0
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return NewBuilder(NewRegistry(),
		WithClock(func() time.Time { return base }),
		WithIDGenerator(func(kind ActionKind) string {
			seq++
			return fmt.Sprintf("%s-%d", kind, seq)
		}),
	)
}

func startedTurn(t *testing.T, b *Builder) (*Conversation, *Handle) {
	t.Helper()
	conv := NewConversation("conv-1", "测试")
	h := &Handle{}
	b.TurnStart(conv, h)
	require.True(t, h.Active())
	return conv, h
}

func strPtr(s string) *string { return &s }
func boolPtr(v bool) *bool    { return &v }

func TestBuilder_ThinkingThenTextSequence(t *testing.T) {
	b := newTestBuilder()
	conv, h := startedTurn(t, b)

	b.SegmentStart(h, ActionThinking)
	b.SegmentChunk(h, ActionThinking, "a")
	b.SegmentChunk(h, ActionThinking, "b")
	assert.Equal(t, "ab", h.Turn().StreamingThinking)
	assert.Equal(t, ActionThinking, h.Turn().CurrentStreamingType)
	b.SegmentEnd(h, ActionThinking, "ab")

	b.SegmentStart(h, ActionText)
	b.SegmentChunk(h, ActionText, "hi")
	b.SegmentEnd(h, ActionText, "hi")

	require.Len(t, conv.Turns, 1)
	turn := conv.Turns[0]
	require.Len(t, turn.Actions, 2)
	assert.Equal(t, ActionThinking, turn.Actions[0].Kind)
	assert.Equal(t, "ab", turn.Actions[0].Content)
	assert.False(t, turn.Actions[0].Streaming)
	assert.Equal(t, ActionText, turn.Actions[1].Kind)
	assert.Equal(t, "hi", turn.Actions[1].Content)
	assert.False(t, turn.Actions[1].Streaming)
	assert.Empty(t, turn.CurrentStreamingType)
	assert.Empty(t, turn.StreamingThinking)
	assert.Empty(t, turn.StreamingText)
}

// 结束事件携带的内容是权威值, 覆盖分块拼接结果。
func TestBuilder_SegmentEndOverwritesChunks(t *testing.T) {
	b := newTestBuilder()
	_, h := startedTurn(t, b)

	b.SegmentStart(h, ActionText)
	b.SegmentChunk(h, ActionText, "hel")
	b.SegmentChunk(h, ActionText, "lo wrld")
	b.SegmentEnd(h, ActionText, "hello world")

	assert.Equal(t, "hello world", h.Turn().Actions[0].Content)
}

// 片段开始之后插入了工具 action, 结束事件仍能找到该片段。
func TestBuilder_SegmentEndScansPastInterleavedTool(t *testing.T) {
	b := newTestBuilder()
	_, h := startedTurn(t, b)

	b.SegmentStart(h, ActionText)
	b.SegmentChunk(h, ActionText, "part")
	b.ToolPreparing(h, "P1", "read_file", "")
	b.SegmentEnd(h, ActionText, "partial text")

	actions := h.Turn().Actions
	require.Len(t, actions, 2)
	assert.Equal(t, "partial text", actions[0].Content)
	assert.False(t, actions[0].Streaming)
	assert.Equal(t, ActionTool, actions[1].Kind)
}

func TestBuilder_GuardsWithoutActiveTurn(t *testing.T) {
	b := newTestBuilder()
	conv := NewConversation("c", "")
	h := &Handle{}

	assert.Zero(t, b.SegmentStart(h, ActionThinking))
	assert.Zero(t, b.SegmentChunk(h, ActionThinking, "x"))
	assert.Zero(t, b.SegmentEnd(h, ActionThinking, "x"))
	assert.Zero(t, b.ToolPreparing(h, "P", "sleep", ""))
	assert.Zero(t, b.ToolStart(h, ToolStart{ToolID: "T", Name: "sleep"}))
	assert.Zero(t, b.AppendPayload(h, AppendSummary{Path: "a.txt"}))
	assert.Zero(t, b.ModifyPayload(h, ModifySummary{Path: "a.txt"}))
	assert.Empty(t, conv.Turns)
	assert.Zero(t, b.Registry().Len())
}

// chunk 到达时最后一个 action 不是同类型: 丢弃, 不写累加器。
func TestBuilder_ChunkWithoutMatchingLastActionDropped(t *testing.T) {
	b := newTestBuilder()
	_, h := startedTurn(t, b)

	b.SegmentStart(h, ActionThinking)
	effects := b.SegmentChunk(h, ActionText, "orphan")

	assert.Zero(t, effects)
	assert.Empty(t, h.Turn().StreamingText)
	assert.Empty(t, h.Turn().Actions[0].Content)
}

func TestBuilder_ChunkAfterEndDropped(t *testing.T) {
	b := newTestBuilder()
	_, h := startedTurn(t, b)

	b.SegmentStart(h, ActionText)
	b.SegmentEnd(h, ActionText, "final")
	b.SegmentChunk(h, ActionText, " late")

	assert.Equal(t, "final", h.Turn().Actions[0].Content)
}

func TestBuilder_PreparingThenStart(t *testing.T) {
	b := newTestBuilder()
	_, h := startedTurn(t, b)

	b.ToolPreparing(h, "P", "run_python", "")
	require.True(t, b.Registry().Has("P"))
	prep := h.Turn().Actions[0]
	assert.Equal(t, ToolPreparing, prep.Tool.Status)
	assert.Equal(t, "准备调用 run_python...", prep.Tool.Message)
	assert.JSONEq(t, `{}`, string(prep.Tool.Arguments))

	b.ToolStart(h, ToolStart{
		ToolID:      "E",
		PreparingID: "P",
		ExecutionID: "E",
		Name:        "run_python",
		Arguments:   json.RawMessage(`{"x": 1}`),
	})

	actions := h.Turn().Actions
	require.Len(t, actions, 1)
	tool := actions[0].Tool
	assert.Equal(t, "P", actions[0].ID)
	assert.Equal(t, ToolRunning, tool.Status)
	assert.JSONEq(t, `{"x":1}`, string(tool.Arguments))
	assert.Equal(t, "E", tool.ExecutionID)
	assert.Empty(t, tool.Message)
	assert.False(t, b.Registry().Has("P"))
}

// 跳过准备阶段的工具直接以 running 追加。
func TestBuilder_StartWithoutPreparing(t *testing.T) {
	b := newTestBuilder()
	_, h := startedTurn(t, b)

	b.ToolStart(h, ToolStart{ToolID: "T9", PreparingID: "unknown", ExecutionID: "T9", Name: "sleep", Arguments: json.RawMessage(`{"seconds":3}`)})

	require.Len(t, h.Turn().Actions, 1)
	a := h.Turn().Actions[0]
	assert.Equal(t, "T9", a.ID)
	assert.Equal(t, "T9", a.Tool.ID)
	assert.Equal(t, ToolRunning, a.Tool.Status)
}

func TestBuilder_MalformedArgumentsDegradeToEmpty(t *testing.T) {
	b := newTestBuilder()
	_, h := startedTurn(t, b)

	b.ToolStart(h, ToolStart{ToolID: "T", Name: "run_command", Arguments: json.RawMessage(`{broken`)})
	assert.JSONEq(t, `{}`, string(h.Turn().Actions[0].Tool.Arguments))
}

func TestBuilder_DuplicatePreparingIgnored(t *testing.T) {
	b := newTestBuilder()
	_, h := startedTurn(t, b)

	b.ToolPreparing(h, "P", "read_file", "")
	b.ToolPreparing(h, "P", "read_file", "")
	assert.Len(t, h.Turn().Actions, 1)
}

func TestBuilder_ToolUpdatePartialFields(t *testing.T) {
	b := newTestBuilder()
	_, h := startedTurn(t, b)
	b.ToolPreparing(h, "P", "append_to_file", "自定义")
	b.ToolStart(h, ToolStart{ToolID: "E", PreparingID: "P", ExecutionID: "E", Name: "append_to_file"})

	b.ToolUpdate(h, ToolUpdate{Key: ToolKey{ExecutionID: "E", ToolID: "E"}, AwaitingContent: boolPtr(true)})
	tool := h.Turn().Actions[0].Tool
	assert.Equal(t, ToolRunning, tool.Status)
	assert.True(t, tool.AwaitingContent)
	assert.Nil(t, tool.Result)

	effects := b.ToolUpdate(h, ToolUpdate{
		Key:     ToolKey{ExecutionID: "E", ToolID: "E", PreparingID: "P"},
		Status:  ToolCompleted,
		Result:  json.RawMessage(`{"success": true}`),
		Message: strPtr("追加完成"),
	})
	assert.True(t, effects.Has(EffectToolCompleted))
	assert.Equal(t, ToolCompleted, tool.Status)
	assert.JSONEq(t, `{"success":true}`, string(tool.Result))
	assert.Equal(t, "追加完成", tool.Message)
	assert.False(t, tool.AwaitingContent, "completed without awaiting_content clears the flag")
}

// 终态之后的回退被忽略, 但同一增量中的其它字段照常应用。
func TestBuilder_ToolStatusNeverRegresses(t *testing.T) {
	b := newTestBuilder()
	_, h := startedTurn(t, b)
	b.ToolStart(h, ToolStart{ToolID: "T", ExecutionID: "T", Name: "run_command"})

	b.ToolUpdate(h, ToolUpdate{Key: ToolKey{ToolID: "T"}, Status: ToolError})
	b.ToolUpdate(h, ToolUpdate{Key: ToolKey{ToolID: "T"}, Status: ToolRunning, Message: strPtr("late")})
	b.ToolUpdate(h, ToolUpdate{Key: ToolKey{ToolID: "T"}, Status: ToolCompleted})

	tool := h.Turn().Actions[0].Tool
	assert.Equal(t, ToolError, tool.Status)
	assert.Equal(t, "late", tool.Message)
}

func TestBuilder_ToolUpdateUnresolvedDropped(t *testing.T) {
	b := newTestBuilder()
	_, h := startedTurn(t, b)
	b.ToolStart(h, ToolStart{ToolID: "T", Name: "sleep"})

	effects := b.ToolUpdate(h, ToolUpdate{Key: ToolKey{ToolID: "nope"}, Status: ToolCompleted})
	assert.False(t, effects.Has(EffectChanged))
	assert.True(t, effects.Has(EffectToolCompleted))
	assert.Equal(t, ToolRunning, h.Turn().Actions[0].Tool.Status)
}

// 工具更新只在活跃 turn 中解析, 不触及更早的 turn。
func TestBuilder_ToolUpdateScopedToActiveTurn(t *testing.T) {
	b := newTestBuilder()
	conv, h := startedTurn(t, b)
	b.ToolStart(h, ToolStart{ToolID: "OLD", Name: "sleep"})
	h.Clear()
	b.TurnStart(conv, h)

	b.ToolUpdate(h, ToolUpdate{Key: ToolKey{ToolID: "OLD"}, Status: ToolCompleted})
	assert.Equal(t, ToolRunning, conv.Turns[0].Actions[0].Tool.Status)
}

func TestBuilder_ToolStatusDetailTargetsFirstSameName(t *testing.T) {
	b := newTestBuilder()
	_, h := startedTurn(t, b)
	b.ToolStart(h, ToolStart{ToolID: "A", Name: "run_command"})
	b.ToolStart(h, ToolStart{ToolID: "B", Name: "run_command"})

	b.ToolStatusDetail(h, "run_command", "执行中", "progress")

	first, second := h.Turn().Actions[0].Tool, h.Turn().Actions[1].Tool
	assert.Equal(t, "执行中", first.StatusDetail)
	assert.Equal(t, "progress", first.StatusType)
	assert.Empty(t, second.StatusDetail)

	assert.Zero(t, b.ToolStatusDetail(h, "sleep", "x", "info"))
}

func TestBuilder_PayloadActions(t *testing.T) {
	b := newTestBuilder()
	_, h := startedTurn(t, b)
	lines := 3
	b.AppendPayload(h, AppendSummary{Success: true, Lines: &lines})
	b.ModifyPayload(h, ModifySummary{Path: "src/a.go", Completed: json.RawMessage(`[1, 2]`)})

	actions := h.Turn().Actions
	require.Len(t, actions, 2)
	assert.Equal(t, ActionAppendPayload, actions[0].Kind)
	assert.Equal(t, UnknownPath, actions[0].Append.Path)
	assert.Equal(t, 3, *actions[0].Append.Lines)
	assert.Equal(t, ActionModifyPayload, actions[1].Kind)
	assert.JSONEq(t, `[1,2]`, string(actions[1].Modify.Completed))
	assert.JSONEq(t, `[]`, string(actions[1].Modify.Failed))
}

func TestBuilder_SystemMessagePlacement(t *testing.T) {
	b := newTestBuilder()
	conv := NewConversation("c", "")
	h := &Handle{}

	b.SystemMessage(conv, h, "standalone")
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, RoleSystem, conv.Turns[0].Role)

	b.TurnStart(conv, h)
	b.SystemMessage(conv, h, "inline")
	require.Len(t, conv.Turns, 2)
	require.Len(t, conv.Turns[1].Actions, 1)
	assert.Equal(t, ActionSystem, conv.Turns[1].Actions[0].Kind)
	assert.Equal(t, "inline", conv.Turns[1].Actions[0].Content)
}

// 任意终止事件后, 所有 turn 中都不再有 preparing / running 的工具。
func TestBuilder_FinishSweepsAllTurns(t *testing.T) {
	for _, reason := range []FinishReason{FinishComplete, FinishStopped, FinishError} {
		t.Run(string(reason), func(t *testing.T) {
			b := newTestBuilder()
			conv, h := startedTurn(t, b)
			b.ToolStart(h, ToolStart{ToolID: "OLD", Name: "sleep"})
			b.TurnStart(conv, h)
			b.ToolPreparing(h, "P", "read_file", "")
			b.ToolStart(h, ToolStart{ToolID: "R", Name: "run_command"})
			b.SegmentStart(h, ActionText)
			b.SegmentChunk(h, ActionText, "half")

			swept := b.Finish(conv, h, reason)

			assert.Equal(t, 3, swept)
			assert.False(t, h.Active())
			for _, turn := range conv.Turns {
				assert.Empty(t, turn.CurrentStreamingType)
				for _, a := range turn.Actions {
					assert.False(t, a.IsOpenTool(), "action %s still open", a.ID)
					assert.False(t, a.Streaming)
				}
			}
		})
	}
}

func TestBuilder_TaskStoppedCompletesRunningTool(t *testing.T) {
	b := newTestBuilder()
	conv, h := startedTurn(t, b)
	b.ToolStart(h, ToolStart{ToolID: "T", Name: "run_command"})
	require.Equal(t, ToolRunning, conv.Turns[0].Actions[0].Tool.Status)

	b.Finish(conv, h, FinishStopped)
	assert.Equal(t, ToolCompleted, conv.Turns[0].Actions[0].Tool.Status)
}

// 追加不变式: 任意变更后的 id 序列都是之前序列的前缀扩展。
func TestBuilder_AppendOnly(t *testing.T) {
	b := newTestBuilder()
	conv, h := startedTurn(t, b)
	turn := h.Turn()

	steps := []func(){
		func() { b.SegmentStart(h, ActionThinking) },
		func() { b.SegmentChunk(h, ActionThinking, "x") },
		func() { b.ToolPreparing(h, "P", "read_file", "") },
		func() { b.SegmentEnd(h, ActionThinking, "x") },
		func() { b.ToolStart(h, ToolStart{ToolID: "E", PreparingID: "P", ExecutionID: "E"}) },
		func() { b.ToolUpdate(h, ToolUpdate{Key: ToolKey{ExecutionID: "E"}, Status: ToolCompleted}) },
		func() { b.AppendPayload(h, AppendSummary{Path: "f"}) },
		func() { b.SystemMessage(conv, h, "note") },
		func() { b.Finish(conv, h, FinishComplete) },
	}
	prev := ActionIDs(turn)
	for i, step := range steps {
		step()
		cur := ActionIDs(turn)
		require.GreaterOrEqual(t, len(cur), len(prev), "step %d", i)
		assert.Equal(t, prev, cur[:len(prev)], "step %d reordered or removed actions", i)
		prev = cur
	}
}
