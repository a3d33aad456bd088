// handlers.go — 实时事件分发: feed 事件名 → 强类型 handler → Builder 变更。
//
// 用法:
//
//	c.handlers[feed.EventToolStart] = typed(c.onToolStart)
//	func (c *Controller) onToolStart(d feed.ToolStartData) timeline.Effects { ... }
//
// handler 在控制器锁内执行, 返回的 Effects 由 applyEffects 统一处理。
package session

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/JOJO6618/ai-coding-agent/internal/bus"
	"github.com/JOJO6618/ai-coding-agent/internal/feed"
	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
	"github.com/JOJO6618/ai-coding-agent/internal/tokens"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
	"github.com/JOJO6618/ai-coding-agent/pkg/util"
)

// eventHandler 事件处理器 (锁内调用)。
type eventHandler func(ev feed.Event) timeline.Effects

// typed 将强类型函数包装为 eventHandler; 载荷解码失败时丢弃事件。
func typed[P any](fn func(p P) timeline.Effects) eventHandler {
	return func(ev feed.Event) timeline.Effects {
		p, err := feed.Decode[P](ev)
		if err != nil {
			logger.Warn("session: malformed event payload dropped",
				logger.FieldEventType, ev.Type,
				logger.FieldDataLen, len(ev.Data),
				logger.FieldError, err,
			)
			return 0
		}
		return fn(p)
	}
}

// bare 包装无载荷的 handler。
func bare(fn func() timeline.Effects) eventHandler {
	return func(feed.Event) timeline.Effects { return fn() }
}

// registerHandlers 注册全部事件 handler。
func (c *Controller) registerHandlers() {
	c.handlers = map[string]eventHandler{
		// ── 连接 ──
		feed.EventConnect:     bare(func() timeline.Effects { c.resetLocked(ResetConnect); return 0 }),
		feed.EventDisconnect:  bare(func() timeline.Effects { c.resetLocked(ResetDisconnect); return 0 }),
		feed.EventSystemReady: bare(c.onSystemReady),

		// ── turn / 片段 ──
		feed.EventAIMessageStart: bare(c.onTurnStart),
		feed.EventThinkingStart:  bare(func() timeline.Effects { return c.builder.SegmentStart(&c.handle, timeline.ActionThinking) }),
		feed.EventThinkingChunk:  typed(c.chunk(timeline.ActionThinking)),
		feed.EventThinkingEnd:    typed(c.segmentEnd(timeline.ActionThinking)),
		feed.EventTextStart:      bare(func() timeline.Effects { return c.builder.SegmentStart(&c.handle, timeline.ActionText) }),
		feed.EventTextChunk:      typed(c.chunk(timeline.ActionText)),
		feed.EventTextEnd:        typed(c.segmentEnd(timeline.ActionText)),

		// ── 工具 ──
		feed.EventToolHint:      typed(c.onToolHint),
		feed.EventToolPreparing: typed(c.onToolPreparing),
		feed.EventToolStatus:    typed(c.onToolStatus),
		feed.EventToolStart:     typed(c.onToolStart),
		feed.EventUpdateAction:  typed(c.onUpdateAction),

		// ── 载荷摘要 / 系统消息 ──
		feed.EventAppendPayload: typed(c.onAppendPayload),
		feed.EventModifyPayload: typed(c.onModifyPayload),
		feed.EventSystemMessage: typed(c.onSystemMessage),

		// ── 终止 ──
		feed.EventStopRequested: bare(c.onStopRequested),
		feed.EventTaskStopped:   bare(func() timeline.Effects { c.resetLocked(ResetStopped); return 0 }),
		feed.EventTaskComplete:  bare(c.onTaskComplete),
		feed.EventError:         typed(c.onError),

		// ── 刷新触发 / 对话状态 ──
		feed.EventFocusedFilesUpdate:  bare(c.onPromptInputsChanged),
		feed.EventFileTreeUpdate:      bare(c.onPromptInputsChanged),
		feed.EventTokenUpdate:         typed(c.onTokenUpdate),
		feed.EventConversationChanged: typed(c.onConversationChanged),
		feed.EventConversationLoaded:  typed(c.onConversationLoaded),
		feed.EventConversationList:    bare(c.onConversationListUpdate),
		feed.EventStatusUpdate:        typed(c.onStatusUpdate),
		feed.EventCommandResult:       typed(c.onCommandResult),
	}
}

// HandleEvent 处理一条实时事件。签名与 feed.EventHandler 一致, 由读循环串行调用。
func (c *Controller) HandleEvent(ev feed.Event) {
	h, ok := c.handlers[ev.Type]
	if !ok {
		logger.Debug("session: unhandled event", logger.FieldEventType, ev.Type)
		return
	}
	c.locked(func() {
		c.applyEffects(h(ev))
	})
}

// ========================================
// 片段
// ========================================

// onTurnStart 新 turn 开始: 清除上一轮的停止标记并恢复自动滚动。
func (c *Controller) onTurnStart() timeline.Effects {
	c.stopRequested = false
	c.autoScroll = true
	c.userScrolling = false
	return c.builder.TurnStart(c.conv, &c.handle)
}

func (c *Controller) chunk(kind timeline.ActionKind) func(feed.ChunkData) timeline.Effects {
	return func(d feed.ChunkData) timeline.Effects {
		return c.builder.SegmentChunk(&c.handle, kind, d.Content)
	}
}

func (c *Controller) segmentEnd(kind timeline.ActionKind) func(feed.SegmentEndData) timeline.Effects {
	return func(d feed.SegmentEndData) timeline.Effects {
		return c.builder.SegmentEnd(&c.handle, kind, d.FullContent)
	}
}

// ========================================
// 工具
// ========================================

func (c *Controller) onToolHint(d feed.ToolHintData) timeline.Effects {
	logger.Debug("session: tool hint", logger.FieldToolName, d.Name)
	return 0
}

func (c *Controller) onToolPreparing(d feed.ToolPreparingData) timeline.Effects {
	return c.builder.ToolPreparing(&c.handle, d.ID, d.Name, d.Message)
}

func (c *Controller) onToolStatus(d feed.ToolStatusData) timeline.Effects {
	return c.builder.ToolStatusDetail(&c.handle, d.Tool, d.Detail, d.Status)
}

func (c *Controller) onToolStart(d feed.ToolStartData) timeline.Effects {
	return c.builder.ToolStart(&c.handle, timeline.ToolStart{
		ToolID:      d.ID,
		PreparingID: d.PreparingID,
		ExecutionID: d.ResolvedExecutionID(),
		Name:        d.Name,
		Arguments:   d.Arguments,
	})
}

func (c *Controller) onUpdateAction(d feed.UpdateActionData) timeline.Effects {
	return c.builder.ToolUpdate(&c.handle, timeline.ToolUpdate{
		Key: timeline.ToolKey{
			ExecutionID: d.ResolvedExecutionID(),
			ToolID:      util.FirstNonEmpty(d.ToolID, d.ID),
			PreparingID: d.PreparingID,
		},
		Status:          timeline.ToolStatus(d.Status),
		Result:          d.Result,
		Message:         d.Message,
		AwaitingContent: d.AwaitingContent,
	})
}

// ========================================
// 载荷摘要 / 系统消息
// ========================================

func (c *Controller) onAppendPayload(d feed.AppendPayloadData) timeline.Effects {
	success := d.Success == nil || *d.Success
	return c.builder.AppendPayload(&c.handle, timeline.AppendSummary{
		Path:    d.Path,
		Success: success,
		Lines:   d.Lines,
		Bytes:   d.Bytes,
		Forced:  d.Forced,
	})
}

func (c *Controller) onModifyPayload(d feed.ModifyPayloadData) timeline.Effects {
	return c.builder.ModifyPayload(&c.handle, timeline.ModifySummary{
		Path:      d.Path,
		Total:     d.Total,
		Completed: d.Completed,
		Failed:    d.Failed,
		Forced:    d.Forced,
		Details:   d.Details,
	})
}

func (c *Controller) onSystemMessage(d feed.SystemMessageData) timeline.Effects {
	return c.builder.SystemMessage(c.conv, &c.handle, d.Content)
}

// ========================================
// 终止
// ========================================

func (c *Controller) onStopRequested() timeline.Effects {
	logger.Info("session: stop acknowledged by server", logger.FieldConversationID, c.conv.ID)
	return 0
}

func (c *Controller) onTaskComplete() timeline.Effects {
	c.resetLocked(ResetComplete)
	if c.conv.ID != "" && c.deps.Tokens != nil {
		ts := c.deps.Tokens
		c.later(ts.RefreshAllAsync)
	}
	return 0
}

// onError 错误以系统消息呈现, 随后完整重置。
func (c *Controller) onError(d feed.ErrorData) timeline.Effects {
	effects := c.builder.SystemMessage(c.conv, &c.handle, "错误: "+d.Message)
	logger.Warn("session: server error", logger.FieldConversationID, c.conv.ID, logger.FieldError, d.Message)
	c.resetLocked(ResetError)
	return effects
}

// ========================================
// token / 对话状态
// ========================================

// onPromptInputsChanged 聚焦文件或文件树变化会改变 prompt 组成, 延迟刷新上下文 token。
func (c *Controller) onPromptInputsChanged() timeline.Effects {
	c.scheduleContextRefreshLocked()
	return 0
}

func (c *Controller) onTokenUpdate(d feed.TokenUpdateData) timeline.Effects {
	if c.deps.Tokens == nil || c.conv.ID == "" {
		return 0
	}
	if d.ConversationID != "" && d.ConversationID != c.conv.ID {
		logger.Debug("session: token update for other conversation",
			logger.FieldConversationID, d.ConversationID)
		return 0
	}
	ts := c.deps.Tokens
	push := tokens.Cumulative{
		Input:  d.CumulativeInputTokens,
		Output: d.CumulativeOutputTokens,
		Total:  d.CumulativeTotalTokens,
	}
	convID := d.ConversationID
	c.later(func() {
		ts.ApplyPush(convID, push)
		ts.RefreshContextAsync()
	})
	return 0
}

func (c *Controller) onConversationChanged(d feed.ConversationChangedData) timeline.Effects {
	if d.ConversationID != "" && d.ConversationID != c.conv.ID {
		c.conv.ID = d.ConversationID
		c.loadGen++
		if c.deps.Tokens != nil {
			ts, id := c.deps.Tokens, d.ConversationID
			c.later(func() { ts.SetConversation(id) })
		}
	}
	if d.Title != nil {
		c.conv.Title = *d.Title
	}
	if d.Cleared {
		c.clearLocked()
	}
	c.publish(bus.MsgConversationChanged, ConversationNotice{ConversationID: c.conv.ID, Title: c.conv.Title})
	c.relistLocked()
	return timeline.EffectChanged
}

// onConversationLoaded 服务端切换了对话: 完整重置后后台加载历史与 token。
func (c *Controller) onConversationLoaded(d feed.ConversationLoadedData) timeline.Effects {
	if d.ConversationID == "" {
		return 0
	}
	var title string
	switch {
	case d.Title != nil:
		title = *d.Title
	case d.ConversationID == c.conv.ID:
		title = c.conv.Title
	}
	gen := c.switchConversationLocked(d.ConversationID, title)
	id := d.ConversationID
	c.later(func() {
		util.SafeGo(func() { c.loadHistoryAndTokens(c.ctx, id, gen) })
	})
	return 0
}

func (c *Controller) onStatusUpdate(d feed.StatusUpdateData) timeline.Effects {
	if d.Conversation == nil || d.Conversation.CurrentID == "" || d.Conversation.CurrentID == c.conv.ID {
		return 0
	}
	return c.onConversationChanged(feed.ConversationChangedData{ConversationID: d.Conversation.CurrentID})
}

// onCommandResult 斜杠命令结果。
func (c *Controller) onCommandResult(d feed.CommandResultData) timeline.Effects {
	switch {
	case d.Command == "clear" && d.Success:
		c.clearLocked()
		return timeline.EffectChanged
	case d.Command == "status" && d.Success:
		pretty := strings.TrimRight(gjson.GetBytes(d.Data, "@pretty").Raw, "\n")
		if pretty == "" {
			pretty = "null"
		}
		return c.builder.SystemMessage(c.conv, &c.handle, "系统状态:\n"+pretty)
	case !d.Success:
		return c.builder.SystemMessage(c.conv, &c.handle, "命令失败: "+d.Message)
	}
	logger.Debug("session: command result", logger.FieldCommand, d.Command)
	return 0
}

// clearLocked 清空当前对话内容与 token 计数。
func (c *Controller) clearLocked() {
	c.conv.ClearTurns()
	c.resetLocked(ResetClear)
	if c.deps.Tokens != nil {
		c.later(c.deps.Tokens.Reset)
	}
}
