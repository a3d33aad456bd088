// conversations.go — 对话管理: 列表分页、新建、加载、删除、复制、压缩, 以及历史加载。
//
// 管理调用失败时发布 session.notice 并返回错误, 会话状态保持不变。
package session

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/JOJO6618/ai-coding-agent/internal/api"
	"github.com/JOJO6618/ai-coding-agent/internal/bus"
	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
	"github.com/JOJO6618/ai-coding-agent/pkg/util"
)

// 新建对话的默认标题。
const newConversationTitle = "新对话"

// ConversationList 已加载的对话列表。
type ConversationList struct {
	Conversations []api.ConversationSummary `json:"conversations"`
	Offset        int                       `json:"offset"`
	HasMore       bool                      `json:"has_more"`
}

// Conversations 返回已加载的对话列表。
func (c *Controller) Conversations() ConversationList {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.ConversationSummary, len(c.conversations))
	copy(out, c.conversations)
	return ConversationList{Conversations: out, Offset: c.listOffset, HasMore: c.hasMore}
}

// notice 发布失败提示并返回原错误。
func (c *Controller) notice(op string, err error) error {
	msg := apperrors.MessageOf(err)
	if msg == "" {
		msg = err.Error()
	}
	logger.Warn("session: conversation operation failed", "op", op, logger.FieldError, err)
	c.locked(func() { c.publish(bus.MsgSessionNotice, Notice{Op: op, Message: msg}) })
	return err
}

func (c *Controller) requireConversations(op string) error {
	if c.deps.Conversations == nil {
		return apperrors.Wrap(apperrors.ErrInternal, op, "conversation service not configured")
	}
	return nil
}

// onSystemReady 服务端就绪: 后台加载首页对话列表。
func (c *Controller) onSystemReady() timeline.Effects {
	c.relistLocked()
	return 0
}

// onConversationListUpdate 服务端对话列表变化 (重命名、删除等)。
func (c *Controller) onConversationListUpdate() timeline.Effects {
	c.relistLocked()
	return 0
}

// relistLocked 释放锁后在后台重新加载首页对话列表。
func (c *Controller) relistLocked() {
	if c.deps.Conversations == nil {
		return
	}
	c.later(func() {
		util.SafeGo(func() { _, _ = c.List(c.ctx, 0) })
	})
}

// ========================================
// 列表
// ========================================

// List 加载一页对话列表。offset 为 0 时替换已有列表, 否则追加。
// offset 为 0、当前无对话且列表非空时自动加载第一个对话。
func (c *Controller) List(ctx context.Context, offset int) (*api.ConversationPage, error) {
	const op = "session.List"
	if err := c.requireConversations(op); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	page, err := c.deps.Conversations.ListConversations(ctx, c.opts.PageSize, offset)
	if err != nil {
		return nil, c.notice(op, err)
	}

	var autoLoad string
	c.locked(func() {
		if offset == 0 {
			c.conversations = append([]api.ConversationSummary(nil), page.Conversations...)
		} else {
			c.conversations = append(c.conversations, page.Conversations...)
		}
		c.listOffset = offset + len(page.Conversations)
		c.hasMore = page.HasMore
		if offset == 0 && c.conv.ID == "" && len(page.Conversations) > 0 {
			autoLoad = page.Conversations[0].ID
		}
	})
	logger.Debug("session: conversation list loaded",
		logger.FieldOffset, offset,
		logger.FieldCount, len(page.Conversations),
	)

	if autoLoad != "" {
		if err := c.Load(ctx, autoLoad); err != nil {
			logger.Warn("session: auto-load first conversation failed",
				logger.FieldConversationID, autoLoad, logger.FieldError, err)
		}
	}
	return page, nil
}

// LoadMore 加载下一页。没有更多时返回 nil, nil。
func (c *Controller) LoadMore(ctx context.Context) (*api.ConversationPage, error) {
	c.mu.Lock()
	offset, more := c.listOffset, c.hasMore
	c.mu.Unlock()
	if !more {
		return nil, nil
	}
	return c.List(ctx, offset)
}

// ========================================
// 加载 / 新建 / 删除 / 复制 / 压缩
// ========================================

// Load 激活并加载对话: 完整重置 → 历史重建 → token 刷新。已是当前对话时不做任何事。
func (c *Controller) Load(ctx context.Context, id string) error {
	const op = "session.Load"
	if id == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "empty conversation id")
	}
	if err := c.requireConversations(op); err != nil {
		return err
	}
	if c.ConversationID() == id {
		logger.Debug("session: conversation already current", logger.FieldConversationID, id)
		return nil
	}
	title, err := c.deps.Conversations.LoadConversation(ctx, id)
	if err != nil {
		return c.notice(op, err)
	}

	var gen uint64
	c.locked(func() { gen = c.switchConversationLocked(id, title) })
	logger.Info("session: conversation loaded", logger.FieldConversationID, id)
	return c.loadHistoryAndTokens(ctx, id, gen)
}

// loadHistoryAndTokens 并行拉取历史与 token。历史返回时对话已再次切换则丢弃。
func (c *Controller) loadHistoryAndTokens(ctx context.Context, id string, gen uint64) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.LoadTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.loadHistory(gctx, id, gen) })
	if c.deps.Tokens != nil {
		g.Go(func() error {
			// token 拉取失败只影响计数, 不影响加载结果
			_ = c.deps.Tokens.RefreshAll(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (c *Controller) loadHistory(ctx context.Context, id string, gen uint64) error {
	if c.deps.History == nil {
		return nil
	}
	records, err := c.deps.History.Messages(ctx, id)
	if err != nil {
		logger.Warn("session: history fetch failed",
			logger.FieldConversationID, id, logger.FieldError, err)
		return apperrors.Wrapf(err, "session.loadHistory", "history of %s", id)
	}
	turns := timeline.Reconstruct(records)
	c.locked(func() {
		if gen != c.loadGen || c.conv.ID != id {
			logger.Debug("session: stale history dropped", logger.FieldConversationID, id)
			return
		}
		c.conv.Turns = turns
		c.applyEffects(timeline.EffectChanged | timeline.EffectScroll)
	})
	logger.Debug("session: history rebuilt",
		logger.FieldConversationID, id,
		logger.FieldCount, len(turns),
	)
	return nil
}

// New 创建新对话并设为当前对话, 随后刷新列表。
func (c *Controller) New(ctx context.Context) (string, error) {
	const op = "session.New"
	if err := c.requireConversations(op); err != nil {
		return "", err
	}
	id, err := c.deps.Conversations.CreateConversation(ctx)
	if err != nil {
		return "", c.notice(op, err)
	}
	c.locked(func() { c.switchConversationLocked(id, newConversationTitle) })
	logger.Info("session: conversation created", logger.FieldConversationID, id)
	if _, err := c.List(ctx, 0); err != nil {
		logger.Warn("session: refresh list after create failed", logger.FieldError, err)
	}
	return id, nil
}

// Delete 删除对话。删除的是当前对话时清空时间线与 token, 随后刷新列表
// (列表刷新会自动加载第一个对话)。
func (c *Controller) Delete(ctx context.Context, id string) error {
	const op = "session.Delete"
	if err := c.requireConversations(op); err != nil {
		return err
	}
	if err := c.deps.Conversations.DeleteConversation(ctx, id); err != nil {
		return c.notice(op, err)
	}
	c.locked(func() {
		if c.conv.ID == id {
			c.switchConversationLocked("", "")
		}
	})
	logger.Info("session: conversation deleted", logger.FieldConversationID, id)
	if _, err := c.List(ctx, 0); err != nil {
		logger.Warn("session: refresh list after delete failed", logger.FieldError, err)
	}
	return nil
}

// Duplicate 复制对话并加载副本。
func (c *Controller) Duplicate(ctx context.Context, id string) (string, error) {
	const op = "session.Duplicate"
	if err := c.requireConversations(op); err != nil {
		return "", err
	}
	newID, err := c.deps.Conversations.DuplicateConversation(ctx, id)
	if err != nil {
		return "", c.notice(op, err)
	}
	return newID, c.adopt(ctx, newID)
}

// Compress 压缩对话并加载压缩结果。
func (c *Controller) Compress(ctx context.Context, id string) (string, error) {
	const op = "session.Compress"
	if err := c.requireConversations(op); err != nil {
		return "", err
	}
	newID, err := c.deps.Conversations.CompressConversation(ctx, id)
	if err != nil {
		return "", c.notice(op, err)
	}
	return newID, c.adopt(ctx, newID)
}

// adopt 加载新产生的对话并刷新列表。
func (c *Controller) adopt(ctx context.Context, id string) error {
	if err := c.Load(ctx, id); err != nil {
		return err
	}
	if _, err := c.List(ctx, 0); err != nil {
		logger.Warn("session: refresh list failed", logger.FieldConversationID, id, logger.FieldError, err)
	}
	return nil
}
