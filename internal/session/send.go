// send.go — 发送通道: 用户消息、斜杠命令、停止请求。
package session

import (
	"errors"
	"strings"

	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

// SendMessage 发送用户输入。以 "/" 开头的输入作为命令发送 (去掉斜杠);
// 其它输入先发送再追加 user turn, 发送失败时时间线不变。
// 有 assistant turn 正在流式输出时拒绝发送 (ErrTurnInProgress)。
func (c *Controller) SendMessage(text string) error {
	const op = "session.SendMessage"
	text = strings.TrimSpace(text)
	if text == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "empty message")
	}
	if c.deps.Sender == nil {
		return apperrors.Wrap(apperrors.ErrNotConnected, op, "no sender")
	}
	if strings.HasPrefix(text, "/") {
		if c.Streaming() {
			return apperrors.Wrap(apperrors.ErrTurnInProgress, op, "assistant is still responding")
		}
		return c.SendCommand(strings.TrimPrefix(text, "/"))
	}

	var err error
	c.locked(func() {
		if c.handle.Active() {
			err = apperrors.ErrTurnInProgress
			return
		}
		// 持锁发送: 服务端的 ai_message_start 不会早于 user turn 落到时间线
		if err = c.deps.Sender.SendMessage(text); err != nil {
			return
		}
		c.conv.AppendTurn(timeline.NewMessageTurn(timeline.RoleUser, text, c.now()))
		c.autoScroll = true
		c.userScrolling = false
		c.applyEffects(timeline.EffectChanged | timeline.EffectScroll)
		if c.conv.ID != "" && c.deps.Tokens != nil {
			ts, delay := c.deps.Tokens, c.opts.SendRefreshDelay
			c.later(func() { ts.ScheduleContextRefresh(delay) })
		}
	})
	if errors.Is(err, apperrors.ErrTurnInProgress) {
		return apperrors.Wrap(err, op, "assistant is still responding")
	}
	if err != nil {
		return apperrors.Wrap(err, op, "send failed")
	}
	logger.Debug("session: message sent", logger.FieldDataLen, len(text))
	return nil
}

// SendCommand 发送斜杠命令 (不含前导斜杠)。
func (c *Controller) SendCommand(command string) error {
	const op = "session.SendCommand"
	command = strings.TrimSpace(command)
	if command == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "empty command")
	}
	if c.deps.Sender == nil {
		return apperrors.Wrap(apperrors.ErrNotConnected, op, "no sender")
	}
	if err := c.deps.Sender.SendCommand(command); err != nil {
		return apperrors.Wrap(err, op, "send failed")
	}
	logger.Debug("session: command sent", logger.FieldCommand, command)
	return nil
}

// RequestStop 请求停止当前生成。每个 turn 最多发送一次; 没有活跃 turn 时不发送。
// 本地只设置 stopRequested, 真正的终止以 task_stopped 等终止事件为准。
func (c *Controller) RequestStop() (bool, error) {
	const op = "session.RequestStop"
	if c.deps.Sender == nil {
		return false, apperrors.Wrap(apperrors.ErrNotConnected, op, "no sender")
	}
	var (
		sent bool
		err  error
	)
	c.locked(func() {
		if !c.handle.Active() || c.stopRequested {
			return
		}
		if err = c.deps.Sender.StopTask(); err != nil {
			return
		}
		c.stopRequested = true
		sent = true
	})
	if err != nil {
		return false, apperrors.Wrap(err, op, "send failed")
	}
	if sent {
		logger.Info("session: stop requested", logger.FieldConversationID, c.ConversationID())
	}
	return sent, nil
}
