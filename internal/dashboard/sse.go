// sse.go — 总线通知 → SSE。
package dashboard

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/JOJO6618/ai-coding-agent/internal/bus"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

// sseHandler 订阅总线并把每条消息作为 SSE 事件推送。
// ?topic= 按主题前缀过滤, 默认全部。
func (s *Server) sseHandler(c *gin.Context) {
	filter := c.DefaultQuery("topic", bus.TopicAll)
	sub := s.bus.SubscribeAuto(filter)
	defer func() {
		s.bus.Unsubscribe(sub.ID)
		logger.Info("dashboard: SSE client disconnected", logger.FieldSubscriber, sub.ID)
	}()
	logger.Info("dashboard: SSE client connected", logger.FieldSubscriber, sub.ID, logger.FieldTopic, filter)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	keepalive := time.NewTimer(s.keepalive)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-sub.Ch:
			if !ok {
				return false
			}
			c.SSEvent(msg.Type, msg)
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(s.keepalive)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", "keepalive")
			keepalive.Reset(s.keepalive)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
