// handler.go — Dashboard REST API handlers。
package dashboard

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
)

// registerRoutes 注册 API 路由。
func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.GET("/timeline", s.getTimeline)
	api.GET("/tokens", s.getTokens)

	api.GET("/tools", s.listToolCatalog)
	api.GET("/tools/active", s.listActiveTools)

	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/more", s.loadMoreConversations)
	api.POST("/conversations", s.createConversation)
	api.POST("/conversations/:id/load", s.loadConversation)
	api.POST("/conversations/:id/duplicate", s.duplicateConversation)
	api.POST("/conversations/:id/compress", s.compressConversation)
	api.DELETE("/conversations/:id", s.deleteConversation)

	api.POST("/messages", s.sendMessage)
	api.POST("/stop", s.requestStop)
	api.POST("/scroll", s.reportScroll)

	api.GET("/events", s.sseHandler)
}

// ========================================
// 快照
// ========================================

func (s *Server) getTimeline(c *gin.Context) {
	success(c, s.session.Snapshot())
}

func (s *Server) getTokens(c *gin.Context) {
	success(c, s.session.Snapshot().Tokens)
}

func (s *Server) listToolCatalog(c *gin.Context) {
	success(c, timeline.Catalog())
}

// listActiveTools 最后一个 turn 中全部工具 action 的展示摘要。
func (s *Server) listActiveTools(c *gin.Context) {
	st := s.session.Snapshot()
	views := []timeline.ToolView{}
	if turn := lo.LastOrEmpty(st.Turns); turn != nil {
		views = lo.FilterMap(turn.Actions, func(a *timeline.Action, _ int) (timeline.ToolView, bool) {
			return timeline.ViewOf(a)
		})
	}
	success(c, views)
}

// ========================================
// 对话
// ========================================

func (s *Server) listConversations(c *gin.Context) {
	success(c, s.session.Conversations())
}

// loadMoreConversations 追加下一页; 没有更多时返回当前列表。
func (s *Server) loadMoreConversations(c *gin.Context) {
	if _, err := s.session.LoadMore(c.Request.Context()); err != nil {
		failWith(c, err)
		return
	}
	success(c, s.session.Conversations())
}

func (s *Server) createConversation(c *gin.Context) {
	id, err := s.session.New(c.Request.Context())
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, gin.H{"conversation_id": id})
}

func (s *Server) loadConversation(c *gin.Context) {
	if err := s.session.Load(c.Request.Context(), c.Param("id")); err != nil {
		failWith(c, err)
		return
	}
	success(c, gin.H{"conversation_id": c.Param("id")})
}

func (s *Server) deleteConversation(c *gin.Context) {
	if err := s.session.Delete(c.Request.Context(), c.Param("id")); err != nil {
		failWith(c, err)
		return
	}
	success(c, gin.H{"deleted": c.Param("id")})
}

func (s *Server) duplicateConversation(c *gin.Context) {
	s.derive(c, s.session.Duplicate)
}

func (s *Server) compressConversation(c *gin.Context) {
	s.derive(c, s.session.Compress)
}

// derive 复制 / 压缩: 生成新对话并切换过去。
func (s *Server) derive(c *gin.Context, fn func(context.Context, string) (string, error)) {
	id, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, gin.H{"source_id": c.Param("id"), "conversation_id": id})
}

// ========================================
// 输入
// ========================================

type sendRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	if err := s.session.SendMessage(req.Message); err != nil {
		failWith(c, err)
		return
	}
	success(c, gin.H{"sent": true})
}

func (s *Server) requestStop(c *gin.Context) {
	sent, err := s.session.RequestStop()
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, gin.H{"sent": sent})
}

type scrollRequest struct {
	AtBottom *bool `json:"at_bottom" binding:"required"`
}

func (s *Server) reportScroll(c *gin.Context) {
	var req scrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	s.session.UserScrolled(*req.AtBottom)
	st := s.session.Snapshot()
	success(c, gin.H{"auto_scroll": st.AutoScroll, "user_scrolling": st.UserScrolling})
}
