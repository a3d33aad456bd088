// Package dashboard 提供会话调试面板 HTTP 服务: 时间线快照、token、工具目录与 SSE 通知流。
package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/JOJO6618/ai-coding-agent/internal/api"
	"github.com/JOJO6618/ai-coding-agent/internal/bus"
	"github.com/JOJO6618/ai-coding-agent/internal/session"
	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

const defaultKeepalive = 30 * time.Second

// Session 面板依赖的会话控制器能力 (*session.Controller 实现)。
type Session interface {
	Snapshot() session.State
	Conversations() session.ConversationList
	LoadMore(ctx context.Context) (*api.ConversationPage, error)
	Load(ctx context.Context, id string) error
	New(ctx context.Context) (string, error)
	Delete(ctx context.Context, id string) error
	Duplicate(ctx context.Context, id string) (string, error)
	Compress(ctx context.Context, id string) (string, error)
	SendMessage(text string) error
	RequestStop() (bool, error)
	UserScrolled(atBottom bool)
}

// Server Dashboard HTTP 服务。
type Server struct {
	router    *gin.Engine
	session   Session
	bus       *bus.MessageBus
	keepalive time.Duration
}

// Option 配置 Server。
type Option func(*Server)

// WithKeepalive SSE 心跳间隔。
func WithKeepalive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepalive = d
		}
	}
}

// NewServer 创建 Dashboard 服务。
func NewServer(sess Session, b *bus.MessageBus, opts ...Option) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	s := &Server{router: r, session: sess, bus: b, keepalive: defaultKeepalive}
	for _, o := range opts {
		o(s)
	}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Run 监听 addr 直到 ctx 取消, 然后优雅关闭。
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("dashboard: listening", logger.FieldAddr, addr)

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return apperrors.Wrapf(err, "dashboard.Run", "listen %s", addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return apperrors.Wrap(err, "dashboard.Run", "shutdown")
	}
	logger.Info("dashboard: stopped", logger.FieldAddr, addr)
	return nil
}

// requestLogger 每个请求一条 debug 日志。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("dashboard: request",
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.FullPath(),
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldLatencyMS, time.Since(start).Milliseconds(),
		)
	}
}
