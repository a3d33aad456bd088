// client.go — WebSocket 传输层: 连接、读循环、心跳、重连、发送帧。
package feed

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
	"github.com/JOJO6618/ai-coding-agent/pkg/util"
)

// Options 客户端参数。零值字段使用默认值。
type Options struct {
	HandshakeTimeout   time.Duration
	ReadIdleTimeout    time.Duration
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	MaxReconnects      int // 0 = 断开后不重连
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

const (
	defaultHandshakeTimeout   = 5 * time.Second
	defaultReadIdleTimeout    = 90 * time.Second
	defaultPingInterval       = 30 * time.Second
	defaultWriteTimeout       = 5 * time.Second
	defaultReconnectBaseDelay = 500 * time.Millisecond
	defaultReconnectMaxDelay  = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.ReadIdleTimeout <= 0 {
		o.ReadIdleTimeout = defaultReadIdleTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if o.MaxReconnects < 0 {
		o.MaxReconnects = 0
	}
	return o
}

// Client 实时事件流客户端。
//
// ========================================
// 锁职责说明
// ========================================
// wsMu:      保护 ws (写序列化 + 替换)
// handlerMu: 保护 handler
// 两者独立, 不存在嵌套获取关系。
// ========================================
type Client struct {
	url  string
	opts Options

	ws        *websocket.Conn
	wsMu      sync.Mutex
	handler   EventHandler
	handlerMu sync.RWMutex

	connected atomic.Bool
	stopped   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewClient 创建客户端 (不连接)。
func NewClient(url string, opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:    url,
		opts:   opts.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// URL 返回目标地址。
func (c *Client) URL() string { return c.url }

// SetEventHandler 注册事件回调。
func (c *Client) SetEventHandler(h EventHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Connected 当前是否已连接。
func (c *Client) Connected() bool { return c.connected.Load() }

// Done 读循环彻底退出 (关闭或重连耗尽) 后关闭。
func (c *Client) Done() <-chan struct{} { return c.done }

// Connect 建立连接, 合成 connect 事件并启动读循环。ctx 仅控制握手。
func (c *Client) Connect(ctx context.Context) error {
	if c.stopped.Load() {
		return apperrors.Wrap(apperrors.ErrNotConnected, "feed.Connect", "client closed")
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return apperrors.WithCode(err, "feed.Connect", apperrors.CodeTransport, "ws connect")
	}
	c.replaceConn(conn)
	c.connected.Store(true)
	logger.Info("feed: connected", logger.FieldURL, c.url)
	c.emit(Event{Type: EventConnect})
	util.SafeGo(func() { c.readLoop() })
	util.SafeGo(func() { c.pingLoop(conn) })
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: c.opts.HandshakeTimeout}).DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, apperrors.New("feed.dial", "dial returned nil websocket connection")
	}
	idle := c.opts.ReadIdleTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})
	return conn, nil
}

func (c *Client) currentConn() *websocket.Conn {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.ws
}

func (c *Client) replaceConn(conn *websocket.Conn) {
	c.wsMu.Lock()
	prev := c.ws
	c.ws = conn
	c.wsMu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
}

func (c *Client) emit(ev Event) {
	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// readLoop 按到达顺序串行派发事件。断开时合成 disconnect, 再按配置重连。
func (c *Client) readLoop() {
	defer func() {
		c.replaceConn(nil)
		c.connected.Store(false)
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}()

	for !c.stopped.Load() {
		conn := c.currentConn()
		if conn == nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.stopped.Load() {
				return
			}
			c.connected.Store(false)
			logger.Warn("feed: read failed, disconnected", logger.FieldURL, c.url, logger.FieldError, err)
			c.emit(Event{Type: EventDisconnect})
			if !c.reconnect(err) {
				return
			}
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadIdleTimeout))

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil || ev.Type == "" {
			logger.Warn("feed: unparseable frame dropped",
				logger.FieldError, err,
				logger.FieldDataLen, len(message),
			)
			continue
		}
		c.emit(ev)
	}
}

// reconnectDelay 指数退避: 第 1 次立即, 之后 base * 2^(n-2), 封顶 max。
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := base
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (c *Client) sleepWithContext(delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) reconnect(lastErr error) bool {
	for attempt := 1; attempt <= c.opts.MaxReconnects; attempt++ {
		if c.stopped.Load() {
			return false
		}
		if !c.sleepWithContext(reconnectDelay(attempt, c.opts.ReconnectBaseDelay, c.opts.ReconnectMaxDelay)) {
			return false
		}
		conn, err := c.dial(c.ctx)
		if err != nil {
			logger.Warn("feed: reconnect attempt failed",
				logger.FieldURL, c.url,
				"attempt", attempt,
				"max_retries", c.opts.MaxReconnects,
				logger.FieldError, err,
			)
			lastErr = err
			continue
		}
		c.replaceConn(conn)
		c.connected.Store(true)
		logger.Info("feed: reconnected", logger.FieldURL, c.url, "attempt", attempt)
		c.emit(Event{Type: EventConnect})
		util.SafeGo(func() { c.pingLoop(conn) })
		return true
	}
	if c.opts.MaxReconnects > 0 {
		logger.Warn("feed: reconnect exhausted",
			logger.FieldURL, c.url,
			"max_retries", c.opts.MaxReconnects,
			logger.FieldError, lastErr,
		)
	}
	return false
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.wsMu.Lock()
			if c.ws != conn {
				c.wsMu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.opts.WriteTimeout))
			c.wsMu.Unlock()
			if err != nil {
				// 读循环会因连接关闭而感知断开。
				_ = conn.Close()
				return
			}
		}
	}
}

// Send 发送一帧 {"event": name, "data": data}。
func (c *Client) Send(name string, data any) error {
	ev, err := NewEvent(name, data)
	if err != nil {
		return err
	}
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return apperrors.Wrap(apperrors.ErrNotConnected, "feed.Send", name)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteJSON(ev); err != nil {
		return apperrors.WithCode(err, "feed.Send", apperrors.CodeTransport, name)
	}
	return nil
}

// SendMessage 发送用户消息。
func (c *Client) SendMessage(message string) error {
	return c.Send(FrameSendMessage, SendMessageData{Message: message})
}

// SendCommand 发送斜杠命令 (不含前导 "/")。
func (c *Client) SendCommand(command string) error {
	return c.Send(FrameSendCommand, SendCommandData{Command: command})
}

// StopTask 请求停止当前任务。
func (c *Client) StopTask() error {
	return c.Send(FrameStopTask, struct{}{})
}

// Close 关闭连接并停止重连。重复调用安全。
func (c *Client) Close() error {
	if c.stopped.Swap(true) {
		return nil
	}
	c.cancel()
	c.wsMu.Lock()
	conn := c.ws
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteTimeout))
	}
	c.wsMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.connected.Store(false)
	return nil
}
