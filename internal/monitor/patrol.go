// Package monitor 会话巡检: 定期对时间线取指纹, 判定流式输出是否停滞。
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JOJO6618/ai-coding-agent/internal/bus"
	"github.com/JOJO6618/ai-coding-agent/internal/session"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
	"github.com/JOJO6618/ai-coding-agent/pkg/util"
)

// 会话健康状态。
const (
	StatusUnknown      = "unknown"
	StatusIdle         = "idle"
	StatusRunning      = "running"
	StatusStuck        = "stuck"
	StatusDisconnected = "disconnected"
)

const (
	defaultStuckAfter = 60 * time.Second
	defaultInterval   = 5 * time.Second
	publisherName     = "monitor"
)

// ========================================
// Patrol 巡检器
// ========================================

// SessionSource 被巡检的会话。
type SessionSource interface {
	Snapshot() session.State
}

// ConnectionSource 事件流连接状态。
type ConnectionSource interface {
	Connected() bool
}

// Options 巡检参数。零值使用默认值。
type Options struct {
	Interval   time.Duration
	StuckAfter time.Duration
	Clock      func() time.Time
}

// Report 单次巡检结果。
type Report struct {
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	StagnantSec    int       `json:"stagnant_sec"`
	PendingTools   int       `json:"pending_tools"`
	Ts             time.Time `json:"ts"`
}

// Patrol 会话巡检器。只在状态变化时发布 session.status。
type Patrol struct {
	session SessionSource
	conn    ConnectionSource
	bus     *bus.MessageBus
	opts    Options

	mu           sync.Mutex
	hash         string
	lastChangeAt time.Time
	last         Report
}

// NewPatrol 创建巡检器。conn / b 可为 nil。
func NewPatrol(s SessionSource, conn ConnectionSource, b *bus.MessageBus, opts Options) *Patrol {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = defaultStuckAfter
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Patrol{session: s, conn: conn, bus: b, opts: opts, last: Report{Status: StatusUnknown}}
}

// ========================================
// ClassifyStatus
// ========================================

// ClassifyStatus 根据连接、流式标志与停滞时长判定状态。
func ClassifyStatus(connected, hasConversation, streaming bool, stagnant, stuckAfter time.Duration) string {
	if !connected {
		return StatusDisconnected
	}
	if !streaming {
		if !hasConversation {
			return StatusUnknown
		}
		return StatusIdle
	}
	if stagnant >= stuckAfter {
		return StatusStuck
	}
	return StatusRunning
}

// ========================================
// RunOnce
// ========================================

// RunOnce 执行一次巡检。状态变化时发布到总线。
func (p *Patrol) RunOnce() Report {
	now := p.opts.Clock()
	st := p.session.Snapshot()
	stagnant := p.computeStagnant(fingerprint(st), now)
	connected := p.conn == nil || p.conn.Connected()

	r := Report{
		ConversationID: st.ConversationID,
		Status:         ClassifyStatus(connected, st.ConversationID != "", st.Streaming, stagnant, p.opts.StuckAfter),
		StagnantSec:    int(stagnant.Seconds()),
		PendingTools:   st.PendingTools,
		Ts:             now,
	}

	p.mu.Lock()
	changed := r.Status != p.last.Status || r.ConversationID != p.last.ConversationID
	p.last = r
	p.mu.Unlock()

	if changed {
		logger.Info("patrol: session status changed",
			logger.FieldConversationID, r.ConversationID,
			logger.FieldStatus, r.Status,
			"stagnant_sec", r.StagnantSec,
		)
		if p.bus != nil {
			p.bus.PublishJSON(bus.MsgSessionStatus, publisherName, r)
		}
	}
	return r
}

// Last 最近一次巡检结果。
func (p *Patrol) Last() Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// ========================================
// 定期巡检
// ========================================

// Start 启动定期巡检, ctx 取消后退出。
func (p *Patrol) Start(ctx context.Context) {
	util.SafeGo(func() {
		ticker := time.NewTicker(p.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.RunOnce()
			}
		}
	})
	logger.Info("patrol started", "interval_ms", p.opts.Interval.Milliseconds())
}

// ========================================
// 内部工具
// ========================================

// computeStagnant 指纹不变的持续时间。
func (p *Patrol) computeStagnant(hash string, now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastChangeAt.IsZero() || p.hash != hash {
		p.hash = hash
		p.lastChangeAt = now
		return 0
	}
	return now.Sub(p.lastChangeAt)
}

// fingerprint 时间线尾部的摘要: 最后一个 turn 的 action 数与末尾 action 的可变字段。
func fingerprint(st session.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d", st.ConversationID, len(st.Turns))
	if n := len(st.Turns); n > 0 {
		t := st.Turns[n-1]
		fmt.Fprintf(&b, "|%d|%d", len(t.Actions), len(t.Content))
		if m := len(t.Actions); m > 0 {
			a := t.Actions[m-1]
			fmt.Fprintf(&b, "|%s|%d|%t", a.ID, len(a.Content), a.Streaming)
			if a.Tool != nil {
				fmt.Fprintf(&b, "|%s|%d|%s", a.Tool.Status, len(a.Tool.Result), a.Tool.StatusDetail)
			}
		}
	}
	return b.String()
}
