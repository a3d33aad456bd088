// Package tokens 维护当前对话的两组 token 计数。
//
//   - 当前上下文 (Current): 服务端动态估算的完整 prompt 大小, 只能拉取, 拉取失败或无对话时归零。
//   - 累计统计 (Cumulative): 输入 / 输出 / 总计, 由事件推送或按需拉取, 同一对话内单调不减;
//     拉取失败时保持原值。
//
// 计数只由 Synchronizer 写入。每次拉取独立进行, 以最后返回的成功结果为准;
// 返回时若当前对话已切换, 结果被丢弃。
package tokens

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
	"github.com/JOJO6618/ai-coding-agent/pkg/util"
)

// Cumulative 累计 token 统计。
type Cumulative struct {
	Input  int64 `json:"cumulative_input_tokens"`
	Output int64 `json:"cumulative_output_tokens"`
	Total  int64 `json:"cumulative_total_tokens"`
}

// Snapshot 计数快照。
type Snapshot struct {
	ConversationID string     `json:"conversation_id"`
	Current        int64      `json:"current_context_tokens"`
	Cumulative     Cumulative `json:"cumulative"`
}

// Source 拉取来源。
type Source interface {
	ContextTokens(ctx context.Context, conversationID string) (int64, error)
	TokenStatistics(ctx context.Context, conversationID string) (Cumulative, error)
}

// Synchronizer token 计数同步器。并发安全。
type Synchronizer struct {
	source      Source
	pullTimeout time.Duration

	mu         sync.Mutex
	convID     string
	generation uint64 // 对话切换 / 重置时递增, 用于丢弃过期拉取
	current    int64
	cumulative Cumulative
	timers     map[*time.Timer]struct{}
	closed     bool

	onChange func(Snapshot)
}

// Option 同步器选项。
type Option func(*Synchronizer)

// WithPullTimeout 单次拉取超时。
func WithPullTimeout(d time.Duration) Option {
	return func(s *Synchronizer) { s.pullTimeout = d }
}

// WithOnChange 计数变化回调 (在锁外调用)。
func WithOnChange(fn func(Snapshot)) Option {
	return func(s *Synchronizer) { s.onChange = fn }
}

// NewSynchronizer 创建同步器。
func NewSynchronizer(source Source, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		source:      source,
		pullTimeout: 10 * time.Second,
		timers:      map[*time.Timer]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot 返回当前计数。
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Synchronizer) snapshotLocked() Snapshot {
	return Snapshot{ConversationID: s.convID, Current: s.current, Cumulative: s.cumulative}
}

func (s *Synchronizer) notify(snap Snapshot) {
	if s.onChange != nil {
		s.onChange(snap)
	}
}

// SetConversation 切换当前对话。id 变化时两组计数归零, 进行中的拉取作废。
func (s *Synchronizer) SetConversation(id string) {
	s.mu.Lock()
	if id == s.convID {
		s.mu.Unlock()
		return
	}
	s.convID = id
	s.generation++
	s.current = 0
	s.cumulative = Cumulative{}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	logger.Debug("tokens: conversation switched", logger.FieldConversationID, id)
	s.notify(snap)
}

// ConversationID 当前对话 id。
func (s *Synchronizer) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// Reset 当前对话的计数归零 (对话被清空 / 删除时)。
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	s.generation++
	s.current = 0
	s.cumulative = Cumulative{}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// mergeCumulative 逐字段取最大值; 返回是否有变化。
func mergeCumulative(dst *Cumulative, in Cumulative) bool {
	changed := false
	for _, p := range []struct {
		dst *int64
		v   int64
	}{{&dst.Input, in.Input}, {&dst.Output, in.Output}, {&dst.Total, in.Total}} {
		if p.v > *p.dst {
			*p.dst = p.v
			changed = true
		}
	}
	return changed
}

// ApplyPush 应用事件推送的累计统计。conversationID 非空且不是当前对话时忽略。
func (s *Synchronizer) ApplyPush(conversationID string, in Cumulative) bool {
	s.mu.Lock()
	if s.convID == "" || (conversationID != "" && conversationID != s.convID) {
		s.mu.Unlock()
		logger.Debug("tokens: push for other conversation ignored",
			logger.FieldConversationID, conversationID)
		return false
	}
	changed := mergeCumulative(&s.cumulative, in)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if changed {
		s.notify(snap)
	}
	return changed
}

// begin 记录拉取开始时的对话与代数。
func (s *Synchronizer) begin() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID, s.generation
}

func (s *Synchronizer) pullContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.pullTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.pullTimeout)
}

// RefreshContext 拉取当前上下文 token。无对话或失败时归零。
func (s *Synchronizer) RefreshContext(ctx context.Context) error {
	convID, gen := s.begin()
	if convID == "" {
		s.setCurrent(gen, 0)
		return nil
	}
	pctx, cancel := s.pullContext(ctx)
	defer cancel()
	n, err := s.source.ContextTokens(pctx, convID)
	if err != nil {
		logger.Warn("tokens: context pull failed",
			logger.FieldConversationID, convID,
			logger.FieldError, err,
		)
		s.setCurrent(gen, 0)
		return err
	}
	s.setCurrent(gen, n)
	return nil
}

func (s *Synchronizer) setCurrent(gen uint64, n int64) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		logger.Debug("tokens: stale context pull dropped")
		return
	}
	changed := s.current != n
	s.current = n
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if changed {
		s.notify(snap)
	}
}

// RefreshCumulative 拉取累计统计。无对话时归零; 失败时保持原值。
func (s *Synchronizer) RefreshCumulative(ctx context.Context) error {
	convID, gen := s.begin()
	if convID == "" {
		s.mu.Lock()
		changed := s.cumulative != (Cumulative{})
		s.cumulative = Cumulative{}
		snap := s.snapshotLocked()
		s.mu.Unlock()
		if changed {
			s.notify(snap)
		}
		return nil
	}
	pctx, cancel := s.pullContext(ctx)
	defer cancel()
	stats, err := s.source.TokenStatistics(pctx, convID)
	if err != nil {
		logger.Warn("tokens: statistics pull failed, keeping previous values",
			logger.FieldConversationID, convID,
			logger.FieldError, err,
		)
		return err
	}
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		logger.Debug("tokens: stale statistics pull dropped", logger.FieldConversationID, convID)
		return nil
	}
	changed := mergeCumulative(&s.cumulative, stats)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if changed {
		s.notify(snap)
	}
	return nil
}

// RefreshAll 并行拉取两组计数。两次拉取互不取消, 各自按自己的失败规则处理,
// 返回第一个错误。
func (s *Synchronizer) RefreshAll(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return s.RefreshContext(ctx) })
	g.Go(func() error { return s.RefreshCumulative(ctx) })
	return g.Wait()
}

// RefreshContextAsync 后台拉取当前上下文 token。
func (s *Synchronizer) RefreshContextAsync() {
	util.SafeGo(func() { _ = s.RefreshContext(context.Background()) })
}

// RefreshAllAsync 后台拉取两组计数。
func (s *Synchronizer) RefreshAllAsync() {
	util.SafeGo(func() { _ = s.RefreshAll(context.Background()) })
}

// ScheduleContextRefresh delay 之后拉取当前上下文 token。Close 后调用无效。
func (s *Synchronizer) ScheduleContextRefresh(delay time.Duration) {
	s.schedule(delay, func() { _ = s.RefreshContext(context.Background()) })
}

// ScheduleRefreshAll delay 之后拉取两组计数。
func (s *Synchronizer) ScheduleRefreshAll(delay time.Duration) {
	s.schedule(delay, func() { _ = s.RefreshAll(context.Background()) })
}

func (s *Synchronizer) schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	var timer *time.Timer
	timer = util.SafeAfter(delay, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			fn()
		}
	})
	s.timers[timer] = struct{}{}
}

// Pending 尚未触发的延迟拉取数量。
func (s *Synchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close 取消全部延迟拉取。
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = map[*time.Timer]struct{}{}
}
