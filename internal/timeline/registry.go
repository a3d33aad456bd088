// registry.go — 工具生命周期注册表: 准备中工具的待定集合 + 三路标识解析。
package timeline

import (
	"github.com/samber/lo"
)

// PreparingTool 处于准备阶段、尚未开始执行的工具。
type PreparingTool struct {
	Name    string
	Message string
}

// ToolKey 工具更新携带的关联标识, 三者均可能缺失。
type ToolKey struct {
	ExecutionID string
	ToolID      string
	PreparingID string
}

// Empty 三个标识都为空。
func (k ToolKey) Empty() bool {
	return k.ExecutionID == "" && k.ToolID == "" && k.PreparingID == ""
}

// MatchKind 解析命中的标识类型。
type MatchKind string

const (
	MatchNone        MatchKind = ""
	MatchExecutionID MatchKind = "execution_id"
	MatchToolID      MatchKind = "tool_id"
	MatchPreparingID MatchKind = "preparing_id"
)

// Registry 准备中工具的待定集合。
//
// 只由 Builder 写入 (Register / Take), 只由会话重置清空 (Clear)。
// 非并发安全: 调用方 (会话控制器) 负责串行化。
type Registry struct {
	pending map[string]PreparingTool
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{pending: map[string]PreparingTool{}}
}

// Register 登记准备中的工具。重复登记返回 false。
func (r *Registry) Register(id, name, message string) bool {
	if id == "" {
		return false
	}
	if _, ok := r.pending[id]; ok {
		return false
	}
	r.pending[id] = PreparingTool{Name: name, Message: message}
	return true
}

// Has 是否有该准备 id。
func (r *Registry) Has(id string) bool {
	if id == "" {
		return false
	}
	_, ok := r.pending[id]
	return ok
}

// Take 取出并移除准备 id。
func (r *Registry) Take(id string) (PreparingTool, bool) {
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return p, ok
}

// Clear 清空待定集合, 返回清除数量。
func (r *Registry) Clear() int {
	n := len(r.pending)
	r.pending = map[string]PreparingTool{}
	return n
}

// Len 待定数量。
func (r *Registry) Len() int { return len(r.pending) }

// Pending 返回待定 id 列表 (无序, 调试用)。
func (r *Registry) Pending() []string { return lo.Keys(r.pending) }

// Resolve 在 actions 中按固定优先级查找工具 action:
//  1. ToolInvocation.ExecutionID == key.ExecutionID
//  2. ToolInvocation.ID == key.ToolID
//  3. action.ID == key.PreparingID
//
// 每一级单独完整扫描, 高优先级命中时不看低优先级。都未命中返回 (nil, MatchNone)。
func (r *Registry) Resolve(actions []*Action, key ToolKey) (*Action, MatchKind) {
	return resolveTool(actions, key)
}

func resolveTool(actions []*Action, key ToolKey) (*Action, MatchKind) {
	passes := []struct {
		kind  MatchKind
		value string
		match func(*Action, string) bool
	}{
		{MatchExecutionID, key.ExecutionID, func(a *Action, v string) bool { return a.Tool.ExecutionID == v }},
		{MatchToolID, key.ToolID, func(a *Action, v string) bool { return a.Tool.ID == v }},
		{MatchPreparingID, key.PreparingID, func(a *Action, v string) bool { return a.ID == v }},
	}
	for _, pass := range passes {
		if pass.value == "" {
			continue
		}
		found, ok := lo.Find(actions, func(a *Action) bool {
			return a.Kind == ActionTool && a.Tool != nil && pass.match(a, pass.value)
		})
		if ok {
			return found, pass.kind
		}
	}
	return nil, MatchNone
}

// lastToolByName 同名工具中最后一个 (last-match-wins)。
func lastToolByName(actions []*Action, name string) *Action {
	if name == "" {
		return nil
	}
	found, _, ok := lo.FindLastIndexOf(actions, func(a *Action) bool {
		return a.Kind == ActionTool && a.Tool != nil && a.Tool.Name == name
	})
	if !ok {
		return nil
	}
	return found
}

// firstToolByName 同名工具中第一个 (first-match-wins)。
func firstToolByName(actions []*Action, name string) *Action {
	if name == "" {
		return nil
	}
	found, ok := lo.Find(actions, func(a *Action) bool {
		return a.Kind == ActionTool && a.Tool != nil && a.Tool.Name == name
	})
	if !ok {
		return nil
	}
	return found
}

// firstToolByID 按工具 id 查找第一个匹配的工具 action。
func firstToolByID(actions []*Action, id string) *Action {
	if id == "" {
		return nil
	}
	found, ok := lo.Find(actions, func(a *Action) bool {
		return a.Kind == ActionTool && a.Tool != nil && a.Tool.ID == id
	})
	if !ok {
		return nil
	}
	return found
}

// forceCompleteOpenTools 把所有 preparing / running 工具强制置为 completed, 返回数量。
func forceCompleteOpenTools(turns []*Turn) int {
	n := 0
	for _, t := range turns {
		if t == nil || t.Role != RoleAssistant {
			continue
		}
		for _, a := range t.Actions {
			if a.IsOpenTool() {
				a.Tool.Status = ToolCompleted
				n++
			}
		}
	}
	return n
}
