// clone.go — 快照深拷贝: 对外暴露的 turn 列表不与内部状态共享任何可变内存。
package timeline

// CloneTurns 深拷贝 turn 列表。
func CloneTurns(src []*Turn) []*Turn {
	out := make([]*Turn, 0, len(src))
	for _, t := range src {
		if t == nil {
			continue
		}
		out = append(out, CloneTurn(t))
	}
	return out
}

// CloneTurn 深拷贝单个 turn。
func CloneTurn(t *Turn) *Turn {
	cp := *t
	if t.Actions != nil {
		cp.Actions = make([]*Action, 0, len(t.Actions))
		for _, a := range t.Actions {
			cp.Actions = append(cp.Actions, CloneAction(a))
		}
	}
	return &cp
}

// CloneAction 深拷贝单个 action。
func CloneAction(a *Action) *Action {
	cp := *a
	if a.Tool != nil {
		tool := *a.Tool
		tool.Arguments = cloneRaw(a.Tool.Arguments)
		tool.Result = cloneRaw(a.Tool.Result)
		cp.Tool = &tool
	}
	if a.Append != nil {
		app := *a.Append
		app.Lines = cloneIntPtr(a.Append.Lines)
		app.Bytes = cloneIntPtr(a.Append.Bytes)
		cp.Append = &app
	}
	if a.Modify != nil {
		mod := *a.Modify
		mod.Total = cloneIntPtr(a.Modify.Total)
		mod.Completed = cloneRaw(a.Modify.Completed)
		mod.Failed = cloneRaw(a.Modify.Failed)
		mod.Details = cloneRaw(a.Modify.Details)
		cp.Modify = &mod
	}
	return &cp
}

// CloneConversation 深拷贝对话。
func CloneConversation(c *Conversation) *Conversation {
	if c == nil {
		return nil
	}
	return &Conversation{ID: c.ID, Title: c.Title, Turns: CloneTurns(c.Turns)}
}

// ActionIDs 返回 turn 的 action id 序列 (追加不变式检查用)。
func ActionIDs(t *Turn) []string {
	ids := make([]string, 0, len(t.Actions))
	for _, a := range t.Actions {
		ids = append(ids, a.ID)
	}
	return ids
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
