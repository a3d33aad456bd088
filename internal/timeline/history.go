// history.go — 批量路径: 从扁平、按角色标记的持久化记录一次性重建 turn / action 树。
//
// 单趟前向扫描, 不前瞻。action id 只由记录序号 / 工具调用 id 派生,
// 时间戳只取自记录本身, 同一输入重复处理得到逐字节相同的结构。
package timeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

// Record 一条持久化消息记录。
type Record struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at,omitempty"`
}

// 工具名: 结果需要额外生成追加摘要。
const appendToFileTool = "append_to_file"

var (
	thinkPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?s)<think>(.*?)</think>`),
		regexp.MustCompile(`(?s)<thinking>(.*?)</thinking>`),
	}
)

// SplitThinking 拆出内容中嵌入的思考片段。
//
// 两种标签的所有匹配 (先 <think> 后 <thinking>) 各自 trim 后以换行拼接, 整体再 trim;
// 剩余文本为去掉全部思考片段后 trim 的结果。
func SplitThinking(content string) (thinking, text string) {
	var sb strings.Builder
	for _, re := range thinkPatterns {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			sb.WriteString(strings.TrimSpace(m[1]))
			sb.WriteString("\n")
		}
	}
	thinking = strings.TrimSpace(sb.String())
	text = content
	for _, re := range thinkPatterns {
		text = re.ReplaceAllString(text, "")
	}
	return thinking, strings.TrimSpace(text)
}

// reconstructor 单次重建的状态。
type reconstructor struct {
	turns []*Turn
	open  *Turn // 当前打开的 assistant 累加器
}

// Reconstruct 把记录列表重建为 turn 列表。
func Reconstruct(records []Record) []*Turn {
	r := &reconstructor{turns: []*Turn{}}
	for i := range records {
		rec := &records[i]
		switch strings.ToLower(strings.TrimSpace(rec.Role)) {
		case string(RoleUser):
			r.flush()
			r.turns = append(r.turns, NewMessageTurn(RoleUser, rec.Content, rec.CreatedAt))
		case string(RoleAssistant):
			r.assistant(i, rec)
		case "tool":
			r.toolResult(i, rec)
		default:
			r.flush()
			r.turns = append(r.turns, NewMessageTurn(RoleSystem, rec.Content, rec.CreatedAt))
		}
	}
	r.flush()
	return r.turns
}

// flush 关闭累加器; 至少有一个 action 时才追加到结果。
func (r *reconstructor) flush() {
	if r.open != nil && len(r.open.Actions) > 0 {
		r.turns = append(r.turns, r.open)
	}
	r.open = nil
}

func historyID(index int, suffix string) string {
	return fmt.Sprintf("history-%d-%s", index, suffix)
}

func (r *reconstructor) assistant(index int, rec *Record) {
	if r.open == nil {
		r.open = NewAssistantTurn(rec.CreatedAt)
	}
	turn := r.open
	ts := rec.CreatedAt

	thinking, text := SplitThinking(rec.Content)
	if thinking != "" {
		turn.appendAction(&Action{
			ID:        historyID(index, "think"),
			Kind:      ActionThinking,
			Timestamp: ts,
			Content:   thinking,
		})
	}

	meta := gjson.ParseBytes(rec.Metadata)
	appendMeta := meta.Get("append_payload")
	modifyMeta := meta.Get("modify_payload")
	switch {
	case appendMeta.IsObject():
		turn.appendAction(&Action{
			ID:        historyID(index, "append"),
			Kind:      ActionAppendPayload,
			Timestamp: ts,
			Append:    appendSummaryFromMeta(appendMeta),
		})
	case modifyMeta.IsObject():
		turn.appendAction(&Action{
			ID:        historyID(index, "modify"),
			Kind:      ActionModifyPayload,
			Timestamp: ts,
			Modify:    modifySummaryFromMeta(modifyMeta),
		})
	case text != "":
		turn.appendAction(&Action{
			ID:        historyID(index, "text"),
			Kind:      ActionText,
			Timestamp: ts,
			Content:   text,
		})
	}

	calls := gjson.ParseBytes(rec.ToolCalls)
	if !calls.IsArray() {
		return
	}
	for tcIndex, call := range calls.Array() {
		callID := call.Get("id").String()
		idPart := callID
		if idPart == "" {
			idPart = fmt.Sprintf("r%d", index)
		}
		turn.appendAction(&Action{
			ID:        fmt.Sprintf("history-tool-%s-%d", idPart, tcIndex),
			Kind:      ActionTool,
			Timestamp: ts,
			Tool: &ToolInvocation{
				ID:        callID,
				Name:      call.Get("function.name").String(),
				Arguments: ArgumentsFromEncoded(call.Get("function.arguments")),
				Status:    ToolPreparing,
			},
		})
	}
}

// toolResult 工具结果只在当前打开的累加器中查找目标, 不搜索已关闭的 turn。
func (r *reconstructor) toolResult(index int, rec *Record) {
	if r.open == nil {
		logger.Debug("timeline: history tool result without open assistant turn",
			logger.FieldToolName, rec.Name,
			logger.FieldToolID, rec.ToolCallID,
		)
		return
	}
	target := firstToolByID(r.open.Actions, rec.ToolCallID)
	if target == nil {
		target = lastToolByName(r.open.Actions, rec.Name)
	}
	if target == nil {
		logger.Debug("timeline: history tool result unresolved",
			logger.FieldToolName, rec.Name,
			logger.FieldToolID, rec.ToolCallID,
		)
		return
	}

	result := ResultFromText(rec.Content)
	target.Tool.Status = ToolCompleted
	target.Tool.Result = result

	// 追加摘要只看记录自身的 name
	if rec.Name != appendToFileTool {
		return
	}
	parsed := gjson.ParseBytes(result)
	if msg := parsed.Get("message"); msg.Exists() && truthy(msg) {
		target.Tool.Message = msg.String()
	}
	if !parsed.IsObject() {
		return
	}
	r.open.appendAction(&Action{
		ID:        historyID(index, "append"),
		Kind:      ActionAppendPayload,
		Timestamp: rec.CreatedAt,
		Append:    appendSummaryFromResult(parsed),
	})
}

// appendSummaryFromMeta metadata.append_payload → 摘要。
func appendSummaryFromMeta(m gjson.Result) *AppendSummary {
	return &AppendSummary{
		Path:    stringOr(m.Get("path"), UnknownPath),
		Success: !m.Get("success").Exists() || truthy(m.Get("success")),
		Lines:   optionalInt(m.Get("lines")),
		Bytes:   optionalInt(m.Get("bytes")),
		Forced:  truthy(m.Get("forced")),
	}
}

// appendSummaryFromResult append_to_file 工具结果 → 摘要。
func appendSummaryFromResult(res gjson.Result) *AppendSummary {
	success := res.Get("success")
	ok := !(success.Exists() && success.Type == gjson.False)
	summary := ""
	if msg := res.Get("message"); truthy(msg) {
		summary = msg.String()
	} else if ok {
		summary = "追加完成"
	} else {
		summary = "追加失败"
	}
	lines := int(res.Get("lines").Int())
	bytes := int(res.Get("bytes").Int())
	return &AppendSummary{
		Path:    stringOr(res.Get("path"), UnknownPath),
		Success: ok,
		Summary: summary,
		Lines:   &lines,
		Bytes:   &bytes,
		Forced:  truthy(res.Get("forced")),
	}
}

// modifySummaryFromMeta metadata.modify_payload → 摘要。
func modifySummaryFromMeta(m gjson.Result) *ModifySummary {
	return &ModifySummary{
		Path:      stringOr(m.Get("path"), UnknownPath),
		Total:     optionalInt(m.Get("total_blocks")),
		Completed: normalizeList([]byte(m.Get("completed").Raw)),
		Failed:    normalizeList([]byte(m.Get("failed").Raw)),
		Forced:    truthy(m.Get("forced")),
		Details:   normalizeList([]byte(m.Get("details").Raw)),
	}
}

// truthy 按 JSON 值的常规真值判定 (false / null / 0 / "" 为假)。
func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.String:
		return v.Str != ""
	case gjson.Number:
		return v.Num != 0
	case gjson.JSON:
		return true
	}
	return false
}

func stringOr(v gjson.Result, def string) string {
	if s := v.String(); truthy(v) && s != "" {
		return s
	}
	return def
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp 解析记录时间戳 (带或不带时区的 ISO 格式); 失败返回零值。
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// RecordFromJSON 宽松读取一条 JSON 消息记录; tool_calls / metadata 保留原始 JSON。
func RecordFromJSON(m gjson.Result) Record {
	rec := Record{
		Role:       m.Get("role").String(),
		Content:    m.Get("content").String(),
		Name:       m.Get("name").String(),
		ToolCallID: m.Get("tool_call_id").String(),
		CreatedAt:  ParseTimestamp(m.Get("timestamp").String()),
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = ParseTimestamp(m.Get("created_at").String())
	}
	if tc := m.Get("tool_calls"); tc.IsArray() {
		rec.ToolCalls = json.RawMessage(tc.Raw)
	}
	if md := m.Get("metadata"); md.IsObject() {
		rec.Metadata = json.RawMessage(md.Raw)
	}
	return rec
}

// optionalInt 缺失 / null 返回 nil。
func optionalInt(v gjson.Result) *int {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	n := int(v.Int())
	return &n
}
