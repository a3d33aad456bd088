// jsonraw.go — 工具参数 / 结果的 JSON 归一化。
package timeline

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"
)

var (
	emptyObject = json.RawMessage(`{}`)
	emptyArray  = json.RawMessage(`[]`)
)

// compactJSON 返回紧凑形式; raw 不是合法 JSON 时 ok=false。
func compactJSON(raw []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !gjson.ValidBytes(trimmed) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, false
	}
	return json.RawMessage(buf.Bytes()), true
}

// NormalizeArguments 工具参数: 合法 JSON 原样 (紧凑) 保留, 缺失 / null / 非法一律 {}。
func NormalizeArguments(raw []byte) json.RawMessage {
	out, ok := compactJSON(raw)
	if !ok || bytes.Equal(out, []byte("null")) {
		return emptyObject
	}
	return out
}

// ArgumentsFromEncoded 解析 "结构化或字符串" 两种编码的参数。
//
// 字符串形式按 JSON 文本再解析一次 (空串视为 {}), 解析失败得到 {}。
func ArgumentsFromEncoded(v gjson.Result) json.RawMessage {
	switch {
	case !v.Exists(), v.Type == gjson.Null:
		return emptyObject
	case v.Type == gjson.String:
		if v.Str == "" {
			return emptyObject
		}
		return NormalizeArguments([]byte(v.Str))
	default:
		return NormalizeArguments([]byte(v.Raw))
	}
}

// ArgumentsFromRaw 实时事件中的参数, 结构化或字符串编码均可; 非法 JSON 得到 {}。
func ArgumentsFromRaw(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if !gjson.ValidBytes(trimmed) {
		return emptyObject
	}
	return ArgumentsFromEncoded(gjson.ParseBytes(trimmed))
}

// NormalizeResult 工具结果: 缺失返回 nil (表示 "未提供"), 合法 JSON 返回紧凑形式。
func NormalizeResult(raw []byte) json.RawMessage {
	out, ok := compactJSON(raw)
	if !ok {
		return nil
	}
	return out
}

// ResultFromText 历史记录中的工具结果: 能解析为 JSON 则保留, 否则包装为纯文本结果。
func ResultFromText(content string) json.RawMessage {
	if out, ok := compactJSON([]byte(content)); ok {
		return out
	}
	wrapped, _ := json.Marshal(struct {
		Output  string `json:"output"`
		Success bool   `json:"success"`
	}{Output: content, Success: true})
	return wrapped
}

// normalizeList modify 摘要中的 completed / failed / details: 非数组统一为 []。
func normalizeList(raw []byte) json.RawMessage {
	out, ok := compactJSON(raw)
	if !ok || !gjson.ParseBytes(out).IsArray() {
		return emptyArray
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
