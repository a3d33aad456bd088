// catalog.go — 工具展示元数据: 封闭的工具名枚举 → 图标 / 动画 / 状态文案。
package timeline

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ToolName 已知工具名。
type ToolName string

const (
	ToolCreateFile      ToolName = "create_file"
	ToolSleep           ToolName = "sleep"
	ToolReadFile        ToolName = "read_file"
	ToolDeleteFile      ToolName = "delete_file"
	ToolRenameFile      ToolName = "rename_file"
	ToolModifyFile      ToolName = "modify_file"
	ToolAppendToFile    ToolName = "append_to_file"
	ToolCreateFolder    ToolName = "create_folder"
	ToolFocusFile       ToolName = "focus_file"
	ToolUnfocusFile     ToolName = "unfocus_file"
	ToolWebSearch       ToolName = "web_search"
	ToolExtractWebpage  ToolName = "extract_webpage"
	ToolSaveWebpage     ToolName = "save_webpage"
	ToolRunPython       ToolName = "run_python"
	ToolRunCommand      ToolName = "run_command"
	ToolUpdateMemory    ToolName = "update_memory"
	ToolTerminalSession ToolName = "terminal_session"
	ToolTerminalInput   ToolName = "terminal_input"
)

// KnownTools 全部已知工具, 顺序固定。
func KnownTools() []ToolName {
	return []ToolName{
		ToolCreateFile, ToolSleep, ToolReadFile, ToolDeleteFile, ToolRenameFile,
		ToolModifyFile, ToolAppendToFile, ToolCreateFolder, ToolFocusFile,
		ToolUnfocusFile, ToolWebSearch, ToolExtractWebpage, ToolSaveWebpage,
		ToolRunPython, ToolRunCommand, ToolUpdateMemory, ToolTerminalSession,
		ToolTerminalInput,
	}
}

// DisplayMeta 单个工具的展示元数据。
type DisplayMeta struct {
	Icon          string `json:"icon"`
	Animation     string `json:"animation"`
	RunningText   string `json:"runningText"`
	CompletedText string `json:"completedText"`
}

// DefaultDisplayMeta 未知工具使用的默认元数据。
var DefaultDisplayMeta = DisplayMeta{
	Icon:          "⚙️",
	Animation:     "default-animation",
	RunningText:   "正在执行...",
	CompletedText: "执行完成",
}

// Meta 返回工具的展示元数据; 未知工具 ok=false 并返回默认值。
func (n ToolName) Meta() (DisplayMeta, bool) {
	switch n {
	case ToolCreateFile:
		return DisplayMeta{"📄", "file-animation", "正在创建文件...", "文件创建成功"}, true
	case ToolSleep:
		return DisplayMeta{"⏱️", "wait-animation", "正在等待...", "等待完成"}, true
	case ToolReadFile:
		return DisplayMeta{"📖", "read-animation", "正在读取文件...", "文件读取完成"}, true
	case ToolDeleteFile:
		return DisplayMeta{"🗑️", "file-animation", "正在删除文件...", "文件删除成功"}, true
	case ToolRenameFile:
		return DisplayMeta{"✏️", "file-animation", "正在重命名文件...", "文件重命名成功"}, true
	case ToolModifyFile:
		return DisplayMeta{"✏️", "file-animation", "正在修改文件...", "文件修改成功"}, true
	case ToolAppendToFile:
		return DisplayMeta{"✏️", "file-animation", "正在追加文件...", "文件追加完成"}, true
	case ToolCreateFolder:
		return DisplayMeta{"📁", "file-animation", "正在创建文件夹...", "文件夹创建成功"}, true
	case ToolFocusFile:
		return DisplayMeta{"👁️", "focus-animation", "正在聚焦文件...", "文件聚焦成功"}, true
	case ToolUnfocusFile:
		return DisplayMeta{"👁️", "focus-animation", "正在取消聚焦...", "取消聚焦成功"}, true
	case ToolWebSearch:
		return DisplayMeta{"🔍", "search-animation", "正在搜索网络...", "搜索完成"}, true
	case ToolExtractWebpage:
		return DisplayMeta{"🌐", "search-animation", "正在提取网页...", "网页提取完成"}, true
	case ToolSaveWebpage:
		return DisplayMeta{"💾", "file-animation", "正在保存网页...", "网页保存完成（纯文本）"}, true
	case ToolRunPython:
		return DisplayMeta{"🐍", "code-animation", "正在执行Python代码...", "代码执行完成"}, true
	case ToolRunCommand:
		return DisplayMeta{"$", "terminal-animation", "正在执行命令...", "命令执行完成"}, true
	case ToolUpdateMemory:
		return DisplayMeta{"🧠", "memory-animation", "正在更新记忆...", "记忆更新成功"}, true
	case ToolTerminalSession:
		return DisplayMeta{"💻", "terminal-animation", "正在管理终端会话...", "终端操作完成"}, true
	case ToolTerminalInput:
		return DisplayMeta{"⌨️", "terminal-animation", "正在发送终端输入...", "终端输入完成"}, true
	default:
		return DefaultDisplayMeta, false
	}
}

// MetaFor 按字符串工具名查元数据。
func MetaFor(name string) DisplayMeta {
	meta, _ := ToolName(name).Meta()
	return meta
}

// Icon 工具图标。
func Icon(t *ToolInvocation) string { return MetaFor(t.Name).Icon }

// Animation 动画类: preparing 固定, running 按工具, 其它状态无动画。
func Animation(t *ToolInvocation) string {
	switch t.Status {
	case ToolPreparing:
		return "preparing-animation"
	case ToolRunning:
		return MetaFor(t.Name).Animation
	}
	return ""
}

// StatusText 状态文案: 自定义 message 优先。
func StatusText(t *ToolInvocation) string {
	if t.Message != "" {
		return t.Message
	}
	switch t.Status {
	case ToolPreparing:
		return DefaultPreparingMessage(t.Name)
	case ToolRunning:
		return MetaFor(t.Name).RunningText
	case ToolCompleted:
		return MetaFor(t.Name).CompletedText
	}
	return fmt.Sprintf("%s - %s", t.Name, t.Status)
}

// Description 一行描述: statusDetail → result.path → arguments 中的 path / target_path / query / command / seconds。
func Description(t *ToolInvocation) string {
	if t.StatusDetail != "" {
		return t.StatusDetail
	}
	result := gjson.ParseBytes(t.Result)
	if result.IsObject() {
		if p := result.Get("path"); truthy(p) {
			return baseName(p.String())
		}
	}
	args := gjson.ParseBytes(t.Arguments)
	if !args.IsObject() {
		return ""
	}
	if p := args.Get("path"); truthy(p) {
		return baseName(p.String())
	}
	if p := args.Get("target_path"); truthy(p) {
		return baseName(p.String())
	}
	if q := args.Get("query"); truthy(q) {
		return `"` + q.String() + `"`
	}
	if c := args.Get("command"); truthy(c) {
		return c.String()
	}
	if s := args.Get("seconds"); truthy(s) {
		return s.String() + " 秒"
	}
	return ""
}

// baseName 取最后一个 "/" 之后的部分 (不做路径清理)。
func baseName(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// CatalogEntry 工具目录中的一项。
type CatalogEntry struct {
	Name ToolName `json:"name"`
	DisplayMeta
}

// Catalog 返回全部已知工具的展示目录 (顺序同 KnownTools)。
func Catalog() []CatalogEntry {
	tools := KnownTools()
	out := make([]CatalogEntry, 0, len(tools))
	for _, name := range tools {
		meta, _ := name.Meta()
		out = append(out, CatalogEntry{Name: name, DisplayMeta: meta})
	}
	return out
}

// ToolView 面向展示的工具摘要。
type ToolView struct {
	ActionID    string     `json:"actionId"`
	Name        string     `json:"name"`
	Status      ToolStatus `json:"status"`
	Icon        string     `json:"icon"`
	Animation   string     `json:"animation,omitempty"`
	StatusText  string     `json:"statusText"`
	Description string     `json:"description,omitempty"`
}

// ViewOf 构造 action 的工具摘要; 非工具 action 返回 ok=false。
func ViewOf(a *Action) (ToolView, bool) {
	if a == nil || a.Kind != ActionTool || a.Tool == nil {
		return ToolView{}, false
	}
	return ToolView{
		ActionID:    a.ID,
		Name:        a.Tool.Name,
		Status:      a.Tool.Status,
		Icon:        Icon(a.Tool),
		Animation:   Animation(a.Tool),
		StatusText:  StatusText(a.Tool),
		Description: Description(a.Tool),
	}, true
}
