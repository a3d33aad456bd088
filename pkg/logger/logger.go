// Package logger 提供基于 slog 的结构化日志。
//
// 核心功能:
//   - Init() 配置默认日志器 (开发: tint 彩色文本 / 生产: JSON)
//   - FromContext() 上下文感知日志
//   - 包级便捷方法 (Info/Error/Warn/Debug)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

var (
	// defaultLogger 使用 atomic.Pointer 保证并发安全。
	defaultLogger atomic.Pointer[slog.Logger]

	// utc8 固定 UTC+8 时区, 日志时间统一按此时区显示。
	utc8 = time.FixedZone("UTC+8", 8*60*60)
)

func init() { defaultLogger.Store(newLogger(os.Stdout, false, slog.LevelInfo)) }

func getLogger() *slog.Logger { return defaultLogger.Load() }

// storeLogger 原子存储默认日志器并同步 slog.SetDefault。
func storeLogger(l *slog.Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l)
}

// replaceTimeAttr 将 slog 输出的时间强制转为 UTC+8, 并格式化为易读字符串。
func replaceTimeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.In(utc8).Format("2006-01-02 15:04:05.000"))
		}
	}
	return a
}

func newLogger(w io.Writer, development bool, level slog.Level) *slog.Logger {
	if development {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  true,
			TimeFormat: "15:04:05.000",
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceTimeAttr,
	}))
}

// ParseLevel 解析 DEBUG/INFO/WARN/ERROR, 无法识别时返回 INFO。
func ParseLevel(raw string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsDevelopment 判断 env 是否为开发环境。
func IsDevelopment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "development", "dev", "local":
		return true
	}
	return false
}

// Init 初始化日志配置。env: "development"/"dev" 或 "production" (默认)。
// 开发环境输出到 stderr, 生产环境输出 JSON 到 stdout。
func Init(env, level string) {
	if IsDevelopment(env) {
		storeLogger(newLogger(os.Stderr, true, ParseLevel(level)))
		return
	}
	storeLogger(newLogger(os.Stdout, false, ParseLevel(level)))
}

// InitWriter 输出到指定 writer (测试 / 子命令重定向用)。
func InitWriter(w io.Writer, env, level string) {
	storeLogger(newLogger(w, IsDevelopment(env), ParseLevel(level)))
}

// ========================================
// Context 感知日志
// ========================================

type ctxKey struct{}

// WithContext 将日志器注入 context。
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext 从 context 提取日志器，若不存在则返回默认日志器。
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return getLogger()
}

// ========================================
// 包级便捷方法
// ========================================

// Info/Error/Warn/Debug 记录结构化日志。args 为 key-value 对。
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }

// Infof/Errorf/Warnf/Debugf 记录格式化日志。
func Infof(format string, args ...any)  { getLogger().Info(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { getLogger().Error(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { getLogger().Warn(fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { getLogger().Debug(fmt.Sprintf(format, args...)) }

// With 返回带附加上下文的日志器。
func With(args ...any) *slog.Logger { return getLogger().With(args...) }

// Get 返回底层 slog.Logger。
func Get() *slog.Logger { return getLogger() }

// Attr 类型别名 (避免调用方直接 import slog)。
type Attr = slog.Attr

// Any 创建任意类型属性。
func Any(key string, value any) Attr { return slog.Any(key, value) }

// String 创建字符串属性。
func String(key, value string) Attr { return slog.String(key, value) }

// 字段常量: MUST 使用常量键名，勿硬编码。
const (
	FieldComponent      = "component"
	FieldError          = "error"
	FieldStatus         = "status"
	FieldCount          = "count"
	FieldPath           = "path"
	FieldMethod         = "method"
	FieldURL            = "url"
	FieldAddr           = "addr"
	FieldLatencyMS      = "latency_ms"
	FieldDelayMS        = "delay_ms"
	FieldConversationID = "conversation_id"
	FieldEventType      = "event_type"
	FieldTurnIndex      = "turn_index"
	FieldActionID       = "action_id"
	FieldActionKind     = "action_kind"
	FieldToolID         = "tool_id"
	FieldToolName       = "tool_name"
	FieldExecutionID    = "execution_id"
	FieldPreparingID    = "preparing_id"
	FieldCommand        = "command"
	FieldTopic          = "topic"
	FieldSubscriber     = "subscriber"
	FieldSource         = "source"
	FieldSeq            = "seq"
	FieldOffset         = "offset"
	FieldDataLen        = "data_len"
)
