// Package errors 提供统一错误类型与哨兵错误。
//
// 两层结构:
//   - L1 哨兵错误: ErrNotFound / ErrInvalidInput / ErrNoConversation 等, 供 errors.Is 判定
//   - L2 AppError: 带 Op + Code + Message 的应用级错误, 包装底层原因
//
// 时间线引擎内部的乱序/守卫类问题不返回错误 (只记日志);
// 只有传输失败、会话管理失败才会以 AppError 形式越过引擎边界。
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入参数无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal 内部错误
	ErrInternal = errors.New("internal error")

	// ErrTimeout 操作超时
	ErrTimeout = errors.New("timeout")

	// ErrNoConversation 当前没有激活的对话
	ErrNoConversation = errors.New("no active conversation")

	// ErrNoActiveTurn 当前没有正在接收流式事件的 assistant turn
	ErrNoActiveTurn = errors.New("no active turn")

	// ErrTurnInProgress 上一个 assistant turn 仍在流式输出
	ErrTurnInProgress = errors.New("turn in progress")

	// ErrUnresolvedTool 工具更新无法关联到任何 action
	ErrUnresolvedTool = errors.New("unresolved tool")

	// ErrRequestFailed 服务端返回 success=false 或非 2xx
	ErrRequestFailed = errors.New("request failed")

	// ErrNotConnected 事件通道尚未连接
	ErrNotConnected = errors.New("not connected")
)

// 错误码常量。
const (
	CodeTransport  = "TRANSPORT"
	CodeServer     = "SERVER"
	CodeValidation = "VALIDATION"
	CodeStorage    = "STORAGE"
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "Client.LoadConversation"
	Code    string // 错误码，如 "TRANSPORT"、"SERVER"
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithCode 包装错误并带上错误码。
func WithCode(err error, op, code, message string) error {
	return &AppError{Op: op, Code: code, Message: message, Err: err}
}

// CodeOf 提取错误链上第一个 AppError 的错误码, 无则返回空串。
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// MessageOf 返回面向用户的消息: AppError 取 Message, 否则取 Error()。
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}
