// safego.go — 安全 goroutine / 定时器启动器，捕获 panic 防止进程崩溃。
package util

import (
	"runtime/debug"
	"time"

	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

// SafeGo 在新 goroutine 中安全执行 fn，捕获 panic 并记录日志 + 堆栈。
func SafeGo(fn func()) {
	go func() {
		defer recoverAndLog("goroutine")
		fn()
	}()
}

// SafeAfter 在 d 之后于独立 goroutine 执行 fn (time.AfterFunc + panic 保护)。
// 返回的 Timer 可用于取消尚未触发的调用。
func SafeAfter(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		defer recoverAndLog("timer")
		fn()
	})
}

func recoverAndLog(kind string) {
	if r := recover(); r != nil {
		logger.Error(kind+" panicked",
			logger.FieldError, r,
			"stack", string(debug.Stack()),
		)
	}
}
