// source.go — 按配置选择历史消息来源。
package store

import (
	"context"

	"github.com/JOJO6618/ai-coding-agent/internal/config"
	"github.com/JOJO6618/ai-coding-agent/internal/database"
	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

// Open 按 cfg.HistorySource 打开历史来源。
//
//	api      → 直接返回 remote (服务端 HTTP 接口)
//	postgres → MessageStore (pgxpool)
//	sqlite   → Archive
//
// 返回的 closer 总是非 nil。
func Open(ctx context.Context, cfg *config.Config, remote MessageSource) (MessageSource, func(), error) {
	noop := func() {}
	switch cfg.HistorySource {
	case "", config.HistorySourceAPI:
		if remote == nil {
			return nil, noop, apperrors.Wrap(apperrors.ErrInvalidInput, "store.Open", "api history source needs a client")
		}
		return remote, noop, nil

	case config.HistorySourcePostgres:
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		return NewMessageStore(pool), pool.Close, nil

	case config.HistorySourceSQLite:
		a, err := OpenArchive(ctx, cfg.SQLiteArchivePath)
		if err != nil {
			return nil, noop, err
		}
		return a, func() {
			if err := a.Close(); err != nil {
				logger.Warn("sqlite archive close failed", logger.FieldError, err)
			}
		}, nil
	}
	return nil, noop, apperrors.Wrapf(apperrors.ErrInvalidInput, "store.Open", "unknown history source %q", cfg.HistorySource)
}
