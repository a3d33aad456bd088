// Package database 提供对话消息库的 PostgreSQL 连接池与迁移。
//
// 使用 pgxpool 直接管理连接，裸写 SQL (不使用 ORM)。
package database

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JOJO6618/ai-coding-agent/internal/config"
	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

// NewPool 创建 PostgreSQL 连接池 (HISTORY_SOURCE=postgres 与 migrate 命令使用)。
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.Wrap(err, "database.NewPool", "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(err, "database.NewPool", "ping postgres")
	}

	logger.Info("postgres pool created",
		"min_conns", poolCfg.MinConns,
		"max_conns", poolCfg.MaxConns,
		"schema", cfg.PostgresSchema,
	)
	return pool, nil
}

// poolConfig 解析连接串并套用池大小与 schema。不建立连接。
func poolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	if cfg == nil || cfg.PostgresConnStr == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "database.NewPool", "POSTGRES_CONNECTION_STRING is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnStr)
	if err != nil {
		return nil, apperrors.Wrap(err, "database.NewPool", "parse postgres config")
	}

	poolCfg.MinConns = safeInt32(cfg.PostgresPoolMinSize, "PostgresPoolMinSize")
	poolCfg.MaxConns = safeInt32(cfg.PostgresPoolMaxSize, "PostgresPoolMaxSize")
	if poolCfg.MaxConns < poolCfg.MinConns {
		poolCfg.MaxConns = poolCfg.MinConns
	}

	// search_path 用 Identifier.Sanitize 转义
	if schema := cfg.PostgresSchema; schema != "" && schema != "public" {
		stmt := fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize())
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, stmt)
			return err
		}
	}
	return poolCfg, nil
}

// safeInt32 int → int32, 越界时 clamp 并告警。
func safeInt32(v int, name string) int32 {
	if v > math.MaxInt32 {
		logger.Warn("pool config overflow, clamped", "field", name, "value", v)
		return math.MaxInt32
	}
	if v < 0 {
		logger.Warn("pool config negative, clamped to 0", "field", name, "value", v)
		return 0
	}
	return int32(v)
}
