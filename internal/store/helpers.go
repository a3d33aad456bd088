// Package store 对话消息的持久化读取。
//
// 两种后端: PostgreSQL (pgxpool, 服务端消息表) 与本地 SQLite 归档 (modernc.org/sqlite)。
// 两者都实现 MessageSource, 供会话控制器重建历史时间线。
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
)

// MessageSource 按对话读取原始消息记录 (按 seq 升序)。
type MessageSource interface {
	Messages(ctx context.Context, conversationID string) ([]timeline.Record, error)
}

// ConversationStat 某对话已存消息概况。
type ConversationStat struct {
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Messages       int       `db:"messages" json:"messages"`
	LastAt         time.Time `db:"last_at" json:"last_at"`
}

// ========================================
// BaseStore
// ========================================

// BaseStore 持有连接池。
type BaseStore struct {
	pool *pgxpool.Pool
}

// NewBaseStore 创建。
func NewBaseStore(pool *pgxpool.Pool) BaseStore { return BaseStore{pool: pool} }

// Pool 返回底层连接池。
func (b BaseStore) Pool() *pgxpool.Pool { return b.pool }

// ========================================
// 行扫描
// ========================================

// messageRow conversation_messages 一行。JSONB 列以原始字节读出, NULL → nil。
type messageRow struct {
	Seq        int       `db:"seq"`
	Role       string    `db:"role"`
	Content    string    `db:"content"`
	Name       string    `db:"name"`
	ToolCallID string    `db:"tool_call_id"`
	ToolCalls  []byte    `db:"tool_calls"`
	Metadata   []byte    `db:"metadata"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r messageRow) record() timeline.Record {
	return timeline.Record{
		Role:       r.Role,
		Content:    r.Content,
		Name:       r.Name,
		ToolCallID: r.ToolCallID,
		ToolCalls:  rawOrNil(r.ToolCalls),
		Metadata:   rawOrNil(r.Metadata),
		CreatedAt:  r.CreatedAt,
	}
}

// collectRows 使用 pgx.CollectRows + RowToStructByName 扫描行到 struct slice。
func collectRows[T any](rows pgx.Rows) ([]T, error) {
	return pgx.CollectRows(rows, pgx.RowToStructByName[T])
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.RawMessage(b)
}

// nullableJSON 空 JSON 写成 SQL NULL。
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}
