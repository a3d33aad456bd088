// conversation_message.go — PostgreSQL 对话消息表 (conversation_messages)。
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/util"
)

const messageCols = `seq, role, content, name, tool_call_id, tool_calls, metadata, created_at`

// MessageStore conversation_messages 读写。
type MessageStore struct{ BaseStore }

// NewMessageStore 创建。
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{NewBaseStore(pool)}
}

// Messages 按 seq 升序返回对话全部消息。对话不存在时返回空切片。
func (s *MessageStore) Messages(ctx context.Context, conversationID string) ([]timeline.Record, error) {
	if conversationID == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "MessageStore.Messages", "conversation id is required")
	}
	sql, args := buildMessagesQuery(conversationID)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.Wrapf(err, "MessageStore.Messages", "query %s", conversationID)
	}
	items, err := collectRows[messageRow](rows)
	if err != nil {
		return nil, apperrors.Wrapf(err, "MessageStore.Messages", "scan %s", conversationID)
	}
	out := make([]timeline.Record, 0, len(items))
	for _, r := range items {
		out = append(out, r.record())
	}
	return out, nil
}

// Append 在对话末尾追加消息, seq 接续现有最大值。返回写入条数。
func (s *MessageStore) Append(ctx context.Context, conversationID string, records ...timeline.Record) (int, error) {
	if conversationID == "" {
		return 0, apperrors.Wrap(apperrors.ErrInvalidInput, "MessageStore.Append", "conversation id is required")
	}
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, apperrors.Wrap(err, "MessageStore.Append", "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var last int
	// 同一对话的并发追加在事务内串行
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, conversationID); err != nil {
		return 0, apperrors.Wrap(err, "MessageStore.Append", "lock conversation")
	}
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM conversation_messages WHERE conversation_id = $1`,
		conversationID).Scan(&last); err != nil {
		return 0, apperrors.Wrap(err, "MessageStore.Append", "read last seq")
	}

	batch := &pgx.Batch{}
	for i, rec := range records {
		sql, args := buildInsertMessage(conversationID, last+i+1, rec)
		batch.Queue(sql, args...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, apperrors.Wrap(err, "MessageStore.Append", "insert messages")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, apperrors.Wrap(err, "MessageStore.Append", "commit")
	}
	return len(records), nil
}

// Conversations 按最近消息时间倒序列出已存对话。
func (s *MessageStore) Conversations(ctx context.Context, limit int) ([]ConversationStat, error) {
	sql, args := buildConversationStatsQuery(limit)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "MessageStore.Conversations", "query")
	}
	return collectRows[ConversationStat](rows)
}

// ========================================
// SQL 构建
// ========================================

func buildMessagesQuery(conversationID string) (string, []any) {
	return `SELECT ` + messageCols + ` FROM conversation_messages WHERE conversation_id = $1 ORDER BY seq ASC`,
		[]any{conversationID}
}

func buildInsertMessage(conversationID string, seq int, rec timeline.Record) (string, []any) {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return `INSERT INTO conversation_messages (conversation_id, ` + messageCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)`,
		[]any{conversationID, seq, rec.Role, rec.Content, rec.Name, rec.ToolCallID,
			nullableJSON(rec.ToolCalls), nullableJSON(rec.Metadata), created}
}

func buildConversationStatsQuery(limit int) (string, []any) {
	sql := `SELECT conversation_id, COUNT(*)::int AS messages, MAX(created_at) AS last_at
		FROM conversation_messages GROUP BY conversation_id ORDER BY last_at DESC`
	if limit <= 0 {
		return sql, nil
	}
	return sql + " LIMIT $1", []any{util.ClampInt(limit, 1, 2000)}
}
