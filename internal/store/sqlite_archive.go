// sqlite_archive.go — 本地 SQLite 对话归档 (离线回放与 HISTORY_SOURCE=sqlite)。
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

var archiveSchema = []string{
	`CREATE TABLE IF NOT EXISTS archived_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_calls TEXT,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(conversation_id, seq)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_archived_messages_conv ON archived_messages(conversation_id, seq);`,
}

// Archive SQLite 归档。*sql.DB 自带连接池, 可并发使用。
type Archive struct {
	db   *sql.DB
	path string
}

// OpenArchive 打开 (必要时创建) 归档文件并建表。
func OpenArchive(ctx context.Context, path string) (*Archive, error) {
	if path == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "store.OpenArchive", "archive path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, apperrors.Wrapf(err, "store.OpenArchive", "create dir %s", dir)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Wrapf(err, "store.OpenArchive", "open %s", path)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrapf(err, "store.OpenArchive", "ping %s", path)
	}
	for _, stmt := range append([]string{"PRAGMA busy_timeout = 5000;"}, archiveSchema...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, apperrors.Wrapf(err, "store.OpenArchive", "init schema %s", path)
		}
	}

	logger.Info("sqlite archive opened", logger.FieldPath, path)
	return &Archive{db: db, path: path}, nil
}

// Close 关闭。
func (a *Archive) Close() error { return a.db.Close() }

// Path 归档文件路径。
func (a *Archive) Path() string { return a.path }

// Messages 按 seq 升序返回对话全部消息。
func (a *Archive) Messages(ctx context.Context, conversationID string) ([]timeline.Record, error) {
	if conversationID == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "Archive.Messages", "conversation id is required")
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT role, content, name, tool_call_id, tool_calls, metadata, created_at
		FROM archived_messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, apperrors.Wrapf(err, "Archive.Messages", "query %s", conversationID)
	}
	defer rows.Close()

	out := []timeline.Record{}
	for rows.Next() {
		var (
			rec                 timeline.Record
			toolCalls, metadata sql.NullString
			createdMS           int64
		)
		if err := rows.Scan(&rec.Role, &rec.Content, &rec.Name, &rec.ToolCallID, &toolCalls, &metadata, &createdMS); err != nil {
			return nil, apperrors.Wrapf(err, "Archive.Messages", "scan %s", conversationID)
		}
		rec.ToolCalls = rawOrNil([]byte(toolCalls.String))
		rec.Metadata = rawOrNil([]byte(metadata.String))
		if createdMS > 0 {
			rec.CreatedAt = time.UnixMilli(createdMS).UTC()
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Append 在对话末尾追加消息。返回写入条数。
func (a *Archive) Append(ctx context.Context, conversationID string, records ...timeline.Record) (int, error) {
	if conversationID == "" {
		return 0, apperrors.Wrap(apperrors.ErrInvalidInput, "Archive.Append", "conversation id is required")
	}
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.Wrap(err, "Archive.Append", "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var last int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM archived_messages WHERE conversation_id = ?`,
		conversationID).Scan(&last); err != nil {
		return 0, apperrors.Wrap(err, "Archive.Append", "read last seq")
	}
	if err := insertArchived(ctx, tx, conversationID, last, records); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(err, "Archive.Append", "commit")
	}
	return len(records), nil
}

// Replace 用 records 整体替换对话的归档内容。
func (a *Archive) Replace(ctx context.Context, conversationID string, records []timeline.Record) error {
	if conversationID == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Archive.Replace", "conversation id is required")
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, "Archive.Replace", "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM archived_messages WHERE conversation_id = ?`, conversationID); err != nil {
		return apperrors.Wrapf(err, "Archive.Replace", "clear %s", conversationID)
	}
	if err := insertArchived(ctx, tx, conversationID, 0, records); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, "Archive.Replace", "commit")
	}
	return nil
}

// Conversations 按最近消息时间倒序列出已归档对话。
func (a *Archive) Conversations(ctx context.Context) ([]ConversationStat, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT conversation_id, COUNT(*), MAX(created_at) AS last_at
		FROM archived_messages GROUP BY conversation_id ORDER BY last_at DESC, conversation_id ASC`)
	if err != nil {
		return nil, apperrors.Wrap(err, "Archive.Conversations", "query")
	}
	defer rows.Close()

	out := []ConversationStat{}
	for rows.Next() {
		var (
			st     ConversationStat
			lastMS int64
		)
		if err := rows.Scan(&st.ConversationID, &st.Messages, &lastMS); err != nil {
			return nil, apperrors.Wrap(err, "Archive.Conversations", "scan")
		}
		st.LastAt = time.UnixMilli(lastMS).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

func insertArchived(ctx context.Context, tx *sql.Tx, conversationID string, after int, records []timeline.Record) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO archived_messages
		(conversation_id, seq, role, content, name, tool_call_id, tool_calls, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.Wrap(err, "Archive.insert", "prepare")
	}
	defer stmt.Close()

	now := time.Now()
	for i, rec := range records {
		created := rec.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, conversationID, after+i+1, rec.Role, rec.Content, rec.Name,
			rec.ToolCallID, nullableJSON(rec.ToolCalls), nullableJSON(rec.Metadata), created.UnixMilli()); err != nil {
			return apperrors.Wrapf(err, "Archive.insert", "insert seq %d", after+i+1)
		}
	}
	return nil
}
