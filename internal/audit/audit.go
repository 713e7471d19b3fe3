// Package audit 把终态任务记录落入 SQLite, 作为进程重启后
// 仍可追溯的留痕。内存注册表只增不删, 长期保留交给这里。
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"perp-gateway/internal/task"
)

// Trail 为任务审计存储。
type Trail struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTrail 创建审计存储并初始化表结构。
func NewTrail(db *sql.DB, logger *zap.Logger) (*Trail, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Trail{db: db, logger: logger}
	if err := t.initSchema(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trail) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS order_tasks (
	external_id TEXT PRIMARY KEY,
	task_type TEXT NOT NULL,
	status TEXT NOT NULL,
	order_id TEXT,
	price TEXT,
	size TEXT,
	error TEXT,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_tasks_status ON order_tasks(status);
CREATE INDEX IF NOT EXISTS idx_order_tasks_finished ON order_tasks(finished_at);
`
	if _, err := t.db.Exec(stmt); err != nil {
		return fmt.Errorf("初始化审计表失败: %w", err)
	}
	return nil
}

// Save 写入一条终态任务记录。重复写入同一标识时整体覆盖。
func (t *Trail) Save(ctx context.Context, rec task.Record) error {
	_, err := t.db.ExecContext(ctx, `
INSERT INTO order_tasks
	(external_id, task_type, status, order_id, price, size, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(external_id) DO UPDATE SET
	status = excluded.status,
	order_id = excluded.order_id,
	error = excluded.error,
	finished_at = excluded.finished_at`,
		rec.Token,
		string(rec.Type),
		string(rec.Status),
		rec.OrderID,
		rec.Price.String(),
		rec.Size.String(),
		rec.Error,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("写入任务审计失败: %w", err)
	}
	return nil
}

// Entry 为审计查询返回的一行。
type Entry struct {
	Token      string `json:"external_id"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	OrderID    string `json:"order_id,omitempty"`
	Price      string `json:"price,omitempty"`
	Size       string `json:"size,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

// ListRecent 返回按完成时间倒序的最近 limit 条记录。
func (t *Trail) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.db.QueryContext(ctx, `
SELECT external_id, task_type, status, order_id, price, size, error, started_at, finished_at
FROM order_tasks
ORDER BY finished_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询任务审计失败: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var orderID, price, size, errMsg sql.NullString
		if err := rows.Scan(&e.Token, &e.Type, &e.Status, &orderID, &price, &size, &errMsg, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("扫描任务审计行失败: %w", err)
		}
		e.OrderID = orderID.String
		e.Price = price.String
		e.Size = size.String
		e.Error = errMsg.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历任务审计失败: %w", err)
	}
	return entries, nil
}
