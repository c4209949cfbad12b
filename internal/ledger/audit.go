package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Transition is one append-only audit row. Written BEFORE the external action
// it describes, so a crash mid-submit still leaves a trace for reconciliation.
type Transition struct {
	ID             int64  `json:"id"`
	TS             int64  `json:"ts"`
	IdempotencyKey string `json:"idempotency_key"`
	SourceMsgID    string `json:"source_message_id"`
	Instrument     string `json:"instrument"`
	From           string `json:"from_status"`
	To             string `json:"to_status"`
	Attempt        int    `json:"attempt"`
	Reason         string `json:"reason"`
	Detail         string `json:"detail"`
	CreatedAt      int64  `json:"created_at"`
}

// AuditLog 记录执行状态机的每一次迁移，只追加不修改。
type AuditLog struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewAuditLog 初始化 SQLite 审计存储。
func NewAuditLog(path string) (*AuditLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("audit log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureAuditSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &AuditLog{db: db, path: path}, nil
}

// Close 关闭底层 DB。
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func ensureAuditSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS execution_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL,
			source_message_id TEXT,
			instrument TEXT,
			from_status TEXT,
			to_status TEXT NOT NULL,
			attempt INTEGER,
			reason TEXT,
			detail TEXT,
			created_at INTEGER NOT NULL
		);
		`,
		`CREATE INDEX IF NOT EXISTS idx_execution_transitions_key ON execution_transitions(idempotency_key);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append writes one transition row and fsyncs through SQLite before returning.
func (a *AuditLog) Append(ctx context.Context, t Transition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return fmt.Errorf("audit log 已关闭")
	}
	now := time.Now().Unix()
	if t.TS == 0 {
		t.TS = now
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO execution_transitions
			(ts, idempotency_key, source_message_id, instrument, from_status, to_status, attempt, reason, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TS, t.IdempotencyKey, t.SourceMsgID, t.Instrument, t.From, t.To, t.Attempt, t.Reason, t.Detail, now)
	return err
}

// ListForKey returns all transitions for one idempotency key, oldest first.
func (a *AuditLog) ListForKey(ctx context.Context, idempotencyKey string) ([]Transition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil, fmt.Errorf("audit log 已关闭")
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, ts, idempotency_key, source_message_id, instrument, from_status, to_status, attempt, reason, detail, created_at
		 FROM execution_transitions WHERE idempotency_key = ? ORDER BY id ASC`, idempotencyKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.TS, &t.IdempotencyKey, &t.SourceMsgID, &t.Instrument,
			&t.From, &t.To, &t.Attempt, &t.Reason, &t.Detail, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListRecent returns the newest transitions across all keys.
func (a *AuditLog) ListRecent(ctx context.Context, limit int) ([]Transition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil, fmt.Errorf("audit log 已关闭")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, ts, idempotency_key, source_message_id, instrument, from_status, to_status, attempt, reason, detail, created_at
		 FROM execution_transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.TS, &t.IdempotencyKey, &t.SourceMsgID, &t.Instrument,
			&t.From, &t.To, &t.Attempt, &t.Reason, &t.Detail, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
