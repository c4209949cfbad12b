package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when no execution record matches the key.
var ErrNotFound = errors.New("ledger: record not found")

// ConsistencyError marks an attempt to move a record along an illegal edge.
// 出现这种错误说明调用方状态机有 bug，不该吞掉。
type ConsistencyError struct {
	IdempotencyKey string
	From           Status
	To             Status
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("ledger: illegal transition %s -> %s (key=%s)", e.From, e.To, e.IdempotencyKey)
}

// Store persists execution records in SQLite via Gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore opens (creating if needed) the execution ledger at path.
func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger: 数据库路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&executionModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: keep the pool small so writers rarely contend.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Reserve claims a source message for execution. The insert races through the
// unique index on source_message_id: exactly one caller wins. On conflict the
// existing record is returned with reserved=false and nothing is modified.
func (s *Store) Reserve(ctx context.Context, rec ExecutionRecord) (ExecutionRecord, bool, error) {
	if rec.SourceMessageID == "" {
		return ExecutionRecord{}, false, fmt.Errorf("ledger: source message id 为空")
	}
	rec.IdempotencyKey = Key(rec.SourceMessageID)
	rec.Status = StatusPending
	now := s.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	model := newExecutionModel(rec)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_message_id"}},
			DoNothing: true,
		}).
		Create(&model)
	if res.Error != nil {
		return ExecutionRecord{}, false, res.Error
	}
	if res.RowsAffected > 0 {
		return model.toRecord(), true, nil
	}
	existing, err := s.BySourceMessageID(ctx, rec.SourceMessageID)
	if err != nil {
		return ExecutionRecord{}, false, err
	}
	return existing, false, nil
}

// CommitUpdate carries the fields changed by a state transition. Nil pointers
// leave the stored value untouched.
type CommitUpdate struct {
	Status        Status
	BrokerOrderID *string
	Attempts      *int
	LastError     *string
	Reason        *string
	Size          *float64
}

// Commit moves a record to a new status, enforcing the legal transition graph.
func (s *Store) Commit(ctx context.Context, idempotencyKey string, upd CommitUpdate) (ExecutionRecord, error) {
	var out ExecutionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model executionModel
		if err := tx.Where("idempotency_key = ?", idempotencyKey).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		from := Status(model.Status)
		if !transitionAllowed(from, upd.Status) {
			return &ConsistencyError{IdempotencyKey: idempotencyKey, From: from, To: upd.Status}
		}
		model.Status = string(upd.Status)
		if upd.BrokerOrderID != nil {
			model.BrokerOrderID = *upd.BrokerOrderID
		}
		if upd.Attempts != nil {
			model.Attempts = *upd.Attempts
		}
		if upd.LastError != nil {
			model.LastError = *upd.LastError
		}
		if upd.Reason != nil {
			model.Reason = *upd.Reason
		}
		if upd.Size != nil {
			model.Size = *upd.Size
		}
		model.UpdatedAtUnix = s.now().UTC().Unix()
		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		out = model.toRecord()
		return nil
	})
	if err != nil {
		return ExecutionRecord{}, err
	}
	return out, nil
}

// RecordAttempt persists the attempt counter and last error without a status
// transition, so a crash mid-retry leaves the count in the record itself
// rather than only in the audit trail.
func (s *Store) RecordAttempt(ctx context.Context, idempotencyKey string, attempt int, lastErr string) error {
	res := s.db.WithContext(ctx).
		Model(&executionModel{}).
		Where("idempotency_key = ?", idempotencyKey).
		Updates(map[string]any{
			"attempts":   attempt,
			"last_error": lastErr,
			"updated_at": s.now().UTC().Unix(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the record for one idempotency key.
func (s *Store) Get(ctx context.Context, idempotencyKey string) (ExecutionRecord, error) {
	var model executionModel
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ExecutionRecord{}, ErrNotFound
	}
	if err != nil {
		return ExecutionRecord{}, err
	}
	return model.toRecord(), nil
}

// BySourceMessageID returns the record claimed for one source message.
func (s *Store) BySourceMessageID(ctx context.Context, sourceMessageID string) (ExecutionRecord, error) {
	var model executionModel
	err := s.db.WithContext(ctx).Where("source_message_id = ?", sourceMessageID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ExecutionRecord{}, ErrNotFound
	}
	if err != nil {
		return ExecutionRecord{}, err
	}
	return model.toRecord(), nil
}

// ListByStatus returns records in one status, oldest first. The reconciler
// uses this to sweep submitted-but-unconfirmed orders after a restart.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]ExecutionRecord, error) {
	var models []executionModel
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]ExecutionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, m.toRecord())
	}
	return out, nil
}

// ListRecent returns the newest records, capped at limit.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []executionModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]ExecutionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, m.toRecord())
	}
	return out, nil
}

// LastApprovals returns, per instrument, the most recent time an order was
// submitted or confirmed. Feeds the per-instrument cooldown check.
func (s *Store) LastApprovals(ctx context.Context) (map[string]time.Time, error) {
	type row struct {
		Instrument string
		Latest     int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&executionModel{}).
		Select("instrument, MAX(updated_at) AS latest").
		Where("status IN ?", []string{string(StatusSubmitted), string(StatusConfirmed)}).
		Group("instrument").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		out[r.Instrument] = time.Unix(r.Latest, 0)
	}
	return out, nil
}

// CountOpen counts records that may still turn into live positions.
func (s *Store) CountOpen(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&executionModel{}).
		Where("status IN ?", []string{string(StatusSubmitted), string(StatusConfirmed)}).
		Count(&n).Error
	return int(n), err
}
