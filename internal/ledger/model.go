package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"gorm.io/datatypes"
)

// Status is the lifecycle state of one execution record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// legalTransitions is the only allowed state graph. Everything else is a
// consistency error: terminal states are immutable and pending cannot jump
// straight to confirmed.
var legalTransitions = map[Status][]Status{
	StatusPending:   {StatusSubmitted, StatusRejected, StatusFailed},
	StatusSubmitted: {StatusConfirmed, StatusFailed},
}

func transitionAllowed(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExecutionRecord is the durable source of truth for dedup and auditing.
// One row per source message; never deleted.
type ExecutionRecord struct {
	IdempotencyKey  string
	SourceMessageID string
	ChannelID       string
	Instrument      string
	Direction       string
	Size            float64
	EntryPrice      float64
	StopLoss        float64
	TakeProfit      float64
	Status          Status
	Reason          string
	BrokerOrderID   string
	Attempts        int
	LastError       string
	RawSignal       []byte // 审计用：当时的 CandidateSignal JSON
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Key derives the idempotency key for a source message.
func Key(sourceMessageID string) string {
	sum := sha256.Sum256([]byte(sourceMessageID))
	return hex.EncodeToString(sum[:])
}

type executionModel struct {
	ID              int64          `gorm:"column:id;primaryKey"`
	IdempotencyKey  string         `gorm:"column:idempotency_key;uniqueIndex"`
	SourceMessageID string         `gorm:"column:source_message_id;uniqueIndex"`
	ChannelID       string         `gorm:"column:channel_id;index"`
	Instrument      string         `gorm:"column:instrument;index"`
	Direction       string         `gorm:"column:direction"`
	Size            float64        `gorm:"column:size"`
	EntryPrice      float64        `gorm:"column:entry_price"`
	StopLoss        float64        `gorm:"column:stop_loss"`
	TakeProfit      float64        `gorm:"column:take_profit"`
	Status          string         `gorm:"column:status;index"`
	Reason          string         `gorm:"column:reason"`
	BrokerOrderID   string         `gorm:"column:broker_order_id"`
	Attempts        int            `gorm:"column:attempts"`
	LastError       string         `gorm:"column:last_error"`
	RawSignal       datatypes.JSON `gorm:"column:raw_signal;type:TEXT"`
	CreatedAtUnix   int64          `gorm:"column:created_at"`
	UpdatedAtUnix   int64          `gorm:"column:updated_at"`
}

func (executionModel) TableName() string { return "execution_records" }

func newExecutionModel(rec ExecutionRecord) executionModel {
	return executionModel{
		IdempotencyKey:  rec.IdempotencyKey,
		SourceMessageID: rec.SourceMessageID,
		ChannelID:       rec.ChannelID,
		Instrument:      rec.Instrument,
		Direction:       rec.Direction,
		Size:            rec.Size,
		EntryPrice:      rec.EntryPrice,
		StopLoss:        rec.StopLoss,
		TakeProfit:      rec.TakeProfit,
		Status:          string(rec.Status),
		Reason:          rec.Reason,
		BrokerOrderID:   rec.BrokerOrderID,
		Attempts:        rec.Attempts,
		LastError:       rec.LastError,
		RawSignal:       datatypes.JSON(rec.RawSignal),
		CreatedAtUnix:   rec.CreatedAt.Unix(),
		UpdatedAtUnix:   rec.UpdatedAt.Unix(),
	}
}

func (m executionModel) toRecord() ExecutionRecord {
	return ExecutionRecord{
		IdempotencyKey:  m.IdempotencyKey,
		SourceMessageID: m.SourceMessageID,
		ChannelID:       m.ChannelID,
		Instrument:      m.Instrument,
		Direction:       m.Direction,
		Size:            m.Size,
		EntryPrice:      m.EntryPrice,
		StopLoss:        m.StopLoss,
		TakeProfit:      m.TakeProfit,
		Status:          Status(m.Status),
		Reason:          m.Reason,
		BrokerOrderID:   m.BrokerOrderID,
		Attempts:        m.Attempts,
		LastError:       m.LastError,
		RawSignal:       []byte(m.RawSignal),
		CreatedAt:       time.Unix(m.CreatedAtUnix, 0),
		UpdatedAt:       time.Unix(m.UpdatedAtUnix, 0),
	}
}
