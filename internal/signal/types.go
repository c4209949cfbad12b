package signal

import "time"

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Opposite returns the closing side for the direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// RawDetection is one chart image seen in a monitored channel, plus the raw
// vision-model extraction for it. Immutable once received.
type RawDetection struct {
	SourceMessageID string
	ChannelID       string
	ImageRef        string
	Caption         string
	Timestamp       time.Time
	RawModelOutput  string
}

// CandidateSignal is the strongly-typed result of parsing one detection.
// Zero price fields mean "not stated in the signal"; fields that are present
// have already passed range and side checks.
type CandidateSignal struct {
	Instrument      string
	Direction       Direction
	EntryPrice      float64
	StopLoss        float64
	TakeProfit      float64
	RiskPct         float64 // 信号里标注的风险百分比（可选，0~1）
	Confidence      float64 // 0..1，由字段齐全度推导
	SourceMessageID string
}

// HasEntry reports whether the signal states an explicit entry price.
func (s CandidateSignal) HasEntry() bool { return s.EntryPrice > 0 }
