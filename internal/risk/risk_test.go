package risk

import (
	"testing"
	"time"

	"sigil/internal/signal"

	"github.com/stretchr/testify/assert"
)

func baseConfig() Config {
	return Config{
		MaxPositionSize:        10,
		MaxConcurrentPositions: 3,
		MaxRiskPerTradePct:     0.01,
		MinConfidence:          0.6,
		CooldownPerInstrument:  3 * time.Minute,
		AllowedInstruments:     map[string]bool{"XAUUSD": true, "EURUSD": true},
	}
}

func goldSignal() signal.CandidateSignal {
	return signal.CandidateSignal{
		Instrument: "XAUUSD",
		Direction:  signal.DirectionLong,
		EntryPrice: 1950,
		StopLoss:   1900,
		TakeProfit: 2050,
		Confidence: 0.8,
	}
}

func account() AccountState {
	return AccountState{Equity: 10000, AsOf: time.Now()}
}

func TestValidate_Sizing(t *testing.T) {
	lot := LotRule{MinLot: 0.01, LotStep: 0.01}

	t.Run("textbook sizing", func(t *testing.T) {
		// equity=10000, risk=1%, stopDistance=50 -> size=2
		d := Validate(goldSignal(), account(), baseConfig(), lot)
		assert.True(t, d.Approved, d.Detail)
		assert.InDelta(t, 2.0, d.Size, 1e-9)
	})

	t.Run("capped at max position size", func(t *testing.T) {
		cfg := baseConfig()
		cfg.MaxPositionSize = 1.5
		d := Validate(goldSignal(), account(), cfg, lot)
		assert.True(t, d.Approved)
		assert.InDelta(t, 1.5, d.Size, 1e-9)
	})

	t.Run("floored to lot step", func(t *testing.T) {
		sig := goldSignal()
		sig.StopLoss = 1917 // distance 33 -> 3.0303..
		d := Validate(sig, account(), baseConfig(), lot)
		assert.True(t, d.Approved)
		assert.InDelta(t, 3.03, d.Size, 1e-9)
	})

	t.Run("signal risk annotation tightens but never widens", func(t *testing.T) {
		sig := goldSignal()
		sig.RiskPct = 0.005
		d := Validate(sig, account(), baseConfig(), LotRule{MinLot: 0.01, LotStep: 0.01})
		assert.True(t, d.Approved)
		assert.InDelta(t, 1.0, d.Size, 1e-9)

		sig.RiskPct = 0.05 // 比配置激进，忽略
		d = Validate(sig, account(), baseConfig(), LotRule{MinLot: 0.01, LotStep: 0.01})
		assert.InDelta(t, 2.0, d.Size, 1e-9)
	})

	t.Run("budget below min lot rejects", func(t *testing.T) {
		sig := goldSignal()
		d := Validate(sig, AccountState{Equity: 10, AsOf: time.Now()}, baseConfig(), LotRule{MinLot: 0.01, LotStep: 0.01})
		assert.False(t, d.Approved)
		assert.Equal(t, ReasonRiskTooSmall, d.Reason)
	})
}

func TestValidate_Rules(t *testing.T) {
	lot := LotRule{MinLot: 0.01, LotStep: 0.01}

	t.Run("confidence below threshold", func(t *testing.T) {
		sig := goldSignal()
		sig.Confidence = 0.5
		d := Validate(sig, account(), baseConfig(), lot)
		assert.Equal(t, ReasonLowConfidence, d.Reason)
	})

	t.Run("instrument not allowed", func(t *testing.T) {
		sig := goldSignal()
		sig.Instrument = "DOGEUSD"
		d := Validate(sig, account(), baseConfig(), lot)
		assert.Equal(t, ReasonNotAllowed, d.Reason)
	})

	t.Run("max concurrent positions", func(t *testing.T) {
		acct := account()
		acct.OpenPositions = 3
		d := Validate(goldSignal(), acct, baseConfig(), lot)
		assert.Equal(t, ReasonMaxPositions, d.Reason)
	})

	t.Run("cooldown window", func(t *testing.T) {
		acct := account()
		acct.LastApproval = map[string]time.Time{"XAUUSD": acct.AsOf.Add(-time.Minute)}
		d := Validate(goldSignal(), acct, baseConfig(), lot)
		assert.Equal(t, ReasonCooldown, d.Reason)

		acct.LastApproval["XAUUSD"] = acct.AsOf.Add(-10 * time.Minute)
		d = Validate(goldSignal(), acct, baseConfig(), lot)
		assert.True(t, d.Approved)
	})

	t.Run("no reference price without entry", func(t *testing.T) {
		sig := goldSignal()
		sig.EntryPrice = 0
		d := Validate(sig, account(), baseConfig(), lot)
		assert.Equal(t, ReasonNoReference, d.Reason)

		acct := account()
		acct.LastPrice = map[string]float64{"XAUUSD": 1950}
		d = Validate(sig, acct, baseConfig(), lot)
		assert.True(t, d.Approved)
		assert.InDelta(t, 2.0, d.Size, 1e-9)
	})

	t.Run("risk reward floor", func(t *testing.T) {
		cfg := baseConfig()
		cfg.MinRiskReward = 2.5
		d := Validate(goldSignal(), account(), cfg, lot) // rr = 100/50 = 2.0
		assert.Equal(t, ReasonRewardTooSmall, d.Reason)

		cfg.MinRiskReward = 2.0
		d = Validate(goldSignal(), account(), cfg, lot)
		assert.True(t, d.Approved)
	})
}
