// Package risk applies position sizing and exposure rules to parsed signals.
package risk

import (
	"fmt"
	"time"

	"sigil/internal/signal"

	"github.com/shopspring/decimal"
)

// Rejection reasons recorded in the execution audit trail.
const (
	ReasonLowConfidence  = "confidence_below_min"
	ReasonNotAllowed     = "instrument_not_allowed"
	ReasonMaxPositions   = "max_concurrent_positions"
	ReasonCooldown       = "instrument_cooldown"
	ReasonNoReference    = "no_reference_price"
	ReasonStopTooTight   = "stop_distance_too_small"
	ReasonRiskTooSmall   = "size_below_min_lot"
	ReasonRewardTooSmall = "risk_reward_below_min"
)

// Config 枚举风控规则，全部来自配置，校验本身无隐藏状态。
type Config struct {
	MaxPositionSize        float64       // 单笔最大手数
	MaxConcurrentPositions int           // 最大并发持仓数
	MaxRiskPerTradePct     float64       // 单笔风险占净值比例（0.01 = 1%）
	MinConfidence          float64       // 信号置信度下限
	MinRiskReward          float64       // 盈亏比下限（0 关闭）
	CooldownPerInstrument  time.Duration // 同品种两次批准的最小间隔
	AllowedInstruments     map[string]bool
}

// AccountState is a read-only snapshot supplied by the caller per validation.
// The validator never mutates it; equity and positions come from the broker's
// own records, approval times from the coordinator's recent history.
type AccountState struct {
	Equity        float64
	OpenPositions int
	LastPrice     map[string]float64   // 品种 -> 最近市价（信号未给入场价时的参照）
	LastApproval  map[string]time.Time // 品种 -> 最近一次批准时间
	AsOf          time.Time
}

// LotRule is the broker-reported granularity for one instrument.
type LotRule struct {
	MinLot  float64
	LotStep float64
}

// Decision is the validation outcome. Size is in lots, already capped and
// floored to the broker's granularity.
type Decision struct {
	Approved bool
	Size     float64
	Reason   string
	Detail   string
}

func reject(reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Validate applies every rule in order and, on approval, computes the
// risk-adjusted size: equity * maxRiskPerTradePct / stopDistance, capped at
// MaxPositionSize and floored to the lot step. Money math uses decimals so
// the audited size is exact.
func Validate(sig signal.CandidateSignal, acct AccountState, cfg Config, lot LotRule) Decision {
	if sig.Confidence < cfg.MinConfidence {
		return reject(ReasonLowConfidence, "confidence %.2f < %.2f", sig.Confidence, cfg.MinConfidence)
	}
	if !cfg.AllowedInstruments[sig.Instrument] {
		return reject(ReasonNotAllowed, "%s 不在白名单", sig.Instrument)
	}
	if cfg.MaxConcurrentPositions > 0 && acct.OpenPositions >= cfg.MaxConcurrentPositions {
		return reject(ReasonMaxPositions, "open=%d max=%d", acct.OpenPositions, cfg.MaxConcurrentPositions)
	}
	if cfg.CooldownPerInstrument > 0 {
		if last, ok := acct.LastApproval[sig.Instrument]; ok {
			elapsed := acct.AsOf.Sub(last)
			if elapsed >= 0 && elapsed < cfg.CooldownPerInstrument {
				return reject(ReasonCooldown, "%s 距上次批准仅 %s", sig.Instrument, elapsed.Truncate(time.Second))
			}
		}
	}

	ref := sig.EntryPrice
	if ref <= 0 {
		ref = acct.LastPrice[sig.Instrument]
	}
	if ref <= 0 {
		return reject(ReasonNoReference, "%s 缺少参照价格", sig.Instrument)
	}

	refDec := decimal.NewFromFloat(ref)
	stopDec := decimal.NewFromFloat(sig.StopLoss)
	stopDistance := refDec.Sub(stopDec).Abs()
	if stopDistance.IsZero() {
		return reject(ReasonStopTooTight, "止损距离为 0")
	}

	if cfg.MinRiskReward > 0 && sig.TakeProfit > 0 {
		reward := decimal.NewFromFloat(sig.TakeProfit).Sub(refDec).Abs()
		rr := reward.Div(stopDistance)
		if rr.LessThan(decimal.NewFromFloat(cfg.MinRiskReward)) {
			return reject(ReasonRewardTooSmall, "盈亏比 %s < %.2f", rr.StringFixed(2), cfg.MinRiskReward)
		}
	}

	riskPct := cfg.MaxRiskPerTradePct
	if sig.RiskPct > 0 && sig.RiskPct < riskPct {
		// 信号自带更保守的风险标注时尊重它，但绝不放大。
		riskPct = sig.RiskPct
	}

	size := decimal.NewFromFloat(acct.Equity).
		Mul(decimal.NewFromFloat(riskPct)).
		Div(stopDistance)

	if cfg.MaxPositionSize > 0 {
		maxSize := decimal.NewFromFloat(cfg.MaxPositionSize)
		if size.GreaterThan(maxSize) {
			size = maxSize
		}
	}
	size = floorToStep(size, lot.LotStep)

	if min := decimal.NewFromFloat(lot.MinLot); lot.MinLot > 0 && size.LessThan(min) {
		return reject(ReasonRiskTooSmall, "风险预算内手数 %s 低于最小手数 %.4f", size.String(), lot.MinLot)
	}
	if size.LessThanOrEqual(decimal.Zero) {
		return reject(ReasonRiskTooSmall, "计算手数为 0")
	}

	sized, _ := size.Float64()
	return Decision{Approved: true, Size: sized}
}

func floorToStep(size decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return size
	}
	stepDec := decimal.NewFromFloat(step)
	return size.Div(stepDec).Floor().Mul(stepDec)
}
