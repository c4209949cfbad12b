package signal

import (
	"strings"

	"sigil/internal/pkg/convert"
	"sigil/internal/pkg/jsonutil"
	"sigil/internal/pkg/symbol"

	"github.com/tidwall/gjson"
)

// Parser turns raw vision-model output into a CandidateSignal or a
// ParseFailure. It first tries the structured path (JSON object somewhere in
// the output), then falls back to the labeled-text grammar the channels'
// human-written captions tend to follow. No side effects.
type Parser struct {
	// DefaultInstrument 在图表未标注品种时兜底（多数金价频道只发 XAUUSD）。
	// 为空时缺失品种按解析失败处理。
	DefaultInstrument string
}

func NewParser(defaultInstrument string) *Parser {
	return &Parser{DefaultInstrument: symbol.Normalize(defaultInstrument)}
}

// draft carries field-level parse state so the final validation can tell
// "absent" apart from "present but garbage".
type draft struct {
	directionRaw  string
	ambiguous     bool
	instrumentRaw string
	entry         numField
	stopLoss      numField
	takeProfit    numField
	riskPct       numField
	confidence    numField
	fromJSON      bool
	schemaErr     error
}

type numField struct {
	val     float64
	present bool
	bad     bool
}

func (f *numField) set(raw any) {
	if raw == nil {
		return
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return
	}
	f.present = true
	v, ok := convert.ToFloat64(raw)
	if !ok {
		f.bad = true
		return
	}
	f.val = v
}

func (p *Parser) Parse(det RawDetection) (CandidateSignal, error) {
	raw := strings.TrimSpace(det.RawModelOutput)
	if raw == "" {
		return CandidateSignal{}, failf(ReasonEmptyOutput, "模型输出为空")
	}

	d, ok := p.parseJSON(raw)
	if !ok {
		d = parseText(raw)
	}
	return p.finish(det, d)
}

// parseJSON handles the structured path. Returns ok=false when the output
// contains no usable JSON object; schema violations inside found JSON do NOT
// fall back to text, since half-structured output is the riskiest to guess at.
func (p *Parser) parseJSON(raw string) (draft, bool) {
	block, found := jsonutil.ExtractJSON(raw)
	if !found || !gjson.Valid(block) {
		return draft{}, false
	}
	obj := block
	parsed := gjson.Parse(block)
	if parsed.IsArray() {
		// 个别模型把单个信号包成数组，取第一个带 action 的元素。
		obj = ""
		parsed.ForEach(func(_, v gjson.Result) bool {
			if v.IsObject() && v.Get("action").String() != "" {
				obj = v.Raw
				return false
			}
			return true
		})
		if obj == "" {
			return draft{}, false
		}
	} else if !parsed.IsObject() {
		return draft{}, false
	}
	if err := validateSignalJSON(obj); err != nil {
		return draft{fromJSON: true, schemaErr: err}, true
	}

	var d draft
	d.fromJSON = true
	d.directionRaw = strings.TrimSpace(gjson.Get(obj, "action").String())
	for _, key := range []string{"symbol", "instrument", "pair"} {
		if v := strings.TrimSpace(gjson.Get(obj, key).String()); v != "" {
			d.instrumentRaw = v
			break
		}
	}
	d.entry.set(jsonValue(obj, "entry", "entry_price"))
	d.stopLoss.set(jsonValue(obj, "stop_loss", "sl"))
	d.takeProfit.set(jsonValue(obj, "take_profit", "tp"))
	d.riskPct.set(jsonValue(obj, "risk_percent"))
	d.confidence.set(jsonValue(obj, "confidence"))
	return d, true
}

func jsonValue(obj string, keys ...string) any {
	for _, key := range keys {
		res := gjson.Get(obj, key)
		switch res.Type {
		case gjson.Number:
			return res.Num
		case gjson.String:
			if strings.TrimSpace(res.Str) != "" {
				return res.Str
			}
		}
	}
	return nil
}

func (p *Parser) finish(det RawDetection, d draft) (CandidateSignal, error) {
	if d.schemaErr != nil {
		return CandidateSignal{}, failf(ReasonSchema, "%v", d.schemaErr)
	}
	if d.fromJSON && d.directionRaw == "" {
		return CandidateSignal{}, failf(ReasonSchema, "json 输出缺少 action")
	}
	if d.ambiguous {
		return CandidateSignal{}, failf(ReasonAmbiguous, "同时出现买卖方向")
	}
	dir, ok := mapDirection(d.directionRaw)
	if !ok {
		return CandidateSignal{}, failf(ReasonNoDirection, "未识别方向 %q", d.directionRaw)
	}

	instrument := p.DefaultInstrument
	explicitInstrument := false
	if d.instrumentRaw != "" {
		instrument = symbol.Normalize(d.instrumentRaw)
		explicitInstrument = instrument != ""
	}
	if instrument == "" {
		return CandidateSignal{}, failf(ReasonUnknownInstrument, "无法识别品种 %q", d.instrumentRaw)
	}

	for name, f := range map[string]numField{
		"entry": d.entry, "stop_loss": d.stopLoss, "take_profit": d.takeProfit,
		"risk_percent": d.riskPct, "confidence": d.confidence,
	} {
		if f.bad {
			return CandidateSignal{}, failf(ReasonBadNumber, "%s 不是合法数值", name)
		}
		if f.present && f.val <= 0 && name != "confidence" {
			return CandidateSignal{}, failf(ReasonBadNumber, "%s 必须为正数", name)
		}
	}
	if !d.stopLoss.present || !d.takeProfit.present {
		return CandidateSignal{}, failf(ReasonMissingStops, "缺少止损或止盈")
	}

	sig := CandidateSignal{
		Instrument:      instrument,
		Direction:       dir,
		StopLoss:        d.stopLoss.val,
		TakeProfit:      d.takeProfit.val,
		SourceMessageID: det.SourceMessageID,
	}
	if d.entry.present {
		sig.EntryPrice = d.entry.val
	}
	if d.riskPct.present {
		// 信号里的 risk 以百分点书写（"risk 2%" / risk_percent: 2），内部统一用小数。
		sig.RiskPct = d.riskPct.val / 100
	}

	if err := checkSides(sig); err != nil {
		return CandidateSignal{}, err
	}

	sig.Confidence = deriveConfidence(d, explicitInstrument)
	return sig, nil
}

// checkSides enforces the price geometry for the stated direction before
// anything downstream can act on the signal.
func checkSides(sig CandidateSignal) error {
	long := sig.Direction == DirectionLong
	if sig.HasEntry() {
		if long && sig.StopLoss >= sig.EntryPrice {
			return failf(ReasonStopWrongSide, "做多止损 %.5f 不得高于入场 %.5f", sig.StopLoss, sig.EntryPrice)
		}
		if !long && sig.StopLoss <= sig.EntryPrice {
			return failf(ReasonStopWrongSide, "做空止损 %.5f 不得低于入场 %.5f", sig.StopLoss, sig.EntryPrice)
		}
		if long && sig.TakeProfit <= sig.EntryPrice {
			return failf(ReasonTargetWrongSide, "做多止盈 %.5f 不得低于入场 %.5f", sig.TakeProfit, sig.EntryPrice)
		}
		if !long && sig.TakeProfit >= sig.EntryPrice {
			return failf(ReasonTargetWrongSide, "做空止盈 %.5f 不得高于入场 %.5f", sig.TakeProfit, sig.EntryPrice)
		}
		return nil
	}
	// 未给入场价时只能校验止损/止盈的相对关系。
	if long && sig.StopLoss >= sig.TakeProfit {
		return failf(ReasonStopWrongSide, "做多要求 止损 < 止盈")
	}
	if !long && sig.StopLoss <= sig.TakeProfit {
		return failf(ReasonStopWrongSide, "做空要求 止损 > 止盈")
	}
	return nil
}

func mapDirection(raw string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long", "open_long":
		return DirectionLong, true
	case "sell", "short", "open_short":
		return DirectionShort, true
	default:
		return "", false
	}
}

// deriveConfidence scores field completeness. A model-stated confidence wins
// when present (normalized to 0..1), otherwise: 0.5 base, structured JSON
// +0.2, explicit instrument +0.1, entry price +0.1, stated risk +0.1.
func deriveConfidence(d draft, explicitInstrument bool) float64 {
	if d.confidence.present {
		c := d.confidence.val
		if c > 1 {
			c /= 100
		}
		return clamp01(c)
	}
	c := 0.5
	if d.fromJSON {
		c += 0.2
	}
	if explicitInstrument {
		c += 0.1
	}
	if d.entry.present {
		c += 0.1
	}
	if d.riskPct.present {
		c += 0.1
	}
	return clamp01(c)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
