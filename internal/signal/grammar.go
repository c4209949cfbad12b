package signal

import (
	"regexp"
	"strings"

	"sigil/internal/pkg/convert"
)

// 中文说明：
// 文本兜底语法：模型没给 JSON 时，按「带标签字段」的宽松写法抽取。
// 支持同义标签（sl/stop loss、tp/take profit/target）、货币符号与千分位。

var (
	buyRe    = regexp.MustCompile(`\b(?:BUY|LONG)\b`)
	sellRe   = regexp.MustCompile(`\b(?:SELL|SHORT)\b`)
	symbolRe = regexp.MustCompile(`(?i)(?:symbol|pair|asset|instrument)[:\s]+([A-Za-z0-9/:\-_]{3,12})`)
	riskRe   = regexp.MustCompile(`(?i)\brisk[:\s]*([0-9]+(?:\.[0-9]+)?)\s*%?`)
	slRe     = regexp.MustCompile(`(?i)(?:stop[\s-]*loss|\bsl\b)[:\s@]*[$€£]?([0-9][0-9,]*(?:\.[0-9]+)?)`)
	tpRe     = regexp.MustCompile(`(?i)(?:take[\s-]*profit|target|\btp\b)[:\s@]*[$€£]?([0-9][0-9,]*(?:\.[0-9]+)?)`)
	entryRe  = regexp.MustCompile(`(?i)(?:entry(?:\s*price)?|enter)[:\s@]*[$€£]?([0-9][0-9,]*(?:\.[0-9]+)?)`)
	bareRe   = regexp.MustCompile(`\b([A-Z]{3}(?:USDT|USD|JPY|GBP|EUR|CHF|CAD|AUD|NZD))\b`)
)

// aliasWords are instrument mentions worth scanning for when no labeled
// symbol field exists ("Gold chart, BUY now").
var aliasWords = []string{"GOLD", "SILVER", "BITCOIN", "OIL", "US30", "NAS100"}

func parseText(raw string) draft {
	var d draft
	upper := strings.ToUpper(raw)

	buy := buyRe.MatchString(upper)
	sell := sellRe.MatchString(upper)
	switch {
	case buy && sell:
		d.ambiguous = true
	case buy:
		d.directionRaw = "buy"
	case sell:
		d.directionRaw = "sell"
	}

	if m := symbolRe.FindStringSubmatch(raw); m != nil {
		d.instrumentRaw = m[1]
	} else if m := bareRe.FindStringSubmatch(upper); m != nil {
		d.instrumentRaw = m[1]
	} else {
		for _, word := range aliasWords {
			if strings.Contains(upper, word) {
				d.instrumentRaw = word
				break
			}
		}
	}

	setFromMatch(&d.entry, entryRe, raw)
	setFromMatch(&d.stopLoss, slRe, raw)
	setFromMatch(&d.takeProfit, tpRe, raw)
	setFromMatch(&d.riskPct, riskRe, raw)
	return d
}

func setFromMatch(f *numField, re *regexp.Regexp, raw string) {
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return
	}
	f.present = true
	v, ok := convert.ParsePrice(m[1])
	if !ok {
		f.bad = true
		return
	}
	f.val = v
}
