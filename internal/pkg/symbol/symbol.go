// Package symbol normalizes instrument names across signal text and brokers.
//
// Signal channels write instruments loosely ("Gold", "BTC/USD", "eurusd");
// brokers want their own canonical spelling (cTrader "XAUUSD", Binance
// futures "BTCUSDT"). Everything internal uses the compact upper-case form.
package symbol

import "strings"

// aliases maps common channel slang to the canonical instrument.
var aliases = map[string]string{
	"GOLD":    "XAUUSD",
	"XAU":     "XAUUSD",
	"SILVER":  "XAGUSD",
	"XAG":     "XAGUSD",
	"BITCOIN": "BTCUSD",
	"BTC":     "BTCUSD",
	"ETHER":   "ETHUSD",
	"ETH":     "ETHUSD",
	"US30":    "US30",
	"NAS100":  "NAS100",
	"OIL":     "XTIUSD",
	"WTI":     "XTIUSD",
}

// Normalize returns the canonical instrument for a raw mention, or "" when
// the input cannot be an instrument at all.
func Normalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		// TradingView 风格前缀（OANDA:XAUUSD）
		s = s[idx+1:]
	}
	if canon, ok := aliases[s]; ok {
		return canon
	}
	if len(s) < 3 || len(s) > 10 {
		return ""
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return ""
		}
	}
	return s
}

// Binance converts a canonical instrument to Binance USD-M futures spelling.
// USD-quoted pairs trade against USDT there.
func Binance(canonical string) string {
	s := Normalize(canonical)
	if s == "" {
		return ""
	}
	if strings.HasSuffix(s, "USD") {
		return s + "T"
	}
	return s
}

// Base returns the base asset for a canonical USD-quoted pair ("XAUUSD" -> "XAU").
func Base(canonical string) string {
	s := Normalize(canonical)
	for _, quote := range []string{"USDT", "USD", "EUR", "GBP", "JPY"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)]
		}
	}
	return s
}
