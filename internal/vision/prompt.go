package vision

import (
	"fmt"
	"strings"
)

// extractionPrompt asks the model for a strict JSON object so the downstream
// parser can take the fast path. The text fallback fields are still listed
// because weaker models ignore the JSON instruction.
const extractionPrompt = `Analyze this trading signal image and extract:
1. Action: BUY or SELL
2. Instrument / symbol (e.g. XAUUSD, EURUSD)
3. Entry price (if shown)
4. Stop Loss price
5. Take Profit price
6. Risk percentage (if shown)

Respond with a single JSON object, for example:
{"action":"BUY","symbol":"XAUUSD","entry":2350.0,"stop_loss":2340.0,"take_profit":2380.0,"risk_percent":2.0,"confidence":0.9}

Use null for values not visible in the image. Do not add commentary.`

// BuildPrompt appends the channel caption, which often carries the symbol or
// risk annotation the chart itself omits.
func BuildPrompt(caption string) string {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return extractionPrompt
	}
	return fmt.Sprintf("%s\n\nCaption: %s", extractionPrompt, caption)
}
