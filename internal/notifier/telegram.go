package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sigil/internal/ledger"
)

// 中文说明：
// Telegram 通知器：执行结果（下单成功/拒绝/失败）推送到运营群。
// 通知失败只记日志，绝不影响执行主流程。

type Telegram struct {
	BotToken string
	ChatID   string
	Client   *http.Client
	// BaseURL overrides api.telegram.org, for testing.
	BaseURL string
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{BotToken: botToken, ChatID: chatID, Client: &http.Client{Timeout: 15 * time.Second}}
}

// Enabled reports whether the notifier is configured.
func (t *Telegram) Enabled() bool {
	return t != nil && t.BotToken != "" && t.ChatID != ""
}

// SendText 发送文本消息（带最多 3 次重试）
func (t *Telegram) SendText(text string) error {
	if !t.Enabled() {
		return fmt.Errorf("telegram 通知配置不完整")
	}
	base := t.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)

	payload := map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, _ := json.Marshal(payload)

	var lastErr error
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest("POST", url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.Client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		lastErr = fmt.Errorf("telegram status=%d", resp.StatusCode)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	return lastErr
}

// NotifyOutcome formats one terminal (or submitted) execution record.
func (t *Telegram) NotifyOutcome(rec ledger.ExecutionRecord) error {
	return t.SendText(FormatOutcome(rec))
}

// FormatOutcome renders the record as a Markdown message.
func FormatOutcome(rec ledger.ExecutionRecord) string {
	var b strings.Builder
	switch rec.Status {
	case ledger.StatusSubmitted:
		b.WriteString("📨 *订单已提交*\n")
	case ledger.StatusConfirmed:
		b.WriteString("✅ *订单已确认*\n")
	case ledger.StatusRejected:
		b.WriteString("🚫 *信号被拒绝*\n")
	case ledger.StatusFailed:
		b.WriteString("❌ *下单失败*\n")
	default:
		b.WriteString("ℹ️ *执行状态更新*\n")
	}
	fmt.Fprintf(&b, "品种: `%s`  方向: `%s`\n", rec.Instrument, rec.Direction)
	if rec.Size > 0 {
		fmt.Fprintf(&b, "手数: `%.2f`\n", rec.Size)
	}
	if rec.StopLoss > 0 || rec.TakeProfit > 0 {
		fmt.Fprintf(&b, "SL: `%.5g`  TP: `%.5g`\n", rec.StopLoss, rec.TakeProfit)
	}
	if rec.BrokerOrderID != "" {
		fmt.Fprintf(&b, "订单号: `%s`\n", rec.BrokerOrderID)
	}
	if rec.Reason != "" {
		fmt.Fprintf(&b, "原因: %s\n", rec.Reason)
	}
	if rec.LastError != "" {
		fmt.Fprintf(&b, "错误: %s\n", rec.LastError)
	}
	fmt.Fprintf(&b, "消息: %s", rec.SourceMessageID)
	return b.String()
}
