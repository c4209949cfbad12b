package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Telegram.validate(); err != nil {
		return err
	}
	if err := c.AI.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (t *TelegramConfig) validate() error {
	if strings.TrimSpace(t.BotToken) == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	return nil
}

func (a *AIConfig) validate() error {
	if strings.TrimSpace(a.Model) == "" {
		return fmt.Errorf("ai.model is required")
	}
	if strings.TrimSpace(a.APIKey) == "" {
		return fmt.Errorf("ai.api_key is required")
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(b.Name)) {
	case "ctrader", "shiftc":
		if strings.TrimSpace(b.CTrader.AccessToken) == "" {
			return fmt.Errorf("broker.ctrader.access_token is required")
		}
		if strings.TrimSpace(b.CTrader.AccountID) == "" {
			return fmt.Errorf("broker.ctrader.account_id is required")
		}
	case "binance":
		if strings.TrimSpace(b.Binance.APIKey) == "" || strings.TrimSpace(b.Binance.SecretKey) == "" {
			return fmt.Errorf("broker.binance requires api_key and secret_key")
		}
	default:
		return fmt.Errorf("broker.name must be ctrader or binance (got %q)", b.Name)
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MaxRiskPerTradePct <= 0 || r.MaxRiskPerTradePct >= 1 {
		return fmt.Errorf("risk.max_risk_per_trade_pct must be in (0,1), e.g. 0.01 for 1%%")
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return fmt.Errorf("risk.min_confidence must be in [0,1]")
	}
	if r.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
			return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
		}
	}
	return nil
}
