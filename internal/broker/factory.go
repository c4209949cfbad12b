package broker

import (
	"fmt"
	"strings"
)

// Config selects and configures one broker backend.
type Config struct {
	Name    string
	CTrader CTraderConfig
	Binance BinanceConfig
}

// New constructs the broker named in cfg. "shiftc" is an alias for ctrader.
func New(cfg Config) (Broker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "", "ctrader", "shiftc":
		return NewCTrader(cfg.CTrader)
	case "binance":
		return NewBinance(cfg.Binance)
	default:
		return nil, fmt.Errorf("不支持的 broker: %s", cfg.Name)
	}
}
