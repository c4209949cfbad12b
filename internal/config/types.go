package config

import "strings"

// Config 是 Sigil 的主配置载体。
type Config struct {
	App         AppConfig         `toml:"app"`
	Telegram    TelegramConfig    `toml:"telegram"`
	AI          AIConfig          `toml:"ai"`
	Broker      BrokerConfig      `toml:"broker"`
	Risk        RiskConfig        `toml:"risk"`
	Execution   ExecutionConfig   `toml:"execution"`
	Instruments InstrumentsConfig `toml:"instruments"`
	Notify      NotifyConfig      `toml:"notify"`
}

type AppConfig struct {
	Env              string `toml:"env"`
	LogLevel         string `toml:"log_level"`
	HTTPAddr         string `toml:"http_addr"`
	LogPath          string `toml:"log_path"`
	VisionLogPath    string `toml:"vision_log_path"`
	VisionDumpImages bool   `toml:"vision_dump_images"`
}

// TelegramConfig 是信号源频道的监听配置。
type TelegramConfig struct {
	BotToken           string   `toml:"bot_token"`
	ChannelIDs         []string `toml:"channel_ids"`
	PollTimeoutSeconds int      `toml:"poll_timeout_seconds"`
}

// AIConfig 指向兼容 OpenAI 聊天补全协议的视觉模型。
type AIConfig struct {
	APIURL            string `toml:"api_url"`
	APIKey            string `toml:"api_key"`
	Model             string `toml:"model"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	MaxRetries        int    `toml:"max_retries"`
	DefaultInstrument string `toml:"default_instrument"`
}

type BrokerConfig struct {
	Name    string         `toml:"name"`
	CTrader CTraderConfig  `toml:"ctrader"`
	Binance BinanceBConfig `toml:"binance"`
}

type CTraderConfig struct {
	APIURL            string  `toml:"api_url"`
	AccessToken       string  `toml:"access_token"`
	AccountID         string  `toml:"account_id"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

type BinanceBConfig struct {
	APIKey    string `toml:"api_key"`
	SecretKey string `toml:"secret_key"`
	Testnet   bool   `toml:"testnet"`
}

// RiskConfig 是风控规则，AllowedInstruments 为空时以品种注册表为准。
type RiskConfig struct {
	MaxPositionSize        float64  `toml:"max_position_size"`
	MaxConcurrentPositions int      `toml:"max_concurrent_positions"`
	MaxRiskPerTradePct     float64  `toml:"max_risk_per_trade_pct"`
	MinConfidence          float64  `toml:"min_confidence"`
	MinRiskReward          float64  `toml:"min_risk_reward"`
	CooldownSeconds        int      `toml:"cooldown_seconds"`
	AllowedInstruments     []string `toml:"allowed_instruments"`
}

type ExecutionConfig struct {
	LedgerPath               string  `toml:"ledger_path"`
	AuditPath                string  `toml:"audit_path"`
	MaxConcurrent            int     `toml:"max_concurrent"`
	SubmitTimeoutSeconds     int     `toml:"submit_timeout_seconds"`
	BrokerRPS                float64 `toml:"broker_rps"`
	RetryMaxAttempts         int     `toml:"retry_max_attempts"`
	RetryBaseMS              int     `toml:"retry_base_ms"`
	ReconcileIntervalSeconds int     `toml:"reconcile_interval_seconds"`
	ConfirmWaitSeconds       int     `toml:"confirm_wait_seconds"`
}

type InstrumentsConfig struct {
	Path string `toml:"path"`
}

type NotifyConfig struct {
	Telegram NotifyTelegramConfig `toml:"telegram"`
}

type NotifyTelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
