package config

import "strings"

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":9985"
	defaultAppLogPath        = "/data/logs/sigil.log"
	defaultAppVisionLogPath  = "/data/logs/sigil-vision.log"
	defaultTelegramPoll      = 30
	defaultAIURL             = "https://api.openai.com/v1"
	defaultAIModel           = "gpt-4o-mini"
	defaultAITimeout         = 90
	defaultAIRetries         = 2
	defaultBrokerName        = "ctrader"
	defaultCTraderURL        = "https://openapi.ctrader.com"
	defaultCTraderTimeout    = 15
	defaultCTraderRPS        = 5
	defaultRiskMaxPosition   = 1.0
	defaultRiskMaxConcurrent = 3
	defaultRiskMaxPct        = 0.01
	defaultRiskMinConf       = 0.5
	defaultRiskCooldown      = 180
	defaultLedgerPath        = "/data/db/executions.db"
	defaultAuditPath         = "/data/db/audit.db"
	defaultExecConcurrent    = 4
	defaultExecSubmitTimeout = 30
	defaultExecBrokerRPS     = 5
	defaultExecRetryAttempts = 5
	defaultExecRetryBaseMS   = 1000
	defaultExecReconcileSec  = 30
	defaultExecConfirmWait   = 600
	defaultInstrumentsPath   = "configs/instruments.yaml"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Telegram.applyDefaults(keys)
	c.AI.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.Instruments.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.vision_log_path", &a.VisionLogPath, defaultAppVisionLogPath),
	)
}

func (t *TelegramConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("telegram.poll_timeout_seconds", &t.PollTimeoutSeconds, defaultTelegramPoll),
	)
}

func (a *AIConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("ai.api_url", &a.APIURL, defaultAIURL),
		stringFieldDefault("ai.model", &a.Model, defaultAIModel),
		intFieldDefault("ai.timeout_seconds", &a.TimeoutSeconds, defaultAITimeout),
		intFieldDefault("ai.max_retries", &a.MaxRetries, defaultAIRetries),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("broker.name", &b.Name, defaultBrokerName),
		stringFieldDefault("broker.ctrader.api_url", &b.CTrader.APIURL, defaultCTraderURL),
		intFieldDefault("broker.ctrader.timeout_seconds", &b.CTrader.TimeoutSeconds, defaultCTraderTimeout),
		floatFieldDefault("broker.ctrader.requests_per_second", &b.CTrader.RequestsPerSecond, defaultCTraderRPS),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.max_position_size", &r.MaxPositionSize, defaultRiskMaxPosition),
		intFieldDefault("risk.max_concurrent_positions", &r.MaxConcurrentPositions, defaultRiskMaxConcurrent),
		floatFieldDefault("risk.max_risk_per_trade_pct", &r.MaxRiskPerTradePct, defaultRiskMaxPct),
		floatFieldDefault("risk.min_confidence", &r.MinConfidence, defaultRiskMinConf),
		intFieldDefault("risk.cooldown_seconds", &r.CooldownSeconds, defaultRiskCooldown),
	)
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("execution.ledger_path", &e.LedgerPath, defaultLedgerPath),
		stringFieldDefault("execution.audit_path", &e.AuditPath, defaultAuditPath),
		intFieldDefault("execution.max_concurrent", &e.MaxConcurrent, defaultExecConcurrent),
		intFieldDefault("execution.submit_timeout_seconds", &e.SubmitTimeoutSeconds, defaultExecSubmitTimeout),
		floatFieldDefault("execution.broker_rps", &e.BrokerRPS, defaultExecBrokerRPS),
		intFieldDefault("execution.retry_max_attempts", &e.RetryMaxAttempts, defaultExecRetryAttempts),
		intFieldDefault("execution.retry_base_ms", &e.RetryBaseMS, defaultExecRetryBaseMS),
		intFieldDefault("execution.reconcile_interval_seconds", &e.ReconcileIntervalSeconds, defaultExecReconcileSec),
		intFieldDefault("execution.confirm_wait_seconds", &e.ConfirmWaitSeconds, defaultExecConfirmWait),
	)
}

func (i *InstrumentsConfig) applyDefaults(keys keySet) {
	if i == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("instruments.path", &i.Path, defaultInstrumentsPath),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
