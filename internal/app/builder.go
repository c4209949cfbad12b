package app

import (
	"context"
	"time"

	"sigil/internal/broker"
	scfg "sigil/internal/config"
	"sigil/internal/executor"
	"sigil/internal/instrument"
	"sigil/internal/ledger"
	"sigil/internal/listener/telegram"
	"sigil/internal/notifier"
	"sigil/internal/risk"
	"sigil/internal/signal"
	adminhttp "sigil/internal/transport/http/admin"
	"sigil/internal/vision"
)

// AppBuilder 逐层装配依赖；brokerFn/extractorFn 可在测试里替换为桩。
type AppBuilder struct {
	cfg         *scfg.Config
	brokerFn    func(scfg.BrokerConfig) (broker.Broker, error)
	extractorFn func(scfg.AIConfig) executor.Extractor
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *scfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:         cfg,
		brokerFn:    buildBroker,
		extractorFn: buildExtractor,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithBroker 替换券商构造（测试用）。
func WithBroker(fn func(scfg.BrokerConfig) (broker.Broker, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.brokerFn = fn }
}

// WithExtractor 替换视觉模型客户端（测试用）。
func WithExtractor(fn func(scfg.AIConfig) executor.Extractor) AppBuilderOption {
	return func(b *AppBuilder) { b.extractorFn = fn }
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	cfg := b.cfg

	registry, err := instrument.NewRegistry(cfg.Instruments.Path)
	if err != nil {
		return nil, err
	}

	store, err := ledger.NewStore(cfg.Execution.LedgerPath)
	if err != nil {
		return nil, err
	}
	audit, err := ledger.NewAuditLog(cfg.Execution.AuditPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	venue, err := b.brokerFn(cfg.Broker)
	if err != nil {
		store.Close()
		audit.Close()
		return nil, err
	}

	var notify executor.Notifier
	if cfg.Notify.Telegram.Enabled {
		notify = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
	}

	allowed := make(map[string]bool)
	for _, sym := range cfg.Risk.AllowedInstruments {
		allowed[sym] = true
	}
	if len(allowed) == 0 {
		allowed = nil // 未配置白名单时由品种注册表兜底
	}
	riskCfg := risk.Config{
		MaxPositionSize:        cfg.Risk.MaxPositionSize,
		MaxConcurrentPositions: cfg.Risk.MaxConcurrentPositions,
		MaxRiskPerTradePct:     cfg.Risk.MaxRiskPerTradePct,
		MinConfidence:          cfg.Risk.MinConfidence,
		MinRiskReward:          cfg.Risk.MinRiskReward,
		CooldownPerInstrument:  time.Duration(cfg.Risk.CooldownSeconds) * time.Second,
		AllowedInstruments:     allowed,
	}

	coord := executor.NewCoordinator(executor.Config{
		MaxConcurrent:     cfg.Execution.MaxConcurrent,
		SubmitTimeoutSec:  cfg.Execution.SubmitTimeoutSeconds,
		ExtractTimeoutSec: cfg.AI.TimeoutSeconds,
		BrokerRPS:         cfg.Execution.BrokerRPS,
		Retry: executor.RetryPolicy{
			MaxAttempts: cfg.Execution.RetryMaxAttempts,
			BaseDelay:   time.Duration(cfg.Execution.RetryBaseMS) * time.Millisecond,
			JitterFrac:  0.2,
		},
		Risk: riskCfg,
	}, signal.NewParser(cfg.AI.DefaultInstrument), registry, store, audit, venue, b.extractorFn(cfg.AI), notify)

	reconciler := executor.NewReconciler(store, audit, venue, notify)
	reconciler.Interval = time.Duration(cfg.Execution.ReconcileIntervalSeconds) * time.Second
	reconciler.ConfirmWait = time.Duration(cfg.Execution.ConfirmWaitSeconds) * time.Second

	listener, err := telegram.NewListener(telegram.Config{
		BotToken:       cfg.Telegram.BotToken,
		ChannelIDs:     cfg.Telegram.ChannelIDs,
		PollTimeoutSec: cfg.Telegram.PollTimeoutSeconds,
	})
	if err != nil {
		store.Close()
		audit.Close()
		return nil, err
	}

	adminSrv, err := adminhttp.NewServer(adminhttp.ServerConfig{
		Addr:     cfg.App.HTTPAddr,
		Store:    store,
		Audit:    audit,
		Registry: registry,
	})
	if err != nil {
		store.Close()
		audit.Close()
		return nil, err
	}

	return &App{
		cfg:        cfg,
		listener:   listener,
		coord:      coord,
		reconciler: reconciler,
		adminHTTP:  adminSrv,
		registry:   registry,
		store:      store,
		audit:      audit,
		Summary:    buildSummary(cfg, registry, venue),
	}, nil
}

func buildBroker(cfg scfg.BrokerConfig) (broker.Broker, error) {
	return broker.New(broker.Config{
		Name: cfg.Name,
		CTrader: broker.CTraderConfig{
			BaseURL:           cfg.CTrader.APIURL,
			AccessToken:       cfg.CTrader.AccessToken,
			AccountID:         cfg.CTrader.AccountID,
			TimeoutSeconds:    cfg.CTrader.TimeoutSeconds,
			RequestsPerSecond: cfg.CTrader.RequestsPerSecond,
		},
		Binance: broker.BinanceConfig{
			APIKey:    cfg.Binance.APIKey,
			SecretKey: cfg.Binance.SecretKey,
			Testnet:   cfg.Binance.Testnet,
		},
	})
}

func buildExtractor(cfg scfg.AIConfig) executor.Extractor {
	return &vision.Client{
		BaseURL:    cfg.APIURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.MaxRetries,
	}
}
