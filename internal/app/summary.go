package app

import (
	"fmt"
	"strings"
	"time"

	"sigil/internal/broker"
	"sigil/internal/config"
	"sigil/internal/instrument"
)

type StartupSummary struct {
	Broker      BrokerSummary
	Channels    []string
	Vision      VisionSummary
	Instruments []string
	Risk        RiskSummary
	Execution   ExecutionSummary
}

type BrokerSummary struct {
	Name string
}

type VisionSummary struct {
	Model             string
	APIURL            string
	DefaultInstrument string
}

type RiskSummary struct {
	MaxPositionSize        float64
	MaxConcurrentPositions int
	MaxRiskPerTradePct     float64
	MinConfidence          float64
	MinRiskReward          float64
	Cooldown               time.Duration
}

type ExecutionSummary struct {
	MaxConcurrent    int
	RetryMaxAttempts int
	RetryBase        time.Duration
	ReconcileEvery   time.Duration
	ConfirmWait      time.Duration
}

func buildSummary(cfg *config.Config, registry *instrument.Registry, venue broker.Broker) *StartupSummary {
	return &StartupSummary{
		Broker:   BrokerSummary{Name: venue.Name()},
		Channels: cfg.Telegram.ChannelIDs,
		Vision: VisionSummary{
			Model:             cfg.AI.Model,
			APIURL:            cfg.AI.APIURL,
			DefaultInstrument: cfg.AI.DefaultInstrument,
		},
		Instruments: registry.Snapshot().Symbols(),
		Risk: RiskSummary{
			MaxPositionSize:        cfg.Risk.MaxPositionSize,
			MaxConcurrentPositions: cfg.Risk.MaxConcurrentPositions,
			MaxRiskPerTradePct:     cfg.Risk.MaxRiskPerTradePct,
			MinConfidence:          cfg.Risk.MinConfidence,
			MinRiskReward:          cfg.Risk.MinRiskReward,
			Cooldown:               time.Duration(cfg.Risk.CooldownSeconds) * time.Second,
		},
		Execution: ExecutionSummary{
			MaxConcurrent:    cfg.Execution.MaxConcurrent,
			RetryMaxAttempts: cfg.Execution.RetryMaxAttempts,
			RetryBase:        time.Duration(cfg.Execution.RetryBaseMS) * time.Millisecond,
			ReconcileEvery:   time.Duration(cfg.Execution.ReconcileIntervalSeconds) * time.Second,
			ConfirmWait:      time.Duration(cfg.Execution.ConfirmWaitSeconds) * time.Second,
		},
	}
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[信号源 (SIGNAL SOURCE)]")
	fmt.Printf("  监听频道: %s\n", formatList(s.Channels))
	fmt.Println()

	fmt.Println("[视觉模型 (VISION MODEL)]")
	fmt.Printf("  模型: %s\n", s.Vision.Model)
	fmt.Printf("  接入点: %s\n", s.Vision.APIURL)
	fmt.Printf("  默认品种: %s\n", s.Vision.DefaultInstrument)
	fmt.Println()

	fmt.Println("[券商 (BROKER)]")
	fmt.Printf("  通道: %s\n", s.Broker.Name)
	fmt.Println()

	fmt.Println("[可交易品种 (INSTRUMENTS)]")
	fmt.Printf("  白名单: %s\n", formatList(s.Instruments))
	fmt.Println()

	fmt.Println("[风控 (RISK LIMITS)]")
	fmt.Printf("  单笔最大手数: %.2f\n", s.Risk.MaxPositionSize)
	fmt.Printf("  最大并发持仓: %d\n", s.Risk.MaxConcurrentPositions)
	fmt.Printf("  单笔风险上限: %.2f%%\n", s.Risk.MaxRiskPerTradePct*100)
	fmt.Printf("  置信度下限: %.2f\n", s.Risk.MinConfidence)
	if s.Risk.MinRiskReward > 0 {
		fmt.Printf("  盈亏比下限: %.2f\n", s.Risk.MinRiskReward)
	}
	fmt.Printf("  同品种冷却: %s\n", s.Risk.Cooldown)
	fmt.Println()

	fmt.Println("[执行 (EXECUTION)]")
	fmt.Printf("  并发流水线: %d\n", s.Execution.MaxConcurrent)
	fmt.Printf("  重试策略: %d 次, 基准间隔 %s\n", s.Execution.RetryMaxAttempts, s.Execution.RetryBase)
	fmt.Printf("  对账周期: %s (确认等待 %s)\n", s.Execution.ReconcileEvery, s.Execution.ConfirmWait)
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
