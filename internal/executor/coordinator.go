package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sigil/internal/broker"
	"sigil/internal/instrument"
	"sigil/internal/ledger"
	"sigil/internal/listener/telegram"
	"sigil/internal/logger"
	"sigil/internal/pkg/circuit"
	"sigil/internal/risk"
	"sigil/internal/signal"
	"sigil/internal/vision"
)

// 中文说明：
// 执行协调器：一条信号的完整状态机
//   图片 -> AI 抽取 -> 解析 -> 抢占(reserve) -> 风控 -> 提交(带重试) -> 确认
// 每个 sourceMessageId 是独立的串行任务；慢的不挡快的，
// 并发上限由信号量控制，券商调用再套一层限流 + 熔断。

// Extractor is the vision AI surface the coordinator needs.
type Extractor interface {
	Extract(ctx context.Context, prompt string, image []byte, mimeType string) (string, error)
}

// Notifier pushes execution outcomes; nil-safe.
type Notifier interface {
	Enabled() bool
	NotifyOutcome(rec ledger.ExecutionRecord) error
}

// Config bounds the coordinator's concurrency and waits.
type Config struct {
	MaxConcurrent     int
	SubmitTimeoutSec  int
	ExtractTimeoutSec int
	BrokerRPS         float64
	Retry             RetryPolicy
	Risk              risk.Config
}

// Coordinator drives candidate signals to a terminal execution state.
type Coordinator struct {
	cfg      Config
	parser   *signal.Parser
	registry *instrument.Registry
	store    *ledger.Store
	audit    *ledger.AuditLog
	venue    broker.Broker
	ai       Extractor
	notify   Notifier
	breaker  *circuit.Breaker
	limiter  *rate.Limiter
	sem      chan struct{}
	inflight sync.WaitGroup
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewCoordinator wires the pipeline together.
func NewCoordinator(cfg Config, parser *signal.Parser, registry *instrument.Registry,
	store *ledger.Store, audit *ledger.AuditLog, venue broker.Broker, ai Extractor, notify Notifier) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.SubmitTimeoutSec <= 0 {
		cfg.SubmitTimeoutSec = 30
	}
	if cfg.ExtractTimeoutSec <= 0 {
		cfg.ExtractTimeoutSec = 90
	}
	rps := cfg.BrokerRPS
	if rps <= 0 {
		rps = 5
	}
	cfg.Retry = cfg.Retry.normalized()
	return &Coordinator{
		cfg:      cfg,
		parser:   parser,
		registry: registry,
		store:    store,
		audit:    audit,
		venue:    venue,
		ai:       ai,
		notify:   notify,
		breaker:  circuit.NewBreaker("broker", 5, 30*time.Second),
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// HandlePhoto is the listener entry point. It blocks only while acquiring a
// worker slot, then runs the pipeline on its own goroutine: 每条信号是独立
// 串行任务，一条信号的重试风暴不能挡住后续信号的摄入。
func (c *Coordinator) HandlePhoto(ctx context.Context, p telegram.Photo) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer func() { <-c.sem }()
		c.process(ctx, p)
	}()
}

// Wait blocks until every dispatched pipeline has returned. Called on
// shutdown so the stores are not closed under an in-flight pipeline.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

func (c *Coordinator) process(ctx context.Context, p telegram.Photo) {
	det := p.Detection

	// 1. AI 抽取原始文本
	if det.RawModelOutput == "" {
		extractCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.ExtractTimeoutSec)*time.Second)
		raw, err := c.ai.Extract(extractCtx, vision.BuildPrompt(det.Caption), p.Image, p.MimeType)
		cancel()
		if err != nil {
			logger.Errorf("信号 %s: AI 不可用，放弃处理: %v", det.SourceMessageID, err)
			return
		}
		det.RawModelOutput = raw
	}

	// 2. 解析。解析失败不建台账，只记日志。
	sig, err := c.parser.Parse(det)
	if err != nil {
		logger.Warnf("信号 %s: 解析失败: %v", det.SourceMessageID, err)
		return
	}

	// 3. 抢占：唯一索引保证同一条消息只会有一个执行者。
	raw, _ := json.Marshal(sig)
	rec, reserved, err := c.store.Reserve(ctx, ledger.ExecutionRecord{
		SourceMessageID: det.SourceMessageID,
		ChannelID:       det.ChannelID,
		Instrument:      sig.Instrument,
		Direction:       string(sig.Direction),
		EntryPrice:      sig.EntryPrice,
		StopLoss:        sig.StopLoss,
		TakeProfit:      sig.TakeProfit,
		RawSignal:       raw,
	})
	if err != nil {
		logger.Errorf("信号 %s: reserve 失败: %v", det.SourceMessageID, err)
		return
	}
	if !reserved {
		logger.Infof("信号 %s: 重复投递，已有记录 status=%s，跳过", det.SourceMessageID, rec.Status)
		return
	}
	c.auditTransition(ctx, rec, "", ledger.StatusPending, 0, "reserved", "")

	// 4. 风控
	equity, err := c.venue.AccountEquity(ctx)
	if err != nil {
		c.terminate(ctx, rec, ledger.StatusFailed, "account_state_unavailable", err.Error(), 0)
		return
	}
	decision := c.validate(ctx, sig, equity)
	if !decision.Approved {
		c.terminate(ctx, rec, ledger.StatusRejected, decision.Reason, decision.Detail, 0)
		return
	}
	rec.Size = decision.Size

	// 5. 提交（带重试）
	c.submit(ctx, rec, sig, decision.Size)
}

// validate assembles account state and runs the rule chain.
func (c *Coordinator) validate(ctx context.Context, sig signal.CandidateSignal, equity float64) risk.Decision {
	snap := c.registry.Snapshot()
	def, found := snap.Lookup(sig.Instrument)
	cfg := c.cfg.Risk
	allowed := make(map[string]bool, len(cfg.AllowedInstruments))
	if cfg.AllowedInstruments == nil {
		// 未显式配置 allow-list 时，以品种注册表为准
		for _, s := range snap.Symbols() {
			allowed[s] = true
		}
	} else {
		for k, v := range cfg.AllowedInstruments {
			allowed[k] = v
		}
	}
	if !found || !def.IsEnabled() {
		allowed[sig.Instrument] = false
	}
	cfg.AllowedInstruments = allowed

	// 手数约束以券商实时元数据为准，查询失败时回退到注册表里的静态约束。
	lot := risk.LotRule{MinLot: def.MinLot, LotStep: def.LotStep}
	if meta, merr := c.venue.InstrumentMeta(ctx, sig.Instrument); merr == nil {
		if meta.MinLot > 0 {
			lot.MinLot = meta.MinLot
		}
		if meta.LotStep > 0 {
			lot.LotStep = meta.LotStep
		}
	} else {
		logger.Warnf("查询 %s 的券商手数约束失败，使用注册表约束: %v", sig.Instrument, merr)
	}

	open, err := c.store.CountOpen(ctx)
	if err != nil {
		logger.Errorf("统计持仓失败: %v", err)
		open = 0
	}
	approvals, err := c.store.LastApprovals(ctx)
	if err != nil {
		logger.Errorf("查询最近批准时间失败: %v", err)
	}
	acct := risk.AccountState{
		Equity:        equity,
		OpenPositions: open,
		LastApproval:  approvals,
		AsOf:          time.Now(),
	}
	return risk.Validate(sig, acct, cfg, lot)
}

// submit drives reserved -> submitted with bounded retries. Only transient
// broker errors are retried; definitive rejections go straight to rejected.
func (c *Coordinator) submit(ctx context.Context, rec ledger.ExecutionRecord, sig signal.CandidateSignal, size float64) {
	req := broker.OrderRequest{
		Instrument: sig.Instrument,
		Direction:  string(sig.Direction),
		Size:       size,
		EntryPrice: sig.EntryPrice,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		ClientRef:  rec.IdempotencyKey,
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		// 外呼之前先落审计，崩溃后能知道第几次尝试可能已出门。
		c.auditTransition(ctx, rec, string(ledger.StatusPending), ledger.StatusSubmitted, attempt, "submit_attempt", "")

		res, err := c.placeOnce(ctx, req)
		if err == nil {
			orderID := res.BrokerOrderID
			a := attempt
			updated, cerr := c.store.Commit(ctx, rec.IdempotencyKey, ledger.CommitUpdate{
				Status:        ledger.StatusSubmitted,
				BrokerOrderID: &orderID,
				Attempts:      &a,
				Size:          &size,
			})
			if cerr != nil {
				logger.Errorf("信号 %s: 提交后写台账失败: %v", rec.SourceMessageID, cerr)
				return
			}
			logger.Infof("信号 %s: 已提交 broker=%s orderId=%s attempt=%d", rec.SourceMessageID, c.venue.Name(), orderID, attempt)
			c.sendNotice(updated)
			return
		}
		lastErr = err

		if broker.IsDefinitive(err) {
			c.terminate(ctx, rec, ledger.StatusRejected, "broker", err.Error(), attempt)
			return
		}
		logger.Warnf("信号 %s: 提交第 %d 次失败（可重试）: %v", rec.SourceMessageID, attempt, err)
		if rerr := c.store.RecordAttempt(ctx, rec.IdempotencyKey, attempt, err.Error()); rerr != nil {
			logger.Errorf("信号 %s: 持久化尝试次数失败: %v", rec.SourceMessageID, rerr)
		}
		if attempt < c.cfg.Retry.MaxAttempts {
			if serr := c.sleep(ctx, c.cfg.Retry.Delay(attempt)); serr != nil {
				// 停机：保持 pending，不标失败，重启后可人工处理
				logger.Warnf("信号 %s: 停机中断重试，保持现状", rec.SourceMessageID)
				return
			}
		}
	}
	detail := ""
	if lastErr != nil {
		detail = lastErr.Error()
	}
	c.terminate(ctx, rec, ledger.StatusFailed, "retries_exhausted", detail, c.cfg.Retry.MaxAttempts)
}

// placeOnce runs one guarded broker call: circuit breaker, rate limit, timeout.
func (c *Coordinator) placeOnce(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if !c.breaker.Allow() {
		return broker.OrderResult{}, fmt.Errorf("broker 熔断中，跳过本次提交")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return broker.OrderResult{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.SubmitTimeoutSec)*time.Second)
	defer cancel()
	res, err := c.venue.PlaceOrder(callCtx, req)
	if err != nil {
		if !broker.IsDefinitive(err) {
			c.breaker.RecordFailure()
		}
		return broker.OrderResult{}, err
	}
	c.breaker.RecordSuccess()
	return res, nil
}

// terminate commits a terminal status and pushes the outcome.
func (c *Coordinator) terminate(ctx context.Context, rec ledger.ExecutionRecord, status ledger.Status, reason, detail string, attempts int) {
	c.auditTransition(ctx, rec, string(rec.Status), status, attempts, reason, detail)
	upd := ledger.CommitUpdate{Status: status, Reason: &reason}
	if detail != "" {
		upd.LastError = &detail
	}
	if attempts > 0 {
		upd.Attempts = &attempts
	}
	updated, err := c.store.Commit(ctx, rec.IdempotencyKey, upd)
	if err != nil {
		logger.Errorf("信号 %s: 写终态 %s 失败: %v", rec.SourceMessageID, status, err)
		return
	}
	logger.Infof("信号 %s: 终态 %s reason=%s %s", rec.SourceMessageID, status, reason, detail)
	c.sendNotice(updated)
}

func (c *Coordinator) auditTransition(ctx context.Context, rec ledger.ExecutionRecord, from string, to ledger.Status, attempt int, reason, detail string) {
	if c.audit == nil {
		return
	}
	err := c.audit.Append(ctx, ledger.Transition{
		IdempotencyKey: rec.IdempotencyKey,
		SourceMsgID:    rec.SourceMessageID,
		Instrument:     rec.Instrument,
		From:           from,
		To:             string(to),
		Attempt:        attempt,
		Reason:         reason,
		Detail:         detail,
	})
	if err != nil {
		logger.Errorf("审计写入失败 (key=%s): %v", rec.IdempotencyKey, err)
	}
}

func (c *Coordinator) sendNotice(rec ledger.ExecutionRecord) {
	if c.notify == nil || !c.notify.Enabled() {
		return
	}
	if err := c.notify.NotifyOutcome(rec); err != nil {
		logger.Warnf("通知发送失败 (key=%s): %v", rec.IdempotencyKey, err)
	}
}
