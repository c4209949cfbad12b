package executor

import (
	"context"
	"time"

	"sigil/internal/broker"
	"sigil/internal/ledger"
	"sigil/internal/logger"
)

// Reconciler sweeps submitted-but-unconfirmed records against the broker's
// authoritative order state. It never re-submits: a record stuck past the
// confirmation window goes to failed(reason=timeout) for manual resolution,
// 重复下单的风险远大于漏单。
type Reconciler struct {
	store  *ledger.Store
	audit  *ledger.AuditLog
	venue  broker.Broker
	notify Notifier

	Interval    time.Duration
	ConfirmWait time.Duration
}

// NewReconciler builds the sweep loop with sane defaults.
func NewReconciler(store *ledger.Store, audit *ledger.AuditLog, venue broker.Broker, notify Notifier) *Reconciler {
	return &Reconciler{
		store:       store,
		audit:       audit,
		venue:       venue,
		notify:      notify,
		Interval:    30 * time.Second,
		ConfirmWait: 10 * time.Minute,
	}
}

// Run blocks, sweeping until ctx is cancelled. A sweep also runs immediately
// at startup so records left submitted by a crash are reconciled first thing.
func (r *Reconciler) Run(ctx context.Context) error {
	r.Sweep(ctx)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep resolves every submitted record once.
func (r *Reconciler) Sweep(ctx context.Context) {
	records, err := r.store.ListByStatus(ctx, ledger.StatusSubmitted)
	if err != nil {
		logger.Errorf("对账: 查询 submitted 记录失败: %v", err)
		return
	}
	for _, rec := range records {
		r.resolve(ctx, rec)
	}
}

func (r *Reconciler) resolve(ctx context.Context, rec ledger.ExecutionRecord) {
	if rec.BrokerOrderID == "" {
		// 提交回执丢失：不知道券商那边有没有单，只能人工对账。
		r.escalate(ctx, rec, "submitted record missing broker order id")
		return
	}
	state, err := r.venue.OrderStatus(ctx, rec.BrokerOrderID)
	if err != nil {
		logger.Warnf("对账: 查询订单 %s 状态失败: %v", rec.BrokerOrderID, err)
		if r.expired(rec) {
			r.escalate(ctx, rec, "confirmation window elapsed, status query failing: "+err.Error())
		}
		return
	}
	switch state {
	case broker.OrderFilled:
		r.commit(ctx, rec, ledger.StatusConfirmed, "filled", "")
	case broker.OrderRejected:
		r.commit(ctx, rec, ledger.StatusFailed, "broker_rejected_after_submit", "")
	case broker.OrderWorking:
		if r.expired(rec) {
			r.escalate(ctx, rec, "order still working past confirmation window")
		}
	default:
		if r.expired(rec) {
			r.escalate(ctx, rec, "order state unknown past confirmation window")
		}
	}
}

func (r *Reconciler) expired(rec ledger.ExecutionRecord) bool {
	return time.Since(rec.UpdatedAt) > r.ConfirmWait
}

func (r *Reconciler) escalate(ctx context.Context, rec ledger.ExecutionRecord, detail string) {
	r.commit(ctx, rec, ledger.StatusFailed, "timeout", detail)
}

func (r *Reconciler) commit(ctx context.Context, rec ledger.ExecutionRecord, status ledger.Status, reason, detail string) {
	if r.audit != nil {
		_ = r.audit.Append(ctx, ledger.Transition{
			IdempotencyKey: rec.IdempotencyKey,
			SourceMsgID:    rec.SourceMessageID,
			Instrument:     rec.Instrument,
			From:           string(rec.Status),
			To:             string(status),
			Reason:         reason,
			Detail:         detail,
		})
	}
	upd := ledger.CommitUpdate{Status: status, Reason: &reason}
	if detail != "" {
		upd.LastError = &detail
	}
	updated, err := r.store.Commit(ctx, rec.IdempotencyKey, upd)
	if err != nil {
		logger.Errorf("对账: 写状态 %s 失败 (key=%s): %v", status, rec.IdempotencyKey, err)
		return
	}
	logger.Infof("对账: %s -> %s (order=%s, reason=%s)", rec.SourceMessageID, status, rec.BrokerOrderID, reason)
	if r.notify != nil && r.notify.Enabled() {
		if nerr := r.notify.NotifyOutcome(updated); nerr != nil {
			logger.Warnf("对账通知失败: %v", nerr)
		}
	}
}
