package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(msgID string) ExecutionRecord {
	return ExecutionRecord{
		SourceMessageID: msgID,
		ChannelID:       "-100123",
		Instrument:      "XAUUSD",
		Direction:       "long",
		Size:            0.5,
		EntryPrice:      2350,
		StopLoss:        2340,
		TakeProfit:      2380,
		RawSignal:       []byte(`{"action":"BUY"}`),
	}
}

func TestReserveClaimsOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, reserved, err := store.Reserve(ctx, sampleRecord("msg-1"))
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, Key("msg-1"), rec.IdempotencyKey)

	again, reserved, err := store.Reserve(ctx, sampleRecord("msg-1"))
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, rec.IdempotencyKey, again.IdempotencyKey)
}

func TestReserveConcurrentSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, reserved, err := store.Reserve(ctx, sampleRecord("msg-race"))
			if err != nil {
				// With busy_timeout this should not happen.
				t.Error(err)
				return
			}
			wins <- reserved
		}()
	}
	wg.Wait()
	close(wins)

	total, won := 0, 0
	for w := range wins {
		total++
		if w {
			won++
		}
	}
	assert.Equal(t, workers, total)
	assert.Equal(t, 1, won, "恰好一个 goroutine 应该抢到执行权")
}

func TestCommitTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, _, err := store.Reserve(ctx, sampleRecord("msg-2"))
	require.NoError(t, err)
	key := rec.IdempotencyKey

	orderID := "SRV-42"
	attempts := 1
	rec, err = store.Commit(ctx, key, CommitUpdate{Status: StatusSubmitted, BrokerOrderID: &orderID, Attempts: &attempts})
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, rec.Status)
	assert.Equal(t, "SRV-42", rec.BrokerOrderID)
	assert.Equal(t, 1, rec.Attempts)

	rec, err = store.Commit(ctx, key, CommitUpdate{Status: StatusConfirmed})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status)
}

func TestCommitIllegalTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, _, err := store.Reserve(ctx, sampleRecord("msg-3"))
	require.NoError(t, err)

	// pending 不能直接 confirmed
	_, err = store.Commit(ctx, rec.IdempotencyKey, CommitUpdate{Status: StatusConfirmed})
	var cerr *ConsistencyError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, StatusPending, cerr.From)
	assert.Equal(t, StatusConfirmed, cerr.To)

	// terminal 状态不可再变
	reason := "confidence below threshold"
	_, err = store.Commit(ctx, rec.IdempotencyKey, CommitUpdate{Status: StatusRejected, Reason: &reason})
	require.NoError(t, err)
	_, err = store.Commit(ctx, rec.IdempotencyKey, CommitUpdate{Status: StatusSubmitted})
	require.ErrorAs(t, err, &cerr)
}

func TestRecordAttemptPersistsCounter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, _, err := store.Reserve(ctx, sampleRecord("msg-att"))
	require.NoError(t, err)

	require.NoError(t, store.RecordAttempt(ctx, rec.IdempotencyKey, 3, "dial tcp: i/o timeout"))

	got, err := store.Get(ctx, rec.IdempotencyKey)
	require.NoError(t, err)
	// 状态不变，只更新计数和最近错误
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "dial tcp: i/o timeout", got.LastError)

	assert.ErrorIs(t, store.RecordAttempt(ctx, "no-such-key", 1, ""), ErrNotFound)
}

func TestSubmittedSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	ctx := context.Background()

	store, err := NewStore(path)
	require.NoError(t, err)
	rec, _, err := store.Reserve(ctx, sampleRecord("msg-4"))
	require.NoError(t, err)
	orderID := "SRV-99"
	_, err = store.Commit(ctx, rec.IdempotencyKey, CommitUpdate{Status: StatusSubmitted, BrokerOrderID: &orderID})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.ListByStatus(ctx, StatusSubmitted)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "SRV-99", pending[0].BrokerOrderID)
	assert.Equal(t, "msg-4", pending[0].SourceMessageID)
}

func TestLastApprovals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _, err := store.Reserve(ctx, sampleRecord("msg-5"))
	require.NoError(t, err)
	_, err = store.Commit(ctx, a.IdempotencyKey, CommitUpdate{Status: StatusSubmitted})
	require.NoError(t, err)

	eur := sampleRecord("msg-6")
	eur.Instrument = "EURUSD"
	b, _, err := store.Reserve(ctx, eur)
	require.NoError(t, err)
	reason := "not in allow-list"
	_, err = store.Commit(ctx, b.IdempotencyKey, CommitUpdate{Status: StatusRejected, Reason: &reason})
	require.NoError(t, err)

	approvals, err := store.LastApprovals(ctx)
	require.NoError(t, err)
	assert.Contains(t, approvals, "XAUUSD")
	assert.NotContains(t, approvals, "EURUSD", "rejected 不算 approval")

	open, err := store.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, open)
}

func TestAuditLogAppendAndList(t *testing.T) {
	log, err := NewAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer log.Close()
	ctx := context.Background()

	key := Key("msg-7")
	require.NoError(t, log.Append(ctx, Transition{
		IdempotencyKey: key, SourceMsgID: "msg-7", Instrument: "XAUUSD",
		From: "", To: string(StatusPending), Reason: "reserved",
	}))
	require.NoError(t, log.Append(ctx, Transition{
		IdempotencyKey: key, SourceMsgID: "msg-7", Instrument: "XAUUSD",
		From: string(StatusPending), To: string(StatusSubmitted), Attempt: 1,
	}))

	got, err := log.ListForKey(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, string(StatusPending), got[0].To)
	assert.Equal(t, string(StatusSubmitted), got[1].To)
	assert.Equal(t, 1, got[1].Attempt)

	recent, err := log.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
