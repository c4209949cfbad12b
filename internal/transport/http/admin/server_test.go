package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"sigil/internal/ledger"
)

func newTestServer(t *testing.T) (*Server, *ledger.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := ledger.NewStore(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	audit, err := ledger.NewAuditLog(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	srv, err := NewServer(ServerConfig{Store: store, Audit: audit})
	require.NoError(t, err)
	return srv, store
}

func seed(t *testing.T, store *ledger.Store, msgID string, status ledger.Status) ledger.ExecutionRecord {
	t.Helper()
	ctx := context.Background()
	rec, _, err := store.Reserve(ctx, ledger.ExecutionRecord{
		SourceMessageID: msgID,
		Instrument:      "XAUUSD",
		Direction:       "long",
	})
	require.NoError(t, err)
	if status != ledger.StatusPending {
		rec, err = store.Commit(ctx, rec.IdempotencyKey, ledger.CommitUpdate{Status: status})
		require.NoError(t, err)
	}
	return rec
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	w := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
}

func TestListExecutions(t *testing.T) {
	srv, store := newTestServer(t)
	seed(t, store, "m-1", ledger.StatusPending)
	seed(t, store, "m-2", ledger.StatusSubmitted)

	w := get(t, srv, "/api/executions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "count").Int())

	w = get(t, srv, "/api/executions?status=submitted")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, int64(1), gjson.Get(body, "count").Int())
	assert.Equal(t, "m-2", gjson.Get(body, "executions.0.source_message_id").String())
}

func TestGetExecutionByKeyAndMessageID(t *testing.T) {
	srv, store := newTestServer(t)
	rec := seed(t, store, "m-3", ledger.StatusPending)

	w := get(t, srv, "/api/executions/"+rec.IdempotencyKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "m-3", gjson.Get(w.Body.String(), "execution.source_message_id").String())

	w = get(t, srv, "/api/executions/m-3")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rec.IdempotencyKey, gjson.Get(w.Body.String(), "execution.idempotency_key").String())

	w = get(t, srv, "/api/executions/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
