package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/rodcoding123/helix-sub009/pkg/approval"
	"github.com/rodcoding123/helix-sub009/pkg/constraint"
	"github.com/rodcoding123/helix-sub009/pkg/contracts"
	"github.com/rodcoding123/helix-sub009/pkg/executor"
	"github.com/rodcoding123/helix-sub009/pkg/ledger"
	"github.com/rodcoding123/helix-sub009/pkg/pipeline"
	"github.com/rodcoding123/helix-sub009/pkg/profile"
	"github.com/rodcoding123/helix-sub009/pkg/reversal"
	"github.com/rodcoding123/helix-sub009/pkg/store"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	records, err := store.NewActionStore(db)
	require.NoError(t, err)
	profiles, err := profile.NewStore(db)
	require.NoError(t, err)
	rules, err := constraint.NewBuiltinRegistry()
	require.NoError(t, err)
	auditStore, err := ledger.NewSQLiteStore(db)
	require.NoError(t, err)
	audit := ledger.New(auditStore, nil)
	approvals, err := approval.NewCoordinator(db, nil, nil, time.Hour)
	require.NoError(t, err)

	dispatcher := executor.NewDispatcher()
	dispatcher.Register(contracts.ActionCalendarModification, executor.NewLoopbackExecutor(true))
	dispatcher.Register(contracts.ActionPayment, executor.NewLoopbackExecutor(false))

	clock := func() time.Time {
		return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	}
	undo := reversal.NewManager(records, profiles, rules, dispatcher, audit, 24*time.Hour, 0).
		WithClock(clock)

	engine, err := pipeline.NewEngine(pipeline.Options{
		Policy:     pipeline.DefaultPolicy(),
		Records:    records,
		Profiles:   profiles,
		Rules:      rules,
		Audit:      audit,
		Approvals:  approvals,
		Dispatcher: dispatcher,
		Undo:       undo,
		Clock:      clock,
	})
	require.NoError(t, err)
	return NewServer(engine).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequestWithContext(context.Background(), method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func submitBody(actionType contracts.ActionType, key string, payload map[string]any) map[string]any {
	return map[string]any{
		"user_id":         "user-1",
		"action_type":     actionType,
		"payload":         payload,
		"idempotency_key": key,
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitExecutes(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/actions",
		submitBody(contracts.ActionCalendarModification, "cal-1",
			map[string]any{"event_id": "evt-1", "shift_minutes": 15}))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Record contracts.ActionRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, contracts.StatusExecuted, resp.Record.Status)

	// Resubmission is a 200 with the duplicate flag.
	rec = doJSON(t, h, http.MethodPost, "/v1/actions",
		submitBody(contracts.ActionCalendarModification, "cal-1",
			map[string]any{"event_id": "evt-1", "shift_minutes": 15}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate":true`)
}

func TestSubmitHardViolation(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/actions",
		submitBody(contracts.ActionPayment, "pay-1",
			map[string]any{"amount": 25.0, "currency": "USD", "payee": "acme"}))
	require.Equal(t, http.StatusForbidden, rec.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Contains(t, problem.Rules, constraint.RuleNoSpend)
}

func TestSubmitValidationError(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/actions",
		submitBody(contracts.ActionCalendarModification, "", // missing key
			map[string]any{"event_id": "evt-1"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalRoundTrip(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/actions",
		submitBody(contracts.ActionCalendarModification, "cal-1",
			map[string]any{"event_id": "evt-1", "shift_minutes": 180}))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Record contracts.ActionRecord    `json:"record"`
		Ticket *contracts.ApprovalTicket `json:"approval_ticket"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Ticket)

	rec = doJSON(t, h, http.MethodPost, "/v1/approvals/"+resp.Ticket.ID,
		map[string]any{"decision": "APPROVED", "resolved_by": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/actions/"+resp.Record.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record contracts.ActionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, contracts.StatusExecuted, record.Status)

	// A second resolution conflicts.
	rec = doJSON(t, h, http.MethodPost, "/v1/approvals/"+resp.Ticket.ID,
		map[string]any{"decision": "REJECTED", "resolved_by": "bob"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetActionNotFound(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/v1/actions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfileLevelRoundTrip(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/profiles/user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"level":2`)

	rec = doJSON(t, h, http.MethodPut, "/v1/profiles/user-1/level", map[string]any{"level": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"level":3`)

	rec = doJSON(t, h, http.MethodPut, "/v1/profiles/user-1/level", map[string]any{"level": 9})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUndoAndAuditEndpoints(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/actions",
		submitBody(contracts.ActionCalendarModification, "cal-1",
			map[string]any{"event_id": "evt-1", "shift_minutes": 15}))
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Record contracts.ActionRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = doJSON(t, h, http.MethodPost, "/v1/actions/"+resp.Record.ID+"/undo",
		map[string]any{"requested_by": "user-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	// A second undo conflicts.
	rec = doJSON(t, h, http.MethodPost, "/v1/actions/"+resp.Record.ID+"/undo",
		map[string]any{"requested_by": "user-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/audit/user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/audit/user-1/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)
}
