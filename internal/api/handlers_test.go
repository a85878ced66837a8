package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"example.com/heatsync/internal/auth"
	"example.com/heatsync/internal/remote"
	"example.com/heatsync/internal/remote/memory"
	"example.com/heatsync/internal/session"
	"example.com/heatsync/internal/wire"
)

func TestPushAndPull(t *testing.T) {
	handler := newHandler()
	at := time.Date(2025, time.March, 3, 7, 0, 0, 0, time.UTC)

	before := testutil.ToFloat64(pushCounter.WithLabelValues("inserted"))
	rr := push(t, handler, "acct-1", record("wk-1", at), auth.ScopeSessionsWrite)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp PushResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "wk-1", resp.WorkoutKey)
	require.Equal(t, "inserted", resp.Outcome)
	require.NotZero(t, resp.Seq)
	require.InDelta(t, before+1, testutil.ToFloat64(pushCounter.WithLabelValues("inserted")), 0.0001)

	rr = push(t, handler, "acct-1", record("wk-1", at.Add(-time.Minute)), auth.ScopeSessionsWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, string(session.OutcomeKeptLocal), resp.Outcome)

	require.Equal(t, http.StatusOK, push(t, handler, "acct-1", record("wk-2", at), auth.ScopeSessionsWrite).Code)

	page := pull(t, handler, "acct-1", "/v1/sessions/changes?limit=1", auth.ScopeSessionsRead)
	require.True(t, page.HasMore)
	require.Len(t, page.Records, 1)
	require.Equal(t, "wk-1", page.Records[0].WorkoutKey)
	require.Equal(t, "synced", page.Records[0].SyncState)

	page = pull(t, handler, "acct-1", "/v1/sessions/changes?limit=1&since="+page.Token, auth.ScopeSessionsRead)
	require.False(t, page.HasMore)
	require.Equal(t, "wk-2", page.Records[0].WorkoutKey)

	other := pull(t, handler, "acct-2", "/v1/sessions/changes", auth.ScopeSessionsRead)
	require.Empty(t, other.Records)
	require.False(t, other.HasMore)
}

func TestPushRejectsMalformedRecord(t *testing.T) {
	handler := newHandler()
	rec := record("wk-1", time.Date(2025, time.March, 3, 7, 0, 0, 0, time.UTC))
	rec.StartDate = nil

	rr := push(t, handler, "acct-1", rec, auth.ScopeSessionsWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "validation_failed", body.Type)
	require.Contains(t, body.Detail, "startDate")

	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString("{")), "acct-1", auth.ScopeSessionsWrite)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestScopesAreEnforced(t *testing.T) {
	handler := newHandler()
	at := time.Date(2025, time.March, 3, 7, 0, 0, 0, time.UTC)

	rr := push(t, handler, "acct-1", record("wk-1", at), auth.ScopeSessionsRead)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/changes", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, withClaims(httptest.NewRequest(http.MethodGet, "/v1/sessions/changes", nil), "acct-1", "profile:read"))
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestPullRejectsBadQuery(t *testing.T) {
	handler := newHandler()
	for _, target := range []string{
		"/v1/sessions/changes?since=!!",
		"/v1/sessions/changes?since=bm90LWEtdG9rZW4",
		"/v1/sessions/changes?limit=zero",
		"/v1/sessions/changes?limit=-4",
	} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, withClaims(httptest.NewRequest(http.MethodGet, target, nil), "acct-1", auth.ScopeSessionsRead))
		require.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
}

func TestMethodsAndHealth(t *testing.T) {
	handler := newHandler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withClaims(httptest.NewRequest(http.MethodDelete, "/v1/sessions", nil), "acct-1", auth.ScopeSessionsWrite))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func newHandler() http.Handler {
	quiet := log.New(io.Discard, "", 0)
	service := remote.NewService(memory.NewRepository(), remote.WithLogger(quiet))
	mux := http.NewServeMux()
	NewHandler(service, WithPageLimit(50), WithLogger(quiet)).RegisterRoutes(mux)
	return mux
}

func push(t *testing.T, handler http.Handler, account string, rec wire.Record, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(rec)
	require.NoError(t, err)
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body)), account, scopes...)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func pull(t *testing.T, handler http.Handler, account, target string, scopes ...string) remote.Page {
	t.Helper()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withClaims(httptest.NewRequest(http.MethodGet, target, nil), account, scopes...))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var page remote.Page
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	return page
}

func withClaims(req *http.Request, account string, scopes ...string) *http.Request {
	claims := &auth.Claims{
		Subject:   "device-test",
		AccountID: account,
		Scopes:    map[string]struct{}{},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	for _, s := range scopes {
		claims.Scopes[s] = struct{}{}
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func record(key string, updated time.Time) wire.Record {
	start := time.Date(2025, time.March, 1, 6, 0, 0, 0, time.UTC)
	temp := 102
	return wire.FromSession(session.Session{
		ID: "row-" + key, WorkoutKey: key, StartDate: start, RoomTemperature: &temp,
		PerceivedEffort: session.EffortHard, CreatedAt: start, UpdatedAt: updated, State: session.StatePending,
	})
}
