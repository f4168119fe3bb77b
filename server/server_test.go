package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jrsteele09/campus-attendance/attendance"
	"github.com/jrsteele09/campus-attendance/identity"
	"github.com/jrsteele09/campus-attendance/internal/config"
	"github.com/jrsteele09/campus-attendance/ledger"
	"github.com/jrsteele09/campus-attendance/scan"
	"github.com/jrsteele09/campus-attendance/server"
	"github.com/jrsteele09/campus-attendance/sessions"
	"github.com/jrsteele09/campus-attendance/token"
	"github.com/stretchr/testify/require"
)

var (
	t0         = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	instructor = identity.Principal{ID: "prof-x", Role: identity.RoleInstructor}
	alice      = identity.Principal{ID: "alice", Role: identity.RoleStudent}
)

type fixture struct {
	mu       sync.Mutex
	now      time.Time
	codec    *token.Codec
	verifier *identity.HMACVerifier
	hub      *server.TokenHub
	server   *server.Server
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func setup(t *testing.T, ledgerRepo ledger.Repo) *fixture {
	t.Helper()
	return setupStores(t, sessions.NewInMemoryRepo(), ledgerRepo)
}

func setupStores(t *testing.T, sessionRepo sessions.Repo, ledgerRepo ledger.Repo, options ...attendance.Option) *fixture {
	t.Helper()
	f := &fixture{now: t0, hub: server.NewTokenHub()}

	var err error
	f.codec, err = token.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	registry, err := sessions.NewRegistry(sessionRepo, sessions.WithNowFunc(f.clock))
	require.NoError(t, err)
	l, err := ledger.New(ledgerRepo)
	require.NoError(t, err)
	v, err := scan.NewValidator(f.codec, registry, l)
	require.NoError(t, err)
	options = append([]attendance.Option{attendance.WithTokenTTL(20 * time.Second)}, options...)
	service, err := attendance.New(registry, f.codec, l, v, options...)
	require.NoError(t, err)

	f.verifier, err = identity.NewHMACVerifier([]byte("identity-secret"), identity.WithClock(f.clock))
	require.NoError(t, err)

	f.server, err = server.New(config.New(), service, f.verifier, f.hub)
	require.NoError(t, err)
	return f
}

func (f *fixture) bearer(t *testing.T, p identity.Principal) string {
	t.Helper()
	raw, err := f.verifier.Issue(p, time.Hour)
	require.NoError(t, err)
	return raw
}

func (f *fixture) do(t *testing.T, method, path string, p *identity.Principal, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if p != nil {
		req.Header.Set("Authorization", "Bearer "+f.bearer(t, *p))
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (f *fixture) openSession(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/sessions", &instructor, map[string]any{
		"class_id":  "CSC-301",
		"location":  "Room 12",
		"opens_at":  t0,
		"closes_at": t0.Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[sessions.Session](t, rec).ID

	rec = f.do(t, http.MethodPost, "/api/sessions/"+id+"/open", &instructor, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 1, decode[map[string]any](t, rec)["epoch"])
	return id
}

func (f *fixture) currentToken(t *testing.T, id string) token.Token {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/api/sessions/"+id+"/token", &instructor, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[token.Token](t, rec)
}

func TestServer_ScanFlow(t *testing.T) {
	f := setup(t, ledger.NewInMemoryRepo())
	id := f.openSession(t)
	tok := f.currentToken(t, id)
	require.Equal(t, id, tok.SessionID)
	require.EqualValues(t, 1, tok.Epoch)

	f.advance(5 * time.Second)
	rec := f.do(t, http.MethodPost, "/api/scans", &alice, map[string]string{"token": tok.Value})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[scan.Result](t, rec)
	require.True(t, res.Accepted)
	require.Equal(t, ledger.StatusPresent, res.Status)

	rec = f.do(t, http.MethodPost, "/api/scans", &alice, map[string]string{"token": tok.Value})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, scan.ReasonAlreadyRecorded, decode[scan.Result](t, rec).Reason)

	rec = f.do(t, http.MethodGet, "/api/sessions/"+id+"/attendance/me", &alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode[map[string]any](t, rec)["recorded"])

	rec = f.do(t, http.MethodGet, "/api/sessions/"+id+"/attendance", &instructor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[struct {
		Records []*ledger.Record `json:"records"`
	}](t, rec).Records
	require.Len(t, records, 1)
	require.Equal(t, alice.ID, records[0].StudentID)

	rec = f.do(t, http.MethodGet, "/api/sessions/"+id+"/stats", &instructor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[ledger.Summary](t, rec)
	require.Equal(t, 1, summary.Total)
	require.Equal(t, 1, summary.ByStatus[ledger.StatusPresent])

	rec = f.do(t, http.MethodGet, "/api/me/attendance", &alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RefreshAndClose(t *testing.T) {
	f := setup(t, ledger.NewInMemoryRepo())
	id := f.openSession(t)
	old := f.currentToken(t, id)

	rec := f.do(t, http.MethodPost, "/api/sessions/"+id+"/refresh", &instructor, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 2, decode[token.Token](t, rec).Epoch)

	rec = f.do(t, http.MethodPost, "/api/scans", &alice, map[string]string{"token": old.Value})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, scan.ReasonStaleToken, decode[scan.Result](t, rec).Reason)

	rec = f.do(t, http.MethodPost, "/api/sessions/"+id+"/close", &instructor, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sessions/"+id+"/token", &instructor, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/sessions/"+id+"/open", &instructor, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "already_closed", decode[map[string]string](t, rec)["error"])
}

func TestServer_ScanRejections(t *testing.T) {
	f := setup(t, ledger.NewInMemoryRepo())
	f.openSession(t)

	rec := f.do(t, http.MethodPost, "/api/scans", &alice, map[string]string{"token": "not-a-token"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, scan.ReasonInvalidToken, decode[scan.Result](t, rec).Reason)

	ghost, err := f.codec.Issue("ghost", 1, t0, 20*time.Second)
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/api/scans", &alice, map[string]string{"token": ghost.Value})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, scan.ReasonUnknownSession, decode[scan.Result](t, rec).Reason)

	rec = f.do(t, http.MethodPost, "/api/scans", &alice, map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/scans", &alice, map[string]string{"token": ghost.Value, "student_id": "bob"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AuthErrors(t *testing.T) {
	f := setup(t, ledger.NewInMemoryRepo())
	id := f.openSession(t)

	rec := f.do(t, http.MethodGet, "/api/sessions/"+id, nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+id, nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr := httptest.NewRecorder()
	f.server.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rec = f.do(t, http.MethodPost, "/api/sessions/"+id+"/open", &alice, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/scans", &instructor, map[string]string{"token": "x"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	other := identity.Principal{ID: "prof-y", Role: identity.RoleInstructor}
	rec = f.do(t, http.MethodGet, "/api/sessions/"+id+"/attendance", &other, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sessions/"+id, &alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sessions/missing", &alice, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ScheduleValidation(t *testing.T) {
	f := setup(t, ledger.NewInMemoryRepo())

	rec := f.do(t, http.MethodPost, "/api/sessions", &instructor, map[string]any{
		"class_id":  "CSC-301",
		"opens_at":  t0,
		"closes_at": t0.Add(-time.Hour),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/sessions", &instructor, map[string]any{
		"opens_at":  t0,
		"closes_at": t0.Add(time.Hour),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type failingLedgerRepo struct {
	ledger.Repo
}

func (failingLedgerRepo) Insert(context.Context, *ledger.Record) error {
	return errors.New("connection refused")
}

func TestServer_StorageUnavailable(t *testing.T) {
	f := setup(t, failingLedgerRepo{Repo: ledger.NewInMemoryRepo()})
	id := f.openSession(t)
	tok := f.currentToken(t, id)

	rec := f.do(t, http.MethodPost, "/api/scans", &alice, map[string]string{"token": tok.Value})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.Equal(t, "storage_unavailable", decode[map[string]string](t, rec)["error"])
}

type stalledSessionRepo struct {
	*sessions.InMemoryRepo
}

func (stalledSessionRepo) Get(ctx context.Context, _ string) (*sessions.Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestServer_StalledStoreReturns503(t *testing.T) {
	f := setupStores(t, stalledSessionRepo{InMemoryRepo: sessions.NewInMemoryRepo()}, ledger.NewInMemoryRepo(),
		attendance.WithTimeout(50*time.Millisecond))

	rec := f.do(t, http.MethodPost, "/api/sessions", &instructor, map[string]any{
		"class_id":  "CSC-301",
		"opens_at":  t0,
		"closes_at": t0.Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[sessions.Session](t, rec).ID

	for _, path := range []string{"/open", "/close", "/refresh"} {
		rec = f.do(t, http.MethodPost, "/api/sessions/"+id+path, &instructor, nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		require.Equal(t, "1", rec.Header().Get("Retry-After"))
	}
}

func TestServer_Health(t *testing.T) {
	f := setup(t, ledger.NewInMemoryRepo())
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestServer_CorsPreflight(t *testing.T) {
	f := setup(t, ledger.NewInMemoryRepo())
	req := httptest.NewRequest(http.MethodOptions, "/api/scans", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_TokenStream(t *testing.T) {
	f := setup(t, ledger.NewInMemoryRepo())
	id := f.openSession(t)

	ts := httptest.NewServer(f.server)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + id + "/token/stream?access_token=" + f.bearer(t, instructor)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	type message struct {
		Event string       `json:"event"`
		Token *token.Token `json:"token"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first message
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "token", first.Event)
	require.EqualValues(t, 1, first.Token.Epoch)

	rec := f.do(t, http.MethodPost, "/api/sessions/"+id+"/refresh", &instructor, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var next message
	require.NoError(t, conn.ReadJSON(&next))
	require.EqualValues(t, 2, next.Token.Epoch)
}

func TestServer_TokenStreamRequiresOwner(t *testing.T) {
	f := setup(t, ledger.NewInMemoryRepo())
	id := f.openSession(t)

	ts := httptest.NewServer(f.server)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + id + "/token/stream?access_token=" + f.bearer(t, alice)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTokenHub_PublishOnlyToSession(t *testing.T) {
	hub := server.NewTokenHub()
	a, cancelA := hub.Subscribe("A")
	defer cancelA()
	b, cancelB := hub.Subscribe("B")

	hub.Publish(&token.Token{SessionID: "A", Epoch: 3})
	require.EqualValues(t, 3, (<-a).Epoch)
	select {
	case <-b:
		t.Fatal("unexpected token for session B")
	default:
	}

	cancelB()
	hub.Publish(&token.Token{SessionID: "B", Epoch: 1})
	hub.Publish(nil)
}
