package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"treasury_watcher/internal/agent"
	"treasury_watcher/internal/backend"
	"treasury_watcher/internal/config"
	"treasury_watcher/internal/docs"
	"treasury_watcher/internal/models"
	"treasury_watcher/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// nullProvider satisfies docs.Provider for tests that never touch the
// document; the decision path only projects best-effort.
type nullProvider struct{}

func (nullProvider) ListDocuments(ctx context.Context) ([]docs.Ref, error) { return nil, nil }
func (nullProvider) ReadCommandTable(ctx context.Context, docID string) ([]docs.Row, error) {
	return nil, nil
}
func (nullProvider) ApplyRowPatches(ctx context.Context, docID string, patches []docs.RowPatch) error {
	return nil
}
func (nullProvider) AppendRow(ctx context.Context, docID string, row docs.Row) error { return nil }
func (nullProvider) WriteConfig(ctx context.Context, docID, key, value string) error { return nil }

// stubVerifier accepts exactly one signature string.
type stubVerifier struct {
	accept string
}

func (v *stubVerifier) Verify(address, message, signature string) error {
	if signature != v.accept {
		return errors.New("bad signature")
	}
	return nil
}

// stubChannel answers the auth half of the state-channel surface; the
// session methods are never reached from the join flow.
type stubChannel struct {
	accept string
}

func (c *stubChannel) AuthRequest(ctx context.Context, address string) (string, error) {
	return `{"types":{"Auth":[{"name":"address","type":"address"}]},"message":{"address":"` + address + `"}}`, nil
}

func (c *stubChannel) AuthVerify(ctx context.Context, address, signature string) (string, error) {
	if signature != c.accept {
		return "", errors.New("bad signature")
	}
	return "jwt-" + address, nil
}

func (c *stubChannel) CreateAppSession(ctx context.Context, docID string, keys []models.SessionKey) (*backend.SessionInfo, error) {
	return nil, errors.New("not implemented")
}

func (c *stubChannel) SubmitAppState(ctx context.Context, sessionID string, transition backend.StateTransition, keys []models.SessionKey) (*backend.SessionInfo, error) {
	return nil, errors.New("not implemented")
}

func (c *stubChannel) CloseAppSession(ctx context.Context, sessionID string, keys []models.SessionKey) error {
	return errors.New("not implemented")
}

func (c *stubChannel) GetSessionStatus(ctx context.Context, sessionID string) (*backend.SessionInfo, error) {
	return nil, errors.New("not implemented")
}

func signer(ch byte) string {
	return "0x" + strings.Repeat(string(ch), 40)
}

func newTestServer(t *testing.T, clock *testClock, verifier *stubVerifier) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", clock.Now)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		MasterKey:     "test-master-key",
		HTTPPort:      0,
		PublicBaseURL: "http://localhost:8080",
	}
	ag := agent.New(cfg, st, nullProvider{}, agent.Backends{})
	// A typed nil pointer would defeat the server's nil check.
	if verifier == nil {
		return New(cfg, st, ag, nil, nil), st
	}
	return New(cfg, st, ag, verifier, nil), st
}

func newYellowTestServer(t *testing.T, clock *testClock, channel *stubChannel) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", clock.Now)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		MasterKey:     "test-master-key",
		HTTPPort:      0,
		PublicBaseURL: "http://localhost:8080",
	}
	ag := agent.New(cfg, st, nullProvider{}, agent.Backends{StateChannel: channel})
	return New(cfg, st, ag, nil, channel), st
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func joinSigner(t *testing.T, handler http.Handler, docID, address string) *http.Cookie {
	t.Helper()
	rec := postJSON(t, handler, "/api/join/start", map[string]string{
		"docId": docID, "address": address,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var start struct {
		JoinToken string `json:"joinToken"`
		Mode      string `json:"mode"`
		Challenge string `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &start))
	require.Equal(t, "basic", start.Mode)
	require.Contains(t, start.Challenge, docID)
	require.Contains(t, start.Challenge, address)

	rec = postJSON(t, handler, "/api/join/finish", map[string]string{
		"joinToken": start.JoinToken, "signature": "good-sig",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	res := rec.Result()
	defer res.Body.Close()
	for _, c := range res.Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestJoinRegistersSignerAndSetsCookie(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))

	cookie := joinSigner(t, handler, "doc1", signer('a'))
	require.NotEmpty(t, cookie.Value)

	got, err := st.GetSigner("doc1", signer('a'))
	require.NoError(t, err)
	require.Equal(t, 1, got.Weight)
}

func TestJoinKeepsGovernanceAssignedWeight(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))
	require.NoError(t, st.UpsertSigner("doc1", signer('a'), 3))

	joinSigner(t, handler, "doc1", signer('a'))

	got, err := st.GetSigner("doc1", signer('a'))
	require.NoError(t, err)
	require.Equal(t, 3, got.Weight)
}

func TestJoinHonoursRequestedWeight(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))

	rec := postJSON(t, handler, "/api/join/start", map[string]interface{}{
		"docId": "doc1", "address": signer('a'), "weight": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var start struct {
		JoinToken string `json:"joinToken"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &start))

	rec = postJSON(t, handler, "/api/join/finish", map[string]string{
		"joinToken": start.JoinToken, "signature": "good-sig",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetSigner("doc1", signer('a'))
	require.NoError(t, err)
	require.Equal(t, 3, got.Weight)
}

func TestJoinYellowModeUsesChannelChallenge(t *testing.T) {
	clock := newTestClock()
	channel := &stubChannel{accept: "good-sig"}
	srv, st := newYellowTestServer(t, clock, channel)
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))

	rec := postJSON(t, handler, "/api/join/start", map[string]string{
		"docId": "doc1", "address": signer('a'),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var start struct {
		JoinToken string `json:"joinToken"`
		Mode      string `json:"mode"`
		Challenge string `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &start))
	require.Equal(t, "yellow", start.Mode)
	require.Contains(t, start.Challenge, `"types"`)
	require.Contains(t, start.Challenge, signer('a'))

	rec = postJSON(t, handler, "/api/join/finish", map[string]interface{}{
		"joinToken":           start.JoinToken,
		"signature":           "good-sig",
		"sessionKeyAddress":   signer('d'),
		"encryptedPrivateKey": []byte("enc"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var finish struct {
		Mode string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &finish))
	require.Equal(t, "yellow", finish.Mode)

	got, err := st.GetSigner("doc1", signer('a'))
	require.NoError(t, err)
	require.Equal(t, 1, got.Weight)

	// The clearnode-issued JWT rides along on the stored session key.
	key, err := st.GetSessionKey("doc1", signer('a'))
	require.NoError(t, err)
	require.Equal(t, "jwt-"+signer('a'), key.JWT)
}

func TestJoinYellowModeBadSignature(t *testing.T) {
	clock := newTestClock()
	srv, st := newYellowTestServer(t, clock, &stubChannel{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))

	rec := postJSON(t, handler, "/api/join/start", map[string]string{
		"docId": "doc1", "address": signer('a'),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var start struct {
		JoinToken string `json:"joinToken"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &start))

	rec = postJSON(t, handler, "/api/join/finish", map[string]string{
		"joinToken": start.JoinToken, "signature": "forged",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJoinStartUnknownDocument(t *testing.T) {
	clock := newTestClock()
	srv, _ := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})

	rec := postJSON(t, srv.Handler(), "/api/join/start", map[string]string{
		"docId": "nope", "address": signer('a'),
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJoinDisabledWithoutVerifier(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, nil)
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))

	rec := postJSON(t, srv.Handler(), "/api/join/start", map[string]string{
		"docId": "doc1", "address": signer('a'),
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJoinFinishBadSignature(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))

	rec := postJSON(t, handler, "/api/join/start", map[string]string{
		"docId": "doc1", "address": signer('a'),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var start struct {
		JoinToken string `json:"joinToken"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &start))

	rec = postJSON(t, handler, "/api/join/finish", map[string]string{
		"joinToken": start.JoinToken, "signature": "forged",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// The challenge is single-use even on failure.
	rec = postJSON(t, handler, "/api/join/finish", map[string]string{
		"joinToken": start.JoinToken, "signature": "good-sig",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJoinFinishExpiredChallenge(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))

	rec := postJSON(t, handler, "/api/join/start", map[string]string{
		"docId": "doc1", "address": signer('a'),
	})
	var start struct {
		JoinToken string `json:"joinToken"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &start))

	clock.Advance(6 * time.Minute)
	rec = postJSON(t, handler, "/api/join/finish", map[string]string{
		"joinToken": start.JoinToken, "signature": "good-sig",
	})
	require.Equal(t, http.StatusGone, rec.Code)

	rec = postJSON(t, handler, "/api/join/finish", map[string]string{
		"joinToken": "unknown-token", "signature": "good-sig",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecisionRequiresSession(t *testing.T) {
	clock := newTestClock()
	srv, _ := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})

	rec := postJSON(t, srv.Handler(), "/api/cmd/decision", map[string]string{
		"docId": "doc1", "cmdId": "whatever", "decision": "APPROVE",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDecisionFlowReachesApproved(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))

	cookie := joinSigner(t, handler, "doc1", signer('a'))

	cmd, err := st.CreateCommand("doc1", "DW PAYOUT 10 USDC TO "+signer('b'), &models.Command{
		Kind:       models.KindPayout,
		AmountUSDC: decimal.NewFromInt(10),
		To:         signer('b'),
	}, models.StatusPendingApproval)
	require.NoError(t, err)

	rec := postJSON(t, handler, "/api/cmd/decision", map[string]string{
		"docId": "doc1", "cmdId": cmd.CmdID, "decision": "approve",
	}, cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	var outcome struct {
		Status         string `json:"status"`
		ApprovedWeight int    `json:"approvedWeight"`
		Quorum         int    `json:"quorum"`
		Mode           string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	require.Equal(t, string(models.StatusApproved), outcome.Status)
	require.Equal(t, "local", outcome.Mode)

	got, err := st.GetCommand(cmd.CmdID)
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, got.Status)

	// A second decision on a settled command conflicts.
	rec = postJSON(t, handler, "/api/cmd/decision", map[string]string{
		"docId": "doc1", "cmdId": cmd.CmdID, "decision": "REJECT",
	}, cookie)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDecisionWrongDocumentSession(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))
	require.NoError(t, st.UpsertDocument("doc2", "Ops"))

	cookie := joinSigner(t, handler, "doc1", signer('a'))

	rec := postJSON(t, handler, "/api/cmd/decision", map[string]string{
		"docId": "doc2", "cmdId": "whatever", "decision": "APPROVE",
	}, cookie)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDecisionUnknownCommand(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))

	cookie := joinSigner(t, handler, "doc1", signer('a'))

	rec := postJSON(t, handler, "/api/cmd/decision", map[string]string{
		"docId": "doc1", "cmdId": "missing", "decision": "APPROVE",
	}, cookie)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecisionExpiredToken(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))

	cookie := joinSigner(t, handler, "doc1", signer('a'))
	clock.Advance(25 * time.Hour)

	rec := postJSON(t, handler, "/api/cmd/decision", map[string]string{
		"docId": "doc1", "cmdId": "whatever", "decision": "APPROVE",
	}, cookie)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCommandViewAndDocScoping(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))
	require.NoError(t, st.SetQuorum("doc1", 2))
	require.NoError(t, st.UpsertSigner("doc1", signer('a'), 1))

	cmd, err := st.CreateCommand("doc1", "DW QUORUM 3", &models.Command{
		Kind: models.KindQuorum, Quorum: 3,
	}, models.StatusPendingApproval)
	require.NoError(t, err)
	require.NoError(t, st.RecordApproval("doc1", cmd.CmdID, signer('a'), models.DecisionApprove))

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/cmd/doc1/%s", cmd.CmdID), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var view struct {
		CmdID          string `json:"cmdId"`
		Status         string `json:"status"`
		ApprovedWeight int    `json:"approvedWeight"`
		Quorum         int    `json:"quorum"`
		Approvals      []struct {
			Signer   string `json:"signer"`
			Decision string `json:"decision"`
		} `json:"approvals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, cmd.CmdID, view.CmdID)
	require.Equal(t, string(models.StatusPendingApproval), view.Status)
	require.Equal(t, 1, view.ApprovedWeight)
	require.Equal(t, 2, view.Quorum)
	require.Len(t, view.Approvals, 1)
	require.Equal(t, signer('a'), view.Approvals[0].Signer)

	// The same command through another document's path is invisible.
	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/cmd/doc2/%s", cmd.CmdID), nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivityListsRecentCommands(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))

	_, err := st.CreateCommand("doc1", "DW STATUS", &models.Command{Kind: models.KindStatus}, models.StatusPendingApproval)
	require.NoError(t, err)
	_, err = st.CreateCommand("doc1", "DW BAD", nil, models.StatusInvalid)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/activity/doc1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []struct {
		RawText string `json:"rawText"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
}

func TestMetricsShape(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))

	_, err := st.BumpCounter("doc1", "advisor_proposals")
	require.NoError(t, err)
	_, err = st.CreateCommand("doc1", "DW STATUS", &models.Command{Kind: models.KindStatus}, models.StatusExecuted)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/metrics/doc1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Counters map[string]int64 `json:"counters"`
		Statuses map[string]int   `json:"statuses"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(1), body.Counters["advisor_proposals"])
	require.Equal(t, int64(0), body.Counters["alerts_gas"])
	require.Equal(t, 1, body.Statuses[string(models.StatusExecuted)])
}

func TestApprovePageEscapesCommandText(t *testing.T) {
	clock := newTestClock()
	srv, st := newTestServer(t, clock, &stubVerifier{accept: "good-sig"})
	handler := srv.Handler()
	require.NoError(t, st.UpsertDocument("doc1", "Treasury"))

	cmd, err := st.CreateCommand("doc1", "<script>alert(1)</script>", nil, models.StatusInvalid)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/approve/doc1/%s", cmd.CmdID), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "<script>alert")
	require.Contains(t, rec.Body.String(), "&lt;script&gt;")
}
