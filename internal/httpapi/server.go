// Package httpapi is the browser-facing approval surface: signer join with a
// wallet-signed challenge, decision submission, and per-document activity and
// metrics reads. Authentication is a short-lived JWT cookie minted at join.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"treasury_watcher/internal/agent"
	"treasury_watcher/internal/backend"
	"treasury_watcher/internal/config"
	"treasury_watcher/internal/models"
	"treasury_watcher/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	sessionCookie = "tw_session"
	challengeTTL  = 5 * time.Minute
	tokenTTL      = 24 * time.Hour
)

// Server serves the approval API. It holds no state of its own beyond
// in-flight join challenges; everything durable lives in the store.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	agent    *agent.Agent
	verifier backend.SignatureVerifier
	channel  backend.StateChannel

	mu         sync.Mutex
	challenges map[string]joinChallenge
}

type joinChallenge struct {
	docID     string
	address   string
	weight    int
	mode      string
	message   string
	expiresAt time.Time
}

// New builds the server. With a state channel wired, join challenges come
// from the clearnode (yellow mode); otherwise the verifier checks a local
// personal-sign challenge (basic mode). Both nil disables join.
func New(cfg *config.Config, st *store.Store, ag *agent.Agent, verifier backend.SignatureVerifier, channel backend.StateChannel) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		agent:      ag,
		verifier:   verifier,
		channel:    channel,
		challenges: make(map[string]joinChallenge),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/join/start", s.handleJoinStart)
	mux.HandleFunc("POST /api/join/finish", s.handleJoinFinish)
	mux.HandleFunc("POST /api/cmd/decision", s.handleDecision)
	mux.HandleFunc("GET /api/cmd/{docId}/{cmdId}", s.handleCommand)
	mux.HandleFunc("GET /api/activity/{docId}", s.handleActivity)
	mux.HandleFunc("GET /api/metrics/{docId}", s.handleMetrics)
	mux.HandleFunc("GET /approve/{docId}/{cmdId}", s.handleApprovePage)
	return mux
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.HTTPPort),
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("HTTP approval surface listening on :%d", s.cfg.HTTPPort)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type joinStartRequest struct {
	DocID   string `json:"docId"`
	Address string `json:"address"`
	Weight  int    `json:"weight"`
}

type joinStartResponse struct {
	JoinToken string `json:"joinToken"`
	Mode      string `json:"mode"`
	Challenge string `json:"challenge"`
}

func (s *Server) handleJoinStart(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil && s.channel == nil {
		writeError(w, http.StatusServiceUnavailable, "join disabled: no signature verifier configured")
		return
	}
	var req joinStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocID == "" || req.Address == "" {
		writeError(w, http.StatusBadRequest, "docId and address required")
		return
	}
	if req.Weight < 1 {
		req.Weight = 1
	}
	if _, err := s.store.GetDocument(req.DocID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown document")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	token := uuid.NewString()
	now := s.store.Now()

	mode := "basic"
	var challenge string
	if s.channel != nil {
		mode = "yellow"
		ch, err := s.channel.AuthRequest(r.Context(), req.Address)
		if err != nil {
			writeError(w, http.StatusBadGateway, "state channel unavailable")
			return
		}
		challenge = ch
	} else {
		challenge = fmt.Sprintf("Treasury signer join\ndoc: %s\naddress: %s\nnonce: %s\nissued: %s",
			req.DocID, req.Address, token, now.UTC().Format(time.RFC3339))
	}

	s.mu.Lock()
	s.challenges[token] = joinChallenge{
		docID:     req.DocID,
		address:   req.Address,
		weight:    req.Weight,
		mode:      mode,
		message:   challenge,
		expiresAt: now.Add(challengeTTL),
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, joinStartResponse{JoinToken: token, Mode: mode, Challenge: challenge})
}

type joinFinishRequest struct {
	JoinToken string `json:"joinToken"`
	Signature string `json:"signature"`

	// Optional delegated session key for state-channel co-signing.
	SessionKeyAddress   string `json:"sessionKeyAddress,omitempty"`
	EncryptedPrivateKey []byte `json:"encryptedPrivateKey,omitempty"`
	SessionKeyJWT       string `json:"sessionKeyJwt,omitempty"`
	ExpiresAt           int64  `json:"expiresAt,omitempty"`
}

func (s *Server) handleJoinFinish(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil && s.channel == nil {
		writeError(w, http.StatusServiceUnavailable, "join disabled: no signature verifier configured")
		return
	}
	var req joinFinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JoinToken == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "joinToken and signature required")
		return
	}

	s.mu.Lock()
	ch, ok := s.challenges[req.JoinToken]
	delete(s.challenges, req.JoinToken)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "unknown join token")
		return
	}
	if s.store.Now().After(ch.expiresAt) {
		writeError(w, http.StatusGone, "join token expired")
		return
	}
	if ch.mode == "yellow" {
		jwtTok, err := s.channel.AuthVerify(r.Context(), ch.address, req.Signature)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "signature verification failed")
			return
		}
		if req.SessionKeyJWT == "" {
			req.SessionKeyJWT = jwtTok
		}
	} else if err := s.verifier.Verify(ch.address, ch.message, req.Signature); err != nil {
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	// First join registers the address with the requested weight; an
	// existing signer keeps the weight governance assigned.
	if _, err := s.store.GetSigner(ch.docID, ch.address); errors.Is(err, store.ErrNotFound) {
		if err := s.store.UpsertSigner(ch.docID, ch.address, ch.weight); err != nil {
			writeError(w, http.StatusInternalServerError, "register signer failed")
			return
		}
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "signer lookup failed")
		return
	}

	if req.SessionKeyAddress != "" && len(req.EncryptedPrivateKey) > 0 {
		expires := time.UnixMilli(req.ExpiresAt).UTC()
		if req.ExpiresAt == 0 {
			expires = s.store.Now().Add(tokenTTL)
		}
		if err := s.store.UpsertSessionKey(models.SessionKey{
			DocID:               ch.docID,
			SignerAddress:       ch.address,
			SessionKeyAddress:   req.SessionKeyAddress,
			EncryptedPrivateKey: req.EncryptedPrivateKey,
			ExpiresAt:           expires,
			JWT:                 req.SessionKeyJWT,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "store session key failed")
			return
		}
	}

	token, expiry, err := s.mintToken(ch.docID, ch.address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "mint token failed")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiry,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	log.Printf("[%s] Signer %s joined (%s)", ch.docID, ch.address, ch.mode)
	writeJSON(w, http.StatusOK, map[string]string{"docId": ch.docID, "address": ch.address, "mode": ch.mode})
}

type sessionClaims struct {
	DocID   string `json:"docId"`
	Address string `json:"address"`
	jwt.RegisteredClaims
}

func (s *Server) mintToken(docID, address string) (string, time.Time, error) {
	now := s.store.Now()
	expiry := now.Add(tokenTTL)
	claims := sessionClaims{
		DocID:   docID,
		Address: address,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.MasterKey))
	return token, expiry, err
}

// authenticate resolves the request's signer from the session cookie.
func (s *Server) authenticate(r *http.Request) (*sessionClaims, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, errors.New("missing session cookie")
	}
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(cookie.Value, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.MasterKey), nil
	}, jwt.WithTimeFunc(s.store.Now))
	if err != nil || !token.Valid {
		return nil, errors.New("invalid session token")
	}
	return &claims, nil
}

type decisionRequest struct {
	DocID    string `json:"docId"`
	CmdID    string `json:"cmdId"`
	Decision string `json:"decision"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocID == "" || req.CmdID == "" {
		writeError(w, http.StatusBadRequest, "docId and cmdId required")
		return
	}
	if req.DocID != claims.DocID {
		writeError(w, http.StatusUnauthorized, "session is for a different document")
		return
	}

	var decision models.ApprovalDecision
	switch strings.ToUpper(req.Decision) {
	case "APPROVE", "APPROVED":
		decision = models.DecisionApprove
	case "REJECT", "REJECTED":
		decision = models.DecisionReject
	default:
		writeError(w, http.StatusBadRequest, "decision must be APPROVE or REJECT")
		return
	}

	outcome, err := s.agent.Decide(r.Context(), req.DocID, req.CmdID, claims.Address, decision)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrUnknownSigner):
			writeError(w, http.StatusUnauthorized, err.Error())
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "command not found")
		case errors.Is(err, agent.ErrDecisionConflict):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, agent.ErrChannelUnavailable):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "decision failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type commandView struct {
	CmdID          string            `json:"cmdId"`
	RawText        string            `json:"rawText"`
	Status         string            `json:"status"`
	Result         string            `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	TxIDs          map[string]string `json:"txIds,omitempty"`
	ApprovedWeight int               `json:"approvedWeight"`
	Quorum         int               `json:"quorum"`
	Approvals      []approvalView    `json:"approvals,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

type approvalView struct {
	Signer   string    `json:"signer"`
	Decision string    `json:"decision"`
	At       time.Time `json:"at"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	cmdID := r.PathValue("cmdId")

	cmd, err := s.store.GetCommand(cmdID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && cmd.DocID != docID) {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	quorum, err := s.store.GetQuorum(docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quorum lookup failed")
		return
	}
	weight, err := s.store.ApprovedWeight(docID, cmdID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "weight lookup failed")
		return
	}
	approvals, err := s.store.ListApprovals(cmdID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "approvals lookup failed")
		return
	}

	view := commandView{
		CmdID:          cmd.CmdID,
		RawText:        cmd.RawText,
		Status:         string(cmd.Status),
		Result:         cmd.Result,
		Error:          cmd.Error,
		TxIDs:          cmd.TxIDs,
		ApprovedWeight: weight,
		Quorum:         quorum,
		CreatedAt:      cmd.CreatedAt,
		UpdatedAt:      cmd.UpdatedAt,
	}
	for _, ap := range approvals {
		view.Approvals = append(view.Approvals, approvalView{
			Signer:   ap.SignerAddress,
			Decision: string(ap.Decision),
			At:       ap.At,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	cmds, err := s.store.ListCommands(docID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	views := make([]commandView, 0, len(cmds))
	for _, cmd := range cmds {
		views = append(views, commandView{
			CmdID:     cmd.CmdID,
			RawText:   cmd.RawText,
			Status:    string(cmd.Status),
			Result:    cmd.Result,
			Error:     cmd.Error,
			CreatedAt: cmd.CreatedAt,
			UpdatedAt: cmd.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")

	counters := map[string]int64{}
	for _, name := range []string{
		"onchain_approvals_avoided", "advisor_proposals",
		"alerts_stuck", "alerts_gas", "alerts_balance", "alerts_spread",
	} {
		v, err := s.store.GetCounter(docID, name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "counter lookup failed")
			return
		}
		counters[name] = v
	}

	statuses := map[string]int{}
	cmds, err := s.store.ListCommands(docID, 500)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	for _, cmd := range cmds {
		statuses[string(cmd.Status)]++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counters": counters,
		"statuses": statuses,
	})
}

// handleApprovePage serves the minimal decision page the approval URL points
// at. The page submits decisions through /api/cmd/decision with the session
// cookie.
func (s *Server) handleApprovePage(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	cmdID := r.PathValue("cmdId")

	cmd, err := s.store.GetCommand(cmdID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && cmd.DocID != docID) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, approvePageHTML, htmlEscape(cmd.RawText), htmlEscape(string(cmd.Status)),
		htmlEscape(docID), htmlEscape(cmdID))
}

const approvePageHTML = `<!DOCTYPE html>
<html>
<head><title>Command approval</title></head>
<body>
<h3>Pending command</h3>
<pre>%s</pre>
<p>Status: %s</p>
<button onclick="decide('APPROVE')">Approve</button>
<button onclick="decide('REJECT')">Reject</button>
<pre id="out"></pre>
<script>
async function decide(decision) {
  const res = await fetch('/api/cmd/decision', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({docId: '%s', cmdId: '%s', decision})
  });
  document.getElementById('out').textContent = await res.text();
}
</script>
</body>
</html>`

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&#39;")
	return r.Replace(s)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
