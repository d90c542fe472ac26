package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"treasury_watcher/internal/backend"
	"treasury_watcher/internal/config"
	"treasury_watcher/internal/docs"
	"treasury_watcher/internal/models"
	"treasury_watcher/internal/parser"
	"treasury_watcher/internal/store"

	"github.com/shopspring/decimal"
)

// testClock is a mutable fixed clock shared by a test's store and agent.
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

// memProvider is an in-memory document provider.
type memProvider struct {
	mu         sync.Mutex
	refs       []docs.Ref
	rows       map[string][]docs.Row
	config     map[string]map[string]string
	patchCalls int
	failReads  bool
}

func newMemProvider(docIDs ...string) *memProvider {
	p := &memProvider{
		rows:   map[string][]docs.Row{},
		config: map[string]map[string]string{},
	}
	for _, id := range docIDs {
		p.refs = append(p.refs, docs.Ref{DocID: id, DisplayName: "Doc " + id})
		p.rows[id] = nil
	}
	return p
}

func (p *memProvider) ListDocuments(ctx context.Context) ([]docs.Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]docs.Ref(nil), p.refs...), nil
}

func (p *memProvider) ReadCommandTable(ctx context.Context, docID string) ([]docs.Row, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failReads {
		return nil, errors.New("provider unavailable")
	}
	return append([]docs.Row(nil), p.rows[docID]...), nil
}

func (p *memProvider) ApplyRowPatches(ctx context.Context, docID string, patches []docs.RowPatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patchCalls++
	for _, patch := range patches {
		for i := range p.rows[docID] {
			row := &p.rows[docID][i]
			if row.Index != patch.Index {
				continue
			}
			if patch.ID != nil {
				row.ID = *patch.ID
			}
			if patch.Status != nil {
				row.Status = *patch.Status
			}
			if patch.ApprovalURL != nil {
				row.ApprovalURL = *patch.ApprovalURL
			}
			if patch.Result != nil {
				row.Result = *patch.Result
			}
			if patch.Error != nil {
				row.Error = *patch.Error
			}
		}
	}
	return nil
}

func (p *memProvider) AppendRow(ctx context.Context, docID string, row docs.Row) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	row.Index = len(p.rows[docID])
	p.rows[docID] = append(p.rows[docID], row)
	return nil
}

func (p *memProvider) WriteConfig(ctx context.Context, docID, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.config[docID] == nil {
		p.config[docID] = map[string]string{}
	}
	p.config[docID][key] = value
	return nil
}

func (p *memProvider) setText(docID string, index int, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.rows[docID]) <= index {
		p.rows[docID] = append(p.rows[docID], docs.Row{Index: len(p.rows[docID])})
	}
	p.rows[docID][index].Text = text
}

func (p *memProvider) setStatus(docID string, index int, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[docID][index].Status = status
}

func (p *memProvider) row(docID string, index int) docs.Row {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows[docID][index]
}

func (p *memProvider) patches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.patchCalls
}

// mockOrderBook answers with canned values and records mutating calls.
type mockOrderBook struct {
	mu       sync.Mutex
	quote    backend.Quote
	quoteErr error
	balances map[string]decimal.Decimal
	result   backend.OrderResult
	execErr  error
	executed []models.Command
}

func (m *mockOrderBook) Execute(ctx context.Context, cmd models.Command, wallet backend.Wallet, poolKey, mgrID string) (*backend.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.execErr != nil {
		return nil, m.execErr
	}
	m.executed = append(m.executed, cmd)
	res := m.result
	return &res, nil
}

func (m *mockOrderBook) OpenOrders(ctx context.Context, wallet backend.Wallet, poolKey, mgrID string) ([]string, error) {
	return nil, nil
}

func (m *mockOrderBook) Balances(ctx context.Context, address string) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]decimal.Decimal{}
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

func (m *mockOrderBook) PlaceMarket(ctx context.Context, wallet backend.Wallet, poolKey string, side models.TradeSide, qty decimal.Decimal) (*backend.OrderResult, error) {
	res := m.result
	return &res, nil
}

func (m *mockOrderBook) MidPrice(ctx context.Context, poolKey string) (*backend.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	q := m.quote
	return &q, nil
}

func (m *mockOrderBook) CheckGas(ctx context.Context, address string) (*backend.GasStatus, error) {
	return &backend.GasStatus{OK: true}, nil
}

// mockNativeRail records transfers and returns synthetic tx ids.
type mockNativeRail struct {
	mu        sync.Mutex
	transfers []string
	failAfter int // fail the Nth transfer (1-based); 0 never fails
}

func (m *mockNativeRail) TransferUSDC(ctx context.Context, privateKey, to string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAfter > 0 && len(m.transfers)+1 == m.failAfter {
		return "", errors.New("rail rejected transfer")
	}
	m.transfers = append(m.transfers, fmt.Sprintf("%s:%s", to, amount))
	return fmt.Sprintf("0xtx%d", len(m.transfers)), nil
}

// mockManagedRail answers custodial payout and bridge calls.
type mockManagedRail struct {
	mu      sync.Mutex
	payouts []string
	bridges []string
}

func (m *mockManagedRail) EnsureWallet(ctx context.Context, docID string) (string, error) {
	return "mw-" + docID, nil
}

func (m *mockManagedRail) Payout(ctx context.Context, walletID, to string, amount decimal.Decimal) (*backend.PayoutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payouts = append(m.payouts, fmt.Sprintf("%s:%s", to, amount))
	return &backend.PayoutResult{ProviderTxID: fmt.Sprintf("mp-%d", len(m.payouts)), State: "COMPLETE"}, nil
}

func (m *mockManagedRail) Bridge(ctx context.Context, walletID, to string, amount decimal.Decimal, fromChain, toChain string) (*backend.PayoutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridges = append(m.bridges, fmt.Sprintf("%s->%s:%s", fromChain, toChain, amount))
	return &backend.PayoutResult{ProviderTxID: fmt.Sprintf("mb-%d", len(m.bridges)), State: "COMPLETE"}, nil
}

// mockChannel tracks sessions and submitted state versions.
type mockChannel struct {
	mu          sync.Mutex
	version     int64
	submissions []backend.StateTransition
	submitErr   error
}

func (m *mockChannel) AuthRequest(ctx context.Context, address string) (string, error) {
	return "challenge-" + address, nil
}

func (m *mockChannel) AuthVerify(ctx context.Context, address, signature string) (string, error) {
	return "jwt-" + address, nil
}

func (m *mockChannel) CreateAppSession(ctx context.Context, docID string, keys []models.SessionKey) (*backend.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = 1
	return &backend.SessionInfo{SessionID: "sess-" + docID, Version: 1, Status: "open"}, nil
}

func (m *mockChannel) SubmitAppState(ctx context.Context, sessionID string, transition backend.StateTransition, keys []models.SessionKey) (*backend.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	m.version++
	m.submissions = append(m.submissions, transition)
	return &backend.SessionInfo{SessionID: sessionID, Version: m.version, Status: "open"}, nil
}

func (m *mockChannel) CloseAppSession(ctx context.Context, sessionID string, keys []models.SessionKey) error {
	return nil
}

func (m *mockChannel) GetSessionStatus(ctx context.Context, sessionID string) (*backend.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &backend.SessionInfo{SessionID: sessionID, Version: m.version, Status: "open"}, nil
}

// mockWallets hands out deterministic addresses and an opaque blob.
type mockWallets struct{}

func (mockWallets) Create(ctx context.Context, docID string) ([]byte, string, string, error) {
	return []byte("blob-" + docID), "0x" + pad40("e"), "0xsui" + docID, nil
}

func (mockWallets) Materialize(ctx context.Context, blob []byte) (backend.Wallet, error) {
	return backend.Wallet{
		EVMAddress:    "0x" + pad40("e"),
		EVMPrivateKey: "priv-evm",
		SuiAddress:    "suiaddr",
		SuiPrivateKey: "priv-sui",
	}, nil
}

func pad40(ch string) string {
	out := ""
	for i := 0; i < 40; i++ {
		out += ch
	}
	return out
}

func addr(ch string) string { return "0x" + pad40(ch) }

// newTestAgent builds an agent on an in-memory store with the given backends.
func newTestAgent(t interface{ Fatalf(string, ...interface{}) }, clock *testClock, provider docs.Provider, be Backends) (*Agent, *store.Store) {
	st, err := store.Open(":memory:", clock.Now)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := &config.Config{
		PublicBaseURL:    "http://localhost:8080",
		OrderBookPoolKey: "SUI_USDC",
	}
	return New(cfg, st, provider, be), st
}

// seedDoc registers a document both in the provider's world and the store.
func seedDoc(st *store.Store, docID string) error {
	return st.UpsertDocument(docID, "Doc "+docID)
}

func parseForTest(text string) (models.Command, error) {
	return parser.Parse(text)
}
