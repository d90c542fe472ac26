// Package agent hosts the control plane: the cooperating periodic loops that
// turn a document's command table into a durable, policy-gated, multi-signer
// execution pipeline. The store is the single source of truth; the document
// is a projection of it.
package agent

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"treasury_watcher/internal/backend"
	"treasury_watcher/internal/config"
	"treasury_watcher/internal/docs"
	"treasury_watcher/internal/policy"
	"treasury_watcher/internal/store"
)

// PricePair is the single pair served by the oracle.
const PricePair = "SUI/USDC"

// Backends bundles the external capabilities handed to the agent at startup.
// Nil entries disable the corresponding command kinds.
type Backends struct {
	OrderBook    backend.OrderBook
	NativeRail   backend.NativeRail
	ManagedRail  backend.ManagedRail
	StateChannel backend.StateChannel
	WalletBridge backend.WalletBridge
	Resolver     backend.PolicyResolver
	Wallets      backend.WalletFactory
	Verifier     backend.SignatureVerifier
}

// Agent supervises every tracked document.
type Agent struct {
	cfg      *config.Config
	store    *store.Store
	provider docs.Provider
	be       Backends

	// Per-loop re-entrancy guards: a tick that finds its guard held is
	// skipped, never queued.
	syncGuard     sync.Mutex
	execGuard     sync.Mutex
	schedGuard    sync.Mutex
	oracleGuard   sync.Mutex
	balancesGuard sync.Mutex
	advisorGuard  sync.Mutex

	// Advisor proposal cooldowns, keyed docID|kind.
	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time
}

// New wires an agent. The store's clock governs all time decisions.
func New(cfg *config.Config, st *store.Store, provider docs.Provider, be Backends) *Agent {
	return &Agent{
		cfg:       cfg,
		store:     st,
		provider:  provider,
		be:        be,
		cooldowns: make(map[string]time.Time),
	}
}

// RunLoops starts every periodic loop and blocks until ctx is cancelled.
// Each loop finishes its in-flight tick before exiting.
func (a *Agent) RunLoops(ctx context.Context) {
	var wg sync.WaitGroup

	loops := []struct {
		name     string
		interval time.Duration
		tick     func(context.Context)
	}{
		{"sync", secs(a.cfg.PollIntervalSec), a.SyncTick},
		{"executor", secs(a.cfg.ExecutorIntervalSec), a.ExecutorTick},
		{"scheduler", secs(a.cfg.SchedulerIntervalSec), a.SchedulerTick},
		{"oracle", secs(a.cfg.OracleIntervalSec), a.OracleTick},
		{"balances", secs(a.cfg.BalancesIntervalSec), a.BalancesTick},
		{"advisor", secs(a.cfg.AdvisorIntervalSec), a.AdvisorTick},
	}

	for _, loop := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, tick func(context.Context)) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			tick(ctx) // run once immediately on start
			for {
				select {
				case <-ctx.Done():
					log.Printf("Loop %s stopping", name)
					return
				case <-ticker.C:
					tick(ctx)
				}
			}
		}(loop.name, loop.interval, loop.tick)
	}

	wg.Wait()
}

func secs(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(n) * time.Second
}

// policyFor resolves the active policy for a document: the ENS-resolved
// document when a name is set, otherwise the locally stored policy JSON,
// otherwise nil (no constraint).
func (a *Agent) policyFor(ctx context.Context, docID string) (*policy.Policy, error) {
	doc, err := a.store.GetDocument(docID)
	if err != nil {
		return nil, err
	}
	if doc.PolicyENS != "" && a.be.Resolver != nil {
		return a.be.Resolver.GetPolicy(ctx, doc.PolicyENS)
	}
	raw, err := a.store.GetDocConfig(docID, "policy")
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return policy.ParseJSON([]byte(raw))
}

// approvalURL renders the browser link for one pending command.
func (a *Agent) approvalURL(docID, cmdID string) string {
	return a.cfg.PublicBaseURL + "/approve/" + docID + "/" + cmdID
}
