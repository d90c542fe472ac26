package agent

import (
	"context"
	"log"
	"strings"
)

// BalancesTick snapshots every document's venue balances into doc config.
// The advisor and STATUS reads work off these snapshots instead of hitting
// the venue themselves.
func (a *Agent) BalancesTick(ctx context.Context) {
	if !a.balancesGuard.TryLock() {
		return
	}
	defer a.balancesGuard.Unlock()

	if a.be.OrderBook == nil {
		return
	}

	docs, err := a.store.ListDocuments()
	if err != nil {
		log.Printf("Balances: list documents: %v", err)
		return
	}

	for _, doc := range docs {
		if doc.SuiAddress == "" {
			continue
		}
		balances, err := a.be.OrderBook.Balances(ctx, doc.SuiAddress)
		if err != nil {
			log.Printf("[%s] Balances fetch: %v", doc.DocID, err)
			continue
		}
		for coin, amt := range balances {
			key := "balance_" + strings.ToUpper(coin)
			if err := a.store.SetDocConfig(doc.DocID, key, amt.String()); err != nil {
				log.Printf("[%s] Balances store %s: %v", doc.DocID, key, err)
			}
		}
	}
}
