package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"treasury_watcher/internal/docs"
	"treasury_watcher/internal/models"
	"treasury_watcher/internal/parser"
	"treasury_watcher/internal/store"

	"github.com/shopspring/decimal"
)

// proposalCooldown spaces repeated proposals of the same kind for the same
// document. A declined proposal is not re-raised before the cooldown runs
// out.
const proposalCooldown = 6 * time.Hour

const stuckAge = time.Hour

var (
	concentrationLimit = decimal.NewFromFloat(0.80)
	spreadAlertPct     = decimal.NewFromFloat(0.05)
	rebalanceFraction  = decimal.NewFromFloat(0.25)
	rebalanceFloor     = decimal.NewFromInt(500)
	idleUSDCLevel      = decimal.NewFromInt(1000)
)

// AdvisorTick raises alerts and injects proposals. A proposal is an ordinary
// row: it enters PENDING_APPROVAL and moves nowhere without signer quorum.
func (a *Agent) AdvisorTick(ctx context.Context) {
	if !a.advisorGuard.TryLock() {
		return
	}
	defer a.advisorGuard.Unlock()

	documents, err := a.store.ListDocuments()
	if err != nil {
		log.Printf("Advisor: list documents: %v", err)
		return
	}

	for _, doc := range documents {
		a.adviseDocument(ctx, doc)
	}
}

func (a *Agent) adviseDocument(ctx context.Context, doc models.Document) {
	a.alertStuckCommands(doc.DocID)
	a.alertGas(ctx, doc)
	a.alertLowBalance(doc.DocID)
	a.alertWideSpread(doc.DocID)

	a.proposeSession(ctx, doc.DocID)
	a.proposePolicy(ctx, doc)
	a.proposeStopLoss(ctx, doc.DocID)
	a.proposeRebalance(ctx, doc.DocID)
	a.proposeSweepYield(ctx, doc.DocID)
}

// cooldownOK reports whether a proposal kind may fire for a document and, if
// so, starts its cooldown.
func (a *Agent) cooldownOK(docID string, kind models.CommandKind) bool {
	key := docID + "|" + string(kind)
	now := a.store.Now()

	a.cooldownMu.Lock()
	defer a.cooldownMu.Unlock()
	if last, ok := a.cooldowns[key]; ok && now.Sub(last) < proposalCooldown {
		return false
	}
	a.cooldowns[key] = now
	return true
}

// propose injects one PENDING_APPROVAL command and appends its row.
func (a *Agent) propose(ctx context.Context, docID, rawText string, parsed models.Command) {
	cmd, err := a.store.CreateCommand(docID, rawText, &parsed, models.StatusPendingApproval)
	if err != nil {
		log.Printf("[%s] Advisor proposal failed: %v", docID, err)
		return
	}
	log.Printf("[%s] Advisor proposed %s as %s", docID, parsed.Kind, cmd.CmdID)

	if err := a.provider.AppendRow(ctx, docID, docs.Row{
		ID:          cmd.CmdID,
		Text:        rawText,
		Status:      string(models.StatusPendingApproval),
		ApprovalURL: a.approvalURL(docID, cmd.CmdID),
	}); err != nil {
		log.Printf("[%s] Advisor append row: %v", docID, err)
	}
	if _, err := a.store.BumpCounter(docID, "advisor_proposals"); err != nil {
		log.Printf("[%s] Advisor counter: %v", docID, err)
	}
}

func (a *Agent) alert(docID, counter, msg string) {
	log.Printf("[%s] ALERT %s", docID, msg)
	if _, err := a.store.BumpCounter(docID, counter); err != nil {
		log.Printf("[%s] Alert counter %s: %v", docID, counter, err)
	}
}

func (a *Agent) alertStuckCommands(docID string) {
	stuck, err := a.store.StuckCommands(docID, stuckAge)
	if err != nil {
		log.Printf("[%s] Advisor stuck query: %v", docID, err)
		return
	}
	for _, cmd := range stuck {
		a.alert(docID, "alerts_stuck", fmt.Sprintf("command %s stuck in %s since %s",
			cmd.CmdID, cmd.Status, cmd.CreatedAt.UTC().Format(time.RFC3339)))
	}
}

func (a *Agent) alertGas(ctx context.Context, doc models.Document) {
	if a.be.OrderBook == nil || doc.SuiAddress == "" {
		return
	}
	gas, err := a.be.OrderBook.CheckGas(ctx, doc.SuiAddress)
	if err != nil {
		log.Printf("[%s] Advisor gas check: %v", doc.DocID, err)
		return
	}
	if !gas.OK {
		a.alert(doc.DocID, "alerts_gas", fmt.Sprintf("gas balance %s below minimum %s", gas.Balance, gas.Min))
	}
}

func (a *Agent) alertLowBalance(docID string) {
	threshold, err := a.configDecimal(docID, "alert_threshold_usdc")
	if err != nil || threshold.IsZero() {
		return
	}
	balance, err := a.configDecimal(docID, "balance_USDC")
	if err != nil {
		return
	}
	if balance.LessThan(threshold) {
		a.alert(docID, "alerts_balance", fmt.Sprintf("USDC balance %s below threshold %s", balance, threshold))
	}
}

func (a *Agent) alertWideSpread(docID string) {
	p, err := a.store.GetPrice(PricePair)
	if err != nil {
		return
	}
	if p.Mid.IsZero() {
		return
	}
	spread := p.Ask.Sub(p.Bid).Div(p.Mid)
	if spread.GreaterThan(spreadAlertPct) {
		a.alert(docID, "alerts_spread", fmt.Sprintf("%s spread %s%% exceeds alert level", PricePair, spread.Mul(decimal.NewFromInt(100)).Round(2)))
	}
}

// proposeSession suggests opening a state channel session once signers have
// delegated keys but no session is open.
func (a *Agent) proposeSession(ctx context.Context, docID string) {
	if a.be.StateChannel == nil {
		return
	}
	if _, err := a.store.GetSession(docID); !errors.Is(err, store.ErrNotFound) {
		return
	}
	keys, err := a.sessionKeys(docID)
	if err != nil || len(keys) == 0 {
		return
	}
	if !a.cooldownOK(docID, models.KindSessionCreate) {
		return
	}
	a.propose(ctx, docID, "[ADVISOR] DW SESSION_CREATE",
		models.Command{Kind: models.KindSessionCreate})
}

// proposePolicy nudges documents with a configured ENS policy name whose
// active policy source has not switched to it yet.
func (a *Agent) proposePolicy(ctx context.Context, doc models.Document) {
	name, err := a.store.GetDocConfig(doc.DocID, "policy_ens")
	if err != nil || name == "" || doc.PolicyENS == name {
		return
	}
	if !a.cooldownOK(doc.DocID, models.KindPolicyENS) {
		return
	}
	a.propose(ctx, doc.DocID, "[ADVISOR] DW POLICY_ENS "+name,
		models.Command{Kind: models.KindPolicyENS, ENSName: name})
}

// proposeStopLoss suggests downside protection for an unhedged position.
func (a *Agent) proposeStopLoss(ctx context.Context, docID string) {
	position, err := a.configDecimal(docID, "balance_SUI")
	if err != nil || !position.IsPositive() {
		return
	}
	orders, err := a.store.ActiveConditionalOrders()
	if err != nil {
		return
	}
	for _, order := range orders {
		if order.DocID == docID && order.Kind == models.CondStopLoss {
			return
		}
	}
	p, err := a.store.GetPrice(PricePair)
	if err != nil || !p.Mid.IsPositive() {
		return
	}
	if !a.cooldownOK(docID, models.KindStopLoss) {
		return
	}

	trigger := p.Mid.Mul(decimal.NewFromFloat(0.90)).Round(4)
	raw := fmt.Sprintf("[ADVISOR] DW STOP_LOSS SUI %s @ %s", position, trigger)
	a.propose(ctx, docID, raw, models.Command{
		Kind:         models.KindStopLoss,
		Base:         "SUI",
		Quote:        "USDC",
		TriggerPrice: trigger,
		Qty:          position,
	})
}

// proposeRebalance suggests moving value off a chain holding most of the
// treasury. Treasuries below the floor are left alone.
func (a *Agent) proposeRebalance(ctx context.Context, docID string) {
	if a.be.ManagedRail == nil {
		return
	}

	values := a.chainValues(docID)
	total := decimal.Zero
	dominant := ""
	for chain, v := range values {
		total = total.Add(v)
		if dominant == "" || v.GreaterThan(values[dominant]) {
			dominant = chain
		}
	}
	if dominant == "" || total.LessThanOrEqual(rebalanceFloor) {
		return
	}
	if values[dominant].Div(total).LessThanOrEqual(concentrationLimit) {
		return
	}
	if !a.cooldownOK(docID, models.KindRebalance) {
		return
	}

	dest := "BASE"
	if dominant == "BASE" {
		dest = "SUI"
	}
	amount := values[dominant].Mul(rebalanceFraction).Round(2)
	raw := fmt.Sprintf("[ADVISOR] DW REBALANCE %s FROM %s TO %s", amount, dominant, dest)
	a.propose(ctx, docID, raw, models.Command{
		Kind:       models.KindRebalance,
		AmountUSDC: amount,
		FromChain:  dominant,
		ToChain:    dest,
	})
}

// chainValues estimates treasury value per chain in USDC. The venue snapshot
// covers the SUI chain; other chains report through balance_<CHAIN>_USDC
// config entries.
func (a *Agent) chainValues(docID string) map[string]decimal.Decimal {
	values := map[string]decimal.Decimal{}

	suiChain := decimal.Zero
	if sui, err := a.configDecimal(docID, "balance_SUI"); err == nil && sui.IsPositive() {
		if p, err := a.store.GetPrice(PricePair); err == nil && p.Mid.IsPositive() {
			suiChain = suiChain.Add(sui.Mul(p.Mid))
		}
	}
	if usdc, err := a.configDecimal(docID, "balance_USDC"); err == nil && usdc.IsPositive() {
		suiChain = suiChain.Add(usdc)
	}
	if suiChain.IsPositive() {
		values["SUI"] = suiChain
	}

	for chain := range parser.Chains {
		if chain == "SUI" {
			continue
		}
		if v, err := a.configDecimal(docID, "balance_"+chain+"_USDC"); err == nil && v.IsPositive() {
			values[chain] = v
		}
	}
	return values
}

// proposeSweepYield suggests putting a large idle USDC balance to work.
func (a *Agent) proposeSweepYield(ctx context.Context, docID string) {
	usdc, err := a.configDecimal(docID, "balance_USDC")
	if err != nil || usdc.LessThan(idleUSDCLevel) {
		return
	}
	if !a.cooldownOK(docID, models.KindSweepYield) {
		return
	}
	a.propose(ctx, docID, "[ADVISOR] DW SWEEP_YIELD",
		models.Command{Kind: models.KindSweepYield})
}

// configDecimal reads a doc_config value as a decimal. ErrNotFound surfaces
// unchanged so callers can treat absence as "feature off".
func (a *Agent) configDecimal(docID, key string) (decimal.Decimal, error) {
	v, err := a.store.GetDocConfig(docID, key)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(v)
}
