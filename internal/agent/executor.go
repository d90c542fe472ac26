package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"treasury_watcher/internal/backend"
	"treasury_watcher/internal/models"
	"treasury_watcher/internal/policy"
	"treasury_watcher/internal/store"

	"github.com/shopspring/decimal"
)

// dispatchTimeout bounds one back-end dispatch. A hung venue fails the
// command instead of wedging the loop.
const dispatchTimeout = 20 * time.Second

// ExecutorTick claims at most one APPROVED command and drives it to a
// terminal state. One command per tick keeps ordering strict and failure
// blast radius small.
func (a *Agent) ExecutorTick(ctx context.Context) {
	if !a.execGuard.TryLock() {
		return
	}
	defer a.execGuard.Unlock()

	cmd, err := a.store.ClaimNextApproved()
	if err != nil {
		log.Printf("Executor: claim failed: %v", err)
		return
	}
	if cmd == nil {
		return
	}
	a.executeClaimed(ctx, cmd)
}

// executeClaimed runs one EXECUTING command to EXECUTED or FAILED and
// projects the outcome back into the document.
func (a *Agent) executeClaimed(ctx context.Context, cmd *models.StoredCommand) {
	if cmd.Parsed == nil {
		a.finish(ctx, cmd, "", fmt.Errorf("claimed command has no parsed payload"))
		return
	}

	// Policy is re-evaluated at the moment of execution. An approval
	// granted under an older policy does not outrun a tightened one.
	pol, err := a.policyFor(ctx, cmd.DocID)
	if err != nil {
		a.finish(ctx, cmd, "", fmt.Errorf("resolve policy: %w", err))
		return
	}
	spend, err := a.store.DailySpendUSDC(cmd.DocID)
	if err != nil {
		a.finish(ctx, cmd, "", fmt.Errorf("daily spend: %w", err))
		return
	}
	if verdict := policy.Evaluate(pol, *cmd.Parsed, policy.Context{DailySpendUSDC: spend}); !verdict.Allowed {
		a.finish(ctx, cmd, "", fmt.Errorf("policy denied at execution: %s", verdict.Reason))
		return
	}

	dctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	result, err := a.dispatch(dctx, cmd)
	a.finish(ctx, cmd, result, err)
}

// finish records the terminal transition and writes the row back.
func (a *Agent) finish(ctx context.Context, cmd *models.StoredCommand, result string, dispatchErr error) {
	var err error
	if dispatchErr != nil {
		log.Printf("[%s] Command %s FAILED: %v", cmd.DocID, cmd.CmdID, dispatchErr)
		err = a.store.Transition(cmd.CmdID, models.StatusExecuting, models.StatusFailed, result, dispatchErr.Error())
	} else {
		log.Printf("[%s] Command %s EXECUTED: %s", cmd.DocID, cmd.CmdID, result)
		err = a.store.Transition(cmd.CmdID, models.StatusExecuting, models.StatusExecuted, result, "")
	}
	if err != nil {
		log.Printf("[%s] Command %s terminal transition failed: %v", cmd.DocID, cmd.CmdID, err)
		return
	}
	a.projectCommand(ctx, cmd.DocID, cmd.CmdID)
}

// dispatch routes one command to its back-end. The returned string becomes
// the Result cell.
func (a *Agent) dispatch(ctx context.Context, cmd *models.StoredCommand) (string, error) {
	c := *cmd.Parsed
	switch c.Kind {
	case models.KindSetup:
		return a.execSetup(ctx, cmd)
	case models.KindStatus:
		return a.execStatus(ctx, cmd.DocID)
	case models.KindPrice:
		return a.execPrice(ctx)
	case models.KindTradeHistory:
		return a.execTradeHistory(cmd.DocID)
	case models.KindTreasury:
		return a.execTreasury(ctx, cmd.DocID)
	case models.KindSweepYield:
		return a.execSweepYield(ctx, cmd.DocID)

	case models.KindSessionCreate:
		return a.execSessionCreate(ctx, cmd.DocID)
	case models.KindSessionClose:
		return a.execSessionClose(ctx, cmd.DocID)
	case models.KindSessionStatus:
		return a.execSessionStatus(ctx, cmd.DocID)
	case models.KindYellowSend:
		return a.execYellowSend(ctx, cmd)

	case models.KindSignerAdd:
		weight := c.Weight
		if weight < 1 {
			weight = 1
		}
		if err := a.store.UpsertSigner(cmd.DocID, c.SignerAddress, weight); err != nil {
			return "", err
		}
		return fmt.Sprintf("Signer %s registered with weight %d", c.SignerAddress, weight), nil
	case models.KindQuorum:
		if err := a.store.SetQuorum(cmd.DocID, c.Quorum); err != nil {
			return "", err
		}
		return fmt.Sprintf("Quorum set to %d", c.Quorum), nil
	case models.KindPolicyENS:
		if err := a.store.SetPolicyENS(cmd.DocID, c.ENSName); err != nil {
			return "", err
		}
		return fmt.Sprintf("Policy source set to %s", c.ENSName), nil

	case models.KindLimitBuy, models.KindLimitSell, models.KindMarketBuy, models.KindMarketSell,
		models.KindCancel, models.KindSettle, models.KindDeposit, models.KindWithdraw:
		return a.execOrderBook(ctx, cmd)

	case models.KindPayout:
		return a.execPayout(ctx, cmd, c.To, c.AmountUSDC, "payout")
	case models.KindPayoutSplit:
		return a.execPayoutSplit(ctx, cmd)
	case models.KindBridge, models.KindRebalance:
		return a.execBridge(ctx, cmd)

	case models.KindSchedule:
		sched, err := a.store.InsertSchedule(cmd.DocID, c.IntervalHours, c.InnerText)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Schedule %s armed: every %gh: %s", sched.ScheduleID, c.IntervalHours, c.InnerText), nil
	case models.KindCancelSchedule:
		if err := a.store.CancelSchedule(c.ScheduleID); err != nil {
			return "", err
		}
		return fmt.Sprintf("Schedule %s cancelled", c.ScheduleID), nil

	case models.KindStopLoss:
		return a.armConditional(cmd.DocID, models.CondStopLoss, c)
	case models.KindTakeProfit:
		return a.armConditional(cmd.DocID, models.CondTakeProfit, c)
	case models.KindAlertThreshold:
		if err := a.store.SetDocConfig(cmd.DocID, "alert_threshold_usdc", c.Threshold.String()); err != nil {
			return "", err
		}
		return fmt.Sprintf("Balance alert threshold set to %s USDC", c.Threshold), nil
	case models.KindAutoRebalance:
		v := "off"
		if c.Enabled {
			v = "on"
		}
		if err := a.store.SetDocConfig(cmd.DocID, "auto_rebalance", v); err != nil {
			return "", err
		}
		return fmt.Sprintf("Auto-rebalance %s", v), nil

	case models.KindTx, models.KindSign:
		if a.be.WalletBridge == nil {
			return "", errors.New("wallet bridge back-end not configured")
		}
		out, err := a.be.WalletBridge.Request(ctx, c.RawJSON)
		if err != nil {
			return "", err
		}
		if c.Kind == models.KindTx && out != "" {
			if err := a.store.AppendTxID(cmd.CmdID, "wallet_rpc", out); err != nil {
				return "", err
			}
		}
		return out, nil
	case models.KindConnect:
		if a.be.WalletBridge == nil {
			return "", errors.New("wallet bridge back-end not configured")
		}
		if err := a.be.WalletBridge.Connect(ctx, c.URI); err != nil {
			return "", err
		}
		return "WalletConnect pairing established", nil
	}
	return "", fmt.Errorf("no executor for command kind %s", c.Kind)
}

// walletFor materialises the document's signing wallet for one dispatch.
func (a *Agent) walletFor(ctx context.Context, docID string) (backend.Wallet, error) {
	if a.be.Wallets == nil {
		return backend.Wallet{}, errors.New("wallet factory not configured")
	}
	blob, err := a.store.GetSecrets(docID)
	if errors.Is(err, store.ErrNotFound) {
		return backend.Wallet{}, errors.New("document has no wallet; run SETUP first")
	}
	if err != nil {
		return backend.Wallet{}, err
	}
	return a.be.Wallets.Materialize(ctx, blob)
}

func (a *Agent) execSetup(ctx context.Context, cmd *models.StoredCommand) (string, error) {
	if a.be.Wallets == nil {
		return "", errors.New("wallet factory not configured")
	}
	doc, err := a.store.GetDocument(cmd.DocID)
	if err != nil {
		return "", err
	}
	// SETUP is idempotent: a second run reports the existing addresses.
	if doc.EVMAddress != "" || doc.SuiAddress != "" {
		return fmt.Sprintf("Already initialised. EVM %s, Sui %s", doc.EVMAddress, doc.SuiAddress), nil
	}

	blob, evmAddr, suiAddr, err := a.be.Wallets.Create(ctx, cmd.DocID)
	if err != nil {
		return "", err
	}
	if err := a.store.SetSecrets(cmd.DocID, blob); err != nil {
		return "", err
	}
	if err := a.store.SetDocumentAddresses(cmd.DocID, evmAddr, suiAddr); err != nil {
		return "", err
	}
	if err := a.provider.WriteConfig(ctx, cmd.DocID, "evm_address", evmAddr); err != nil {
		log.Printf("[%s] Publish evm_address: %v", cmd.DocID, err)
	}
	if err := a.provider.WriteConfig(ctx, cmd.DocID, "sui_address", suiAddr); err != nil {
		log.Printf("[%s] Publish sui_address: %v", cmd.DocID, err)
	}
	return fmt.Sprintf("Wallets created. EVM %s, Sui %s", evmAddr, suiAddr), nil
}

func (a *Agent) execStatus(ctx context.Context, docID string) (string, error) {
	cmds, err := a.store.ListCommands(docID, 200)
	if err != nil {
		return "", err
	}
	counts := map[models.CommandStatus]int{}
	for _, c := range cmds {
		counts[c.Status]++
	}
	quorum, err := a.store.GetQuorum(docID)
	if err != nil {
		return "", err
	}
	signers, err := a.store.ListSigners(docID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "signers=%d quorum=%d pending=%d approved=%d executed=%d failed=%d",
		len(signers), quorum,
		counts[models.StatusPendingApproval], counts[models.StatusApproved],
		counts[models.StatusExecuted], counts[models.StatusFailed])
	if sess, err := a.store.GetSession(docID); err == nil {
		fmt.Fprintf(&sb, " session=%s/v%d", sess.Status, sess.Version)
	}
	return sb.String(), nil
}

func (a *Agent) execPrice(ctx context.Context) (string, error) {
	if a.be.OrderBook != nil {
		if q, err := a.be.OrderBook.MidPrice(ctx, a.cfg.OrderBookPoolKey); err == nil {
			return fmt.Sprintf("%s mid=%s bid=%s ask=%s", PricePair, q.Mid, q.Bid, q.Ask), nil
		}
	}
	p, err := a.store.GetPrice(PricePair)
	if errors.Is(err, store.ErrNotFound) {
		return "", errors.New("no price available yet")
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s mid=%s bid=%s ask=%s (cached %s)", p.Pair, p.Mid, p.Bid, p.Ask, p.At.UTC().Format(time.RFC3339)), nil
}

func (a *Agent) execTradeHistory(docID string) (string, error) {
	trades, err := a.store.ListTrades(docID, 10)
	if err != nil {
		return "", err
	}
	if len(trades) == 0 {
		return "No trades recorded", nil
	}

	bought, sold := decimal.Zero, decimal.Zero
	var sb strings.Builder
	for _, t := range trades {
		fmt.Fprintf(&sb, "%s %s %s @ %s; ", t.Side, t.Qty, PricePair, t.Price)
		switch t.Side {
		case models.SideBuy:
			bought = bought.Add(t.Notional)
		case models.SideSell:
			sold = sold.Add(t.Notional)
		}
	}
	fmt.Fprintf(&sb, "net flow %s USDC over last %d trades", sold.Sub(bought), len(trades))
	return sb.String(), nil
}

func (a *Agent) execTreasury(ctx context.Context, docID string) (string, error) {
	if a.be.OrderBook == nil {
		return "", errors.New("order book back-end not configured")
	}
	doc, err := a.store.GetDocument(docID)
	if err != nil {
		return "", err
	}
	if doc.SuiAddress == "" {
		return "", errors.New("document has no wallet; run SETUP first")
	}
	balances, err := a.be.OrderBook.Balances(ctx, doc.SuiAddress)
	if err != nil {
		return "", err
	}
	if len(balances) == 0 {
		return "Treasury is empty", nil
	}
	var parts []string
	for coin, amt := range balances {
		parts = append(parts, fmt.Sprintf("%s=%s", coin, amt))
	}
	return strings.Join(parts, " "), nil
}

func (a *Agent) execSweepYield(ctx context.Context, docID string) (string, error) {
	if a.be.OrderBook == nil {
		return "", errors.New("order book back-end not configured")
	}
	doc, err := a.store.GetDocument(docID)
	if err != nil {
		return "", err
	}
	balances, err := a.be.OrderBook.Balances(ctx, doc.SuiAddress)
	if err != nil {
		return "", err
	}
	idle := balances["USDC"]
	if idle.IsZero() {
		return "No idle USDC to sweep", nil
	}
	return fmt.Sprintf("Idle USDC: %s. No yield venue wired; holding", idle), nil
}

func (a *Agent) execSessionCreate(ctx context.Context, docID string) (string, error) {
	if a.be.StateChannel == nil {
		return "", errors.New("state channel back-end not configured")
	}
	keys, err := a.sessionKeys(docID)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", errors.New("no signer session keys registered; signers must join first")
	}
	info, err := a.be.StateChannel.CreateAppSession(ctx, docID, keys)
	if err != nil {
		return "", err
	}
	if err := a.store.UpsertSession(models.ChannelSession{
		DocID:       docID,
		SessionID:   info.SessionID,
		Version:     info.Version,
		Status:      models.SessionOpen,
		Allocations: info.Allocations,
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Session %s open at version %d", info.SessionID, info.Version), nil
}

func (a *Agent) execSessionClose(ctx context.Context, docID string) (string, error) {
	if a.be.StateChannel == nil {
		return "", errors.New("state channel back-end not configured")
	}
	sess, err := a.store.GetSession(docID)
	if errors.Is(err, store.ErrNotFound) {
		return "", errors.New("no session to close")
	}
	if err != nil {
		return "", err
	}
	keys, err := a.sessionKeys(docID)
	if err != nil {
		return "", err
	}
	if err := a.be.StateChannel.CloseAppSession(ctx, sess.SessionID, keys); err != nil {
		return "", err
	}
	if err := a.store.CloseSession(docID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Session %s closed at version %d", sess.SessionID, sess.Version), nil
}

func (a *Agent) execSessionStatus(ctx context.Context, docID string) (string, error) {
	if a.be.StateChannel == nil {
		return "", errors.New("state channel back-end not configured")
	}
	sess, err := a.store.GetSession(docID)
	if errors.Is(err, store.ErrNotFound) {
		return "No session", nil
	}
	if err != nil {
		return "", err
	}
	info, err := a.be.StateChannel.GetSessionStatus(ctx, sess.SessionID)
	if err != nil {
		return fmt.Sprintf("Session %s local view: %s/v%d (back-end unreachable)", sess.SessionID, sess.Status, sess.Version), nil
	}
	return fmt.Sprintf("Session %s %s at version %d", info.SessionID, info.Status, info.Version), nil
}

func (a *Agent) execYellowSend(ctx context.Context, cmd *models.StoredCommand) (string, error) {
	if a.be.StateChannel == nil {
		return "", errors.New("state channel back-end not configured")
	}
	sess, err := a.store.GetSession(cmd.DocID)
	if errors.Is(err, store.ErrNotFound) {
		return "", errors.New("no open session; run SESSION CREATE first")
	}
	if err != nil {
		return "", err
	}
	if sess.Status != models.SessionOpen {
		return "", fmt.Errorf("session is %s", sess.Status)
	}
	keys, err := a.sessionKeys(cmd.DocID)
	if err != nil {
		return "", err
	}
	transition := backend.StateTransition{
		DocID:   cmd.DocID,
		CmdID:   cmd.CmdID,
		RawText: cmd.RawText,
		At:      a.store.Now(),
	}
	info, err := a.be.StateChannel.SubmitAppState(ctx, sess.SessionID, transition, keys)
	if err != nil {
		return "", err
	}
	if err := a.store.SetSessionVersion(cmd.DocID, info.Version); err != nil {
		return "", err
	}
	c := *cmd.Parsed
	return fmt.Sprintf("Sent %s USDC to %s off-chain, session version %d", c.AmountUSDC, c.To, info.Version), nil
}

// sessionKeys collects every unexpired delegated key for the document.
func (a *Agent) sessionKeys(docID string) ([]models.SessionKey, error) {
	signers, err := a.store.ListSigners(docID)
	if err != nil {
		return nil, err
	}
	now := a.store.Now()
	var keys []models.SessionKey
	for _, sg := range signers {
		key, err := a.store.GetSessionKey(docID, sg.Address)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if key.ExpiresAt.After(now) {
			keys = append(keys, *key)
		}
	}
	return keys, nil
}

func (a *Agent) execOrderBook(ctx context.Context, cmd *models.StoredCommand) (string, error) {
	if a.be.OrderBook == nil {
		return "", errors.New("order book back-end not configured")
	}
	wallet, err := a.walletFor(ctx, cmd.DocID)
	if err != nil {
		return "", err
	}
	mgrID, err := a.store.GetDocConfig(cmd.DocID, "mgr_id")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	c := *cmd.Parsed
	res, err := a.be.OrderBook.Execute(ctx, c, wallet, a.cfg.OrderBookPoolKey, mgrID)
	if err != nil {
		return "", err
	}
	if res.MgrID != "" && res.MgrID != mgrID {
		if err := a.store.SetDocConfig(cmd.DocID, "mgr_id", res.MgrID); err != nil {
			return "", err
		}
	}
	if res.TxID != "" {
		if err := a.store.AppendTxID(cmd.CmdID, "orderbook", res.TxID); err != nil {
			return "", err
		}
	}

	if err := a.recordFill(cmd, c, res); err != nil {
		return "", err
	}

	switch c.Kind {
	case models.KindCancel:
		return fmt.Sprintf("Order %s cancelled", c.OrderID), nil
	case models.KindSettle:
		return "Balances settled", nil
	case models.KindDeposit:
		return fmt.Sprintf("Deposited %s %s", c.AmountUSDC, c.Coin), nil
	case models.KindWithdraw:
		return fmt.Sprintf("Withdrew %s %s", c.AmountUSDC, c.Coin), nil
	}

	price := res.FillPrice
	if price.IsZero() {
		price = c.Price
	}
	if res.OrderID != "" {
		return fmt.Sprintf("%s %s %s @ %s, order %s", c.Kind, c.Qty, c.Pair(), price, res.OrderID), nil
	}
	return fmt.Sprintf("%s %s %s @ %s", c.Kind, c.Qty, c.Pair(), price), nil
}

// recordFill appends a trade row for buy/sell commands. When the venue
// reports no fill price the quoted mid serves as the reference price.
func (a *Agent) recordFill(cmd *models.StoredCommand, c models.Command, res *backend.OrderResult) error {
	var side models.TradeSide
	switch c.Kind {
	case models.KindMarketBuy, models.KindLimitBuy:
		side = models.SideBuy
	case models.KindMarketSell, models.KindLimitSell:
		side = models.SideSell
	default:
		return nil
	}

	price := res.FillPrice
	if price.IsZero() {
		p, err := a.store.GetPrice(PricePair)
		if err != nil {
			return nil // no price reference; skip the trade record
		}
		price = p.Mid
	}
	_, err := a.store.InsertTrade(models.Trade{
		DocID:    cmd.DocID,
		CmdID:    cmd.CmdID,
		Side:     side,
		Qty:      c.Qty,
		Price:    price,
		Notional: c.Qty.Mul(price),
		Fee:      decimal.Zero,
		TxID:     res.TxID,
	})
	return err
}

func (a *Agent) execPayout(ctx context.Context, cmd *models.StoredCommand, to string, amount decimal.Decimal, label string) (string, error) {
	if a.cfg.ManagedRailEnabled && a.be.ManagedRail != nil {
		walletID, err := a.managedWallet(ctx, cmd.DocID)
		if err != nil {
			return "", err
		}
		res, err := a.be.ManagedRail.Payout(ctx, walletID, to, amount)
		if err != nil {
			return "", err
		}
		txID := res.TxID
		if txID == "" {
			txID = res.ProviderTxID
		}
		if err := a.store.AppendTxID(cmd.CmdID, label, txID); err != nil {
			return "", err
		}
		return fmt.Sprintf("Paid %s USDC to %s (tx %s)", amount, to, txID), nil
	}

	if a.be.NativeRail == nil {
		return "", errors.New("no payout rail configured")
	}
	wallet, err := a.walletFor(ctx, cmd.DocID)
	if err != nil {
		return "", err
	}
	txID, err := a.be.NativeRail.TransferUSDC(ctx, wallet.EVMPrivateKey, to, amount)
	if err != nil {
		return "", err
	}
	if err := a.store.AppendTxID(cmd.CmdID, label, txID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Paid %s USDC to %s (tx %s)", amount, to, txID), nil
}

// execPayoutSplit pays each leg in declared order. A failed leg fails the
// command; tx ids of the legs already paid stay recorded so the failure is
// auditable and never re-pays a completed leg.
func (a *Agent) execPayoutSplit(ctx context.Context, cmd *models.StoredCommand) (string, error) {
	c := *cmd.Parsed
	hundred := decimal.NewFromInt(100)

	var parts []string
	for i, r := range c.Recipients {
		legAmount := c.AmountUSDC.Mul(r.Pct).Div(hundred)
		label := fmt.Sprintf("payout_%d", i)
		if _, err := a.execPayout(ctx, cmd, r.Address, legAmount, label); err != nil {
			return "", fmt.Errorf("leg %d (%s): %w", i, r.Address, err)
		}
		parts = append(parts, fmt.Sprintf("%s to %s", legAmount, r.Address))
	}
	return "Split paid: " + strings.Join(parts, ", "), nil
}

func (a *Agent) execBridge(ctx context.Context, cmd *models.StoredCommand) (string, error) {
	if a.be.ManagedRail == nil {
		return "", errors.New("bridge rail not configured")
	}
	c := *cmd.Parsed

	to := c.To
	if to == "" {
		doc, err := a.store.GetDocument(cmd.DocID)
		if err != nil {
			return "", err
		}
		if doc.EVMAddress == "" {
			return "", errors.New("document has no wallet; run SETUP first")
		}
		to = doc.EVMAddress
	}

	walletID, err := a.managedWallet(ctx, cmd.DocID)
	if err != nil {
		return "", err
	}
	res, err := a.be.ManagedRail.Bridge(ctx, walletID, to, c.AmountUSDC, c.FromChain, c.ToChain)
	if err != nil {
		return "", err
	}
	txID := res.TxID
	if txID == "" {
		txID = res.ProviderTxID
	}
	if err := a.store.AppendTxID(cmd.CmdID, "bridge", txID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Bridged %s USDC %s -> %s (tx %s, state %s)", c.AmountUSDC, c.FromChain, c.ToChain, txID, res.State), nil
}

// managedWallet returns the document's custodial wallet id, creating and
// recording it on first use.
func (a *Agent) managedWallet(ctx context.Context, docID string) (string, error) {
	walletID, _, err := a.store.GetWallet(docID)
	if err == nil {
		return walletID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	walletID, err = a.be.ManagedRail.EnsureWallet(ctx, docID)
	if err != nil {
		return "", err
	}
	if err := a.store.SetWallet(docID, walletID, "LIVE"); err != nil {
		return "", err
	}
	return walletID, nil
}

func (a *Agent) armConditional(docID string, kind models.ConditionalKind, c models.Command) (string, error) {
	quote := c.Quote
	if quote == "" {
		quote = "USDC"
	}
	order, err := a.store.InsertConditionalOrder(docID, kind, c.Base, quote, c.TriggerPrice, c.Qty)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s armed (%s): sell %s %s when price crosses %s", kind, order.OrderID, c.Qty, c.Base, c.TriggerPrice), nil
}
