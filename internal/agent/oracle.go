package agent

import (
	"context"
	"fmt"
	"log"

	"treasury_watcher/internal/docs"
	"treasury_watcher/internal/models"

	"github.com/shopspring/decimal"
)

// OracleTick refreshes the cached quote and evaluates armed conditional
// orders against the fresh mid. A fetch failure keeps the stale cache and
// skips evaluation; stale prices must never fire triggers.
func (a *Agent) OracleTick(ctx context.Context) {
	if !a.oracleGuard.TryLock() {
		return
	}
	defer a.oracleGuard.Unlock()

	if a.be.OrderBook == nil {
		return
	}

	quote, err := a.be.OrderBook.MidPrice(ctx, a.cfg.OrderBookPoolKey)
	if err != nil {
		log.Printf("Oracle: quote fetch failed, keeping cached price: %v", err)
		return
	}
	if !quote.Mid.IsPositive() {
		log.Printf("Oracle: non-positive mid %s, skipping tick", quote.Mid)
		return
	}

	if err := a.store.UpsertPrice(models.PricePoint{
		Pair:   PricePair,
		Mid:    quote.Mid,
		Bid:    quote.Bid,
		Ask:    quote.Ask,
		Source: "orderbook",
	}); err != nil {
		log.Printf("Oracle: cache price: %v", err)
		return
	}

	orders, err := a.store.ActiveConditionalOrders()
	if err != nil {
		log.Printf("Oracle: list conditional orders: %v", err)
		return
	}
	for _, order := range orders {
		if !crossed(order, quote.Mid) {
			continue
		}
		if err := a.fireConditional(ctx, order, quote.Mid); err != nil {
			log.Printf("[%s] Conditional %s fire failed: %v", order.DocID, order.OrderID, err)
		}
	}
}

// crossed reports whether the mid satisfies the order's trigger condition.
// Stop losses fire at or below the trigger, take profits at or above.
func crossed(order *models.ConditionalOrder, mid decimal.Decimal) bool {
	switch order.Kind {
	case models.CondStopLoss:
		return mid.LessThanOrEqual(order.TriggerPrice)
	case models.CondTakeProfit:
		return mid.GreaterThanOrEqual(order.TriggerPrice)
	}
	return false
}

// fireConditional spawns the pre-approved market sell and finalises the
// rule. The rule is marked TRIGGERED before any execution happens, so a
// crash between the two never double-fires.
func (a *Agent) fireConditional(ctx context.Context, order *models.ConditionalOrder, mid decimal.Decimal) error {
	parsed := models.Command{
		Kind:  models.KindMarketSell,
		Base:  order.Base,
		Quote: order.Quote,
		Qty:   order.Qty,
	}
	raw := fmt.Sprintf("[%s:%s] DW MARKET_SELL %s %s", order.Kind, order.OrderID, order.Base, order.Qty)

	cmd, err := a.store.CreateCommand(order.DocID, raw, &parsed, models.StatusApproved)
	if err != nil {
		return err
	}
	if err := a.store.TriggerConditionalOrder(order.OrderID, cmd.CmdID); err != nil {
		return err
	}
	log.Printf("[%s] %s %s triggered at mid %s, spawned %s", order.DocID, order.Kind, order.OrderID, mid, cmd.CmdID)

	if err := a.provider.AppendRow(ctx, order.DocID, docs.Row{
		ID:     cmd.CmdID,
		Text:   raw,
		Status: string(models.StatusApproved),
	}); err != nil {
		log.Printf("[%s] Conditional %s append row: %v", order.DocID, order.OrderID, err)
	}
	return nil
}
