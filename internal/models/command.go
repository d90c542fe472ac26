package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommandKind tags the parsed command variant. Every switch over kinds must
// be exhaustive; parser tests enumerate the full set.
type CommandKind string

const (
	// Control
	KindSetup         CommandKind = "SETUP"
	KindStatus        CommandKind = "STATUS"
	KindPrice         CommandKind = "PRICE"
	KindTradeHistory  CommandKind = "TRADE_HISTORY"
	KindSweepYield    CommandKind = "SWEEP_YIELD"
	KindTreasury      CommandKind = "TREASURY"
	KindSessionCreate CommandKind = "SESSION_CREATE"
	KindSessionClose  CommandKind = "SESSION_CLOSE"
	KindSessionStatus CommandKind = "SESSION_STATUS"

	// Governance
	KindSignerAdd CommandKind = "SIGNER_ADD"
	KindQuorum    CommandKind = "QUORUM"
	KindPolicyENS CommandKind = "POLICY_ENS"

	// Order book
	KindLimitBuy   CommandKind = "LIMIT_BUY"
	KindLimitSell  CommandKind = "LIMIT_SELL"
	KindMarketBuy  CommandKind = "MARKET_BUY"
	KindMarketSell CommandKind = "MARKET_SELL"
	KindCancel     CommandKind = "CANCEL"
	KindSettle     CommandKind = "SETTLE"
	KindDeposit    CommandKind = "DEPOSIT"
	KindWithdraw   CommandKind = "WITHDRAW"

	// Payments
	KindPayout      CommandKind = "PAYOUT"
	KindPayoutSplit CommandKind = "PAYOUT_SPLIT"

	// Cross-chain
	KindBridge    CommandKind = "BRIDGE"
	KindRebalance CommandKind = "REBALANCE"

	// State channel
	KindYellowSend CommandKind = "YELLOW_SEND"

	// Automation
	KindSchedule       CommandKind = "SCHEDULE"
	KindCancelSchedule CommandKind = "CANCEL_SCHEDULE"

	// Conditional
	KindStopLoss       CommandKind = "STOP_LOSS"
	KindTakeProfit     CommandKind = "TAKE_PROFIT"
	KindAlertThreshold CommandKind = "ALERT_THRESHOLD"
	KindAutoRebalance  CommandKind = "AUTO_REBALANCE"

	// Bridge-wallet RPC
	KindTx      CommandKind = "TX"
	KindSign    CommandKind = "SIGN"
	KindConnect CommandKind = "CONNECT"
)

// AllKinds lists every command kind. Used by exhaustiveness tests and the
// policy denyCommands matcher.
var AllKinds = []CommandKind{
	KindSetup, KindStatus, KindPrice, KindTradeHistory, KindSweepYield,
	KindTreasury, KindSessionCreate, KindSessionClose, KindSessionStatus,
	KindSignerAdd, KindQuorum, KindPolicyENS,
	KindLimitBuy, KindLimitSell, KindMarketBuy, KindMarketSell,
	KindCancel, KindSettle, KindDeposit, KindWithdraw,
	KindPayout, KindPayoutSplit,
	KindBridge, KindRebalance,
	KindYellowSend,
	KindSchedule, KindCancelSchedule,
	KindStopLoss, KindTakeProfit, KindAlertThreshold, KindAutoRebalance,
	KindTx, KindSign, KindConnect,
}

// SplitRecipient is one leg of a PAYOUT_SPLIT.
type SplitRecipient struct {
	Address string          `json:"address"`
	Pct     decimal.Decimal `json:"pct"`
}

// Command is the tagged variant produced by the parser. Kind selects which
// payload fields are meaningful; everything else stays at its zero value.
type Command struct {
	Kind CommandKind `json:"kind"`

	// Order book / conditional payloads
	Base         string          `json:"base,omitempty"`
	Quote        string          `json:"quote,omitempty"`
	Qty          decimal.Decimal `json:"qty,omitempty"`
	Price        decimal.Decimal `json:"price,omitempty"`
	TriggerPrice decimal.Decimal `json:"triggerPrice,omitempty"`
	OrderID      string          `json:"orderId,omitempty"`
	Coin         string          `json:"coin,omitempty"`

	// Value movement
	AmountUSDC decimal.Decimal  `json:"amountUsdc,omitempty"`
	To         string           `json:"to,omitempty"`
	Recipients []SplitRecipient `json:"recipients,omitempty"`
	FromChain  string           `json:"fromChain,omitempty"`
	ToChain    string           `json:"toChain,omitempty"`

	// Governance
	SignerAddress string `json:"signerAddress,omitempty"`
	Weight        int    `json:"weight,omitempty"`
	Quorum        int    `json:"quorum,omitempty"`
	ENSName       string `json:"ensName,omitempty"`

	// Automation
	IntervalHours float64 `json:"intervalHours,omitempty"`
	InnerText     string  `json:"innerText,omitempty"`
	ScheduleID    string  `json:"scheduleId,omitempty"`

	// Conditional extras
	Threshold decimal.Decimal `json:"threshold,omitempty"`
	Enabled   bool            `json:"enabled,omitempty"`

	// Bridge-wallet RPC
	RawJSON string `json:"rawJson,omitempty"`
	URI     string `json:"uri,omitempty"`
}

// Notional returns qty*price for priced order-book commands and
// qty*triggerPrice for conditional orders. Zero for everything else.
func (c Command) Notional() decimal.Decimal {
	switch c.Kind {
	case KindLimitBuy, KindLimitSell:
		return c.Qty.Mul(c.Price)
	case KindStopLoss, KindTakeProfit:
		return c.Qty.Mul(c.TriggerPrice)
	default:
		return decimal.Zero
	}
}

// MovesValue reports whether the command spends treasury funds and is
// therefore subject to single-tx and daily limits.
func (c Command) MovesValue() bool {
	switch c.Kind {
	case KindPayout, KindPayoutSplit, KindBridge, KindRebalance, KindYellowSend:
		return true
	default:
		return false
	}
}

// Pair renders the trading pair for order-book and conditional commands.
func (c Command) Pair() string {
	base, quote := c.Base, c.Quote
	if quote == "" {
		quote = "USDC"
	}
	if base == "" {
		return ""
	}
	return base + "/" + quote
}

// ApprovalDecision is a signer's vote on a pending command.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "APPROVE"
	DecisionReject  ApprovalDecision = "REJECT"
)

// Approval records one signer's decision for one command.
type Approval struct {
	DocID         string
	CmdID         string
	SignerAddress string
	Decision      ApprovalDecision
	At            time.Time
}
