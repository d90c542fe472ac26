package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommandStatus is the lifecycle state of a stored command.
type CommandStatus string

const (
	StatusInvalid         CommandStatus = "INVALID"
	StatusPendingApproval CommandStatus = "PENDING_APPROVAL"
	StatusRejectedPolicy  CommandStatus = "REJECTED_POLICY"
	StatusRejected        CommandStatus = "REJECTED"
	StatusApproved        CommandStatus = "APPROVED"
	StatusExecuting       CommandStatus = "EXECUTING"
	StatusExecuted        CommandStatus = "EXECUTED"
	StatusFailed          CommandStatus = "FAILED"
)

// transitions is the command state graph. Terminal states have no entry.
var transitions = map[CommandStatus][]CommandStatus{
	StatusInvalid:         {StatusPendingApproval, StatusRejected, StatusRejectedPolicy},
	StatusPendingApproval: {StatusApproved, StatusRejected, StatusRejectedPolicy},
	StatusApproved:        {StatusExecuting, StatusRejected},
	StatusExecuting:       {StatusExecuted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to CommandStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status has no outgoing edges.
func Terminal(s CommandStatus) bool {
	return len(transitions[s]) == 0
}

// Document is one tracked shared document. Addresses are set once on SETUP.
type Document struct {
	DocID        string `json:"doc_id"`
	DisplayName  string `json:"display_name"`
	EVMAddress   string `json:"evm_address,omitempty"`
	SuiAddress   string `json:"sui_address,omitempty"`
	PolicyENS    string `json:"policy_ens,omitempty"`
	LastUserHash string `json:"last_user_hash,omitempty"`
}

// StoredCommand is a command row as persisted by the store. Parsed is nil
// exactly when Status is INVALID. TxIDs is append-only.
type StoredCommand struct {
	CmdID     string            `json:"cmd_id"`
	DocID     string            `json:"doc_id"`
	RawText   string            `json:"raw_text"`
	Parsed    *Command          `json:"parsed,omitempty"`
	Status    CommandStatus     `json:"status"`
	Result    string            `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	TxIDs     map[string]string `json:"tx_ids,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Signer is a registered approver for one document.
type Signer struct {
	DocID   string `json:"doc_id"`
	Address string `json:"address"`
	Weight  int    `json:"weight"`
}

// SessionStatus is the lifecycle of a state-channel session.
type SessionStatus string

const (
	SessionOpen   SessionStatus = "OPEN"
	SessionClosed SessionStatus = "CLOSED"
)

// ChannelSession is the per-document state-channel session. Version is
// monotonic; every approved command bumps it.
type ChannelSession struct {
	DocID       string        `json:"doc_id"`
	SessionID   string        `json:"session_id"`
	Definition  string        `json:"definition"`
	Version     int64         `json:"version"`
	Status      SessionStatus `json:"status"`
	Allocations string        `json:"allocations,omitempty"`
}

// SessionKey is a signer's delegated key used to co-sign state transitions.
// The private key is held only as an opaque encrypted blob.
type SessionKey struct {
	DocID               string    `json:"doc_id"`
	SignerAddress       string    `json:"signer_address"`
	SessionKeyAddress   string    `json:"session_key_address"`
	EncryptedPrivateKey []byte    `json:"-"`
	ExpiresAt           time.Time `json:"expires_at"`
	JWT                 string    `json:"-"`
}

// ScheduleStatus is the lifecycle of a recurring schedule.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "ACTIVE"
	ScheduleCancelled ScheduleStatus = "CANCELLED"
)

// Schedule fires its inner command every IntervalHours. The inner text must
// itself parse to a non-schedule command.
type Schedule struct {
	ScheduleID    string         `json:"schedule_id"`
	DocID         string         `json:"doc_id"`
	IntervalHours float64        `json:"interval_hours"`
	InnerText     string         `json:"inner_command_text"`
	NextRunAt     time.Time      `json:"next_run_at"`
	Status        ScheduleStatus `json:"status"`
	TotalRuns     int            `json:"total_runs"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
}

// ConditionalKind selects the trigger direction of a conditional order.
type ConditionalKind string

const (
	CondStopLoss   ConditionalKind = "STOP_LOSS"
	CondTakeProfit ConditionalKind = "TAKE_PROFIT"
)

// ConditionalStatus is the lifecycle of a conditional order. Triggered
// orders are final; re-arming requires a fresh command.
type ConditionalStatus string

const (
	CondActive    ConditionalStatus = "ACTIVE"
	CondTriggered ConditionalStatus = "TRIGGERED"
	CondCancelled ConditionalStatus = "CANCELLED"
)

// ConditionalOrder is a price-triggered rule that spawns an approved market
// order when its condition is met.
type ConditionalOrder struct {
	OrderID        string            `json:"order_id"`
	DocID          string            `json:"doc_id"`
	Kind           ConditionalKind   `json:"kind"`
	Base           string            `json:"base"`
	Quote          string            `json:"quote"`
	TriggerPrice   decimal.Decimal   `json:"trigger_price"`
	Qty            decimal.Decimal   `json:"qty"`
	Status         ConditionalStatus `json:"status"`
	TriggeredCmdID string            `json:"triggered_cmd_id,omitempty"`
}

// TradeSide is the direction of a recorded fill.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// Trade is an append-only execution record driving P&L.
type Trade struct {
	TradeID  string          `json:"trade_id"`
	DocID    string          `json:"doc_id"`
	CmdID    string          `json:"cmd_id"`
	Side     TradeSide       `json:"side"`
	Qty      decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	Notional decimal.Decimal `json:"notional"`
	Fee      decimal.Decimal `json:"fee"`
	TxID     string          `json:"tx_id,omitempty"`
	At       time.Time       `json:"at"`
}

// PricePoint is the cached oracle quote, one row per pair, overwritten on
// each successful tick.
type PricePoint struct {
	Pair   string          `json:"pair"`
	Mid    decimal.Decimal `json:"mid"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Source string          `json:"source"`
	At     time.Time       `json:"at"`
}
