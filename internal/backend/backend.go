// Package backend defines the external execution capabilities. Like the
// document provider, each is an abstract contract handed to the process at
// startup; the core never speaks a chain protocol itself.
package backend

import (
	"context"
	"time"

	"treasury_watcher/internal/models"

	"github.com/shopspring/decimal"
)

// Quote is a mid/bid/ask snapshot for one pool.
type Quote struct {
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Mid    decimal.Decimal
	Spread decimal.Decimal
}

// GasStatus reports whether an address can pay for its next transaction.
type GasStatus struct {
	OK      bool
	Balance decimal.Decimal
	Min     decimal.Decimal
}

// OrderResult is what the order book returns for a mutating call.
type OrderResult struct {
	TxID      string
	OrderID   string
	MgrID     string
	FillPrice decimal.Decimal // zero when the venue reports no fill price
}

// Wallet is decrypted key material, materialised only for the duration of a
// single dispatch. Never persisted, never logged.
type Wallet struct {
	EVMAddress    string
	EVMPrivateKey string
	SuiAddress    string
	SuiPrivateKey string
}

// OrderBook is the on-chain order-book venue.
type OrderBook interface {
	Execute(ctx context.Context, cmd models.Command, wallet Wallet, poolKey, mgrID string) (*OrderResult, error)
	OpenOrders(ctx context.Context, wallet Wallet, poolKey, mgrID string) ([]string, error)
	Balances(ctx context.Context, address string) (map[string]decimal.Decimal, error)
	PlaceMarket(ctx context.Context, wallet Wallet, poolKey string, side models.TradeSide, qty decimal.Decimal) (*OrderResult, error)
	MidPrice(ctx context.Context, poolKey string) (*Quote, error)
	CheckGas(ctx context.Context, address string) (*GasStatus, error)
}

// NativeRail moves USDC with a locally-held key.
type NativeRail interface {
	TransferUSDC(ctx context.Context, privateKey, to string, amount decimal.Decimal) (txID string, err error)
}

// PayoutResult is the managed rail's receipt.
type PayoutResult struct {
	ProviderTxID string
	TxID         string
	State        string
}

// ManagedRail moves USDC through a custodial wallet provider.
type ManagedRail interface {
	EnsureWallet(ctx context.Context, docID string) (walletID string, err error)
	Payout(ctx context.Context, walletID, to string, amount decimal.Decimal) (*PayoutResult, error)
	Bridge(ctx context.Context, walletID, to string, amount decimal.Decimal, fromChain, toChain string) (*PayoutResult, error)
}

// StateTransition is the payload co-signed on quorum. It binds the approved
// command to the approver set and the moment of approval.
type StateTransition struct {
	DocID     string    `json:"docId"`
	CmdID     string    `json:"cmdId"`
	RawText   string    `json:"rawText"`
	Approvers []string  `json:"approvers"`
	At        time.Time `json:"at"`
}

// SessionInfo mirrors the channel back-end's view of a session.
type SessionInfo struct {
	SessionID   string
	Version     int64
	Status      string
	Allocations string
}

// StateChannel is the off-chain co-signing back-end. The protocol label
// (NitroRPC/0.4) is carried as an opaque string.
type StateChannel interface {
	AuthRequest(ctx context.Context, address string) (challenge string, err error)
	AuthVerify(ctx context.Context, address, signature string) (jwt string, err error)
	CreateAppSession(ctx context.Context, docID string, keys []models.SessionKey) (*SessionInfo, error)
	SubmitAppState(ctx context.Context, sessionID string, transition StateTransition, keys []models.SessionKey) (*SessionInfo, error)
	CloseAppSession(ctx context.Context, sessionID string, keys []models.SessionKey) error
	GetSessionStatus(ctx context.Context, sessionID string) (*SessionInfo, error)
}

// WalletFactory creates and materialises per-document wallet secrets. The
// blob is encrypted at rest by the factory; the core only stores it.
type WalletFactory interface {
	Create(ctx context.Context, docID string) (blob []byte, evmAddress, suiAddress string, err error)
	Materialize(ctx context.Context, blob []byte) (Wallet, error)
}

// SignatureVerifier checks a signer's challenge signature during join.
type SignatureVerifier interface {
	Verify(address, message, signature string) error
}

// WalletBridge relays raw wallet RPC (TX, SIGN) and WalletConnect pairing.
type WalletBridge interface {
	Connect(ctx context.Context, uri string) error
	Request(ctx context.Context, rawJSON string) (result string, err error)
}
