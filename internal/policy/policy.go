// Package policy evaluates a declarative treasury policy against a parsed
// command. Evaluation is pure; the only context input is the rolling 24h
// spend counter supplied by the caller.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"treasury_watcher/internal/models"

	"github.com/shopspring/decimal"
)

// Policy is the declarative rule set. Every field is optional; absence means
// no constraint. The on-wire form is JSON (the resolver returns JSON).
type Policy struct {
	MaxNotionalUSDC          *decimal.Decimal `json:"maxNotionalUsdc,omitempty"`
	MaxSingleTxUSDC          *decimal.Decimal `json:"maxSingleTxUsdc,omitempty"`
	DailyLimitUSDC           *decimal.Decimal `json:"dailyLimitUsdc,omitempty"`
	AllowedPairs             []string         `json:"allowedPairs,omitempty"`
	PayoutAllowlist          []string         `json:"payoutAllowlist,omitempty"`
	DenyCommands             []string         `json:"denyCommands,omitempty"`
	AllowedChains            []string         `json:"allowedChains,omitempty"`
	SchedulingAllowed        *bool            `json:"schedulingAllowed,omitempty"`
	MaxScheduleIntervalHours *float64         `json:"maxScheduleIntervalHours,omitempty"`
	BridgeAllowed            *bool            `json:"bridgeAllowed,omitempty"`
}

// ParseJSON decodes a policy document.
func ParseJSON(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy document: %w", err)
	}
	return &p, nil
}

// Context carries the mutable inputs to evaluation.
type Context struct {
	DailySpendUSDC decimal.Decimal
}

// Verdict is the evaluation result. Reason is set only on denial.
type Verdict struct {
	Allowed bool
	Reason  string
}

func deny(format string, args ...interface{}) Verdict {
	return Verdict{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

var allow = Verdict{Allowed: true}

// Evaluate applies the rules in order; the first failure wins. A nil policy
// allows everything.
func Evaluate(p *Policy, cmd models.Command, ctx Context) Verdict {
	if p == nil {
		return allow
	}

	// 1. Explicit command denylist.
	for _, denied := range p.DenyCommands {
		if strings.EqualFold(denied, string(cmd.Kind)) {
			return deny("command %s denied by policy", cmd.Kind)
		}
	}

	// 2. Order-book commands: pair allowlist and notional cap.
	switch cmd.Kind {
	case models.KindLimitBuy, models.KindLimitSell, models.KindMarketBuy,
		models.KindMarketSell, models.KindStopLoss, models.KindTakeProfit:
		if len(p.AllowedPairs) > 0 && !containsFold(p.AllowedPairs, cmd.Pair()) {
			return deny("pair %s not in allowedPairs", cmd.Pair())
		}
		if p.MaxNotionalUSDC != nil {
			notional := cmd.Notional()
			if notional.GreaterThan(*p.MaxNotionalUSDC) {
				return deny("notional %s exceeds maxNotionalUsdc=%s", notional, p.MaxNotionalUSDC)
			}
		}
	}

	// 3. Value-moving commands: single-tx cap and daily limit.
	if cmd.MovesValue() {
		if p.MaxSingleTxUSDC != nil && cmd.AmountUSDC.GreaterThan(*p.MaxSingleTxUSDC) {
			return deny("amount %s exceeds maxSingleTxUsdc=%s", cmd.AmountUSDC, p.MaxSingleTxUSDC)
		}
		if p.DailyLimitUSDC != nil {
			projected := ctx.DailySpendUSDC.Add(cmd.AmountUSDC)
			if projected.GreaterThan(*p.DailyLimitUSDC) {
				return deny("daily spend %s + %s exceeds dailyLimitUsdc=%s",
					ctx.DailySpendUSDC, cmd.AmountUSDC, p.DailyLimitUSDC)
			}
		}
	}

	// 4. Payout recipients against the allowlist.
	if len(p.PayoutAllowlist) > 0 {
		switch cmd.Kind {
		case models.KindPayout:
			if !containsFold(p.PayoutAllowlist, cmd.To) {
				return deny("recipient %s not in payoutAllowlist", cmd.To)
			}
		case models.KindPayoutSplit:
			for _, r := range cmd.Recipients {
				if !containsFold(p.PayoutAllowlist, r.Address) {
					return deny("recipient %s not in payoutAllowlist", r.Address)
				}
			}
		}
	}

	// 5. Cross-chain commands: chain allowlist and bridge switch.
	if cmd.Kind == models.KindBridge || cmd.Kind == models.KindRebalance {
		if len(p.AllowedChains) > 0 {
			if !containsFold(p.AllowedChains, cmd.FromChain) {
				return deny("chain %s not in allowedChains", cmd.FromChain)
			}
			if !containsFold(p.AllowedChains, cmd.ToChain) {
				return deny("chain %s not in allowedChains", cmd.ToChain)
			}
		}
		if p.BridgeAllowed != nil && !*p.BridgeAllowed {
			return deny("bridging disabled by policy")
		}
	}

	// 6. Scheduling gates.
	if cmd.Kind == models.KindSchedule {
		if p.SchedulingAllowed != nil && !*p.SchedulingAllowed {
			return deny("scheduling disabled by policy")
		}
		if p.MaxScheduleIntervalHours != nil && cmd.IntervalHours > *p.MaxScheduleIntervalHours {
			return deny("interval %.2fh exceeds maxScheduleIntervalHours=%.2f",
				cmd.IntervalHours, *p.MaxScheduleIntervalHours)
		}
	}

	return allow
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
