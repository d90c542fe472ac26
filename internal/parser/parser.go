// Package parser turns one line of document text into a tagged command.
// Parsing is pure: no I/O, no clock, errors are plain strings.
package parser

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"treasury_watcher/internal/models"

	"github.com/shopspring/decimal"
)

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Chains is the fixed allowlist for BRIDGE and REBALANCE.
var Chains = map[string]bool{
	"SUI":      true,
	"ETHEREUM": true,
	"BASE":     true,
	"ARBITRUM": true,
	"POLYGON":  true,
}

// splitTolerance bounds |sum(pct) - 100| for PAYOUT_SPLIT.
var splitTolerance = decimal.RequireFromString("0.0001")

// Parse converts a raw line into a command. A canonical line begins with
// "DW"; anything else goes through the natural-language fallback.
func Parse(raw string) (models.Command, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return models.Command{}, fmt.Errorf("empty command")
	}

	fields := strings.Fields(text)
	if !strings.EqualFold(fields[0], "DW") {
		return parseFallback(text)
	}
	if len(fields) < 2 {
		return models.Command{}, fmt.Errorf("missing command after DW")
	}
	return parseCanonical(fields[1:], text)
}

func parseCanonical(fields []string, full string) (models.Command, error) {
	keyword := strings.ToUpper(fields[0])
	args := fields[1:]

	switch keyword {
	case "SETUP", "STATUS", "PRICE", "TRADE_HISTORY", "SWEEP_YIELD", "TREASURY",
		"SESSION_CREATE", "SESSION_CLOSE", "SESSION_STATUS", "SETTLE":
		if len(args) != 0 {
			return models.Command{}, fmt.Errorf("%s takes no arguments", keyword)
		}
		return models.Command{Kind: models.CommandKind(keyword)}, nil

	case "SIGNER_ADD":
		if len(args) != 2 {
			return models.Command{}, fmt.Errorf("usage: SIGNER_ADD <address> <weight>")
		}
		addr, err := parseAddress(args[0])
		if err != nil {
			return models.Command{}, err
		}
		weight, err := parsePositiveInt(args[1], "weight")
		if err != nil {
			return models.Command{}, err
		}
		return models.Command{Kind: models.KindSignerAdd, SignerAddress: addr, Weight: weight}, nil

	case "QUORUM":
		if len(args) != 1 {
			return models.Command{}, fmt.Errorf("usage: QUORUM <n>")
		}
		q, err := parsePositiveInt(args[0], "quorum")
		if err != nil {
			return models.Command{}, err
		}
		return models.Command{Kind: models.KindQuorum, Quorum: q}, nil

	case "POLICY_ENS":
		if len(args) != 1 {
			return models.Command{}, fmt.Errorf("usage: POLICY_ENS <name>")
		}
		return models.Command{Kind: models.KindPolicyENS, ENSName: args[0]}, nil

	case "LIMIT_BUY", "LIMIT_SELL":
		// LIMIT_BUY SUI 50 USDC @ 1.02
		if len(args) != 5 || args[3] != "@" {
			return models.Command{}, fmt.Errorf("usage: %s <base> <qty> <quote> @ <price>", keyword)
		}
		qty, err := parsePositiveNumber(args[1], "qty")
		if err != nil {
			return models.Command{}, err
		}
		price, err := parsePositiveNumber(args[4], "price")
		if err != nil {
			return models.Command{}, err
		}
		return models.Command{
			Kind:  models.CommandKind(keyword),
			Base:  strings.ToUpper(args[0]),
			Qty:   qty,
			Quote: strings.ToUpper(args[2]),
			Price: price,
		}, nil

	case "MARKET_BUY", "MARKET_SELL":
		if len(args) != 2 {
			return models.Command{}, fmt.Errorf("usage: %s <base> <qty>", keyword)
		}
		qty, err := parsePositiveNumber(args[1], "qty")
		if err != nil {
			return models.Command{}, err
		}
		return models.Command{Kind: models.CommandKind(keyword), Base: strings.ToUpper(args[0]), Quote: "USDC", Qty: qty}, nil

	case "CANCEL":
		if len(args) != 1 {
			return models.Command{}, fmt.Errorf("usage: CANCEL <order_id>")
		}
		return models.Command{Kind: models.KindCancel, OrderID: args[0]}, nil

	case "DEPOSIT", "WITHDRAW":
		if len(args) != 2 {
			return models.Command{}, fmt.Errorf("usage: %s <coin> <amount>", keyword)
		}
		amount, err := parsePositiveNumber(args[1], "amount")
		if err != nil {
			return models.Command{}, err
		}
		return models.Command{Kind: models.CommandKind(keyword), Coin: strings.ToUpper(args[0]), AmountUSDC: amount}, nil

	case "PAYOUT":
		// PAYOUT 60 USDC TO 0x...
		if len(args) != 4 || !strings.EqualFold(args[1], "USDC") || !strings.EqualFold(args[2], "TO") {
			return models.Command{}, fmt.Errorf("usage: PAYOUT <amount> USDC TO <address>")
		}
		amount, err := parsePositiveNumber(args[0], "amount")
		if err != nil {
			return models.Command{}, err
		}
		addr, err := parseAddress(args[3])
		if err != nil {
			return models.Command{}, err
		}
		return models.Command{Kind: models.KindPayout, AmountUSDC: amount, To: addr}, nil

	case "PAYOUT_SPLIT":
		// PAYOUT_SPLIT 100 USDC TO 0xA:60,0xB:40
		if len(args) != 4 || !strings.EqualFold(args[1], "USDC") || !strings.EqualFold(args[2], "TO") {
			return models.Command{}, fmt.Errorf("usage: PAYOUT_SPLIT <amount> USDC TO <addr>:<pct>,...")
		}
		amount, err := parsePositiveNumber(args[0], "amount")
		if err != nil {
			return models.Command{}, err
		}
		recipients, err := parseSplitRecipients(args[3])
		if err != nil {
			return models.Command{}, err
		}
		return models.Command{Kind: models.KindPayoutSplit, AmountUSDC: amount, Recipients: recipients}, nil

	case "BRIDGE":
		// BRIDGE 100 USDC FROM base TO arbitrum
		if len(args) != 6 || !strings.EqualFold(args[1], "USDC") ||
			!strings.EqualFold(args[2], "FROM") || !strings.EqualFold(args[4], "TO") {
			return models.Command{}, fmt.Errorf("usage: BRIDGE <amount> USDC FROM <chain> TO <chain>")
		}
		amount, err := parsePositiveNumber(args[0], "amount")
		if err != nil {
			return models.Command{}, err
		}
		from, to, err := parseChainPair(args[3], args[5])
		if err != nil {
			return models.Command{}, err
		}
		return models.Command{Kind: models.KindBridge, AmountUSDC: amount, FromChain: from, ToChain: to}, nil

	case "REBALANCE":
		// REBALANCE 100 FROM base TO arbitrum
		if len(args) != 5 || !strings.EqualFold(args[1], "FROM") || !strings.EqualFold(args[3], "TO") {
			return models.Command{}, fmt.Errorf("usage: REBALANCE <amount> FROM <chain> TO <chain>")
		}
		amount, err := parsePositiveNumber(args[0], "amount")
		if err != nil {
			return models.Command{}, err
		}
		from, to, err := parseChainPair(args[2], args[4])
		if err != nil {
			return models.Command{}, err
		}
		return models.Command{Kind: models.KindRebalance, AmountUSDC: amount, FromChain: from, ToChain: to}, nil

	case "YELLOW_SEND":
		if len(args) != 4 || !strings.EqualFold(args[1], "USDC") || !strings.EqualFold(args[2], "TO") {
			return models.Command{}, fmt.Errorf("usage: YELLOW_SEND <amount> USDC TO <address>")
		}
		amount, err := parsePositiveNumber(args[0], "amount")
		if err != nil {
			return models.Command{}, err
		}
		addr, err := parseAddress(args[3])
		if err != nil {
			return models.Command{}, err
		}
		return models.Command{Kind: models.KindYellowSend, AmountUSDC: amount, To: addr}, nil

	case "SCHEDULE":
		return parseSchedule(full)

	case "CANCEL_SCHEDULE":
		if len(args) != 1 {
			return models.Command{}, fmt.Errorf("usage: CANCEL_SCHEDULE <id>")
		}
		return models.Command{Kind: models.KindCancelSchedule, ScheduleID: args[0]}, nil

	case "STOP_LOSS", "TAKE_PROFIT":
		// STOP_LOSS SUI 10 @ 0.80
		if len(args) != 4 || args[2] != "@" {
			return models.Command{}, fmt.Errorf("usage: %s <base> <qty> @ <trigger>", keyword)
		}
		qty, err := parsePositiveNumber(args[1], "qty")
		if err != nil {
			return models.Command{}, err
		}
		trigger, err := parsePositiveNumber(args[3], "trigger")
		if err != nil {
			return models.Command{}, err
		}
		return models.Command{
			Kind:         models.CommandKind(keyword),
			Base:         strings.ToUpper(args[0]),
			Quote:        "USDC",
			Qty:          qty,
			TriggerPrice: trigger,
		}, nil

	case "ALERT_THRESHOLD":
		if len(args) != 2 {
			return models.Command{}, fmt.Errorf("usage: ALERT_THRESHOLD <coin> <below>")
		}
		threshold, err := parsePositiveNumber(args[1], "threshold")
		if err != nil {
			return models.Command{}, err
		}
		return models.Command{Kind: models.KindAlertThreshold, Coin: strings.ToUpper(args[0]), Threshold: threshold}, nil

	case "AUTO_REBALANCE":
		if len(args) != 1 {
			return models.Command{}, fmt.Errorf("usage: AUTO_REBALANCE on|off")
		}
		switch strings.ToLower(args[0]) {
		case "on":
			return models.Command{Kind: models.KindAutoRebalance, Enabled: true}, nil
		case "off":
			return models.Command{Kind: models.KindAutoRebalance, Enabled: false}, nil
		default:
			return models.Command{}, fmt.Errorf("AUTO_REBALANCE expects on or off, got %q", args[0])
		}

	case "TX", "SIGN":
		payload := restAfterKeyword(full, keyword)
		if payload == "" {
			return models.Command{}, fmt.Errorf("usage: %s <json>", keyword)
		}
		return models.Command{Kind: models.CommandKind(keyword), RawJSON: payload}, nil

	case "CONNECT":
		if len(args) != 1 {
			return models.Command{}, fmt.Errorf("usage: CONNECT <uri>")
		}
		return models.Command{Kind: models.KindConnect, URI: args[0]}, nil

	default:
		return models.Command{}, fmt.Errorf("unknown command %q", keyword)
	}
}

var scheduleRe = regexp.MustCompile(`(?i)^dw\s+schedule\s+every\s+(\d+(?:\.\d+)?)h\s*:\s*(.+)$`)

func parseSchedule(full string) (models.Command, error) {
	m := scheduleRe.FindStringSubmatch(strings.TrimSpace(full))
	if m == nil {
		return models.Command{}, fmt.Errorf("usage: SCHEDULE EVERY <N>h: <command>")
	}
	hours, err := strconv.ParseFloat(m[1], 64)
	if err != nil || hours <= 0 || math.IsInf(hours, 0) || math.IsNaN(hours) {
		return models.Command{}, fmt.Errorf("schedule interval must be a positive number of hours")
	}
	inner := strings.TrimSpace(m[2])
	innerCmd, err := ParseInner(inner)
	if err != nil {
		return models.Command{}, fmt.Errorf("inner command invalid: %v", err)
	}
	if innerCmd.Kind == models.KindSchedule || innerCmd.Kind == models.KindCancelSchedule {
		return models.Command{}, fmt.Errorf("schedules cannot nest")
	}
	return models.Command{Kind: models.KindSchedule, IntervalHours: hours, InnerText: inner}, nil
}

// ParseInner parses the inner text of a schedule, accepting it with or
// without the canonical DW prefix.
func ParseInner(inner string) (models.Command, error) {
	text := strings.TrimSpace(inner)
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return models.Command{}, fmt.Errorf("empty command")
	}
	if !strings.EqualFold(fields[0], "DW") {
		text = "DW " + text
	}
	return Parse(text)
}

// restAfterKeyword returns the raw remainder of the line after the keyword,
// preserving whitespace inside JSON payloads.
func restAfterKeyword(full, keyword string) string {
	upper := strings.ToUpper(full)
	idx := strings.Index(upper, keyword)
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(full[idx+len(keyword):])
}

func parseAddress(s string) (string, error) {
	if !addressRe.MatchString(s) {
		return "", fmt.Errorf("invalid address %q (expected 0x + 40 hex chars)", s)
	}
	return s, nil
}

func parsePositiveNumber(s, name string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q", name, s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive, got %s", name, s)
	}
	return d, nil
}

func parsePositiveInt(s, name string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be a whole number, got %q", name, s)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be at least 1, got %d", name, n)
	}
	return n, nil
}

func parseChainPair(from, to string) (string, string, error) {
	f := strings.ToUpper(from)
	t := strings.ToUpper(to)
	if !Chains[f] {
		return "", "", fmt.Errorf("unknown chain %q", from)
	}
	if !Chains[t] {
		return "", "", fmt.Errorf("unknown chain %q", to)
	}
	if f == t {
		return "", "", fmt.Errorf("source and destination chain must differ")
	}
	return f, t, nil
}

func parseSplitRecipients(s string) ([]models.SplitRecipient, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 {
		return nil, fmt.Errorf("PAYOUT_SPLIT needs at least 2 recipients")
	}
	var recipients []models.SplitRecipient
	sum := decimal.Zero
	for _, part := range parts {
		bits := strings.Split(part, ":")
		if len(bits) != 2 {
			return nil, fmt.Errorf("invalid recipient %q (expected <addr>:<pct>)", part)
		}
		addr, err := parseAddress(bits[0])
		if err != nil {
			return nil, err
		}
		pct, err := parsePositiveNumber(bits[1], "pct")
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, models.SplitRecipient{Address: addr, Pct: pct})
		sum = sum.Add(pct)
	}
	if sum.Sub(decimal.NewFromInt(100)).Abs().GreaterThan(splitTolerance) {
		return nil, fmt.Errorf("recipient percentages sum to %s, expected 100", sum)
	}
	return recipients, nil
}
