package parser

import (
	"fmt"
	"regexp"
	"strings"

	"treasury_watcher/internal/models"
)

// Natural-language recognisers. Each maps a common intent onto the canonical
// grammar; anything unmatched is a parse error, never a guess.
var (
	nlBuyRe        = regexp.MustCompile(`(?i)^(buy|sell)\s+([\d.]+)\s+([a-z]+)\s+at\s+\$?([\d.]+)$`)
	nlSendRe       = regexp.MustCompile(`(?i)^(send|pay)\s+([\d.]+)\s+usdc\s+to\s+(0x[0-9a-fA-F]{40})$`)
	nlBridgeRe     = regexp.MustCompile(`(?i)^bridge\s+([\d.]+)\s+usdc\s+from\s+([a-z]+)\s+to\s+([a-z]+)$`)
	nlCancelRe     = regexp.MustCompile(`(?i)^cancel\s+(\S+)$`)
	nlStopLossRe   = regexp.MustCompile(`(?i)^stop\s*loss\s+([\d.]+)\s*(?:([a-z]+)\s+)?@\s*\$?([\d.]+)$`)
	nlTakeProfitRe = regexp.MustCompile(`(?i)^take\s*profit\s+([\d.]+)\s*(?:([a-z]+)\s+)?@\s*\$?([\d.]+)$`)
	nlStatusRe     = regexp.MustCompile(`(?i)^(status|what'?s\s+(the\s+)?status)\??$`)
	nlPriceRe      = regexp.MustCompile(`(?i)^(price|what'?s\s+(the\s+)?price)\??$`)
)

// parseFallback recognises a handful of free-form intents and rewrites each
// into its canonical form before re-parsing.
func parseFallback(text string) (models.Command, error) {
	trimmed := strings.TrimSpace(text)

	// A pasted WalletConnect URI is a CONNECT.
	if strings.HasPrefix(strings.ToLower(trimmed), "wc:") {
		return models.Command{Kind: models.KindConnect, URI: trimmed}, nil
	}

	if m := nlBuyRe.FindStringSubmatch(trimmed); m != nil {
		verb := "LIMIT_BUY"
		if strings.EqualFold(m[1], "sell") {
			verb = "LIMIT_SELL"
		}
		return Parse(fmt.Sprintf("DW %s %s %s USDC @ %s", verb, strings.ToUpper(m[3]), m[2], m[4]))
	}

	if m := nlSendRe.FindStringSubmatch(trimmed); m != nil {
		return Parse(fmt.Sprintf("DW PAYOUT %s USDC TO %s", m[2], m[3]))
	}

	if m := nlBridgeRe.FindStringSubmatch(trimmed); m != nil {
		return Parse(fmt.Sprintf("DW BRIDGE %s USDC FROM %s TO %s", m[1], m[2], m[3]))
	}

	if m := nlStopLossRe.FindStringSubmatch(trimmed); m != nil {
		base := m[2]
		if base == "" {
			base = "SUI"
		}
		return Parse(fmt.Sprintf("DW STOP_LOSS %s %s @ %s", strings.ToUpper(base), m[1], m[3]))
	}

	if m := nlTakeProfitRe.FindStringSubmatch(trimmed); m != nil {
		base := m[2]
		if base == "" {
			base = "SUI"
		}
		return Parse(fmt.Sprintf("DW TAKE_PROFIT %s %s @ %s", strings.ToUpper(base), m[1], m[3]))
	}

	if m := nlCancelRe.FindStringSubmatch(trimmed); m != nil {
		return Parse(fmt.Sprintf("DW CANCEL %s", m[1]))
	}

	if nlStatusRe.MatchString(trimmed) {
		return models.Command{Kind: models.KindStatus}, nil
	}
	if nlPriceRe.MatchString(trimmed) {
		return models.Command{Kind: models.KindPrice}, nil
	}

	return models.Command{}, fmt.Errorf("unrecognised command (canonical commands start with DW)")
}
