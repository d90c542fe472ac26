package policy

import (
	"strings"
	"testing"

	"treasury_watcher/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }

func hexAddr(ch byte) string {
	return "0x" + strings.Repeat(string(ch), 40)
}

func TestNilPolicyAllowsEverything(t *testing.T) {
	v := Evaluate(nil, models.Command{Kind: models.KindPayout, AmountUSDC: dec("1000000")}, Context{})
	require.True(t, v.Allowed)
	require.Empty(t, v.Reason)
}

func TestDenyCommands(t *testing.T) {
	p := &Policy{DenyCommands: []string{"payout", "BRIDGE"}}

	v := Evaluate(p, models.Command{Kind: models.KindPayout, AmountUSDC: dec("1")}, Context{})
	require.False(t, v.Allowed)
	require.Contains(t, v.Reason, "denied by policy")

	v = Evaluate(p, models.Command{Kind: models.KindMarketBuy, Base: "SUI", Qty: dec("1")}, Context{})
	require.True(t, v.Allowed)
}

func TestAllowedPairsAndNotional(t *testing.T) {
	p := &Policy{
		AllowedPairs:    []string{"SUI/USDC"},
		MaxNotionalUSDC: decPtr("100"),
	}

	v := Evaluate(p, models.Command{
		Kind: models.KindLimitBuy, Base: "ETH", Quote: "USDC", Qty: dec("1"), Price: dec("10"),
	}, Context{})
	require.False(t, v.Allowed)
	require.Contains(t, v.Reason, "not in allowedPairs")

	v = Evaluate(p, models.Command{
		Kind: models.KindLimitBuy, Base: "SUI", Quote: "USDC", Qty: dec("200"), Price: dec("1"),
	}, Context{})
	require.False(t, v.Allowed)
	require.Contains(t, v.Reason, "maxNotionalUsdc")

	v = Evaluate(p, models.Command{
		Kind: models.KindLimitBuy, Base: "SUI", Quote: "USDC", Qty: dec("50"), Price: dec("1"),
	}, Context{})
	require.True(t, v.Allowed)

	// Conditional orders use trigger price for notional.
	v = Evaluate(p, models.Command{
		Kind: models.KindStopLoss, Base: "SUI", Quote: "USDC", Qty: dec("500"), TriggerPrice: dec("0.8"),
	}, Context{})
	require.False(t, v.Allowed)
}

func TestSingleTxAndDailyLimit(t *testing.T) {
	p := &Policy{
		MaxSingleTxUSDC: decPtr("50"),
		DailyLimitUSDC:  decPtr("100"),
	}

	v := Evaluate(p, models.Command{Kind: models.KindPayout, AmountUSDC: dec("51"), To: hexAddr('a')}, Context{})
	require.False(t, v.Allowed)
	require.Contains(t, v.Reason, "maxSingleTxUsdc")

	// 80 already spent; 21 more breaches the daily limit.
	v = Evaluate(p, models.Command{Kind: models.KindPayout, AmountUSDC: dec("21"), To: hexAddr('a')},
		Context{DailySpendUSDC: dec("80")})
	require.False(t, v.Allowed)
	require.Contains(t, v.Reason, "dailyLimitUsdc")

	// Exactly at the limit passes.
	v = Evaluate(p, models.Command{Kind: models.KindPayout, AmountUSDC: dec("20"), To: hexAddr('a')},
		Context{DailySpendUSDC: dec("80")})
	require.True(t, v.Allowed)

	// Non-value-moving commands ignore spend limits entirely.
	v = Evaluate(p, models.Command{Kind: models.KindStatus}, Context{DailySpendUSDC: dec("9999")})
	require.True(t, v.Allowed)
}

func TestPayoutAllowlist(t *testing.T) {
	good, bad := hexAddr('a'), hexAddr('b')
	p := &Policy{PayoutAllowlist: []string{strings.ToUpper(good)}}

	// Address comparison is case-insensitive.
	v := Evaluate(p, models.Command{Kind: models.KindPayout, AmountUSDC: dec("1"), To: good}, Context{})
	require.True(t, v.Allowed)

	v = Evaluate(p, models.Command{Kind: models.KindPayout, AmountUSDC: dec("1"), To: bad}, Context{})
	require.False(t, v.Allowed)
	require.Contains(t, v.Reason, "payoutAllowlist")

	// Every split leg must be allowlisted.
	v = Evaluate(p, models.Command{
		Kind:       models.KindPayoutSplit,
		AmountUSDC: dec("10"),
		Recipients: []models.SplitRecipient{
			{Address: good, Pct: dec("60")},
			{Address: bad, Pct: dec("40")},
		},
	}, Context{})
	require.False(t, v.Allowed)
}

func TestChainRules(t *testing.T) {
	p := &Policy{
		AllowedChains: []string{"BASE", "ARBITRUM"},
		BridgeAllowed: boolPtr(true),
	}

	v := Evaluate(p, models.Command{
		Kind: models.KindBridge, AmountUSDC: dec("10"), FromChain: "BASE", ToChain: "POLYGON",
	}, Context{})
	require.False(t, v.Allowed)
	require.Contains(t, v.Reason, "allowedChains")

	v = Evaluate(p, models.Command{
		Kind: models.KindBridge, AmountUSDC: dec("10"), FromChain: "BASE", ToChain: "ARBITRUM",
	}, Context{})
	require.True(t, v.Allowed)

	off := &Policy{BridgeAllowed: boolPtr(false)}
	v = Evaluate(off, models.Command{
		Kind: models.KindBridge, AmountUSDC: dec("10"), FromChain: "BASE", ToChain: "ARBITRUM",
	}, Context{})
	require.False(t, v.Allowed)
	require.Contains(t, v.Reason, "bridging disabled")
}

func TestSchedulingRules(t *testing.T) {
	p := &Policy{
		SchedulingAllowed:        boolPtr(true),
		MaxScheduleIntervalHours: floatPtr(24),
	}

	v := Evaluate(p, models.Command{Kind: models.KindSchedule, IntervalHours: 6, InnerText: "STATUS"}, Context{})
	require.True(t, v.Allowed)

	v = Evaluate(p, models.Command{Kind: models.KindSchedule, IntervalHours: 48, InnerText: "STATUS"}, Context{})
	require.False(t, v.Allowed)
	require.Contains(t, v.Reason, "maxScheduleIntervalHours")

	off := &Policy{SchedulingAllowed: boolPtr(false)}
	v = Evaluate(off, models.Command{Kind: models.KindSchedule, IntervalHours: 1, InnerText: "STATUS"}, Context{})
	require.False(t, v.Allowed)
}

func TestFirstFailureWins(t *testing.T) {
	p := &Policy{
		DenyCommands:    []string{"PAYOUT"},
		MaxSingleTxUSDC: decPtr("1"),
	}
	v := Evaluate(p, models.Command{Kind: models.KindPayout, AmountUSDC: dec("100")}, Context{})
	require.False(t, v.Allowed)
	require.Contains(t, v.Reason, "denied by policy")
}

func TestEvaluateIsPure(t *testing.T) {
	p := &Policy{DailyLimitUSDC: decPtr("100")}
	cmd := models.Command{Kind: models.KindPayout, AmountUSDC: dec("40")}
	ctx := Context{DailySpendUSDC: dec("50")}

	first := Evaluate(p, cmd, ctx)
	second := Evaluate(p, cmd, ctx)
	require.Equal(t, first, second)
}

func TestParseJSON(t *testing.T) {
	p, err := ParseJSON([]byte(`{
		"maxNotionalUsdc": "500",
		"dailyLimitUsdc": "100",
		"allowedPairs": ["SUI/USDC"],
		"denyCommands": ["BRIDGE"],
		"schedulingAllowed": false
	}`))
	require.NoError(t, err)
	require.Equal(t, "500", p.MaxNotionalUSDC.String())
	require.False(t, *p.SchedulingAllowed)

	_, err = ParseJSON([]byte("{nope"))
	require.Error(t, err)
}
