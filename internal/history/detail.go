package history

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tallybot.org/internal/ledger"
)

// renderDetail formats a snapshot for display. Totals replay the exact
// conversion the live summary used, so a freshly saved bill reads back with
// the same numbers.
func renderDetail(key string, snap Snapshot) string {
	st := snap.State

	var b strings.Builder
	fmt.Fprintf(&b, "账单时间: %s\n", closedAtPart(key))
	fmt.Fprintf(&b, "操作人: %s\n", operatorList(st.Operators))

	fmt.Fprintf(&b, "\n入款记录:\n")
	for _, e := range st.Deposits {
		fmt.Fprintf(&b, "%s  %s | %sUSDT%s\n",
			e.At.Format("15:04:05"),
			signed(e.Amount),
			ledger.EntryUSDT(e, st.Rate, st.FeePercent).StringFixed(2),
			remarkSuffix(e.Remark))
	}

	fmt.Fprintf(&b, "\n下发记录:\n")
	for _, e := range st.Payouts {
		fmt.Fprintf(&b, "%s  %s | %sUSDT%s\n",
			e.At.Format("15:04:05"),
			signed(e.Amount.Neg()),
			ledger.EntryUSDT(e, st.Rate, st.FeePercent).Neg().StringFixed(2),
			remarkSuffix(e.Remark))
	}

	totalDeposit := decimal.Zero
	totalDepositUSDT := decimal.Zero
	for _, e := range st.Deposits {
		totalDeposit = totalDeposit.Add(e.Amount)
		totalDepositUSDT = totalDepositUSDT.Add(ledger.EntryUSDT(e, st.Rate, st.FeePercent))
	}
	totalPayout := decimal.Zero
	totalPayoutUSDT := decimal.Zero
	for _, e := range st.Payouts {
		totalPayout = totalPayout.Add(e.Amount)
		totalPayoutUSDT = totalPayoutUSDT.Add(ledger.EntryUSDT(e, st.Rate, st.FeePercent))
	}

	fmt.Fprintf(&b, "\n总入款: %s | %sUSDT\n", totalDeposit.StringFixed(2), totalDepositUSDT.StringFixed(2))
	fmt.Fprintf(&b, "已下发: %s | %sUSDT\n", totalPayout.StringFixed(2), totalPayoutUSDT.StringFixed(2))
	fmt.Fprintf(&b, "未下发: %s | %sUSDT",
		totalDeposit.Sub(totalPayout).StringFixed(2),
		totalDepositUSDT.Sub(totalPayoutUSDT).StringFixed(2))
	return b.String()
}

func operatorList(operators []string) string {
	if len(operators) == 0 {
		return "无"
	}
	return strings.Join(operators, ", ")
}

func signed(d decimal.Decimal) string {
	s := d.StringFixed(2)
	if d.Sign() >= 0 {
		return "+" + s
	}
	return s
}

func remarkSuffix(remark string) string {
	if remark == "" {
		return ""
	}
	return " " + remark
}
