package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// displayLimit is how many most-recent entries of each kind the summary shows.
const displayLimit = 8

// RenderSummary produces the ledger digest replied after every booking.
// Pure function of the state: rendering twice yields identical output.
func RenderSummary(st *State, now time.Time) string {
	deposits := tail(st.Deposits, displayLimit)
	payouts := tail(st.Payouts, displayLimit)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", now.Format("2006年01月02日  15:04:05"))

	fmt.Fprintf(&b, "\n入款(%d笔)\n", len(deposits))
	for _, e := range deposits {
		fmt.Fprintf(&b, "%s  %s | %sUSDT%s\n",
			e.At.Format("15:04:05"),
			signed(e.Amount),
			EntryUSDT(e, st.Rate, st.FeePercent).StringFixed(2),
			rateFeeSuffix(e))
	}

	fmt.Fprintf(&b, "\n下发(%d笔)\n", len(payouts))
	for _, e := range payouts {
		// payouts are outflows: shown negated
		fmt.Fprintf(&b, "%s  %s | %sUSDT\n",
			e.At.Format("15:04:05"),
			signed(e.Amount.Neg()),
			EntryUSDT(e, st.Rate, st.FeePercent).Neg().StringFixed(2))
	}

	fmt.Fprintf(&b, "\n费率: %s\n", feeString(st.FeePercent))
	fmt.Fprintf(&b, "USDT汇率: %s\n", rateString(st.Rate))

	totalDeposit := sumAmounts(st.Deposits)
	totalDepositUSDT := sumUSDT(st.Deposits, st)
	totalPayout := sumAmounts(st.Payouts)
	totalPayoutUSDT := sumUSDT(st.Payouts, st)
	remain := totalDeposit.Sub(totalPayout)
	remainUSDT := totalDepositUSDT.Sub(totalPayoutUSDT)

	fmt.Fprintf(&b, "\n总入款: %s | %sUSDT\n", totalDeposit.StringFixed(2), totalDepositUSDT.StringFixed(2))
	fmt.Fprintf(&b, "应下发: %s | %sUSDT\n", totalDeposit.StringFixed(2), totalDepositUSDT.StringFixed(2))
	fmt.Fprintf(&b, "已下发: %s | %sUSDT\n", totalPayout.StringFixed(2), totalPayoutUSDT.StringFixed(2))
	fmt.Fprintf(&b, "未下发: %s | %sUSDT\n", remain.StringFixed(2), remainUSDT.StringFixed(2))

	fmt.Fprintf(&b, "\n总记录: %d条, 显示%d条", st.TotalEntries(), len(deposits)+len(payouts))
	return b.String()
}

func tail(entries []Entry, n int) []Entry {
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

func sumAmounts(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}

func sumUSDT(entries []Entry, st *State) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(EntryUSDT(e, st.Rate, st.FeePercent))
	}
	return total
}

func signed(d decimal.Decimal) string {
	s := d.StringFixed(2)
	if d.Sign() >= 0 {
		return "+" + s
	}
	return s
}

func rateFeeSuffix(e Entry) string {
	if e.Rate == nil {
		return ""
	}
	fee := decimal.Zero
	if e.FeePercent != nil {
		fee = *e.FeePercent
	}
	return fmt.Sprintf(" (%s/%s%%)", e.Rate.StringFixed(2), fee.StringFixed(2))
}

func rateString(rate *decimal.Decimal) string {
	if rate == nil {
		return "未设置"
	}
	return rate.StringFixed(2)
}

func feeString(fee *decimal.Decimal) string {
	if fee == nil {
		return "未设置"
	}
	return fee.StringFixed(2) + "%"
}
