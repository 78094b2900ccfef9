// Package command turns a single line of operator text into a typed ledger
// operation. Matchers run in priority order; the first one that fully parses
// wins, and text matching nothing is simply not a ledger command.
package command

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind identifies the operation a line of text resolved to.
type Kind int

const (
	KindDeposit Kind = iota + 1
	KindDepositCorrection
	KindPayout
	KindPayoutCorrection
	KindSetRate
	KindSetFee
	KindAddOperators
	KindRemoveOperators
	KindSaveLedger
	KindQueryHistory
)

// Op is a parsed ledger operation. Only the fields relevant to its Kind are
// populated; Amount is already negated for corrections.
type Op struct {
	Kind       Kind
	Amount     decimal.Decimal
	Rate       *decimal.Decimal
	FeePercent *decimal.Decimal
	IsUSDT     bool
	Remark     string
	Operators  []string
}

var (
	// amounts and fees take up to 2 decimal places, rates up to 4
	depositRe  = regexp.MustCompile(`^(?:入款)?([+-])\s*(\d+(?:\.\d{1,2})?)(?:\s+(.*))?$`)
	payoutRe   = regexp.MustCompile(`^下发(-)?(\d+(?:\.\d{1,2})?)([Uu])?(?:\s+(\S.*))?$`)
	setRateRe  = regexp.MustCompile(`^设置汇率\s*(\d+(?:\.\d{1,4})?)$`)
	setFeeRe   = regexp.MustCompile(`^设置费率\s*(-?\d+(?:\.\d{1,2})?)%?$`)
	addOpsRe   = regexp.MustCompile(`^添加操作人\s+(.+)$`)
	delOpsRe   = regexp.MustCompile(`^删除操作人\s+(.+)$`)
	saveRe     = regexp.MustCompile(`^(?:保存账单|结束记账)$`)
	queryRe    = regexp.MustCompile(`^查询账单$`)
	usernameRe = regexp.MustCompile(`^@?(\w+)$`)

	rateTokenRe = regexp.MustCompile(`^\d+(?:\.\d{1,4})?$`)
	feeTokenRe  = regexp.MustCompile(`^-?\d+(?:\.\d{1,2})?$`)
)

type matcher func(text string) (Op, bool)

// ordered: first match wins
var matchers = []matcher{
	matchDeposit,
	matchPayout,
	matchSetRate,
	matchSetFee,
	matchOperators(addOpsRe, KindAddOperators),
	matchOperators(delOpsRe, KindRemoveOperators),
	matchSave,
	matchQuery,
}

// Parse resolves one line of text. The false return means "not a ledger
// command", never a user-facing error.
func Parse(text string) (Op, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Op{}, false
	}
	for _, m := range matchers {
		if op, ok := m(text); ok {
			return op, true
		}
	}
	return Op{}, false
}

func matchDeposit(text string) (Op, bool) {
	m := depositRe.FindStringSubmatch(text)
	if m == nil {
		return Op{}, false
	}
	amount, err := decimal.NewFromString(m[2])
	if err != nil || amount.IsZero() {
		return Op{}, false
	}
	op := Op{Kind: KindDeposit, Amount: amount}
	if m[1] == "-" {
		op.Kind = KindDepositCorrection
		op.Amount = amount.Neg()
	}
	parseDepositTail(&op, m[3])
	return op, true
}

// parseDepositTail consumes the optional "[rate] [fee] [remark]" suffix.
// A fee is only recognised after a rate.
func parseDepositTail(op *Op, tail string) {
	tail = strings.TrimSpace(tail)
	if tail == "" {
		return
	}
	fields := strings.Fields(tail)
	i := 0
	if i < len(fields) && rateTokenRe.MatchString(fields[i]) {
		rate, err := decimal.NewFromString(fields[i])
		if err == nil {
			op.Rate = &rate
			i++
			if i < len(fields) && feeTokenRe.MatchString(fields[i]) {
				fee, err := decimal.NewFromString(fields[i])
				if err == nil {
					op.FeePercent = &fee
					i++
				}
			}
		}
	}
	op.Remark = strings.Join(fields[i:], " ")
}

func matchPayout(text string) (Op, bool) {
	m := payoutRe.FindStringSubmatch(text)
	if m == nil {
		return Op{}, false
	}
	amount, err := decimal.NewFromString(m[2])
	if err != nil || amount.IsZero() {
		return Op{}, false
	}
	op := Op{Kind: KindPayout, Amount: amount, IsUSDT: m[3] != "", Remark: strings.TrimSpace(m[4])}
	if m[1] == "-" {
		op.Kind = KindPayoutCorrection
		op.Amount = amount.Neg()
	}
	return op, true
}

func matchSetRate(text string) (Op, bool) {
	m := setRateRe.FindStringSubmatch(text)
	if m == nil {
		return Op{}, false
	}
	rate, err := decimal.NewFromString(m[1])
	if err != nil || rate.IsNegative() {
		return Op{}, false
	}
	return Op{Kind: KindSetRate, Rate: &rate}, true
}

func matchSetFee(text string) (Op, bool) {
	m := setFeeRe.FindStringSubmatch(text)
	if m == nil {
		return Op{}, false
	}
	fee, err := decimal.NewFromString(m[1])
	if err != nil {
		return Op{}, false
	}
	return Op{Kind: KindSetFee, FeePercent: &fee}, true
}

func matchOperators(re *regexp.Regexp, kind Kind) matcher {
	return func(text string) (Op, bool) {
		m := re.FindStringSubmatch(text)
		if m == nil {
			return Op{}, false
		}
		names := splitUsernames(m[1])
		if len(names) == 0 {
			return Op{}, false
		}
		return Op{Kind: kind, Operators: names}, true
	}
}

// splitUsernames accepts whitespace/comma separated names, strips the "@"
// and lower-cases. A single malformed name rejects the whole line.
func splitUsernames(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ',' || r == '，'
	})
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		m := usernameRe.FindStringSubmatch(p)
		if m == nil {
			return nil
		}
		names = append(names, strings.ToLower(m[1]))
	}
	return names
}

func matchSave(text string) (Op, bool) {
	if !saveRe.MatchString(text) {
		return Op{}, false
	}
	return Op{Kind: KindSaveLedger}, true
}

func matchQuery(text string) (Op, bool) {
	if !queryRe.MatchString(text) {
		return Op{}, false
	}
	return Op{Kind: KindQueryHistory}, true
}
