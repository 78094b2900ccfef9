package ledger

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tallybot.org/internal/money"
)

// Entry is one deposit or payout line. Corrections append a negated entry;
// the lists themselves are never edited in place.
type Entry struct {
	At         time.Time        `json:"at"`
	Amount     decimal.Decimal  `json:"amount"`
	Rate       *decimal.Decimal `json:"rate,omitempty"`
	FeePercent *decimal.Decimal `json:"fee_percent,omitempty"`
	USDTAmount *decimal.Decimal `json:"usdt_amount,omitempty"`
	IsUSDT     bool             `json:"is_usdt,omitempty"`
	Remark     string           `json:"remark,omitempty"`
}

// State is the live ledger for one chat. The Registry owns every State;
// callers only touch one inside Registry.Mutate/MutateConfig.
type State struct {
	Active     bool             `json:"active"`
	Deposits   []Entry          `json:"deposits"`
	Payouts    []Entry          `json:"payouts"`
	Rate       *decimal.Decimal `json:"rate,omitempty"`
	FeePercent *decimal.Decimal `json:"fee_percent,omitempty"`
	Operators  []string         `json:"operator_usernames"`
}

var (
	ErrNoActiveLedger    = errors.New("no active ledger")
	ErrRateUnset         = errors.New("rate and fee are not configured")
	ErrLockedWhileActive = errors.New("rate/fee locked while ledger is active")
)

// HasOperator reports whether the username is in the operator set,
// case-insensitively.
func (s *State) HasOperator(username string) bool {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return false
	}
	for _, op := range s.Operators {
		if strings.ToLower(op) == username {
			return true
		}
	}
	return false
}

// AddOperators appends usernames not already present. Returns the names that
// were actually added.
func (s *State) AddOperators(names []string) []string {
	var added []string
	for _, n := range names {
		if !s.HasOperator(n) {
			s.Operators = append(s.Operators, n)
			added = append(added, n)
		}
	}
	return added
}

// RemoveOperators drops usernames case-insensitively. Returns the names that
// were actually removed.
func (s *State) RemoveOperators(names []string) []string {
	var removed []string
	for _, n := range names {
		low := strings.ToLower(n)
		for i, op := range s.Operators {
			if strings.ToLower(op) == low {
				s.Operators = append(s.Operators[:i], s.Operators[i+1:]...)
				removed = append(removed, n)
				break
			}
		}
	}
	return removed
}

// TotalEntries is the combined deposit and payout count.
func (s *State) TotalEntries() int {
	return len(s.Deposits) + len(s.Payouts)
}

// clone returns a deep copy safe to hand outside the critical section.
func (s *State) clone() State {
	out := *s
	out.Deposits = append([]Entry(nil), s.Deposits...)
	out.Payouts = append([]Entry(nil), s.Payouts...)
	out.Operators = append([]string(nil), s.Operators...)
	return out
}

// EntryUSDT returns the USDT value of an entry. Entries written by this
// version carry their own USDT amount; legacy entries are recomputed with the
// entry's rate/fee, falling back to the supplied defaults.
func EntryUSDT(e Entry, defRate, defFee *decimal.Decimal) decimal.Decimal {
	if e.USDTAmount != nil {
		return *e.USDTAmount
	}
	rate := e.Rate
	if rate == nil {
		rate = defRate
	}
	if rate == nil {
		return decimal.Zero
	}
	fee := decimal.Zero
	switch {
	case e.FeePercent != nil:
		fee = *e.FeePercent
	case defFee != nil:
		fee = *defFee
	}
	return money.ToUSDT(e.Amount, *rate, fee)
}
