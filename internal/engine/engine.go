// Package engine is the chat-facing ledger engine: it interprets inbound
// text, enforces authorization, mutates per-chat ledgers and produces the
// replies the transport sends back.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tallybot.org/internal/audit"
	"tallybot.org/internal/auth"
	"tallybot.org/internal/command"
	"tallybot.org/internal/history"
	"tallybot.org/internal/ledger"
	"tallybot.org/internal/money"
	"tallybot.org/internal/obs"
)

// Event is one inbound chat message.
type Event struct {
	ChatID   int64  `json:"chat_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

// Button is one selectable item; the transport renders it as a keyboard
// button and posts Action back through the callback endpoint.
type Button struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Reply is the outbound message. A zero Reply means "say nothing" (the text
// was not a ledger command).
type Reply struct {
	Text    string     `json:"text"`
	Buttons [][]Button `json:"buttons,omitempty"`
}

// IsZero reports whether the reply carries nothing to send.
func (r Reply) IsZero() bool { return r.Text == "" && len(r.Buttons) == 0 }

const (
	msgStarted         = "✅ 已开始记账。请设置汇率和费率后再输入入款记录。"
	msgAdminsOnly      = "只有群管理员或操作人可以使用该功能。"
	msgNoActiveLedger  = "❗️当前没有进行中的记账，请先开始记账。"
	msgRateUnset       = "⚠️ 请先设置汇率和费率后才能进行此操作。"
	msgLockedActive    = "❌ 当前已启用记账，无法更改汇率或费率。请先保存或结束记账。"
	msgSaved           = "✅ 账单已保存，记账数据已清空。"
	msgNoHistory       = "暂无历史账单记录。"
	msgNoHistoryYear   = "该年份暂无账单记录。"
	msgNoMoreBills     = "无更多账单。"
	msgBillMissing     = "账单不存在。"
	msgBadAction       = "参数错误。"
	msgNoSuchOperators = "未找到要删除的操作人。"
)

// Engine wires the registry, history store and authorization guard.
type Engine struct {
	registry *ledger.Registry
	history  *history.Store
	guard    *auth.Guard
	now      func() time.Time
}

func New(registry *ledger.Registry, hist *history.Store, guard *auth.Guard) *Engine {
	return &Engine{
		registry: registry,
		history:  hist,
		guard:    guard,
		now:      time.Now,
	}
}

// HandleStart begins (or re-arms) bookkeeping for a chat.
func (e *Engine) HandleStart(ctx context.Context, ev Event) Reply {
	if !e.authorized(ctx, ev) {
		obs.ObserveOperation("start", "rejected")
		return Reply{Text: msgAdminsOnly}
	}
	e.registry.Start(ev.ChatID)
	obs.ObserveOperation("start", "ok")
	_ = audit.LogEvent(ctx, "ledger.start", map[string]any{
		"chat_id": ev.ChatID,
		"user_id": ev.UserID,
	})
	return Reply{Text: msgStarted}
}

// HandleMessage interprets one line of chat text. Text that is not a ledger
// command yields a zero Reply and no side effects.
func (e *Engine) HandleMessage(ctx context.Context, ev Event) Reply {
	op, ok := command.Parse(ev.Text)
	if !ok {
		return Reply{}
	}

	if !e.authorized(ctx, ev) {
		obs.ObserveOperation(opName(op.Kind), "rejected")
		return Reply{Text: msgAdminsOnly}
	}

	switch op.Kind {
	case command.KindDeposit, command.KindDepositCorrection,
		command.KindPayout, command.KindPayoutCorrection:
		return e.applyBooking(ctx, ev, op)
	case command.KindSetRate:
		return e.applySetRate(ctx, ev, op)
	case command.KindSetFee:
		return e.applySetFee(ctx, ev, op)
	case command.KindAddOperators:
		return e.applyAddOperators(ctx, ev, op)
	case command.KindRemoveOperators:
		return e.applyRemoveOperators(ctx, ev, op)
	case command.KindSaveLedger:
		return e.applySave(ctx, ev)
	case command.KindQueryHistory:
		return e.yearMenu(ev.ChatID)
	}
	return Reply{}
}

// HandleRemoved clears a chat's live state, its mirror and all its history.
// Invoked when the bot is removed from the chat.
func (e *Engine) HandleRemoved(ctx context.Context, chatID int64) error {
	if err := e.registry.Remove(chatID); err != nil {
		return err
	}
	if err := e.history.DeleteAll(chatID); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "ledger.chat_removed", map[string]any{"chat_id": chatID})
	return nil
}

func (e *Engine) authorized(ctx context.Context, ev Event) bool {
	var operators []string
	if st, ok := e.registry.Get(ev.ChatID); ok {
		operators = st.Operators
	}
	return e.guard.IsAuthorized(ctx, ev.ChatID, ev.UserID, ev.Username, operators)
}

// applyBooking appends a deposit/payout (or its correction) and renders the
// summary inside the same critical section, so the digest always reflects a
// consistent post-mutation state.
func (e *Engine) applyBooking(ctx context.Context, ev Event, op command.Op) Reply {
	name := opName(op.Kind)
	var summary string
	err := e.registry.Mutate(ev.ChatID, func(st *ledger.State) error {
		rate := pick(op.Rate, st.Rate)
		fee := pick(op.FeePercent, st.FeePercent)
		if rate == nil || fee == nil {
			return ledger.ErrRateUnset
		}

		entry := ledger.Entry{
			At:         e.now(),
			Amount:     op.Amount,
			Rate:       copyDec(rate),
			FeePercent: copyDec(fee),
			Remark:     op.Remark,
		}
		switch op.Kind {
		case command.KindDeposit, command.KindDepositCorrection:
			usdt := money.ToUSDT(op.Amount, *rate, *fee)
			entry.USDTAmount = &usdt
			st.Deposits = append(st.Deposits, entry)
		default:
			if op.IsUSDT {
				usdt := op.Amount
				entry.IsUSDT = true
				entry.USDTAmount = &usdt
				entry.Amount = money.FromUSDT(op.Amount, *rate, *fee)
			} else {
				usdt := money.ToUSDT(op.Amount, *rate, *fee)
				entry.USDTAmount = &usdt
			}
			st.Payouts = append(st.Payouts, entry)
		}
		summary = ledger.RenderSummary(st, e.now())
		return nil
	})
	if err != nil {
		obs.ObserveOperation(name, "rejected")
		return Reply{Text: rejection(err)}
	}

	obs.ObserveOperation(name, "ok")
	_ = audit.LogEvent(ctx, "ledger."+name, map[string]any{
		"chat_id": ev.ChatID,
		"user_id": ev.UserID,
		"amount":  op.Amount.String(),
		"is_usdt": op.IsUSDT,
	})
	return Reply{
		Text:    summary,
		Buttons: [][]Button{{{Label: "查询账单", Action: "hist"}}},
	}
}

func (e *Engine) applySetRate(ctx context.Context, ev Event, op command.Op) Reply {
	err := e.registry.MutateConfig(ev.ChatID, func(st *ledger.State) error {
		if st.Active && st.Rate != nil {
			return ledger.ErrLockedWhileActive
		}
		st.Rate = copyDec(op.Rate)
		return nil
	})
	if err != nil {
		obs.ObserveOperation("set_rate", "rejected")
		return Reply{Text: rejection(err)}
	}
	obs.ObserveOperation("set_rate", "ok")
	_ = audit.LogEvent(ctx, "ledger.set_rate", map[string]any{
		"chat_id": ev.ChatID,
		"rate":    op.Rate.String(),
	})
	return Reply{Text: "✅ 汇率已设置为 " + op.Rate.StringFixed(2)}
}

func (e *Engine) applySetFee(ctx context.Context, ev Event, op command.Op) Reply {
	err := e.registry.MutateConfig(ev.ChatID, func(st *ledger.State) error {
		if st.Active && st.FeePercent != nil {
			return ledger.ErrLockedWhileActive
		}
		st.FeePercent = copyDec(op.FeePercent)
		return nil
	})
	if err != nil {
		obs.ObserveOperation("set_fee", "rejected")
		return Reply{Text: rejection(err)}
	}
	obs.ObserveOperation("set_fee", "ok")
	_ = audit.LogEvent(ctx, "ledger.set_fee", map[string]any{
		"chat_id": ev.ChatID,
		"fee":     op.FeePercent.String(),
	})
	return Reply{Text: "✅ 费率已设置为 " + op.FeePercent.StringFixed(2) + "%"}
}

func (e *Engine) applyAddOperators(ctx context.Context, ev Event, op command.Op) Reply {
	var added []string
	_ = e.registry.MutateConfig(ev.ChatID, func(st *ledger.State) error {
		added = st.AddOperators(op.Operators)
		return nil
	})
	obs.ObserveOperation("add_operators", "ok")
	_ = audit.LogEvent(ctx, "ledger.add_operators", map[string]any{
		"chat_id":   ev.ChatID,
		"operators": added,
	})
	return Reply{Text: "✅ 已添加操作人：" + strings.Join(op.Operators, ", ")}
}

func (e *Engine) applyRemoveOperators(ctx context.Context, ev Event, op command.Op) Reply {
	var removed []string
	_ = e.registry.MutateConfig(ev.ChatID, func(st *ledger.State) error {
		removed = st.RemoveOperators(op.Operators)
		return nil
	})
	if len(removed) == 0 {
		obs.ObserveOperation("remove_operators", "rejected")
		return Reply{Text: msgNoSuchOperators}
	}
	obs.ObserveOperation("remove_operators", "ok")
	_ = audit.LogEvent(ctx, "ledger.remove_operators", map[string]any{
		"chat_id":   ev.ChatID,
		"operators": removed,
	})
	return Reply{Text: "✅ 已删除操作人：" + strings.Join(removed, ", ")}
}

func (e *Engine) applySave(ctx context.Context, ev Event) Reply {
	key, err := e.registry.Close(ev.ChatID, e.history)
	if err != nil {
		obs.ObserveOperation("save", "rejected")
		return Reply{Text: rejection(err)}
	}
	obs.ObserveOperation("save", "ok")
	_ = audit.LogEvent(ctx, "ledger.save", map[string]any{
		"chat_id":  ev.ChatID,
		"user_id":  ev.UserID,
		"snapshot": key,
	})
	return Reply{Text: msgSaved}
}

// rejection maps an engine error to the user-facing refusal text.
func rejection(err error) string {
	switch {
	case errors.Is(err, ledger.ErrNoActiveLedger):
		return msgNoActiveLedger
	case errors.Is(err, ledger.ErrRateUnset):
		return msgRateUnset
	case errors.Is(err, ledger.ErrLockedWhileActive):
		return msgLockedActive
	default:
		return "❌ 操作失败：" + err.Error()
	}
}

func opName(kind command.Kind) string {
	switch kind {
	case command.KindDeposit:
		return "deposit"
	case command.KindDepositCorrection:
		return "deposit_correction"
	case command.KindPayout:
		return "payout"
	case command.KindPayoutCorrection:
		return "payout_correction"
	case command.KindSetRate:
		return "set_rate"
	case command.KindSetFee:
		return "set_fee"
	case command.KindAddOperators:
		return "add_operators"
	case command.KindRemoveOperators:
		return "remove_operators"
	case command.KindSaveLedger:
		return "save"
	case command.KindQueryHistory:
		return "query_history"
	}
	return "unknown"
}

func pick(own, def *decimal.Decimal) *decimal.Decimal {
	if own != nil {
		return own
	}
	return def
}

func copyDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
