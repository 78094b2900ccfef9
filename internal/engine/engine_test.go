package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tallybot.org/internal/auth"
	"tallybot.org/internal/history"
	"tallybot.org/internal/ledger"
)

type adminSource struct {
	adminIDs map[int64]bool
}

func (s *adminSource) GetRole(ctx context.Context, chatID, userID int64) (auth.Role, error) {
	if s.adminIDs[userID] {
		return auth.RoleAdministrator, nil
	}
	return auth.RoleMember, nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	hist, err := history.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	guard := auth.NewGuard(&adminSource{adminIDs: map[int64]bool{100: true}}, time.Second, 1000, 1000)
	return New(ledger.NewRegistry(nil), hist, guard)
}

func admin(chatID int64, text string) Event {
	return Event{ChatID: chatID, UserID: 100, Username: "boss", Text: text}
}

func (e *Engine) mustReply(t *testing.T, ev Event, wantSubstr string) Reply {
	t.Helper()
	r := e.HandleMessage(context.Background(), ev)
	if !strings.Contains(r.Text, wantSubstr) {
		t.Fatalf("HandleMessage(%q) = %q, want substring %q", ev.Text, r.Text, wantSubstr)
	}
	return r
}

func startAndConfigure(t *testing.T, e *Engine, chatID int64) {
	t.Helper()
	ctx := context.Background()
	if r := e.HandleStart(ctx, admin(chatID, "")); !strings.Contains(r.Text, "已开始记账") {
		t.Fatalf("start reply: %q", r.Text)
	}
	e.mustReply(t, admin(chatID, "设置汇率 7.2"), "汇率已设置为 7.20")
	e.mustReply(t, admin(chatID, "设置费率 2"), "费率已设置为 2.00%")
}

func TestDepositScenario(t *testing.T) {
	e := newTestEngine(t)
	startAndConfigure(t, e, 1)

	r := e.mustReply(t, admin(1, "+100"), "总入款: 100.00 | 13.61USDT")
	if len(r.Buttons) == 0 || r.Buttons[0][0].Action != "hist" {
		t.Fatalf("summary must carry the history button, got %+v", r.Buttons)
	}

	st, _ := e.registry.Get(1)
	if len(st.Deposits) != 1 {
		t.Fatalf("deposits = %d", len(st.Deposits))
	}
	entry := st.Deposits[0]
	if entry.Rate.StringFixed(2) != "7.20" || entry.FeePercent.StringFixed(2) != "2.00" {
		t.Fatalf("entry rate/fee = %v/%v", entry.Rate, entry.FeePercent)
	}
	if entry.USDTAmount.StringFixed(2) != "13.61" {
		t.Fatalf("usdt = %s", entry.USDTAmount.StringFixed(2))
	}
}

func TestUSDTPayoutScenario(t *testing.T) {
	e := newTestEngine(t)
	startAndConfigure(t, e, 1)

	e.mustReply(t, admin(1, "下发50U"), "已下发: 367.35 | 50.00USDT")

	st, _ := e.registry.Get(1)
	if len(st.Payouts) != 1 {
		t.Fatalf("payouts = %d", len(st.Payouts))
	}
	p := st.Payouts[0]
	if !p.IsUSDT || p.Amount.StringFixed(2) != "367.35" || p.USDTAmount.StringFixed(2) != "50.00" {
		t.Fatalf("payout entry = %+v", p)
	}
}

func TestCorrectionsAppendNegatedEntries(t *testing.T) {
	e := newTestEngine(t)
	startAndConfigure(t, e, 1)

	e.mustReply(t, admin(1, "+100"), "总入款: 100.00")
	e.mustReply(t, admin(1, "-40"), "总入款: 60.00")

	st, _ := e.registry.Get(1)
	if len(st.Deposits) != 2 {
		t.Fatal("correction must append, not mutate")
	}
	if st.Deposits[1].Amount.StringFixed(2) != "-40.00" {
		t.Fatalf("correction amount = %s", st.Deposits[1].Amount.StringFixed(2))
	}
}

func TestDepositRejectedUntilRateConfigured(t *testing.T) {
	e := newTestEngine(t)
	e.HandleStart(context.Background(), admin(1, ""))

	e.mustReply(t, admin(1, "+100"), "请先设置汇率和费率")
	st, _ := e.registry.Get(1)
	if len(st.Deposits) != 0 {
		t.Fatal("rejected deposit must not append an entry")
	}
}

func TestUnauthorizedDepositRejected(t *testing.T) {
	e := newTestEngine(t)
	startAndConfigure(t, e, 1)

	stranger := Event{ChatID: 1, UserID: 999, Username: "mallory", Text: "+100"}
	r := e.HandleMessage(context.Background(), stranger)
	if !strings.Contains(r.Text, "管理员或操作人") {
		t.Fatalf("expected rejection, got %q", r.Text)
	}
	st, _ := e.registry.Get(1)
	if len(st.Deposits) != 0 {
		t.Fatal("unauthorized deposit must not append an entry")
	}
}

func TestOperatorGainsAccess(t *testing.T) {
	e := newTestEngine(t)
	startAndConfigure(t, e, 1)
	e.mustReply(t, admin(1, "添加操作人 @Carol"), "已添加操作人：carol")

	carol := Event{ChatID: 1, UserID: 555, Username: "Carol", Text: "+10"}
	r := e.HandleMessage(context.Background(), carol)
	if !strings.Contains(r.Text, "总入款: 10.00") {
		t.Fatalf("operator deposit failed: %q", r.Text)
	}

	e.mustReply(t, admin(1, "删除操作人 carol"), "已删除操作人：carol")
	r = e.HandleMessage(context.Background(), carol)
	if !strings.Contains(r.Text, "管理员或操作人") {
		t.Fatalf("removed operator must be rejected: %q", r.Text)
	}
}

func TestRateLockedWhileActive(t *testing.T) {
	e := newTestEngine(t)
	startAndConfigure(t, e, 1)
	e.mustReply(t, admin(1, "设置汇率 8.0"), "无法更改汇率或费率")

	st, _ := e.registry.Get(1)
	if st.Rate.StringFixed(2) != "7.20" {
		t.Fatalf("rate changed while locked: %s", st.Rate)
	}
}

func TestNonCommandTextIsSilent(t *testing.T) {
	e := newTestEngine(t)
	startAndConfigure(t, e, 1)
	r := e.HandleMessage(context.Background(), admin(1, "大家好"))
	if !r.IsZero() {
		t.Fatalf("chatter must yield an empty reply, got %+v", r)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	startAndConfigure(t, e, 1)
	e.mustReply(t, admin(1, "+100"), "总入款")
	preSave := e.mustReply(t, admin(1, "下发50U"), "未下发")

	e.mustReply(t, admin(1, "保存账单"), "账单已保存")

	st, _ := e.registry.Get(1)
	if st.Active || len(st.Deposits) != 0 || st.Rate != nil {
		t.Fatalf("save must reset the live state: %+v", st)
	}

	keys, pages, err := e.history.List(1, "all", 0)
	if err != nil || len(keys) != 1 || pages != 1 {
		t.Fatalf("keys=%v pages=%d err=%v", keys, pages, err)
	}
	detail, err := e.history.View(keys[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, total := range []string{
		"总入款: 100.00 | 13.61USDT",
		"已下发: 367.35 | 50.00USDT",
		"未下发: -267.35 | -36.39USDT",
	} {
		if !strings.Contains(detail, total) {
			t.Fatalf("snapshot detail missing %q:\n%s", total, detail)
		}
		if !strings.Contains(preSave.Text, total) {
			t.Fatalf("pre-save summary missing %q:\n%s", total, preSave.Text)
		}
	}
}

func TestSaveWithoutLedgerRejected(t *testing.T) {
	e := newTestEngine(t)
	e.mustReply(t, admin(1, "保存账单"), "没有进行中的记账")
}

func TestHistoryBrowsing(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	startAndConfigure(t, e, 1)
	e.mustReply(t, admin(1, "+100"), "总入款")
	e.mustReply(t, admin(1, "保存账单"), "账单已保存")

	years := e.HandleCallback(ctx, 1, "hist")
	if !strings.Contains(years.Text, "请选择年份") || len(years.Buttons) < 2 {
		t.Fatalf("year menu = %+v", years)
	}
	year := years.Buttons[0][0].Label

	months := e.HandleCallback(ctx, 1, "hist_year:"+year)
	if !strings.Contains(months.Text, "月份") {
		t.Fatalf("month menu = %+v", months)
	}

	list := e.HandleCallback(ctx, 1, months.Buttons[0][0].Action)
	if !strings.Contains(list.Text, "第1页，共1页") {
		t.Fatalf("list = %+v", list)
	}
	viewAction := list.Buttons[0][0].Action
	deleteAction := list.Buttons[0][1].Action

	detail := e.HandleCallback(ctx, 1, viewAction)
	if !strings.Contains(detail.Text, "总入款: 100.00") {
		t.Fatalf("detail = %q", detail.Text)
	}

	deleted := e.HandleCallback(ctx, 1, deleteAction)
	if !strings.Contains(deleted.Text, "已删除") {
		t.Fatalf("delete reply = %q", deleted.Text)
	}
	if r := e.HandleCallback(ctx, 1, viewAction); r.Text != msgBillMissing {
		t.Fatalf("viewing a deleted bill must report it missing, got %q", r.Text)
	}

	if r := e.HandleCallback(ctx, 1, "hist"); r.Text != msgNoHistory {
		t.Fatalf("empty history menu = %q", r.Text)
	}
}

func TestCallbackCannotReachOtherChatsBills(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	startAndConfigure(t, e, 1)
	e.mustReply(t, admin(1, "+100"), "总入款")
	e.mustReply(t, admin(1, "保存账单"), "账单已保存")

	keys, _, err := e.history.List(1, "all", 0)
	if err != nil || len(keys) != 1 {
		t.Fatalf("keys=%v err=%v", keys, err)
	}

	if r := e.HandleCallback(ctx, 2, "hist_view:"+keys[0]); r.Text != msgBillMissing {
		t.Fatalf("foreign view reply = %q", r.Text)
	}
	if r := e.HandleCallback(ctx, 2, "hist_del:"+keys[0]); r.Text != msgBillMissing {
		t.Fatalf("foreign delete reply = %q", r.Text)
	}
	if _, err := e.history.View(keys[0]); err != nil {
		t.Fatalf("snapshot must survive the foreign delete attempt: %v", err)
	}
}

func TestUnknownCallback(t *testing.T) {
	e := newTestEngine(t)
	if r := e.HandleCallback(context.Background(), 1, "bogus:1"); r.Text != msgBadAction {
		t.Fatalf("reply = %q", r.Text)
	}
}

func TestConcurrentDepositsAcrossEvents(t *testing.T) {
	e := newTestEngine(t)
	startAndConfigure(t, e, 1)

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.HandleMessage(context.Background(), admin(1, "+10"))
		}()
	}
	wg.Wait()

	st, _ := e.registry.Get(1)
	if len(st.Deposits) != n {
		t.Fatalf("lost deposits: %d of %d", len(st.Deposits), n)
	}
	e.mustReply(t, admin(1, "+10"), "总入款: 310.00")
}

func TestHandleRemoved(t *testing.T) {
	e := newTestEngine(t)
	startAndConfigure(t, e, 1)
	e.mustReply(t, admin(1, "+100"), "总入款")
	e.mustReply(t, admin(1, "保存账单"), "账单已保存")

	if err := e.HandleRemoved(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.registry.Get(1); ok {
		t.Fatal("live state must be gone")
	}
	if keys, _, _ := e.history.List(1, "all", 0); len(keys) != 0 {
		t.Fatalf("history must be gone, got %v", keys)
	}
}
