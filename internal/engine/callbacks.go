package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tallybot.org/internal/audit"
	"tallybot.org/internal/history"
	"tallybot.org/internal/obs"
)

// Action id grammar for history browsing:
//
//	hist                        year menu
//	hist_year:<yyyy>            month menu for a year
//	hist_month:<yyyymm>:<page>  bill list filtered to a month
//	hist_list:<all|yyyymm>:<p>  bill list, optionally filtered
//	hist_view:<key>             snapshot detail
//	hist_del:<key>              delete one snapshot
const (
	actionHistory   = "hist"
	actionYearPfx   = "hist_year:"
	actionMonthPfx  = "hist_month:"
	actionListPfx   = "hist_list:"
	actionViewPfx   = "hist_view:"
	actionDeletePfx = "hist_del:"
)

// HandleCallback drives the history browsing state machine. Actions always
// resolve against the chat that pressed the button.
func (e *Engine) HandleCallback(ctx context.Context, chatID int64, action string) Reply {
	switch {
	case action == actionHistory:
		return e.yearMenu(chatID)
	case strings.HasPrefix(action, actionYearPfx):
		return e.monthMenu(chatID, strings.TrimPrefix(action, actionYearPfx))
	case strings.HasPrefix(action, actionMonthPfx):
		filter, page, ok := splitListArgs(strings.TrimPrefix(action, actionMonthPfx))
		if !ok {
			return Reply{Text: msgBadAction}
		}
		return e.billList(chatID, filter, page)
	case strings.HasPrefix(action, actionListPfx):
		filter, page, ok := splitListArgs(strings.TrimPrefix(action, actionListPfx))
		if !ok {
			return Reply{Text: msgBadAction}
		}
		return e.billList(chatID, filter, page)
	case strings.HasPrefix(action, actionViewPfx):
		return e.billView(chatID, strings.TrimPrefix(action, actionViewPfx))
	case strings.HasPrefix(action, actionDeletePfx):
		return e.billDelete(ctx, chatID, strings.TrimPrefix(action, actionDeletePfx))
	}
	return Reply{Text: msgBadAction}
}

func (e *Engine) yearMenu(chatID int64) Reply {
	years, err := e.history.ListYears(chatID)
	if err != nil {
		return Reply{Text: "❌ 查询失败：" + err.Error()}
	}
	if len(years) == 0 {
		return Reply{Text: msgNoHistory}
	}
	var rows [][]Button
	for _, y := range years {
		rows = append(rows, []Button{{Label: y, Action: actionYearPfx + y}})
	}
	rows = append(rows, []Button{{Label: "全部账单", Action: actionListPfx + "all:0"}})
	return Reply{Text: "📅 请选择年份查看账单：", Buttons: rows}
}

func (e *Engine) monthMenu(chatID int64, year string) Reply {
	months, err := e.history.ListMonths(chatID, year)
	if err != nil {
		return Reply{Text: "❌ 查询失败：" + err.Error()}
	}
	if len(months) == 0 {
		return Reply{Text: msgNoHistoryYear}
	}
	var rows [][]Button
	for _, m := range months {
		rows = append(rows, []Button{{
			Label:  year + "-" + m,
			Action: fmt.Sprintf("%s%s%s:0", actionMonthPfx, year, m),
		}})
	}
	rows = append(rows, []Button{{Label: "返回年份选择", Action: actionHistory}})
	return Reply{Text: fmt.Sprintf("📅 请选择 %s 年的月份：", year), Buttons: rows}
}

func (e *Engine) billList(chatID int64, filter string, page int) Reply {
	keys, totalPages, err := e.history.List(chatID, filter, page)
	if err != nil {
		return Reply{Text: "❌ 查询失败：" + err.Error()}
	}
	if len(keys) == 0 {
		return Reply{Text: msgNoMoreBills}
	}

	prefix := strconv.FormatInt(chatID, 10) + "_"
	var rows [][]Button
	for _, key := range keys {
		rows = append(rows, []Button{
			{Label: strings.TrimPrefix(key, prefix), Action: actionViewPfx + key},
			{Label: "删除", Action: actionDeletePfx + key},
		})
	}

	var nav []Button
	if page > 0 {
		nav = append(nav, Button{
			Label:  "⬅️ 上一页",
			Action: fmt.Sprintf("%s%s:%d", actionListPfx, filter, page-1),
		})
	}
	if page+1 < totalPages {
		nav = append(nav, Button{
			Label:  "下一页 ➡️",
			Action: fmt.Sprintf("%s%s:%d", actionListPfx, filter, page+1),
		})
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	rows = append(rows, []Button{{Label: "返回", Action: actionHistory}})

	return Reply{
		Text:    fmt.Sprintf("📄 账单列表（第%d页，共%d页）", page+1, totalPages),
		Buttons: rows,
	}
}

// ownedKey rejects snapshot keys that name another chat; buttons only ever
// carry the pressing chat's own keys.
func ownedKey(chatID int64, key string) bool {
	return strings.HasPrefix(key, strconv.FormatInt(chatID, 10)+"_")
}

func (e *Engine) billView(chatID int64, key string) Reply {
	if !ownedKey(chatID, key) {
		return Reply{Text: msgBillMissing}
	}
	detail, err := e.history.View(key)
	if err != nil {
		if errors.Is(err, history.ErrSnapshotNotFound) {
			return Reply{Text: msgBillMissing}
		}
		return Reply{Text: "❌ 查询失败：" + err.Error()}
	}
	return Reply{Text: detail}
}

func (e *Engine) billDelete(ctx context.Context, chatID int64, key string) Reply {
	if !ownedKey(chatID, key) {
		return Reply{Text: msgBillMissing}
	}
	if err := e.history.Delete(key); err != nil {
		if errors.Is(err, history.ErrSnapshotNotFound) {
			return Reply{Text: msgBillMissing}
		}
		return Reply{Text: "❌ 删除失败：" + err.Error()}
	}
	obs.ObserveOperation("delete_snapshot", "ok")
	_ = audit.LogEvent(ctx, "ledger.delete_snapshot", map[string]any{
		"chat_id":  chatID,
		"snapshot": key,
	})
	return Reply{Text: fmt.Sprintf("✅ 账单 %s 已删除。", key)}
}

func splitListArgs(raw string) (filter string, page int, ok bool) {
	i := strings.LastIndex(raw, ":")
	if i <= 0 {
		return "", 0, false
	}
	page, err := strconv.Atoi(raw[i+1:])
	if err != nil || page < 0 {
		return "", 0, false
	}
	return raw[:i], page, true
}
