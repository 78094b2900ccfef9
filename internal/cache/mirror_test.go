package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tallybot.org/internal/ledger"
)

func TestWriteLoadRemove(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	rate := decimal.RequireFromString("7.2")
	st := &ledger.State{
		Active:    true,
		Rate:      &rate,
		Operators: []string{"alice"},
		Deposits: []ledger.Entry{{
			At: time.Now().Truncate(time.Second), Amount: decimal.RequireFromString("100"),
		}},
	}
	if err := m.Write(42, st); err != nil {
		t.Fatal(err)
	}
	if err := m.Write(-77, &ledger.State{}); err != nil {
		t.Fatal(err)
	}

	states, err := m.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 {
		t.Fatalf("loaded %d states, want 2", len(states))
	}
	got := states[42]
	if got == nil || !got.Active || len(got.Deposits) != 1 || got.Rate == nil || !got.Rate.Equal(rate) {
		t.Fatalf("restored state mismatch: %+v", got)
	}
	if !got.Deposits[0].Amount.Equal(st.Deposits[0].Amount) {
		t.Fatalf("amount drifted: %s", got.Deposits[0].Amount)
	}

	if err := m.Remove(42); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove(42); err != nil {
		t.Fatalf("removing an absent mirror must succeed: %v", err)
	}
	states, _ = m.LoadAll()
	if _, ok := states[42]; ok {
		t.Fatal("mirror still present after remove")
	}
}

func TestLoadAllSkipsGarbage(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "12.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Write(13, &ledger.State{Active: true}); err != nil {
		t.Fatal(err)
	}

	states, err := m.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[13] == nil {
		t.Fatalf("expected only the valid mirror, got %v", states)
	}
}
