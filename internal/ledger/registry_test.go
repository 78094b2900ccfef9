package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeMirror struct {
	mu     sync.Mutex
	writes int
	states map[int64]*State
	fail   bool
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{states: make(map[int64]*State)}
}

func (m *fakeMirror) Write(chatID int64, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.writes++
	cp := st.clone()
	m.states[chatID] = &cp
	return nil
}

func (m *fakeMirror) Remove(chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, chatID)
	return nil
}

func (m *fakeMirror) LoadAll() (map[int64]*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]*State, len(m.states))
	for k, v := range m.states {
		cp := v.clone()
		out[k] = &cp
	}
	return out, nil
}

type fakeArchive struct {
	mu    sync.Mutex
	saved []State
}

func (a *fakeArchive) Save(chatID int64, st State, closedAt time.Time) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, st)
	return "key", nil
}

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func decp(s string) *decimal.Decimal {
	v := dec(s)
	return &v
}

func TestStartPreservesOperators(t *testing.T) {
	r := NewRegistry(newFakeMirror())
	if err := r.MutateConfig(7, func(st *State) error {
		st.AddOperators([]string{"alice", "bob"})
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	st := r.Start(7)
	if !st.Active {
		t.Fatal("start must activate the ledger")
	}
	if len(st.Operators) != 2 || !st.HasOperator("ALICE") {
		t.Fatalf("operators not preserved: %v", st.Operators)
	}
	if st.Rate != nil || st.FeePercent != nil || len(st.Deposits) != 0 {
		t.Fatal("start must yield a fresh transaction window")
	}
}

func TestMutateRequiresActiveLedger(t *testing.T) {
	r := NewRegistry(newFakeMirror())
	err := r.Mutate(1, func(st *State) error { return nil })
	if !errors.Is(err, ErrNoActiveLedger) {
		t.Fatalf("expected ErrNoActiveLedger, got %v", err)
	}

	r.Start(1)
	if _, err := r.Close(1, &fakeArchive{}); err != nil {
		t.Fatal(err)
	}
	err = r.Mutate(1, func(st *State) error { return nil })
	if !errors.Is(err, ErrNoActiveLedger) {
		t.Fatalf("expected ErrNoActiveLedger after close, got %v", err)
	}
}

func TestCloseSnapshotsPreClearState(t *testing.T) {
	r := NewRegistry(newFakeMirror())
	r.Start(9)
	if err := r.Mutate(9, func(st *State) error {
		st.Rate = decp("7.2")
		st.FeePercent = decp("2")
		usdt := dec("13.61")
		st.Deposits = append(st.Deposits, Entry{
			At: time.Now(), Amount: dec("100"),
			Rate: decp("7.2"), FeePercent: decp("2"), USDTAmount: &usdt,
		})
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	arc := &fakeArchive{}
	if _, err := r.Close(9, arc); err != nil {
		t.Fatal(err)
	}
	if len(arc.saved) != 1 || len(arc.saved[0].Deposits) != 1 {
		t.Fatalf("snapshot missing pre-clear entries: %+v", arc.saved)
	}

	st, ok := r.Get(9)
	if !ok {
		t.Fatal("state removed by close")
	}
	if st.Active || len(st.Deposits) != 0 || st.Rate != nil {
		t.Fatalf("close must clear state: %+v", st)
	}
}

func TestDefaultChangeNeverRewritesEntries(t *testing.T) {
	r := NewRegistry(newFakeMirror())
	r.Start(3)
	if err := r.Mutate(3, func(st *State) error {
		usdt := dec("13.61")
		st.Rate = decp("7.2")
		st.FeePercent = decp("2")
		st.Deposits = append(st.Deposits, Entry{
			Amount: dec("100"), Rate: decp("7.2"), FeePercent: decp("2"), USDTAmount: &usdt,
		})
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.MutateConfig(3, func(st *State) error {
		st.Rate = decp("9.9")
		st.FeePercent = decp("50")
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	st, _ := r.Get(3)
	got := EntryUSDT(st.Deposits[0], st.Rate, st.FeePercent)
	if got.StringFixed(2) != "13.61" {
		t.Fatalf("stored usdt changed after default update: %s", got.StringFixed(2))
	}
}

func TestConcurrentDepositsNotLost(t *testing.T) {
	r := NewRegistry(newFakeMirror())
	r.Start(5)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Mutate(5, func(st *State) error {
				st.Deposits = append(st.Deposits, Entry{Amount: dec("10")})
				return nil
			})
		}()
	}
	wg.Wait()

	st, _ := r.Get(5)
	if len(st.Deposits) != n {
		t.Fatalf("lost deposits: got %d, want %d", len(st.Deposits), n)
	}
	if got := sumAmounts(st.Deposits); got.StringFixed(2) != "500.00" {
		t.Fatalf("sum mismatch: %s", got.StringFixed(2))
	}
}

func TestChatsDoNotBlockEachOther(t *testing.T) {
	r := NewRegistry(newFakeMirror())
	r.Start(1)
	r.Start(2)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = r.Mutate(1, func(st *State) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = r.Mutate(2, func(st *State) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mutation on chat 2 blocked by chat 1")
	}
	close(release)
}

func TestMirrorFailureDoesNotRollBack(t *testing.T) {
	m := newFakeMirror()
	r := NewRegistry(m)
	r.Start(4)
	m.mu.Lock()
	m.fail = true
	m.mu.Unlock()

	if err := r.Mutate(4, func(st *State) error {
		st.Deposits = append(st.Deposits, Entry{Amount: dec("10")})
		return nil
	}); err != nil {
		t.Fatalf("mirror failure must not surface: %v", err)
	}
	st, _ := r.Get(4)
	if len(st.Deposits) != 1 {
		t.Fatal("in-memory mutation rolled back")
	}
}

func TestLoadAllRestoresStates(t *testing.T) {
	m := newFakeMirror()
	r := NewRegistry(m)
	r.Start(11)
	_ = r.Mutate(11, func(st *State) error {
		st.Deposits = append(st.Deposits, Entry{Amount: dec("42")})
		return nil
	})

	r2 := NewRegistry(m)
	if err := r2.LoadAll(); err != nil {
		t.Fatal(err)
	}
	st, ok := r2.Get(11)
	if !ok || len(st.Deposits) != 1 || !st.Active {
		t.Fatalf("restore mismatch: %+v ok=%v", st, ok)
	}
}

func TestRemoveDropsStateAndMirror(t *testing.T) {
	m := newFakeMirror()
	r := NewRegistry(m)
	r.Start(8)
	if err := r.Remove(8); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get(8); ok {
		t.Fatal("state still present after remove")
	}
	if _, ok := m.states[8]; ok {
		t.Fatal("mirror still present after remove")
	}
}
