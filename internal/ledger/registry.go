package ledger

import (
	"fmt"
	"sync"
	"time"

	"tallybot.org/internal/obs"
)

// Mirror keeps live ledger state on disk so the registry survives restarts.
type Mirror interface {
	Write(chatID int64, st *State) error
	Remove(chatID int64) error
	LoadAll() (map[int64]*State, error)
}

// Archive receives closed ledgers. Implemented by the history store.
type Archive interface {
	Save(chatID int64, st State, closedAt time.Time) (string, error)
}

// Registry owns every chat's State. All mutations run under an exclusive
// per-chat critical section; different chats never share a lock.
type Registry struct {
	mu     sync.Mutex // guards states and locks maps
	states map[int64]*State
	locks  map[int64]*sync.Mutex

	mirror Mirror
	now    func() time.Time
}

func NewRegistry(mirror Mirror) *Registry {
	return &Registry{
		states: make(map[int64]*State),
		locks:  make(map[int64]*sync.Mutex),
		mirror: mirror,
		now:    time.Now,
	}
}

func (r *Registry) lockFor(chatID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[chatID] = l
	}
	return l
}

func (r *Registry) state(chatID int64) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[chatID]
	return st, ok
}

func (r *Registry) setState(chatID int64, st *State) {
	r.mu.Lock()
	r.states[chatID] = st
	r.mu.Unlock()
}

// Start creates or re-arms the chat's ledger. Entries and default rate/fee
// are reset; the operator set survives (chat-level configuration, not
// transaction data). Returns a copy of the fresh state.
func (r *Registry) Start(chatID int64) State {
	l := r.lockFor(chatID)
	l.Lock()
	defer l.Unlock()

	var operators []string
	if prev, ok := r.state(chatID); ok {
		operators = append([]string(nil), prev.Operators...)
	}
	st := &State{
		Active:    true,
		Deposits:  []Entry{},
		Payouts:   []Entry{},
		Operators: operators,
	}
	r.setState(chatID, st)
	r.persist(chatID, st)
	return st.clone()
}

// Get returns a copy of the chat's state, if any.
func (r *Registry) Get(chatID int64) (State, bool) {
	l := r.lockFor(chatID)
	l.Lock()
	defer l.Unlock()

	st, ok := r.state(chatID)
	if !ok {
		return State{}, false
	}
	return st.clone(), true
}

// Mutate applies fn to the chat's state under the chat's critical section and
// mirrors the result. The chat must have an active ledger; deposit, payout,
// correction and save all come through here.
func (r *Registry) Mutate(chatID int64, fn func(*State) error) error {
	l := r.lockFor(chatID)
	l.Lock()
	defer l.Unlock()

	st, ok := r.state(chatID)
	if !ok || !st.Active {
		return ErrNoActiveLedger
	}
	if err := fn(st); err != nil {
		return err
	}
	r.persist(chatID, st)
	return nil
}

// MutateConfig is like Mutate but for configuration (rate, fee, operators):
// it creates an inactive state when the chat has none and runs regardless of
// the active flag.
func (r *Registry) MutateConfig(chatID int64, fn func(*State) error) error {
	l := r.lockFor(chatID)
	l.Lock()
	defer l.Unlock()

	st, ok := r.state(chatID)
	if !ok {
		st = &State{Deposits: []Entry{}, Payouts: []Entry{}}
		r.setState(chatID, st)
	}
	if err := fn(st); err != nil {
		return err
	}
	r.persist(chatID, st)
	return nil
}

// Close flips the ledger inactive, hands the pre-clear state to the archive
// as a snapshot and persists the cleared state. Returns the snapshot key.
func (r *Registry) Close(chatID int64, archive Archive) (string, error) {
	l := r.lockFor(chatID)
	l.Lock()
	defer l.Unlock()

	st, ok := r.state(chatID)
	if !ok || !st.Active {
		return "", ErrNoActiveLedger
	}

	closedAt := r.now()
	key, err := archive.Save(chatID, st.clone(), closedAt)
	if err != nil {
		return "", fmt.Errorf("archive ledger: %w", err)
	}

	st.Active = false
	st.Deposits = []Entry{}
	st.Payouts = []Entry{}
	st.Rate = nil
	st.FeePercent = nil
	r.persist(chatID, st)
	return key, nil
}

// Remove drops the chat's state and its disk mirror. Invoked when the bot is
// removed from the chat.
func (r *Registry) Remove(chatID int64) error {
	l := r.lockFor(chatID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	delete(r.states, chatID)
	r.mu.Unlock()

	if r.mirror == nil {
		return nil
	}
	return r.mirror.Remove(chatID)
}

// LoadAll reconstructs the registry from disk mirrors on process start.
func (r *Registry) LoadAll() error {
	if r.mirror == nil {
		return nil
	}
	states, err := r.mirror.LoadAll()
	if err != nil {
		return fmt.Errorf("load ledger mirrors: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for chatID, st := range states {
		r.states[chatID] = st
	}
	return nil
}

// persist mirrors the state, called with the chat lock held. A write failure
// degrades durability but never rolls back the in-memory mutation.
func (r *Registry) persist(chatID int64, st *State) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Write(chatID, st); err != nil {
		obs.PersistenceWriteFailed()
		obs.LogEvent(map[string]any{
			"ts":      r.now().UTC().Format(time.RFC3339Nano),
			"level":   "error",
			"msg":     "ledger mirror write failed",
			"chat_id": chatID,
			"error":   err.Error(),
		})
	}
}
