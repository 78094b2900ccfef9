// Package history persists closed ledgers as immutable JSON snapshots, one
// file per snapshot. The filename doubles as the snapshot key and sorts
// lexicographically by close time, so chat/year/month filtering is a prefix
// scan over the directory.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tallybot.org/internal/ledger"
)

// PageSize is how many snapshots a listing page holds.
const PageSize = 10

const closedAtLayout = "20060102_150405"

// ErrSnapshotNotFound is reported when a snapshot was deleted or never
// existed; view/delete races resolve to it on the losing side.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// keys look like "{chatID}_{YYYYMMDD_HHMMSS}"; chat ids may be negative
var keyRe = regexp.MustCompile(`^(-?\d+)_(\d{8}_\d{6})$`)

// Snapshot is an immutable copy of a closed ledger.
type Snapshot struct {
	ChatID   int64        `json:"chat_id"`
	ClosedAt time.Time    `json:"closed_at"`
	State    ledger.State `json:"state"`
}

// Store is a file-per-snapshot history store. Snapshot identity is immutable
// once created, so the per-key critical section only arbitrates
// delete-vs-view races.
type Store struct {
	dir string

	mu    sync.Mutex // guards locks map
	locks map[string]*sync.Mutex
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Save writes the closed state as a new snapshot and returns its key.
func (s *Store) Save(chatID int64, st ledger.State, closedAt time.Time) (string, error) {
	key := fmt.Sprintf("%d_%s", chatID, closedAt.Format(closedAtLayout))
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	snap := Snapshot{ChatID: chatID, ClosedAt: closedAt, State: st}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(s.path(key), data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", key, err)
	}
	return key, nil
}

// Load reads one snapshot by key.
func (s *Store) Load(key string) (Snapshot, error) {
	if !keyRe.MatchString(key) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snap, nil
}

// View renders a snapshot's detail, replaying the same USDT conversion as the
// live summary with each entry's own rate/fee (snapshot defaults for legacy
// entries).
func (s *Store) View(key string) (string, error) {
	snap, err := s.Load(key)
	if err != nil {
		return "", err
	}
	return renderDetail(key, snap), nil
}

// Delete removes one snapshot.
func (s *Store) Delete(key string) error {
	if !keyRe.MatchString(key) {
		return ErrSnapshotNotFound
	}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(key)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	return nil
}

// DeleteAll removes every snapshot belonging to a chat. Invoked when the bot
// is removed from the chat.
func (s *Store) DeleteAll(chatID int64) error {
	keys, err := s.keysFor(chatID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, key := range keys {
		if err := s.Delete(key); err != nil && !errors.Is(err, ErrSnapshotNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ListYears returns the distinct years a chat has snapshots for, most recent
// first.
func (s *Store) ListYears(chatID int64) ([]string, error) {
	keys, err := s.keysFor(chatID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var years []string
	for _, key := range keys {
		y := closedAtPart(key)[:4]
		if !seen[y] {
			seen[y] = true
			years = append(years, y)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(years)))
	return years, nil
}

// ListMonths returns the distinct months ("01".."12") within a year, most
// recent first.
func (s *Store) ListMonths(chatID int64, year string) ([]string, error) {
	keys, err := s.keysFor(chatID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var months []string
	for _, key := range keys {
		stamp := closedAtPart(key)
		if stamp[:4] != year {
			continue
		}
		m := stamp[4:6]
		if !seen[m] {
			seen[m] = true
			months = append(months, m)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(months)))
	return months, nil
}

// List returns one page of snapshot keys, most recent first, plus the total
// page count. Filter is "all" or "YYYYMM".
func (s *Store) List(chatID int64, filter string, page int) ([]string, int, error) {
	keys, err := s.keysFor(chatID)
	if err != nil {
		return nil, 0, err
	}
	if filter != "all" {
		filtered := keys[:0]
		for _, key := range keys {
			if strings.HasPrefix(closedAtPart(key), filter) {
				filtered = append(filtered, key)
			}
		}
		keys = filtered
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	totalPages := (len(keys) + PageSize - 1) / PageSize
	if page < 0 || page*PageSize >= len(keys) {
		return nil, totalPages, nil
	}
	end := (page + 1) * PageSize
	if end > len(keys) {
		end = len(keys)
	}
	return keys[page*PageSize : end], totalPages, nil
}

func (s *Store) keysFor(chatID int64) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan history dir: %w", err)
	}
	prefix := strconv.FormatInt(chatID, 10) + "_"
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")
		if !strings.HasPrefix(key, prefix) || !keyRe.MatchString(key) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// closedAtPart extracts the "YYYYMMDD_HHMMSS" part of a validated key.
func closedAtPart(key string) string {
	return key[strings.Index(key, "_")+1:]
}
