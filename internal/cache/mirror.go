// Package cache mirrors live ledger state to disk, one JSON file per chat,
// so the registry can resume after a restart.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"tallybot.org/internal/ledger"
	"tallybot.org/internal/obs"
)

// Mirror is a file-per-chat mirror of live ledger state. Writes go through a
// temp file and rename so a crash never leaves a half-written mirror.
type Mirror struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) (*Mirror, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Mirror{dir: dir}, nil
}

// Write replaces the chat's mirror with the given state.
func (m *Mirror) Write(chatID int64, st *ledger.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mirror: %w", err)
	}
	final := m.path(chatID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write mirror %d: %w", chatID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publish mirror %d: %w", chatID, err)
	}
	return nil
}

// Remove drops the chat's mirror. Removing an absent mirror is not an error.
func (m *Mirror) Remove(chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path(chatID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove mirror %d: %w", chatID, err)
	}
	return nil
}

// LoadAll reads every mirror in the directory. Unreadable files are logged
// and skipped rather than failing the whole startup.
func (m *Mirror) LoadAll() (map[int64]*ledger.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("scan cache dir: %w", err)
	}

	states := make(map[int64]*ledger.State)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		chatID, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			m.skip(name, err)
			continue
		}
		var st ledger.State
		if err := json.Unmarshal(data, &st); err != nil {
			m.skip(name, err)
			continue
		}
		states[chatID] = &st
	}
	return states, nil
}

func (m *Mirror) path(chatID int64) string {
	return filepath.Join(m.dir, strconv.FormatInt(chatID, 10)+".json")
}

func (m *Mirror) skip(name string, err error) {
	obs.LogEvent(map[string]any{
		"level": "warn",
		"msg":   "skipping unreadable ledger mirror",
		"file":  name,
		"error": err.Error(),
	})
}
