package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/arinova/agentbridge/backend"
	"github.com/arinova/agentbridge/slogger"
)

// persistDebounce coalesces bursts of turn completions into one disk write.
const persistDebounce = 500 * time.Millisecond

// PersistedEntry records the most recent successful turn's identity for one
// conversation, enough to resume it after a gateway restart.
type PersistedEntry struct {
	SessionID string    `json:"sessionId"`
	Backend   string    `json:"backend"`
	Model     string    `json:"model"`
	Cwd       string    `json:"cwd"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// Path is the absolute location of the JSON state file.
	Path string

	Logger slogger.Logger
}

// Store keeps the conversation -> session-id map in memory and mirrors it to
// a single JSON file with a debounced atomic write. Persistence is an
// optimization: write failures are logged and never surfaced to callers.
type Store struct {
	path   string
	logger slogger.Logger

	mu      sync.Mutex
	entries map[string]PersistedEntry
	timer   *time.Timer // armed while a write is pending
}

// NewStore returns a Store for the given file path. Call Load to pick up
// state from a previous run.
func NewStore(opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Store{
		path:    opts.Path,
		logger:  logger,
		entries: make(map[string]PersistedEntry),
	}
}

// Load reads the state file. A missing file yields an empty store; corrupt
// JSON is logged and discarded. Entries with an empty session id or an
// unrecognized backend are dropped.
func (s *Store) Load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read session state", "path", s.path, "error", err)
		}
		return
	}

	var raw map[string]PersistedEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("session state file is corrupt, starting empty",
			"path", s.path, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for convID, entry := range raw {
		if entry.SessionID == "" || !backend.Kind(entry.Backend).Valid() {
			continue
		}
		s.entries[convID] = entry
	}
	s.logger.Info("loaded session state", "path", s.path, "entries", len(s.entries))
}

// Get returns the persisted entry for a conversation, if any.
func (s *Store) Get(convID string) (PersistedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[convID]
	return e, ok
}

// Persist overwrites the entry for a conversation and arms the debounced
// write. UpdatedAt is stamped here.
func (s *Store) Persist(convID string, entry PersistedEntry) {
	entry.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[convID] = entry
	s.armLocked()
}

// Clear removes the entry for a conversation. The debounce timer is armed
// only when something was actually removed.
func (s *Store) Clear(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[convID]; !ok {
		return
	}
	delete(s.entries, convID)
	s.armLocked()
}

// Flush cancels any pending debounce and writes synchronously. No-op when
// nothing is pending.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.writeLocked()
}

func (s *Store) armLocked() {
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(persistDebounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.timer == nil {
			// Flush raced the timer and already wrote.
			return
		}
		s.timer = nil
		s.writeLocked()
	})
}

// writeLocked replaces the state file with the whole in-memory map via an
// atomic rename. Pretty-printed, trailing newline.
func (s *Store) writeLocked() {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		s.logger.Error("failed to encode session state", "error", err)
		return
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Error("failed to create state directory", "path", s.path, "error", err)
		return
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		s.logger.Error("failed to write session state", "path", s.path, "error", err)
		return
	}
	s.logger.Debug("session state written", "path", s.path, "entries", len(s.entries))
}
