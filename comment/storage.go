package comment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// A Storage is the string key-value store holding a single visitor's
// local state.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// MemoryStorage keeps visitor state in process memory.
type MemoryStorage struct {
	mu   sync.RWMutex
	vals map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{vals: make(map[string]string)}
}

func (m *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *MemoryStorage) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
	return nil
}

// Delete removes key. It exists to simulate a visitor clearing their storage.
func (m *MemoryStorage) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, key)
}

func statsKey(k Key) string {
	return fmt.Sprintf("%s_%d_comments_stats", k.Type, k.ItemID)
}

func statsFallbackKey(k Key) string {
	return fmt.Sprintf("%d_comments_stats", k.ItemID)
}

func likesKey(k Key) string {
	return fmt.Sprintf("%s_%d_likes", k.Type, k.ItemID)
}

func likesFallbackKey(k Key) string {
	return fmt.Sprintf("likes_%s_%d", k.Type, k.ItemID)
}

// dualStore reads a JSON value from a primary key, falling back to a
// secondary key, and writes both.
type dualStore struct {
	storage Storage
	logger  *slog.Logger
}

// readFirst decodes the first key that holds a readable value. A key that
// cannot be fetched or decoded is logged and skipped. The last such error is
// returned only when no key was readable.
func readFirst[T any](ctx context.Context, d dualStore, keys ...string) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for _, key := range keys {
		raw, ok, err := d.storage.Get(ctx, key)
		if err != nil {
			lastErr = &StorageError{Op: "get", Key: key, Err: err}
			d.logger.Warn("Could not read local state", "key", key, "error", err.Error())
			continue
		}
		if !ok {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			lastErr = &StorageError{Op: "decode", Key: key, Err: err}
			d.logger.Warn("Could not decode local state", "key", key, "error", err.Error())
			continue
		}
		return v, nil
	}
	return zero, lastErr
}

func (d dualStore) write(ctx context.Context, v any, keys ...string) error {
	b, err := json.Marshal(v)
	if err != nil {
		return &StorageError{Op: "encode", Key: keys[0], Err: err}
	}
	for _, key := range keys {
		if err := d.storage.Set(ctx, key, string(b)); err != nil {
			return &StorageError{Op: "set", Key: key, Err: err}
		}
	}
	return nil
}

// OverlayStore persists the local stats overlay of comment threads.
type OverlayStore struct {
	dualStore
}

// NewOverlayStore returns an OverlayStore on top of s.
func NewOverlayStore(s Storage, logger *slog.Logger) *OverlayStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverlayStore{dualStore{storage: s, logger: logger}}
}

// Read returns the overlay of k. The fallback key is used when the primary
// key is missing or unreadable; if neither can be read the overlay is empty.
func (o *OverlayStore) Read(ctx context.Context, k Key) []Stat {
	stats, err := readFirst[[]Stat](ctx, o.dualStore, statsKey(k), statsFallbackKey(k))
	if err != nil {
		o.logger.Warn("Could not read comment stats", "key", k.String(), "error", err.Error())
		return nil
	}
	return stats
}

// Write stores the overlay of k under both the primary and fallback keys.
func (o *OverlayStore) Write(ctx context.Context, k Key, stats []Stat) error {
	if stats == nil {
		stats = []Stat{}
	}
	return o.write(ctx, stats, statsKey(k), statsFallbackKey(k))
}

// ReactionStore persists the visitor's reactions per comment thread.
type ReactionStore struct {
	dualStore
}

// NewReactionStore returns a ReactionStore on top of s.
func NewReactionStore(s Storage, logger *slog.Logger) *ReactionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReactionStore{dualStore{storage: s, logger: logger}}
}

// Read returns the reactions recorded for k, from the backup key when the
// primary key is missing or unreadable.
func (r *ReactionStore) Read(ctx context.Context, k Key) Reactions {
	reactions, err := readFirst[Reactions](ctx, r.dualStore, likesKey(k), likesFallbackKey(k))
	if err != nil {
		r.logger.Warn("Could not read reactions", "key", k.String(), "error", err.Error())
	}
	if reactions == nil {
		return Reactions{}
	}
	return reactions
}

// Write stores the reactions of k under both the primary and backup keys.
func (r *ReactionStore) Write(ctx context.Context, k Key, reactions Reactions) error {
	if reactions == nil {
		reactions = Reactions{}
	}
	return r.write(ctx, reactions, likesKey(k), likesFallbackKey(k))
}

// Profiles hands out the storage of each visitor profile.
type Profiles interface {
	Profile(visitorID string) Storage
}

// MemoryProfiles keeps every visitor profile in process memory.
type MemoryProfiles struct {
	mu       sync.Mutex
	profiles map[string]*MemoryStorage
}

// NewMemoryProfiles returns an empty MemoryProfiles.
func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{profiles: make(map[string]*MemoryStorage)}
}

// Profile returns the storage of visitorID, creating it on first use.
func (m *MemoryProfiles) Profile(visitorID string) Storage {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.profiles[visitorID]
	if !ok {
		s = NewMemoryStorage()
		m.profiles[visitorID] = s
	}
	return s
}
