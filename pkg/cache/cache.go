// Package cache is the durable local projection cache: one entry per room
// holding its last known message list, plus one entry per user for the
// room list. It exists to paint a non-empty UI at cold start before the
// live feed attaches; once a live snapshot arrives it is never treated as
// authoritative.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/remote"
	"dmsync/pkg/telemetry"
)

// DefaultDebounce coalesces bursts of projection updates into one
// persisted write. The latest state always wins; intermediates may be
// skipped.
const DefaultDebounce = time.Second

type Store struct {
	db       *pebble.DB
	debounce time.Duration

	mu      sync.Mutex
	pending map[string][]byte
	timers  map[string]*time.Timer
	closed  bool
}

// Open opens (or creates) the cache database at path. debounce <= 0
// disables coalescing and persists writes synchronously.
func Open(path string, debounce time.Duration) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("cache_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("open cache at %s: %w", path, err)
	}
	logger.Info("cache_opened", "path", path)
	return &Store{
		db:       db,
		debounce: debounce,
		pending:  map[string][]byte{},
		timers:   map[string]*time.Timer{},
	}, nil
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
	s.mu.Unlock()
	if err := s.Flush(); err != nil {
		logger.Error("cache_flush_on_close_failed", "error", err)
	}
	return s.db.Close()
}

func messagesKey(roomID string) string { return "room:" + roomID + ":messages" }
func roomsKey(userID string) string    { return "user:" + userID + ":rooms" }

// Messages returns the cached message list for a room. The second return
// is false when no usable entry exists; an unreadable entry is treated as
// a miss and cleared, never surfaced as fatal.
func (s *Store) Messages(roomID string) ([]models.Message, bool, error) {
	var msgs []models.Message
	ok, err := s.get(messagesKey(roomID), &msgs)
	return msgs, ok, err
}

// SetMessages schedules a durable write of the room's message list.
// Fire-and-forget from the caller's perspective.
func (s *Store) SetMessages(roomID string, msgs []models.Message) {
	s.set(messagesKey(roomID), msgs)
}

// Rooms returns the cached room list for a user.
func (s *Store) Rooms(userID string) ([]models.Room, bool, error) {
	var rooms []models.Room
	ok, err := s.get(roomsKey(userID), &rooms)
	return rooms, ok, err
}

// SetRooms schedules a durable write of the user's room list.
func (s *Store) SetRooms(userID string, rooms []models.Room) {
	s.set(roomsKey(userID), rooms)
}

// Clear removes a room's cached messages, including any pending write.
func (s *Store) Clear(roomID string) error {
	key := messagesKey(roomID)
	s.mu.Lock()
	delete(s.pending, key)
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
	return s.db.Delete([]byte(key), pebble.Sync)
}

// Flush persists every pending debounced write immediately.
func (s *Store) Flush() error {
	s.mu.Lock()
	batch := make(map[string][]byte, len(s.pending))
	for k, v := range s.pending {
		batch[k] = v
		delete(s.pending, k)
	}
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
	s.mu.Unlock()

	var firstErr error
	for k, v := range batch {
		if err := s.write(k, v); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) get(key string, out any) (bool, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		telemetry.CacheMisses.Inc()
		return false, nil
	}
	if err != nil {
		telemetry.CacheMisses.Inc()
		logger.Error("cache_read_failed", "key", key, "error", err)
		return false, err
	}
	data := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	if err := json.Unmarshal(data, out); err != nil {
		// Corrupt entry: degrade to a miss and drop the bad value so the
		// next cold start does not trip over it again.
		logger.Warn("cache_entry_corrupt", "key", key, "error", fmt.Errorf("%w: %v", remote.ErrSerialization, err))
		_ = s.db.Delete([]byte(key), pebble.Sync)
		telemetry.CacheMisses.Inc()
		return false, nil
	}
	telemetry.CacheHits.Inc()
	return true, nil
}

func (s *Store) set(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("cache_marshal_failed", "key", key, "error", err)
		return
	}
	if s.debounce <= 0 {
		if err := s.write(key, data); err != nil {
			logger.Error("cache_write_failed", "key", key, "error", err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// Latest value wins; an already-armed timer just picks up the newer
	// pending bytes when it fires.
	s.pending[key] = data
	if _, armed := s.timers[key]; armed {
		return
	}
	s.timers[key] = time.AfterFunc(s.debounce, func() { s.fire(key) })
}

func (s *Store) fire(key string) {
	s.mu.Lock()
	data, ok := s.pending[key]
	delete(s.pending, key)
	delete(s.timers, key)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.write(key, data); err != nil {
		logger.Error("cache_write_failed", "key", key, "error", err)
	}
}

func (s *Store) write(key string, data []byte) error {
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return err
	}
	telemetry.CacheWrites.Inc()
	logger.Debug("cache_written", "key", key, "len", len(data))
	return nil
}
