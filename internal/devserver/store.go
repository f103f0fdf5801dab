package devserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"dmsync/pkg/ids"
	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/remote"
)

// Store is the reference server's authoritative persistence layer.
// Keyspace:
//
//	room:<roomID>:meta           room document (JSON)
//	room:<roomID>:msg:<ulid>     message (JSON); ULID keys sort by mint time
//	token:<userID>               push token
type Store struct {
	db *pebble.DB
	// mu serializes read-modify-write sequences (create-if-absent,
	// summary updates, edits) so concurrent callers cannot interleave.
	mu sync.Mutex
}

func OpenStore(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("devserver_store_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("devserver_store_opened", "path", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func metaKey(roomID string) []byte { return []byte("room:" + roomID + ":meta") }
func msgPrefix(roomID string) []byte {
	return []byte("room:" + roomID + ":msg:")
}
func msgKey(roomID, msgID string) []byte {
	return append(msgPrefix(roomID), msgID...)
}
func tokenKey(userID string) []byte { return []byte("token:" + userID) }

// CreateRoomIfAbsent creates the room document when missing. Returns true
// when this call created it. Concurrent creation by both participants
// yields exactly one room.
func (s *Store) CreateRoomIfAbsent(room models.Room) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, closer, err := s.db.Get(metaKey(room.ID))
	if err == nil {
		if closer != nil {
			_ = closer.Close()
		}
		return false, nil
	}
	if err != pebble.ErrNotFound {
		return false, err
	}
	data, err := json.Marshal(room)
	if err != nil {
		return false, fmt.Errorf("%w: %v", remote.ErrSerialization, err)
	}
	if err := s.db.Set(metaKey(room.ID), data, pebble.Sync); err != nil {
		return false, err
	}
	logger.Info("room_created", "room", room.ID)
	return true, nil
}

// Room loads a room document.
func (s *Store) Room(roomID string) (models.Room, error) {
	v, closer, err := s.db.Get(metaKey(roomID))
	if err == pebble.ErrNotFound {
		return models.Room{}, fmt.Errorf("%w: room %s", remote.ErrNotFound, roomID)
	}
	if err != nil {
		return models.Room{}, err
	}
	data := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	var room models.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return models.Room{}, fmt.Errorf("%w: %v", remote.ErrSerialization, err)
	}
	return room, nil
}

// UpdateSummary refreshes the room's denormalized last-message fields.
func (s *Store) UpdateSummary(roomID string, sum remote.RoomSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, err := s.Room(roomID)
	if err != nil {
		return err
	}
	room.LastMessage = sum.LastMessage
	room.LastMessageTimestamp = sum.LastMessageTimestamp
	room.LastMessageSenderID = sum.LastMessageSenderID
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrSerialization, err)
	}
	return s.db.Set(metaKey(roomID), data, pebble.Sync)
}

// AppendMessage persists a message, minting the canonical id and server
// timestamp. The client's provisional id and clock are discarded.
func (s *Store) AppendMessage(roomID string, msg models.Message) (models.Message, error) {
	if _, err := s.Room(roomID); err != nil {
		return models.Message{}, err
	}
	now := time.Now().UTC()
	msg.ID = ids.NewCanonicalID(now)
	msg.CreatedAt = now.UnixNano()
	msg.Delivered = true
	msg.Read = false
	msg.State = "" // local projection state never persists remotely
	if msg.Type == "" {
		msg.Type = models.TypeText
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", remote.ErrSerialization, err)
	}
	if err := s.db.Set(msgKey(roomID, msg.ID), data, pebble.Sync); err != nil {
		return models.Message{}, err
	}
	logger.Info("message_stored", "room", roomID, "id", msg.ID, "sender", msg.SenderID)
	return msg, nil
}

func (s *Store) getMessage(roomID, msgID string) (models.Message, error) {
	v, closer, err := s.db.Get(msgKey(roomID, msgID))
	if err == pebble.ErrNotFound {
		return models.Message{}, fmt.Errorf("%w: message %s", remote.ErrNotFound, msgID)
	}
	if err != nil {
		return models.Message{}, err
	}
	data := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", remote.ErrSerialization, err)
	}
	return msg, nil
}

// UpdateMessage applies an edit. Only the original sender may edit;
// content mutates in place, identity is preserved.
func (s *Store) UpdateMessage(roomID, msgID string, patch remote.MessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.getMessage(roomID, msgID)
	if err != nil {
		return err
	}
	if patch.SenderID != msg.SenderID {
		return fmt.Errorf("%w: message %s belongs to %s", remote.ErrPermissionDenied, msgID, msg.SenderID)
	}
	msg.Content = patch.Content
	msg.EditedAt = patch.EditedAt
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrSerialization, err)
	}
	return s.db.Set(msgKey(roomID, msgID), data, pebble.Sync)
}

// DeleteMessage removes a message, sender-only.
func (s *Store) DeleteMessage(roomID, msgID, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.getMessage(roomID, msgID)
	if err != nil {
		return err
	}
	if senderID != msg.SenderID {
		return fmt.Errorf("%w: message %s belongs to %s", remote.ErrPermissionDenied, msgID, msg.SenderID)
	}
	return s.db.Delete(msgKey(roomID, msgID), pebble.Sync)
}

// MarkRead flips read=true on the given messages in one atomic batch.
// Ids that no longer exist (raced with a delete) are skipped rather than
// aborting the batch.
func (s *Store) MarkRead(roomID string, msgIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.db.NewBatch()
	defer batch.Close()
	marked := 0
	for _, id := range msgIDs {
		msg, err := s.getMessage(roomID, id)
		if err != nil {
			if remote.IsNotFound(err) {
				continue
			}
			return err
		}
		if msg.Read {
			continue
		}
		msg.Read = true
		data, merr := json.Marshal(msg)
		if merr != nil {
			return fmt.Errorf("%w: %v", remote.ErrSerialization, merr)
		}
		if err := batch.Set(msgKey(roomID, id), data, nil); err != nil {
			return err
		}
		marked++
	}
	if marked == 0 {
		return nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	logger.Debug("messages_marked_read", "room", roomID, "count", marked)
	return nil
}

// ListMessages returns the room's messages with CreatedAt > since,
// ordered by canonical id (equivalently, by server timestamp).
func (s *Store) ListMessages(roomID string, since int64) ([]models.Message, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := msgPrefix(roomID)
	out := []models.Message{}
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var msg models.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", remote.ErrSerialization, err)
		}
		if msg.CreatedAt > since {
			out = append(out, msg)
		}
	}
	return out, iter.Error()
}

// RoomsFor returns every room the user participates in, most recent
// activity first.
func (s *Store) RoomsFor(userID string) ([]models.Room, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte("room:")
	out := []models.Room{}
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !bytes.HasSuffix(iter.Key(), []byte(":meta")) {
			continue
		}
		var room models.Room
		if err := json.Unmarshal(iter.Value(), &room); err != nil {
			continue
		}
		if room.Member(userID) {
			out = append(out, room)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	models.SortRooms(out)
	return out, nil
}

// SetToken registers a user's push token.
func (s *Store) SetToken(userID, token string) error {
	return s.db.Set(tokenKey(userID), []byte(token), pebble.Sync)
}

// Token returns the user's push token, "" when unregistered.
func (s *Store) Token(userID string) (string, error) {
	v, closer, err := s.db.Get(tokenKey(userID))
	if err == pebble.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	tok := string(v)
	if closer != nil {
		_ = closer.Close()
	}
	return tok, nil
}
