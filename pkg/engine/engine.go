// Package engine composes the cache, reconciler, subscription registry,
// retry coordinator and read-receipt batcher into the sync contract used
// by chat screens and the room-list screen. One Engine instance serves
// one authenticated user.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dmsync/pkg/cache"
	"dmsync/pkg/delivery"
	"dmsync/pkg/ids"
	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/push"
	"dmsync/pkg/receipts"
	"dmsync/pkg/reconcile"
	"dmsync/pkg/remote"
	"dmsync/pkg/retry"
	"dmsync/pkg/subs"
	"dmsync/pkg/telemetry"
)

// Identity is the authenticated user this engine syncs for. The push
// token lives here, owned by the engine's construction context, never in
// package-level state.
type Identity struct {
	UserID    string
	Username  string
	PushToken string
}

type Config struct {
	// WriteTimeout bounds each remote write attempt; an operation that
	// neither succeeds nor errors within it counts as a failure for retry
	// purposes.
	WriteTimeout    time.Duration
	Retry           retry.Policy
	ReceiptDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = retry.DefaultPolicy()
	}
	return c
}

// roomState is the engine's per-room projection plus peer metadata. The
// projection is exclusively owned here; consumers get copies.
type roomState struct {
	peerID    string
	peerName  string
	peerToken string
	proj      []models.Message
	open      bool
	degraded  bool
}

type Engine struct {
	self   Identity
	store  remote.Store
	cache  *cache.Store
	notify push.Notifier
	cfg    Config

	subs     *subs.Manager
	receipts *receipts.Batcher

	mu           sync.Mutex
	rooms        map[string]*roomState
	roomList     []models.Room
	listDegraded bool
	onChange     func(roomID string)
}

func New(self Identity, store remote.Store, cs *cache.Store, notify push.Notifier, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if notify == nil {
		notify = push.Nop{}
	}
	e := &Engine{
		self:   self,
		store:  store,
		cache:  cs,
		notify: notify,
		cfg:    cfg,
		rooms:  map[string]*roomState{},
	}
	e.subs = subs.NewManager(cfg.Retry, e.onDegraded)
	e.receipts = receipts.New(store, e, cfg.ReceiptDebounce)
	return e
}

// SetObserver registers the projection-change callback. It fires with the
// room id after a room's projection changes, or "" after a room-list
// change. Snapshots must be fetched through Snapshot/Rooms; the callback
// carries no state.
func (e *Engine) SetObserver(fn func(roomID string)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// Start paints the cached room list and attaches the room-list feed.
func (e *Engine) Start() {
	if rooms, ok, _ := e.cache.Rooms(e.self.UserID); ok {
		e.mu.Lock()
		e.roomList = rooms
		e.mu.Unlock()
		e.emit("")
	}
	e.subs.Attach(subs.RoomListKey, e.roomListFeed)
}

// Close tears down all subscriptions and flushes the cache.
func (e *Engine) Close() {
	e.subs.Close()
	e.receipts.Close()
	if err := e.cache.Flush(); err != nil {
		logger.Error("engine_close_cache_flush_failed", "error", err)
	}
}

// OpenRoom prepares the two-party room with peer: computes the
// deterministic room id, paints the cached projection, idempotently
// creates the room document, and attaches the live feed. Remote failures
// degrade the room to cached data instead of failing the open, so a cold
// start with no connectivity still paints.
func (e *Engine) OpenRoom(ctx context.Context, peerID, peerName string) (string, []models.Message, error) {
	roomID := models.RoomID(e.self.UserID, peerID)
	e.reviveRoomList()

	e.mu.Lock()
	rs := e.roomLocked(roomID)
	rs.peerID, rs.peerName = peerID, peerName
	rs.open = true
	if len(rs.proj) == 0 {
		if msgs, ok, _ := e.cache.Messages(roomID); ok {
			rs.proj = msgs
			reconcile.Sort(rs.proj)
		}
	}
	e.mu.Unlock()

	room := models.NewRoom(e.self.UserID, peerID, time.Now().UTC().UnixNano())
	err := retry.Do(ctx, "create_room", e.cfg.Retry, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
		defer cancel()
		return e.store.CreateRoomIfAbsent(wctx, room)
	})
	if err != nil {
		logger.Warn("open_room_create_failed", "room", roomID, "error", err)
		e.markDegraded(roomID, true)
	}

	if tok, terr := e.store.FetchPushToken(ctx, peerID); terr != nil {
		logger.Warn("peer_token_fetch_failed", "room", roomID, "peer", peerID, "error", terr)
	} else {
		e.mu.Lock()
		rs.peerToken = tok
		e.mu.Unlock()
	}

	e.subs.Attach(subs.RoomKey(roomID), e.messageFeed(roomID))
	e.receipts.MarkUnreadAsRead(roomID, e.self.UserID)
	return roomID, e.Snapshot(roomID), nil
}

// CloseRoom detaches the room's live feed. The cache entry survives for
// the next cold start.
func (e *Engine) CloseRoom(roomID string) {
	e.subs.Detach(subs.RoomKey(roomID))
	e.mu.Lock()
	rs, ok := e.rooms[roomID]
	if ok {
		rs.open = false
		e.cache.SetMessages(roomID, rs.proj)
	}
	e.mu.Unlock()
}

// Snapshot returns a read-only copy of the room's projection.
func (e *Engine) Snapshot(roomID string) []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rooms[roomID]
	if !ok {
		return nil
	}
	return models.CloneAll(rs.proj)
}

// Rooms returns a copy of the current room list, most recent first.
func (e *Engine) Rooms() []models.Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Room(nil), e.roomList...)
}

// Degraded reports whether the room is serving possibly-stale data after
// its feed gave up reattaching.
func (e *Engine) Degraded(roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rooms[roomID]
	return ok && rs.degraded
}

// RoomListDegraded reports whether the room-list feed gave up
// reattaching; the list keeps serving cached data until the feed
// recovers on the next Start or OpenRoom.
func (e *Engine) RoomListDegraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listDegraded
}

// reviveRoomList reattaches a degraded room-list feed; its registry key
// was released on degrade, so Attach restarts the loop with a fresh
// reattach budget.
func (e *Engine) reviveRoomList() {
	e.mu.Lock()
	degraded := e.listDegraded
	e.mu.Unlock()
	if degraded {
		e.subs.Attach(subs.RoomListKey, e.roomListFeed)
	}
}

// SendMessage inserts an optimistic Pending message synchronously and
// performs the remote write, room-summary update and push notification
// asynchronously. The returned copy carries the temporary id.
func (e *Engine) SendMessage(ctx context.Context, roomID, content string, replyTo *models.ReplyRef) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, fmt.Errorf("empty message")
	}
	st, err := delivery.Transition(delivery.StateComposing, delivery.StatePending)
	if err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:         ids.NewTempID(),
		Type:       models.TypeText,
		Content:    content,
		SenderID:   e.self.UserID,
		SenderName: e.self.Username,
		CreatedAt:  time.Now().UTC().UnixNano(),
		ReplyTo:    replyTo,
		State:      st,
	}

	e.mu.Lock()
	rs := e.roomLocked(roomID)
	rs.proj = append(rs.proj, msg)
	reconcile.Sort(rs.proj)
	e.cache.SetMessages(roomID, rs.proj)
	e.mu.Unlock()

	telemetry.MessagesSent.Inc()
	e.emit(roomID)
	go e.deliver(roomID, msg.ID)
	return msg.Clone(), nil
}

// RetryMessage re-enters Pending for a Failed message and re-runs the
// remote write. Identity and content are preserved.
func (e *Engine) RetryMessage(roomID, messageID string) error {
	e.mu.Lock()
	rs, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: room %s", remote.ErrNotFound, roomID)
	}
	i := indexByID(rs.proj, messageID)
	if i < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: message %s", remote.ErrNotFound, messageID)
	}
	st, err := delivery.Transition(rs.proj[i].State, delivery.StatePending)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	rs.proj[i].State = st
	e.cache.SetMessages(roomID, rs.proj)
	e.mu.Unlock()

	e.emit(roomID)
	go e.deliver(roomID, messageID)
	return nil
}

// EditMessage mutates a message's content in place, sender-only. The
// local copy updates optimistically; the next remote snapshot re-syncs
// the projection if the remote write is rejected.
func (e *Engine) EditMessage(ctx context.Context, roomID, messageID, newContent string) error {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return fmt.Errorf("empty message")
	}
	now := time.Now().UTC().UnixNano()

	e.mu.Lock()
	rs, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: room %s", remote.ErrNotFound, roomID)
	}
	i := indexByID(rs.proj, messageID)
	if i < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: message %s", remote.ErrNotFound, messageID)
	}
	if rs.proj[i].SenderID != e.self.UserID {
		e.mu.Unlock()
		return fmt.Errorf("%w: only the sender may edit", remote.ErrPermissionDenied)
	}
	if !delivery.Settled(rs.proj[i].State) {
		// A write may already be on the wire with the old content; an
		// edit racing it would be silently reverted by the next snapshot.
		e.mu.Unlock()
		return fmt.Errorf("message %s has not settled yet", messageID)
	}
	rs.proj[i].Content = newContent
	rs.proj[i].EditedAt = now
	temp := ids.IsTemp(messageID)
	e.cache.SetMessages(roomID, rs.proj)
	e.mu.Unlock()

	e.emit(roomID)
	if temp {
		// Failed and never persisted: the next retry re-reads the
		// projection and sends the edited content.
		return nil
	}
	return retry.Do(ctx, "edit_message", e.cfg.Retry, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
		defer cancel()
		return e.store.UpdateMessage(wctx, roomID, messageID, remote.MessagePatch{
			Content:  newContent,
			EditedAt: now,
			SenderID: e.self.UserID,
		})
	})
}

// DeleteMessage removes a message from the projection and the remote
// store, sender-only.
func (e *Engine) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	e.mu.Lock()
	rs, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: room %s", remote.ErrNotFound, roomID)
	}
	i := indexByID(rs.proj, messageID)
	if i < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: message %s", remote.ErrNotFound, messageID)
	}
	if rs.proj[i].SenderID != e.self.UserID {
		e.mu.Unlock()
		return fmt.Errorf("%w: only the sender may delete", remote.ErrPermissionDenied)
	}
	if ids.IsTemp(messageID) {
		if rs.proj[i].State == delivery.StatePending {
			e.mu.Unlock()
			return fmt.Errorf("message %s is still sending", messageID)
		}
		// Failed and never persisted: a local removal is the whole delete.
		rs.proj, _ = reconcile.RemoveByID(rs.proj, messageID)
		e.cache.SetMessages(roomID, rs.proj)
		e.mu.Unlock()
		e.emit(roomID)
		return nil
	}
	e.mu.Unlock()

	err := retry.Do(ctx, "delete_message", e.cfg.Retry, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
		defer cancel()
		return e.store.DeleteMessage(wctx, roomID, messageID, e.self.UserID)
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	if rs, ok := e.rooms[roomID]; ok {
		rs.proj, _ = reconcile.RemoveByID(rs.proj, messageID)
		e.cache.SetMessages(roomID, rs.proj)
	}
	e.mu.Unlock()
	e.emit(roomID)
	return nil
}

// MarkRoomRead triggers a (debounced, coalesced) read-receipt batch for
// the room.
func (e *Engine) MarkRoomRead(roomID string) {
	e.receipts.MarkUnreadAsRead(roomID, e.self.UserID)
}

// UnreadFrom implements receipts.Source: canonical ids of unread messages
// authored by someone other than readerID.
func (e *Engine) UnreadFrom(roomID, readerID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rooms[roomID]
	if !ok {
		return nil
	}
	var out []string
	for _, m := range rs.proj {
		if m.SenderID != readerID && !m.Read && !ids.IsTemp(m.ID) {
			out = append(out, m.ID)
		}
	}
	return out
}

func (e *Engine) roomLocked(roomID string) *roomState {
	rs, ok := e.rooms[roomID]
	if !ok {
		rs = &roomState{}
		e.rooms[roomID] = rs
	}
	return rs
}

func indexByID(proj []models.Message, id string) int {
	for i, m := range proj {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) emit(roomID string) {
	e.mu.Lock()
	fn := e.onChange
	e.mu.Unlock()
	if fn != nil {
		fn(roomID)
	}
}

func (e *Engine) markDegraded(roomID string, degraded bool) {
	e.mu.Lock()
	rs := e.roomLocked(roomID)
	changed := rs.degraded != degraded
	rs.degraded = degraded
	e.mu.Unlock()
	if !changed {
		return
	}
	if degraded {
		telemetry.DegradedRooms.Inc()
	} else {
		telemetry.DegradedRooms.Dec()
	}
	e.emit(roomID)
}
