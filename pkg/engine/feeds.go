package engine

import (
	"context"
	"strings"
	"time"

	"dmsync/pkg/delivery"
	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/reconcile"
	"dmsync/pkg/remote"
	"dmsync/pkg/retry"
	"dmsync/pkg/subs"
	"dmsync/pkg/telemetry"
)

// deliver runs the asynchronous half of a send: the bounded-retry remote
// write, the temp->canonical swap, the room summary refresh and the push
// notification. It re-reads the message from the projection at each
// attempt so a message adopted or deleted meanwhile is skipped.
func (e *Engine) deliver(roomID, tempID string) {
	ctx := context.Background()
	var canonicalID string
	var serverTS int64
	err := retry.Do(ctx, "write_message", e.cfg.Retry, func(ctx context.Context) error {
		msg, ok := e.messageByID(roomID, tempID)
		if !ok {
			return nil // adopted by a snapshot or deleted meanwhile
		}
		wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
		defer cancel()
		id, ts, werr := e.store.WriteMessage(wctx, roomID, msg)
		if werr != nil {
			return werr
		}
		canonicalID, serverTS = id, ts
		return nil
	})
	if err != nil {
		telemetry.SendFailures.Inc()
		e.failMessage(roomID, tempID)
		return
	}
	if canonicalID == "" {
		return
	}
	msg, ok := e.confirmMessage(roomID, tempID, canonicalID, serverTS)
	if !ok {
		return
	}
	e.afterDeliver(roomID, msg)
}

func (e *Engine) messageByID(roomID, id string) (models.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rooms[roomID]
	if !ok {
		return models.Message{}, false
	}
	if i := indexByID(rs.proj, id); i >= 0 {
		return rs.proj[i].Clone(), true
	}
	return models.Message{}, false
}

// confirmMessage swaps the temporary id for the canonical one atomically
// with the Pending->Delivered transition; observers never see a Delivered
// message bearing a temporary id.
func (e *Engine) confirmMessage(roomID, tempID, canonicalID string, serverTS int64) (models.Message, bool) {
	e.mu.Lock()
	rs, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return models.Message{}, false
	}
	i := indexByID(rs.proj, tempID)
	if i < 0 {
		// A concurrent snapshot already adopted this send.
		e.mu.Unlock()
		return models.Message{}, false
	}
	if j := indexByID(rs.proj, canonicalID); j >= 0 {
		// The canonical copy arrived via the feed while the write ack was
		// in flight; drop the optimistic duplicate.
		rs.proj, _ = reconcile.RemoveByID(rs.proj, tempID)
		msg := rs.proj[indexByID(rs.proj, canonicalID)].Clone()
		e.cache.SetMessages(roomID, rs.proj)
		e.mu.Unlock()
		e.emit(roomID)
		return msg, true
	}
	m := &rs.proj[i]
	m.ID = canonicalID
	m.CreatedAt = serverTS
	m.Delivered = true
	if st, err := delivery.Transition(m.State, delivery.StateDelivered); err == nil {
		m.State = st
	}
	reconcile.Sort(rs.proj)
	msg := rs.proj[indexByID(rs.proj, canonicalID)].Clone()
	e.cache.SetMessages(roomID, rs.proj)
	e.mu.Unlock()

	e.emit(roomID)
	logger.Debug("message_delivered", "room", roomID, "id", canonicalID)
	return msg, true
}

func (e *Engine) failMessage(roomID, tempID string) {
	e.mu.Lock()
	rs, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return
	}
	i := indexByID(rs.proj, tempID)
	if i < 0 {
		e.mu.Unlock()
		return
	}
	if st, err := delivery.Transition(rs.proj[i].State, delivery.StateFailed); err == nil {
		rs.proj[i].State = st
	}
	e.cache.SetMessages(roomID, rs.proj)
	e.mu.Unlock()
	e.emit(roomID)
	logger.Warn("message_send_failed", "room", roomID, "id", tempID)
}

// afterDeliver refreshes the room's denormalized summary and notifies the
// peer. Both are best-effort: a failure here never rolls back delivery.
func (e *Engine) afterDeliver(roomID string, msg models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
	defer cancel()
	summary := remote.RoomSummary{
		LastMessage:          msg.Content,
		LastMessageTimestamp: msg.CreatedAt,
		LastMessageSenderID:  msg.SenderID,
	}
	if err := e.store.UpdateRoomSummary(ctx, roomID, summary); err != nil {
		logger.Warn("room_summary_update_failed", "room", roomID, "error", err)
	}

	e.mu.Lock()
	token := ""
	if rs, ok := e.rooms[roomID]; ok {
		token = rs.peerToken
	}
	e.mu.Unlock()
	if token == "" {
		return
	}
	nctx, ncancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ncancel()
	if err := e.notify.Send(nctx, token, "New message from "+e.self.Username, msg.Content, roomID); err != nil {
		logger.Warn("push_send_failed", "room", roomID, "error", err)
	}
}

// roomListFeed consumes the user's room-list stream and keeps the
// per-room feed set aligned with the rooms of interest.
func (e *Engine) roomListFeed(ctx context.Context) error {
	stream, err := e.store.SubscribeRooms(ctx, e.self.UserID)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		snap, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		e.applyRoomList(ctx, snap.Rooms)
	}
}

func (e *Engine) applyRoomList(ctx context.Context, rooms []models.Room) {
	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	models.SortRooms(rooms)
	e.roomList = rooms
	e.listDegraded = false
	e.cache.SetRooms(e.self.UserID, rooms)

	// Interest set: the room-list feed itself, every room in the list and
	// every open room. Anything else is detached.
	want := map[string]struct{}{subs.RoomListKey: {}}
	for _, r := range rooms {
		want[subs.RoomKey(r.ID)] = struct{}{}
	}
	for id, rs := range e.rooms {
		if rs.open {
			want[subs.RoomKey(id)] = struct{}{}
		}
	}
	e.mu.Unlock()

	e.emit("")
	e.subs.ReconcileInterest(want, func(key string) subs.StartFunc {
		if key == subs.RoomListKey {
			return e.roomListFeed
		}
		return e.messageFeed(strings.TrimPrefix(key, "room:"))
	})
}

// messageFeed builds the StartFunc for a room's live message feed. Every
// attach subscribes from zero: a bounded initial snapshot would miss
// reads, edits and deletes applied to already-known messages while the
// feed was down, and Merge absorbs the replay idempotently.
func (e *Engine) messageFeed(roomID string) subs.StartFunc {
	return func(ctx context.Context) error {
		stream, err := e.store.SubscribeMessages(ctx, roomID, 0)
		if err != nil {
			return err
		}
		defer stream.Close()
		for {
			snap, err := stream.Recv(ctx)
			if err != nil {
				return err
			}
			e.applySnapshot(ctx, roomID, snap)
		}
	}
}

func (e *Engine) applySnapshot(ctx context.Context, roomID string, snap remote.MessageSnapshot) {
	e.mu.Lock()
	// Liveness check under the lock: a feed detached between Recv and here
	// must not resurrect state.
	if ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	rs := e.roomLocked(roomID)
	if snap.Full {
		rs.proj = reconcile.MergeFull(rs.proj, snap.Messages)
	} else {
		rs.proj = reconcile.Merge(rs.proj, snap.Messages)
	}
	wasDegraded := rs.degraded
	rs.degraded = false
	open := rs.open
	e.cache.SetMessages(roomID, rs.proj)
	e.mu.Unlock()

	if wasDegraded {
		telemetry.DegradedRooms.Dec()
	}
	e.emit(roomID)
	if open {
		e.receipts.MarkUnreadAsRead(roomID, e.self.UserID)
	}
}

// onDegraded is installed as the subscription manager's give-up callback.
func (e *Engine) onDegraded(key string, err error) {
	if key == subs.RoomListKey {
		logger.Error("room_list_feed_degraded", "error", err)
		e.mu.Lock()
		e.listDegraded = true
		e.mu.Unlock()
		e.emit("")
		return
	}
	roomID := strings.TrimPrefix(key, "room:")
	e.mu.Lock()
	rs := e.roomLocked(roomID)
	changed := !rs.degraded
	rs.degraded = true
	e.mu.Unlock()
	if changed {
		telemetry.DegradedRooms.Inc()
	}
	e.emit(roomID)
}
