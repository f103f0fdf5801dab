package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"dmsync/pkg/cache"
	"dmsync/pkg/delivery"
	"dmsync/pkg/ids"
	"dmsync/pkg/models"
	"dmsync/pkg/push"
	"dmsync/pkg/remote"
	"dmsync/pkg/retry"
)

// fakeStore is an in-memory remote.Store whose streams are fed by the
// test. Write behavior is swappable per test case.
type fakeStore struct {
	mu         sync.Mutex
	writeErr   error
	writeHold  chan struct{}
	roomSubErr error
	writes     int
	deletes    []string
	batches    [][]string
	summaries  []remote.RoomSummary
	sinces     []int64
	tokens     map[string]string
	msgStreams map[string][]chan remote.MessageSnapshot
	roomStream []chan remote.RoomSnapshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tokens:     map[string]string{},
		msgStreams: map[string][]chan remote.MessageSnapshot{},
	}
}

func (f *fakeStore) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeStore) CreateRoomIfAbsent(ctx context.Context, room models.Room) error {
	return nil
}

func (f *fakeStore) WriteMessage(ctx context.Context, roomID string, msg models.Message) (string, int64, error) {
	f.mu.Lock()
	f.writes++
	hold := f.writeHold
	err := f.writeErr
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	if err != nil {
		return "", 0, err
	}
	now := time.Now().UTC()
	return ids.NewCanonicalID(now), now.UnixNano(), nil
}

func (f *fakeStore) UpdateMessage(ctx context.Context, roomID, msgID string, patch remote.MessagePatch) error {
	return nil
}

func (f *fakeStore) DeleteMessage(ctx context.Context, roomID, msgID, senderID string) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, msgID)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) BatchMarkRead(ctx context.Context, roomID string, msgIDs []string) error {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), msgIDs...))
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) UpdateRoomSummary(ctx context.Context, roomID string, sum remote.RoomSummary) error {
	f.mu.Lock()
	f.summaries = append(f.summaries, sum)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) FetchPushToken(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[userID], nil
}

type fakeMsgStream struct {
	ch <-chan remote.MessageSnapshot
}

func (s *fakeMsgStream) Recv(ctx context.Context) (remote.MessageSnapshot, error) {
	select {
	case <-ctx.Done():
		return remote.MessageSnapshot{}, ctx.Err()
	case snap := <-s.ch:
		return snap, nil
	}
}

func (s *fakeMsgStream) Close() error { return nil }

type fakeRoomStream struct {
	ch <-chan remote.RoomSnapshot
}

func (s *fakeRoomStream) Recv(ctx context.Context) (remote.RoomSnapshot, error) {
	select {
	case <-ctx.Done():
		return remote.RoomSnapshot{}, ctx.Err()
	case snap := <-s.ch:
		return snap, nil
	}
}

func (s *fakeRoomStream) Close() error { return nil }

func (f *fakeStore) SubscribeMessages(ctx context.Context, roomID string, since int64) (remote.MessageStream, error) {
	ch := make(chan remote.MessageSnapshot, 8)
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	f.msgStreams[roomID] = append(f.msgStreams[roomID], ch)
	f.mu.Unlock()
	return &fakeMsgStream{ch: ch}, nil
}

func (f *fakeStore) SubscribeRooms(ctx context.Context, userID string) (remote.RoomStream, error) {
	f.mu.Lock()
	if err := f.roomSubErr; err != nil {
		f.mu.Unlock()
		return nil, err
	}
	ch := make(chan remote.RoomSnapshot, 8)
	f.roomStream = append(f.roomStream, ch)
	f.mu.Unlock()
	return &fakeRoomStream{ch: ch}, nil
}

// pushMessages feeds an incremental snapshot into the room's newest live
// stream.
func (f *fakeStore) pushMessages(t *testing.T, roomID string, msgs []models.Message) {
	t.Helper()
	f.pushSnapshot(t, roomID, remote.MessageSnapshot{RoomID: roomID, Messages: msgs})
}

func (f *fakeStore) pushSnapshot(t *testing.T, roomID string, snap remote.MessageSnapshot) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		streams := f.msgStreams[roomID]
		f.mu.Unlock()
		if len(streams) > 0 {
			streams[len(streams)-1] <- snap
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no live stream for room %s", roomID)
}

func (f *fakeStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func newTestEngine(t *testing.T, store *fakeStore) *Engine {
	t.Helper()
	cs, err := cache.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	e := New(Identity{UserID: "alice", Username: "Alice"}, store, cs, push.Nop{}, Config{
		WriteTimeout:    time.Second,
		Retry:           retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		ReceiptDebounce: 10 * time.Millisecond,
	})
	t.Cleanup(e.Close)
	return e
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestSendMessage_OptimisticThenDelivered(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)
	ctx := context.Background()

	roomID, _, err := e.OpenRoom(ctx, "bob", "Bob")
	if err != nil {
		t.Fatalf("open room: %v", err)
	}
	if roomID != "alice_bob" {
		t.Fatalf("room id = %q", roomID)
	}

	msg, err := e.SendMessage(ctx, roomID, "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !ids.IsTemp(msg.ID) || msg.State != delivery.StatePending {
		t.Fatalf("optimistic message must be pending with a temp id: %+v", msg)
	}

	waitFor(t, "delivery confirmation", func() bool {
		snap := e.Snapshot(roomID)
		return len(snap) == 1 && !ids.IsTemp(snap[0].ID) && snap[0].State == delivery.StateDelivered
	})
	snap := e.Snapshot(roomID)
	if !snap[0].Delivered || snap[0].Content != "hello" {
		t.Fatalf("confirmed message wrong: %+v", snap[0])
	}

	// summary refresh ran
	waitFor(t, "room summary update", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.summaries) == 1 && store.summaries[0].LastMessage == "hello"
	})
}

func TestSendMessage_FailureThenManualRetry(t *testing.T) {
	store := newFakeStore()
	store.setWriteErr(remote.ErrTransient)
	e := newTestEngine(t, store)
	ctx := context.Background()

	roomID, _, err := e.OpenRoom(ctx, "bob", "Bob")
	if err != nil {
		t.Fatalf("open room: %v", err)
	}
	msg, err := e.SendMessage(ctx, roomID, "doomed", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "message marked failed", func() bool {
		snap := e.Snapshot(roomID)
		return len(snap) == 1 && snap[0].State == delivery.StateFailed
	})
	snap := e.Snapshot(roomID)
	if snap[0].ID != msg.ID || snap[0].Content != "doomed" {
		t.Fatalf("failed message lost identity or content: %+v", snap[0])
	}

	store.setWriteErr(nil)
	if err := e.RetryMessage(roomID, msg.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitFor(t, "retried message delivered", func() bool {
		snap := e.Snapshot(roomID)
		return len(snap) == 1 && snap[0].State == delivery.StateDelivered && !ids.IsTemp(snap[0].ID)
	})
}

func TestSnapshotAdoptionAndReadReceipts(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)
	ctx := context.Background()

	roomID, _, err := e.OpenRoom(ctx, "bob", "Bob")
	if err != nil {
		t.Fatalf("open room: %v", err)
	}

	// peer message arrives on the live feed
	peerMsg := models.Message{
		ID:        ids.NewCanonicalID(time.Now()),
		Type:      models.TypeText,
		Content:   "hi alice",
		SenderID:  "bob",
		CreatedAt: time.Now().UTC().UnixNano(),
	}
	store.pushMessages(t, roomID, []models.Message{peerMsg})

	waitFor(t, "peer message in projection", func() bool {
		snap := e.Snapshot(roomID)
		return len(snap) == 1 && snap[0].ID == peerMsg.ID
	})

	// open room triggers a read receipt for the unread peer message
	waitFor(t, "read receipt batch", func() bool {
		return store.batchCount() >= 1
	})
	store.mu.Lock()
	got := store.batches[0]
	store.mu.Unlock()
	if len(got) != 1 || got[0] != peerMsg.ID {
		t.Fatalf("unexpected receipt batch %v", got)
	}

	// delivering the same snapshot again must not duplicate
	store.pushMessages(t, roomID, []models.Message{peerMsg})
	time.Sleep(50 * time.Millisecond)
	if snap := e.Snapshot(roomID); len(snap) != 1 {
		t.Fatalf("duplicate snapshot duplicated the message: %d", len(snap))
	}
}

func TestColdStartPaintsFromCache(t *testing.T) {
	dir := t.TempDir()
	cs, err := cache.Open(dir, 0)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	cached := []models.Message{{
		ID:        ids.NewCanonicalID(time.Now()),
		Type:      models.TypeText,
		Content:   "from last session",
		SenderID:  "bob",
		CreatedAt: time.Now().UTC().UnixNano(),
		Delivered: true,
		State:     delivery.StateDelivered,
	}}
	cs.SetMessages("alice_bob", cached)
	if err := cs.Close(); err != nil {
		t.Fatalf("close cache: %v", err)
	}

	cs, err = cache.Open(dir, 0)
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	store := newFakeStore()
	e := New(Identity{UserID: "alice", Username: "Alice"}, store, cs, push.Nop{}, Config{
		WriteTimeout: time.Second,
		Retry:        retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	t.Cleanup(e.Close)

	_, snap, err := e.OpenRoom(context.Background(), "bob", "Bob")
	if err != nil {
		t.Fatalf("open room: %v", err)
	}
	if len(snap) != 1 || snap[0].Content != "from last session" {
		t.Fatalf("cached projection not painted: %+v", snap)
	}
}

func TestEditAndDeleteRules(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)
	ctx := context.Background()

	roomID, _, err := e.OpenRoom(ctx, "bob", "Bob")
	if err != nil {
		t.Fatalf("open room: %v", err)
	}

	// a delivered peer message is neither editable nor deletable by us
	peerMsg := models.Message{
		ID:        ids.NewCanonicalID(time.Now()),
		Type:      models.TypeText,
		Content:   "peer says",
		SenderID:  "bob",
		CreatedAt: time.Now().UTC().UnixNano(),
	}
	store.pushMessages(t, roomID, []models.Message{peerMsg})
	waitFor(t, "peer message in projection", func() bool {
		return len(e.Snapshot(roomID)) == 1
	})
	if err := e.EditMessage(ctx, roomID, peerMsg.ID, "hijack"); err == nil {
		t.Fatal("editing a peer message must fail")
	}
	if err := e.DeleteMessage(ctx, roomID, peerMsg.ID); err == nil {
		t.Fatal("deleting a peer message must fail")
	}

	// own delivered message: edit updates content and EditedAt
	msg, err := e.SendMessage(ctx, roomID, "tpyo", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "own message delivered", func() bool {
		for _, m := range e.Snapshot(roomID) {
			if m.SenderID == "alice" && m.State == delivery.StateDelivered {
				return true
			}
		}
		return false
	})
	var ownID string
	for _, m := range e.Snapshot(roomID) {
		if m.SenderID == "alice" {
			ownID = m.ID
		}
	}
	if ownID == msg.ID {
		t.Fatal("delivered message still carries the temp id")
	}
	if err := e.EditMessage(ctx, roomID, ownID, "typo"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	for _, m := range e.Snapshot(roomID) {
		if m.ID == ownID {
			if m.Content != "typo" || m.EditedAt == 0 {
				t.Fatalf("edit not applied locally: %+v", m)
			}
		}
	}

	if err := e.DeleteMessage(ctx, roomID, ownID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, m := range e.Snapshot(roomID) {
		if m.ID == ownID {
			t.Fatal("deleted message still in projection")
		}
	}
	store.mu.Lock()
	deleted := append([]string(nil), store.deletes...)
	store.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != ownID {
		t.Fatalf("remote delete not issued for %s: %v", ownID, deleted)
	}
}

func TestDeleteFailedTempMessageIsLocal(t *testing.T) {
	store := newFakeStore()
	store.setWriteErr(remote.ErrTransient)
	e := newTestEngine(t, store)
	ctx := context.Background()

	roomID, _, err := e.OpenRoom(ctx, "bob", "Bob")
	if err != nil {
		t.Fatalf("open room: %v", err)
	}
	msg, err := e.SendMessage(ctx, roomID, "never leaves", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "message marked failed", func() bool {
		snap := e.Snapshot(roomID)
		return len(snap) == 1 && snap[0].State == delivery.StateFailed
	})

	if err := e.DeleteMessage(ctx, roomID, msg.ID); err != nil {
		t.Fatalf("delete failed temp message: %v", err)
	}
	if snap := e.Snapshot(roomID); len(snap) != 0 {
		t.Fatalf("projection not empty after delete: %v", snap)
	}
	store.mu.Lock()
	remoteDeletes := len(store.deletes)
	store.mu.Unlock()
	if remoteDeletes != 0 {
		t.Fatal("a never-persisted message must not produce a remote delete")
	}
}

func TestReattachDeliversOfflineReadReceipts(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)
	ctx := context.Background()

	roomID, _, err := e.OpenRoom(ctx, "bob", "Bob")
	if err != nil {
		t.Fatalf("open room: %v", err)
	}
	msg, err := e.SendMessage(ctx, roomID, "seen yet?", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "message delivered", func() bool {
		snap := e.Snapshot(roomID)
		return len(snap) == 1 && snap[0].State == delivery.StateDelivered
	})
	canonical := e.Snapshot(roomID)[0]
	if canonical.ID == msg.ID {
		t.Fatal("message still carries the temp id")
	}

	// detach, let the peer read the message meanwhile, reattach
	store.mu.Lock()
	streamsBefore := len(store.msgStreams[roomID])
	store.mu.Unlock()
	e.CloseRoom(roomID)
	if _, _, err := e.OpenRoom(ctx, "bob", "Bob"); err != nil {
		t.Fatalf("reopen room: %v", err)
	}
	waitFor(t, "feed reattached", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.msgStreams[roomID]) > streamsBefore
	})
	store.mu.Lock()
	sinces := append([]int64(nil), store.sinces...)
	store.mu.Unlock()
	for _, s := range sinces {
		if s != 0 {
			t.Fatalf("feed must replay from zero, subscribed with since=%d", s)
		}
	}

	read := canonical.Clone()
	read.Read = true
	store.pushSnapshot(t, roomID, remote.MessageSnapshot{RoomID: roomID, Full: true, Messages: []models.Message{read}})
	waitFor(t, "offline read receipt applied", func() bool {
		snap := e.Snapshot(roomID)
		return len(snap) == 1 && snap[0].Read && snap[0].State == delivery.StateRead
	})
}

func TestFullSnapshotPropagatesDeletes(t *testing.T) {
	store := newFakeStore()
	store.setWriteErr(remote.ErrTransient)
	e := newTestEngine(t, store)
	ctx := context.Background()

	roomID, _, err := e.OpenRoom(ctx, "bob", "Bob")
	if err != nil {
		t.Fatalf("open room: %v", err)
	}
	if _, err := e.SendMessage(ctx, roomID, "unsent", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "message marked failed", func() bool {
		for _, m := range e.Snapshot(roomID) {
			if m.State == delivery.StateFailed {
				return true
			}
		}
		return false
	})

	kept := models.Message{
		ID:        ids.NewCanonicalID(time.Now()),
		Type:      models.TypeText,
		Content:   "stays",
		SenderID:  "bob",
		CreatedAt: time.Now().UTC().UnixNano(),
	}
	gone := models.Message{
		ID:        ids.NewCanonicalID(time.Now()),
		Type:      models.TypeText,
		Content:   "bob deletes this",
		SenderID:  "bob",
		CreatedAt: time.Now().UTC().UnixNano(),
	}
	store.pushSnapshot(t, roomID, remote.MessageSnapshot{RoomID: roomID, Full: true, Messages: []models.Message{kept, gone}})
	waitFor(t, "both peer messages in projection", func() bool {
		return len(e.Snapshot(roomID)) == 3
	})

	store.pushSnapshot(t, roomID, remote.MessageSnapshot{RoomID: roomID, Full: true, Messages: []models.Message{kept}})
	waitFor(t, "deleted message dropped", func() bool {
		snap := e.Snapshot(roomID)
		if len(snap) != 2 {
			return false
		}
		for _, m := range snap {
			if m.ID == gone.ID {
				return false
			}
		}
		return true
	})
	// the unconfirmed local message survived the full replace
	var failed bool
	for _, m := range e.Snapshot(roomID) {
		if ids.IsTemp(m.ID) && m.State == delivery.StateFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatal("full snapshot dropped the unconfirmed local message")
	}
}

func TestEditPendingMessageRejected(t *testing.T) {
	store := newFakeStore()
	hold := make(chan struct{})
	store.mu.Lock()
	store.writeHold = hold
	store.mu.Unlock()
	e := newTestEngine(t, store)
	ctx := context.Background()

	roomID, _, err := e.OpenRoom(ctx, "bob", "Bob")
	if err != nil {
		t.Fatalf("open room: %v", err)
	}
	msg, err := e.SendMessage(ctx, roomID, "first draft", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := e.EditMessage(ctx, roomID, msg.ID, "second draft"); err == nil {
		t.Fatal("editing a pending message must fail")
	}
	close(hold)

	waitFor(t, "message delivered", func() bool {
		snap := e.Snapshot(roomID)
		return len(snap) == 1 && snap[0].State == delivery.StateDelivered
	})
	snap := e.Snapshot(roomID)
	if snap[0].Content != "first draft" {
		t.Fatalf("rejected edit leaked into the projection: %q", snap[0].Content)
	}
	if err := e.EditMessage(ctx, roomID, snap[0].ID, "second draft"); err != nil {
		t.Fatalf("edit after delivery: %v", err)
	}
}

func TestRoomListFeedDegradesAndRevives(t *testing.T) {
	store := newFakeStore()
	store.mu.Lock()
	store.roomSubErr = remote.ErrPermissionDenied
	store.mu.Unlock()
	e := newTestEngine(t, store)

	e.Start()
	waitFor(t, "room list degraded", e.RoomListDegraded)

	store.mu.Lock()
	store.roomSubErr = nil
	store.mu.Unlock()
	if _, _, err := e.OpenRoom(context.Background(), "bob", "Bob"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	waitFor(t, "room list stream reattached", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.roomStream) > 0
	})

	store.mu.Lock()
	ch := store.roomStream[len(store.roomStream)-1]
	store.mu.Unlock()
	ch <- remote.RoomSnapshot{Rooms: []models.Room{models.NewRoom("alice", "bob", 100)}}
	waitFor(t, "room list recovered", func() bool {
		return !e.RoomListDegraded() && len(e.Rooms()) == 1
	})
}

func TestRoomListFeedUpdatesRooms(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	e.Start()
	waitFor(t, "room list stream", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.roomStream) > 0
	})

	rooms := []models.Room{
		models.NewRoom("alice", "bob", 100),
		models.NewRoom("alice", "carol", 200),
	}
	store.mu.Lock()
	ch := store.roomStream[len(store.roomStream)-1]
	store.mu.Unlock()
	ch <- remote.RoomSnapshot{Rooms: rooms}

	waitFor(t, "room list applied", func() bool {
		got := e.Rooms()
		return len(got) == 2 && got[0].ID == "alice_carol"
	})
}
