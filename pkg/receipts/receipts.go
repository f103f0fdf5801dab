// Package receipts debounces and coalesces "mark as read" writes so a
// burst of incoming messages produces one atomic batch write per room
// instead of one write per message.
package receipts

import (
	"context"
	"sync"
	"time"

	"dmsync/pkg/logger"
	"dmsync/pkg/remote"
	"dmsync/pkg/telemetry"
)

// DefaultDebounce quiets a burst of projection changes before the batch
// is issued.
const DefaultDebounce = 400 * time.Millisecond

// Source yields the canonical ids of messages in a room authored by
// someone other than readerID with read=false. Unpersisted optimistic
// messages are excluded by the source.
type Source interface {
	UnreadFrom(roomID, readerID string) []string
}

type Batcher struct {
	store    remote.Store
	src      Source
	debounce time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func New(store remote.Store, src Source, debounce time.Duration) *Batcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Batcher{
		store:    store,
		src:      src,
		debounce: debounce,
		timeout:  10 * time.Second,
		timers:   map[string]*time.Timer{},
	}
}

// MarkUnreadAsRead schedules a debounced receipt flush for the room.
// Repeated triggers within the window coalesce into one batch.
func (b *Batcher) MarkUnreadAsRead(roomID, readerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, armed := b.timers[roomID]; armed {
		return
	}
	b.timers[roomID] = time.AfterFunc(b.debounce, func() {
		b.mu.Lock()
		delete(b.timers, roomID)
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := b.Flush(ctx, roomID, readerID); err != nil {
			logger.Warn("read_receipt_flush_failed", "room", roomID, "error", err)
		}
	})
}

// Flush issues the batch immediately. A room with zero unread peer
// messages produces no write at all.
func (b *Batcher) Flush(ctx context.Context, roomID, readerID string) error {
	ids := b.src.UnreadFrom(roomID, readerID)
	if len(ids) == 0 {
		return nil
	}
	if err := b.store.BatchMarkRead(ctx, roomID, ids); err != nil {
		return err
	}
	telemetry.ReceiptBatches.Inc()
	telemetry.ReceiptMessages.Add(float64(len(ids)))
	logger.Debug("read_receipts_flushed", "room", roomID, "count", len(ids))
	return nil
}

// Close stops all pending flush timers.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for k, t := range b.timers {
		t.Stop()
		delete(b.timers, k)
	}
}
