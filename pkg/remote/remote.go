// Package remote defines the contract the sync engine expects from the
// authoritative message store, independent of the concrete backend.
package remote

import (
	"context"

	"dmsync/pkg/models"
)

// MessageSnapshot is one emission of a room's message feed: an ordered
// (server timestamp ascending) list of canonical messages. A Full
// snapshot authoritatively enumerates the room; consumers drop canonical
// messages absent from it, which is how deletes propagate. Incremental
// snapshots are pure upserts.
type MessageSnapshot struct {
	RoomID   string           `json:"roomId"`
	Full     bool             `json:"full,omitempty"`
	Messages []models.Message `json:"messages"`
}

// RoomSnapshot is one emission of a user's room-list feed.
type RoomSnapshot struct {
	Rooms []models.Room `json:"rooms"`
}

// MessageStream is a live per-room message feed. Recv blocks until the
// next snapshot arrives, the stream fails, or ctx is done. Stream-level
// errors surface from Recv, never as a silent close.
type MessageStream interface {
	Recv(ctx context.Context) (MessageSnapshot, error)
	Close() error
}

// RoomStream is a live room-list feed for one user.
type RoomStream interface {
	Recv(ctx context.Context) (RoomSnapshot, error)
	Close() error
}

// MessagePatch carries the mutable fields of an edit.
type MessagePatch struct {
	Content  string `json:"content"`
	EditedAt int64  `json:"editedAt"`
	// SenderID identifies the caller; the store rejects patches from
	// anyone but the original sender.
	SenderID string `json:"senderId"`
}

// RoomSummary is the denormalized last-message info kept on the room
// document for list rendering.
type RoomSummary struct {
	LastMessage          string `json:"lastMessage"`
	LastMessageTimestamp int64  `json:"lastMessageTimestamp"`
	LastMessageSenderID  string `json:"lastMessageSenderId"`
}

// Store is the remote authoritative message/room store.
type Store interface {
	// CreateRoomIfAbsent creates the room document if missing. Idempotent;
	// concurrent creation by both participants yields one room.
	CreateRoomIfAbsent(ctx context.Context, room models.Room) error

	// WriteMessage durably persists a message and returns the canonical id
	// and server-assigned timestamp (ns). Connectivity loss surfaces as a
	// transient-kind error.
	WriteMessage(ctx context.Context, roomID string, msg models.Message) (canonicalID string, serverTS int64, err error)

	// UpdateMessage applies an edit to an existing message.
	UpdateMessage(ctx context.Context, roomID, messageID string, patch MessagePatch) error

	// DeleteMessage removes a message. Sender-only; enforced remotely.
	DeleteMessage(ctx context.Context, roomID, messageID, senderID string) error

	// BatchMarkRead marks the given messages read in a single atomic
	// write. Callers must not issue empty batches.
	BatchMarkRead(ctx context.Context, roomID string, messageIDs []string) error

	// UpdateRoomSummary refreshes the room's denormalized last-message
	// fields after a successful send.
	UpdateRoomSummary(ctx context.Context, roomID string, summary RoomSummary) error

	// SubscribeMessages opens the live message feed for one room. since
	// bounds the initial snapshot (0 means everything).
	SubscribeMessages(ctx context.Context, roomID string, since int64) (MessageStream, error)

	// SubscribeRooms opens the live room-list feed for one user.
	SubscribeRooms(ctx context.Context, userID string) (RoomStream, error)

	// FetchPushToken resolves the push token registered for a user, ""
	// when none is registered.
	FetchPushToken(ctx context.Context, userID string) (string, error)
}
