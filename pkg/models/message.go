package models

import "dmsync/pkg/delivery"

// ReplyRef is a denormalized snapshot of the message being replied to,
// captured at reply time. It is intentionally not a live reference: later
// edits or deletes of the original leave the snapshot stale.
type ReplyRef struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
}

type Message struct {
	// ID is either a client temporary id (tmp- prefixed) before remote
	// confirmation or the canonical id minted by the remote store.
	ID         string `json:"id"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	// CreatedAt is nanoseconds. Provisional client clock value until the
	// remote confirms, then overwritten by the server timestamp.
	CreatedAt int64     `json:"createdAt"`
	Read      bool      `json:"read"`
	Delivered bool      `json:"delivered"`
	EditedAt  int64     `json:"editedAt,omitempty"`
	ReplyTo   *ReplyRef `json:"replyTo,omitempty"`
	// State is the local delivery-state projection; it round-trips through
	// the cache so a cold start restores failed/pending indicators.
	State delivery.State `json:"state,omitempty"`
}

const TypeText = "text"

// Clone returns a deep copy; ReplyTo is the only pointer field.
func (m Message) Clone() Message {
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		m.ReplyTo = &r
	}
	return m
}

// CloneAll deep-copies a message list.
func CloneAll(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
