package models

import "sort"

// Room is the two-party conversation container. The id is a deterministic
// function of both participant ids so either side computes the same value.
type Room struct {
	ID                   string   `json:"roomId"`
	Participants         []string `json:"participants"`
	CreatedAt            int64    `json:"createdAt,omitempty"`
	LastMessage          string   `json:"lastMessage"`
	LastMessageTimestamp int64    `json:"lastMessageTimestamp"`
	LastMessageSenderID  string   `json:"lastMessageSenderId"`
}

// RoomID derives the room id for two participants: ids sorted then joined,
// independent of who initiates.
func RoomID(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1]
}

// NewRoom builds the initial room document for two participants.
func NewRoom(userA, userB string, now int64) Room {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return Room{
		ID:                   ids[0] + "_" + ids[1],
		Participants:         ids,
		CreatedAt:            now,
		LastMessageTimestamp: now,
	}
}

// Peer returns the other participant, or "" if self is not a member.
func (r Room) Peer(self string) string {
	if !r.Member(self) {
		return ""
	}
	for _, p := range r.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

// Member reports whether the given user participates in the room.
func (r Room) Member(user string) bool {
	for _, p := range r.Participants {
		if p == user {
			return true
		}
	}
	return false
}

// SortRooms orders a room list for display: most recent activity first.
func SortRooms(rooms []Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].LastMessageTimestamp != rooms[j].LastMessageTimestamp {
			return rooms[i].LastMessageTimestamp > rooms[j].LastMessageTimestamp
		}
		return rooms[i].ID < rooms[j].ID
	})
}
