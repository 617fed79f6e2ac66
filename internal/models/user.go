package models

import "time"

// Roles a chat participant can carry in the LMS.
const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// ChatUser is a roster entry: a conversation partner annotated with presence
// and the denormalized sidebar preview. UnreadCount is local-only and lives
// for the session; nothing here is persisted by the client.
type ChatUser struct {
	ID                string    `json:"_id"`
	Name              string    `json:"name"`
	Email             string    `json:"email,omitempty"`
	Role              string    `json:"role"`
	Avatar            string    `json:"avatar,omitempty"`
	IsOnline          bool      `json:"isOnline"`
	LastSeen          time.Time `json:"lastSeen,omitempty"`
	IsBlockedFromChat bool      `json:"isBlockedFromChat"`
	LastMessage       *Message  `json:"lastMessage,omitempty"`
	UnreadCount       int       `json:"unreadCount"`
}

// StatusChange is the payload of a user_status_changed event. Pointer fields
// distinguish "not included" from a real false/zero, so a presence flip does
// not clobber the block flag and vice versa.
type StatusChange struct {
	UserID            string     `json:"userId"`
	IsOnline          *bool      `json:"isOnline,omitempty"`
	LastSeen          *time.Time `json:"lastSeen,omitempty"`
	IsBlockedFromChat *bool      `json:"isBlockedFromChat,omitempty"`
}

// Apply patches the roster entry with whichever fields the event carried.
func (s StatusChange) Apply(u *ChatUser) {
	if s.IsOnline != nil {
		u.IsOnline = *s.IsOnline
	}
	if s.LastSeen != nil {
		u.LastSeen = *s.LastSeen
	}
	if s.IsBlockedFromChat != nil {
		u.IsBlockedFromChat = *s.IsBlockedFromChat
	}
}
