package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// UserRef is a user id that the backend may deliver either as a bare string
// or as an embedded user object. Whatever the wire shape, the in-memory form
// is always the plain id, so ids from different event sources compare equal.
type UserRef string

func (r UserRef) String() string { return string(r) }

// UnmarshalJSON accepts "abc123" as well as {"_id": "abc123", ...}.
func (r *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}

	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = UserRef(id)
		return nil
	}

	var embedded struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(data, &embedded); err != nil {
		return err
	}
	if embedded.MongoID != "" {
		*r = UserRef(embedded.MongoID)
	} else {
		*r = UserRef(embedded.ID)
	}
	return nil
}

// MarshalJSON always emits the bare id string.
func (r UserRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

// Message is a single chat message. ID is server-assigned and empty until the
// backend has acknowledged the message; such messages are never deduplicated.
type Message struct {
	ID        string    `json:"_id,omitempty"`
	Sender    UserRef   `json:"sender"`
	Receiver  UserRef   `json:"receiver"`
	Message   string    `json:"message,omitempty"`
	Image     string    `json:"image,omitempty"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// Between reports whether the message belongs to the conversation between the
// two given users, in either direction.
func (m Message) Between(a, b string) bool {
	s, r := string(m.Sender), string(m.Receiver)
	return (s == a && r == b) || (s == b && r == a)
}

// PartnerOf returns the conversation partner from selfID's point of view.
func (m Message) PartnerOf(selfID string) string {
	if string(m.Sender) == selfID {
		return string(m.Receiver)
	}
	return string(m.Sender)
}
