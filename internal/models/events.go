package models

import "encoding/json"

// Named socket events. These are the whole realtime contract; transport
// details (handshake, heartbeat) belong to the websocket layer.
const (
	EventSetup             = "setup"
	EventTyping            = "typing"
	EventStopTyping        = "stop_typing"
	EventNewMessage        = "new_message"
	EventMessageReceived   = "message_received"
	EventUserStatusChanged = "user_status_changed"
)

// Envelope is the frame every socket message travels in: an event name plus
// its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Payloads are plain structs,
// so a marshal failure is a programming error and reported as such.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// SetupPayload associates the socket connection with a user id so the server
// can route events to it.
type SetupPayload struct {
	UserID string `json:"userId"`
}

// TypingPayload is shared by typing and stop_typing in both directions.
// Outbound, Room is the recipient id; inbound, only SenderID matters.
type TypingPayload struct {
	Room     string `json:"room,omitempty"`
	SenderID string `json:"senderId"`
}
