package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quotechat/internal/storage"
)

// event names carried in the envelope's "event" field.
const (
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventSendMessage = "send-message"
	EventTypingStart = "typing-start"
	EventTypingStop  = "typing-stop"

	EventRoomJoined = "room-joined"
	EventNewMessage = "new-message"
	EventUserTyping = "user-typing"
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
	EventRoomStatus = "room-status"
	EventError      = "error"
)

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

const roomPrefix = "quotation:"

// RoomKey namespaces a quotation id so other room kinds cannot collide with it.
func RoomKey(quotationID string) string {
	return roomPrefix + quotationID
}

// ValidRole reports whether role is one of the two chat parties.
func ValidRole(role string) bool {
	return role == RoleCustomer || role == RoleAdmin
}

// ChatMessage is the persisted record crossing the wire.
type ChatMessage = storage.Message

// Participant is a connection joined to a room under an asserted identity.
type Participant struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Role         string `json:"role"`
}

// Event is implemented by every payload that can travel inside an envelope.
type Event interface {
	EventName() string
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// client → server

type JoinRoom struct {
	QuotationID string `json:"quotationId"`
	UserID      string `json:"userId"`
	Role        string `json:"role"`
}

type LeaveRoom struct {
	QuotationID string `json:"quotationId"`
}

// SendMessage announces a message the sender has already persisted.
type SendMessage struct {
	QuotationID string    `json:"quotationId"`
	Message     string    `json:"message"`
	MessageID   string    `json:"messageId"`
	SenderID    string    `json:"senderId"`
	SenderRole  string    `json:"senderRole"`
	CreatedAt   time.Time `json:"createdAt"`
}

type TypingStart struct {
	QuotationID string `json:"quotationId"`
	UserID      string `json:"userId"`
	Role        string `json:"role"`
}

type TypingStop struct {
	QuotationID string `json:"quotationId"`
	UserID      string `json:"userId"`
	Role        string `json:"role"`
}

// server → client

type RoomJoined struct {
	RoomName       string        `json:"roomName"`
	Participants   []Participant `json:"participants"`
	Disabled       bool          `json:"disabled"`
	DisabledReason string        `json:"disabledReason,omitempty"`
}

type NewMessage struct {
	ChatMessage
}

type UserTyping struct {
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	IsTyping bool   `json:"isTyping"`
}

type UserJoined struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Role         string    `json:"role"`
	Timestamp    time.Time `json:"timestamp"`
}

type UserLeft struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Role         string    `json:"role"`
	Timestamp    time.Time `json:"timestamp"`
}

type RoomStatus struct {
	QuotationID    string `json:"quotationId"`
	Disabled       bool   `json:"disabled"`
	DisabledReason string `json:"disabledReason,omitempty"`
}

// ErrorEvent is only ever sent to the connection that caused it.
type ErrorEvent struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (JoinRoom) EventName() string    { return EventJoinRoom }
func (LeaveRoom) EventName() string   { return EventLeaveRoom }
func (SendMessage) EventName() string { return EventSendMessage }
func (TypingStart) EventName() string { return EventTypingStart }
func (TypingStop) EventName() string  { return EventTypingStop }
func (RoomJoined) EventName() string  { return EventRoomJoined }
func (NewMessage) EventName() string  { return EventNewMessage }
func (UserTyping) EventName() string  { return EventUserTyping }
func (UserJoined) EventName() string  { return EventUserJoined }
func (UserLeft) EventName() string    { return EventUserLeft }
func (RoomStatus) EventName() string  { return EventRoomStatus }
func (ErrorEvent) EventName() string  { return EventError }

// ErrUnknownEvent is returned by DecodeEvent for names outside the vocabulary.
var ErrUnknownEvent = errors.New("unknown event")

// EncodeEvent frames ev as {"event": name, "data": payload}.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: ev.EventName(), Data: data})
}

// DecodeEvent parses one frame into its concrete event type.
func DecodeEvent(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var ev Event
	switch env.Event {
	case EventJoinRoom:
		ev = &JoinRoom{}
	case EventLeaveRoom:
		ev = &LeaveRoom{}
	case EventSendMessage:
		ev = &SendMessage{}
	case EventTypingStart:
		ev = &TypingStart{}
	case EventTypingStop:
		ev = &TypingStop{}
	case EventRoomJoined:
		ev = &RoomJoined{}
	case EventNewMessage:
		ev = &NewMessage{}
	case EventUserTyping:
		ev = &UserTyping{}
	case EventUserJoined:
		ev = &UserJoined{}
	case EventUserLeft:
		ev = &UserLeft{}
	case EventRoomStatus:
		ev = &RoomStatus{}
	case EventError:
		ev = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
	}
	return ev, nil
}
