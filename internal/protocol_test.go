package internal

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEncodeEventEnvelope(t *testing.T) {
	payload, err := EncodeEvent(UserTyping{UserID: "u1", Role: RoleAdmin, IsTyping: true})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(raw["event"]) != `"user-typing"` {
		t.Fatalf("event field = %s", raw["event"])
	}
	var data map[string]any
	if err := json.Unmarshal(raw["data"], &data); err != nil {
		t.Fatalf("data: %v", err)
	}
	if data["userId"] != "u1" || data["role"] != "admin" || data["isTyping"] != true {
		t.Fatalf("unexpected data %v", data)
	}
}

func TestDecodeEventClientFrames(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"event":"join-room","data":{"quotationId":"42","userId":"7","role":"customer"}}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	join, ok := ev.(*JoinRoom)
	if !ok {
		t.Fatalf("expected *JoinRoom, got %T", ev)
	}
	if join.QuotationID != "42" || join.UserID != "7" || join.Role != RoleCustomer {
		t.Fatalf("unexpected join %+v", join)
	}

	ev, err = DecodeEvent([]byte(`{"event":"send-message","data":{"quotationId":"42","message":"hi","messageId":"m1","senderId":"7","senderRole":"customer","createdAt":"2024-05-01T10:00:00Z"}}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	send := ev.(*SendMessage)
	if send.MessageID != "m1" || !send.CreatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected send %+v", send)
	}
}

func TestNewMessageFlattensRecord(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	payload, err := EncodeEvent(NewMessage{ChatMessage: ChatMessage{ID: "m1", QuotationID: "42", SenderID: "7", SenderRole: RoleCustomer, Body: "hi", CreatedAt: created}})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	ev, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	msg := ev.(*NewMessage)
	if msg.ID != "m1" || msg.Body != "hi" || !msg.CreatedAt.Equal(created) {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"event":"explode","data":{}}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if _, err := DecodeEvent([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
	if _, err := DecodeEvent([]byte(`{"event":"join-room","data":{"quotationId":5}}`)); err == nil {
		t.Fatalf("expected error for mistyped field")
	}
}

func TestErrorFromEventMapsSentinels(t *testing.T) {
	err := errorFromEvent(&ErrorEvent{Code: CodeChatDisabled, Message: "closed"})
	if !errors.Is(err, ErrChatDisabled) {
		t.Fatalf("expected ErrChatDisabled, got %v", err)
	}
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) || protoErr.Code != CodeChatDisabled {
		t.Fatalf("expected ProtocolError with code, got %v", err)
	}
	if RoomKey("42") != "quotation:42" {
		t.Fatalf("RoomKey = %s", RoomKey("42"))
	}
}
