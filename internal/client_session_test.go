package internal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (env *testEnv) session() *Session {
	env.t.Helper()
	session := NewSession(SessionConfig{
		URL:           env.wsURL(),
		ReconnectBase: 20 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
		TypingIdle:    50 * time.Millisecond,
		Logger:        quietLogger(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := session.Connect(ctx); err != nil {
		env.t.Fatalf("connect: %v", err)
	}
	env.t.Cleanup(func() { _ = session.Close() })
	return session
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestSessionRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	customer := env.login("carol", RoleCustomer)
	admin := env.login("adam", RoleAdmin)
	env.seedQuotation("42", "pending", "pending", customer.UserID)

	customerSession := env.session()
	adminSession := env.session()

	joined := make(chan RoomJoined, 4)
	customerSession.OnRoomJoined(func(ev RoomJoined) { joined <- ev })
	messages := make(chan ChatMessage, 4)
	adminSession.OnNewMessage(func(m ChatMessage) { messages <- m })
	typing := make(chan UserTyping, 4)
	adminSession.OnUserTyping(func(ev UserTyping) { typing <- ev })
	adminJoined := make(chan RoomJoined, 1)
	adminSession.OnRoomJoined(func(ev RoomJoined) { adminJoined <- ev })

	if err := adminSession.JoinRoom("42", admin.UserID, admin.Role); err != nil {
		t.Fatalf("admin join: %v", err)
	}
	receive(t, adminJoined, "admin room-joined")
	if err := customerSession.JoinRoom("42", customer.UserID, customer.Role); err != nil {
		t.Fatalf("customer join: %v", err)
	}
	if ev := receive(t, joined, "room-joined"); len(ev.Participants) != 2 {
		t.Fatalf("expected two participants, got %+v", ev.Participants)
	}

	customerSession.StartTyping()
	if ev := receive(t, typing, "typing start"); !ev.IsTyping || ev.UserID != customer.UserID {
		t.Fatalf("unexpected typing %+v", ev)
	}

	saved, err := apiPostMessage(env.http.URL, customer.Token, "42", "hello from the session")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := customerSession.SendMessage(saved); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ev := receive(t, typing, "typing stop"); ev.IsTyping {
		t.Fatalf("sending should end the typing burst")
	}
	if got := receive(t, messages, "new-message"); got.ID != saved.ID || got.Body != "hello from the session" {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestSessionDisposerStopsDelivery(t *testing.T) {
	env := newTestEnv(t)
	customer := env.login("carol", RoleCustomer)
	env.seedQuotation("42", "pending", "pending", customer.UserID)
	session := env.session()

	var count atomic.Int32
	dispose := session.OnRoomJoined(func(RoomJoined) { count.Add(1) })
	errs := make(chan error, 2)
	session.OnError(func(err error) { errs <- err })

	if err := session.JoinRoom("42", customer.UserID, customer.Role); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitUntil(t, "first room-joined", func() bool { return count.Load() == 1 })
	dispose()
	dispose()

	if err := session.JoinRoom("42", customer.UserID, customer.Role); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := session.SendMessage(ChatMessage{QuotationID: "42", ID: "nope"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := receive(t, errs, "error event"); !errors.Is(err, ErrMessageNotPersisted) {
		t.Fatalf("expected ErrMessageNotPersisted, got %v", err)
	}
	if count.Load() != 1 {
		t.Fatalf("disposed handler still fired")
	}
}

func TestSessionRejoinsAfterServerDisconnect(t *testing.T) {
	env := newTestEnv(t)
	customer := env.login("carol", RoleCustomer)
	env.seedQuotation("42", "pending", "pending", customer.UserID)
	session := env.session()

	joined := make(chan RoomJoined, 4)
	session.OnRoomJoined(func(ev RoomJoined) { joined <- ev })
	states := make(chan bool, 8)
	session.OnConnectionChange(func(connected bool, _ error) { states <- connected })

	if err := session.JoinRoom("42", customer.UserID, customer.Role); err != nil {
		t.Fatalf("join: %v", err)
	}
	first := receive(t, joined, "room-joined")

	if !env.server.Kick(first.Participants[0].ConnectionID, "maintenance") {
		t.Fatalf("kick found no connection")
	}
	if receive(t, states, "drop") {
		t.Fatalf("expected a disconnect notification first")
	}
	if !receive(t, states, "reconnect") {
		t.Fatalf("expected the session to come back")
	}
	again := receive(t, joined, "rejoin")
	if again.RoomName != "quotation:42" {
		t.Fatalf("unexpected rejoin %+v", again)
	}
	oldID := first.Participants[0].ConnectionID
	waitUntil(t, "old connection to leave", func() bool {
		participants := env.server.Hub().Participants(RoomKey("42"))
		return len(participants) == 1 && participants[0].ConnectionID != oldID
	})
	if !session.IsConnected() || session.ConnectionError() != nil {
		t.Fatalf("session should be healthy, err=%v", session.ConnectionError())
	}
}

func TestSessionGivesUpAfterAttempts(t *testing.T) {
	var served atomic.Int32
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if served.Add(1) > 1 {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer ts.Close()

	session := NewSession(SessionConfig{
		URL:               "ws" + strings.TrimPrefix(ts.URL, "http"),
		ReconnectBase:     5 * time.Millisecond,
		ReconnectMax:      10 * time.Millisecond,
		ReconnectAttempts: 3,
		Logger:            quietLogger(),
	})
	defer session.Close()

	exhausted := make(chan error, 1)
	session.OnConnectionChange(func(connected bool, err error) {
		if !connected && IsExhausted(err) {
			exhausted <- err
		}
	})
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	receive(t, exhausted, "reconnect exhaustion")

	if session.IsConnected() || !errors.Is(session.ConnectionError(), ErrReconnectExhausted) {
		t.Fatalf("session should report exhaustion, err=%v", session.ConnectionError())
	}
	if got := served.Load(); got != 4 {
		t.Fatalf("expected 1 connect and 3 retries, server saw %d", got)
	}
	if err := session.JoinRoom("42", "1", RoleCustomer); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("join after exhaustion should fail with ErrNotConnected, got %v", err)
	}
}

func TestSessionStaysDownAfterRemoval(t *testing.T) {
	env := newTestEnv(t)
	customer := env.login("carol", RoleCustomer)
	env.seedQuotation("42", "pending", "pending", customer.UserID)
	session := env.session()

	joined := make(chan RoomJoined, 2)
	session.OnRoomJoined(func(ev RoomJoined) { joined <- ev })
	changes := make(chan error, 4)
	session.OnConnectionChange(func(connected bool, err error) {
		if !connected {
			changes <- err
		}
	})

	if err := session.JoinRoom("42", customer.UserID, customer.Role); err != nil {
		t.Fatalf("join: %v", err)
	}
	first := receive(t, joined, "room-joined")
	if !env.server.Remove(first.Participants[0].ConnectionID, "removed by admin") {
		t.Fatalf("remove found no connection")
	}
	if err := receive(t, changes, "removal"); !errors.Is(err, ErrRemoved) {
		t.Fatalf("expected ErrRemoved, got %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if session.IsConnected() || !errors.Is(session.ConnectionError(), ErrRemoved) {
		t.Fatalf("session must not reconnect after removal, err=%v", session.ConnectionError())
	}
	if env.server.Hub().Exists(RoomKey("42")) {
		t.Fatalf("no rejoin should have happened")
	}
}
