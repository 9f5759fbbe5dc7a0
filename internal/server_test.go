package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quotechat/internal/storage"
)

type testEnv struct {
	t      *testing.T
	store  *storage.Store
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := "sqlite://file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	store, err := storage.NewStore(dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	server := NewServer(store, ServerOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	mux := http.NewServeMux()
	server.RegisterRoutes(mux, "/ws")
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		ts.Close()
		_ = store.Close()
	})
	return &testEnv{t: t, store: store, server: server, http: ts}
}

func (env *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
}

// seedQuotation creates quotation id under its own enquiry, raised by customerID.
func (env *testEnv) seedQuotation(id, quotationStatus, enquiryStatus, customerID string) {
	env.t.Helper()
	ctx := context.Background()
	enquiry, err := env.store.CreateEnquiry(ctx, storage.Enquiry{ID: "enq-" + id, CustomerID: customerID, Status: enquiryStatus})
	if err != nil {
		env.t.Fatalf("CreateEnquiry: %v", err)
	}
	if _, err := env.store.CreateQuotation(ctx, storage.Quotation{ID: id, EnquiryID: enquiry.ID, Status: quotationStatus}); err != nil {
		env.t.Fatalf("CreateQuotation: %v", err)
	}
}

// login signs a user up and returns their session.
func (env *testEnv) login(username, role string) *loginResponse {
	env.t.Helper()
	if err := apiSignup(env.http.URL, username, "secret-"+username, role); err != nil {
		env.t.Fatalf("signup %s: %v", username, err)
	}
	resp, err := apiLogin(env.http.URL, username, "secret-"+username)
	if err != nil {
		env.t.Fatalf("login %s: %v", username, err)
	}
	return resp
}

func (env *testEnv) request(method, path, token string, body any) *http.Response {
	env.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			env.t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, env.http.URL+path, reader)
	if err != nil {
		env.t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		env.t.Fatalf("%s %s: %v", method, path, err)
	}
	env.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (env *testEnv) post(user *loginResponse, quotationID, body string) ChatMessage {
	env.t.Helper()
	saved, err := apiPostMessage(env.http.URL, user.Token, quotationID, body)
	if err != nil {
		env.t.Fatalf("post message: %v", err)
	}
	return saved
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (env *testEnv) dial() *wsClient {
	env.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	if err != nil {
		env.t.Fatalf("dial: %v", err)
	}
	env.t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: env.t, conn: conn}
}

func (c *wsClient) send(ev Event) {
	c.t.Helper()
	payload, err := EncodeEvent(ev)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) join(quotationID string, user *loginResponse) *RoomJoined {
	c.t.Helper()
	c.send(JoinRoom{QuotationID: quotationID, UserID: user.UserID, Role: user.Role})
	return c.waitFor(EventRoomJoined).(*RoomJoined)
}

// waitFor reads frames until one named event arrives, skipping the rest.
func (c *wsClient) waitFor(event string) Event {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", event, err)
		}
		ev, err := DecodeEvent(payload)
		if err != nil {
			c.t.Fatalf("decode %s: %v", payload, err)
		}
		if ev.EventName() == event {
			return ev
		}
	}
}

// expectNone fails if event shows up within wait.
func (c *wsClient) expectNone(event string, wait time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(wait)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			// timeout is the expected way out; the connection is unusable after it.
			return
		}
		if ev, err := DecodeEvent(payload); err == nil && ev.EventName() == event {
			c.t.Fatalf("unexpected %s: %s", event, payload)
		}
	}
}

func (c *wsClient) expectError(code ErrorCode) {
	c.t.Helper()
	ev := c.waitFor(EventError).(*ErrorEvent)
	if ev.Code != code {
		c.t.Fatalf("expected error %s, got %s (%s)", code, ev.Code, ev.Message)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTwoPartyQuotationChat(t *testing.T) {
	env := newTestEnv(t)
	customer := env.login("carol", RoleCustomer)
	admin := env.login("adam", RoleAdmin)
	env.seedQuotation("42", "pending", "pending", customer.UserID)

	customerConn := env.dial()
	joined := customerConn.join("42", customer)
	if joined.RoomName != "quotation:42" || len(joined.Participants) != 1 || joined.Disabled {
		t.Fatalf("unexpected room-joined %+v", joined)
	}

	adminConn := env.dial()
	joined = adminConn.join("42", admin)
	if len(joined.Participants) != 2 || joined.Participants[0].UserID != customer.UserID {
		t.Fatalf("admin should see both participants in join order, got %+v", joined.Participants)
	}
	arrived := customerConn.waitFor(EventUserJoined).(*UserJoined)
	if arrived.UserID != admin.UserID || arrived.Role != RoleAdmin {
		t.Fatalf("unexpected user-joined %+v", arrived)
	}

	saved := env.post(customer, "42", "  Can you do it for less?  ")
	if saved.Body != "Can you do it for less?" || saved.SenderRole != RoleCustomer {
		t.Fatalf("unexpected saved record %+v", saved)
	}
	customerConn.send(SendMessage{QuotationID: "42", Message: saved.Body, MessageID: saved.ID, SenderID: customer.UserID, SenderRole: RoleCustomer, CreatedAt: saved.CreatedAt})

	for _, conn := range []*wsClient{adminConn, customerConn} {
		got := conn.waitFor(EventNewMessage).(*NewMessage)
		if got.ID != saved.ID || got.Body != saved.Body || got.SenderID != customer.UserID {
			t.Fatalf("relayed record differs: %+v", got.ChatMessage)
		}
	}

	customerConn.send(TypingStart{QuotationID: "42", UserID: customer.UserID, Role: RoleCustomer})
	typing := adminConn.waitFor(EventUserTyping).(*UserTyping)
	if !typing.IsTyping || typing.UserID != customer.UserID {
		t.Fatalf("unexpected user-typing %+v", typing)
	}

	adminConn.send(LeaveRoom{QuotationID: "42"})
	left := customerConn.waitFor(EventUserLeft).(*UserLeft)
	if left.UserID != admin.UserID {
		t.Fatalf("unexpected user-left %+v", left)
	}
	if got := env.server.Hub().Participants(RoomKey("42")); len(got) != 1 {
		t.Fatalf("expected only the customer to remain, got %+v", got)
	}
	customerConn.expectNone(EventUserTyping, 100*time.Millisecond)
}

func TestRejectedMidSession(t *testing.T) {
	env := newTestEnv(t)
	customer := env.login("carol", RoleCustomer)
	admin := env.login("adam", RoleAdmin)
	env.seedQuotation("42", "pending", "pending", customer.UserID)

	customerConn := env.dial()
	customerConn.join("42", customer)
	adminConn := env.dial()
	adminConn.join("42", admin)

	earlier := env.post(customer, "42", "first")

	resp := env.request(http.MethodPut, "/api/quotations/42/status", admin.Token, statusRequest{Status: "rejected"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status update returned %d", resp.StatusCode)
	}
	for _, conn := range []*wsClient{customerConn, adminConn} {
		status := conn.waitFor(EventRoomStatus).(*RoomStatus)
		if !status.Disabled || status.DisabledReason == "" {
			t.Fatalf("expected disabled room-status, got %+v", status)
		}
	}

	if _, err := apiPostMessage(env.http.URL, customer.Token, "42", "still there?"); !errors.Is(err, ErrChatDisabled) {
		t.Fatalf("expected chat_disabled from the api, got %v", err)
	}

	// a relay of an old record must be refused too.
	customerConn.send(SendMessage{QuotationID: "42", MessageID: earlier.ID, SenderID: customer.UserID, SenderRole: RoleCustomer})
	customerConn.expectError(CodeChatDisabled)
	adminConn.expectNone(EventNewMessage, 150*time.Millisecond)
}

func TestInvalidJoinRequests(t *testing.T) {
	env := newTestEnv(t)
	env.seedQuotation("42", "pending", "pending", "someone-else")
	conn := env.dial()

	conn.send(JoinRoom{QuotationID: "", UserID: "1", Role: RoleCustomer})
	conn.expectError(CodeInvalidJoinRequest)
	conn.send(JoinRoom{QuotationID: "42", UserID: "1", Role: "superuser"})
	conn.expectError(CodeInvalidJoinRequest)
	conn.send(JoinRoom{QuotationID: "42", UserID: "", Role: RoleAdmin})
	conn.expectError(CodeInvalidJoinRequest)
	conn.send(JoinRoom{QuotationID: "404", UserID: "1", Role: RoleAdmin})
	conn.expectError(CodeUnknownQuotation)

	if env.server.Hub().RoomCount() != 0 {
		t.Fatalf("rejected joins must not create rooms")
	}

	conn.send(TypingStart{QuotationID: "42"})
	conn.expectError(CodeNotInRoom)
	conn.send(LeaveRoom{QuotationID: "42"})
	conn.expectError(CodeNotInRoom)

	if err := conn.conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"room-joined"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.expectError(CodeBadRequest)
}

func TestRelayRefusesUnsavedMessages(t *testing.T) {
	env := newTestEnv(t)
	customer := env.login("carol", RoleCustomer)
	admin := env.login("adam", RoleAdmin)
	env.seedQuotation("42", "pending", "pending", customer.UserID)
	env.seedQuotation("43", "pending", "pending", customer.UserID)

	outsider := env.dial()
	outsider.send(SendMessage{QuotationID: "42", MessageID: "anything"})
	outsider.expectError(CodeNotInRoom)

	customerConn := env.dial()
	customerConn.join("42", customer)
	adminConn := env.dial()
	adminConn.join("42", admin)

	customerConn.send(SendMessage{QuotationID: "42", MessageID: "never-saved", SenderID: customer.UserID})
	customerConn.expectError(CodeMessageNotPersisted)

	customerConn.send(SendMessage{QuotationID: "42", SenderID: customer.UserID})
	customerConn.expectError(CodeMessageNotPersisted)

	// a record saved by someone else cannot be replayed under this identity.
	adminSaved := env.post(admin, "42", "from the team")
	customerConn.send(SendMessage{QuotationID: "42", MessageID: adminSaved.ID})
	customerConn.expectError(CodeMessageNotPersisted)

	// nor can one saved under another quotation.
	elsewhere := env.post(customer, "43", "other thread")
	customerConn.send(SendMessage{QuotationID: "42", MessageID: elsewhere.ID})
	customerConn.expectError(CodeMessageNotPersisted)

	adminConn.expectNone(EventNewMessage, 150*time.Millisecond)
}

func TestDisconnectLeavesRoom(t *testing.T) {
	env := newTestEnv(t)
	customer := env.login("carol", RoleCustomer)
	admin := env.login("adam", RoleAdmin)
	env.seedQuotation("42", "pending", "pending", customer.UserID)

	customerConn := env.dial()
	customerConn.join("42", customer)
	adminConn := env.dial()
	adminConn.join("42", admin)

	_ = adminConn.conn.Close()
	left := customerConn.waitFor(EventUserLeft).(*UserLeft)
	if left.UserID != admin.UserID {
		t.Fatalf("unexpected user-left %+v", left)
	}

	_ = customerConn.conn.Close()
	waitUntil(t, "room cleanup", func() bool { return !env.server.Hub().Exists(RoomKey("42")) })
	waitUntil(t, "presence cleanup", func() bool { return env.server.presence.ActiveCount() == 0 })
}

func TestJoinSwitchesRooms(t *testing.T) {
	env := newTestEnv(t)
	customer := env.login("carol", RoleCustomer)
	admin := env.login("adam", RoleAdmin)
	env.seedQuotation("1", "pending", "pending", customer.UserID)
	env.seedQuotation("2", "pending", "pending", customer.UserID)

	adminConn := env.dial()
	adminConn.join("1", admin)
	customerConn := env.dial()
	customerConn.join("1", customer)
	adminConn.waitFor(EventUserJoined)

	joined := customerConn.join("2", customer)
	if joined.RoomName != "quotation:2" || len(joined.Participants) != 1 {
		t.Fatalf("unexpected room-joined %+v", joined)
	}
	left := adminConn.waitFor(EventUserLeft).(*UserLeft)
	if left.UserID != customer.UserID {
		t.Fatalf("unexpected user-left %+v", left)
	}
	if got := env.server.Hub().Participants(RoomKey("1")); len(got) != 1 || got[0].UserID != admin.UserID {
		t.Fatalf("quotation:1 should only hold the admin, got %+v", got)
	}
}

func TestJoinReportsDisabledChat(t *testing.T) {
	env := newTestEnv(t)
	customer := env.login("carol", RoleCustomer)
	env.seedQuotation("old", "closed", "pending", customer.UserID)
	env.seedQuotation("lapsed", "closed", "expired", customer.UserID)

	conn := env.dial()
	joined := conn.join("old", customer)
	if !joined.Disabled || joined.DisabledReason == "" {
		t.Fatalf("superseded quotation should be disabled, got %+v", joined)
	}
	joined = conn.join("lapsed", customer)
	if joined.Disabled {
		t.Fatalf("closed quotation of an expired enquiry stays open, got %+v", joined)
	}
}

func TestRelayDeliversEachMessageOnce(t *testing.T) {
	env := newTestEnv(t)
	customer := env.login("carol", RoleCustomer)
	admin := env.login("adam", RoleAdmin)
	env.seedQuotation("42", "pending", "pending", customer.UserID)

	customerConn := env.dial()
	customerConn.join("42", customer)
	adminConn := env.dial()
	adminConn.join("42", admin)

	saved := env.post(customer, "42", "just once")
	customerConn.send(SendMessage{QuotationID: "42", MessageID: saved.ID})
	if got := adminConn.waitFor(EventNewMessage).(*NewMessage); got.ID != saved.ID {
		t.Fatalf("unexpected relay %+v", got.ChatMessage)
	}

	customerConn.send(SendMessage{QuotationID: "42", MessageID: saved.ID})
	customerConn.expectError(CodeMessageNotPersisted)
	adminConn.expectNone(EventNewMessage, 150*time.Millisecond)
}

func TestSecondTabKeepsUserInRoom(t *testing.T) {
	env := newTestEnv(t)
	customer := env.login("carol", RoleCustomer)
	admin := env.login("adam", RoleAdmin)
	env.seedQuotation("42", "pending", "pending", customer.UserID)

	adminConn := env.dial()
	adminConn.join("42", admin)
	firstTab := env.dial()
	first := firstTab.join("42", customer)
	secondTab := env.dial()
	secondTab.join("42", customer)

	arrived := adminConn.waitFor(EventUserJoined).(*UserJoined)
	if arrived.ConnectionID != first.Participants[1].ConnectionID {
		t.Fatalf("user-joined should name the joining connection, got %+v", arrived)
	}
	adminConn.waitFor(EventUserJoined)

	firstTab.send(LeaveRoom{QuotationID: "42"})
	left := adminConn.waitFor(EventUserLeft).(*UserLeft)
	if left.UserID != customer.UserID || left.ConnectionID != arrived.ConnectionID {
		t.Fatalf("user-left should name the departing connection, got %+v", left)
	}
	remaining := env.server.Hub().Participants(RoomKey("42"))
	if len(remaining) != 2 || remaining[1].UserID != customer.UserID {
		t.Fatalf("the second tab should still be in the room, got %+v", remaining)
	}
	if got := env.server.presence.ActiveCount(); got != 2 {
		t.Fatalf("admin and customer should both still count as online, got %d", got)
	}
}
