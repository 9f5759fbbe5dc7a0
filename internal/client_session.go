package internal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultReconnectBase     = time.Second
	defaultReconnectMax      = 5 * time.Second
	defaultReconnectAttempts = 5
)

// SessionConfig describes how a Session reaches the server.
type SessionConfig struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	TypingIdle        time.Duration

	Logger *slog.Logger
}

type listener struct {
	id uint64
	fn func(Event)
}

// Session is the client half of the chat protocol: one socket, at most one
// joined room, typed subscriptions, and reconnect with backoff.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger
	typing *TypingSignal

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	connErr    error
	lastJoin   *JoinRoom
	closed     bool
	done       chan struct{}
	listeners  map[string][]listener
	nextID     uint64
	connection []func(bool, error)

	writeMu sync.Mutex
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	session := &Session{
		cfg:       cfg,
		logger:    logger,
		done:      make(chan struct{}),
		listeners: make(map[string][]listener),
	}
	session.typing = NewTypingSignal(cfg.TypingIdle, session.emitTyping)
	return session
}

// Connect dials the server once. Drops after this point are retried in the
// background.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		s.setState(false, err)
		return err
	}
	if !s.attach(conn) {
		return ErrNotConnected
	}
	return nil
}

// Close tears the socket down for good and stops any reconnect in flight.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	s.typing.Stop()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	s.writeMu.Unlock()
	err := conn.Close()
	s.notifyConnection(false, nil)
	return err
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ConnectionError is the last transport failure, ErrReconnectExhausted once the
// session has given up, or ErrRemoved after an admin removal.
func (s *Session) ConnectionError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connErr
}

// JoinRoom enters the quotation's room, leaving any other room. The request is
// remembered and replayed after a reconnect.
func (s *Session) JoinRoom(quotationID, userID, role string) error {
	join := &JoinRoom{QuotationID: quotationID, UserID: userID, Role: role}
	s.mu.Lock()
	s.lastJoin = join
	s.mu.Unlock()
	s.typing.Stop()
	return s.write(*join)
}

func (s *Session) LeaveRoom(quotationID string) error {
	s.mu.Lock()
	if s.lastJoin != nil && s.lastJoin.QuotationID == quotationID {
		s.lastJoin = nil
	}
	s.mu.Unlock()
	s.typing.Stop()
	return s.write(LeaveRoom{QuotationID: quotationID})
}

// SendMessage announces a message already saved over the REST api.
func (s *Session) SendMessage(message ChatMessage) error {
	s.typing.MessageSent()
	return s.write(SendMessage{
		QuotationID: message.QuotationID,
		Message:     message.Body,
		MessageID:   message.ID,
		SenderID:    message.SenderID,
		SenderRole:  message.SenderRole,
		CreatedAt:   message.CreatedAt,
	})
}

// StartTyping should be called on every input change.
func (s *Session) StartTyping() {
	s.typing.InputChanged()
}

func (s *Session) StopTyping() {
	s.typing.MessageSent()
}

func (s *Session) emitTyping(isTyping bool) {
	s.mu.Lock()
	join := s.lastJoin
	s.mu.Unlock()
	if join == nil {
		return
	}
	var ev Event = TypingStop{QuotationID: join.QuotationID, UserID: join.UserID, Role: join.Role}
	if isTyping {
		ev = TypingStart{QuotationID: join.QuotationID, UserID: join.UserID, Role: join.Role}
	}
	if err := s.write(ev); err != nil {
		s.logger.Debug("typing signal dropped", "error", err)
	}
}

func (s *Session) OnNewMessage(fn func(ChatMessage)) func() {
	return s.subscribe(EventNewMessage, func(ev Event) { fn(ev.(*NewMessage).ChatMessage) })
}

func (s *Session) OnUserTyping(fn func(UserTyping)) func() {
	return s.subscribe(EventUserTyping, func(ev Event) { fn(*ev.(*UserTyping)) })
}

func (s *Session) OnUserJoined(fn func(UserJoined)) func() {
	return s.subscribe(EventUserJoined, func(ev Event) { fn(*ev.(*UserJoined)) })
}

func (s *Session) OnUserLeft(fn func(UserLeft)) func() {
	return s.subscribe(EventUserLeft, func(ev Event) { fn(*ev.(*UserLeft)) })
}

func (s *Session) OnRoomJoined(fn func(RoomJoined)) func() {
	return s.subscribe(EventRoomJoined, func(ev Event) { fn(*ev.(*RoomJoined)) })
}

func (s *Session) OnRoomStatus(fn func(RoomStatus)) func() {
	return s.subscribe(EventRoomStatus, func(ev Event) { fn(*ev.(*RoomStatus)) })
}

// OnError receives server error events as errors; errors.Is works against the
// package sentinels.
func (s *Session) OnError(fn func(error)) func() {
	return s.subscribe(EventError, func(ev Event) { fn(errorFromEvent(ev.(*ErrorEvent))) })
}

// OnConnectionChange fires on every connect, drop and failed retry.
func (s *Session) OnConnectionChange(fn func(connected bool, err error)) func() {
	s.mu.Lock()
	s.connection = append(s.connection, fn)
	index := len(s.connection) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if index < len(s.connection) {
			s.connection[index] = nil
		}
	}
}

func (s *Session) subscribe(event string, fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[event] = append(s.listeners[event], listener{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			current := s.listeners[event]
			for i, l := range current {
				if l.id == id {
					s.listeners[event] = append(current[:i:i], current[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Session) dispatch(ev Event) {
	s.mu.Lock()
	handlers := append([]listener(nil), s.listeners[ev.EventName()]...)
	s.mu.Unlock()
	for _, l := range handlers {
		l.fn(ev)
	}
}

func (s *Session) notifyConnection(connected bool, err error) {
	s.mu.Lock()
	handlers := append(([]func(bool, error))(nil), s.connection...)
	s.mu.Unlock()
	for _, fn := range handlers {
		if fn != nil {
			fn(connected, err)
		}
	}
}

func (s *Session) setState(connected bool, err error) {
	s.mu.Lock()
	s.connected = connected
	s.connErr = err
	s.mu.Unlock()
	s.notifyConnection(connected, err)
}

func (s *Session) write(ev Event) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// attach installs a fresh socket and replays the last join on it.
func (s *Session) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return false
	}
	s.conn = conn
	join := s.lastJoin
	s.mu.Unlock()

	s.setState(true, nil)
	go s.readLoop(conn)
	if join != nil {
		if err := s.write(*join); err != nil {
			s.logger.Warn("rejoin failed", "quotation", join.QuotationID, "error", err)
		}
	}
	return true
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.dropped(conn, err)
			return
		}
		ev, err := DecodeEvent(payload)
		if err != nil {
			s.logger.Debug("ignoring frame", "error", err)
			continue
		}
		s.dispatch(ev)
	}
}

func (s *Session) dropped(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()
	_ = conn.Close()

	s.typing.Stop()
	if websocket.IsCloseError(err, CloseRemoved) {
		s.mu.Lock()
		s.lastJoin = nil
		s.mu.Unlock()
		s.logger.Info("removed by server", "error", err)
		s.setState(false, ErrRemoved)
		return
	}
	s.setState(false, err)
	// a deliberate server close is not a network fault, so skip the first wait.
	immediate := websocket.IsCloseError(err, CloseServerDisconnect, websocket.CloseGoingAway)
	s.logger.Info("connection lost", "error", err, "immediate", immediate)
	go s.reconnect(immediate)
}

func (s *Session) reconnect(immediate bool) {
	delay := s.cfg.ReconnectBase
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		wait := delay
		if attempt == 1 && immediate {
			wait = 0
		} else {
			delay = min(delay*2, s.cfg.ReconnectMax)
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		timeout := s.cfg.Dialer.HandshakeTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
		cancel()
		if err == nil {
			if s.attach(conn) {
				s.logger.Info("reconnected", "attempt", attempt)
			}
			return
		}
		s.logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
		s.setState(false, err)
	}
	s.mu.Lock()
	gaveUp := !s.closed
	s.mu.Unlock()
	if gaveUp {
		s.setState(false, ErrReconnectExhausted)
	}
}

// IsExhausted is a convenience for surfaces that need to tell "retrying" from
// "gave up".
func IsExhausted(err error) bool {
	return errors.Is(err, ErrReconnectExhausted)
}
