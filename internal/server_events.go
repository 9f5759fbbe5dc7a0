package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"quotechat/internal/storage"
)

func (s *Server) handleFrame(conn *Connection, payload []byte) {
	ev, err := DecodeEvent(payload)
	if err != nil {
		conn.replyError(CodeBadRequest, err.Error())
		return
	}
	ctx, cancel := s.storeContext()
	defer cancel()

	switch typed := ev.(type) {
	case *JoinRoom:
		err = s.handleJoin(ctx, conn, typed)
	case *LeaveRoom:
		err = s.handleLeave(conn, typed)
	case *SendMessage:
		err = s.handleSend(ctx, conn, typed)
	case *TypingStart:
		err = s.handleTyping(conn, typed.QuotationID, true)
	case *TypingStop:
		err = s.handleTyping(conn, typed.QuotationID, false)
	default:
		err = protocolError(CodeBadRequest, fmt.Errorf("%s is not accepted from clients", ev.EventName()))
	}
	if err != nil {
		s.rejectFrame(conn, ev.EventName(), err)
	}
}

// rejectFrame reports a failure to the originating connection only; nothing is
// broadcast to the room.
func (s *Server) rejectFrame(conn *Connection, event string, err error) {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		conn.logger.Debug("request rejected", "event", event, "code", protoErr.Code)
		conn.replyError(protoErr.Code, protoErr.Err.Error())
		return
	}
	conn.logger.Error("request failed", "event", event, "error", err)
	conn.replyError(CodeInternal, "something went wrong, please retry")
}

func (s *Server) handleJoin(ctx context.Context, conn *Connection, req *JoinRoom) error {
	quotationID := strings.TrimSpace(req.QuotationID)
	userID := strings.TrimSpace(req.UserID)
	if quotationID == "" || userID == "" || !ValidRole(req.Role) {
		return protocolError(CodeInvalidJoinRequest, ErrInvalidJoinRequest)
	}
	status, disabled, err := s.chatStatus(ctx, quotationID)
	if err != nil {
		if errors.Is(err, storage.ErrQuotationNotFound) {
			return protocolError(CodeUnknownQuotation, err)
		}
		return err
	}

	roomKey := RoomKey(quotationID)
	_, _, before, wasJoined := conn.joined()
	participants, previousRoom, previous := s.hub.Register(roomKey, Participant{UserID: userID, Role: req.Role}, conn)
	participant := Participant{ConnectionID: conn.ID(), UserID: userID, Role: req.Role}
	conn.setJoined(roomKey, quotationID, participant)

	if previousRoom != "" {
		s.presence.Decrement(previous.UserID)
		s.announce(previousRoom, UserLeft{ConnectionID: conn.ID(), UserID: previous.UserID, Role: previous.Role, Timestamp: time.Now().UTC()}, conn.ID())
	} else if wasJoined {
		// same room joined again under a possibly different identity
		s.presence.Decrement(before.UserID)
	}
	s.presence.Increment(userID)
	s.metrics.IncJoin()

	s.announce(roomKey, UserJoined{ConnectionID: conn.ID(), UserID: userID, Role: req.Role, Timestamp: time.Now().UTC()}, conn.ID())
	reply, err := EncodeEvent(RoomJoined{
		RoomName:       roomKey,
		Participants:   participants,
		Disabled:       disabled,
		DisabledReason: ChatDisabledReason(status.QuotationStatus, status.EnquiryStatus),
	})
	if err != nil {
		return err
	}
	if !s.hub.SendTo(roomKey, conn.ID(), reply) {
		conn.Enqueue(reply)
	}
	conn.logger.Info("joined room", "room", roomKey, "user", userID, "role", req.Role)
	return nil
}

func (s *Server) handleLeave(conn *Connection, req *LeaveRoom) error {
	roomKey, _, _, ok := conn.joined()
	if !ok || roomKey != RoomKey(strings.TrimSpace(req.QuotationID)) {
		return protocolError(CodeNotInRoom, ErrNotInRoom)
	}
	s.leave(conn)
	return nil
}

// leave drops the connection's current membership, if any, and tells the
// remaining members. Safe to call repeatedly.
func (s *Server) leave(conn *Connection) {
	roomKey, participant, ok := conn.clearJoined()
	if !ok {
		return
	}
	if _, removed := s.hub.Unregister(roomKey, conn.ID()); !removed {
		return
	}
	s.presence.Decrement(participant.UserID)
	s.announce(roomKey, UserLeft{ConnectionID: conn.ID(), UserID: participant.UserID, Role: participant.Role, Timestamp: time.Now().UTC()}, conn.ID())
	conn.logger.Info("left room", "room", roomKey, "user", participant.UserID)
}

// handleSend relays a message the client says it already saved. The relay checks
// the disable rule itself and re-reads the record so only persisted messages are
// ever fanned out.
func (s *Server) handleSend(ctx context.Context, conn *Connection, req *SendMessage) error {
	roomKey, quotationID, participant, ok := conn.joined()
	if !ok || roomKey != RoomKey(strings.TrimSpace(req.QuotationID)) {
		return protocolError(CodeNotInRoom, ErrNotInRoom)
	}
	if !s.sendLimiter.Allow(conn.ID()) {
		return protocolError(CodeRateLimited, errors.New("you're sending messages too quickly, please wait a moment"))
	}
	if strings.TrimSpace(req.MessageID) == "" {
		return protocolError(CodeMessageNotPersisted, ErrMessageNotPersisted)
	}
	_, disabled, err := s.chatStatus(ctx, quotationID)
	if err != nil {
		return err
	}
	if disabled {
		s.metrics.IncRejected()
		return protocolError(CodeChatDisabled, ErrChatDisabled)
	}
	record, err := s.store.GetMessage(ctx, quotationID, req.MessageID)
	if err != nil {
		return err
	}
	if record == nil || record.SenderID != participant.UserID {
		s.metrics.IncRejected()
		return protocolError(CodeMessageNotPersisted, ErrMessageNotPersisted)
	}
	if !s.hub.MarkRelayed(roomKey, record.ID) {
		s.metrics.IncRejected()
		return protocolError(CodeMessageNotPersisted, errAlreadyRelayed)
	}
	s.announce(roomKey, NewMessage{ChatMessage: *record}, "")
	s.metrics.IncRelayed()
	return nil
}

func (s *Server) handleTyping(conn *Connection, quotationID string, isTyping bool) error {
	roomKey, _, participant, ok := conn.joined()
	if !ok || roomKey != RoomKey(strings.TrimSpace(quotationID)) {
		return protocolError(CodeNotInRoom, ErrNotInRoom)
	}
	s.announce(roomKey, UserTyping{UserID: participant.UserID, Role: participant.Role, IsTyping: isTyping}, conn.ID())
	return nil
}

// announce encodes ev and relays it to roomKey, skipping exclude.
func (s *Server) announce(roomKey string, ev Event, exclude string) {
	payload, err := EncodeEvent(ev)
	if err != nil {
		s.logger.Error("encode event", "event", ev.EventName(), "error", err)
		return
	}
	s.hub.Broadcast(roomKey, payload, exclude)
}

// announceStatus pushes the freshly evaluated disable rule to a live room.
func (s *Server) announceStatus(ctx context.Context, quotationID string) {
	status, disabled, err := s.chatStatus(ctx, quotationID)
	if err != nil {
		s.logger.Warn("status announce skipped", "quotation", quotationID, "error", err)
		return
	}
	s.announce(RoomKey(quotationID), RoomStatus{
		QuotationID:    quotationID,
		Disabled:       disabled,
		DisabledReason: ChatDisabledReason(status.QuotationStatus, status.EnquiryStatus),
	}, "")
}
