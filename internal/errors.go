package internal

import "errors"

// ErrorCode classifies a rejected request in an error event.
type ErrorCode string

const (
	CodeInvalidJoinRequest  ErrorCode = "invalid_join_request"
	CodeChatDisabled        ErrorCode = "chat_disabled"
	CodeNotInRoom           ErrorCode = "not_in_room"
	CodeMessageNotPersisted ErrorCode = "message_not_persisted"
	CodeUnknownQuotation    ErrorCode = "unknown_quotation"
	CodeRateLimited         ErrorCode = "rate_limited"
	CodeBadRequest          ErrorCode = "bad_request"
	CodeInternal            ErrorCode = "internal"
)

var (
	ErrInvalidJoinRequest  = errors.New("join-room requires quotationId, userId and a customer or admin role")
	ErrChatDisabled        = errors.New("chat is disabled for this quotation")
	ErrNotInRoom           = errors.New("connection has not joined this quotation's room")
	ErrMessageNotPersisted = errors.New("message has not been saved")
	ErrReconnectExhausted  = errors.New("could not reconnect to the chat server; reload to try again")
	ErrNotConnected        = errors.New("not connected to the chat server")
	ErrRemoved             = errors.New("removed from the chat by an admin")
	errUnauthorized        = errors.New("unauthorized")
	errForbidden           = errors.New("forbidden")
	errNotYourQuotation    = errors.New("quotation belongs to another customer")
	errAlreadyRelayed      = errors.New("message was already delivered to the room")
)

// ProtocolError is a request failure reported back to the originating connection only.
type ProtocolError struct {
	Code ErrorCode
	Err  error
}

func (e *ProtocolError) Error() string {
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolError(code ErrorCode, err error) *ProtocolError {
	return &ProtocolError{Code: code, Err: err}
}

// errorFromEvent maps a received error event back onto the sentinel errors so
// callers can use errors.Is.
func errorFromEvent(ev *ErrorEvent) error {
	var base error
	switch ev.Code {
	case CodeInvalidJoinRequest:
		base = ErrInvalidJoinRequest
	case CodeChatDisabled:
		base = ErrChatDisabled
	case CodeNotInRoom:
		base = ErrNotInRoom
	case CodeMessageNotPersisted:
		base = ErrMessageNotPersisted
	default:
		base = errors.New(ev.Message)
	}
	return protocolError(ev.Code, base)
}
