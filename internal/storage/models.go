package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User represents a row in the users table.
type User struct {
	ID           int64
	Username     string
	Role         string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Session captures persisted logins.
type Session struct {
	Token     string
	UserID    int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Enquiry is the customer request a quotation answers.
type Enquiry struct {
	ID         string
	CustomerID string
	Status     string
}

func (e Enquiry) withDefaults() Enquiry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = "pending"
	}
	return e
}

// Quotation is the priced offer whose chat room carries its id.
type Quotation struct {
	ID        string
	EnquiryID string
	Status    string
}

func (q Quotation) withDefaults() Quotation {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.Status == "" {
		q.Status = "pending"
	}
	return q
}

// ChatStatus is what the chat-disable rule is evaluated against. CustomerID is
// the owner of the enquiry the quotation answers.
type ChatStatus struct {
	QuotationID     string
	QuotationStatus string
	EnquiryStatus   string
	CustomerID      string
}

// Message is one entry of a quotation's durable chat log.
type Message struct {
	ID          string    `json:"id"`
	QuotationID string    `json:"quotationId"`
	SenderID    string    `json:"senderId"`
	SenderRole  string    `json:"senderRole"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (m *Message) validate() error {
	m.Body = strings.TrimSpace(m.Body)
	if m.QuotationID == "" || m.SenderID == "" || m.SenderRole == "" {
		return ErrInvalidMessage
	}
	if m.Body == "" {
		return ErrEmptyMessage
	}
	return nil
}

var (
	// ErrUserExists is returned when attempting to insert a duplicate username.
	ErrUserExists = errors.New("user already exists")
	// ErrAlreadyExists is returned when an enquiry or quotation id is taken.
	ErrAlreadyExists     = errors.New("record already exists")
	ErrQuotationNotFound = errors.New("quotation not found")
	ErrEnquiryNotFound   = errors.New("enquiry not found")
	ErrInvalidMessage    = errors.New("message requires quotation, sender and role")
	ErrEmptyMessage      = errors.New("message body is empty")
)

// Repository is everything the chat server needs from persistence. Store (SQLite)
// and PgStore (Postgres) both satisfy it.
type Repository interface {
	Migrate(ctx context.Context) error
	Close() error

	CreateUser(ctx context.Context, username, role string, passwordHash []byte) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	CreateSession(ctx context.Context, userID int64, token string, expiresAt time.Time) error
	GetSession(ctx context.Context, token string) (*Session, error)
	DeleteSession(ctx context.Context, token string) error

	CreateEnquiry(ctx context.Context, enquiry Enquiry) (Enquiry, error)
	CreateQuotation(ctx context.Context, quotation Quotation) (Quotation, error)
	SetQuotationStatus(ctx context.Context, quotationID, status string) error
	SetEnquiryStatus(ctx context.Context, enquiryID, status string) error
	QuotationIDsForEnquiry(ctx context.Context, enquiryID string) ([]string, error)
	ChatStatus(ctx context.Context, quotationID string) (ChatStatus, error)

	AppendMessage(ctx context.Context, message Message) (Message, error)
	ListMessages(ctx context.Context, quotationID string) ([]Message, error)
	GetMessage(ctx context.Context, quotationID, messageID string) (*Message, error)
}

// Open picks the backend from the DSN: postgres:// and postgresql:// URLs go to
// Postgres, anything else is treated as a SQLite path.
func Open(ctx context.Context, dsn string) (Repository, error) {
	if IsPostgresDSN(dsn) {
		return NewPgStore(ctx, dsn)
	}
	return NewStore(dsn)
}

// IsPostgresDSN reports whether dsn names a Postgres server.
func IsPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}
