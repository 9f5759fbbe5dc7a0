package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PgStore is the Postgres-backed Repository used when the service is pointed at a
// shared database instead of a local SQLite file.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PgStore)(nil)

// NewPgStore opens a pgx pool for dsn and verifies it with a ping.
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &PgStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PgStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Migrate runs the schema creation statements.
func (s *PgStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL DEFAULT 'customer',
			password_hash BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS enquiries (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS quotations (
			id TEXT PRIMARY KEY,
			enquiry_id TEXT NOT NULL REFERENCES enquiries(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			quotation_id TEXT NOT NULL REFERENCES quotations(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL,
			sender_role TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_quotation ON chat_messages(quotation_id, seq);`,
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PgStore) CreateUser(ctx context.Context, username, role string, passwordHash []byte) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO users(username, role, password_hash) VALUES($1, $2, $3) RETURNING id`, username, role, passwordHash).Scan(&id)
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return 0, ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

func (s *PgStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.queryUser(ctx, `SELECT id, username, role, password_hash, created_at FROM users WHERE username = $1`, username)
}

func (s *PgStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return s.queryUser(ctx, `SELECT id, username, role, password_hash, created_at FROM users WHERE id = $1`, id)
}

func (s *PgStore) queryUser(ctx context.Context, query string, arg any) (*User, error) {
	var user User
	err := s.pool.QueryRow(ctx, query, arg).Scan(&user.ID, &user.Username, &user.Role, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (s *PgStore) CreateSession(ctx context.Context, userID int64, token string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO sessions(token, user_id, expires_at) VALUES($1, $2, $3)`, token, userID, expiresAt.UTC())
	return err
}

func (s *PgStore) GetSession(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `SELECT token, user_id, expires_at, created_at FROM sessions WHERE token = $1`, token).
		Scan(&sess.Token, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

func (s *PgStore) DeleteSession(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return err
}

func (s *PgStore) CreateEnquiry(ctx context.Context, enquiry Enquiry) (Enquiry, error) {
	enquiry = enquiry.withDefaults()
	_, err := s.pool.Exec(ctx, `INSERT INTO enquiries(id, customer_id, status) VALUES($1, $2, $3)`, enquiry.ID, enquiry.CustomerID, enquiry.Status)
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return Enquiry{}, ErrAlreadyExists
		}
		return Enquiry{}, err
	}
	return enquiry, nil
}

func (s *PgStore) CreateQuotation(ctx context.Context, quotation Quotation) (Quotation, error) {
	quotation = quotation.withDefaults()
	_, err := s.pool.Exec(ctx, `INSERT INTO quotations(id, enquiry_id, status) VALUES($1, $2, $3)`, quotation.ID, quotation.EnquiryID, quotation.Status)
	if err != nil {
		switch pgErrorCode(err) {
		case pgUniqueViolation:
			return Quotation{}, ErrAlreadyExists
		case pgForeignKeyViolation:
			return Quotation{}, ErrEnquiryNotFound
		}
		return Quotation{}, err
	}
	return quotation, nil
}

func (s *PgStore) SetQuotationStatus(ctx context.Context, quotationID, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE quotations SET status = $1 WHERE id = $2`, status, quotationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQuotationNotFound
	}
	return nil
}

func (s *PgStore) SetEnquiryStatus(ctx context.Context, enquiryID, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE enquiries SET status = $1 WHERE id = $2`, status, enquiryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEnquiryNotFound
	}
	return nil
}

func (s *PgStore) QuotationIDsForEnquiry(ctx context.Context, enquiryID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM quotations WHERE enquiry_id = $1 ORDER BY created_at ASC`, enquiryID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PgStore) ChatStatus(ctx context.Context, quotationID string) (ChatStatus, error) {
	var status ChatStatus
	err := s.pool.QueryRow(ctx, `
		SELECT q.id, q.status, COALESCE(e.status, ''), COALESCE(e.customer_id, '')
		FROM quotations q
		LEFT JOIN enquiries e ON e.id = q.enquiry_id
		WHERE q.id = $1
	`, quotationID).Scan(&status.QuotationID, &status.QuotationStatus, &status.EnquiryStatus, &status.CustomerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChatStatus{}, ErrQuotationNotFound
		}
		return ChatStatus{}, err
	}
	return status, nil
}

func (s *PgStore) AppendMessage(ctx context.Context, message Message) (Message, error) {
	if err := message.validate(); err != nil {
		return Message{}, err
	}
	message.ID = uuid.NewString()
	message.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages(id, quotation_id, sender_id, sender_role, body, created_at)
		VALUES($1, $2, $3, $4, $5, $6)
	`, message.ID, message.QuotationID, message.SenderID, message.SenderRole, message.Body, message.CreatedAt)
	if err != nil {
		if pgErrorCode(err) == pgForeignKeyViolation {
			return Message{}, ErrQuotationNotFound
		}
		return Message{}, err
	}
	return message, nil
}

func (s *PgStore) ListMessages(ctx context.Context, quotationID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, quotation_id, sender_id, sender_role, body, created_at
		FROM chat_messages
		WHERE quotation_id = $1
		ORDER BY seq ASC
	`, quotationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.QuotationID, &m.SenderID, &m.SenderRole, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PgStore) GetMessage(ctx context.Context, quotationID, messageID string) (*Message, error) {
	var m Message
	err := s.pool.QueryRow(ctx, `
		SELECT id, quotation_id, sender_id, sender_role, body, created_at
		FROM chat_messages
		WHERE quotation_id = $1 AND id = $2
	`, quotationID, messageID).Scan(&m.ID, &m.QuotationID, &m.SenderID, &m.SenderRole, &m.Body, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
