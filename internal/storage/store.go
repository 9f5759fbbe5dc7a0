package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes helper methods used by the server.
type Store struct {
	db *sql.DB
}

var _ Repository = (*Store)(nil)

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "quotechat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL DEFAULT 'customer',
			password_hash BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS enquiries (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS quotations (
			id TEXT PRIMARY KEY,
			enquiry_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(enquiry_id) REFERENCES enquiries(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			quotation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_role TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(quotation_id) REFERENCES quotations(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_quotation ON chat_messages(quotation_id, seq);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a new user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, username, role string, passwordHash []byte) (int64, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO users(username, role, password_hash) VALUES(?, ?, ?)`, username, role, passwordHash)
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}
	return result.LastInsertId()
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, role, password_hash, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByID fetches a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, role, password_hash, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.Role, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// CreateSession stores a new session token for a user.
func (s *Store) CreateSession(ctx context.Context, userID int64, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions(token, user_id, expires_at) VALUES(?, ?, ?)`, token, userID, expiresAt.UTC())
	return err
}

// GetSession returns a session if it exists.
func (s *Store) GetSession(ctx context.Context, token string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT token, user_id, expires_at, created_at FROM sessions WHERE token = ?`, token)
	var sess Session
	if err := row.Scan(&sess.Token, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a session token (used for logout).
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// CreateEnquiry inserts an enquiry, generating an id when none is given.
func (s *Store) CreateEnquiry(ctx context.Context, enquiry Enquiry) (Enquiry, error) {
	enquiry = enquiry.withDefaults()
	_, err := s.db.ExecContext(ctx, `INSERT INTO enquiries(id, customer_id, status) VALUES(?, ?, ?)`, enquiry.ID, enquiry.CustomerID, enquiry.Status)
	if err != nil {
		if isConstraintError(err) {
			return Enquiry{}, ErrAlreadyExists
		}
		return Enquiry{}, err
	}
	return enquiry, nil
}

// CreateQuotation inserts a quotation for an existing enquiry.
func (s *Store) CreateQuotation(ctx context.Context, quotation Quotation) (Quotation, error) {
	quotation = quotation.withDefaults()
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM enquiries WHERE id = ?`, quotation.EnquiryID).Scan(&exists); err != nil {
		return Quotation{}, err
	}
	if exists == 0 {
		return Quotation{}, ErrEnquiryNotFound
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO quotations(id, enquiry_id, status) VALUES(?, ?, ?)`, quotation.ID, quotation.EnquiryID, quotation.Status)
	if err != nil {
		if isConstraintError(err) {
			return Quotation{}, ErrAlreadyExists
		}
		return Quotation{}, err
	}
	return quotation, nil
}

// SetQuotationStatus moves a quotation to a new status.
func (s *Store) SetQuotationStatus(ctx context.Context, quotationID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE quotations SET status = ? WHERE id = ?`, status, quotationID)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrQuotationNotFound)
}

// SetEnquiryStatus moves an enquiry to a new status.
func (s *Store) SetEnquiryStatus(ctx context.Context, enquiryID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE enquiries SET status = ? WHERE id = ?`, status, enquiryID)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrEnquiryNotFound)
}

// QuotationIDsForEnquiry lists quotations raised against an enquiry.
func (s *Store) QuotationIDsForEnquiry(ctx context.Context, enquiryID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM quotations WHERE enquiry_id = ? ORDER BY created_at ASC`, enquiryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ChatStatus reads the quotation status together with its enquiry status.
func (s *Store) ChatStatus(ctx context.Context, quotationID string) (ChatStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT q.id, q.status, COALESCE(e.status, ''), COALESCE(e.customer_id, '')
		FROM quotations q
		LEFT JOIN enquiries e ON e.id = q.enquiry_id
		WHERE q.id = ?
	`, quotationID)
	var status ChatStatus
	if err := row.Scan(&status.QuotationID, &status.QuotationStatus, &status.EnquiryStatus, &status.CustomerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatStatus{}, ErrQuotationNotFound
		}
		return ChatStatus{}, err
	}
	return status, nil
}

// AppendMessage persists a chat message and returns it with its assigned id and createdAt.
func (s *Store) AppendMessage(ctx context.Context, message Message) (Message, error) {
	if err := message.validate(); err != nil {
		return Message{}, err
	}
	message.ID = uuid.NewString()
	message.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages(id, quotation_id, sender_id, sender_role, body, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, message.ID, message.QuotationID, message.SenderID, message.SenderRole, message.Body, message.CreatedAt)
	if err != nil {
		if isConstraintError(err) {
			return Message{}, ErrQuotationNotFound
		}
		return Message{}, err
	}
	return message, nil
}

// ListMessages returns the quotation's chat log in insertion order.
func (s *Store) ListMessages(ctx context.Context, quotationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, quotation_id, sender_id, sender_role, body, created_at
		FROM chat_messages
		WHERE quotation_id = ?
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

// GetMessage fetches one persisted message; nil means it was never stored for that quotation.
func (s *Store) GetMessage(ctx context.Context, quotationID, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, quotation_id, sender_id, sender_role, body, created_at
		FROM chat_messages
		WHERE quotation_id = ? AND id = ?
	`, quotationID, messageID)
	var m Message
	if err := row.Scan(&m.ID, &m.QuotationID, &m.SenderID, &m.SenderRole, &m.Body, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func expectAffected(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
