package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/protocol"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on database/sql. Queries are written with ?
// placeholders and rebound to $n for postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(255) PRIMARY KEY,
    subscription_status VARCHAR(32) NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    title TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chats_user_id ON chats(user_id);

CREATE TABLE IF NOT EXISTS chat_messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id VARCHAR(255) NOT NULL,
    chat_id VARCHAR(255) NOT NULL,
    role VARCHAR(32) NOT NULL,
    parts_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON chat_messages(chat_id);
CREATE INDEX IF NOT EXISTS idx_messages_id ON chat_messages(id);

CREATE TABLE IF NOT EXISTS documents (
    id VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    title TEXT NOT NULL,
    kind VARCHAR(32) NOT NULL,
    content TEXT NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    PRIMARY KEY (id, created_at)
);

CREATE TABLE IF NOT EXISTS suggestions (
    id VARCHAR(255) PRIMARY KEY,
    document_id VARCHAR(255) NOT NULL,
    document_created_at TIMESTAMP NOT NULL,
    original_text TEXT NOT NULL,
    suggested_text TEXT NOT NULL,
    description TEXT,
    is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
    user_id VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_suggestions_document ON suggestions(document_id, document_created_at);
`

// NewSQLStore opens the configured database and initializes the schema.
func NewSQLStore(cfg config.StoreConfig) (*SQLStore, error) {
	switch cfg.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", cfg.Driver)
	}

	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	s := &SQLStore{db: db, dialect: cfg.Driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := createTablesSQL
	switch s.dialect {
	case "postgres":
		schema = strings.ReplaceAll(schema, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
	case "mysql":
		schema = strings.ReplaceAll(schema, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGINT PRIMARY KEY AUTO_INCREMENT")
	}

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// rebind converts ? placeholders to $1..$n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) GetUser(ctx context.Context, id string) (User, error) {
	if id == "" {
		return User{}, fmt.Errorf("user ID cannot be empty")
	}

	query := s.rebind(`SELECT id, subscription_status, created_at FROM users WHERE id = ?`)

	var u User
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.SubscriptionStatus, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

func (s *SQLStore) UpsertUser(ctx context.Context, user User) error {
	if user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	var query string
	switch s.dialect {
	case "mysql":
		query = `INSERT INTO users (id, subscription_status, created_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE subscription_status = VALUES(subscription_status)`
	default:
		query = s.rebind(`INSERT INTO users (id, subscription_status, created_at) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET subscription_status = excluded.subscription_status`)
	}

	if _, err := s.db.ExecContext(ctx, query, user.ID, user.SubscriptionStatus, user.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *SQLStore) GetChat(ctx context.Context, id string) (Chat, error) {
	if id == "" {
		return Chat{}, fmt.Errorf("chat ID cannot be empty")
	}

	query := s.rebind(`SELECT id, user_id, title, created_at FROM chats WHERE id = ?`)

	var c Chat
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("failed to query chat: %w", err)
	}
	return c, nil
}

func (s *SQLStore) CreateChat(ctx context.Context, chat Chat) error {
	if chat.ID == "" {
		return fmt.Errorf("chat ID cannot be empty")
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now().UTC()
	}

	query := s.rebind(`INSERT INTO chats (id, user_id, title, created_at) VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, chat.ID, chat.UserID, chat.Title, chat.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert chat: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendMessages(ctx context.Context, chatID string, messages []protocol.Message) error {
	if chatID == "" {
		return fmt.Errorf("chat ID cannot be empty")
	}
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertQuery := s.rebind(`INSERT INTO chat_messages (id, chat_id, role, parts_json, created_at) VALUES (?, ?, ?, ?, ?)`)

	for i, msg := range messages {
		partsJSON, marshalErr := json.Marshal(msg.Parts)
		if marshalErr != nil {
			err = fmt.Errorf("failed to marshal message at index %d: %w", i, marshalErr)
			return err
		}

		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		if _, execErr := tx.ExecContext(ctx, insertQuery,
			msg.ID, chatID, string(msg.Role), string(partsJSON), createdAt,
		); execErr != nil {
			err = fmt.Errorf("failed to insert message at index %d: %w", i, execErr)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, chatID string) ([]protocol.Message, error) {
	if chatID == "" {
		return nil, fmt.Errorf("chat ID cannot be empty")
	}

	query := s.rebind(`
SELECT id, role, parts_json, created_at
FROM chat_messages
WHERE chat_id = ?
ORDER BY seq ASC`)

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []protocol.Message
	for rows.Next() {
		var (
			msg       protocol.Message
			role      string
			partsJSON string
		)
		if err := rows.Scan(&msg.ID, &role, &partsJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg.ChatID = chatID
		msg.Role = protocol.Role(role)
		if err := json.Unmarshal([]byte(partsJSON), &msg.Parts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message parts: %w", err)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func (s *SQLStore) DeleteMessagesAfter(ctx context.Context, chatID, messageID string) (int, error) {
	if chatID == "" || messageID == "" {
		return 0, fmt.Errorf("chat ID and message ID cannot be empty")
	}

	seqQuery := s.rebind(`SELECT seq FROM chat_messages WHERE chat_id = ? AND id = ?`)

	var seq int64
	err := s.db.QueryRowContext(ctx, seqQuery, chatID, messageID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to locate message: %w", err)
	}

	deleteQuery := s.rebind(`DELETE FROM chat_messages WHERE chat_id = ? AND seq >= ?`)
	res, err := s.db.ExecContext(ctx, deleteQuery, chatID, seq)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted messages: %w", err)
	}
	return int(affected), nil
}

func (s *SQLStore) GetLatestDocument(ctx context.Context, id string) (Document, error) {
	if id == "" {
		return Document{}, fmt.Errorf("document ID cannot be empty")
	}

	query := s.rebind(`
SELECT id, created_at, title, kind, content, user_id
FROM documents
WHERE id = ?
ORDER BY created_at DESC
LIMIT 1`)

	var d Document
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.CreatedAt, &d.Title, &d.Kind, &d.Content, &d.UserID,
	)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to query document: %w", err)
	}
	return d, nil
}

func (s *SQLStore) ListDocumentVersions(ctx context.Context, id string) ([]Document, error) {
	if id == "" {
		return nil, fmt.Errorf("document ID cannot be empty")
	}

	query := s.rebind(`
SELECT id, created_at, title, kind, content, user_id
FROM documents
WHERE id = ?
ORDER BY created_at ASC`)

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query document versions: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.CreatedAt, &d.Title, &d.Kind, &d.Content, &d.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

func (s *SQLStore) InsertDocumentVersion(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document ID cannot be empty")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertQuery := s.rebind(`
INSERT INTO documents (id, created_at, title, kind, content, user_id)
VALUES (?, ?, ?, ?, ?, ?)`)

	if _, err = tx.ExecContext(ctx, insertQuery,
		doc.ID, doc.CreatedAt, doc.Title, doc.Kind, doc.Content, doc.UserID,
	); err != nil {
		return fmt.Errorf("failed to insert document version: %w", err)
	}

	// Suggestions against superseded versions are stale once a newer
	// version exists.
	pruneQuery := s.rebind(`DELETE FROM suggestions WHERE document_id = ? AND document_created_at < ?`)
	if _, err = tx.ExecContext(ctx, pruneQuery, doc.ID, doc.CreatedAt); err != nil {
		return fmt.Errorf("failed to prune stale suggestions: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertSuggestions(ctx context.Context, suggestions []Suggestion) error {
	if len(suggestions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := s.rebind(`
INSERT INTO suggestions (id, document_id, document_created_at, original_text, suggested_text, description, is_resolved, user_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	for i, sg := range suggestions {
		createdAt := sg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, execErr := tx.ExecContext(ctx, query,
			sg.ID, sg.DocumentID, sg.DocumentCreatedAt,
			sg.OriginalText, sg.SuggestedText, sg.Description,
			sg.IsResolved, sg.UserID, createdAt,
		); execErr != nil {
			err = fmt.Errorf("failed to insert suggestion at index %d: %w", i, execErr)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSuggestions(ctx context.Context, documentID string) ([]Suggestion, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document ID cannot be empty")
	}

	query := s.rebind(`
SELECT id, document_id, document_created_at, original_text, suggested_text, description, is_resolved, user_id, created_at
FROM suggestions
WHERE document_id = ?
ORDER BY created_at ASC`)

	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query suggestions: %w", err)
	}
	defer rows.Close()

	var suggestions []Suggestion
	for rows.Next() {
		var (
			sg          Suggestion
			description sql.NullString
		)
		if err := rows.Scan(
			&sg.ID, &sg.DocumentID, &sg.DocumentCreatedAt,
			&sg.OriginalText, &sg.SuggestedText, &description,
			&sg.IsResolved, &sg.UserID, &sg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan suggestion: %w", err)
		}
		sg.Description = description.String
		suggestions = append(suggestions, sg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating suggestions: %w", err)
	}
	return suggestions, nil
}
