// Package conversation persists conversations and their ordered messages in
// SQLite.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	// Pure Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

// DefaultTitle is the title of a conversation before its first user message.
const DefaultTitle = "New chat"

const (
	// TitleLength bounds a title derived from the first user message, in characters.
	TitleLength = 80
	// MaxNicknameLength bounds nicknames, in characters.
	MaxNicknameLength = 120
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNotFound indicates a missing conversation or message.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidRole indicates a role other than user or assistant.
	ErrInvalidRole = errors.New("role must be user or assistant")

	// ErrInvalidNickname indicates an empty or overlong nickname.
	ErrInvalidNickname = errors.New("nickname must be 1 to 120 characters")
)

// Conversation is a chat thread owned by a nickname.
type Conversation struct {
	ID        string    `json:"id"`
	Nickname  string    `json:"nickname"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	nickname   TEXT NOT NULL,
	title      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_nickname ON conversations(nickname, updated_at);

CREATE TABLE IF NOT EXISTS messages (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
	content         TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
`

// Store is the SQLite conversation store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and bootstraps the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("conversation: database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: SQLite has a single writer, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	s, err := New(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and bootstraps the schema.
func New(ctx context.Context, db *sql.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("conversation: db is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create starts a conversation. An empty title selects DefaultTitle.
func (s *Store) Create(ctx context.Context, nickname, title string) (*Conversation, error) {
	if err := ValidateNickname(nickname); err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}

	now := s.now().UTC()
	c := &Conversation{
		ID:        uuid.NewString(),
		Nickname:  nickname,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(id, nickname, title, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
		c.ID, c.Nickname, c.Title, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.logger.Debug("conversation created", zap.String("conversation_id", c.ID))
	return c, nil
}

// Get returns a conversation or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, nickname, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading conversation: %w", err)
	}
	return c, nil
}

// ListForNickname returns the nickname's conversations, most recently
// updated first.
func (s *Store) ListForNickname(ctx context.Context, nickname string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, nickname, title, created_at, updated_at FROM conversations
		 WHERE nickname = ? ORDER BY updated_at DESC, rowid DESC`, nickname)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("listing conversations: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// AddMessage appends a message and touches the conversation's updated_at.
// While the conversation still has the default title, a user message
// replaces it with its first TitleLength characters.
func (s *Store) AddMessage(ctx context.Context, conversationID, role, content string) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var title string
	err = tx.QueryRowContext(ctx, `SELECT title FROM conversations WHERE id = ?`, conversationID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading conversation: %w", err)
	}

	now := s.now().UTC()
	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages(id, conversation_id, role, content, created_at) VALUES(?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, now.UnixNano()); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if role == RoleUser && (title == "" || title == DefaultTitle) && strings.TrimSpace(content) != "" {
		title = truncate(content, TitleLength)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ?, title = ? WHERE id = ?`,
		now.UnixNano(), title, conversationID); err != nil {
		return nil, fmt.Errorf("touching conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}
	return m, nil
}

// ListMessages returns a conversation's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("listing messages: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// LastMessage returns the most recent message, or ErrNotFound when the
// conversation has none.
func (s *Store) LastMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1`, conversationID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no messages in %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading last message: %w", err)
	}
	return m, nil
}

// ValidateNickname checks the nickname length rule.
func ValidateNickname(nickname string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(nickname))
	if n == 0 || utf8.RuneCountInString(nickname) > MaxNicknameLength {
		return ErrInvalidNickname
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		c                Conversation
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.Nickname, &c.Title, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	return &c, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		m       Message
		created int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &created); err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(0, created).UTC()
	return &m, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
