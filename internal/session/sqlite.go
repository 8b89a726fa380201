package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
}

// Schema for the chats database.
const schema = `
CREATE TABLE IF NOT EXISTS chats (
    chat_id TEXT PRIMARY KEY,
    title TEXT,
    current_model TEXT NOT NULL,
    total_cost REAL NOT NULL DEFAULT 0,
    user_turns INTEGER DEFAULT 0,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_active_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id TEXT NOT NULL REFERENCES chats(chat_id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    parts TEXT NOT NULL,
    text_content TEXT,
    tool_call_id TEXT,
    timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    sequence INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chats_last_active ON chats(last_active_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_chat_sequence ON messages(chat_id, sequence);

-- Full-text search on extracted text content
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    text_content,
    content='messages',
    content_rowid='id'
);

-- Triggers to keep FTS in sync
CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, text_content) VALUES (new.id, new.text_content);
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, text_content) VALUES ('delete', old.id, old.text_content);
END;
`

// NewSQLiteStore opens (creating if needed) the chats database at cfg.Path.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("chat database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	store := &SQLiteStore{db: db, cfg: cfg, logger: slog.Default()}
	if err := store.cleanup(); err != nil {
		store.logger.Warn("chat cleanup failed", "error", err)
	}
	return store, nil
}

// schemaVersion is the current schema version.
// - Fresh databases get the full schema from `schema` const and start at this version
// - Existing databases run migrations to reach this version
// Increment when adding new migrations.
const schemaVersion = 2

// migration represents a schema migration.
type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

// migrations upgrade databases created before a schema change. The base
// `schema` const always contains the FULL current schema.
var migrations = []migration{
	{
		version:     2,
		description: "add token columns and tool_call_id",
		up: func(db *sql.DB) error {
			alterStatements := []string{
				"ALTER TABLE chats ADD COLUMN input_tokens INTEGER DEFAULT 0",
				"ALTER TABLE chats ADD COLUMN output_tokens INTEGER DEFAULT 0",
				"ALTER TABLE messages ADD COLUMN tool_call_id TEXT",
			}
			for _, stmt := range alterStatements {
				if _, err := db.Exec(stmt); err != nil {
					if !isDuplicateColumnError(err) {
						return err
					}
				}
			}
			return nil
		},
	},
}

// initSchema initializes the database schema and runs any pending migrations.
// Optimized for the common case: schema already current = single SELECT query.
func initSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err == nil && currentVersion >= schemaVersion {
		return nil
	}
	return initSchemaFull(db, err, currentVersion)
}

// initSchemaFull handles schema creation and migrations.
func initSchemaFull(db *sql.DB, versionErr error, currentVersion int) error {
	if versionErr != nil && versionErr != sql.ErrNoRows && !strings.Contains(versionErr.Error(), "no such table") {
		return fmt.Errorf("get current version: %w", versionErr)
	}

	// A chats table without a version row predates versioning.
	var legacy bool
	if versionErr != nil {
		var tableCount int
		if err := db.QueryRow(`
			SELECT COUNT(*) FROM sqlite_master
			WHERE type='table' AND name='chats'
		`).Scan(&tableCount); err != nil {
			return fmt.Errorf("check chats table: %w", err)
		}
		legacy = tableCount > 0
		currentVersion = 1
	}

	// Base schema only indexes columns present since version 1.
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if versionErr != nil && !legacy {
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
		return nil
	}

	if err := runMigrations(db, currentVersion); err != nil {
		return err
	}
	if versionErr != nil {
		_, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
		return err
	}
	_, err := db.Exec("UPDATE schema_version SET version = ?", schemaVersion)
	return err
}

func runMigrations(db *sql.DB, from int) error {
	for _, m := range migrations {
		if m.version <= from {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
	}
	return nil
}

// isDuplicateColumnError checks if an error is due to a column already existing.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") ||
		strings.Contains(errStr, "already exists")
}

// cleanup removes old chats based on configuration.
func (s *SQLiteStore) cleanup() error {
	ctx := context.Background()

	if s.cfg.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.cfg.MaxAgeDays)
		if _, err := s.db.ExecContext(ctx, "DELETE FROM chats WHERE last_active_at < ?", cutoff); err != nil {
			return fmt.Errorf("delete old chats: %w", err)
		}
	}

	if s.cfg.MaxCount > 0 {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM chats WHERE chat_id IN (
				SELECT chat_id FROM chats
				ORDER BY last_active_at DESC
				LIMIT -1 OFFSET ?
			)`, s.cfg.MaxCount)
		if err != nil {
			return fmt.Errorf("enforce max count: %w", err)
		}
	}

	return nil
}

// CreateChat inserts a new chat.
func (s *SQLiteStore) CreateChat(ctx context.Context, c *Chat) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.LastActiveAt.IsZero() {
		c.LastActiveAt = c.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, title, current_model, total_cost, user_turns, input_tokens, output_tokens, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, nullString(c.Title), c.Model, c.TotalCost, c.UserTurns, c.InputTokens, c.OutputTokens,
		c.CreatedAt, c.LastActiveAt)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

// GetChat retrieves a chat by ID.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, title, current_model, total_cost, user_turns, input_tokens, output_tokens, created_at, last_active_at
		FROM chats WHERE chat_id = ?`, id)

	var c Chat
	var title sql.NullString
	err := row.Scan(&c.ID, &title, &c.Model, &c.TotalCost, &c.UserTurns, &c.InputTokens, &c.OutputTokens,
		&c.CreatedAt, &c.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat: %w", err)
	}
	c.Title = title.String
	return &c, nil
}

// UpdateChat writes title, model and counters back.
func (s *SQLiteStore) UpdateChat(ctx context.Context, c *Chat) error {
	c.LastActiveAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE chats SET title = ?, current_model = ?, total_cost = ?, user_turns = ?,
		       input_tokens = ?, output_tokens = ?, last_active_at = ?
		WHERE chat_id = ?`,
		nullString(c.Title), c.Model, c.TotalCost, c.UserTurns, c.InputTokens, c.OutputTokens,
		c.LastActiveAt, c.ID)
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	return nil
}

// AddUsage increments the cost and token totals.
func (s *SQLiteStore) AddUsage(ctx context.Context, chatID string, cost float64, inputTokens, outputTokens int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET
		       total_cost = total_cost + ?,
		       input_tokens = input_tokens + ?,
		       output_tokens = output_tokens + ?,
		       last_active_at = ?
		WHERE chat_id = ?`,
		cost, inputTokens, outputTokens, time.Now(), chatID)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

// DeleteChat removes a chat and its messages.
func (s *SQLiteStore) DeleteChat(ctx context.Context, id string) error {
	// Foreign key cascade handles messages
	result, err := s.db.ExecContext(ctx, "DELETE FROM chats WHERE chat_id = ?", id)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ListChats returns chats, most recently active first.
func (s *SQLiteStore) ListChats(ctx context.Context, opts ListOptions) ([]ChatSummary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.chat_id, c.title, c.current_model, c.total_cost, c.created_at, c.last_active_at,
		       (SELECT COUNT(*) FROM messages WHERE chat_id = c.chat_id) as message_count
		FROM chats c
		ORDER BY c.last_active_at DESC
		LIMIT ? OFFSET ?`, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var results []ChatSummary
	for rows.Next() {
		var sum ChatSummary
		var title sql.NullString
		if err := rows.Scan(&sum.ID, &title, &sum.Model, &sum.TotalCost, &sum.CreatedAt, &sum.LastActiveAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan chat summary: %w", err)
		}
		sum.Title = title.String
		results = append(results, sum)
	}
	return results, rows.Err()
}

// Search finds messages containing the query text using FTS5.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.chat_id, m.id, c.title, snippet(messages_fts, 0, '**', '**', '...', 32), m.timestamp
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		JOIN chats c ON c.chat_id = m.chat_id
		WHERE messages_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var title sql.NullString
		if err := rows.Scan(&r.ChatID, &r.MessageID, &title, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		r.Title = title.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// AddMessage adds a message to a chat.
// If msg.Sequence < 0, the sequence number is auto-allocated atomically.
func (s *SQLiteStore) AddMessage(ctx context.Context, chatID string, msg *Message) error {
	msg.ChatID = chatID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	partsJSON, err := msg.PartsJSON()
	if err != nil {
		return fmt.Errorf("serialize parts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if msg.Sequence < 0 {
		var maxSeq sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT MAX(sequence) FROM messages WHERE chat_id = ?`,
			chatID).Scan(&maxSeq)
		if err != nil {
			return fmt.Errorf("get max sequence: %w", err)
		}
		if maxSeq.Valid {
			msg.Sequence = int(maxSeq.Int64) + 1
		} else {
			msg.Sequence = 0
		}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (chat_id, role, parts, text_content, tool_call_id, timestamp, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chatID, string(msg.Role), partsJSON, msg.TextContent, nullString(msg.ToolCallID), msg.CreatedAt, msg.Sequence)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	id, _ := result.LastInsertId()
	msg.ID = id

	_, err = tx.ExecContext(ctx, "UPDATE chats SET last_active_at = ? WHERE chat_id = ?",
		time.Now(), chatID)
	if err != nil {
		return fmt.Errorf("update chat timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetMessages retrieves messages for a chat in order.
func (s *SQLiteStore) GetMessages(ctx context.Context, chatID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, parts, text_content, tool_call_id, timestamp, sequence
		FROM messages
		WHERE chat_id = ?
		ORDER BY sequence ASC
		LIMIT ? OFFSET ?`, chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var partsJSON string
		var text, toolCallID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &partsJSON,
			&text, &toolCallID, &msg.CreatedAt, &msg.Sequence); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.TextContent = text.String
		msg.ToolCallID = toolCallID.String
		if err := msg.SetPartsFromJSON(partsJSON); err != nil {
			return nil, fmt.Errorf("deserialize parts: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullString converts an empty string to NULL for database storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
