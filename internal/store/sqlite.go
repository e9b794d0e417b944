// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/presence persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would get its own database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                  TEXT PRIMARY KEY,
			citizen_name        TEXT NOT NULL,
			citizen_tax_id      TEXT,
			session_hash        TEXT,
			department_id       TEXT,
			service_id          TEXT,
			agent_id            TEXT,
			state               TEXT NOT NULL,
			is_bot              INTEGER NOT NULL DEFAULT 0,
			started_at          TEXT NOT NULL,
			last_message_at     TEXT NOT NULL,
			waiting_since       TEXT,
			assigned_at         TEXT,
			closed_at           TEXT,
			closed_by           TEXT,
			inactivity_warnings INTEGER NOT NULL DEFAULT 0,
			next_seq            INTEGER NOT NULL DEFAULT 1,
			version             INTEGER NOT NULL,

			CHECK (state IN ('waiting', 'active', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_state ON conversations(state);
		CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(agent_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_department ON conversations(department_id);

		CREATE TABLE IF NOT EXISTS messages (
			id                TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL,
			seq               INTEGER NOT NULL,
			sender_id         TEXT NOT NULL,
			sender_name       TEXT NOT NULL,
			sender_role       TEXT NOT NULL,
			type              TEXT NOT NULL,
			content           TEXT NOT NULL,
			file_url          TEXT,
			file_name         TEXT,
			status            TEXT NOT NULL,
			timestamp         TEXT NOT NULL,
			client_message_id TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS agent_presence (
			agent_id             TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			department_id        TEXT,
			service_ids_json     TEXT NOT NULL DEFAULT '[]',
			elevated             INTEGER NOT NULL DEFAULT 0,
			status               TEXT NOT NULL,
			max_concurrent_chats INTEGER NOT NULL,
			updated_at           TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "client_message_id",
			apply:  `ALTER TABLE messages ADD COLUMN client_message_id TEXT`,
		},
		{
			table:  "conversations",
			column: "inactivity_warnings",
			apply:  `ALTER TABLE conversations ADD COLUMN inactivity_warnings INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func parseNullTime(field string, value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(field, value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateConversation if the ID is already taken.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	query := `
		INSERT INTO conversations (
			id, citizen_name, citizen_tax_id, session_hash, department_id, service_id,
			agent_id, state, is_bot, started_at, last_message_at, waiting_since,
			assigned_at, closed_at, closed_by, inactivity_warnings, next_seq, version
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var waitingSince *time.Time
	if !c.WaitingSince.IsZero() {
		waitingSince = &c.WaitingSince
	}

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.Citizen.Name,
		nullString(c.Citizen.TaxID),
		nullString(c.Citizen.SessionHash),
		nullString(c.DepartmentID),
		nullString(c.ServiceID),
		nullString(c.AgentID),
		c.State.String(),
		c.IsBot,
		formatTime(c.StartedAt),
		formatTime(c.LastMessageAt),
		nullTime(waitingSince),
		nullTime(c.AssignedAt),
		nullTime(c.ClosedAt),
		nullString(c.ClosedBy),
		c.InactivityWarnings,
		c.NextSeq,
		c.Version,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "state", c.State)
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateConversation(ctx context.Context, db execer, c *Conversation, expectedVersion int64) error {
	query := `
		UPDATE conversations
		SET department_id = ?, service_id = ?, agent_id = ?, state = ?, is_bot = ?,
			last_message_at = ?, waiting_since = ?, assigned_at = ?, closed_at = ?,
			closed_by = ?, inactivity_warnings = ?, next_seq = ?, version = ?
		WHERE id = ? AND version = ?
	`

	var waitingSince *time.Time
	if !c.WaitingSince.IsZero() {
		waitingSince = &c.WaitingSince
	}

	result, err := db.ExecContext(ctx, query,
		nullString(c.DepartmentID),
		nullString(c.ServiceID),
		nullString(c.AgentID),
		c.State.String(),
		c.IsBot,
		formatTime(c.LastMessageAt),
		nullTime(waitingSince),
		nullTime(c.AssignedAt),
		nullTime(c.ClosedAt),
		nullString(c.ClosedBy),
		c.InactivityWarnings,
		c.NextSeq,
		c.Version,
		c.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

// UpdateConversation writes c if the stored version still equals expectedVersion.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, c *Conversation, expectedVersion int64) error {
	if err := updateConversation(ctx, s.db, c, expectedVersion); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			if _, getErr := s.GetConversation(ctx, c.ID); errors.Is(getErr, ErrNotFound) {
				return ErrNotFound
			}
		}
		return err
	}
	return nil
}

const conversationColumns = `
	id, citizen_name, citizen_tax_id, session_hash, department_id, service_id,
	agent_id, state, is_bot, started_at, last_message_at, waiting_since,
	assigned_at, closed_at, closed_by, inactivity_warnings, next_seq, version
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var taxID, sessionHash, departmentID, serviceID, agentID, closedBy sql.NullString
	var waitingSince, assignedAt, closedAt sql.NullString
	var state, startedAt, lastMessageAt string

	err := row.Scan(
		&c.ID,
		&c.Citizen.Name,
		&taxID,
		&sessionHash,
		&departmentID,
		&serviceID,
		&agentID,
		&state,
		&c.IsBot,
		&startedAt,
		&lastMessageAt,
		&waitingSince,
		&assignedAt,
		&closedAt,
		&closedBy,
		&c.InactivityWarnings,
		&c.NextSeq,
		&c.Version,
	)
	if err != nil {
		return nil, err
	}

	c.Citizen.TaxID = taxID.String
	c.Citizen.SessionHash = sessionHash.String
	c.DepartmentID = departmentID.String
	c.ServiceID = serviceID.String
	c.AgentID = agentID.String
	c.ClosedBy = closedBy.String

	if c.State, err = ParseState(state); err != nil {
		return nil, err
	}
	if c.StartedAt, err = parseTime("started_at", startedAt); err != nil {
		return nil, err
	}
	if c.LastMessageAt, err = parseTime("last_message_at", lastMessageAt); err != nil {
		return nil, err
	}
	ws, err := parseNullTime("waiting_since", waitingSince)
	if err != nil {
		return nil, err
	}
	if ws != nil {
		c.WaitingSince = *ws
	}
	if c.AssignedAt, err = parseNullTime("assigned_at", assignedAt); err != nil {
		return nil, err
	}
	if c.ClosedAt, err = parseNullTime("closed_at", closedAt); err != nil {
		return nil, err
	}

	return &c, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`

	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations matching the filter, oldest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	var where []string
	var args []any

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, st.String())
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.DepartmentID != "" {
		where = append(where, "department_id = ?")
		args = append(args, filter.DepartmentID)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return out, nil
}

// AppendMessage inserts m and writes c in a single transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, c *Conversation, expectedVersion int64, m *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateConversation(ctx, tx, c, expectedVersion); err != nil {
		return err
	}

	query := `
		INSERT INTO messages (
			id, conversation_id, seq, sender_id, sender_name, sender_role, type,
			content, file_url, file_name, status, timestamp, client_message_id
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		m.ID,
		m.ConversationID,
		m.Seq,
		m.SenderID,
		m.SenderName,
		string(m.SenderRole),
		string(m.Type),
		m.Content,
		nullString(m.FileURL),
		nullString(m.FileName),
		m.Status.String(),
		formatTime(m.Timestamp),
		nullString(m.ClientMessageID),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	return nil
}

const messageColumns = `
	id, conversation_id, seq, sender_id, sender_name, sender_role, type,
	content, file_url, file_name, status, timestamp, client_message_id
`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var role, typ, status, ts string
	var fileURL, fileName, clientID sql.NullString

	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Seq,
		&m.SenderID,
		&m.SenderName,
		&role,
		&typ,
		&m.Content,
		&fileURL,
		&fileName,
		&status,
		&ts,
		&clientID,
	)
	if err != nil {
		return nil, err
	}

	m.SenderRole = SenderRole(role)
	m.Type = MessageType(typ)
	m.FileURL = fileURL.String
	m.FileName = fileName.String
	m.ClientMessageID = clientID.String

	if m.Status, err = ParseMessageStatus(status); err != nil {
		return nil, err
	}
	if m.Timestamp, err = parseTime("timestamp", ts); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage retrieves one message of a conversation.
func (s *SQLiteStore) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND id = ?`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, conversationID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

// UpdateMessageStatus sets the status column of a message.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, conversationID, messageID string, status MessageStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE conversation_id = ? AND id = ?`,
		status.String(), conversationID, messageID,
	)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns messages with seq greater than afterSeq in log order.
// A limit of zero or less returns every remaining message.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{conversationID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

// SavePresence upserts an agent's presence record.
func (s *SQLiteStore) SavePresence(ctx context.Context, p *AgentPresence) error {
	services, err := json.Marshal(p.ServiceIDs)
	if err != nil {
		return fmt.Errorf("encoding service ids: %w", err)
	}
	if p.ServiceIDs == nil {
		services = []byte("[]")
	}

	query := `
		INSERT INTO agent_presence (
			agent_id, name, department_id, service_ids_json, elevated, status,
			max_concurrent_chats, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			name = excluded.name,
			department_id = excluded.department_id,
			service_ids_json = excluded.service_ids_json,
			elevated = excluded.elevated,
			status = excluded.status,
			max_concurrent_chats = excluded.max_concurrent_chats,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		p.AgentID,
		p.Name,
		nullString(p.DepartmentID),
		string(services),
		p.Elevated,
		string(p.Status),
		p.MaxConcurrentChats,
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving presence: %w", err)
	}
	return nil
}

// ListPresence returns every stored presence record ordered by agent ID.
func (s *SQLiteStore) ListPresence(ctx context.Context) ([]*AgentPresence, error) {
	query := `
		SELECT agent_id, name, department_id, service_ids_json, elevated, status,
			max_concurrent_chats, updated_at
		FROM agent_presence
		ORDER BY agent_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying presence: %w", err)
	}
	defer rows.Close()

	var out []*AgentPresence
	for rows.Next() {
		var p AgentPresence
		var department sql.NullString
		var services, status, updatedAt string
		if err := rows.Scan(
			&p.AgentID,
			&p.Name,
			&department,
			&services,
			&p.Elevated,
			&status,
			&p.MaxConcurrentChats,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning presence: %w", err)
		}
		p.DepartmentID = department.String
		p.Status = PresenceStatus(status)
		if err := json.Unmarshal([]byte(services), &p.ServiceIDs); err != nil {
			return nil, fmt.Errorf("decoding service ids: %w", err)
		}
		if len(p.ServiceIDs) == 0 {
			p.ServiceIDs = nil
		}
		if p.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating presence: %w", err)
	}
	return out, nil
}
