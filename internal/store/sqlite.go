package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/parley-chat/parley/internal/domain"
	"github.com/parley-chat/parley/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		participant_a TEXT NOT NULL,
		participant_b TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'OPEN',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		seq INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendMessage persists a new message at the end of the conversation log.
// The seq column is assigned inside a transaction so log order survives equal
// wall-clock timestamps.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID, senderID, content string) (*domain.Message, error) {
	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	err := s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var seq int64
		row := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
			conversationID)
		if err := row.Scan(&seq); err != nil {
			return fmt.Errorf("next message seq: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, sender_id, content, created_at, delivered, seq)
			 VALUES (?, ?, ?, ?, ?, 0, ?)`,
			msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt.UnixMilli(), seq)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns the most recent `limit` messages in ascending order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, created_at, delivered
		FROM messages WHERE conversation_id = ?
		ORDER BY seq ASC`
	args := []interface{}{conversationID}

	if limit > 0 {
		// Select the tail of the log, then flip back to ascending.
		query = `
			SELECT id, conversation_id, sender_id, content, created_at, delivered FROM (
				SELECT id, conversation_id, sender_id, content, created_at, delivered, seq
				FROM messages WHERE conversation_id = ?
				ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var createdAt int64
		var delivered int
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &createdAt, &delivered); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		msg.Delivered = delivered != 0
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// GetConversation retrieves a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, state, message_count
		FROM conversations WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var conv domain.Conversation
	var state string
	err := row.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &state, &conv.MessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	conv.State = domain.ConversationState(state)
	return &conv, nil
}

// EnsureConversation creates the conversation if missing and returns the
// stored record.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, id, participantA, participantB string) (*domain.Conversation, error) {
	now := time.Now().Unix()
	query := `
		INSERT INTO conversations (id, participant_a, participant_b, state, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	err := s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, query, id, participantA, participantB, string(domain.StateOpen), now, now)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s missing after ensure", id)
	}
	return conv, nil
}

// SetGateState updates a conversation's approval state and message counter.
func (s *SQLiteStore) SetGateState(ctx context.Context, id string, state domain.ConversationState, counter int) error {
	query := `UPDATE conversations SET state = ?, message_count = ?, updated_at = ? WHERE id = ?`

	return s.withRetry(func() error {
		result, err := s.db.ExecContext(ctx, query, string(state), counter, time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("update gate state: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("conversation not found: %s", id)
		}
		return nil
	})
}

// MarkDelivered flips the delivered flag on a message.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, messageID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET delivered = 1 WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("MarkDelivered affected 0 rows", "message_id", messageID)
	}

	return nil
}

// CountAwaitingApproval returns how many conversations are blocked on approval.
func (s *SQLiteStore) CountAwaitingApproval(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE state = ?`, string(domain.StateAwaitingApproval))

	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count awaiting approval: %w", err)
	}
	return count, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs fn with exponential backoff on SQLITE_BUSY / locked errors.
func (s *SQLiteStore) withRetry(fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			return err
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "attempt", i+1, "delay", delay)
		time.Sleep(delay)
	}
	return err
}
