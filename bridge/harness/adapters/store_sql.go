package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

// SQLConversationStore is the audit log of conversations, kept in the database
// opened by OpenAuditDB.
type SQLConversationStore struct {
	db *sql.DB
}

// NewSQLConversationStore creates a store over a migrated audit database.
func NewSQLConversationStore(db *sql.DB) *SQLConversationStore {
	return &SQLConversationStore{
		db: db,
	}
}

// SaveMessage records msg. Saving the same ordinal twice keeps the latest copy.
func (s *SQLConversationStore) SaveMessage(ctx context.Context, conversationID string, msg ports.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT OR REPLACE INTO audit_messages (conversation_id, ordinal, role, message_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		conversationID, int64(msg.Ordinal), string(msg.Role), string(data),
		createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// LoadMessages returns the last k messages of a conversation in ordinal order. A
// non-positive k returns all of them.
func (s *SQLConversationStore) LoadMessages(ctx context.Context, conversationID string, k int) ([]ports.Message, error) {
	if k <= 0 {
		k = -1 // sqlite: no limit
	}

	query := `
		SELECT message_json FROM audit_messages
		WHERE conversation_id = ?
		ORDER BY ordinal DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []ports.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		var msg ports.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// Reverse to get chronological order (oldest first)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Conversations lists the ids of every recorded conversation, most recent first.
func (s *SQLConversationStore) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id FROM audit_messages
		GROUP BY conversation_id
		ORDER BY MAX(created_at) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ ports.ConversationStore = (*SQLConversationStore)(nil)
