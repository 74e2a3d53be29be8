package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/roamly/roamchat/internal/wire"
)

// UpsertMessage inserts or replaces a cached message keyed by
// (conversation, id). The last write wins; the pipeline only moves a
// message forward through pending -> confirmed | failed.
func (db *DB) UpsertMessage(m *wire.Message) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, id, client_id, sender_id, recipient_id, content, context_id, status, read, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET
			client_id = excluded.client_id,
			content = excluded.content,
			status = excluded.status,
			read = excluded.read,
			deleted = excluded.deleted,
			created_at = excluded.created_at`,
		m.ConversationID, m.ID, m.ClientID, m.SenderID, m.RecipientID,
		m.Content, m.ContextID, m.Status, m.Read, m.Deleted, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// HasMessage reports whether a message id is already cached for the
// conversation, against either the durable id or an optimistic copy's
// client correlation id.
func (db *DB) HasMessage(conversationID, id string) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(1) FROM messages
		WHERE conversation_id = ? AND (id = ? OR (client_id <> '' AND client_id = ?))`,
		conversationID, id, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ConfirmMessage replaces the optimistic copy matched by client id with
// the authoritative server message. Idempotent: confirming twice, or
// confirming after the optimistic copy is gone, leaves one confirmed row.
func (db *DB) ConfirmMessage(conversationID, clientID string, authoritative *wire.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if clientID != "" {
		if _, err := tx.Exec(`
			DELETE FROM messages WHERE conversation_id = ? AND client_id = ? AND id <> ?`,
			conversationID, clientID, authoritative.ID); err != nil {
			return fmt.Errorf("drop optimistic copy: %w", err)
		}
	}

	authoritative.Status = wire.StatusConfirmed
	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, id, client_id, sender_id, recipient_id, content, context_id, status, read, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET
			client_id = excluded.client_id,
			content = excluded.content,
			status = excluded.status,
			read = excluded.read,
			deleted = excluded.deleted,
			created_at = excluded.created_at`,
		conversationID, authoritative.ID, authoritative.ClientID, authoritative.SenderID,
		authoritative.RecipientID, authoritative.Content, authoritative.ContextID,
		authoritative.Status, authoritative.Read, authoritative.Deleted, authoritative.CreatedAt); err != nil {
		return fmt.Errorf("insert authoritative: %w", err)
	}

	return tx.Commit()
}

// MarkMessageFailed flips an optimistic message to failed status so the
// UI can offer a retry.
func (db *DB) MarkMessageFailed(conversationID, id string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ? WHERE conversation_id = ? AND id = ?`,
		wire.StatusFailed, conversationID, id)
	return err
}

// GetMessage returns a cached message, or nil if absent.
func (db *DB) GetMessage(conversationID, id string) (*wire.Message, error) {
	row := db.QueryRow(`
		SELECT conversation_id, id, client_id, sender_id, recipient_id, content, context_id, status, read, deleted, created_at
		FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, id)
	var m wire.Message
	err := row.Scan(&m.ConversationID, &m.ID, &m.ClientID, &m.SenderID, &m.RecipientID,
		&m.Content, &m.ContextID, &m.Status, &m.Read, &m.Deleted, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a conversation's cached messages oldest-first,
// the display order.
func (db *DB) ListMessages(conversationID string) ([]wire.Message, error) {
	rows, err := db.Query(`
		SELECT conversation_id, id, client_id, sender_id, recipient_id, content, context_id, status, read, deleted, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []wire.Message
	for rows.Next() {
		var m wire.Message
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.ClientID, &m.SenderID, &m.RecipientID,
			&m.Content, &m.ContextID, &m.Status, &m.Read, &m.Deleted, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessagesRead flags cached messages as read. An empty id list marks
// the whole conversation.
func (db *DB) MarkMessagesRead(conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		_, err := db.Exec(`
			UPDATE messages SET read = 1 WHERE conversation_id = ?`, conversationID)
		return err
	}
	for _, id := range messageIDs {
		if _, err := db.Exec(`
			UPDATE messages SET read = 1 WHERE conversation_id = ? AND id = ?`,
			conversationID, id); err != nil {
			return err
		}
	}
	return nil
}
