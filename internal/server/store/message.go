package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roamly/roamchat/internal/wire"
)

// InsertMessage persists a message and updates the conversation's
// denormalized last-message fields in one transaction. The insert lands
// on the (conversation, client id) unique index with DO NOTHING, so when
// the other half of a dual-path send committed first the existing row is
// returned unchanged instead of surfacing a constraint error.
func (db *DB) InsertMessage(m *Message) (*Message, error) {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO messages (id, client_id, conversation_id, sender_id, recipient_id, content, context_id, read, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT(conversation_id, client_id) WHERE client_id <> '' DO NOTHING`,
		m.ID, m.ClientID, m.ConversationID, m.SenderID, m.RecipientID, m.Content, m.ContextID, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if inserted == 0 {
		return db.FindMessageByClientID(m.ConversationID, m.ClientID)
	}

	if _, err := tx.Exec(`
		UPDATE conversations SET last_message = ?, last_message_at = ?, updated_at = ?
		WHERE id = ?`, m.Content, m.CreatedAt, now, m.ConversationID); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// GetMessage returns a message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	return db.scanMessage(db.QueryRow(`
		SELECT id, client_id, conversation_id, sender_id, recipient_id, content, context_id, read, deleted, created_at
		FROM messages WHERE id = ?`, id))
}

// FindMessageByClientID returns the message carrying the given client
// correlation id within a conversation, or nil.
func (db *DB) FindMessageByClientID(conversationID, clientID string) (*Message, error) {
	return db.scanMessage(db.QueryRow(`
		SELECT id, client_id, conversation_id, sender_id, recipient_id, content, context_id, read, deleted, created_at
		FROM messages WHERE conversation_id = ? AND client_id = ?`, conversationID, clientID))
}

func (db *DB) scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ClientID, &m.ConversationID, &m.SenderID, &m.RecipientID,
		&m.Content, &m.ContextID, &m.Read, &m.Deleted, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a page of messages newest-first. Page numbering
// starts at 1.
func (db *DB) ListMessages(conversationID string, page, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	rows, err := db.Query(`
		SELECT id, client_id, conversation_id, sender_id, recipient_id, content, context_id, read, deleted, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ClientID, &m.ConversationID, &m.SenderID, &m.RecipientID,
			&m.Content, &m.ContextID, &m.Read, &m.Deleted, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkMessagesRead flags unread messages addressed to userID as read and
// advances the user's read marker when anything changed. Returns the
// number of newly-read messages; zero is a valid repeat-call outcome.
func (db *DB) MarkMessagesRead(conversationID, userID string, messageIDs []string) (int, error) {
	query := `UPDATE messages SET read = 1
		WHERE conversation_id = ? AND recipient_id = ? AND read = 0 AND deleted = 0`
	args := []any{conversationID, userID}
	if len(messageIDs) > 0 {
		query += ` AND id IN (?` + strings.Repeat(",?", len(messageIDs)-1) + `)`
		for _, id := range messageIDs {
			args = append(args, id)
		}
	}

	res, err := db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := db.SetLastRead(conversationID, userID, time.Now().UnixMilli()); err != nil {
			return int(n), err
		}
	}
	return int(n), nil
}

// SoftDeleteMessage marks a message deleted and recomputes the
// conversation's denormalized last message from the latest surviving one.
func (db *DB) SoftDeleteMessage(messageID string) error {
	msg, err := db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return sql.ErrNoRows
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE messages SET deleted = 1 WHERE id = ?`, messageID); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}

	var lastContent string
	var lastAt int64
	err = tx.QueryRow(`
		SELECT content, created_at FROM messages
		WHERE conversation_id = ? AND deleted = 0
		ORDER BY created_at DESC, id DESC LIMIT 1`, msg.ConversationID).
		Scan(&lastContent, &lastAt)
	if err == sql.ErrNoRows {
		lastContent = wire.DeletedPlaceholder
		lastAt = msg.CreatedAt
	} else if err != nil {
		return fmt.Errorf("latest message: %w", err)
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		UPDATE conversations SET last_message = ?, last_message_at = ?, updated_at = ?
		WHERE id = ?`, lastContent, lastAt, now, msg.ConversationID); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	return tx.Commit()
}
