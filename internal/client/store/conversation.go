package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertConversation inserts or refreshes a cached conversation row.
func (db *DB) UpsertConversation(c *Conversation) error {
	if c.UpdatedAt == 0 {
		c.UpdatedAt = time.Now().UnixMilli()
	}
	local := 0
	if c.Local {
		local = 1
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, local, counterpart_id, context_id, last_message, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			counterpart_id = CASE WHEN excluded.counterpart_id <> '' THEN excluded.counterpart_id ELSE conversations.counterpart_id END,
			context_id = CASE WHEN excluded.context_id <> '' THEN excluded.context_id ELSE conversations.context_id END,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at`,
		c.ID, local, c.CounterpartID, c.ContextID, c.LastMessage, c.LastMessageAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// GetConversation returns a cached conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	return db.scanConversation(db.QueryRow(`
		SELECT id, local, counterpart_id, context_id, last_message, last_message_at, updated_at
		FROM conversations WHERE id = ?`, id))
}

// FindLocalConversation returns the local placeholder for a counterpart
// and context, or nil. At most one placeholder exists per pair.
func (db *DB) FindLocalConversation(counterpartID, contextID string) (*Conversation, error) {
	return db.scanConversation(db.QueryRow(`
		SELECT id, local, counterpart_id, context_id, last_message, last_message_at, updated_at
		FROM conversations
		WHERE local = 1 AND counterpart_id = ? AND context_id = ?
		ORDER BY updated_at DESC LIMIT 1`, counterpartID, contextID))
}

func (db *DB) scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var local int
	err := row.Scan(&c.ID, &local, &c.CounterpartID, &c.ContextID, &c.LastMessage, &c.LastMessageAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Local = local == 1
	return &c, nil
}

// ListConversations returns the cached conversations ordered by recency.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, local, counterpart_id, context_id, last_message, last_message_at, updated_at
		FROM conversations ORDER BY last_message_at DESC, updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var local int
		if err := rows.Scan(&c.ID, &local, &c.CounterpartID, &c.ContextID, &c.LastMessage, &c.LastMessageAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Local = local == 1
		out = append(out, c)
	}
	return out, rows.Err()
}

// PromoteConversation replaces a local placeholder with its durable
// counterpart: messages are moved over and the placeholder row removed.
// Safe to call when the placeholder no longer exists.
func (db *DB) PromoteConversation(localID string, durable *Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, local, counterpart_id, context_id, last_message, last_message_at, updated_at)
		VALUES (?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			counterpart_id = excluded.counterpart_id,
			context_id = excluded.context_id,
			updated_at = excluded.updated_at`,
		durable.ID, durable.CounterpartID, durable.ContextID, durable.LastMessage, durable.LastMessageAt, now); err != nil {
		return fmt.Errorf("insert durable conversation: %w", err)
	}

	// OR IGNORE: a message may already exist under the durable id if the
	// server echoed it back before promotion ran.
	if _, err := tx.Exec(`
		UPDATE OR IGNORE messages SET conversation_id = ? WHERE conversation_id = ?`,
		durable.ID, localID); err != nil {
		return fmt.Errorf("move messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, localID); err != nil {
		return fmt.Errorf("drop leftover messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ? AND local = 1`, localID); err != nil {
		return fmt.Errorf("drop placeholder: %w", err)
	}

	return tx.Commit()
}
