package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PairKey builds the canonical key for a participant pair, independent of
// who initiated the conversation.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// FindConversation returns the conversation for a participant pair and
// context, or nil if none exists.
func (db *DB) FindConversation(userA, userB, contextID string) (*Conversation, error) {
	return db.scanConversation(db.QueryRow(`
		SELECT id, pair_key, context_id, last_message, last_message_at, created_at, updated_at
		FROM conversations WHERE pair_key = ? AND context_id = ?`,
		PairKey(userA, userB), contextID))
}

// GetConversation returns a conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	return db.scanConversation(db.QueryRow(`
		SELECT id, pair_key, context_id, last_message, last_message_at, created_at, updated_at
		FROM conversations WHERE id = ?`, id))
}

func (db *DB) scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.PairKey, &c.ContextID, &c.LastMessage, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindOrCreateConversation returns the conversation for (a, b, context),
// creating it atomically if none exists. The unique index on
// (pair_key, context_id) makes concurrent callers converge on one row.
func (db *DB) FindOrCreateConversation(a, b Participant, contextID string) (*Conversation, error) {
	now := time.Now().UnixMilli()
	pair := PairKey(a.UserID, b.UserID)

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO conversations (id, pair_key, context_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pair_key, context_id) DO NOTHING`,
		uuid.New().String(), pair, contextID, now, now); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	var c Conversation
	if err := tx.QueryRow(`
		SELECT id, pair_key, context_id, last_message, last_message_at, created_at, updated_at
		FROM conversations WHERE pair_key = ? AND context_id = ?`, pair, contextID).
		Scan(&c.ID, &c.PairKey, &c.ContextID, &c.LastMessage, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("select conversation: %w", err)
	}

	for _, p := range []Participant{a, b} {
		if _, err := tx.Exec(`
			INSERT INTO participants (conversation_id, user_id, email, display_name)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(conversation_id, user_id) DO UPDATE SET
				email = CASE WHEN excluded.email <> '' THEN excluded.email ELSE participants.email END,
				display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE participants.display_name END`,
			c.ID, p.UserID, p.Email, p.DisplayName); err != nil {
			return nil, fmt.Errorf("upsert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &c, nil
}

// Participants returns the membership rows for a conversation.
func (db *DB) Participants(conversationID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT conversation_id, user_id, email, display_name, last_read_at
		FROM participants WHERE conversation_id = ? ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Email, &p.DisplayName, &p.LastReadAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// IsParticipant reports whether the user belongs to the conversation,
// matching by id or by email for accounts migrated between identities.
func (db *DB) IsParticipant(conversationID, userID, email string) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(1) FROM participants
		WHERE conversation_id = ? AND (user_id = ? OR (email <> '' AND email = ?))`,
		conversationID, userID, email).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListConversationsForUser returns the user's conversations ordered by
// most recent activity, with unread counts computed from the per-user
// read marker.
func (db *DB) ListConversationsForUser(userID string) ([]ConversationSummary, error) {
	rows, err := db.Query(`
		SELECT c.id, c.pair_key, c.context_id, c.last_message, c.last_message_at,
			c.created_at, c.updated_at, p.last_read_at,
			(SELECT COUNT(1) FROM messages m
				WHERE m.conversation_id = c.id AND m.sender_id <> p.user_id
				AND m.deleted = 0 AND m.created_at > p.last_read_at) AS unread
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.last_message_at DESC, c.updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ConversationSummary
	for rows.Next() {
		var s ConversationSummary
		if err := rows.Scan(&s.ID, &s.PairKey, &s.ContextID, &s.LastMessage, &s.LastMessageAt,
			&s.CreatedAt, &s.UpdatedAt, &s.LastReadAt, &s.UnreadCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		ps, err := db.Participants(out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Participants = ps
	}
	return out, nil
}

// OtherParticipant returns the counterpart of userID in a two-party
// conversation, derived from the pair key.
func (c *Conversation) OtherParticipant(userID string) string {
	parts := strings.SplitN(c.PairKey, "|", 2)
	if len(parts) != 2 {
		return ""
	}
	if parts[0] == userID {
		return parts[1]
	}
	return parts[0]
}

// SetLastRead advances a participant's read marker. The marker only moves
// forward.
func (db *DB) SetLastRead(conversationID, userID string, ts int64) error {
	_, err := db.Exec(`
		UPDATE participants SET last_read_at = MAX(last_read_at, ?)
		WHERE conversation_id = ? AND user_id = ?`, ts, conversationID, userID)
	return err
}
