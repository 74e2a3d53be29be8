package store

import (
	"fmt"
	"time"
)

// EnqueueAction persists a pending action at the tail of the queue.
func (db *DB) EnqueueAction(a *PendingAction) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().UnixMilli()
	}
	critical := 0
	if a.Critical {
		critical = 1
	}
	res, err := db.Exec(`
		INSERT INTO pending_actions (action_type, method, target, payload, critical, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.Type, a.Method, a.Target, a.Payload, critical, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue action: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// SnapshotAndClearActions atomically takes the current queue contents in
// FIFO order and empties the table. Actions enqueued concurrently land in
// the next snapshot, never lost.
func (db *DB) SnapshotAndClearActions() ([]PendingAction, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id, action_type, method, target, payload, critical, created_at
		FROM pending_actions ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}

	var out []PendingAction
	var maxID int64
	for rows.Next() {
		var a PendingAction
		var critical int
		if err := rows.Scan(&a.ID, &a.Type, &a.Method, &a.Target, &a.Payload, &critical, &a.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		a.Critical = critical == 1
		if a.ID > maxID {
			maxID = a.ID
		}
		out = append(out, a)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM pending_actions WHERE id <= ?`, maxID); err != nil {
		return nil, fmt.Errorf("clear queue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// CountPendingActions returns the queue depth.
func (db *DB) CountPendingActions() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(1) FROM pending_actions`).Scan(&n)
	return n, err
}
