package store

import "database/sql"

// State keys persisted across restarts.
const (
	StateBypassOnline   = "connectivity.bypass"
	StateLastKnownState = "connectivity.last_known"
)

// GetState returns a persisted state value, or "" if unset.
func (db *DB) GetState(key string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetState stores a persisted state value.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
