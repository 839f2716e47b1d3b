package store

import (
	"database/sql"
	"strconv"
	"time"
)

const keyUserDisconnected = "intent.user_disconnected"

// GetState reads a sync_state value. ok is false when the key is unset.
func (db *DB) GetState(key string) (value string, ok bool, err error) {
	err = db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetState writes a sync_state value.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// DeleteState removes a sync_state key.
func (db *DB) DeleteState(key string) error {
	_, err := db.Exec(`DELETE FROM sync_state WHERE key = ?`, key)
	return err
}

func contactsWatermarkKey(deviceID string) string { return "contacts.lastmod." + deviceID }

// ContactsWatermark returns the contacts lastmod watermark for a device.
// ok is false when no sync has completed yet.
func (db *DB) ContactsWatermark(deviceID string) (uint32, bool, error) {
	v, ok, err := db.GetState(contactsWatermarkKey(deviceID))
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false, nil
	}
	return uint32(n), true, nil
}

// SetContactsWatermark advances the contacts watermark for a device.
func (db *DB) SetContactsWatermark(deviceID string, lastmod uint32) error {
	return db.SetState(contactsWatermarkKey(deviceID), strconv.FormatUint(uint64(lastmod), 10))
}

// UserDisconnected reports the persisted user-disconnect flag.
func (db *DB) UserDisconnected() (bool, error) {
	v, ok, err := db.GetState(keyUserDisconnected)
	if err != nil || !ok {
		return false, err
	}
	return v == "1", nil
}

// SetUserDisconnected persists or clears the user-disconnect flag.
func (db *DB) SetUserDisconnected(on bool) error {
	if !on {
		return db.DeleteState(keyUserDisconnected)
	}
	return db.SetState(keyUserDisconnected, "1")
}
