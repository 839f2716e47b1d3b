package store

import (
	"database/sql"
	"fmt"
	"time"
)

const upsertContactSQL = `
	INSERT INTO contacts (device_id, public_key, prefix, name, type, flags, path_len,
		last_advert, last_modified, lat, lon, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(device_id, public_key) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
		type = excluded.type,
		flags = excluded.flags,
		path_len = excluded.path_len,
		last_advert = excluded.last_advert,
		last_modified = excluded.last_modified,
		lat = excluded.lat,
		lon = excluded.lon,
		updated_at = excluded.updated_at`

// BulkUpsertContacts inserts or updates contacts in a single transaction.
func (db *DB) BulkUpsertContacts(contacts []Contact) error {
	now := time.Now().UnixMilli()
	return db.withTx(func(tx *sql.Tx) error {
		for _, c := range contacts {
			if _, err := tx.Exec(upsertContactSQL,
				c.DeviceID, c.PublicKey, c.Prefix, c.Name, c.Type, c.Flags, c.PathLen,
				c.LastAdvert, c.LastModified, c.Lat, c.Lon, now); err != nil {
				return fmt.Errorf("upsert contact %q: %w", c.PublicKey, err)
			}
		}
		return nil
	})
}

const contactColumns = `device_id, public_key, prefix, name, type, flags, path_len, last_advert, last_modified, lat, lon`

func scanContact(row interface{ Scan(...any) error }) (*Contact, error) {
	var c Contact
	if err := row.Scan(&c.DeviceID, &c.PublicKey, &c.Prefix, &c.Name, &c.Type, &c.Flags, &c.PathLen,
		&c.LastAdvert, &c.LastModified, &c.Lat, &c.Lon); err != nil {
		return nil, err
	}
	return &c, nil
}

// ContactByPrefix returns the contact whose key starts with prefix, or nil.
func (db *DB) ContactByPrefix(deviceID, prefix string) (*Contact, error) {
	c, err := scanContact(db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE device_id = ? AND prefix = ?`,
		deviceID, prefix))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListContacts returns a device's contacts ordered by name.
func (db *DB) ListContacts(deviceID string) ([]Contact, error) {
	rows, err := db.Query(`SELECT `+contactColumns+` FROM contacts WHERE device_id = ? ORDER BY name COLLATE NOCASE`, deviceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ContactCount returns the number of contacts stored for a device.
func (db *DB) ContactCount(deviceID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM contacts WHERE device_id = ?`, deviceID).Scan(&count)
	return count, err
}
