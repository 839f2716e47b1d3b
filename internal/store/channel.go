package store

import "time"

// UpsertChannel stores a channel slot.
func (db *DB) UpsertChannel(c *Channel) error {
	_, err := db.Exec(`
		INSERT INTO channels (device_id, idx, name, secret, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id, idx) DO UPDATE SET
			name = excluded.name,
			secret = excluded.secret,
			updated_at = excluded.updated_at`,
		c.DeviceID, c.Index, c.Name, c.Secret, time.Now().UnixMilli())
	return err
}

// ListChannels returns a device's configured channels by index.
func (db *DB) ListChannels(deviceID string) ([]Channel, error) {
	rows, err := db.Query(`SELECT device_id, idx, name, secret FROM channels WHERE device_id = ? ORDER BY idx`, deviceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.DeviceID, &c.Index, &c.Name, &c.Secret); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
