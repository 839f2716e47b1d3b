package store

import (
	"database/sql"
	"time"
)

// UpsertDevice inserts or updates a device record. Empty descriptive fields
// keep their stored values.
func (db *DB) UpsertDevice(d *Device) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO devices (id, transport, address, name, public_key, firmware_version, model, version,
			max_contacts, max_channels, last_connected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			transport = excluded.transport,
			address = CASE WHEN excluded.address != '' THEN excluded.address ELSE devices.address END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE devices.name END,
			public_key = CASE WHEN excluded.public_key != '' THEN excluded.public_key ELSE devices.public_key END,
			firmware_version = CASE WHEN excluded.firmware_version != 0 THEN excluded.firmware_version ELSE devices.firmware_version END,
			model = CASE WHEN excluded.model != '' THEN excluded.model ELSE devices.model END,
			version = CASE WHEN excluded.version != '' THEN excluded.version ELSE devices.version END,
			max_contacts = CASE WHEN excluded.max_contacts != 0 THEN excluded.max_contacts ELSE devices.max_contacts END,
			max_channels = CASE WHEN excluded.max_channels != 0 THEN excluded.max_channels ELSE devices.max_channels END,
			last_connected_at = MAX(excluded.last_connected_at, devices.last_connected_at),
			updated_at = excluded.updated_at`,
		d.ID, d.Transport, d.Address, d.Name, d.PublicKey, d.FirmwareVersion, d.Model, d.Version,
		d.MaxContacts, d.MaxChannels, d.LastConnectedAt, now)
	return err
}

const deviceColumns = `id, transport, address, name, public_key, firmware_version, model, version,
	max_contacts, max_channels, last_connected_at`

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.Transport, &d.Address, &d.Name, &d.PublicKey, &d.FirmwareVersion,
		&d.Model, &d.Version, &d.MaxContacts, &d.MaxChannels, &d.LastConnectedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDevice returns a device by id, or nil when unknown.
func (db *DB) GetDevice(id string) (*Device, error) {
	d, err := scanDevice(db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ListDevices returns known devices, most recently connected first.
func (db *DB) ListDevices() ([]Device, error) {
	rows, err := db.Query(`SELECT ` + deviceColumns + ` FROM devices ORDER BY last_connected_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
