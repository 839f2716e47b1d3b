package store

import (
	"database/sql"
	"time"
)

const messageColumns = `id, device_id, conversation, direction, sender_name, body, content_hash, sender_ts,
	received_at, timestamp_corrected, path_len, snr, status, COALESCE(client_msg_id, ''), ack_code`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.DeviceID, &m.Conversation, &m.Direction, &m.SenderName, &m.Body,
		&m.ContentHash, &m.SenderTS, &m.ReceivedAt, &m.TimestampCorrected, &m.PathLen, &m.SNR,
		&m.Status, &m.ClientMsgID, &m.AckCode); err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessage stores m and sets m.ID. Outbound messages carrying a
// ClientMsgID are idempotent on it.
func (db *DB) InsertMessage(m *Message) error {
	var clientID any
	if m.ClientMsgID != "" {
		clientID = m.ClientMsgID
	}
	if m.Direction == "" {
		m.Direction = DirectionIn
	}
	if m.Status == "" {
		m.Status = StatusReceived
	}
	err := db.QueryRow(`
		INSERT INTO messages (device_id, conversation, direction, sender_name, body, content_hash, sender_ts,
			received_at, timestamp_corrected, path_len, snr, status, client_msg_id, ack_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_msg_id) DO UPDATE SET status = messages.status
		RETURNING id`,
		m.DeviceID, m.Conversation, m.Direction, m.SenderName, m.Body, m.ContentHash, m.SenderTS,
		m.ReceivedAt, m.TimestampCorrected, m.PathLen, m.SNR, m.Status, clientID, m.AckCode,
		time.Now().UnixMilli()).Scan(&m.ID)
	return err
}

// GetMessage returns a message by id, or nil.
func (db *DB) GetMessage(id int64) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// MessageByClientID returns the outbound message queued as clientMsgID, or nil.
func (db *DB) MessageByClientID(clientMsgID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE client_msg_id = ?`, clientMsgID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListMessages returns a conversation's messages using keyset pagination
// by sender timestamp, newest first.
func (db *DB) ListMessages(deviceID, conversation string, beforeTS int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTS <= 0 {
		beforeTS = time.Now().Unix() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE device_id = ? AND conversation = ? AND sender_ts < ?
		ORDER BY sender_ts DESC, id DESC
		LIMIT ?`, deviceID, conversation, beforeTS, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectMessages(rows)
}

// FindMessageByHash looks for the message a reaction points at: same
// conversation and sender, content hash starting with hashPrefix, sender
// timestamp within window of around. The closest match wins.
func (db *DB) FindMessageByHash(deviceID, conversation, sender, hashPrefix string, around time.Time, window time.Duration) (*Message, error) {
	center := around.Unix()
	span := int64(window / time.Second)
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE device_id = ? AND conversation = ? AND sender_name = ?
			AND substr(content_hash, 1, ?) = ?
			AND sender_ts BETWEEN ? AND ?
		ORDER BY ABS(sender_ts - ?) ASC
		LIMIT 1`,
		deviceID, conversation, sender, len(hashPrefix), hashPrefix, center-span, center+span, center))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// UpdateMessageStatus sets status and ack code on the message with clientMsgID.
func (db *DB) UpdateMessageStatus(clientMsgID, status string, ackCode uint32) error {
	_, err := db.Exec(`UPDATE messages SET status = ?, ack_code = CASE WHEN ? != 0 THEN ? ELSE ack_code END
		WHERE client_msg_id = ?`, status, ackCode, ackCode, clientMsgID)
	return err
}

// MarkDelivered flags the outbound message awaiting ackCode as delivered.
// It reports whether a message matched.
func (db *DB) MarkDelivered(deviceID string, ackCode uint32) (bool, error) {
	res, err := db.Exec(`UPDATE messages SET status = ? WHERE device_id = ? AND direction = ? AND ack_code = ? AND status = ?`,
		StatusDelivered, deviceID, DirectionOut, ackCode, StatusSent)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MessageCount returns the number of messages stored for a device.
func (db *DB) MessageCount(deviceID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE device_id = ?`, deviceID).Scan(&count)
	return count, err
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}
