package store

import (
	"database/sql"
	"fmt"
	"time"
)

// QueueOutbox adds a text to the send outbox together with its optimistic
// outbound message row.
func (db *DB) QueueOutbox(e *OutboxEntry, senderName, contentHash string) error {
	now := time.Now()
	err := db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO outbox (client_msg_id, device_id, conversation, body, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
			e.ClientMsgID, e.DeviceID, e.Conversation, e.Body, now.UnixMilli(), now.UnixMilli()); err != nil {
			return fmt.Errorf("queue outbox: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (device_id, conversation, direction, sender_name, body, content_hash,
				sender_ts, received_at, status, client_msg_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.DeviceID, e.Conversation, DirectionOut, senderName, e.Body, contentHash,
			now.Unix(), now.UnixMilli(), StatusQueued, e.ClientMsgID, now.UnixMilli()); err != nil {
			return fmt.Errorf("optimistic message: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.Status = "queued"
	e.CreatedAt = now.UnixMilli()
	return nil
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`,
		time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxSent records the radio's acceptance of an entry.
func (db *DB) MarkOutboxSent(clientMsgID string, ackCode uint32) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', ack_code = ?, updated_at = ? WHERE client_msg_id = ?`,
		ackCode, time.Now().UnixMilli(), clientMsgID)
	if err != nil {
		return err
	}
	return db.UpdateMessageStatus(clientMsgID, StatusSent, ackCode)
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		errMsg, time.Now().UnixMilli(), clientMsgID)
	if err != nil {
		return err
	}
	return db.UpdateMessageStatus(clientMsgID, StatusFailed, 0)
}

// RequeueSending puts entries stranded in 'sending' back to 'queued'. Used
// at startup and after a link drop interrupts a send.
func (db *DB) RequeueSending(deviceID string) (int64, error) {
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE device_id = ? AND status = 'sending'`,
		time.Now().UnixMilli(), deviceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingOutbox returns a device's queued entries, oldest first.
func (db *DB) PendingOutbox(deviceID string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, device_id, conversation, body, status, error_message, ack_code, created_at
		FROM outbox WHERE device_id = ? AND status = 'queued' ORDER BY created_at ASC, id ASC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.DeviceID, &e.Conversation, &e.Body, &e.Status,
			&e.ErrorMessage, &e.AckCode, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
