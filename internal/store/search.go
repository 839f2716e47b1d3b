package store

// SearchMessages performs a full-text search on message bodies, optionally
// limited to one conversation.
func (db *DB) SearchMessages(query, deviceID, conversation string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.device_id, m.conversation, m.direction, m.sender_name, m.body, m.content_hash,
		       m.sender_ts, m.received_at, m.timestamp_corrected, m.path_len, m.snr, m.status,
		       COALESCE(m.client_msg_id, ''), m.ack_code,
		       snippet(messages_fts, '<<', '>>', '...', -1, 16)
		FROM messages_fts f
		JOIN messages m ON m.id = f.docid
		WHERE messages_fts MATCH ? AND m.device_id = ?`

	args := []any{query, deviceID}
	if conversation != "" {
		q += " AND m.conversation = ?"
		args = append(args, conversation)
	}
	q += " ORDER BY m.sender_ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		m := &r.Message
		if err := rows.Scan(
			&m.ID, &m.DeviceID, &m.Conversation, &m.Direction, &m.SenderName, &m.Body, &m.ContentHash,
			&m.SenderTS, &m.ReceivedAt, &m.TimestampCorrected, &m.PathLen, &m.SNR, &m.Status,
			&m.ClientMsgID, &m.AckCode, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
