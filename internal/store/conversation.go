package store

// ListConversations summarizes a device's threads, most recent first.
// Names resolve from the contact or channel table, falling back to the id.
func (db *DB) ListConversations(deviceID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		WITH latest AS (
			SELECT conversation, COUNT(*) AS n, MAX(id) AS last_id
			FROM messages WHERE device_id = ?
			GROUP BY conversation
		)
		SELECT l.conversation,
			COALESCE(NULLIF(ct.name, ''), NULLIF(ch.name, ''), l.conversation) AS display_name,
			l.n, m.sender_ts, m.body
		FROM latest l
		JOIN messages m ON m.id = l.last_id
		LEFT JOIN contacts ct ON ct.device_id = m.device_id AND 'contact:' || ct.prefix = l.conversation
		LEFT JOIN channels ch ON ch.device_id = m.device_id AND 'channel:' || ch.idx = l.conversation
		ORDER BY m.sender_ts DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.MessageCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
