package store

// InsertReaction stores r unless the same sender already reacted to the
// message with the same emoji. It reports whether a row was added.
func (db *DB) InsertReaction(r *Reaction) (bool, error) {
	res, err := db.Exec(`
		INSERT INTO reactions (message_id, sender, emoji, raw_text, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id, sender, emoji) DO NOTHING`,
		r.MessageID, r.Sender, r.Emoji, r.RawText, r.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		r.ID, _ = res.LastInsertId()
	}
	return n > 0, nil
}

// ReactionExists reports whether sender already reacted to messageID with emoji.
func (db *DB) ReactionExists(messageID int64, sender, emoji string) (bool, error) {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM reactions WHERE message_id = ? AND sender = ? AND emoji = ?)`,
		messageID, sender, emoji).Scan(&exists)
	return exists, err
}

// ListReactions returns the reactions on a message in arrival order.
func (db *DB) ListReactions(messageID int64) ([]Reaction, error) {
	rows, err := db.Query(`
		SELECT id, message_id, sender, emoji, raw_text, received_at
		FROM reactions WHERE message_id = ? ORDER BY received_at, id`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Sender, &r.Emoji, &r.RawText, &r.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
