package store

import (
	"database/sql"
	"strings"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + message_id). Group seen-by entries are additive;
// a re-upsert never un-sees a message.
func (db *DB) UpsertMessage(m *Message) error {
	return db.WithTx(func(tx *sql.Tx) error {
		return upsertMessage(tx, m)
	})
}

// UpsertMessages stores a batch of messages in a single transaction.
// Used by the pagination coordinator to merge a fetched page into the
// mirror atomically.
func (db *DB) UpsertMessages(msgs []Message) error {
	return db.WithTx(func(tx *sql.Tx) error {
		for i := range msgs {
			if err := upsertMessage(tx, &msgs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertMessage(tx *sql.Tx, m *Message) error {
	now := time.Now().UnixMilli()
	directSeen := !m.Seen.IsGroup() && m.Seen.SeenByUser("")
	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, message_id, sender_id, body, message_type, timestamp, seen, is_edited, image_path, replied_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO UPDATE SET
			body = excluded.body,
			message_type = excluded.message_type,
			seen = MAX(messages.seen, excluded.seen),
			is_edited = excluded.is_edited,
			image_path = excluded.image_path,
			replied_to_id = excluded.replied_to_id`,
		m.ConversationID, m.MessageID, m.SenderID, m.Body, m.Type, m.Timestamp,
		directSeen, m.IsEdited, m.ImagePath, m.RepliedToID, now); err != nil {
		return err
	}
	for _, uid := range m.Seen.SeenBy() {
		if _, err := tx.Exec(`
			INSERT INTO message_seen_by (conversation_id, message_id, user_id)
			VALUES (?, ?, ?)
			ON CONFLICT(conversation_id, message_id, user_id) DO NOTHING`,
			m.ConversationID, m.MessageID, uid); err != nil {
			return err
		}
	}
	return nil
}

// Page returns a keyset page of messages strictly beyond boundaryTs in
// the requested direction. ascending=false pages older messages
// (newest first), ascending=true pages newer messages (oldest first).
// A non-positive boundary means "from the corresponding end".
func (db *DB) Page(conversationID string, boundaryTs int64, ascending bool, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	cmp, order := "<", "DESC"
	if ascending {
		cmp, order = ">", "ASC"
		if boundaryTs < 0 {
			boundaryTs = 0
		}
	} else if boundaryTs <= 0 {
		boundaryTs = time.Now().UnixMilli() + 1
	}

	rows, err := db.Query(`
		SELECT m.conversation_id, m.message_id, m.sender_id, m.body, m.message_type,
			m.timestamp, m.seen, m.is_edited, m.image_path, m.replied_to_id, c.is_group,
			(SELECT GROUP_CONCAT(sb.user_id) FROM message_seen_by sb
				WHERE sb.conversation_id = m.conversation_id AND sb.message_id = m.message_id)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = ? AND m.timestamp `+cmp+` ?
		ORDER BY m.timestamp `+order+`
		LIMIT ?`, conversationID, boundaryTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

// ResolveMessage resolves a weak message reference (recent message,
// replied-to message) by id. Returns nil when the referenced message is
// not mirrored; resolution failure is "unknown", never an error.
func (db *DB) ResolveMessage(conversationID, messageID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT m.conversation_id, m.message_id, m.sender_id, m.body, m.message_type,
			m.timestamp, m.seen, m.is_edited, m.image_path, m.replied_to_id, c.is_group,
			(SELECT GROUP_CONCAT(sb.user_id) FROM message_seen_by sb
				WHERE sb.conversation_id = m.conversation_id AND sb.message_id = m.message_id)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = ? AND m.message_id = ?`, conversationID, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// AddReaction records one user's emoji reaction to a message.
func (db *DB) AddReaction(conversationID, messageID, emoji, userID string) error {
	return db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO message_reactions (conversation_id, message_id, emoji, user_id)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(conversation_id, message_id, emoji, user_id) DO NOTHING`,
			conversationID, messageID, emoji, userID)
		return err
	})
}

// Reactions returns the emoji -> user-id sets for a message.
func (db *DB) Reactions(conversationID, messageID string) (map[string][]string, error) {
	rows, err := db.Query(`
		SELECT emoji, user_id FROM message_reactions
		WHERE conversation_id = ? AND message_id = ?
		ORDER BY emoji, user_id`, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	reactions := make(map[string][]string)
	for rows.Next() {
		var emoji, uid string
		if err := rows.Scan(&emoji, &uid); err != nil {
			return nil, err
		}
		reactions[emoji] = append(reactions[emoji], uid)
	}
	return reactions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m       Message
		seen    bool
		isGroup bool
		seenBy  sql.NullString
	)
	if err := row.Scan(&m.ConversationID, &m.MessageID, &m.SenderID, &m.Body, &m.Type,
		&m.Timestamp, &seen, &m.IsEdited, &m.ImagePath, &m.RepliedToID, &isGroup, &seenBy); err != nil {
		return nil, err
	}
	if isGroup {
		var ids []string
		if seenBy.Valid && seenBy.String != "" {
			ids = strings.Split(seenBy.String, ",")
		}
		m.Seen = GroupSeenBy(ids...)
	} else {
		m.Seen = DirectSeen(seen)
	}
	return &m, nil
}
