package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or fully refreshes a conversation record,
// replacing its scalar fields, participant rows and admin rows. Used
// for conversations that are new to the mirror; use MergeConversation
// for modify events, which must not drop locally-known participants.
func (db *DB) UpsertConversation(c *Conversation) error {
	return db.WithTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, name, is_group, thumbnail_path, recent_message_id, messages_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				is_group = excluded.is_group,
				thumbnail_path = excluded.thumbnail_path,
				recent_message_id = excluded.recent_message_id,
				messages_count = excluded.messages_count,
				updated_at = excluded.updated_at`,
			c.ID, c.Name, c.IsGroup, c.ThumbnailPath, c.RecentMessageID, c.MessagesCount, now); err != nil {
			return err
		}
		for _, p := range c.Participants {
			if err := upsertParticipant(tx, c.ID, p); err != nil {
				return err
			}
		}
		if err := replaceAdmins(tx, c.ID, c.Admins); err != nil {
			return err
		}
		return nil
	})
}

// MergeConversation applies a modify-event merge: scalar fields are
// replaced wholesale, incoming participants are merged element-wise by
// user_id (mutable fields overwritten, unknown ones appended), and
// participants known locally but absent from the incoming set are left
// untouched. Removal only ever happens via an explicit removal event.
func (db *DB) MergeConversation(incoming *Conversation) error {
	return db.WithTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`
			UPDATE conversations SET
				name = ?, thumbnail_path = ?, recent_message_id = ?, messages_count = ?, updated_at = ?
			WHERE id = ?`,
			incoming.Name, incoming.ThumbnailPath, incoming.RecentMessageID, incoming.MessagesCount, now, incoming.ID); err != nil {
			return err
		}
		for _, p := range incoming.Participants {
			if err := upsertParticipant(tx, incoming.ID, p); err != nil {
				return err
			}
		}
		if err := replaceAdmins(tx, incoming.ID, incoming.Admins); err != nil {
			return err
		}
		return nil
	})
}

// GetConversation returns a conversation with its participants and
// admins loaded, or nil if it is not in the mirror.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, name, is_group, thumbnail_path, recent_message_id, messages_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.IsGroup, &c.ThumbnailPath, &c.RecentMessageID, &c.MessagesCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT conversation_id, user_id, unseen_count, is_deleted
		FROM participants WHERE conversation_id = ? ORDER BY user_id`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.UnseenCount, &p.IsDeleted); err != nil {
			return nil, err
		}
		c.Participants = append(c.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	admins, err := db.Query(`SELECT user_id FROM admins WHERE conversation_id = ? ORDER BY user_id`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = admins.Close() }()
	for admins.Next() {
		var uid string
		if err := admins.Scan(&uid); err != nil {
			return nil, err
		}
		c.Admins = append(c.Admins, uid)
	}
	return &c, admins.Err()
}

// ListConversationIDs returns conversation ids ordered by recency of
// their last update, most recent first. Seeds the presented ordering.
func (db *DB) ListConversationIDs() ([]string, error) {
	rows, err := db.Query(`SELECT id FROM conversations ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteConversation removes a conversation and, via cascade, its
// participants, admins and messages.
func (db *DB) DeleteConversation(id string) error {
	_, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}

func upsertParticipant(tx *sql.Tx, conversationID string, p Participant) error {
	_, err := tx.Exec(`
		INSERT INTO participants (conversation_id, user_id, unseen_count, is_deleted)
		VALUES (?, ?, MAX(0, ?), ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			unseen_count = MAX(0, excluded.unseen_count),
			is_deleted = excluded.is_deleted`,
		conversationID, p.UserID, p.UnseenCount, p.IsDeleted)
	return err
}

func replaceAdmins(tx *sql.Tx, conversationID string, admins []string) error {
	if _, err := tx.Exec(`DELETE FROM admins WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	for _, uid := range admins {
		if _, err := tx.Exec(`
			INSERT INTO admins (conversation_id, user_id) VALUES (?, ?)
			ON CONFLICT(conversation_id, user_id) DO NOTHING`,
			conversationID, uid); err != nil {
			return err
		}
	}
	return nil
}
