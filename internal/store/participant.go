package store

import "database/sql"

// AdjustUnseenCount applies a signed delta to a participant's unseen
// counter inside one write transaction, clamped at zero. A missing
// conversation or participant is a silent no-op: the mirror is allowed
// to be momentarily behind remote truth.
func (db *DB) AdjustUnseenCount(conversationID, userID string, delta int) error {
	if delta == 0 {
		return nil
	}
	return db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE participants SET unseen_count = MAX(0, unseen_count + ?)
			WHERE conversation_id = ? AND user_id = ?`,
			delta, conversationID, userID)
		return err
	})
}

// UnseenCount returns a participant's unseen counter. The second return
// is false when the participant is not in the mirror.
func (db *DB) UnseenCount(conversationID, userID string) (int, bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT unseen_count FROM participants
		WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// SumUnseenCounts returns the user's total unseen count across all
// mirrored conversations.
func (db *DB) SumUnseenCounts(userID string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COALESCE(SUM(unseen_count), 0) FROM participants WHERE user_id = ?`,
		userID).Scan(&n)
	return n, err
}
