// Package seen marks locally mirrored messages as seen by the
// authenticated user and issues the best-effort remote seen push.
package seen

import (
	"context"
	"database/sql"

	"github.com/pripandrei/ChatUpp-sub002/internal/remote"
	"github.com/pripandrei/ChatUpp-sub002/internal/store"
	"go.uber.org/zap"
)

// Reconciler computes and applies seen-status transitions against the
// local mirror.
type Reconciler struct {
	db     *store.DB
	remote remote.Store
	logger *zap.Logger
}

// NewReconciler creates a new seen-status reconciler.
func NewReconciler(db *store.DB, r remote.Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, remote: r, logger: logger}
}

// MarkSeenLocally marks every message in the conversation sent by
// others up to asOf as seen by authUserID, in one write transaction,
// and returns the number of messages that changed state.
//
// Candidates are scanned newest first and the scan stops at the first
// message already seen by the user: seen status is monotonic forward in
// time, so nothing sent earlier needs inspection in this pass.
func (r *Reconciler) MarkSeenLocally(conversationID, authUserID string, isGroup bool, asOf int64) (int, error) {
	count := 0
	err := r.db.WithTx(func(tx *sql.Tx) error {
		var rows *sql.Rows
		var err error
		if isGroup {
			rows, err = tx.Query(`
				SELECT m.message_id, (sb.user_id IS NOT NULL)
				FROM messages m
				LEFT JOIN message_seen_by sb
					ON sb.conversation_id = m.conversation_id
					AND sb.message_id = m.message_id
					AND sb.user_id = ?
				WHERE m.conversation_id = ? AND m.sender_id != ? AND m.timestamp <= ?
				ORDER BY m.timestamp DESC`,
				authUserID, conversationID, authUserID, asOf)
		} else {
			rows, err = tx.Query(`
				SELECT message_id, seen
				FROM messages
				WHERE conversation_id = ? AND sender_id != ? AND timestamp <= ?
				ORDER BY timestamp DESC`,
				conversationID, authUserID, asOf)
		}
		if err != nil {
			return err
		}

		var unseen []string
		for rows.Next() {
			var id string
			var alreadySeen bool
			if err := rows.Scan(&id, &alreadySeen); err != nil {
				_ = rows.Close()
				return err
			}
			if alreadySeen {
				break
			}
			unseen = append(unseen, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, id := range unseen {
			if isGroup {
				if _, err := tx.Exec(`
					INSERT INTO message_seen_by (conversation_id, message_id, user_id)
					VALUES (?, ?, ?)
					ON CONFLICT(conversation_id, message_id, user_id) DO NOTHING`,
					conversationID, id, authUserID); err != nil {
					return err
				}
			} else {
				if _, err := tx.Exec(`
					UPDATE messages SET seen = 1
					WHERE conversation_id = ? AND message_id = ?`,
					conversationID, id); err != nil {
					return err
				}
			}
		}
		count = len(unseen)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RequestRemoteSeenUpdate pushes a seen-status range update to the
// remote store, fire-and-forget. A non-positive limit is a no-op.
// Failures are logged, not retried: remote truth is re-derived on the
// next listener event.
func (r *Reconciler) RequestRemoteSeenUpdate(ctx context.Context, startingFromMessageID, conversationID, seenByUser string, limit int) {
	if limit <= 0 {
		return
	}
	go func() {
		if err := r.remote.UpdateSeenStatus(ctx, startingFromMessageID, seenByUser, conversationID, limit); err != nil {
			r.logger.Warn("remote seen update failed",
				zap.String("conversation_id", conversationID),
				zap.String("starting_from", startingFromMessageID),
				zap.Error(err))
		}
	}()
}
