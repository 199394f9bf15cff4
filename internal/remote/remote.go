// Package remote defines the remote chat-store collaborator consumed by
// the reconciliation core, and its Firestore implementation.
package remote

import (
	"context"
	"fmt"

	"github.com/pripandrei/ChatUpp-sub002/internal/store"
)

// ChangeKind classifies a remote conversation change event.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// ChangeEvent is one entry of the remote conversation change stream.
// Err is set instead of Conversation when the remote payload could not
// be decoded; the consumer decides whether to skip the record or abort.
type ChangeEvent struct {
	Kind         ChangeKind
	Conversation *store.Conversation
	Err          error
}

// DecodeError reports a malformed remote payload. It is distinct from
// transport failures so callers can branch on it.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode remote document %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Store is the remote chat persistence collaborator. All operations may
// suspend the calling goroutine; none touch the local mirror.
type Store interface {
	// Subscribe attaches a listener for conversations containing the
	// given participant and streams change events in delivery order.
	// The channel closes when ctx is cancelled or the stream fails.
	Subscribe(ctx context.Context, userID string) (<-chan ChangeEvent, error)

	// UpdateUnseenCount atomically adjusts the unseen counter of the
	// given participants by counter, incrementing or decrementing.
	UpdateUnseenCount(ctx context.Context, forUserIDs []string, conversationID string, counter int, shouldIncrement bool) error

	// UpdateSeenStatus marks up to limit messages, starting from the
	// given message and going backwards in time, as seen. seenByUser is
	// empty for direct chats (plain seen flag) and the viewing user's
	// id for group chats (seen-by set).
	UpdateSeenStatus(ctx context.Context, startingFromMessageID, seenByUser, conversationID string, limit int) error

	// FetchMessageRange returns up to limit messages strictly beyond
	// the boundary message in the requested direction.
	FetchMessageRange(ctx context.Context, conversationID, boundaryMessageID string, ascending bool, limit int) ([]store.Message, error)

	// ListenForMessages attaches a live listener for messages adjacent
	// to the boundary in the given direction and invokes fn with each
	// batch of added or modified messages. Returns a detach function.
	ListenForMessages(ctx context.Context, conversationID, boundaryMessageID string, ascending bool, limit int, fn func([]store.Message)) (func(), error)
}
