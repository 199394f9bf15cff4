// Package mirror keeps the local conversation mirror consistent with
// the remote chat collection and classifies each change for the UI.
package mirror

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pripandrei/ChatUpp-sub002/internal/bus"
	"github.com/pripandrei/ChatUpp-sub002/internal/remote"
	"github.com/pripandrei/ChatUpp-sub002/internal/status"
	"github.com/pripandrei/ChatUpp-sub002/internal/store"
	"go.uber.org/zap"
)

// OpKind classifies a mirrored change for presentation.
type OpKind int

const (
	OpAdded OpKind = iota
	OpUpdated
	OpRemoved
)

// Op is the classified result of one mirrored change. Position is the
// index in the presented ordering: the insertion index for added
// conversations, the pre-move index for updated ones, and the index the
// conversation was removed from.
type Op struct {
	Kind           OpKind
	ConversationID string
	Position       int
}

const lastEventCheckpoint = "mirror.last_event_at"

// Synchronizer subscribes to the remote conversation stream scoped to
// the authenticated user and reconciles each event into the local
// mirror, in delivery order.
type Synchronizer struct {
	db         *store.DB
	remote     remote.Store
	bus        *bus.Bus
	machine    *status.Machine
	logger     *zap.Logger
	authUserID string
	cancel     context.CancelFunc

	mu          sync.Mutex
	order       []string // presented ordering, most recently active first
	totalUnseen int
}

// NewSynchronizer creates a new chat mirror synchronizer.
func NewSynchronizer(db *store.DB, r remote.Store, b *bus.Bus, machine *status.Machine, authUserID string, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		db:         db,
		remote:     r,
		bus:        b,
		machine:    machine,
		logger:     logger,
		authUserID: authUserID,
	}
}

// Start seeds the presented ordering from the mirror, attaches the
// remote listener and processes events until the context is cancelled
// or the stream closes.
func (s *Synchronizer) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	ids, err := s.db.ListConversationIDs()
	if err != nil {
		return err
	}
	total, err := s.db.SumUnseenCounts(s.authUserID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.order = ids
	s.totalUnseen = total
	s.mu.Unlock()

	ch, err := s.remote.Subscribe(ctx, s.authUserID)
	if err != nil {
		return err
	}
	if s.machine != nil {
		_ = s.machine.Transition(status.Syncing)
	}

	go func() {
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					if ctx.Err() == nil && s.machine != nil {
						_ = s.machine.Transition(status.Reconnecting)
					}
					return
				}
				s.handleEvent(evt)
				if s.machine != nil && s.machine.Current() == status.Syncing {
					_ = s.machine.Transition(status.Ready)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop detaches the remote listener.
func (s *Synchronizer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// TotalUnseen returns the process-wide total unseen count for the
// authenticated user.
func (s *Synchronizer) TotalUnseen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalUnseen
}

// CreateLocalConversation records a conversation the user initiated
// locally. It is presented identically to a remote added event.
func (s *Synchronizer) CreateLocalConversation(name string, isGroup bool, participantIDs []string) (*store.Conversation, error) {
	conv := &store.Conversation{
		ID:      uuid.New().String(),
		Name:    name,
		IsGroup: isGroup,
	}
	for _, uid := range participantIDs {
		conv.Participants = append(conv.Participants, store.Participant{
			ConversationID: conv.ID,
			UserID:         uid,
		})
	}
	if err := s.NoteLocalConversation(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// NoteLocalConversation inserts a locally originated conversation
// (user-created, or a group the user just joined) and classifies it as
// added at the front of the presented ordering.
func (s *Synchronizer) NoteLocalConversation(conv *store.Conversation) error {
	if err := s.db.UpsertConversation(conv); err != nil {
		return err
	}
	s.applyAdded(conv)
	return nil
}

func (s *Synchronizer) handleEvent(evt remote.ChangeEvent) {
	if evt.Err != nil {
		// Malformed payload: skip the record, keep the sync pass going.
		s.logger.Warn("skipping undecodable conversation change", zap.Error(evt.Err))
		s.publish("mirror.decode_error", evt.Err)
		return
	}
	conv := evt.Conversation
	switch evt.Kind {
	case remote.Added:
		existing, err := s.db.GetConversation(conv.ID)
		if err != nil {
			s.logger.Error("mirror lookup failed", zap.String("conversation_id", conv.ID), zap.Error(err))
			return
		}
		if existing != nil {
			// Replay of a known conversation: merge, never reset.
			s.applyModified(existing, conv)
			return
		}
		if err := s.db.UpsertConversation(conv); err != nil {
			s.logger.Error("mirror insert failed", zap.String("conversation_id", conv.ID), zap.Error(err))
			return
		}
		s.applyAdded(conv)

	case remote.Modified:
		existing, err := s.db.GetConversation(conv.ID)
		if err != nil {
			s.logger.Error("mirror lookup failed", zap.String("conversation_id", conv.ID), zap.Error(err))
			return
		}
		if existing == nil {
			// Modify for a conversation the mirror never saw: treat as
			// added, the merge has nothing to preserve.
			if err := s.db.UpsertConversation(conv); err != nil {
				s.logger.Error("mirror insert failed", zap.String("conversation_id", conv.ID), zap.Error(err))
				return
			}
			s.applyAdded(conv)
			return
		}
		s.applyModified(existing, conv)

	case remote.Removed:
		s.applyRemoved(conv.ID)
	}

	if err := s.db.SetCheckpoint(lastEventCheckpoint, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		s.logger.Warn("failed to update mirror checkpoint", zap.Error(err))
	}
}

func (s *Synchronizer) applyAdded(conv *store.Conversation) {
	s.mu.Lock()
	s.order = append([]string{conv.ID}, s.order...)
	for _, p := range conv.Participants {
		if p.UserID == s.authUserID {
			s.totalUnseen += p.UnseenCount
		}
	}
	s.mu.Unlock()

	s.publish("mirror.conversation_added", Op{Kind: OpAdded, ConversationID: conv.ID, Position: 0})
}

func (s *Synchronizer) applyModified(existing, incoming *store.Conversation) {
	if err := s.db.MergeConversation(incoming); err != nil {
		s.logger.Error("mirror merge failed", zap.String("conversation_id", incoming.ID), zap.Error(err))
		return
	}

	s.mu.Lock()
	oldIdx := s.indexOfLocked(incoming.ID)
	if oldIdx > 0 {
		s.order = append(s.order[:oldIdx], s.order[oldIdx+1:]...)
		s.order = append([]string{incoming.ID}, s.order...)
	} else if oldIdx < 0 {
		s.order = append([]string{incoming.ID}, s.order...)
		oldIdx = 0
	}
	for _, p := range incoming.Participants {
		if p.UserID != s.authUserID {
			continue
		}
		// prev stays zero when the user just joined this conversation.
		prev := 0
		for _, old := range existing.Participants {
			if old.UserID == s.authUserID {
				prev = old.UnseenCount
			}
		}
		s.totalUnseen += p.UnseenCount - prev
	}
	s.mu.Unlock()

	s.publish("mirror.conversation_updated", Op{Kind: OpUpdated, ConversationID: incoming.ID, Position: oldIdx})
	s.publishFieldChanges(existing, incoming)
}

func (s *Synchronizer) applyRemoved(id string) {
	existing, err := s.db.GetConversation(id)
	if err != nil {
		s.logger.Error("mirror lookup failed", zap.String("conversation_id", id), zap.Error(err))
		return
	}
	if existing == nil {
		return
	}

	// Read the unseen count before deleting; the row is gone after.
	unseen := 0
	for _, p := range existing.Participants {
		if p.UserID == s.authUserID {
			unseen = p.UnseenCount
		}
	}

	s.mu.Lock()
	idx := s.indexOfLocked(id)
	if idx >= 0 {
		s.order = append(s.order[:idx], s.order[idx+1:]...)
	}
	s.totalUnseen -= unseen
	if s.totalUnseen < 0 {
		s.totalUnseen = 0
	}
	s.mu.Unlock()

	s.publish("mirror.conversation_removed", Op{Kind: OpRemoved, ConversationID: id, Position: idx})

	if err := s.db.DeleteConversation(id); err != nil {
		s.logger.Error("mirror delete failed", zap.String("conversation_id", id), zap.Error(err))
	}
}

func (s *Synchronizer) publishFieldChanges(existing, incoming *store.Conversation) {
	changes := []struct {
		field    string
		old, new any
	}{
		{"name", existing.Name, incoming.Name},
		{"thumbnail_path", existing.ThumbnailPath, incoming.ThumbnailPath},
		{"recent_message_id", existing.RecentMessageID, incoming.RecentMessageID},
		{"messages_count", existing.MessagesCount, incoming.MessagesCount},
	}
	for _, c := range changes {
		if c.old == c.new {
			continue
		}
		s.bus.PublishField(bus.Event{Timestamp: time.Now()}, bus.FieldChange{
			Entity: "conversation",
			ID:     incoming.ID,
			Field:  c.field,
			Value:  c.new,
		})
	}
}

func (s *Synchronizer) indexOfLocked(id string) int {
	for i, v := range s.order {
		if v == id {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
