package remote

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"github.com/pripandrei/ChatUpp-sub002/internal/store"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const chatsCollection = "chats"
const messagesCollection = "messages"

// Firestore implements Store against the Firestore document backend.
type Firestore struct {
	client *firestore.Client
	logger *zap.Logger
}

// NewFirestore creates a Firestore-backed remote store. credentialsFile
// may be empty, in which case application default credentials are used.
func NewFirestore(ctx context.Context, projectID, credentialsFile string, logger *zap.Logger) (*Firestore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &Firestore{client: client, logger: logger}, nil
}

// Close releases the underlying client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

// chatDoc mirrors the remote conversation document shape.
type chatDoc struct {
	Name            string                    `firestore:"name"`
	IsGroup         bool                      `firestore:"is_group"`
	ThumbnailURL    string                    `firestore:"thumbnail_url"`
	RecentMessageID string                    `firestore:"recent_message_id"`
	MessagesCount   int                       `firestore:"messages_count"`
	ParticipantIDs  []string                  `firestore:"participant_ids"`
	Participants    map[string]participantDoc `firestore:"participants"`
	Admins          []string                  `firestore:"admins"`
}

type participantDoc struct {
	UnseenMessagesCount int  `firestore:"unseen_messages_count"`
	IsDeleted           bool `firestore:"is_deleted"`
}

// messageDoc mirrors the remote message document shape. seen_by is
// present on group-chat messages, message_seen on direct ones.
type messageDoc struct {
	SenderID    string   `firestore:"sender_id"`
	Body        string   `firestore:"body"`
	Type        string   `firestore:"type"`
	Timestamp   int64    `firestore:"timestamp"`
	IsEdited    bool     `firestore:"is_edited"`
	MessageSeen bool     `firestore:"message_seen"`
	SeenBy      []string `firestore:"seen_by"`
	ImagePath   string   `firestore:"image_path"`
	RepliedTo   string   `firestore:"replied_to"`
}

// Subscribe attaches a snapshot listener for all conversations that
// contain the given participant and streams per-document changes in
// delivery order.
func (f *Firestore) Subscribe(ctx context.Context, userID string) (<-chan ChangeEvent, error) {
	query := f.client.Collection(chatsCollection).
		Where("participant_ids", "array-contains", userID)

	it := query.Snapshots(ctx)
	ch := make(chan ChangeEvent, 64)

	go func() {
		defer close(ch)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if grpcstatus.Code(err) != codes.Canceled {
					f.logger.Warn("conversation listener stream ended", zap.Error(err))
				}
				return
			}
			for _, change := range snap.Changes {
				evt := decodeChange(change)
				select {
				case ch <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

func decodeChange(change firestore.DocumentChange) ChangeEvent {
	var kind ChangeKind
	switch change.Kind {
	case firestore.DocumentAdded:
		kind = Added
	case firestore.DocumentModified:
		kind = Modified
	case firestore.DocumentRemoved:
		kind = Removed
	}

	// Removal only needs the id; a stale payload must not block it.
	if kind == Removed {
		return ChangeEvent{Kind: kind, Conversation: &store.Conversation{ID: change.Doc.Ref.ID}}
	}

	var doc chatDoc
	if err := change.Doc.DataTo(&doc); err != nil {
		return ChangeEvent{Kind: kind, Err: &DecodeError{Path: change.Doc.Ref.Path, Err: err}}
	}
	return ChangeEvent{Kind: kind, Conversation: doc.toConversation(change.Doc.Ref.ID)}
}

func (d *chatDoc) toConversation(id string) *store.Conversation {
	conv := &store.Conversation{
		ID:              id,
		Name:            d.Name,
		IsGroup:         d.IsGroup,
		ThumbnailPath:   d.ThumbnailURL,
		RecentMessageID: d.RecentMessageID,
		MessagesCount:   d.MessagesCount,
		Admins:          d.Admins,
	}
	uids := make([]string, 0, len(d.Participants))
	for uid := range d.Participants {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	for _, uid := range uids {
		p := d.Participants[uid]
		conv.Participants = append(conv.Participants, store.Participant{
			ConversationID: id,
			UserID:         uid,
			UnseenCount:    p.UnseenMessagesCount,
			IsDeleted:      p.IsDeleted,
		})
	}
	return conv
}

// UpdateUnseenCount adjusts the nested unseen counters of the given
// participants in one batched write, using a server-side increment so
// concurrent clients converge.
func (f *Firestore) UpdateUnseenCount(ctx context.Context, forUserIDs []string, conversationID string, counter int, shouldIncrement bool) error {
	if counter <= 0 || len(forUserIDs) == 0 {
		return nil
	}
	delta := counter
	if !shouldIncrement {
		delta = -counter
	}

	ref := f.client.Collection(chatsCollection).Doc(conversationID)
	batch := f.client.Batch()
	for _, uid := range forUserIDs {
		batch.Update(ref, []firestore.Update{{
			FieldPath: firestore.FieldPath{"participants", uid, "unseen_messages_count"},
			Value:     firestore.Increment(delta),
		}})
	}
	if _, err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("update unseen count for %s: %w", conversationID, err)
	}
	return nil
}

// UpdateSeenStatus marks up to limit messages at or before the boundary
// message as seen, in one batched write.
func (f *Firestore) UpdateSeenStatus(ctx context.Context, startingFromMessageID, seenByUser, conversationID string, limit int) error {
	if limit <= 0 {
		return nil
	}
	msgs := f.client.Collection(chatsCollection).Doc(conversationID).Collection(messagesCollection)

	boundary, err := msgs.Doc(startingFromMessageID).Get(ctx)
	if grpcstatus.Code(err) == codes.NotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch boundary message %s: %w", startingFromMessageID, err)
	}
	var bdoc messageDoc
	if err := boundary.DataTo(&bdoc); err != nil {
		return &DecodeError{Path: boundary.Ref.Path, Err: err}
	}

	iter := msgs.Where("timestamp", "<=", bdoc.Timestamp).
		OrderBy("timestamp", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	batch := f.client.Batch()
	updates := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("query seen range: %w", err)
		}
		if seenByUser != "" {
			batch.Update(doc.Ref, []firestore.Update{{
				Path:  "seen_by",
				Value: firestore.ArrayUnion(seenByUser),
			}})
		} else {
			batch.Update(doc.Ref, []firestore.Update{{
				Path:  "message_seen",
				Value: true,
			}})
		}
		updates++
	}
	if updates == 0 {
		return nil
	}
	if _, err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("commit seen updates: %w", err)
	}
	return nil
}

// FetchMessageRange returns up to limit messages strictly beyond the
// boundary message in the requested direction.
func (f *Firestore) FetchMessageRange(ctx context.Context, conversationID, boundaryMessageID string, ascending bool, limit int) ([]store.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	query, err := f.rangeQuery(ctx, conversationID, boundaryMessageID, ascending)
	if err != nil {
		return nil, err
	}

	iter := query.Limit(limit).Documents(ctx)
	defer iter.Stop()

	var msgs []store.Message
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fetch message range: %w", err)
		}
		var md messageDoc
		if err := doc.DataTo(&md); err != nil {
			return nil, &DecodeError{Path: doc.Ref.Path, Err: err}
		}
		msgs = append(msgs, md.toMessage(conversationID, doc.Ref.ID))
	}
	return msgs, nil
}

// ListenForMessages attaches a live snapshot listener over the same
// range a fetch would cover and forwards added/modified messages.
func (f *Firestore) ListenForMessages(ctx context.Context, conversationID, boundaryMessageID string, ascending bool, limit int, fn func([]store.Message)) (func(), error) {
	query, err := f.rangeQuery(ctx, conversationID, boundaryMessageID, ascending)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	it := query.Limit(limit).Snapshots(ctx)

	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if grpcstatus.Code(err) != codes.Canceled {
					f.logger.Warn("message listener stream ended",
						zap.String("conversation_id", conversationID), zap.Error(err))
				}
				return
			}
			var msgs []store.Message
			for _, change := range snap.Changes {
				if change.Kind == firestore.DocumentRemoved {
					continue
				}
				var md messageDoc
				if err := change.Doc.DataTo(&md); err != nil {
					f.logger.Warn("skipping undecodable message",
						zap.String("path", change.Doc.Ref.Path), zap.Error(err))
					continue
				}
				msgs = append(msgs, md.toMessage(conversationID, change.Doc.Ref.ID))
			}
			if len(msgs) > 0 {
				fn(msgs)
			}
		}
	}()

	return cancel, nil
}

func (f *Firestore) rangeQuery(ctx context.Context, conversationID, boundaryMessageID string, ascending bool) (firestore.Query, error) {
	msgs := f.client.Collection(chatsCollection).Doc(conversationID).Collection(messagesCollection)

	dir := firestore.Desc
	if ascending {
		dir = firestore.Asc
	}
	query := msgs.OrderBy("timestamp", dir)

	if boundaryMessageID == "" {
		return query, nil
	}
	boundary, err := msgs.Doc(boundaryMessageID).Get(ctx)
	if grpcstatus.Code(err) == codes.NotFound {
		// Unknown boundary resolves to "from the end".
		return query, nil
	}
	if err != nil {
		return firestore.Query{}, fmt.Errorf("fetch boundary message %s: %w", boundaryMessageID, err)
	}
	var bdoc messageDoc
	if err := boundary.DataTo(&bdoc); err != nil {
		return firestore.Query{}, &DecodeError{Path: boundary.Ref.Path, Err: err}
	}
	if ascending {
		return query.Where("timestamp", ">", bdoc.Timestamp), nil
	}
	return query.Where("timestamp", "<", bdoc.Timestamp), nil
}

func (d *messageDoc) toMessage(conversationID, messageID string) store.Message {
	var seen store.SeenTracking
	if d.SeenBy != nil {
		seen = store.GroupSeenBy(d.SeenBy...)
	} else {
		seen = store.DirectSeen(d.MessageSeen)
	}
	return store.Message{
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       d.SenderID,
		Body:           d.Body,
		Type:           d.Type,
		Timestamp:      d.Timestamp,
		IsEdited:       d.IsEdited,
		ImagePath:      d.ImagePath,
		RepliedToID:    d.RepliedTo,
		Seen:           seen,
	}
}
