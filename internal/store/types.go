package store

import "sort"

// Conversation represents a mirrored conversation.
type Conversation struct {
	ID              string
	Name            string
	IsGroup         bool
	ThumbnailPath   string
	RecentMessageID string // weak reference, resolved via ResolveMessage
	MessagesCount   int
	Participants    []Participant
	Admins          []string
}

// Participant captures membership and unseen-counter state. Owned
// exclusively by its conversation; user_id is unique within it.
type Participant struct {
	ConversationID string
	UserID         string
	UnseenCount    int
	IsDeleted      bool
}

// Message represents a mirrored message.
type Message struct {
	ConversationID string
	MessageID      string
	SenderID       string
	Body           string
	Type           string // text, title, image, audio, video
	Timestamp      int64
	IsEdited       bool
	ImagePath      string
	RepliedToID    string // weak reference, resolved via ResolveMessage
	Seen           SeenTracking
}

// SeenTracking is a tagged variant over the two seen-status shapes:
// direct chats carry a single seen flag, group chats carry the set of
// user ids that have seen the message. Which variant is operative is
// decided by the owning conversation's is_group flag, so the two can
// never be meaningfully set at the same time.
type SeenTracking struct {
	group  bool
	seen   bool
	seenBy map[string]struct{}
}

// DirectSeen returns the direct-chat variant.
func DirectSeen(seen bool) SeenTracking {
	return SeenTracking{seen: seen}
}

// GroupSeenBy returns the group-chat variant.
func GroupSeenBy(userIDs ...string) SeenTracking {
	set := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	return SeenTracking{group: true, seenBy: set}
}

// IsGroup reports which variant this is.
func (s SeenTracking) IsGroup() bool { return s.group }

// SeenByUser reports whether the message counts as seen by the given
// user: the plain flag for direct chats, set membership for groups.
func (s SeenTracking) SeenByUser(userID string) bool {
	if s.group {
		_, ok := s.seenBy[userID]
		return ok
	}
	return s.seen
}

// Mark returns a copy with the given user recorded as having seen the
// message.
func (s SeenTracking) Mark(userID string) SeenTracking {
	if !s.group {
		s.seen = true
		return s
	}
	set := make(map[string]struct{}, len(s.seenBy)+1)
	for id := range s.seenBy {
		set[id] = struct{}{}
	}
	set[userID] = struct{}{}
	s.seenBy = set
	return s
}

// SeenBy returns the sorted seen-by set for group messages, nil for
// direct ones.
func (s SeenTracking) SeenBy() []string {
	if !s.group {
		return nil
	}
	ids := make([]string, 0, len(s.seenBy))
	for id := range s.seenBy {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
