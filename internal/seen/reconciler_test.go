package seen

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pripandrei/ChatUpp-sub002/internal/remote"
	"github.com/pripandrei/ChatUpp-sub002/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeRemote records seen-status pushes and optionally fails them.
type fakeRemote struct {
	mu    sync.Mutex
	calls []seenCall
	err   error
}

type seenCall struct {
	startingFrom   string
	seenByUser     string
	conversationID string
	limit          int
}

func (f *fakeRemote) Subscribe(context.Context, string) (<-chan remote.ChangeEvent, error) {
	return nil, nil
}

func (f *fakeRemote) UpdateUnseenCount(context.Context, []string, string, int, bool) error {
	return nil
}

func (f *fakeRemote) UpdateSeenStatus(_ context.Context, startingFrom, seenByUser, conversationID string, limit int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, seenCall{startingFrom, seenByUser, conversationID, limit})
	return f.err
}

func (f *fakeRemote) FetchMessageRange(context.Context, string, string, bool, int) ([]store.Message, error) {
	return nil, nil
}

func (f *fakeRemote) ListenForMessages(context.Context, string, string, bool, int, func([]store.Message)) (func(), error) {
	return func() {}, nil
}

func (f *fakeRemote) seenCalls() []seenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]seenCall(nil), f.calls...)
}

func seedDirect(t *testing.T, db *store.DB) {
	t.Helper()
	if err := db.UpsertConversation(&store.Conversation{ID: "c1"}); err != nil {
		t.Fatal(err)
	}
	msgs := []store.Message{
		{ConversationID: "c1", MessageID: "m1", SenderID: "u2", Type: "text", Timestamp: 1000, Seen: store.DirectSeen(false)},
		{ConversationID: "c1", MessageID: "m2", SenderID: "u2", Type: "text", Timestamp: 2000, Seen: store.DirectSeen(false)},
		{ConversationID: "c1", MessageID: "m3", SenderID: "u2", Type: "text", Timestamp: 3000, Seen: store.DirectSeen(false)},
	}
	if err := db.UpsertMessages(msgs); err != nil {
		t.Fatal(err)
	}
}

func TestMarkSeenLocallyDirect(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, &fakeRemote{}, zap.NewNop())
	seedDirect(t, db)

	n, err := r.MarkSeenLocally("c1", "u1", false, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("marked = %d, want 3", n)
	}

	for _, id := range []string{"m1", "m2", "m3"} {
		m, err := db.ResolveMessage("c1", id)
		if err != nil {
			t.Fatal(err)
		}
		if !m.Seen.SeenByUser("u1") {
			t.Errorf("%s not marked seen", id)
		}
	}
}

// TestMarkSeenLocallyIdempotent: the second pass with the same
// timestamp must report zero newly-seen messages.
func TestMarkSeenLocallyIdempotent(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, &fakeRemote{}, zap.NewNop())
	seedDirect(t, db)

	if _, err := r.MarkSeenLocally("c1", "u1", false, 5000); err != nil {
		t.Fatal(err)
	}
	n, err := r.MarkSeenLocally("c1", "u1", false, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second pass marked = %d, want 0", n)
	}
}

func TestMarkSeenLocallyRespectsTimestampBound(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, &fakeRemote{}, zap.NewNop())
	seedDirect(t, db)

	n, err := r.MarkSeenLocally("c1", "u1", false, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("marked = %d, want 2 (m3 is past the bound)", n)
	}

	m3, _ := db.ResolveMessage("c1", "m3")
	if m3.Seen.SeenByUser("u1") {
		t.Error("m3 marked seen despite being past asOf")
	}
}

// TestMarkSeenLocallyEarlyExit: once the newest candidate is already
// seen, the scan must stop without inspecting older messages, so an
// older unseen message is left alone.
func TestMarkSeenLocallyEarlyExit(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, &fakeRemote{}, zap.NewNop())

	if err := db.UpsertConversation(&store.Conversation{ID: "c1"}); err != nil {
		t.Fatal(err)
	}
	msgs := []store.Message{
		{ConversationID: "c1", MessageID: "old", SenderID: "u2", Type: "text", Timestamp: 1000, Seen: store.DirectSeen(false)},
		{ConversationID: "c1", MessageID: "new", SenderID: "u2", Type: "text", Timestamp: 2000, Seen: store.DirectSeen(true)},
	}
	if err := db.UpsertMessages(msgs); err != nil {
		t.Fatal(err)
	}

	n, err := r.MarkSeenLocally("c1", "u1", false, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("marked = %d, want 0 (early exit at the seen newest message)", n)
	}
	old, _ := db.ResolveMessage("c1", "old")
	if old.Seen.SeenByUser("u1") {
		t.Error("older message was inspected past the early exit")
	}
}

func TestMarkSeenLocallySkipsOwnMessages(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, &fakeRemote{}, zap.NewNop())

	if err := db.UpsertConversation(&store.Conversation{ID: "c1"}); err != nil {
		t.Fatal(err)
	}
	msgs := []store.Message{
		{ConversationID: "c1", MessageID: "mine", SenderID: "u1", Type: "text", Timestamp: 1000, Seen: store.DirectSeen(false)},
		{ConversationID: "c1", MessageID: "theirs", SenderID: "u2", Type: "text", Timestamp: 2000, Seen: store.DirectSeen(false)},
	}
	if err := db.UpsertMessages(msgs); err != nil {
		t.Fatal(err)
	}

	n, err := r.MarkSeenLocally("c1", "u1", false, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("marked = %d, want 1 (own message excluded)", n)
	}
}

func TestMarkSeenLocallyGroup(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, &fakeRemote{}, zap.NewNop())

	if err := db.UpsertConversation(&store.Conversation{ID: "g1", IsGroup: true}); err != nil {
		t.Fatal(err)
	}
	msgs := []store.Message{
		{ConversationID: "g1", MessageID: "m1", SenderID: "u2", Type: "text", Timestamp: 1000, Seen: store.GroupSeenBy("u3")},
		{ConversationID: "g1", MessageID: "m2", SenderID: "u3", Type: "text", Timestamp: 2000, Seen: store.GroupSeenBy()},
	}
	if err := db.UpsertMessages(msgs); err != nil {
		t.Fatal(err)
	}

	n, err := r.MarkSeenLocally("g1", "u1", true, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("marked = %d, want 2", n)
	}

	m1, _ := db.ResolveMessage("g1", "m1")
	if !m1.Seen.SeenByUser("u1") || !m1.Seen.SeenByUser("u3") {
		t.Errorf("m1 seen_by = %v, want u1 appended alongside u3", m1.Seen.SeenBy())
	}

	// Second pass: u1 already in every seen_by set.
	n, err = r.MarkSeenLocally("g1", "u1", true, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second group pass marked = %d, want 0", n)
	}
}

func TestRequestRemoteSeenUpdate(t *testing.T) {
	db := testDB(t)
	fake := &fakeRemote{}
	r := NewReconciler(db, fake, zap.NewNop())

	r.RequestRemoteSeenUpdate(context.Background(), "m3", "c1", "u1", 3)

	deadline := time.After(time.Second)
	for {
		if calls := fake.seenCalls(); len(calls) == 1 {
			got := calls[0]
			if got.startingFrom != "m3" || got.conversationID != "c1" || got.seenByUser != "u1" || got.limit != 3 {
				t.Errorf("call = %+v, want m3/c1/u1/3", got)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for remote seen update")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRequestRemoteSeenUpdateZeroLimitNoop(t *testing.T) {
	db := testDB(t)
	fake := &fakeRemote{}
	r := NewReconciler(db, fake, zap.NewNop())

	r.RequestRemoteSeenUpdate(context.Background(), "m1", "c1", "u1", 0)
	r.RequestRemoteSeenUpdate(context.Background(), "m1", "c1", "u1", -2)

	time.Sleep(50 * time.Millisecond)
	if calls := fake.seenCalls(); len(calls) != 0 {
		t.Errorf("got %d remote calls, want 0 for non-positive limit", len(calls))
	}
}
