// Package pager serves message pages preferentially from the local
// mirror, falling back to a remote range fetch with at most one fetch
// in flight per conversation.
package pager

import (
	"context"
	"sync"
	"time"

	"github.com/pripandrei/ChatUpp-sub002/internal/bus"
	"github.com/pripandrei/ChatUpp-sub002/internal/remote"
	"github.com/pripandrei/ChatUpp-sub002/internal/store"
	"go.uber.org/zap"
)

// DefaultPageSize is the page size when none is configured.
const DefaultPageSize = 30

type listenerKey struct {
	conversationID string
	ascending      bool
}

// Coordinator answers pagination requests for conversation views.
type Coordinator struct {
	db       *store.DB
	remote   remote.Store
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int

	mu           sync.Mutex
	inFlight     map[string]bool
	listeners    map[listenerKey]func()
	liveAttached map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator creates a new pagination coordinator.
func NewCoordinator(db *store.DB, r remote.Store, b *bus.Bus, logger *zap.Logger, pageSize int) *Coordinator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Coordinator{
		db:           db,
		remote:       r,
		bus:          b,
		logger:       logger,
		pageSize:     pageSize,
		inFlight:     make(map[string]bool),
		listeners:    make(map[listenerKey]func()),
		liveAttached: make(map[string]bool),
	}
}

// Start binds the context used for remote fetches and listeners.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
}

// Stop detaches all live listeners and cancels in-flight fetches.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, detach := range c.listeners {
		detach()
		delete(c.listeners, key)
	}
	c.liveAttached = make(map[string]bool)
}

// Page serves one page of messages beyond the boundary message in the
// requested direction. Local rows win; only when the mirror is
// exhausted is a single remote fetch issued per conversation, guarded
// so concurrent requests do not duplicate it. A request that finds the
// guard taken returns no rows without waiting.
func (c *Coordinator) Page(conversationID, boundaryMessageID string, ascending bool) ([]store.Message, error) {
	boundaryTs := int64(0)
	if boundaryMessageID != "" {
		boundary, err := c.db.ResolveMessage(conversationID, boundaryMessageID)
		if err != nil {
			return nil, err
		}
		if boundary != nil {
			boundaryTs = boundary.Timestamp
		}
	}

	local, err := c.db.Page(conversationID, boundaryTs, ascending, c.pageSize)
	if err != nil {
		return nil, err
	}
	if len(local) > 0 {
		// Keep the freshly paged region live: listen adjacent to the
		// new boundary, in the opposite direction of this page.
		edge := local[len(local)-1]
		c.armAdjacentListener(conversationID, edge.MessageID, !ascending)
		if ascending && len(local) < c.pageSize {
			c.attachLiveListener(conversationID, edge.MessageID)
		}
		return local, nil
	}

	c.mu.Lock()
	if c.inFlight[conversationID] {
		c.mu.Unlock()
		return nil, nil
	}
	c.inFlight[conversationID] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, conversationID)
		c.mu.Unlock()
	}()

	fetched, err := c.remote.FetchMessageRange(c.ctx, conversationID, boundaryMessageID, ascending, c.pageSize)
	if err != nil {
		c.logger.Warn("remote page fetch failed",
			zap.String("conversation_id", conversationID),
			zap.Bool("ascending", ascending),
			zap.Error(err))
		return nil, err
	}
	if len(fetched) == 0 {
		if ascending {
			c.attachLiveListener(conversationID, boundaryMessageID)
		}
		return nil, nil
	}

	if err := c.db.UpsertMessages(fetched); err != nil {
		return nil, err
	}
	c.publishUpserted(conversationID, fetched)
	return fetched, nil
}

// armAdjacentListener replaces the per-direction listener next to the
// given boundary so realtime updates keep the paged region current.
func (c *Coordinator) armAdjacentListener(conversationID, boundaryMessageID string, ascending bool) {
	key := listenerKey{conversationID: conversationID, ascending: ascending}

	detach, err := c.remote.ListenForMessages(c.ctx, conversationID, boundaryMessageID, ascending, c.pageSize, func(msgs []store.Message) {
		c.ingest(conversationID, msgs)
	})
	if err != nil {
		c.logger.Warn("failed to arm adjacent listener",
			zap.String("conversation_id", conversationID),
			zap.Bool("ascending", ascending),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	if prev := c.listeners[key]; prev != nil {
		prev()
	}
	c.listeners[key] = detach
	c.mu.Unlock()
}

// attachLiveListener attaches the standing listener for upcoming
// messages once per conversation.
func (c *Coordinator) attachLiveListener(conversationID, boundaryMessageID string) {
	c.mu.Lock()
	if c.liveAttached[conversationID] {
		c.mu.Unlock()
		return
	}
	c.liveAttached[conversationID] = true
	c.mu.Unlock()

	detach, err := c.remote.ListenForMessages(c.ctx, conversationID, boundaryMessageID, true, c.pageSize, func(msgs []store.Message) {
		c.ingest(conversationID, msgs)
	})
	if err != nil {
		c.logger.Warn("failed to attach live listener",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		c.mu.Lock()
		delete(c.liveAttached, conversationID)
		c.mu.Unlock()
		return
	}

	key := listenerKey{conversationID: conversationID, ascending: true}
	c.mu.Lock()
	if prev := c.listeners[key]; prev != nil {
		prev()
	}
	c.listeners[key] = detach
	c.mu.Unlock()
}

func (c *Coordinator) ingest(conversationID string, msgs []store.Message) {
	if err := c.db.UpsertMessages(msgs); err != nil {
		c.logger.Error("failed to ingest listened messages",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return
	}
	c.publishUpserted(conversationID, msgs)
}

func (c *Coordinator) publishUpserted(conversationID string, msgs []store.Message) {
	for _, m := range msgs {
		c.bus.Publish(bus.Event{
			Kind:      "message.upserted",
			Timestamp: time.Now(),
			Payload: map[string]string{
				"conversation_id": conversationID,
				"message_id":      m.MessageID,
			},
		})
	}
}
