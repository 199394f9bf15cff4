// Package counter coalesces bursty unseen-count deltas into single
// remote counter mutations, with retry on failure.
package counter

import (
	"context"
	"sync"
	"time"

	"github.com/pripandrei/ChatUpp-sub002/internal/bus"
	"github.com/pripandrei/ChatUpp-sub002/internal/remote"
	"github.com/pripandrei/ChatUpp-sub002/internal/status"
	"github.com/pripandrei/ChatUpp-sub002/internal/store"
	"go.uber.org/zap"
)

// DefaultWindow is the coalescing window: deltas scheduled within it
// collapse into one remote mutation carrying their sum.
const DefaultWindow = time.Second

// Options tune the coalescing and retry behaviour.
type Options struct {
	// Window is the coalescing window; DefaultWindow when zero.
	Window time.Duration
	// MaxAttempts caps flush retries per pending delta. Zero retries
	// forever, which matches the historical behaviour.
	MaxAttempts int
	// Machine, when set, is degraded when a delta is dropped at the
	// retry cap and restored to Ready on the next successful flush.
	Machine *status.Machine
}

type pendingKey struct {
	conversationID string
	userID         string
}

// pendingDelta is the per-conversation accumulation unit. value and
// timer are only touched under the coalescer mutex; inFlight keeps
// flushes for one conversation strictly sequential.
type pendingDelta struct {
	value    int
	attempts int
	inFlight bool
	timer    *time.Timer
}

// Coalescer turns local seen-status bursts into a small number of
// remote counter mutations. Pending state is keyed per conversation
// and user; different keys proceed independently.
type Coalescer struct {
	db     *store.DB
	remote remote.Store
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	mu      sync.Mutex
	pending map[pendingKey]*pendingDelta
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoalescer creates a new unseen-counter coalescer.
func NewCoalescer(db *store.DB, r remote.Store, b *bus.Bus, logger *zap.Logger, opts Options) *Coalescer {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	return &Coalescer{
		db:      db,
		remote:  r,
		bus:     b,
		logger:  logger,
		opts:    opts,
		pending: make(map[pendingKey]*pendingDelta),
	}
}

// Start binds the context used for remote flushes.
func (c *Coalescer) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
}

// Stop cancels in-flight flushes, disarms all pending timers and
// refuses further scheduling, so a flush failing on the cancelled
// context cannot re-arm itself.
func (c *Coalescer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for key, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.pending, key)
	}
}

// UpdateLocal applies a delta to the participant's locally mirrored
// unseen counter, clamped at zero, inside one write transaction. A
// missing conversation or participant is a silent no-op. Never touches
// the remote store.
func (c *Coalescer) UpdateLocal(conversationID, userID string, delta int) {
	if delta == 0 {
		return
	}
	if err := c.db.AdjustUnseenCount(conversationID, userID, delta); err != nil {
		c.logger.Error("failed to adjust local unseen count",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}
	if n, ok, err := c.db.UnseenCount(conversationID, userID); err == nil && ok {
		c.bus.PublishField(bus.Event{Timestamp: time.Now()}, bus.FieldChange{
			Entity: "participant",
			ID:     conversationID + "/" + userID,
			Field:  "unseen_count",
			Value:  n,
		})
	}
}

// ScheduleRemoteUpdate accumulates a delta for the conversation and
// (re)arms the flush timer. Re-arming cancels the previous timer, so N
// calls within one window produce exactly one remote mutation carrying
// the sum. A zero delta is a no-op.
func (c *Coalescer) ScheduleRemoteUpdate(conversationID, userID string, delta int) {
	if delta == 0 {
		return
	}
	key := pendingKey{conversationID: conversationID, userID: userID}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	p := c.pending[key]
	if p == nil {
		p = &pendingDelta{}
		c.pending[key] = p
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.value += delta
	p.timer = time.AfterFunc(c.opts.Window, func() { c.flush(key) })
}

// flush is invoked only by an armed timer. It atomically takes and
// zeroes the accumulated delta, then issues the remote mutation. On
// failure the delta is re-enqueued with the same value, restarting the
// coalescing window.
func (c *Coalescer) flush(key pendingKey) {
	c.mu.Lock()
	p := c.pending[key]
	if p == nil {
		c.mu.Unlock()
		return
	}
	if p.inFlight {
		// A flush for this conversation is still running; try again
		// after another window.
		p.timer = time.AfterFunc(c.opts.Window, func() { c.flush(key) })
		c.mu.Unlock()
		return
	}
	delta := p.value
	p.value = 0
	p.timer = nil
	if delta == 0 {
		delete(c.pending, key)
		c.mu.Unlock()
		return
	}
	p.inFlight = true
	attempts := p.attempts
	c.mu.Unlock()

	counter := delta
	if counter < 0 {
		counter = -counter
	}
	err := c.remote.UpdateUnseenCount(c.ctx, []string{key.userID}, key.conversationID, counter, delta > 0)

	c.mu.Lock()
	p.inFlight = false
	stopped := c.stopped
	c.mu.Unlock()

	if err != nil {
		if stopped || c.ctx.Err() != nil {
			// Shutdown raced the flush; the delta dies with the session.
			return
		}
		if c.opts.MaxAttempts > 0 && attempts+1 >= c.opts.MaxAttempts {
			c.logger.Error("dropping unseen-count delta after max attempts",
				zap.String("conversation_id", key.conversationID),
				zap.String("user_id", key.userID),
				zap.Int("delta", delta),
				zap.Int("attempts", attempts+1),
				zap.Error(err))
			if c.opts.Machine != nil {
				_ = c.opts.Machine.Transition(status.Degraded)
			}
			c.finish(key)
			return
		}
		c.logger.Warn("unseen-count flush failed, re-enqueueing",
			zap.String("conversation_id", key.conversationID),
			zap.Int("delta", delta),
			zap.Error(err))
		c.mu.Lock()
		p.attempts = attempts + 1
		c.mu.Unlock()
		c.ScheduleRemoteUpdate(key.conversationID, key.userID, delta)
		return
	}
	if c.opts.Machine != nil && c.opts.Machine.Current() == status.Degraded {
		_ = c.opts.Machine.Transition(status.Ready)
	}
	c.finish(key)
}

// finish resets retry accounting and drops the entry if nothing new
// accumulated while the flush was in flight.
func (c *Coalescer) finish(key pendingKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending[key]
	if p == nil {
		return
	}
	p.attempts = 0
	if p.value == 0 && p.timer == nil {
		delete(c.pending, key)
	}
}
