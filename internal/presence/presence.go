// Package presence maintains the set of user ids currently believed online.
// Incremental user_online/user_offline events keep it fresh; a periodic full
// sync against the status endpoint reconciles anything missed.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/alumninet/chatwire/internal/bus"
	"github.com/alumninet/chatwire/internal/clock"
	"github.com/alumninet/chatwire/internal/observe"
	"github.com/alumninet/chatwire/internal/wire"
	"github.com/alumninet/chatwire/pkg/logger"
)

// EventChanged is emitted on the bus whenever a user's status flips.
const EventChanged = "presence_changed"

// ChangeEvent is the payload of EventChanged.
type ChangeEvent struct {
	UserID string
	Online bool
}

// Syncer is the status collaborator; rest.Client satisfies it.
type Syncer interface {
	OnlineUsers(ctx context.Context) ([]string, error)
}

type Tracker struct {
	syncer   Syncer
	bus      *bus.Bus
	interval time.Duration
	clk      clock.Clock

	mu     sync.RWMutex
	online map[string]struct{}
	timer  clock.Timer
	ctx    context.Context
	cancel context.CancelFunc
}

func NewTracker(syncer Syncer, b *bus.Bus, interval time.Duration, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.System{}
	}
	return &Tracker{
		syncer:   syncer,
		bus:      b,
		interval: interval,
		clk:      clk,
		online:   make(map[string]struct{}),
	}
}

// Watch subscribes to the incremental status events.
func (t *Tracker) Watch() {
	t.bus.On(wire.TypeUserOnline, func(payload any) {
		if e, ok := payload.(*wire.Envelope); ok {
			t.Set(e.UserID.String(), true)
		}
	})
	t.bus.On(wire.TypeUserOffline, func(payload any) {
		if e, ok := payload.(*wire.Envelope); ok {
			t.Set(e.UserID.String(), false)
		}
	})
}

// Start runs an immediate full sync and then re-syncs every interval until
// Stop or ctx cancellation.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.syncOnce()
	t.schedule()
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) schedule() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil || t.ctx.Err() != nil {
		return
	}
	t.timer = t.clk.AfterFunc(t.interval, func() {
		t.syncOnce()
		t.schedule()
	})
}

// syncOnce replaces the whole set from the status endpoint. Failures leave
// the current set untouched; the next tick tries again.
func (t *Tracker) syncOnce() {
	t.mu.RLock()
	ctx := t.ctx
	t.mu.RUnlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	ids, err := t.syncer.OnlineUsers(ctx)
	if err != nil {
		logger.L().Sugar().Warnw("presence_sync_failed", "err", err)
		return
	}
	t.ReplaceAll(ids)
}

// IsOnline reports set membership in O(1).
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Snapshot returns the ids currently believed online.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	return out
}

// Set applies one incremental status change.
func (t *Tracker) Set(userID string, online bool) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	_, was := t.online[userID]
	if online == was {
		t.mu.Unlock()
		return
	}
	if online {
		t.online[userID] = struct{}{}
	} else {
		delete(t.online, userID)
	}
	n := len(t.online)
	t.mu.Unlock()

	observe.SetOnline(n)
	t.bus.Emit(EventChanged, ChangeEvent{UserID: userID, Online: online})
}

// ReplaceAll swaps in the result of a full sync, emitting a change for
// every id that flipped.
func (t *Tracker) ReplaceAll(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}

	t.mu.Lock()
	var changes []ChangeEvent
	for id := range next {
		if _, ok := t.online[id]; !ok {
			changes = append(changes, ChangeEvent{UserID: id, Online: true})
		}
	}
	for id := range t.online {
		if _, ok := next[id]; !ok {
			changes = append(changes, ChangeEvent{UserID: id, Online: false})
		}
	}
	t.online = next
	n := len(next)
	t.mu.Unlock()

	observe.SetOnline(n)
	for _, ch := range changes {
		t.bus.Emit(EventChanged, ch)
	}
}
