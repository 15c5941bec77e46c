package transport

import (
	"context"
	"sync"
	"time"

	"github.com/alumninet/chatwire/internal/bus"
	"github.com/alumninet/chatwire/internal/clock"
	"github.com/alumninet/chatwire/internal/observe"
	"github.com/alumninet/chatwire/pkg/logger"
)

// reconnectState is the policy state machine:
// idle -> attempting(n) -> idle on success, or exhausted once n exceeds the
// attempt budget. A deliberate Close never enters the machine at all.
type reconnectState int

const (
	reconnectIdle reconnectState = iota
	reconnectAttempting
	reconnectExhausted
)

// Reconnector watches the bus for unexpected disconnects and redials with
// linear backoff: attempt n waits base*n. Exhaustion is terminal; the only
// way out is a fresh user-initiated Connect.
type Reconnector struct {
	transport *Transport
	bus       *bus.Bus
	base      time.Duration
	max       int
	clk       clock.Clock

	mu      sync.Mutex
	state   reconnectState
	attempt int
	timer   clock.Timer
	ctx     context.Context
	watched bool
}

// NewReconnector wires the policy to the transport's bus. It stays inert
// until Watch is called.
func NewReconnector(t *Transport, b *bus.Bus, base time.Duration, max int, clk clock.Clock) *Reconnector {
	if clk == nil {
		clk = clock.System{}
	}
	return &Reconnector{
		transport: t,
		bus:       b,
		base:      base,
		max:       max,
		clk:       clk,
		ctx:       context.Background(),
	}
}

// Watch subscribes to disconnect events. ctx bounds every redial attempt.
// Calling it again only swaps the context; the subscription is made once.
func (r *Reconnector) Watch(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	if r.watched {
		r.mu.Unlock()
		return
	}
	r.watched = true
	r.mu.Unlock()

	r.bus.On(EventDisconnect, func(payload any) {
		ev, ok := payload.(DisconnectEvent)
		if !ok || !ev.Unexpected {
			return
		}
		r.onLost()
	})
}

// Stop cancels any pending attempt and returns the machine to idle.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.state = reconnectIdle
	r.attempt = 0
}

// Attempts reports how many redials the current episode has made.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Exhausted reports whether the policy has given up.
func (r *Reconnector) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == reconnectExhausted
}

func (r *Reconnector) onLost() {
	r.mu.Lock()
	if r.state != reconnectIdle {
		r.mu.Unlock()
		return
	}
	r.state = reconnectAttempting
	r.attempt = 0
	exhausted := r.scheduleLocked()
	r.mu.Unlock()
	if exhausted {
		r.bus.Emit(EventReconnectFailed, r.max)
	}
}

// scheduleLocked arms the timer for the next attempt, or reports exhaustion.
// Caller holds r.mu and emits the terminal event after unlocking.
func (r *Reconnector) scheduleLocked() (exhausted bool) {
	r.attempt++
	if r.attempt > r.max {
		r.state = reconnectExhausted
		logger.L().Sugar().Errorw("reconnect_exhausted", "attempts", r.max)
		return true
	}
	delay := r.base * time.Duration(r.attempt)
	logger.L().Sugar().Infow("reconnect_scheduled", "attempt", r.attempt, "max", r.max, "delay", delay)
	r.timer = r.clk.AfterFunc(delay, r.tryOnce)
	return false
}

func (r *Reconnector) tryOnce() {
	r.mu.Lock()
	if r.state != reconnectAttempting {
		r.mu.Unlock()
		return
	}
	ctx := r.ctx
	attempt := r.attempt
	r.mu.Unlock()

	observe.IncReconnectAttempt()
	err := r.transport.Connect(ctx)

	r.mu.Lock()
	if r.state != reconnectAttempting {
		r.mu.Unlock()
		return
	}
	if err == nil {
		r.state = reconnectIdle
		r.attempt = 0
		r.mu.Unlock()
		r.bus.Emit(EventReconnected, attempt)
		return
	}
	exhausted := r.scheduleLocked()
	r.mu.Unlock()
	if exhausted {
		r.bus.Emit(EventReconnectFailed, r.max)
	}
}
